package progression_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
)

func TestProcess_FiveMessagesAwardBadgeOnceAndCompleteQuest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, started, err := f.engine.EnsureQuests(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, started, 1)
	require.Equal(t, "daily_explorer", started[0].QuestID)

	data := progression.ActivityData{"tutor_type": "Math", "message": "Can you explain algebra?"}
	var results []*progression.ActivityResult
	for i := 0; i < 5; i++ {
		results = append(results, f.process(t, "alice", "message_sent", data))
	}

	assert.Equal(t, []string{"first_interaction"}, badgeIDs(results[0].NewBadges))
	for _, r := range results[1:] {
		assert.Empty(t, r.NewBadges)
	}
	for _, r := range results[:4] {
		assert.Empty(t, r.CompletedQuests)
	}
	require.Len(t, results[4].CompletedQuests, 1)
	assert.Equal(t, "daily_explorer", results[4].CompletedQuests[0].Quest.ID)

	// 5*5 activity XP + 10 badge XP + 50 quest XP.
	last := results[4]
	assert.Equal(t, int64(85), last.TotalXP)
	assert.Equal(t, 1, last.Level)
	assert.Equal(t, []progression.Step{
		progression.StepXP, progression.StepCounters, progression.StepStreak,
		progression.StepBadges, progression.StepQuests,
	}, last.Steps)

	counters, err := f.store.GetCounters(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), counters.Get(catalog.CounterMessagesSent))
	assert.Equal(t, int64(5), counters.Get(catalog.SubjectCounter("math")))
	assert.Equal(t, int64(5), counters.Get(catalog.CounterTotalActivities))
	assert.Equal(t, []string{"math"}, counters.Tutors)
	assert.Equal(t, []string{"math"}, counters.Topics)
}

func TestProcess_ReadingSessionBonusAndLevelUp(t *testing.T) {
	f := newFixture(t)

	res := f.process(t, "alice", "reading_session", progression.ActivityData{
		"accuracy":         100.0,
		"wpm":              120,
		"comprehension":    json.Number("90"),
		"duration_minutes": 12.7,
	})

	// 40 base + min(50, 50) + min(60, 50) + min(45, 50).
	assert.Equal(t, int64(145), res.BonusXP)
	assert.Equal(t, int64(185), res.XPGained)
	assert.True(t, res.LevelUp)
	assert.Equal(t, 1, res.PreviousLevel)
	assert.Equal(t, 2, res.Level)
	assert.Equal(t, "Curious Learner", res.Title)
	assert.Equal(t, []string{"first_book"}, badgeIDs(res.NewBadges))
	assert.Equal(t, int64(205), res.TotalXP)

	assert.Equal(t, int64(1), res.Counters["fast_reading_sessions"])
	assert.Equal(t, int64(1), res.Counters["accurate_reading_sessions"])
	assert.Equal(t, int64(1), res.Counters["deep_comprehension_sessions"])
	assert.Equal(t, int64(12), res.Counters[catalog.CounterStudyMinutes])
}

func TestProcess_AcceptsLongSignalNames(t *testing.T) {
	f := newFixture(t)

	res := f.process(t, "alice", "reading_session", progression.ActivityData{
		"accuracy_score":      100.0,
		"words_per_minute":    120,
		"comprehension_score": json.Number("90"),
	})
	assert.Equal(t, int64(145), res.BonusXP)
	assert.Equal(t, int64(1), res.Counters["fast_reading_sessions"])
	assert.Equal(t, int64(1), res.Counters["accurate_reading_sessions"])
	assert.Equal(t, int64(1), res.Counters["deep_comprehension_sessions"])

	// the short name wins when both are sent
	res = f.process(t, "bob", "reading_session", progression.ActivityData{"wpm": 60, "words_per_minute": 200})
	assert.Equal(t, int64(30), res.BonusXP)

	_, err := f.engine.Processor.Process(context.Background(), "carol", "reading_session", progression.ActivityData{"accuracy_score": -1})
	assert.True(t, shared.IsInvalidInput(err))
}

func TestProcess_SignalBelowThresholdDoesNotCount(t *testing.T) {
	f := newFixture(t)

	res := f.process(t, "alice", "reading_session", progression.ActivityData{"wpm": 60})
	assert.Equal(t, int64(30), res.BonusXP)
	assert.NotContains(t, res.Counters, "fast_reading_sessions")
}

func TestProcess_StudyHourWindowUsesLocation(t *testing.T) {
	plus5 := time.FixedZone("UTC+5", 5*60*60)
	f := newFixture(t, withLocation(plus5))
	// 20:00 UTC is 01:00 at UTC+5.
	f.clock.Set(time.Date(2024, 6, 3, 20, 0, 0, 0, time.UTC))

	res := f.process(t, "alice", "chapter_completed", nil)
	assert.Equal(t, int64(1), res.Counters[catalog.CounterLateNight])
	assert.NotContains(t, res.Counters, catalog.CounterEarlyMorning)
}

func TestProcess_ValidationChangesNothing(t *testing.T) {
	tests := []struct {
		name     string
		id       learner.ID
		activity string
		data     progression.ActivityData
	}{
		{"empty learner", "", "message_sent", nil},
		{"unknown activity", "alice", "juggling", nil},
		{"negative signal", "alice", "reading_session", progression.ActivityData{"wpm": -5}},
		{"non-numeric signal", "alice", "reading_session", progression.ActivityData{"accuracy": "high"}},
		{"non-numeric accumulator", "alice", "message_sent", progression.ActivityData{"duration_minutes": true}},
		{"tutor type not a string", "alice", "message_sent", progression.ActivityData{"tutor_type": 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			res, err := f.engine.Processor.Process(ctx, tt.id, tt.activity, tt.data)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, shared.IsInvalidInput(err))

			summaries, err := f.store.Summaries(ctx)
			require.NoError(t, err)
			assert.Empty(t, summaries)
		})
	}
}

func TestProcess_UnknownDataKeysIgnored(t *testing.T) {
	f := newFixture(t)
	res := f.process(t, "alice", "book_generated", progression.ActivityData{"title": "Dragons", "pages": -3})
	assert.Equal(t, int64(20), res.XPGained)
}

func TestProcess_ConcurrentActivitiesSerializePerLearner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Processor.Process(ctx, "alice", "message_sent", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	counters, err := f.store.GetCounters(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), counters.Get(catalog.CounterMessagesSent))

	held, err := f.engine.Badges.Held(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, held, 1)

	rec, err := f.engine.Ledger.Record(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(60), rec.TotalXPEarned)
}

// failingStreaks breaks the streak step after XP and counters are committed.
type failingStreaks struct {
	*memory.Store
}

var errStreakDown = errors.New("streak table unavailable")

func (failingStreaks) CompareAndSwapStreak(context.Context, *learner.StreakRecord, learner.StreakRecord) (learner.StreakRecord, error) {
	return learner.StreakRecord{}, errStreakDown
}

func TestProcess_PartialFailureReportsStep(t *testing.T) {
	f := newFixture(t, withStore(failingStreaks{memory.NewStore()}))
	ctx := context.Background()

	res, err := f.engine.Processor.Process(ctx, "alice", "message_sent", nil)
	require.Error(t, err)
	require.NotNil(t, res)

	var stepErr *progression.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, progression.StepStreak, stepErr.Step)
	assert.ErrorIs(t, err, errStreakDown)
	assert.Equal(t, []progression.Step{progression.StepXP, progression.StepCounters}, res.Steps)

	// Committed steps stay committed.
	rec, err := f.engine.Ledger.Record(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.TotalXPEarned)
	counters, err := f.store.GetCounters(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Get(catalog.CounterMessagesSent))
}

func TestProcess_BadgeStepFailurePaysOnRetry(t *testing.T) {
	store := &flakyClaims{Store: memory.NewStore(), prefix: "badge:", fails: 1}
	f := newFixture(t, withStore(store))
	ctx := context.Background()

	res, err := f.engine.Processor.Process(ctx, "alice", "message_sent", nil)
	var stepErr *progression.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, progression.StepBadges, stepErr.Step)
	assert.ErrorIs(t, err, errLedgerDown)
	assert.Equal(t, []progression.Step{progression.StepXP, progression.StepCounters, progression.StepStreak}, res.Steps)
	assert.Empty(t, res.NewBadges)
	assert.Equal(t, int64(5), f.totalXP(t, "alice"))

	// Retrying the failed step awards and pays once.
	got, err := f.engine.Badges.CheckAndAward(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first_interaction"}, badgeIDs(got))
	got, err = f.engine.Badges.CheckAndAward(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(15), f.totalXP(t, "alice"))
}

func TestProcess_QuestStepFailurePaysOnRetry(t *testing.T) {
	store := &flakyClaims{Store: memory.NewStore(), prefix: "quest:"}
	f := newFixture(t, withStore(store))
	ctx := context.Background()

	_, _, err := f.engine.Quests.Start(ctx, "alice", "daily_explorer")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		f.process(t, "alice", "message_sent", nil)
	}

	store.fails = 1
	res, err := f.engine.Processor.Process(ctx, "alice", "message_sent", nil)
	var stepErr *progression.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, progression.StepQuests, stepErr.Step)
	assert.Equal(t, []progression.Step{
		progression.StepXP, progression.StepCounters, progression.StepStreak, progression.StepBadges,
	}, res.Steps)
	assert.Empty(t, res.CompletedQuests)
	// Five messages plus the first_interaction badge.
	assert.Equal(t, int64(35), f.totalXP(t, "alice"))

	done, err := f.engine.Quests.UpdateProgress(ctx, "alice", res.Counters)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "daily_explorer", done[0].Quest.ID)

	done, err = f.engine.Quests.UpdateProgress(ctx, "alice", res.Counters)
	require.NoError(t, err)
	assert.Empty(t, done)
	assert.Equal(t, int64(85), f.totalXP(t, "alice"))
}
