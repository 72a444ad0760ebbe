package progression_test

import (
	"context"
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

func questIDs(qs []catalog.QuestDefinition) []string {
	ids := make([]string, len(qs))
	for i, q := range qs {
		ids[i] = q.ID
	}
	return ids
}

func TestQuests_CandidatesRespectLevelAndPrerequisites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.engine.Quests.GenerateCandidates(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"daily_explorer"}, questIDs(got))

	f.process(t, "alice", "voice_used", nil)
	got, err = f.engine.Quests.GenerateCandidates(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"daily_explorer", "voice_adventurer"}, questIDs(got))

	_, ok, err := f.engine.Quests.Start(ctx, "alice", "daily_explorer")
	require.NoError(t, err)
	require.True(t, ok)
	got, err = f.engine.Quests.GenerateCandidates(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"voice_adventurer"}, questIDs(got), "active quests are not offered again")
}

func TestQuests_StartIsExclusivePerQuest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, ok, err := f.engine.Quests.Start(ctx, "alice", "daily_explorer")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, monday10.Add(day), inst.ExpiresAt)
	assert.Equal(t, map[string]int64{catalog.CounterMessagesSent: 0}, inst.Progress)

	_, ok, err = f.engine.Quests.Start(ctx, "alice", "daily_explorer")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = f.engine.Quests.Start(ctx, "alice", "no_such_quest")
	assert.True(t, shared.IsInvalidInput(err))

	// Once expired a fresh instance may start.
	f.clock.Advance(25 * time.Hour)
	_, ok, err = f.engine.Quests.Start(ctx, "alice", "daily_explorer")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQuests_EnsureFillsFreeSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Level 2 plus math activity unlocks daily_explorer and math_marathon.
	_, err := f.engine.Ledger.AddXP(ctx, "alice", 100, "setup")
	require.NoError(t, err)
	f.process(t, "alice", "message_sent", progression.ActivityData{"tutor_type": "math"})
	f.process(t, "alice", "voice_used", nil)

	active, started, err := f.engine.EnsureQuests(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, started, 3)
	assert.Len(t, active, 3)

	active, started, err = f.engine.EnsureQuests(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, started)
	assert.Len(t, active, 3)
}

func TestQuests_ExpiredInstanceNeverProgresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok, err := f.engine.Quests.Start(ctx, "alice", "daily_explorer")
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(25 * time.Hour)
	done, err := f.engine.Quests.UpdateProgress(ctx, "alice", map[string]int64{catalog.CounterMessagesSent: 10})
	require.NoError(t, err)
	assert.Empty(t, done)

	all, err := f.store.ListQuests(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(0), all[0].Progress[catalog.CounterMessagesSent])
	assert.False(t, all[0].Completed)
}

func TestQuests_CompletionIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	delta := map[string]int64{catalog.CounterMessagesSent: 5}

	_, _, err := f.engine.Quests.Start(ctx, "alice", "daily_explorer")
	require.NoError(t, err)

	done, err := f.engine.Quests.UpdateProgress(ctx, "alice", delta)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.True(t, done[0].Instance.Completed)
	assert.Equal(t, int64(50), done[0].XP.Amount)

	done, err = f.engine.Quests.UpdateProgress(ctx, "alice", delta)
	require.NoError(t, err)
	assert.Empty(t, done, "a completed quest pays out once")

	rec, err := f.engine.Ledger.Record(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), rec.TotalXPEarned)

	all, err := f.store.ListQuests(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), all[0].Progress[catalog.CounterMessagesSent])
}

func TestQuests_BadgeRewardGrantedDirectly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.engine.Quests.Start(ctx, "alice", "perfect_pronunciation")
	require.NoError(t, err)

	done, err := f.engine.Quests.UpdateProgress(ctx, "alice", map[string]int64{"accurate_reading_sessions": 3})
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].Badge)
	assert.Equal(t, "pronunciation_pro", done[0].Badge.ID)

	held, err := f.engine.Badges.Held(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "quest:perfect_pronunciation", held[0].Reason)

	rec, err := f.engine.Ledger.Record(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(250), rec.TotalXPEarned, "150 quest XP plus 100 badge XP")
}

func TestQuests_FailedCreditLeavesQuestOpen(t *testing.T) {
	store := &flakyClaims{Store: memory.NewStore(), prefix: "quest:", fails: 1}
	f := newFixture(t, withStore(store))
	ctx := context.Background()
	delta := map[string]int64{catalog.CounterMessagesSent: 5}

	_, _, err := f.engine.Quests.Start(ctx, "alice", "daily_explorer")
	require.NoError(t, err)

	done, err := f.engine.Quests.UpdateProgress(ctx, "alice", delta)
	assert.ErrorIs(t, err, errLedgerDown)
	assert.Empty(t, done)
	assert.Zero(t, f.totalXP(t, "alice"))

	all, err := f.store.ListQuests(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Completed, "completion is stored only with its XP")

	done, err = f.engine.Quests.UpdateProgress(ctx, "alice", delta)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, int64(50), f.totalXP(t, "alice"))

	done, err = f.engine.Quests.UpdateProgress(ctx, "alice", delta)
	require.NoError(t, err)
	assert.Empty(t, done)
	assert.Equal(t, int64(50), f.totalXP(t, "alice"))
}

func TestQuests_FailedBadgeRewardLeavesQuestOpen(t *testing.T) {
	store := &flakyClaims{Store: memory.NewStore(), prefix: "badge:", fails: 1}
	f := newFixture(t, withStore(store))
	ctx := context.Background()
	delta := map[string]int64{"accurate_reading_sessions": 3}

	_, _, err := f.engine.Quests.Start(ctx, "alice", "perfect_pronunciation")
	require.NoError(t, err)

	_, err = f.engine.Quests.UpdateProgress(ctx, "alice", delta)
	assert.ErrorIs(t, err, errLedgerDown)
	held, err := f.engine.Badges.Held(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Zero(t, f.totalXP(t, "alice"))

	done, err := f.engine.Quests.UpdateProgress(ctx, "alice", delta)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].Badge)
	assert.Equal(t, int64(250), done[0].XP.Amount)

	held, err = f.engine.Badges.Held(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, held, 1)
	assert.Equal(t, int64(250), f.totalXP(t, "alice"))
}

func TestBadges_FailedCreditIsRetried(t *testing.T) {
	store := &flakyClaims{Store: memory.NewStore(), prefix: "badge:", fails: 1}
	f := newFixture(t, withStore(store))
	ctx := context.Background()
	delta := map[string]int64{catalog.CounterMessagesSent: 1}

	got, err := f.engine.Badges.CheckAndAward(ctx, "alice", delta)
	assert.ErrorIs(t, err, errLedgerDown)
	assert.Empty(t, got)

	got, err = f.engine.Badges.CheckAndAward(ctx, "alice", delta)
	require.NoError(t, err)
	assert.Equal(t, []string{"first_interaction"}, badgeIDs(got))

	got, err = f.engine.Badges.CheckAndAward(ctx, "alice", delta)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(10), f.totalXP(t, "alice"))
}

func TestBadges_GrantIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, badge, err := f.engine.Badges.Grant(ctx, "alice", "daily_learner", "test")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Daily Learner", badge.Name)

	ok, _, err = f.engine.Badges.Grant(ctx, "alice", "daily_learner", "test")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := f.engine.Ledger.Record(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.TotalXPEarned)

	_, _, err = f.engine.Badges.Grant(ctx, "alice", "nope", "test")
	assert.True(t, shared.IsNotFound(err))
}

func TestBadges_CheckUsesDeltaAndSkipsGrantOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.engine.Badges.CheckAndAward(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Empty(t, got, "grant-only badges have no requirements to meet")

	got, err = f.engine.Badges.CheckAndAward(ctx, "alice", map[string]int64{catalog.CounterMessagesSent: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"first_interaction"}, badgeIDs(got))

	held, err := f.engine.Badges.Held(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []learner.Achievement{{
		LearnerID: "alice",
		BadgeID:   "first_interaction",
		EarnedAt:  monday10,
		Reason:    "requirements",
	}}, held)
}
