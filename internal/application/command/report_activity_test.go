package command

import (
	"context"
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
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []shared.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]shared.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType()
	}
	return out
}

func newHandler(t *testing.T, store learner.Store) (*ReportActivityHandler, *recordingPublisher) {
	t.Helper()
	engine := progression.NewEngine(progression.Config{
		Store:   store,
		Locker:  memory.NewLocker(),
		Catalog: catalog.Default(),
		Clock:   timeutil.NewFixedClock(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)),
	})
	pub := &recordingPublisher{}
	return NewReportActivityHandler(engine.Processor, pub, logger.NewNop()), pub
}

func TestReportActivity_PublishesEvents(t *testing.T) {
	h, pub := newHandler(t, memory.NewStore())

	res, err := h.Handle(context.Background(), ReportActivityCommand{
		LearnerID:     "alice",
		ActivityType:  "message_sent",
		Data:          progression.ActivityData{"tutor_type": "reading", "message": "hello"},
		CorrelationID: "req-1",
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	types := pub.types()
	require.NotEmpty(t, types)
	assert.Equal(t, shared.EventXPGained, types[0])
	assert.Contains(t, types, shared.EventStreakUpdated)
	assert.Contains(t, types, shared.EventBadgeEarned)
	assert.NotContains(t, types, shared.EventLevelUp)

	xp := pub.events[0].(shared.XPGainedEvent)
	assert.Equal(t, "req-1", xp.CorrelationID)
	assert.Equal(t, "activity:message_sent", xp.Reason)
	assert.Equal(t, res.XPGained, xp.Amount)
}

func TestReportActivity_InvalidInputPublishesNothing(t *testing.T) {
	h, pub := newHandler(t, memory.NewStore())

	res, err := h.Handle(context.Background(), ReportActivityCommand{LearnerID: "alice", ActivityType: "dancing"})
	assert.Nil(t, res)
	assert.True(t, shared.IsInvalidInput(err))
	assert.Empty(t, pub.types())
}

func TestReportActivity_PublisherFailureDoesNotFail(t *testing.T) {
	h, pub := newHandler(t, memory.NewStore())
	pub.err = errors.New("bus down")

	res, err := h.Handle(context.Background(), ReportActivityCommand{LearnerID: "alice", ActivityType: "voice_used"})
	require.NoError(t, err)
	assert.NotNil(t, res)
}

type brokenStreaks struct{ *memory.Store }

func (brokenStreaks) CompareAndSwapStreak(context.Context, *learner.StreakRecord, learner.StreakRecord) (learner.StreakRecord, error) {
	return learner.StreakRecord{}, errors.New("disk full")
}

func TestReportActivity_PartialFailurePublishesCommittedSteps(t *testing.T) {
	h, pub := newHandler(t, brokenStreaks{memory.NewStore()})

	res, err := h.Handle(context.Background(), ReportActivityCommand{LearnerID: "alice", ActivityType: "message_sent"})
	var stepErr *progression.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, progression.StepStreak, stepErr.Step)
	require.NotNil(t, res)

	assert.Equal(t, []shared.EventType{shared.EventXPGained}, pub.types())
}

func TestEvents_LevelUpAndQuests(t *testing.T) {
	at := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	res := &progression.ActivityResult{
		LearnerID:     "bob",
		ActivityType:  "reading_session",
		XPGained:      185,
		LevelUp:       true,
		PreviousLevel: 1,
		Level:         2,
		Title:         "Curious Learner",
		TotalXP:       205,
		StreakUpdates: []progression.StreakUpdate{{
			Record:    learner.StreakRecord{Type: "daily_study", CurrentCount: 7, MaxCount: 7},
			Changed:   true,
			Milestone: 7,
		}},
		CompletedQuests: []progression.CompletionResult{{
			Instance: learner.QuestInstance{ID: "q-1"},
			Quest:    catalog.QuestDefinition{ID: "daily_explorer", Name: "Daily Explorer", XPReward: 50},
		}},
		Steps:       []progression.Step{progression.StepXP, progression.StepCounters, progression.StepStreak, progression.StepBadges, progression.StepQuests},
		ProcessedAt: at,
	}

	var types []shared.EventType
	for _, e := range Events(res, "") {
		types = append(types, e.EventType())
		assert.Equal(t, "bob", e.AggregateID())
		assert.Equal(t, at, e.OccurredAt())
	}
	assert.Equal(t, []shared.EventType{
		shared.EventXPGained,
		shared.EventLevelUp,
		shared.EventStreakUpdated,
		shared.EventStreakMilestone,
		shared.EventQuestCompleted,
	}, types)

	assert.Empty(t, Events(&progression.ActivityResult{LearnerID: "bob"}, ""))
}
