package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

type collectingPublisher struct{ events []shared.Event }

func (p *collectingPublisher) Publish(_ context.Context, e shared.Event) error {
	p.events = append(p.events, e)
	return nil
}

func TestDashboard_NewLearnerGetsQuests(t *testing.T) {
	e, _ := newEngine(t)
	pub := &collectingPublisher{}
	h := NewDashboardHandler(e, pub, logger.NewNop())
	ctx := context.Background()

	d, err := h.Handle(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, 1, d.Level.Level)
	assert.Equal(t, int64(100), d.Level.XPToNextLevel)
	assert.Empty(t, d.Level.Perks)
	require.NotNil(t, d.Level.NextPerk)
	assert.Equal(t, "custom_avatar", d.Level.NextPerk.Name)
	assert.Equal(t, "Novice Reader", d.Rank.Current)
	assert.Equal(t, "Book Explorer", d.Rank.Next)

	require.Len(t, d.ActiveQuests, 1)
	assert.Equal(t, "daily_explorer", d.ActiveQuests[0].Quest.ID)
	assert.Zero(t, d.ActiveQuests[0].CompletionPercent)
	assert.Equal(t, []string{"daily_explorer"}, d.StartedQuests)
	require.Len(t, pub.events, 1)
	assert.Equal(t, shared.EventQuestStarted, pub.events[0].EventType())

	assert.Empty(t, d.Badges)
	assert.Zero(t, d.Streaks.ActiveCount)
	assert.NotNil(t, d.Streaks.Details)

	// Quests already running are not topped up again.
	d, err = h.Handle(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, d.StartedQuests)
	assert.Len(t, d.ActiveQuests, 1)
	assert.Len(t, pub.events, 1)
}

func TestDashboard_ReflectsActivity(t *testing.T) {
	e, _ := newEngine(t)
	h := NewDashboardHandler(e, nil, logger.NewNop())
	ctx := context.Background()

	_, err := h.Handle(ctx, "alice")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := e.Processor.Process(ctx, "alice", "message_sent", nil)
		require.NoError(t, err)
	}

	d, err := h.Handle(ctx, "alice")
	require.NoError(t, err)

	require.Len(t, d.Badges, 1)
	assert.Equal(t, "first_interaction", d.Badges[0].ID)
	assert.Equal(t, int64(2), d.Stats.Counters["messages_sent"])
	assert.Equal(t, 1, d.Streaks.ActiveCount)
	assert.Equal(t, 1, d.Streaks.Longest)
	require.Len(t, d.ActiveQuests, 1)
	assert.InDelta(t, 40.0, d.ActiveQuests[0].CompletionPercent, 0.001)
	assert.Equal(t, int64(20), d.Level.TotalXP)
	assert.Equal(t, "20", d.Level.TotalXPDisplay)
}

func TestDashboard_RejectsEmptyID(t *testing.T) {
	e, _ := newEngine(t)
	_, err := NewDashboardHandler(e, nil, logger.NewNop()).Handle(context.Background(), learner.ID(""))
	assert.True(t, shared.IsInvalidInput(err))
}
