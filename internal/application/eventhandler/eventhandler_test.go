package eventhandler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/notification"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

var at = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type recordingChannel struct {
	mu       sync.Mutex
	name     string
	got      []notification.Notification
	failures int
	err      error
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Deliver(_ context.Context, n notification.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return c.err
	}
	c.got = append(c.got, n)
	return nil
}

func syncBus() *messaging.InMemoryEventBus {
	return messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{Logger: logger.NewNop()})
}

func TestNotifier_DeliversMilestones(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	bus := syncBus()
	require.NoError(t, NewNotifier(logger.NewNop(), ch).Register(bus))
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, shared.NewXPGainedEvent("alice", 5, 5, "activity:message_sent", at)))
	require.NoError(t, bus.Publish(ctx, shared.NewLevelUpEvent("alice", 1, 2, "Curious Learner", at)))
	require.NoError(t, bus.Publish(ctx, shared.NewStreakMilestoneEvent("alice", "daily_study", 7, at)))

	require.Len(t, ch.got, 2)
	assert.Equal(t, notification.TypeLevelUp, ch.got[0].Type)
	assert.Equal(t, notification.TypeStreakMilestone, ch.got[1].Type)
}

func TestNotifier_RetriesTransientFailures(t *testing.T) {
	flaky := &recordingChannel{name: "flaky", failures: 2, err: errors.New("timeout")}
	n := NewNotifier(logger.NewNop(), flaky)

	err := n.Handle(context.Background(), shared.NewBadgeEarnedEvent("alice", "bookworm", "Bookworm", "gold", 150, at))
	require.NoError(t, err)
	assert.Len(t, flaky.got, 1)
}

func TestNotifier_UnavailableChannelIsNotRetried(t *testing.T) {
	down := &recordingChannel{name: "down", failures: 5, err: notification.ErrChannelUnavailable}
	ok := &recordingChannel{name: "ok"}
	n := NewNotifier(logger.NewNop(), down, ok)

	err := n.Handle(context.Background(), shared.NewLevelUpEvent("alice", 1, 2, "", at))
	assert.ErrorIs(t, err, notification.ErrChannelUnavailable)
	assert.Equal(t, 4, down.failures, "one attempt only")
	assert.Len(t, ok.got, 1)
}

type stubSummaries map[learner.ID]learner.Summary

func (s stubSummaries) Summary(_ context.Context, id learner.ID) (learner.Summary, error) {
	sm, ok := s[id]
	if !ok {
		return learner.Summary{}, shared.NotFound("test", "Summary", "no learner %s", id)
	}
	return sm, nil
}

type recordingSink struct {
	built    bool
	got      []learner.Summary
	calls    int
	failures int
}

func (s *recordingSink) Upsert(ctx context.Context, sm learner.Summary) (bool, error) {
	s.calls++
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.failures > 0 {
		s.failures--
		return false, errors.New("connection reset by peer")
	}
	if !s.built {
		return false, nil
	}
	s.got = append(s.got, sm)
	return true, nil
}

func TestLeaderboardUpdater(t *testing.T) {
	sums := stubSummaries{"alice": {LearnerID: "alice", Level: 2, TotalXP: 205, BadgeCount: 1}}
	sink := &recordingSink{built: true}
	bus := syncBus()
	require.NoError(t, NewLeaderboardUpdater(sums, sink, logger.NewNop()).Register(bus))
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, shared.NewXPGainedEvent("alice", 185, 205, "activity:reading_session", at)))
	require.NoError(t, bus.Publish(ctx, shared.NewLevelUpEvent("alice", 1, 2, "", at)))
	require.NoError(t, bus.Publish(ctx, shared.NewBadgeEarnedEvent("alice", "first_book", "First Book", "bronze", 20, at)))

	require.Len(t, sink.got, 2)
	assert.Equal(t, int64(205), sink.got[0].TotalXP)
}

func TestLeaderboardUpdater_Errors(t *testing.T) {
	u := NewLeaderboardUpdater(stubSummaries{}, &recordingSink{}, logger.NewNop())
	err := u.Handle(context.Background(), shared.NewXPGainedEvent("ghost", 1, 1, "", at))
	assert.True(t, shared.IsNotFound(err))

	u = NewLeaderboardUpdater(stubSummaries{"alice": {LearnerID: "alice"}}, &recordingSink{}, logger.NewNop())
	assert.NoError(t, u.Handle(context.Background(), shared.NewXPGainedEvent("alice", 1, 1, "", at)))
}

func TestLeaderboardUpdater_RetriesCacheWrites(t *testing.T) {
	sink := &recordingSink{built: true, failures: 2}
	u := NewLeaderboardUpdater(stubSummaries{"alice": {LearnerID: "alice", TotalXP: 40}}, sink, logger.NewNop())

	require.NoError(t, u.Handle(context.Background(), shared.NewXPGainedEvent("alice", 40, 40, "", at)))
	assert.Equal(t, 3, sink.calls)
	require.Len(t, sink.got, 1)

	down := &recordingSink{built: true, failures: 10}
	u = NewLeaderboardUpdater(stubSummaries{"alice": {LearnerID: "alice"}}, down, logger.NewNop())
	assert.Error(t, u.Handle(context.Background(), shared.NewXPGainedEvent("alice", 1, 1, "", at)))
	assert.Equal(t, 3, down.calls)
}

func TestLeaderboardUpdater_CancelledWriteIsNotRetried(t *testing.T) {
	sink := &recordingSink{built: true}
	u := NewLeaderboardUpdater(stubSummaries{"alice": {LearnerID: "alice"}}, sink, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := u.Handle(ctx, shared.NewXPGainedEvent("alice", 1, 1, "", at))
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, sink.calls, 1)
}
