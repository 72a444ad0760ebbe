package eventhandler

import (
	"context"
	"fmt"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/retry"
)

// SummaryReader reads a learner's current leaderboard summary.
type SummaryReader interface {
	Summary(ctx context.Context, id learner.ID) (learner.Summary, error)
}

// LeaderboardSink stores one learner's summary. It reports false when the
// board has not been built yet.
type LeaderboardSink interface {
	Upsert(ctx context.Context, sm learner.Summary) (bool, error)
}

// LeaderboardUpdater keeps the leaderboard cache in step with XP and badge
// changes between full rebuilds.
type LeaderboardUpdater struct {
	summaries SummaryReader
	sink      LeaderboardSink
	retrier   *retry.Retrier
	log       *logger.Logger
}

func NewLeaderboardUpdater(summaries SummaryReader, sink LeaderboardSink, log *logger.Logger) *LeaderboardUpdater {
	if log == nil {
		log = logger.Default()
	}
	return &LeaderboardUpdater{
		summaries: summaries,
		sink:      sink,
		retrier:   retry.RedisRetrier(),
		log:       log.With(logger.Component("leaderboard_updater")),
	}
}

// Register subscribes to XP and badge events.
func (u *LeaderboardUpdater) Register(bus shared.EventSubscriber) error {
	for _, t := range []shared.EventType{shared.EventXPGained, shared.EventBadgeEarned} {
		if err := bus.Subscribe(t, u.Handle); err != nil {
			return fmt.Errorf("subscribe leaderboard updater to %s: %w", t, err)
		}
	}
	return nil
}

// Handle re-reads the learner's summary and writes it to the sink, retrying
// failed writes a few times.
func (u *LeaderboardUpdater) Handle(ctx context.Context, event shared.Event) error {
	id := learner.ID(event.AggregateID())
	sm, err := u.summaries.Summary(ctx, id)
	if err != nil {
		return fmt.Errorf("read summary of %s: %w", id, err)
	}
	updated, err := retry.DoWithData(ctx, u.retrier, func(ctx context.Context) (bool, error) {
		return u.sink.Upsert(ctx, sm)
	})
	if err != nil {
		return fmt.Errorf("upsert leaderboard entry of %s: %w", id, err)
	}
	if !updated {
		u.log.Debug("leaderboard not built yet, skipping update", logger.LearnerID(string(id)))
	}
	return nil
}
