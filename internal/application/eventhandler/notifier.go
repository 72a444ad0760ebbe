// Package eventhandler contains the subscribers of progression events.
package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/notification"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFIER
// Turns progression milestones into learner notifications.
// ══════════════════════════════════════════════════════════════════════════════

// NotifiedEvents are the event types that produce a notification.
var NotifiedEvents = []shared.EventType{
	shared.EventBadgeEarned,
	shared.EventLevelUp,
	shared.EventQuestCompleted,
	shared.EventStreakMilestone,
}

// Notifier delivers one notification per milestone event to every channel.
type Notifier struct {
	channels []notification.Channel
	retrier  *retry.Retrier
	log      *logger.Logger
}

// NewNotifier creates a Notifier. Each channel delivery is retried with
// backoff unless the channel reports notification.ErrChannelUnavailable.
func NewNotifier(log *logger.Logger, channels ...notification.Channel) *Notifier {
	if log == nil {
		log = logger.Default()
	}
	log = log.With(logger.Component("notifier"))
	return &Notifier{
		channels: channels,
		retrier: retry.New(
			retry.WithMaxAttempts(3),
			retry.WithInitialDelay(50*time.Millisecond),
			retry.WithMaxDelay(time.Second),
			retry.WithRetryIf(func(err error) bool {
				return !errors.Is(err, notification.ErrChannelUnavailable)
			}),
			retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
				log.Debug("retrying notification delivery",
					logger.Int("attempt", attempt),
					logger.Duration("delay", delay),
					logger.Err(err),
				)
			}),
		),
		log: log,
	}
}

// Register subscribes the notifier to NotifiedEvents.
func (n *Notifier) Register(bus shared.EventSubscriber) error {
	for _, t := range NotifiedEvents {
		if err := bus.Subscribe(t, n.Handle); err != nil {
			return fmt.Errorf("subscribe notifier to %s: %w", t, err)
		}
	}
	return nil
}

// Handle implements shared.EventHandler. Every channel is attempted; the
// failures are joined.
func (n *Notifier) Handle(ctx context.Context, event shared.Event) error {
	note, ok := notification.FromEvent(event)
	if !ok {
		return nil
	}

	var errs []error
	for _, ch := range n.channels {
		err := n.retrier.Do(ctx, func(ctx context.Context) error {
			return ch.Deliver(ctx, note)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name(), err))
			continue
		}
		n.log.Debug("notification delivered",
			logger.LearnerID(note.LearnerID),
			logger.String("channel", ch.Name()),
			logger.String("type", string(note.Type)),
		)
	}
	return errors.Join(errs...)
}
