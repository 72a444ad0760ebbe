package messaging

import (
	"context"

	"github.com/alem-hub/progression-engine/internal/domain/notification"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION CHANNELS
// ══════════════════════════════════════════════════════════════════════════════

// LogChannel writes notifications to the structured log.
type LogChannel struct {
	log *logger.Logger
}

var _ notification.Channel = (*LogChannel)(nil)

func NewLogChannel(log *logger.Logger) *LogChannel {
	return &LogChannel{log: log.With(logger.Component("notifications"))}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(_ context.Context, n notification.Notification) error {
	c.log.Info(n.Type.Emoji()+" "+n.Title,
		logger.LearnerID(n.LearnerID),
		logger.String("type", string(n.Type)),
		logger.String("message", n.Message),
	)
	return nil
}

// RedisChannel publishes each notification as JSON on the learner's topic,
// "notifications:<learnerID>".
type RedisChannel struct {
	cache *redis.Cache
}

var _ notification.Channel = (*RedisChannel)(nil)

func NewRedisChannel(cache *redis.Cache) *RedisChannel {
	return &RedisChannel{cache: cache}
}

func (c *RedisChannel) Name() string { return "redis" }

func (c *RedisChannel) Deliver(ctx context.Context, n notification.Notification) error {
	return c.cache.Publish(ctx, NotificationTopic(n.LearnerID), n)
}

// NotificationTopic returns the pub/sub channel of one learner.
func NotificationTopic(learnerID string) string {
	return redis.PubSubChannel("notifications:" + learnerID)
}
