package shared

import (
	"context"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Progress events emitted after an activity report is processed.
const (
	EventXPGained        EventType = "progress.xp_gained"
	EventLevelUp         EventType = "progress.level_up"
	EventBadgeEarned     EventType = "progress.badge_earned"
	EventQuestStarted    EventType = "progress.quest_started"
	EventQuestCompleted  EventType = "progress.quest_completed"
	EventStreakUpdated   EventType = "progress.streak_updated"
	EventStreakMilestone EventType = "progress.streak_milestone"
)

// Event is the base interface for all domain events.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
	// AggregateID is the learner the event belongs to.
	AggregateID() string
	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() string   { return e.AggregateId }

// NewBaseEvent creates a new base event stamped at the given time.
func NewBaseEvent(eventType EventType, learnerID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: learnerID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// XPGainedEvent is emitted for every ledger credit.
type XPGainedEvent struct {
	BaseEvent
	Amount   int64  `json:"amount"`
	NewTotal int64  `json:"new_total"`
	Reason   string `json:"reason"`
}

func (e XPGainedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"amount":    e.Amount,
		"new_total": e.NewTotal,
		"reason":    e.Reason,
	}
}

func NewXPGainedEvent(learnerID string, amount, newTotal int64, reason string, at time.Time) XPGainedEvent {
	return XPGainedEvent{
		BaseEvent: NewBaseEvent(EventXPGained, learnerID, at),
		Amount:    amount,
		NewTotal:  newTotal,
		Reason:    reason,
	}
}

// LevelUpEvent is emitted once per processed activity that crossed at least
// one level boundary.
type LevelUpEvent struct {
	BaseEvent
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
	Title    string `json:"title"`
}

func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
		"title":     e.Title,
	}
}

func NewLevelUpEvent(learnerID string, oldLevel, newLevel int, title string, at time.Time) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, learnerID, at),
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		Title:     title,
	}
}

// BadgeEarnedEvent is emitted when an achievement row is created.
type BadgeEarnedEvent struct {
	BaseEvent
	BadgeID  string `json:"badge_id"`
	Name     string `json:"name"`
	Tier     string `json:"tier"`
	XPReward int64  `json:"xp_reward"`
}

func (e BadgeEarnedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"badge_id":  e.BadgeID,
		"name":      e.Name,
		"tier":      e.Tier,
		"xp_reward": e.XPReward,
	}
}

func NewBadgeEarnedEvent(learnerID, badgeID, name, tier string, xpReward int64, at time.Time) BadgeEarnedEvent {
	return BadgeEarnedEvent{
		BaseEvent: NewBaseEvent(EventBadgeEarned, learnerID, at),
		BadgeID:   badgeID,
		Name:      name,
		Tier:      tier,
		XPReward:  xpReward,
	}
}

// QuestStartedEvent is emitted when a quest instance is created.
type QuestStartedEvent struct {
	BaseEvent
	QuestID    string `json:"quest_id"`
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
}

func (e QuestStartedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"quest_id":    e.QuestID,
		"instance_id": e.InstanceID,
		"name":        e.Name,
	}
}

func NewQuestStartedEvent(learnerID, questID, instanceID, name string, at time.Time) QuestStartedEvent {
	return QuestStartedEvent{
		BaseEvent:  NewBaseEvent(EventQuestStarted, learnerID, at),
		QuestID:    questID,
		InstanceID: instanceID,
		Name:       name,
	}
}

// QuestCompletedEvent is emitted when a quest instance reaches all thresholds.
type QuestCompletedEvent struct {
	BaseEvent
	QuestID    string `json:"quest_id"`
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	XPReward   int64  `json:"xp_reward"`
	BadgeID    string `json:"badge_id,omitempty"`
}

func (e QuestCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"quest_id":    e.QuestID,
		"instance_id": e.InstanceID,
		"name":        e.Name,
		"xp_reward":   e.XPReward,
		"badge_id":    e.BadgeID,
	}
}

func NewQuestCompletedEvent(learnerID, questID, instanceID, name string, xpReward int64, badgeID string, at time.Time) QuestCompletedEvent {
	return QuestCompletedEvent{
		BaseEvent:  NewBaseEvent(EventQuestCompleted, learnerID, at),
		QuestID:    questID,
		InstanceID: instanceID,
		Name:       name,
		XPReward:   xpReward,
		BadgeID:    badgeID,
	}
}

// StreakUpdatedEvent is emitted when a touch changed the streak record.
type StreakUpdatedEvent struct {
	BaseEvent
	StreakType string `json:"streak_type"`
	Current    int    `json:"current"`
	Max        int    `json:"max"`
	Reset      bool   `json:"reset"`
}

func (e StreakUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"streak_type": e.StreakType,
		"current":     e.Current,
		"max":         e.Max,
		"reset":       e.Reset,
	}
}

func NewStreakUpdatedEvent(learnerID, streakType string, current, max int, reset bool, at time.Time) StreakUpdatedEvent {
	return StreakUpdatedEvent{
		BaseEvent:  NewBaseEvent(EventStreakUpdated, learnerID, at),
		StreakType: streakType,
		Current:    current,
		Max:        max,
		Reset:      reset,
	}
}

// StreakMilestoneEvent is emitted on the touch that reaches a milestone.
type StreakMilestoneEvent struct {
	BaseEvent
	StreakType string `json:"streak_type"`
	Days       int    `json:"days"`
}

func (e StreakMilestoneEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"streak_type": e.StreakType,
		"days":        e.Days,
	}
}

func NewStreakMilestoneEvent(learnerID, streakType string, days int, at time.Time) StreakMilestoneEvent {
	return StreakMilestoneEvent{
		BaseEvent:  NewBaseEvent(EventStreakMilestone, learnerID, at),
		StreakType: streakType,
		Days:       days,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Bus
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(ctx context.Context, event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
