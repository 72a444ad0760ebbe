// Package notification turns progression events into learner-facing
// notifications and defines the channels that deliver them.
package notification

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION TYPE
// ══════════════════════════════════════════════════════════════════════════════

// Type is the kind of achievement a notification announces.
type Type string

const (
	TypeBadgeEarned     Type = "badge_earned"
	TypeLevelUp         Type = "level_up"
	TypeQuestCompleted  Type = "quest_completed"
	TypeStreakMilestone Type = "streak_milestone"
)

// Emoji returns the icon shown next to the title.
func (t Type) Emoji() string {
	switch t {
	case TypeBadgeEarned:
		return "🏅"
	case TypeLevelUp:
		return "⬆️"
	case TypeQuestCompleted:
		return "🎯"
	case TypeStreakMilestone:
		return "🔥"
	default:
		return "✨"
	}
}

// Priority orders notifications for channels that batch.
type Priority int

const (
	PriorityNormal Priority = iota + 1
	PriorityHigh
)

// Priority returns the default priority of the type.
func (t Type) Priority() Priority {
	switch t {
	case TypeLevelUp, TypeStreakMilestone:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION
// ══════════════════════════════════════════════════════════════════════════════

// Notification is a message for one learner.
type Notification struct {
	ID        string         `json:"id"`
	LearnerID string         `json:"learner_id"`
	Type      Type           `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	Priority  Priority       `json:"priority"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// New builds a notification from the template of t. Unknown types get the
// generic achievement text.
func New(learnerID string, t Type, data map[string]any, at time.Time) Notification {
	if data == nil {
		data = map[string]any{}
	}
	title, message := render(t, data)
	return Notification{
		ID:        uuid.NewString(),
		LearnerID: learnerID,
		Type:      t,
		Title:     title,
		Message:   message,
		Data:      data,
		Priority:  t.Priority(),
		CreatedAt: at,
	}
}

func render(t Type, data map[string]any) (title, message string) {
	switch t {
	case TypeBadgeEarned:
		return "New Badge Earned!", fmt.Sprintf("You earned the %s badge!", str(data, "name", "unknown"))
	case TypeLevelUp:
		return "Level Up!", fmt.Sprintf("You reached level %v!", value(data, "new_level", 0))
	case TypeQuestCompleted:
		return "Quest Completed!", fmt.Sprintf("You completed the quest: %s", str(data, "name", "unknown"))
	case TypeStreakMilestone:
		return "Streak Milestone!", fmt.Sprintf("You maintained a %v day streak!", value(data, "days", 0))
	default:
		return "Achievement Unlocked!", "You accomplished something special!"
	}
}

func str(data map[string]any, key, fallback string) string {
	if s, ok := data[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func value(data map[string]any, key string, fallback any) any {
	if v, ok := data[key]; ok {
		return v
	}
	return fallback
}

// FromEvent maps a progression event to its notification. It reads only the
// payload, so events relayed from other instances map the same way. Events
// without a learner-facing message report false.
func FromEvent(event shared.Event) (Notification, bool) {
	var t Type
	switch event.EventType() {
	case shared.EventBadgeEarned:
		t = TypeBadgeEarned
	case shared.EventLevelUp:
		t = TypeLevelUp
	case shared.EventQuestCompleted:
		t = TypeQuestCompleted
	case shared.EventStreakMilestone:
		t = TypeStreakMilestone
	default:
		return Notification{}, false
	}

	data := event.Payload()
	if xp, ok := whole(data["xp_reward"]); ok && xp > 0 {
		data["xp_display"] = shared.FormatXP(xp)
	}
	return New(event.AggregateID(), t, data, event.OccurredAt()), true
}

// whole reads an integer that may have been decoded from JSON as float64.
func whole(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
