package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

var at = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func TestFromEvent_Templates(t *testing.T) {
	tests := []struct {
		name    string
		event   shared.Event
		typ     Type
		title   string
		message string
	}{
		{
			name:    "badge",
			event:   shared.NewBadgeEarnedEvent("alice", "bookworm", "Bookworm", "gold", 1500, at),
			typ:     TypeBadgeEarned,
			title:   "New Badge Earned!",
			message: "You earned the Bookworm badge!",
		},
		{
			name:    "level",
			event:   shared.NewLevelUpEvent("alice", 2, 3, "Book Explorer", at),
			typ:     TypeLevelUp,
			title:   "Level Up!",
			message: "You reached level 3!",
		},
		{
			name:    "quest",
			event:   shared.NewQuestCompletedEvent("alice", "daily_explorer", "q-1", "Daily Explorer", 50, "", at),
			typ:     TypeQuestCompleted,
			title:   "Quest Completed!",
			message: "You completed the quest: Daily Explorer",
		},
		{
			name:    "streak",
			event:   shared.NewStreakMilestoneEvent("alice", "daily_study", 7, at),
			typ:     TypeStreakMilestone,
			title:   "Streak Milestone!",
			message: "You maintained a 7 day streak!",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := FromEvent(tt.event)
			require.True(t, ok)
			assert.Equal(t, tt.typ, n.Type)
			assert.Equal(t, tt.title, n.Title)
			assert.Equal(t, tt.message, n.Message)
			assert.Equal(t, "alice", n.LearnerID)
			assert.Equal(t, at, n.CreatedAt)
			assert.False(t, n.Read)
			assert.NotEmpty(t, n.ID)
		})
	}
}

func TestFromEvent_XPDisplay(t *testing.T) {
	n, ok := FromEvent(shared.NewBadgeEarnedEvent("alice", "bookworm", "Bookworm", "gold", 1500, at))
	require.True(t, ok)
	assert.Equal(t, "1.5K", n.Data["xp_display"])
}

func TestFromEvent_SkipsInternalEvents(t *testing.T) {
	_, ok := FromEvent(shared.NewXPGainedEvent("alice", 5, 5, "activity:message_sent", at))
	assert.False(t, ok)
}

func TestNew_DefaultTemplate(t *testing.T) {
	n := New("alice", Type("mystery"), nil, at)
	assert.Equal(t, "Achievement Unlocked!", n.Title)
	assert.Equal(t, "You accomplished something special!", n.Message)
	assert.Equal(t, PriorityNormal, n.Priority)
	assert.NotNil(t, n.Data)
}

func TestNew_MissingDataFallsBack(t *testing.T) {
	n := New("alice", TypeBadgeEarned, map[string]any{}, at)
	assert.Equal(t, "You earned the unknown badge!", n.Message)
	assert.Equal(t, PriorityHigh, TypeLevelUp.Priority())
}
