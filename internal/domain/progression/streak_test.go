package progression_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func TestStreak_SevenDayRunGrantsMilestoneOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		upd, err := f.engine.Streaks.Touch(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, upd.Changed)
		assert.Equal(t, i, upd.Record.CurrentCount)

		if i < 7 {
			assert.Zero(t, upd.Milestone)
			assert.Empty(t, upd.AwardedBadges)
			f.clock.Advance(day)
		}
	}

	rec, err := f.engine.Ledger.Record(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.TotalXPEarned, "daily_learner pays 100 XP")

	upd, err := f.engine.Streaks.Touch(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, upd.Changed, "second touch on the same day is a no-op")
	assert.Equal(t, 7, upd.Record.CurrentCount)
	assert.Empty(t, upd.AwardedBadges)

	held, err := f.engine.Badges.Held(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "daily_learner", held[0].BadgeID)
}

func TestStreak_MilestoneReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var last int
	for i := 0; i < 7; i++ {
		upd, err := f.engine.Streaks.Touch(ctx, "alice")
		require.NoError(t, err)
		last = upd.Milestone
		if i == 6 {
			assert.Equal(t, []string{"daily_learner"}, badgeIDs(upd.AwardedBadges))
		}
		f.clock.Advance(day)
	}
	assert.Equal(t, 7, last)
}

func TestStreak_GapResetsButKeepsMax(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.engine.Streaks.Touch(ctx, "alice")
		require.NoError(t, err)
		f.clock.Advance(day)
	}

	f.clock.Advance(day) // skip a day
	upd, err := f.engine.Streaks.Touch(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, upd.Reset)
	assert.Equal(t, 1, upd.Record.CurrentCount)
	assert.Equal(t, 3, upd.Record.MaxCount)
}

func TestStreak_ActiveEvaluatedAtReadTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Streaks.Touch(ctx, "alice")
	require.NoError(t, err)

	f.clock.Advance(day)
	list, err := f.engine.Streaks.Streaks(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsActive, "yesterday's activity keeps the streak alive")

	f.clock.Advance(day)
	list, err = f.engine.Streaks.Streaks(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, list[0].IsActive)
	assert.Equal(t, 1, list[0].CurrentCount, "the stored count is untouched until the next activity")
}

func TestStreak_DaysFollowConfiguredLocation(t *testing.T) {
	plus5 := time.FixedZone("UTC+5", 5*60*60)
	f := newFixture(t, withLocation(plus5))
	ctx := context.Background()

	// 2024-06-03 18:30 UTC is already June 4th at UTC+5.
	f.clock.Set(time.Date(2024, 6, 3, 18, 30, 0, 0, time.UTC))
	upd, err := f.engine.Streaks.Touch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-04", upd.Record.LastActivityDate.String())

	// 19:30 UTC on the 4th is June 5th locally: consecutive.
	f.clock.Set(time.Date(2024, 6, 4, 19, 30, 0, 0, time.UTC))
	upd, err = f.engine.Streaks.Touch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, upd.Record.CurrentCount)
}

func TestStreak_BackwardsClockIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Streaks.Touch(ctx, "alice")
	require.NoError(t, err)

	f.clock.Advance(-2 * day)
	upd, err := f.engine.Streaks.Touch(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, upd.Changed)
	assert.Equal(t, 1, upd.Record.CurrentCount)
}
