package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

func ids(entries []LeaderboardEntry) []learner.ID {
	out := make([]learner.ID, len(entries))
	for i, e := range entries {
		out[i] = e.LearnerID
	}
	return out
}

func TestRank_TieBreakIsDeterministic(t *testing.T) {
	summaries := []learner.Summary{
		{LearnerID: "dave", TotalXP: 500},
		{LearnerID: "bob", TotalXP: 1500},
		{LearnerID: "alice", TotalXP: 1500},
		{LearnerID: "carol", TotalXP: 0},
	}

	got := Rank(summaries, nil)
	assert.Equal(t, []learner.ID{"alice", "bob", "dave", "carol"}, ids(got))
	for i, e := range got {
		assert.Equal(t, i+1, e.Rank)
		assert.Zero(t, e.PeriodXP)
	}
}

func TestRank_PeriodSkipsIdleLearners(t *testing.T) {
	summaries := []learner.Summary{
		{LearnerID: "alice", TotalXP: 5000},
		{LearnerID: "bob", TotalXP: 100},
	}
	got := Rank(summaries, map[learner.ID]int64{"bob": 40})
	require.Len(t, got, 1)
	assert.Equal(t, learner.ID("bob"), got[0].LearnerID)
	assert.Equal(t, int64(40), got[0].PeriodXP)
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		raw     string
		want    Timeframe
		wantErr bool
	}{
		{"", TimeframeAllTime, false},
		{"all_time", TimeframeAllTime, false},
		{" Weekly ", TimeframeWeekly, false},
		{"monthly", TimeframeMonthly, false},
		{"daily", TimeframeDaily, false},
		{"yearly", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTimeframe(tt.raw)
			if tt.wantErr {
				assert.True(t, shared.IsInvalidInput(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLeaderboardHandler_Limits(t *testing.T) {
	e, clock := newEngine(t)
	h := NewLeaderboardHandler(e.Store(), clock, nil, logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		credit(t, e, learner.ID(fmt.Sprintf("learner-%02d", i)), int64(10*(i+1)))
	}

	board, err := h.Handle(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, board.Entries, DefaultLeaderboardLimit)
	assert.Equal(t, learner.ID("learner-11"), board.Entries[0].LearnerID)
	assert.Equal(t, "store", board.Source)

	board, err = h.Handle(ctx, "all_time", 1000)
	require.NoError(t, err)
	assert.Len(t, board.Entries, 12)

	_, err = h.Handle(ctx, "all_time", -1)
	assert.True(t, shared.IsInvalidInput(err))

	_, err = h.Handle(ctx, "forever", 5)
	assert.True(t, shared.IsInvalidInput(err))
}

func TestLeaderboardHandler_Windows(t *testing.T) {
	e, clock := newEngine(t)
	h := NewLeaderboardHandler(e.Store(), clock, time.UTC, logger.NewNop())
	ctx := context.Background()

	clock.Set(time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC))
	credit(t, e, "alice", 300)
	clock.Set(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	credit(t, e, "carol", 30)
	clock.Set(monday10)
	credit(t, e, "bob", 50)
	credit(t, e, "alice", 20)

	tests := []struct {
		timeframe string
		want      []learner.ID
		period    []int64
	}{
		{"all_time", []learner.ID{"alice", "bob", "carol"}, []int64{0, 0, 0}},
		{"monthly", []learner.ID{"bob", "carol", "alice"}, []int64{50, 30, 20}},
		{"weekly", []learner.ID{"bob", "alice"}, []int64{50, 20}},
		{"daily", []learner.ID{"bob", "alice"}, []int64{50, 20}},
	}
	for _, tt := range tests {
		t.Run(tt.timeframe, func(t *testing.T) {
			board, err := h.Handle(ctx, tt.timeframe, 10)
			require.NoError(t, err)
			assert.Equal(t, Timeframe(tt.timeframe), board.Timeframe)
			assert.Equal(t, tt.want, ids(board.Entries))
			for i, e := range board.Entries {
				assert.Equal(t, tt.period[i], e.PeriodXP)
			}
		})
	}
}

type fakeCache struct {
	top   []learner.Summary
	err   error
	calls int
}

func (c *fakeCache) Top(_ context.Context, limit int) ([]learner.Summary, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.top[:min(limit, len(c.top))], nil
}

func TestLeaderboardHandler_CacheFirst(t *testing.T) {
	e, clock := newEngine(t)
	credit(t, e, "alice", 10)
	cache := &fakeCache{top: []learner.Summary{{LearnerID: "zed", TotalXP: 900}, {LearnerID: "amy", TotalXP: 800}}}
	h := NewLeaderboardHandler(e.Store(), clock, nil, logger.NewNop(), WithLeaderboardCache(cache, nil))
	ctx := context.Background()

	board, err := h.Handle(ctx, "all_time", 1)
	require.NoError(t, err)
	assert.Equal(t, "cache", board.Source)
	assert.Equal(t, []learner.ID{"zed"}, ids(board.Entries))

	// Windowed boards never use the cache.
	board, err = h.Handle(ctx, "daily", 5)
	require.NoError(t, err)
	assert.Equal(t, "store", board.Source)
	assert.Equal(t, 1, cache.calls)
}

func TestLeaderboardHandler_CacheFailureFallsBack(t *testing.T) {
	e, clock := newEngine(t)
	credit(t, e, "alice", 10)
	cache := &fakeCache{err: errors.New("connection refused")}
	breaker := circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(2), circuitbreaker.WithTimeout(time.Hour))
	h := NewLeaderboardHandler(e.Store(), clock, nil, logger.NewNop(), WithLeaderboardCache(cache, breaker))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		board, err := h.Handle(ctx, "", 10)
		require.NoError(t, err)
		assert.Equal(t, "store", board.Source)
		assert.Equal(t, []learner.ID{"alice"}, ids(board.Entries))
	}
	assert.Equal(t, 2, cache.calls, "open breaker skips the cache")
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
}
