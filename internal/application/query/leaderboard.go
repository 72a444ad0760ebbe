// Package query contains read operations following CQRS pattern.
// Queries never modify progression state; the dashboard is the one query
// that may start quests as a side effect.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD QUERY
// ══════════════════════════════════════════════════════════════════════════════

// Timeframe selects the XP window a leaderboard ranks by.
type Timeframe string

const (
	TimeframeAllTime Timeframe = "all_time"
	TimeframeMonthly Timeframe = "monthly"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeDaily   Timeframe = "daily"
)

const (
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 100
)

// ParseTimeframe accepts the four timeframes; empty means all_time.
func ParseTimeframe(raw string) (Timeframe, error) {
	switch tf := Timeframe(strings.ToLower(strings.TrimSpace(raw))); tf {
	case "":
		return TimeframeAllTime, nil
	case TimeframeAllTime, TimeframeMonthly, TimeframeWeekly, TimeframeDaily:
		return tf, nil
	default:
		return "", shared.InvalidInput("leaderboard", "ParseTimeframe", "unknown timeframe %q", raw)
	}
}

// since returns the window start, or the zero time for all_time.
func (tf Timeframe) since(now time.Time, loc *time.Location) time.Time {
	switch tf {
	case TimeframeDaily:
		return timeutil.StartOfDay(now, loc)
	case TimeframeWeekly:
		return timeutil.StartOfWeek(now, loc)
	case TimeframeMonthly:
		return timeutil.StartOfMonth(now, loc)
	default:
		return time.Time{}
	}
}

// LeaderboardEntry is one ranked learner.
type LeaderboardEntry struct {
	Rank       int        `json:"rank"`
	LearnerID  learner.ID `json:"learner_id"`
	Level      int        `json:"level"`
	TotalXP    int64      `json:"total_xp"`
	Title      string     `json:"title"`
	BadgeCount int        `json:"badge_count"`
	// PeriodXP is the XP earned inside a windowed timeframe.
	PeriodXP int64 `json:"period_xp,omitempty"`
}

// Leaderboard is the result of LeaderboardHandler.Handle.
type Leaderboard struct {
	Timeframe Timeframe          `json:"timeframe"`
	Entries   []LeaderboardEntry `json:"entries"`
	// Source is "cache" when served from the sorted-set cache, else "store".
	Source      string    `json:"source"`
	GeneratedAt time.Time `json:"generated_at"`
}

// LeaderboardCache serves the all-time top of the board.
type LeaderboardCache interface {
	// Top returns the best limit learners ordered by XP desc, then ID asc.
	Top(ctx context.Context, limit int) ([]learner.Summary, error)
}

// LeaderboardHandler builds leaderboards from a store snapshot, optionally
// reading the all-time board from a cache first.
type LeaderboardHandler struct {
	store   learner.Snapshotter
	cache   LeaderboardCache
	breaker *circuitbreaker.CircuitBreaker
	clock   timeutil.Clock
	loc     *time.Location
	log     *logger.Logger

	// group collapses concurrent snapshot scans of the same board.
	group singleflight.Group
}

// LeaderboardOption configures a LeaderboardHandler.
type LeaderboardOption func(*LeaderboardHandler)

// WithLeaderboardCache serves all_time reads from cache behind breaker.
func WithLeaderboardCache(cache LeaderboardCache, breaker *circuitbreaker.CircuitBreaker) LeaderboardOption {
	return func(h *LeaderboardHandler) {
		h.cache = cache
		h.breaker = breaker
	}
}

// NewLeaderboardHandler creates a LeaderboardHandler. Windows are computed in
// loc (UTC when nil).
func NewLeaderboardHandler(store learner.Snapshotter, clock timeutil.Clock, loc *time.Location, log *logger.Logger, opts ...LeaderboardOption) *LeaderboardHandler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logger.Default()
	}
	h := &LeaderboardHandler{
		store: store,
		clock: clock,
		loc:   loc,
		log:   log.With(logger.Component("leaderboard")),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cache != nil && h.breaker == nil {
		h.breaker = circuitbreaker.CacheBreaker(nil)
	}
	return h
}

// Handle returns the top limit learners for timeframe. A zero limit means
// the default; limits above the maximum are clamped.
func (h *LeaderboardHandler) Handle(ctx context.Context, timeframe string, limit int) (*Leaderboard, error) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	switch {
	case limit < 0:
		return nil, shared.InvalidInput("leaderboard", "Handle", "limit must not be negative, got %d", limit)
	case limit == 0:
		limit = DefaultLeaderboardLimit
	case limit > MaxLeaderboardLimit:
		limit = MaxLeaderboardLimit
	}

	now := h.clock.Now()
	if tf == TimeframeAllTime && h.cache != nil {
		if board, ok := h.fromCache(ctx, limit, now); ok {
			return board, nil
		}
	}

	key := fmt.Sprintf("%s:%d", tf, limit)
	v, err, _ := h.group.Do(key, func() (interface{}, error) {
		return h.fromStore(ctx, tf, limit, now)
	})
	if err != nil {
		return nil, err
	}
	board := v.(*Leaderboard)
	// singleflight shares the result; hand each caller its own slice.
	out := *board
	out.Entries = append([]LeaderboardEntry(nil), board.Entries...)
	return &out, nil
}

func (h *LeaderboardHandler) fromCache(ctx context.Context, limit int, now time.Time) (*Leaderboard, bool) {
	var top []learner.Summary
	err := h.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		top, err = h.cache.Top(ctx, limit)
		return err
	})
	if err != nil {
		h.log.Debug("leaderboard cache unavailable, using store", logger.Err(err))
		return nil, false
	}

	entries := make([]LeaderboardEntry, len(top))
	for i, sm := range top {
		entries[i] = entryOf(i+1, sm, 0)
	}
	return &Leaderboard{Timeframe: TimeframeAllTime, Entries: entries, Source: "cache", GeneratedAt: now}, true
}

func (h *LeaderboardHandler) fromStore(ctx context.Context, tf Timeframe, limit int, now time.Time) (*Leaderboard, error) {
	summaries, err := h.store.Summaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("leaderboard snapshot: %w", err)
	}

	var period map[learner.ID]int64
	if tf != TimeframeAllTime {
		period, err = h.store.XPSince(ctx, tf.since(now, h.loc))
		if err != nil {
			return nil, fmt.Errorf("leaderboard window: %w", err)
		}
	}

	ranked := Rank(summaries, period)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return &Leaderboard{Timeframe: tf, Entries: ranked, Source: "store", GeneratedAt: now}, nil
}

// Rank orders summaries by XP descending, then learner ID ascending. With a
// period map the XP is the period XP and learners without any are left out.
func Rank(summaries []learner.Summary, period map[learner.ID]int64) []LeaderboardEntry {
	type scored struct {
		sm    learner.Summary
		score int64
	}
	list := make([]scored, 0, len(summaries))
	for _, sm := range summaries {
		score := sm.TotalXP
		if period != nil {
			score = period[sm.LearnerID]
			if score <= 0 {
				continue
			}
		}
		list = append(list, scored{sm: sm, score: score})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].sm.LearnerID < list[j].sm.LearnerID
	})

	out := make([]LeaderboardEntry, len(list))
	for i, s := range list {
		var pxp int64
		if period != nil {
			pxp = s.score
		}
		out[i] = entryOf(i+1, s.sm, pxp)
	}
	return out
}

func entryOf(rank int, sm learner.Summary, periodXP int64) LeaderboardEntry {
	return LeaderboardEntry{
		Rank:       rank,
		LearnerID:  sm.LearnerID,
		Level:      sm.Level,
		TotalXP:    sm.TotalXP,
		Title:      sm.Title,
		BadgeCount: sm.BadgeCount,
		PeriodXP:   periodXP,
	}
}
