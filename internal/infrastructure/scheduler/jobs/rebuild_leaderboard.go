// Package jobs contains the scheduled jobs of the progression service.
package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD LEADERBOARD JOB
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardRebuilder replaces the cached leaderboard with a full snapshot.
type LeaderboardRebuilder interface {
	Rebuild(ctx context.Context, summaries []learner.Summary, at time.Time) error
}

// RebuildStats describes the last rebuild.
type RebuildStats struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Learners  int           `json:"learners"`
}

// RebuildLeaderboardJob rebuilds the leaderboard cache from a store snapshot,
// repairing entries the incremental updater missed.
type RebuildLeaderboardJob struct {
	store   learner.Snapshotter
	cache   LeaderboardRebuilder
	clock   timeutil.Clock
	timeout time.Duration
	log     *logger.Logger

	last atomic.Pointer[RebuildStats]
}

// NewRebuildLeaderboardJob creates the job. A zero timeout means five minutes.
func NewRebuildLeaderboardJob(store learner.Snapshotter, cache LeaderboardRebuilder, clock timeutil.Clock, timeout time.Duration, log *logger.Logger) *RebuildLeaderboardJob {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if log == nil {
		log = logger.Default()
	}
	return &RebuildLeaderboardJob{
		store:   store,
		cache:   cache,
		clock:   clock,
		timeout: timeout,
		log:     log.With(logger.Component("rebuild_leaderboard")),
	}
}

func (j *RebuildLeaderboardJob) Name() string { return "rebuild_leaderboard" }

func (j *RebuildLeaderboardJob) Description() string {
	return "Rebuilds the all-time leaderboard cache from the progress store"
}

// Run takes a snapshot without any learner lock and swaps it into the cache.
func (j *RebuildLeaderboardJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	started := j.clock.Now()
	summaries, err := j.store.Summaries(ctx)
	if err != nil {
		return fmt.Errorf("snapshot learners: %w", err)
	}
	if err := j.cache.Rebuild(ctx, summaries, started); err != nil {
		return fmt.Errorf("rebuild leaderboard cache: %w", err)
	}

	stats := &RebuildStats{
		StartedAt: started,
		Duration:  j.clock.Now().Sub(started),
		Learners:  len(summaries),
	}
	j.last.Store(stats)
	j.log.Info("leaderboard rebuilt", logger.Int("learners", stats.Learners), logger.Latency(stats.Duration))
	return nil
}

// LastStats returns the last successful rebuild, or nil.
func (j *RebuildLeaderboardJob) LastStats() *RebuildStats {
	return j.last.Load()
}
