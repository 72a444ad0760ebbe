package progression

import (
	"context"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/retry"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// STREAK TRACKER
// ══════════════════════════════════════════════════════════════════════════════

// StreakUpdate is the outcome of one Touch.
type StreakUpdate struct {
	Record  learner.StreakRecord `json:"record"`
	Changed bool                 `json:"changed"`
	// Reset is set when a gap of two or more days restarted the count.
	Reset bool `json:"reset"`
	// Milestone is the milestone (in days) reached by this touch, or 0.
	Milestone     int                       `json:"milestone,omitempty"`
	AwardedBadges []catalog.BadgeDefinition `json:"awarded_badges,omitempty"`
}

// StreakTracker counts consecutive calendar days with activity. Days are
// taken in the configured location.
type StreakTracker struct {
	streaks learner.StreakStore
	badges  BadgeGranter
	catalog *catalog.Catalog
	clock   timeutil.Clock
	loc     *time.Location
	retrier *retry.Retrier
}

// NewStreakTracker creates a StreakTracker. A nil loc means UTC.
func NewStreakTracker(streaks learner.StreakStore, badges BadgeGranter, cat *catalog.Catalog, clock timeutil.Clock, loc *time.Location) *StreakTracker {
	if loc == nil {
		loc = time.UTC
	}
	return &StreakTracker{
		streaks: streaks,
		badges:  badges,
		catalog: cat,
		clock:   clock,
		loc:     loc,
		retrier: retry.ConflictRetrier(shared.IsConflict),
	}
}

// Today returns the current calendar date in the tracker's location.
func (t *StreakTracker) Today() timeutil.Date {
	return timeutil.DateOf(t.clock.Now(), t.loc)
}

// Touch records activity today on the catalog's streak type, then grants the
// badge of every milestone the current count has reached. Grants are
// idempotent, so a repeated touch never awards twice.
func (t *StreakTracker) Touch(ctx context.Context, id learner.ID) (StreakUpdate, error) {
	if err := id.Validate(); err != nil {
		return StreakUpdate{}, err
	}

	upd, err := retry.DoWithData(ctx, t.retrier, func(ctx context.Context) (StreakUpdate, error) {
		return t.touchOnce(ctx, id)
	})
	if err != nil {
		return StreakUpdate{}, err
	}

	for _, m := range t.catalog.StreakMilestones() {
		if upd.Record.CurrentCount < m.Days {
			continue
		}
		if upd.Changed && upd.Record.CurrentCount == m.Days {
			upd.Milestone = m.Days
		}
		granted, badge, err := t.badges.Grant(ctx, id, m.BadgeID, "streak:"+upd.Record.Type)
		if err != nil {
			return upd, err
		}
		if granted {
			upd.AwardedBadges = append(upd.AwardedBadges, badge)
		}
	}
	return upd, nil
}

func (t *StreakTracker) touchOnce(ctx context.Context, id learner.ID) (StreakUpdate, error) {
	streakType := t.catalog.StreakType()
	now := t.clock.Now()
	today := timeutil.DateOf(now, t.loc)

	rec, ok, err := t.streaks.GetStreak(ctx, id, streakType)
	if err != nil {
		return StreakUpdate{}, err
	}

	if !ok {
		stored, err := t.streaks.CompareAndSwapStreak(ctx, nil, learner.StreakRecord{
			LearnerID:        id,
			Type:             streakType,
			CurrentCount:     1,
			MaxCount:         1,
			LastActivityDate: today,
			IsActive:         true,
			UpdatedAt:        now,
		})
		if err != nil {
			return StreakUpdate{}, err
		}
		return StreakUpdate{Record: stored, Changed: true}, nil
	}

	gap := rec.LastActivityDate.DaysUntil(today)
	if gap <= 0 {
		return StreakUpdate{Record: rec}, nil
	}

	next := rec
	reset := false
	if gap == 1 {
		next.CurrentCount++
	} else {
		next.CurrentCount = 1
		reset = true
	}
	next.MaxCount = max(next.MaxCount, next.CurrentCount)
	next.LastActivityDate = today
	next.IsActive = true
	next.UpdatedAt = now

	stored, err := t.streaks.CompareAndSwapStreak(ctx, &rec, next)
	if err != nil {
		return StreakUpdate{}, err
	}
	return StreakUpdate{Record: stored, Changed: true, Reset: reset}, nil
}

// Streaks returns the learner's streak records with IsActive evaluated for
// today.
func (t *StreakTracker) Streaks(ctx context.Context, id learner.ID) ([]learner.StreakRecord, error) {
	list, err := t.streaks.ListStreaks(ctx, id)
	if err != nil {
		return nil, err
	}
	today := t.Today()
	for i := range list {
		list[i].IsActive = list[i].ActiveOn(today)
	}
	return list, nil
}
