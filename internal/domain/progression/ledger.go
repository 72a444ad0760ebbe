// Package progression turns learner activity into XP, levels, streaks, badges
// and quests. Every engine works against the learner.Store contract and the
// immutable catalog; none of them holds per-learner state of its own.
package progression

import (
	"context"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/retry"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESSION LEDGER
// ══════════════════════════════════════════════════════════════════════════════

// XPResult describes the effect of one ledger credit.
type XPResult struct {
	Amount        int64               `json:"amount"`
	LevelUp       bool                `json:"level_up"`
	PreviousLevel int                 `json:"previous_level"`
	NewLevel      int                 `json:"new_level"`
	NewTitle      string              `json:"new_title"`
	LevelsGained  int                 `json:"levels_gained"`
	Record        learner.LevelRecord `json:"record"`
}

// Ledger owns XP accounting and level progression.
type Ledger struct {
	levels  learner.RewardStore
	catalog *catalog.Catalog
	clock   timeutil.Clock
	retrier *retry.Retrier
}

// NewLedger creates a Ledger.
func NewLedger(levels learner.RewardStore, cat *catalog.Catalog, clock timeutil.Clock) *Ledger {
	return &Ledger{
		levels:  levels,
		catalog: cat,
		clock:   clock,
		retrier: retry.ConflictRetrier(shared.IsConflict),
	}
}

// Record returns the learner's level record, creating it at level 1 on first
// reference.
func (l *Ledger) Record(ctx context.Context, id learner.ID) (learner.LevelRecord, error) {
	if err := id.Validate(); err != nil {
		return learner.LevelRecord{}, err
	}
	first, err := l.catalog.Level(1)
	if err != nil {
		return learner.LevelRecord{}, err
	}
	return l.levels.GetOrCreateLevel(ctx, learner.LevelRecord{
		LearnerID:     id,
		Level:         1,
		XPToNextLevel: first.XPRequired,
		Title:         first.Title,
		UpdatedAt:     l.clock.Now(),
	})
}

// AddXP credits amount to the learner and applies every level-up it causes.
// Crossing past the last level of the table is a configuration error and
// leaves the record untouched.
func (l *Ledger) AddXP(ctx context.Context, id learner.ID, amount int64, reason string) (XPResult, error) {
	if err := id.Validate(); err != nil {
		return XPResult{}, err
	}
	if amount < 0 {
		return XPResult{}, shared.ErrNegativeXP
	}

	return retry.DoWithData(ctx, l.retrier, func(ctx context.Context) (XPResult, error) {
		prev, err := l.Record(ctx, id)
		if err != nil {
			return XPResult{}, err
		}

		res := XPResult{
			Amount:        amount,
			PreviousLevel: prev.Level,
			NewLevel:      prev.Level,
			NewTitle:      prev.Title,
			Record:        prev,
		}
		if amount == 0 {
			return res, nil
		}

		next, gained, err := l.apply(prev, amount)
		if err != nil {
			return XPResult{}, err
		}
		now := l.clock.Now()
		next.UpdatedAt = now

		stored, err := l.levels.CompareAndSwapLevel(ctx, prev, next, learner.XPEntry{
			LearnerID: id,
			Amount:    amount,
			Reason:    reason,
			At:        now,
		})
		if err != nil {
			return XPResult{}, err
		}

		res.Record = stored
		res.NewLevel = stored.Level
		res.NewTitle = stored.Title
		res.LevelsGained = gained
		res.LevelUp = gained > 0
		return res, nil
	})
}

// claim stores c and credits the XP of its entries in one store operation.
// It makes a single attempt; callers retry conflicts after re-reading the
// state the claim was built from.
func (l *Ledger) claim(ctx context.Context, id learner.ID, c learner.RewardClaim) (XPResult, learner.ClaimResult, error) {
	amount := c.XP()
	if amount < 0 {
		return XPResult{}, learner.ClaimResult{}, shared.ErrNegativeXP
	}
	prev, err := l.Record(ctx, id)
	if err != nil {
		return XPResult{}, learner.ClaimResult{}, err
	}

	now := l.clock.Now()
	next, gained := prev, 0
	if amount > 0 {
		next, gained, err = l.apply(prev, amount)
		if err != nil {
			return XPResult{}, learner.ClaimResult{}, err
		}
		next.UpdatedAt = now
	}

	entries := make([]learner.XPEntry, len(c.Entries))
	for i, e := range c.Entries {
		e.LearnerID = id
		if e.At.IsZero() {
			e.At = now
		}
		entries[i] = e
	}
	c.Entries = entries
	c.Prev, c.Next = prev, next

	stored, err := l.levels.ClaimReward(ctx, c)
	if err != nil {
		return XPResult{}, learner.ClaimResult{}, err
	}
	return XPResult{
		Amount:        amount,
		LevelUp:       gained > 0,
		PreviousLevel: prev.Level,
		NewLevel:      stored.Level.Level,
		NewTitle:      stored.Level.Title,
		LevelsGained:  gained,
		Record:        stored.Level,
	}, stored, nil
}

// apply is the pure level-up loop.
func (l *Ledger) apply(rec learner.LevelRecord, amount int64) (learner.LevelRecord, int, error) {
	rec.CurrentXP += amount
	rec.TotalXPEarned += amount

	gained := 0
	for rec.CurrentXP >= rec.XPToNextLevel {
		next, err := l.catalog.Level(rec.Level + 1)
		if err != nil {
			return rec, 0, shared.ErrLevelOverflow
		}
		rec.CurrentXP -= rec.XPToNextLevel
		rec.Level = next.Number
		rec.XPToNextLevel = next.XPRequired
		rec.Title = next.Title
		gained++
	}
	return rec, gained, nil
}
