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
// BADGE ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// BadgeGranter is the direct-grant path used by streaks and quests.
type BadgeGranter interface {
	Grant(ctx context.Context, id learner.ID, badgeID, reason string) (bool, catalog.BadgeDefinition, error)
}

// BadgeEngine evaluates badge requirements and awards badges at most once.
type BadgeEngine struct {
	achievements learner.AchievementStore
	counters     learner.CounterStore
	ledger       *Ledger
	catalog      *catalog.Catalog
	clock        timeutil.Clock
	retrier      *retry.Retrier
}

var _ BadgeGranter = (*BadgeEngine)(nil)

// NewBadgeEngine creates a BadgeEngine.
func NewBadgeEngine(achievements learner.AchievementStore, counters learner.CounterStore, ledger *Ledger, cat *catalog.Catalog, clock timeutil.Clock) *BadgeEngine {
	return &BadgeEngine{
		achievements: achievements,
		counters:     counters,
		ledger:       ledger,
		catalog:      cat,
		clock:        clock,
		retrier:      retry.ConflictRetrier(shared.IsConflict),
	}
}

// CheckAndAward awards every badge, not yet held, whose requirements are met
// by the stored counters plus delta. Grant-only badges are never considered.
// Badges awarded before an error are returned together with it.
func (e *BadgeEngine) CheckAndAward(ctx context.Context, id learner.ID, delta map[string]int64) ([]catalog.BadgeDefinition, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	counters, err := e.counters.GetCounters(ctx, id)
	if err != nil {
		return nil, err
	}
	held, err := e.heldSet(ctx, id)
	if err != nil {
		return nil, err
	}

	var awarded []catalog.BadgeDefinition
	for _, badge := range e.catalog.Badges() {
		if badge.GrantOnly() || held[badge.ID] || !meets(badge.Requirements, counters, delta) {
			continue
		}
		ok, err := e.award(ctx, id, badge, "requirements")
		if err != nil {
			return awarded, err
		}
		if ok {
			awarded = append(awarded, badge)
		}
	}
	return awarded, nil
}

// Grant awards badgeID without checking its requirements. It reports false
// when the learner already holds the badge.
func (e *BadgeEngine) Grant(ctx context.Context, id learner.ID, badgeID, reason string) (bool, catalog.BadgeDefinition, error) {
	if err := id.Validate(); err != nil {
		return false, catalog.BadgeDefinition{}, err
	}
	badge, ok := e.catalog.Badge(badgeID)
	if !ok {
		return false, catalog.BadgeDefinition{}, shared.NotFound("badges", "Grant", "badge %q is not in the catalog", badgeID)
	}
	granted, err := e.award(ctx, id, badge, reason)
	return granted, badge, err
}

// Held returns the learner's achievements in award order.
func (e *BadgeEngine) Held(ctx context.Context, id learner.ID) ([]learner.Achievement, error) {
	return e.achievements.ListAchievements(ctx, id)
}

func (e *BadgeEngine) heldSet(ctx context.Context, id learner.ID) (map[string]bool, error) {
	list, err := e.achievements.ListAchievements(ctx, id)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(list))
	for _, a := range list {
		held[a.BadgeID] = true
	}
	return held, nil
}

// award stores the achievement and credits the badge XP as one claim. It
// reports false when the learner already holds the badge, so a retry after a
// failed credit pays exactly once.
func (e *BadgeEngine) award(ctx context.Context, id learner.ID, badge catalog.BadgeDefinition, reason string) (bool, error) {
	return retry.DoWithData(ctx, e.retrier, func(ctx context.Context) (bool, error) {
		_, a, err := e.pending(ctx, id, badge.ID, reason)
		if err != nil || a == nil {
			return false, err
		}
		if _, _, err := e.ledger.claim(ctx, id, learner.RewardClaim{
			Achievement: a,
			Entries:     badgeEntries(badge),
		}); err != nil {
			return false, err
		}
		return true, nil
	})
}

// pending returns the achievement that granting badgeID would store, or nil
// when the learner already holds it.
func (e *BadgeEngine) pending(ctx context.Context, id learner.ID, badgeID, reason string) (catalog.BadgeDefinition, *learner.Achievement, error) {
	badge, ok := e.catalog.Badge(badgeID)
	if !ok {
		return badge, nil, shared.NotFound("badges", "Grant", "badge %q is not in the catalog", badgeID)
	}
	held, err := e.heldSet(ctx, id)
	if err != nil || held[badgeID] {
		return badge, nil, err
	}
	return badge, &learner.Achievement{
		LearnerID: id,
		BadgeID:   badge.ID,
		EarnedAt:  e.clock.Now(),
		Reason:    reason,
	}, nil
}

func badgeEntries(badge catalog.BadgeDefinition) []learner.XPEntry {
	if badge.XPReward <= 0 {
		return nil
	}
	return []learner.XPEntry{{Amount: badge.XPReward, Reason: "badge:" + badge.Name}}
}

func meets(reqs catalog.Requirements, counters learner.Counters, delta map[string]int64) bool {
	for key, threshold := range reqs {
		if counters.Get(key)+delta[key] < threshold {
			return false
		}
	}
	return true
}
