package progression

import (
	"context"

	"github.com/google/uuid"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/retry"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// QUEST ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// CompletionResult reports a quest completed by a progress update.
type CompletionResult struct {
	Instance learner.QuestInstance  `json:"instance"`
	Quest    catalog.QuestDefinition `json:"quest"`
	// XP covers the quest reward plus, when Badge is set, the badge reward.
	XP XPResult `json:"xp"`
	// Badge is set when the quest's badge reward was newly granted.
	Badge *catalog.BadgeDefinition `json:"badge,omitempty"`
}

// QuestEngine offers, starts and advances quests.
type QuestEngine struct {
	quests   learner.QuestStore
	counters learner.CounterStore
	ledger   *Ledger
	badges   *BadgeEngine
	catalog  *catalog.Catalog
	clock    timeutil.Clock
	retrier  *retry.Retrier
}

// NewQuestEngine creates a QuestEngine.
func NewQuestEngine(quests learner.QuestStore, counters learner.CounterStore, ledger *Ledger, badges *BadgeEngine, cat *catalog.Catalog, clock timeutil.Clock) *QuestEngine {
	return &QuestEngine{
		quests:   quests,
		counters: counters,
		ledger:   ledger,
		badges:   badges,
		catalog:  cat,
		clock:    clock,
		retrier:  retry.ConflictRetrier(shared.IsConflict),
	}
}

// GenerateCandidates returns, in catalog order, the quests the learner may
// start now: level-eligible, prerequisite counter positive and no active
// instance of the same quest.
func (e *QuestEngine) GenerateCandidates(ctx context.Context, id learner.ID) ([]catalog.QuestDefinition, error) {
	rec, err := e.ledger.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	counters, err := e.counters.GetCounters(ctx, id)
	if err != nil {
		return nil, err
	}
	active, err := e.ActiveQuests(ctx, id)
	if err != nil {
		return nil, err
	}
	running := make(map[string]bool, len(active))
	for _, q := range active {
		running[q.QuestID] = true
	}

	var out []catalog.QuestDefinition
	for _, q := range e.catalog.Quests() {
		if running[q.ID] || rec.Level < q.MinLevel {
			continue
		}
		if q.RequiresCounter != "" && counters.Get(q.RequiresCounter) <= 0 {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// Start creates an instance of questID. It reports false, without error,
// when an instance of that quest is already active.
func (e *QuestEngine) Start(ctx context.Context, id learner.ID, questID string) (learner.QuestInstance, bool, error) {
	if err := id.Validate(); err != nil {
		return learner.QuestInstance{}, false, err
	}
	def, ok := e.catalog.Quest(questID)
	if !ok {
		return learner.QuestInstance{}, false, shared.InvalidInput("quests", "Start", "quest %q is not in the catalog", questID)
	}

	now := e.clock.Now()
	inst := learner.QuestInstance{
		ID:        uuid.NewString(),
		LearnerID: id,
		QuestID:   def.ID,
		StartedAt: now,
		Progress:  make(map[string]int64, len(def.Requirements)),
		Version:   1,
	}
	for key := range def.Requirements {
		inst.Progress[key] = 0
	}
	if limit := def.TimeLimit(); limit > 0 {
		inst.ExpiresAt = now.Add(limit)
	}

	started, err := e.quests.StartQuest(ctx, inst)
	if err != nil || !started {
		return learner.QuestInstance{}, false, err
	}
	return inst, true, nil
}

// ActiveQuests returns the learner's instances that still accept progress.
func (e *QuestEngine) ActiveQuests(ctx context.Context, id learner.ID) ([]learner.QuestInstance, error) {
	all, err := e.quests.ListQuests(ctx, id)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	active := all[:0]
	for _, q := range all {
		if q.Active(now) {
			active = append(active, q)
		}
	}
	return active, nil
}

// UpdateProgress adds the positive entries of delta to every active
// instance tracking them. An instance whose thresholds are all met completes
// and pays its XP and badge rewards. Expired and completed instances are
// never touched.
func (e *QuestEngine) UpdateProgress(ctx context.Context, id learner.ID, delta map[string]int64) ([]CompletionResult, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	active, err := e.ActiveQuests(ctx, id)
	if err != nil {
		return nil, err
	}

	var done []CompletionResult
	for _, inst := range active {
		def, ok := e.catalog.Quest(inst.QuestID)
		if !ok {
			return done, shared.Misconfigured("quests", "UpdateProgress", "active quest %q is not in the catalog", inst.QuestID)
		}
		if !tracks(def.Requirements, delta) {
			continue
		}

		completed, err := retry.DoWithData(ctx, e.retrier, func(ctx context.Context) (*CompletionResult, error) {
			return e.advance(ctx, inst, def, delta)
		})
		if err != nil {
			return done, err
		}
		if completed != nil {
			done = append(done, *completed)
		}
	}
	return done, nil
}

// advance applies delta to one instance, re-reading it after a lost race.
// An instance that completes is stored together with its rewards.
func (e *QuestEngine) advance(ctx context.Context, inst learner.QuestInstance, def catalog.QuestDefinition, delta map[string]int64) (*CompletionResult, error) {
	cur, err := e.reload(ctx, inst)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	if !cur.Active(now) {
		return nil, nil
	}

	next := cur.Clone()
	for key := range def.Requirements {
		if d := delta[key]; d > 0 {
			next.Progress[key] += d
		}
	}
	if !next.Satisfies(def.Requirements) {
		_, err := e.quests.CompareAndSwapQuest(ctx, cur, next)
		return nil, err
	}
	next.Completed = true
	next.CompletedAt = &now
	return e.complete(ctx, cur, next, def)
}

// complete stores the completed instance, the quest XP and the badge reward
// in one claim, so a failed credit leaves the quest open for the next update.
func (e *QuestEngine) complete(ctx context.Context, cur, next learner.QuestInstance, def catalog.QuestDefinition) (*CompletionResult, error) {
	claim := learner.RewardClaim{Quest: &learner.QuestSwap{Prev: cur, Next: next}}
	if def.XPReward > 0 {
		claim.Entries = append(claim.Entries, learner.XPEntry{Amount: def.XPReward, Reason: "quest:" + def.Name})
	}

	var badge *catalog.BadgeDefinition
	if def.BadgeReward != "" {
		b, a, err := e.badges.pending(ctx, cur.LearnerID, def.BadgeReward, "quest:"+def.ID)
		if err != nil {
			return nil, err
		}
		if a != nil {
			claim.Achievement = a
			claim.Entries = append(claim.Entries, badgeEntries(b)...)
			badge = &b
		}
	}

	xp, stored, err := e.ledger.claim(ctx, cur.LearnerID, claim)
	if err != nil {
		return nil, err
	}
	return &CompletionResult{Instance: stored.Quest, Quest: def, XP: xp, Badge: badge}, nil
}

func (e *QuestEngine) reload(ctx context.Context, inst learner.QuestInstance) (learner.QuestInstance, error) {
	all, err := e.quests.ListQuests(ctx, inst.LearnerID)
	if err != nil {
		return learner.QuestInstance{}, err
	}
	for _, q := range all {
		if q.ID == inst.ID {
			return q, nil
		}
	}
	return learner.QuestInstance{}, shared.NotFound("quests", "UpdateProgress", "quest instance %s vanished", inst.ID)
}

func tracks(reqs catalog.Requirements, delta map[string]int64) bool {
	for key := range reqs {
		if delta[key] > 0 {
			return true
		}
	}
	return false
}
