package progression

import (
	"context"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// Config wires an Engine.
type Config struct {
	Store   learner.Store
	Locker  learner.Locker
	Catalog *catalog.Catalog
	// Clock defaults to the system clock.
	Clock timeutil.Clock
	// Location decides calendar days for streaks and study-hour windows.
	// Defaults to UTC.
	Location *time.Location
}

// Engine bundles the progression components over one store.
type Engine struct {
	Ledger    *Ledger
	Badges    *BadgeEngine
	Streaks   *StreakTracker
	Quests    *QuestEngine
	Processor *Processor

	store   learner.Store
	locker  learner.Locker
	catalog *catalog.Catalog
	clock   timeutil.Clock
	loc     *time.Location
}

// NewEngine builds every component from cfg.
func NewEngine(cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.SystemClock{Loc: cfg.Location}
	}

	ledger := NewLedger(cfg.Store, cfg.Catalog, cfg.Clock)
	badges := NewBadgeEngine(cfg.Store, cfg.Store, ledger, cfg.Catalog, cfg.Clock)
	streaks := NewStreakTracker(cfg.Store, badges, cfg.Catalog, cfg.Clock, cfg.Location)
	quests := NewQuestEngine(cfg.Store, cfg.Store, ledger, badges, cfg.Catalog, cfg.Clock)

	return &Engine{
		Ledger:  ledger,
		Badges:  badges,
		Streaks: streaks,
		Quests:  quests,
		Processor: &Processor{
			store:   cfg.Store,
			locker:  cfg.Locker,
			catalog: cfg.Catalog,
			clock:   cfg.Clock,
			loc:     cfg.Location,
			ledger:  ledger,
			streaks: streaks,
			badges:  badges,
			quests:  quests,
		},
		store:   cfg.Store,
		locker:  cfg.Locker,
		catalog: cfg.Catalog,
		clock:   cfg.Clock,
		loc:     cfg.Location,
	}
}

// Catalog returns the catalog the engine was built with.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Store returns the underlying progress store.
func (e *Engine) Store() learner.Store { return e.store }

// Clock returns the clock quests and streaks are evaluated against.
func (e *Engine) Clock() timeutil.Clock { return e.clock }

// Location is the zone calendar days are counted in.
func (e *Engine) Location() *time.Location { return e.loc }

// EnsureQuests tops the learner's active quests up to the catalog's slot
// count, inside the learner's exclusive section. It returns the active
// instances afterwards and the ones started by this call.
func (e *Engine) EnsureQuests(ctx context.Context, id learner.ID) (active, started []learner.QuestInstance, err error) {
	if err := id.Validate(); err != nil {
		return nil, nil, err
	}
	unlock, err := e.locker.Lock(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	active, err = e.Quests.ActiveQuests(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	free := e.catalog.QuestSlots() - len(active)
	if free <= 0 {
		return active, nil, nil
	}

	candidates, err := e.Quests.GenerateCandidates(ctx, id)
	if err != nil {
		return active, nil, err
	}
	for _, q := range candidates {
		if len(started) == free {
			break
		}
		inst, ok, err := e.Quests.Start(ctx, id, q.ID)
		if err != nil {
			return active, started, err
		}
		if ok {
			started = append(started, inst)
			active = append(active, inst)
		}
	}
	return active, started, nil
}

// Summary returns the leaderboard view of one learner.
func (e *Engine) Summary(ctx context.Context, id learner.ID) (learner.Summary, error) {
	rec, err := e.Ledger.Record(ctx, id)
	if err != nil {
		return learner.Summary{}, err
	}
	held, err := e.Badges.Held(ctx, id)
	if err != nil {
		return learner.Summary{}, err
	}
	return learner.Summary{
		LearnerID:  id,
		Level:      rec.Level,
		TotalXP:    rec.TotalXPEarned,
		Title:      rec.Title,
		BadgeCount: len(held),
	}, nil
}
