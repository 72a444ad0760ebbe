package progression_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// monday10 is 2024-06-03 10:00 UTC, outside both study-hour windows.
var monday10 = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type fixture struct {
	engine *progression.Engine
	store  learner.Store
	clock  *timeutil.FixedClock
	cat    *catalog.Catalog
}

type fixtureOption func(*progression.Config)

func withStore(s learner.Store) fixtureOption {
	return func(c *progression.Config) { c.Store = s }
}

func withCatalog(cat *catalog.Catalog) fixtureOption {
	return func(c *progression.Config) { c.Catalog = cat }
}

func withLocation(loc *time.Location) fixtureOption {
	return func(c *progression.Config) { c.Location = loc }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	clock := timeutil.NewFixedClock(monday10)
	cfg := progression.Config{
		Store:   memory.NewStore(),
		Locker:  memory.NewLocker(),
		Catalog: catalog.Default(),
		Clock:   clock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &fixture{
		engine: progression.NewEngine(cfg),
		store:  cfg.Store,
		clock:  clock,
		cat:    cfg.Catalog,
	}
}

func (f *fixture) process(t *testing.T, id learner.ID, activity string, data progression.ActivityData) *progression.ActivityResult {
	t.Helper()
	res, err := f.engine.Processor.Process(context.Background(), id, activity, data)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func badgeIDs(badges []catalog.BadgeDefinition) []string {
	ids := make([]string, 0, len(badges))
	for _, b := range badges {
		ids = append(ids, b.ID)
	}
	return ids
}

func smallCatalog(t *testing.T, maxLevel int) *catalog.Catalog {
	t.Helper()
	def := catalog.DefaultDefinition()
	def.Levels.MaxLevel = maxLevel
	def.Levels.Perks = nil
	cat, err := catalog.New(def)
	require.NoError(t, err)
	return cat
}

var errLedgerDown = errors.New("transient db error")

// flakyClaims fails the next fails reward claims that pay XP under a reason
// starting with prefix. Nothing of a failed claim reaches the store.
type flakyClaims struct {
	*memory.Store
	prefix string
	fails  int
}

func (s *flakyClaims) ClaimReward(ctx context.Context, c learner.RewardClaim) (learner.ClaimResult, error) {
	if s.fails > 0 {
		for _, e := range c.Entries {
			if strings.HasPrefix(e.Reason, s.prefix) {
				s.fails--
				return learner.ClaimResult{}, errLedgerDown
			}
		}
	}
	return s.Store.ClaimReward(ctx, c)
}

func (f *fixture) totalXP(t *testing.T, id learner.ID) int64 {
	t.Helper()
	rec, err := f.engine.Ledger.Record(context.Background(), id)
	require.NoError(t, err)
	return rec.TotalXPEarned
}
