package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// monday10 is 2024-06-03 10:00 UTC.
var monday10 = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*progression.Engine, *timeutil.FixedClock) {
	t.Helper()
	clock := timeutil.NewFixedClock(monday10)
	return progression.NewEngine(progression.Config{
		Store:   memory.NewStore(),
		Locker:  memory.NewLocker(),
		Catalog: catalog.Default(),
		Clock:   clock,
	}), clock
}

func credit(t *testing.T, e *progression.Engine, id learner.ID, xp int64) {
	t.Helper()
	_, err := e.Ledger.AddXP(context.Background(), id, xp, "test")
	require.NoError(t, err)
}
