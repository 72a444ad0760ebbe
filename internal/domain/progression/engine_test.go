package progression_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngine_Accessors(t *testing.T) {
	f := newFixture(t)

	assert.Same(t, f.clock, f.engine.Clock())
	assert.Same(t, f.cat, f.engine.Catalog())
	assert.Equal(t, f.store, f.engine.Store())

	// quests started through the engine run on its clock
	inst, ok, err := f.engine.Quests.Start(context.Background(), "alice", "daily_explorer")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, inst.StartedAt.Equal(f.engine.Clock().Now()))
}
