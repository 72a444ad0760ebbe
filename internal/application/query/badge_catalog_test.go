package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
)

func TestBadgeCatalog_GroupsInCatalogOrder(t *testing.T) {
	cat := catalog.Default()
	got, err := NewBadgeCatalogHandler(cat).Handle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, len(cat.Badges()), got.Total)
	require.Len(t, got.Categories, len(cat.BadgeCategories()))
	for i, c := range got.Categories {
		assert.Equal(t, cat.BadgeCategories()[i], c.Category)
		assert.NotEmpty(t, c.Badges)
		for _, b := range c.Badges {
			assert.Equal(t, c.Category, b.Category)
			assert.Equal(t, b.Tier.Color(), b.TierColor)
		}
	}
	assert.Equal(t, "first_interaction", got.Categories[0].Badges[0].ID)
}

func TestCategoryDisplayName(t *testing.T) {
	assert.Equal(t, "Reading Habits", CategoryDisplayName("reading_habits"))
	assert.Equal(t, "Streaks", CategoryDisplayName("streaks"))
}
