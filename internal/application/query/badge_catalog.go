package query

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
)

// ══════════════════════════════════════════════════════════════════════════════
// BADGE CATALOG QUERY
// ══════════════════════════════════════════════════════════════════════════════

// BadgeView is a badge definition with its tier color.
type BadgeView struct {
	catalog.BadgeDefinition
	TierColor string `json:"tier_color"`
}

// BadgeCategory groups badges by category.
type BadgeCategory struct {
	Category    string      `json:"category"`
	DisplayName string      `json:"display_name"`
	Badges      []BadgeView `json:"badges"`
}

// BadgeCatalog is the full badge catalog.
type BadgeCatalog struct {
	Categories []BadgeCategory `json:"categories"`
	Total      int             `json:"total"`
}

type BadgeCatalogHandler struct {
	catalog *catalog.Catalog
}

func NewBadgeCatalogHandler(cat *catalog.Catalog) *BadgeCatalogHandler {
	return &BadgeCatalogHandler{catalog: cat}
}

// Handle groups the catalog's badges by category, both in catalog order.
func (h *BadgeCatalogHandler) Handle(_ context.Context) (*BadgeCatalog, error) {
	title := cases.Title(language.English)
	index := make(map[string]int)
	out := &BadgeCatalog{Categories: []BadgeCategory{}}
	for _, name := range h.catalog.BadgeCategories() {
		index[name] = len(out.Categories)
		out.Categories = append(out.Categories, BadgeCategory{
			Category:    name,
			DisplayName: displayName(title, name),
			Badges:      []BadgeView{},
		})
	}
	for _, b := range h.catalog.Badges() {
		i, ok := index[b.Category]
		if !ok {
			continue
		}
		out.Categories[i].Badges = append(out.Categories[i].Badges, BadgeView{BadgeDefinition: b, TierColor: b.Tier.Color()})
		out.Total++
	}
	return out, nil
}

// CategoryDisplayName turns a category key such as "reading_habits" into
// "Reading Habits".
func CategoryDisplayName(category string) string {
	return displayName(cases.Title(language.English), category)
}

// A Caser is stateful, so each call site brings its own.
func displayName(title cases.Caser, category string) string {
	return title.String(strings.ReplaceAll(category, "_", " "))
}
