package catalog

import (
	"math"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Level is one row of the generated level table.
type Level struct {
	Number int `json:"level"`
	// XPRequired is the XP needed to advance from this level to the next.
	XPRequired int64  `json:"xp_required"`
	Title      string `json:"title"`
	// Perks lists every perk unlocked at or below this level.
	Perks []string `json:"perks"`
}

// buildLevels generates levels 1..MaxLevel with
// xpRequired(level) = floor(BaseXP * Multiplier^(level-1)).
func buildLevels(cfg LevelConfig) ([]Level, error) {
	const op = "BuildLevels"
	switch {
	case cfg.BaseXP < 1:
		return nil, shared.Misconfigured("catalog", op, "base xp must be at least 1, got %d", cfg.BaseXP)
	case cfg.Multiplier < 1:
		return nil, shared.Misconfigured("catalog", op, "multiplier must be at least 1, got %v", cfg.Multiplier)
	case cfg.MaxLevel < 2:
		return nil, shared.Misconfigured("catalog", op, "max level must be at least 2, got %d", cfg.MaxLevel)
	case len(cfg.Titles) == 0:
		return nil, shared.Misconfigured("catalog", op, "title list is empty")
	}
	for _, p := range cfg.Perks {
		if p.Level < 1 || p.Level > cfg.MaxLevel || p.Name == "" {
			return nil, shared.Misconfigured("catalog", op, "perk %q at level %d is outside the table", p.Name, p.Level)
		}
	}

	levels := make([]Level, 0, cfg.MaxLevel)
	var perks []string
	for n := 1; n <= cfg.MaxLevel; n++ {
		required := math.Floor(float64(cfg.BaseXP) * math.Pow(cfg.Multiplier, float64(n-1)))
		if required >= math.MaxInt64/2 {
			return nil, shared.Misconfigured("catalog", op, "xp threshold for level %d overflows", n)
		}
		for _, p := range cfg.Perks {
			if p.Level == n {
				perks = append(perks, p.Name)
			}
		}
		levels = append(levels, Level{
			Number:     n,
			XPRequired: int64(required),
			Title:      cfg.Titles[min(n-1, len(cfg.Titles)-1)],
			Perks:      append([]string(nil), perks...),
		})
	}
	return levels, nil
}

// Level returns row n of the table. A level outside the table is a
// configuration error, never silently capped.
func (c *Catalog) Level(n int) (Level, error) {
	if n < 1 || n > len(c.levels) {
		return Level{}, shared.Misconfigured("catalog", "Level", "level %d is outside the level table (1..%d)", n, len(c.levels))
	}
	l := c.levels[n-1]
	l.Perks = append([]string(nil), l.Perks...)
	return l, nil
}

// MaxLevel returns the highest defined level.
func (c *Catalog) MaxLevel() int { return len(c.levels) }

// Levels returns a copy of the whole table.
func (c *Catalog) Levels() []Level {
	out := make([]Level, len(c.levels))
	for i, l := range c.levels {
		l.Perks = append([]string(nil), l.Perks...)
		out[i] = l
	}
	return out
}

// NextPerk returns the first perk unlocked above level.
func (c *Catalog) NextPerk(level int) (Perk, bool) {
	var next Perk
	found := false
	for _, p := range c.def.Levels.Perks {
		if p.Level > level && (!found || p.Level < next.Level) {
			next, found = p, true
		}
	}
	return next, found
}

// RankStanding is a learner's position on the total-XP ladder.
type RankStanding struct {
	Current string `json:"current_rank"`
	// Next is empty at the top of the ladder.
	Next     string `json:"next_rank,omitempty"`
	TotalXP  int64  `json:"total_xp"`
	XPToNext int64  `json:"xp_to_next"`
}

// RankFor places totalXP on the rank ladder.
func (c *Catalog) RankFor(totalXP int64) RankStanding {
	ranks := c.def.Ranks
	standing := RankStanding{TotalXP: totalXP}
	if len(ranks) == 0 {
		return standing
	}
	standing.Current = ranks[0].Name
	for _, r := range ranks {
		if totalXP >= r.MinXP {
			standing.Current = r.Name
			continue
		}
		standing.Next = r.Name
		standing.XPToNext = r.MinXP - totalXP
		break
	}
	return standing
}
