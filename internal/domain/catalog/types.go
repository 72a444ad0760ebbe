// Package catalog holds the immutable game definitions: the level table,
// badges, quests, activity XP rules and the rank ladder.
//
// A Catalog is built once at startup, validated as a whole and shared by all
// learners without locking. Accessors hand out copies.
package catalog

import (
	"time"

	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// Tier is a difficulty/rarity label on badges and quests.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Color returns the display color of the tier.
func (t Tier) Color() string {
	switch t {
	case TierBronze:
		return "#CD7F32"
	case TierSilver:
		return "#C0C0C0"
	case TierGold:
		return "#FFD700"
	case TierPlatinum:
		return "#E5E4E2"
	default:
		return "#808080"
	}
}

// Rank orders tiers from entry-level (1) to rarest (4). Unknown tiers are 0.
func (t Tier) Rank() int {
	switch t {
	case TierBronze:
		return 1
	case TierSilver:
		return 2
	case TierGold:
		return 3
	case TierPlatinum:
		return 4
	default:
		return 0
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t.Rank() > 0 }

// Requirements maps a counter name to the threshold it must reach.
type Requirements map[string]int64

func (r Requirements) clone() Requirements {
	if r == nil {
		return nil
	}
	out := make(Requirements, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// BadgeDefinition describes a permanently held achievement.
type BadgeDefinition struct {
	ID           string       `yaml:"id" json:"id"`
	Name         string       `yaml:"name" json:"name"`
	Description  string       `yaml:"description" json:"description"`
	Category     string       `yaml:"category" json:"category"`
	Icon         string       `yaml:"icon" json:"icon"`
	Requirements Requirements `yaml:"requirements" json:"requirements"`
	XPReward     int64        `yaml:"xp_reward" json:"xp_reward"`
	Tier         Tier         `yaml:"tier" json:"tier"`
	Rarity       int          `yaml:"rarity" json:"rarity"`
}

// GrantOnly badges have no requirements and are only handed out directly by
// streak milestones or quest rewards.
func (b BadgeDefinition) GrantOnly() bool { return len(b.Requirements) == 0 }

func (b BadgeDefinition) clone() BadgeDefinition {
	b.Requirements = b.Requirements.clone()
	return b
}

// QuestDefinition describes a time-boxed objective.
type QuestDefinition struct {
	ID           string       `yaml:"id" json:"id"`
	Name         string       `yaml:"name" json:"name"`
	Description  string       `yaml:"description" json:"description"`
	Requirements Requirements `yaml:"requirements" json:"requirements"`
	XPReward     int64        `yaml:"xp_reward" json:"xp_reward"`
	// BadgeReward is granted directly on completion when set.
	BadgeReward string `yaml:"badge_reward,omitempty" json:"badge_reward,omitempty"`
	// TimeLimitHours of 0 means the quest never expires.
	TimeLimitHours int  `yaml:"time_limit_hours" json:"time_limit_hours"`
	Tier           Tier `yaml:"tier" json:"tier"`
	// MinLevel gates the quest by learner level.
	MinLevel int `yaml:"min_level" json:"min_level"`
	// RequiresCounter gates the quest on prior activity: the counter must be
	// positive before the quest is offered.
	RequiresCounter string `yaml:"requires_counter,omitempty" json:"requires_counter,omitempty"`
}

// TimeLimit returns the quest duration, zero when unlimited.
func (q QuestDefinition) TimeLimit() time.Duration {
	return time.Duration(q.TimeLimitHours) * time.Hour
}

func (q QuestDefinition) clone() QuestDefinition {
	q.Requirements = q.Requirements.clone()
	return q
}

// BonusRule converts a quality signal into bonus XP: floor(min(signal*Factor, Cap)).
type BonusRule struct {
	Signal string  `yaml:"signal" json:"signal"`
	Factor float64 `yaml:"factor" json:"factor"`
	Cap    int64   `yaml:"cap" json:"cap"`
}

// SignalCounter increments Counter when Signal >= Min.
type SignalCounter struct {
	Signal  string  `yaml:"signal" json:"signal"`
	Min     float64 `yaml:"min" json:"min"`
	Counter string  `yaml:"counter" json:"counter"`
}

// ActivityRule is one row of the activity XP table.
type ActivityRule struct {
	Type    string `yaml:"type" json:"type"`
	BaseXP  int64  `yaml:"base_xp" json:"base_xp"`
	Counter string `yaml:"counter" json:"counter"`
	// Subject activities are attributed to a tutor category.
	Subject bool `yaml:"subject" json:"subject"`
	// Topics activities scan the message text for topic keywords.
	Topics         bool            `yaml:"topics" json:"topics"`
	Bonuses        []BonusRule     `yaml:"bonuses" json:"bonuses"`
	SignalCounters []SignalCounter `yaml:"signal_counters" json:"signal_counters"`
}

func (a ActivityRule) clone() ActivityRule {
	a.Bonuses = append([]BonusRule(nil), a.Bonuses...)
	a.SignalCounters = append([]SignalCounter(nil), a.SignalCounters...)
	return a
}

// Accumulator adds floor(signal) to Counter for every activity carrying it.
type Accumulator struct {
	Signal  string `yaml:"signal" json:"signal"`
	Counter string `yaml:"counter" json:"counter"`
}

// Perk is a capability unlocked at a level.
type Perk struct {
	Level int    `yaml:"level" json:"level"`
	Name  string `yaml:"name" json:"name"`
}

// LevelConfig parameterizes the geometric level table.
type LevelConfig struct {
	BaseXP     int64    `yaml:"base_xp" json:"base_xp"`
	Multiplier float64  `yaml:"multiplier" json:"multiplier"`
	MaxLevel   int      `yaml:"max_level" json:"max_level"`
	Titles     []string `yaml:"titles" json:"titles"`
	Perks      []Perk   `yaml:"perks" json:"perks"`
}

// Rank is a step of the total-XP ladder.
type Rank struct {
	Name  string `yaml:"name" json:"name"`
	MinXP int64  `yaml:"min_xp" json:"min_xp"`
}

// StreakMilestone grants BadgeID when a streak reaches Days.
type StreakMilestone struct {
	Days    int    `yaml:"days" json:"days"`
	BadgeID string `yaml:"badge_id" json:"badge_id"`
}

// Topic is a named keyword group used to classify messages.
type Topic struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// TimeOfDay configures the study-hour windows and the counters they feed.
type TimeOfDay struct {
	LateNight           timeutil.HourWindow `yaml:"late_night" json:"late_night"`
	LateNightCounter    string              `yaml:"late_night_counter" json:"late_night_counter"`
	EarlyMorning        timeutil.HourWindow `yaml:"early_morning" json:"early_morning"`
	EarlyMorningCounter string              `yaml:"early_morning_counter" json:"early_morning_counter"`
}

// Definition is the raw, serializable catalog source.
type Definition struct {
	Levels           LevelConfig       `yaml:"levels"`
	Badges           []BadgeDefinition `yaml:"badges"`
	Quests           []QuestDefinition `yaml:"quests"`
	QuestSlots       int               `yaml:"quest_slots"`
	Activities       []ActivityRule    `yaml:"activities"`
	Accumulators     []Accumulator     `yaml:"accumulators"`
	Ranks            []Rank            `yaml:"ranks"`
	StreakType       string            `yaml:"streak_type"`
	StreakMilestones []StreakMilestone `yaml:"streak_milestones"`
	TutorTypes       []string          `yaml:"tutor_types"`
	DefaultTutor     string            `yaml:"default_tutor"`
	Topics           []Topic           `yaml:"topics"`
	TimeOfDay        TimeOfDay         `yaml:"time_of_day"`
}
