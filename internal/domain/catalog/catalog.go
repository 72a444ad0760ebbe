package catalog

import (
	"math"
	"strings"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Catalog is the validated, read-only view over a Definition.
type Catalog struct {
	def        Definition
	levels     []Level
	badges     map[string]int
	quests     map[string]int
	activities map[string]int
	tutors     map[string]bool
	categories []string
}

// New validates def and builds a Catalog. Every inconsistency is reported as
// a configuration error.
func New(def Definition) (*Catalog, error) {
	levels, err := buildLevels(def.Levels)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		def:        def,
		levels:     levels,
		badges:     make(map[string]int, len(def.Badges)),
		quests:     make(map[string]int, len(def.Quests)),
		activities: make(map[string]int, len(def.Activities)),
		tutors:     make(map[string]bool, len(def.TutorTypes)),
	}
	// Detach from the caller's slices and maps.
	c.def = c.Definition()

	if err := c.index(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns the built-in catalog. It panics only if the built-in
// definition itself is broken, which the package tests guard against.
func Default() *Catalog {
	c, err := New(DefaultDefinition())
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) index() error {
	const op = "Index"
	seenCategory := map[string]bool{}
	for i, b := range c.def.Badges {
		if b.ID == "" {
			return shared.Misconfigured("catalog", op, "badge #%d has no id", i)
		}
		if _, dup := c.badges[b.ID]; dup {
			return shared.Misconfigured("catalog", op, "duplicate badge id %q", b.ID)
		}
		c.badges[b.ID] = i
		if !seenCategory[b.Category] {
			seenCategory[b.Category] = true
			c.categories = append(c.categories, b.Category)
		}
	}
	for i, q := range c.def.Quests {
		if q.ID == "" {
			return shared.Misconfigured("catalog", op, "quest #%d has no id", i)
		}
		if _, dup := c.quests[q.ID]; dup {
			return shared.Misconfigured("catalog", op, "duplicate quest id %q", q.ID)
		}
		c.quests[q.ID] = i
	}
	for i, a := range c.def.Activities {
		if _, dup := c.activities[a.Type]; dup || a.Type == "" {
			return shared.Misconfigured("catalog", op, "duplicate or empty activity type %q", a.Type)
		}
		c.activities[a.Type] = i
	}
	for _, t := range c.def.TutorTypes {
		c.tutors[t] = true
	}
	return nil
}

func (c *Catalog) validate() error {
	const op = "Validate"
	for _, b := range c.def.Badges {
		if err := validateRequirements("badge", b.ID, b.Requirements); err != nil {
			return err
		}
		if b.XPReward < 0 {
			return shared.Misconfigured("catalog", op, "badge %q has negative xp reward", b.ID)
		}
		if !b.Tier.Valid() {
			return shared.Misconfigured("catalog", op, "badge %q has unknown tier %q", b.ID, b.Tier)
		}
	}
	for _, q := range c.def.Quests {
		if len(q.Requirements) == 0 {
			return shared.Misconfigured("catalog", op, "quest %q has no requirements", q.ID)
		}
		if err := validateRequirements("quest", q.ID, q.Requirements); err != nil {
			return err
		}
		if q.BadgeReward != "" {
			if _, ok := c.badges[q.BadgeReward]; !ok {
				return shared.Misconfigured("catalog", op, "quest %q rewards unknown badge %q", q.ID, q.BadgeReward)
			}
		}
		if q.XPReward < 0 || q.TimeLimitHours < 0 {
			return shared.Misconfigured("catalog", op, "quest %q has negative reward or time limit", q.ID)
		}
		if q.MinLevel > len(c.levels) {
			return shared.Misconfigured("catalog", op, "quest %q requires level %d beyond the table", q.ID, q.MinLevel)
		}
		if !q.Tier.Valid() {
			return shared.Misconfigured("catalog", op, "quest %q has unknown tier %q", q.ID, q.Tier)
		}
	}
	if c.def.QuestSlots < 1 {
		return shared.Misconfigured("catalog", op, "quest slots must be at least 1")
	}
	for _, a := range c.def.Activities {
		if a.BaseXP < 0 {
			return shared.Misconfigured("catalog", op, "activity %q has negative base xp", a.Type)
		}
		if a.Counter == "" {
			return shared.Misconfigured("catalog", op, "activity %q has no counter", a.Type)
		}
		for _, b := range a.Bonuses {
			if b.Signal == "" || b.Factor < 0 || b.Cap < 0 {
				return shared.Misconfigured("catalog", op, "activity %q has an invalid bonus rule", a.Type)
			}
		}
	}
	if c.def.StreakType == "" {
		return shared.Misconfigured("catalog", op, "streak type is empty")
	}
	for _, m := range c.def.StreakMilestones {
		if m.Days < 1 {
			return shared.Misconfigured("catalog", op, "streak milestone must be at least one day")
		}
		if _, ok := c.badges[m.BadgeID]; !ok {
			return shared.Misconfigured("catalog", op, "streak milestone %d awards unknown badge %q", m.Days, m.BadgeID)
		}
	}
	if len(c.def.Ranks) == 0 || c.def.Ranks[0].MinXP != 0 {
		return shared.Misconfigured("catalog", op, "rank ladder must start at 0 xp")
	}
	for i := 1; i < len(c.def.Ranks); i++ {
		if c.def.Ranks[i].MinXP <= c.def.Ranks[i-1].MinXP {
			return shared.Misconfigured("catalog", op, "rank ladder must be strictly increasing")
		}
	}
	if !c.tutors[c.def.DefaultTutor] {
		return shared.Misconfigured("catalog", op, "default tutor %q is not a tutor type", c.def.DefaultTutor)
	}
	tod := c.def.TimeOfDay
	if !tod.LateNight.Valid() || !tod.EarlyMorning.Valid() {
		return shared.Misconfigured("catalog", op, "time-of-day windows must use hours 0-23")
	}
	return nil
}

func validateRequirements(kind, id string, reqs Requirements) error {
	for key, threshold := range reqs {
		if key == "" || threshold <= 0 {
			return shared.Misconfigured("catalog", "Validate", "%s %q has invalid requirement %q=%d", kind, id, key, threshold)
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// BADGES & QUESTS
// ══════════════════════════════════════════════════════════════════════════════

// Badge looks up a badge by id.
func (c *Catalog) Badge(id string) (BadgeDefinition, bool) {
	i, ok := c.badges[id]
	if !ok {
		return BadgeDefinition{}, false
	}
	return c.def.Badges[i].clone(), true
}

// Badges returns all badges in catalog order.
func (c *Catalog) Badges() []BadgeDefinition {
	out := make([]BadgeDefinition, len(c.def.Badges))
	for i, b := range c.def.Badges {
		out[i] = b.clone()
	}
	return out
}

// BadgeCategories returns categories in order of first appearance.
func (c *Catalog) BadgeCategories() []string {
	return append([]string(nil), c.categories...)
}

// Quest looks up a quest by id.
func (c *Catalog) Quest(id string) (QuestDefinition, bool) {
	i, ok := c.quests[id]
	if !ok {
		return QuestDefinition{}, false
	}
	return c.def.Quests[i].clone(), true
}

// Quests returns all quests in catalog order.
func (c *Catalog) Quests() []QuestDefinition {
	out := make([]QuestDefinition, len(c.def.Quests))
	for i, q := range c.def.Quests {
		out[i] = q.clone()
	}
	return out
}

// QuestSlots is how many quest candidates are surfaced at once.
func (c *Catalog) QuestSlots() int { return c.def.QuestSlots }

// StreakType is the name of the daily-activity streak.
func (c *Catalog) StreakType() string { return c.def.StreakType }

// StreakMilestones returns the milestone table sorted as configured.
func (c *Catalog) StreakMilestones() []StreakMilestone {
	return append([]StreakMilestone(nil), c.def.StreakMilestones...)
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITIES
// ══════════════════════════════════════════════════════════════════════════════

// Activity looks up the rule for an activity type.
func (c *Catalog) Activity(activityType string) (ActivityRule, bool) {
	i, ok := c.activities[activityType]
	if !ok {
		return ActivityRule{}, false
	}
	return c.def.Activities[i].clone(), true
}

// Activities returns every activity rule in catalog order.
func (c *Catalog) Activities() []ActivityRule {
	out := make([]ActivityRule, len(c.def.Activities))
	for i, a := range c.def.Activities {
		out[i] = a.clone()
	}
	return out
}

// Accumulators returns the signal-to-counter accumulators applied to every activity.
func (c *Catalog) Accumulators() []Accumulator {
	return append([]Accumulator(nil), c.def.Accumulators...)
}

// Bonus computes the capped bonus XP for each rule whose signal is present.
func (r ActivityRule) Bonus(signals map[string]float64) int64 {
	var total int64
	for _, b := range r.Bonuses {
		v, ok := signals[b.Signal]
		if !ok {
			continue
		}
		total += int64(math.Floor(math.Min(v*b.Factor, float64(b.Cap))))
	}
	return total
}

// TutorCategory normalizes a raw tutor type; unknown or empty values fall
// back to the default tutor.
func (c *Catalog) TutorCategory(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if c.tutors[t] {
		return t
	}
	return c.def.DefaultTutor
}

// TopicsIn returns the topics whose keywords appear in text, in catalog order.
func (c *Catalog) TopicsIn(text string) []string {
	text = strings.ToLower(text)
	if text == "" {
		return nil
	}
	var found []string
	for _, topic := range c.def.Topics {
		for _, kw := range topic.Keywords {
			if strings.Contains(text, kw) {
				found = append(found, topic.Name)
				break
			}
		}
	}
	return found
}

// TimeOfDayCounter returns the study-window counter for a local hour, or "".
// The late-night window wins where both windows overlap.
func (c *Catalog) TimeOfDayCounter(hour int) string {
	tod := c.def.TimeOfDay
	switch {
	case tod.LateNight.Contains(hour):
		return tod.LateNightCounter
	case tod.EarlyMorning.Contains(hour):
		return tod.EarlyMorningCounter
	default:
		return ""
	}
}

// Definition returns a deep copy of the source definition.
func (c *Catalog) Definition() Definition {
	def := c.def
	def.Badges = c.Badges()
	def.Quests = c.Quests()
	def.Activities = c.Activities()
	def.Accumulators = c.Accumulators()
	def.Ranks = append([]Rank(nil), c.def.Ranks...)
	def.StreakMilestones = c.StreakMilestones()
	def.TutorTypes = append([]string(nil), c.def.TutorTypes...)
	def.Topics = make([]Topic, len(c.def.Topics))
	for i, t := range c.def.Topics {
		t.Keywords = append([]string(nil), t.Keywords...)
		def.Topics[i] = t
	}
	def.Levels.Titles = append([]string(nil), c.def.Levels.Titles...)
	def.Levels.Perks = append([]Perk(nil), c.def.Levels.Perks...)
	return def
}
