package progression

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY PROCESSOR
// ══════════════════════════════════════════════════════════════════════════════

// Step names one stage of activity processing.
type Step string

const (
	StepXP       Step = "xp"
	StepCounters Step = "counters"
	StepStreak   Step = "streak"
	StepBadges   Step = "badges"
	StepQuests   Step = "quests"
)

// Data keys with fixed meaning. Every other key the catalog knows as a signal
// must carry a non-negative number.
const (
	DataTutorType = "tutor_type"
	DataMessage   = "message"
)

// ActivityData is the free-form payload reported with an activity.
type ActivityData map[string]any

// StepError reports a failure after earlier steps were committed. Their
// effects are not rolled back.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("progression: step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ActivityResult is the merged outcome of one processed activity.
type ActivityResult struct {
	LearnerID     learner.ID `json:"learner_id"`
	ActivityType  string     `json:"activity_type"`
	XPGained      int64      `json:"xp_gained"`
	BonusXP       int64      `json:"bonus_xp"`
	LevelUp       bool       `json:"level_up"`
	PreviousLevel int        `json:"previous_level"`
	Level         int        `json:"level"`
	Title         string     `json:"title"`
	TotalXP       int64      `json:"total_xp"`
	// NewBadges lists every badge earned while processing, whether through
	// requirements, streak milestones or quest rewards.
	NewBadges       []catalog.BadgeDefinition `json:"new_badges"`
	CompletedQuests []CompletionResult        `json:"completed_quests"`
	StreakUpdates   []StreakUpdate            `json:"streak_updates"`
	Counters        map[string]int64          `json:"counter_changes"`
	// Steps lists the steps that committed.
	Steps       []Step    `json:"steps"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Processor is the single entry point for recording learner activity.
type Processor struct {
	store   learner.Store
	locker  learner.Locker
	catalog *catalog.Catalog
	clock   timeutil.Clock
	loc     *time.Location

	ledger  *Ledger
	streaks *StreakTracker
	badges  *BadgeEngine
	quests  *QuestEngine
}

// Process validates the activity, then runs XP, counters, streak, badges and
// quests in that order inside the learner's exclusive section.
//
// Validation failures return a nil result and change nothing. A failure in a
// later step returns the partial result together with a *StepError.
func (p *Processor) Process(ctx context.Context, id learner.ID, activityType string, data ActivityData) (*ActivityResult, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	rule, ok := p.catalog.Activity(activityType)
	if !ok {
		return nil, shared.InvalidInput("processor", "Process", "unknown activity type %q", activityType)
	}
	in, err := p.resolve(rule, data)
	if err != nil {
		return nil, err
	}

	unlock, err := p.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := p.clock.Now()
	res := &ActivityResult{
		LearnerID:    id,
		ActivityType: activityType,
		BonusXP:      rule.Bonus(in.signals),
		ProcessedAt:  now,
	}
	res.XPGained = rule.BaseXP + res.BonusXP

	xp, err := p.ledger.AddXP(ctx, id, res.XPGained, "activity:"+activityType)
	if err != nil {
		return res, &StepError{Step: StepXP, Err: err}
	}
	res.PreviousLevel = xp.PreviousLevel
	p.settle(res, xp.Record)
	res.Steps = append(res.Steps, StepXP)

	before, err := p.store.GetCounters(ctx, id)
	if err != nil {
		return res, &StepError{Step: StepCounters, Err: err}
	}
	after, err := p.store.ApplyCounters(ctx, id, p.delta(rule, in, now), now)
	if err != nil {
		return res, &StepError{Step: StepCounters, Err: err}
	}
	res.Counters = learner.Diff(before, after)
	res.Steps = append(res.Steps, StepCounters)

	streak, err := p.streaks.Touch(ctx, id)
	if err != nil {
		return p.finish(ctx, res), &StepError{Step: StepStreak, Err: err}
	}
	res.StreakUpdates = append(res.StreakUpdates, streak)
	res.NewBadges = append(res.NewBadges, streak.AwardedBadges...)
	res.Steps = append(res.Steps, StepStreak)

	// Counters are already applied, so badges are checked with an empty delta.
	badges, err := p.badges.CheckAndAward(ctx, id, nil)
	res.NewBadges = append(res.NewBadges, badges...)
	if err != nil {
		return p.finish(ctx, res), &StepError{Step: StepBadges, Err: err}
	}
	res.Steps = append(res.Steps, StepBadges)

	done, err := p.quests.UpdateProgress(ctx, id, res.Counters)
	for _, c := range done {
		res.CompletedQuests = append(res.CompletedQuests, c)
		if c.Badge != nil {
			res.NewBadges = append(res.NewBadges, *c.Badge)
		}
	}
	if err != nil {
		return p.finish(ctx, res), &StepError{Step: StepQuests, Err: err}
	}
	res.Steps = append(res.Steps, StepQuests)

	return p.finish(ctx, res), nil
}

// finish refreshes the level fields, since badge and quest rewards may have
// credited XP after the activity itself.
func (p *Processor) finish(ctx context.Context, res *ActivityResult) *ActivityResult {
	if rec, err := p.ledger.Record(ctx, res.LearnerID); err == nil {
		p.settle(res, rec)
	}
	return res
}

func (p *Processor) settle(res *ActivityResult, rec learner.LevelRecord) {
	res.Level = rec.Level
	res.Title = rec.Title
	res.TotalXP = rec.TotalXPEarned
	res.LevelUp = rec.Level > res.PreviousLevel
}

type resolved struct {
	signals map[string]float64
	tutor   string
	message string
}

// resolve extracts and validates the payload fields the rule consumes.
func (p *Processor) resolve(rule catalog.ActivityRule, data ActivityData) (resolved, error) {
	in := resolved{signals: make(map[string]float64)}

	if raw, ok := data[DataTutorType]; ok {
		s, isString := raw.(string)
		if !isString {
			return in, shared.InvalidInput("processor", "Process", "%s must be a string", DataTutorType)
		}
		in.tutor = s
	}
	if raw, ok := data[DataMessage]; ok {
		s, isString := raw.(string)
		if !isString {
			return in, shared.InvalidInput("processor", "Process", "%s must be a string", DataMessage)
		}
		in.message = s
	}
	if rule.Subject {
		in.tutor = p.catalog.TutorCategory(in.tutor)
	}

	for _, key := range p.signalKeys(rule) {
		raw, ok := lookupSignal(data, key)
		if !ok {
			continue
		}
		v, err := signalValue(key, raw)
		if err != nil {
			return in, err
		}
		in.signals[key] = v
	}
	return in, nil
}

func (p *Processor) signalKeys(rule catalog.ActivityRule) []string {
	var keys []string
	for _, b := range rule.Bonuses {
		keys = append(keys, b.Signal)
	}
	for _, s := range rule.SignalCounters {
		keys = append(keys, s.Signal)
	}
	for _, a := range p.catalog.Accumulators() {
		keys = append(keys, a.Signal)
	}
	return keys
}

// lookupSignal reads key from data, falling back to its aliases. The
// canonical key wins when both are sent.
func lookupSignal(data ActivityData, key string) (any, bool) {
	if raw, ok := data[key]; ok {
		return raw, true
	}
	for _, alias := range catalog.SignalAliases(key) {
		if raw, ok := data[alias]; ok {
			return raw, true
		}
	}
	return nil, false
}

func signalValue(key string, raw any) (float64, error) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int32:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, shared.InvalidInput("processor", "Process", "signal %s is not a number", key)
		}
		v = f
	default:
		return 0, shared.InvalidInput("processor", "Process", "signal %s is not a number", key)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, shared.InvalidInput("processor", "Process", "signal %s must be a non-negative number", key)
	}
	return v, nil
}

// delta derives the counter changes of one activity.
func (p *Processor) delta(rule catalog.ActivityRule, in resolved, now time.Time) learner.CounterDelta {
	d := learner.CounterDelta{Increments: map[string]int64{
		catalog.CounterTotalActivities: 1,
	}}
	if rule.Counter != "" {
		d.Increments[rule.Counter]++
	}
	if rule.Subject {
		d.Increments[catalog.SubjectCounter(in.tutor)]++
		d.Tutors = []string{in.tutor}
	}
	if rule.Topics {
		d.Topics = p.catalog.TopicsIn(in.message)
	}
	for _, sc := range rule.SignalCounters {
		if v, ok := in.signals[sc.Signal]; ok && v >= sc.Min {
			d.Increments[sc.Counter]++
		}
	}
	for _, acc := range p.catalog.Accumulators() {
		if n := int64(math.Floor(in.signals[acc.Signal])); n > 0 {
			d.Increments[acc.Counter] += n
		}
	}
	if c := p.catalog.TimeOfDayCounter(timeutil.HourIn(now, p.loc)); c != "" {
		d.Increments[c]++
	}
	return d
}
