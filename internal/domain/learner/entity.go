// Package learner contains the per-learner progress entities and the store
// contract that owns them. Every record is keyed by learner ID; nothing is
// shared across learners.
package learner

import (
	"sort"
	"strings"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ID is the opaque learner identifier all state is partitioned by.
type ID string

// Validate rejects empty or whitespace-only identifiers.
func (id ID) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return shared.ErrEmptyLearnerID
	}
	return nil
}

func (id ID) String() string { return string(id) }

// ══════════════════════════════════════════════════════════════════════════════
// COUNTERS
// ══════════════════════════════════════════════════════════════════════════════

// Counters holds the monotonically increasing stat counters of a learner plus
// the distinct-value sets some counters are derived from.
type Counters struct {
	LearnerID ID               `json:"learner_id"`
	Values    map[string]int64 `json:"values"`
	// Tutors is the sorted set of tutor categories used.
	Tutors []string `json:"tutors"`
	// Topics is the sorted set of topics explored.
	Topics    []string  `json:"topics"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCounters returns an empty counter set.
func NewCounters(id ID) Counters {
	return Counters{LearnerID: id, Values: map[string]int64{}}
}

// Get returns a counter value, resolving derived counters.
func (c Counters) Get(name string) int64 {
	switch name {
	case catalog.CounterTutorsUsed:
		return int64(len(c.Tutors))
	case catalog.CounterTopicsExplored:
		return int64(len(c.Topics))
	default:
		return c.Values[name]
	}
}

// Snapshot returns every counter, derived ones included, as a fresh map.
func (c Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(c.Values)+2)
	for k, v := range c.Values {
		out[k] = v
	}
	out[catalog.CounterTutorsUsed] = int64(len(c.Tutors))
	out[catalog.CounterTopicsExplored] = int64(len(c.Topics))
	return out
}

// Clone returns a deep copy.
func (c Counters) Clone() Counters {
	out := c
	out.Values = make(map[string]int64, len(c.Values))
	for k, v := range c.Values {
		out.Values[k] = v
	}
	out.Tutors = append([]string(nil), c.Tutors...)
	out.Topics = append([]string(nil), c.Topics...)
	return out
}

// Apply adds delta into c in place.
func (c *Counters) Apply(delta CounterDelta, at time.Time) {
	if c.Values == nil {
		c.Values = map[string]int64{}
	}
	for k, v := range delta.Increments {
		c.Values[k] += v
	}
	c.Tutors = mergeSet(c.Tutors, delta.Tutors)
	c.Topics = mergeSet(c.Topics, delta.Topics)
	c.UpdatedAt = at
}

// Diff returns after-before for every counter that grew, derived counters
// included.
func Diff(before, after Counters) map[string]int64 {
	prev := before.Snapshot()
	out := map[string]int64{}
	for k, v := range after.Snapshot() {
		if d := v - prev[k]; d > 0 {
			out[k] = d
		}
	}
	return out
}

// CounterDelta is one atomic counter update.
type CounterDelta struct {
	Increments map[string]int64
	Tutors     []string
	Topics     []string
}

// Empty reports whether the delta changes nothing.
func (d CounterDelta) Empty() bool {
	return len(d.Increments) == 0 && len(d.Tutors) == 0 && len(d.Topics) == 0
}

// Validate rejects negative increments; counters only grow.
func (d CounterDelta) Validate() error {
	for k, v := range d.Increments {
		if v < 0 {
			return shared.InvalidInput("counters", "Apply", "counter %q increment %d is negative", k, v)
		}
	}
	return nil
}

func mergeSet(set, add []string) []string {
	if len(add) == 0 {
		return set
	}
	seen := make(map[string]bool, len(set)+len(add))
	out := make([]string, 0, len(set)+len(add))
	for _, s := range set {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range add {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL
// ══════════════════════════════════════════════════════════════════════════════

// LevelRecord tracks a learner's position in the level table.
// Invariant: CurrentXP < XPToNextLevel after every committed update.
type LevelRecord struct {
	LearnerID     ID        `json:"learner_id"`
	Level         int       `json:"level"`
	CurrentXP     int64     `json:"current_xp"`
	XPToNextLevel int64     `json:"xp_to_next_level"`
	TotalXPEarned int64     `json:"total_xp_earned"`
	Title         string    `json:"title"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProgressPercent is how far the learner is into the current level.
func (r LevelRecord) ProgressPercent() float64 {
	return shared.Percent(r.CurrentXP, r.XPToNextLevel)
}

// XPEntry is one ledger credit, kept for windowed leaderboards.
type XPEntry struct {
	LearnerID ID        `json:"learner_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAKS
// ══════════════════════════════════════════════════════════════════════════════

// StreakRecord counts consecutive calendar days with activity.
type StreakRecord struct {
	LearnerID        ID            `json:"learner_id"`
	Type             string        `json:"streak_type"`
	CurrentCount     int           `json:"current_count"`
	MaxCount         int           `json:"max_count"`
	LastActivityDate timeutil.Date `json:"last_activity_date"`
	IsActive         bool          `json:"is_active"`
	Version          int64         `json:"version"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// ActiveOn reports whether the streak is still alive on today: the learner was
// active today or yesterday. A stored record keeps IsActive=true until the
// next touch rewrites it; readers should use this instead.
func (s StreakRecord) ActiveOn(today timeutil.Date) bool {
	if s.CurrentCount == 0 || s.LastActivityDate.IsZero() {
		return false
	}
	return s.LastActivityDate.DaysUntil(today) <= 1
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

// Achievement records that a learner holds a badge. At most one per
// (learner, badge).
type Achievement struct {
	LearnerID ID        `json:"learner_id"`
	BadgeID   string    `json:"badge_id"`
	EarnedAt  time.Time `json:"earned_at"`
	// Reason is what triggered the award, e.g. "requirements" or "quest:<id>".
	Reason string `json:"reason,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// QUESTS
// ══════════════════════════════════════════════════════════════════════════════

// QuestInstance is one attempt at a quest.
type QuestInstance struct {
	ID        string    `json:"id"`
	LearnerID ID        `json:"learner_id"`
	QuestID   string    `json:"quest_id"`
	StartedAt time.Time `json:"started_at"`
	// ExpiresAt is zero for quests without a time limit.
	ExpiresAt   time.Time        `json:"expires_at,omitempty"`
	Progress    map[string]int64 `json:"progress"`
	Completed   bool             `json:"completed"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Version     int64            `json:"version"`
}

// Expired reports whether the time limit has elapsed at now.
func (q QuestInstance) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}

// Active reports whether the instance still accepts progress at now.
func (q QuestInstance) Active(now time.Time) bool {
	return !q.Completed && !q.Expired(now)
}

// CompletionPercent averages min(progress/threshold, 1)*100 over the quest's
// requirement keys.
func (q QuestInstance) CompletionPercent(reqs catalog.Requirements) float64 {
	if len(reqs) == 0 {
		return 0
	}
	var sum float64
	for key, threshold := range reqs {
		sum += shared.Percent(q.Progress[key], threshold)
	}
	return sum / float64(len(reqs))
}

// Satisfies reports whether every requirement threshold is reached.
func (q QuestInstance) Satisfies(reqs catalog.Requirements) bool {
	for key, threshold := range reqs {
		if q.Progress[key] < threshold {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (q QuestInstance) Clone() QuestInstance {
	out := q
	out.Progress = make(map[string]int64, len(q.Progress))
	for k, v := range q.Progress {
		out.Progress[k] = v
	}
	if q.CompletedAt != nil {
		t := *q.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Summary is the cross-learner view used by leaderboards.
type Summary struct {
	LearnerID  ID     `json:"learner_id"`
	Level      int    `json:"level"`
	TotalXP    int64  `json:"total_xp"`
	Title      string `json:"title"`
	BadgeCount int    `json:"badge_count"`
}
