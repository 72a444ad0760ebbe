package learner

import (
	"context"
	"time"
)

// CounterStore owns StatCounters.
type CounterStore interface {
	// GetCounters returns the learner's counters, creating an empty set on
	// first reference.
	GetCounters(ctx context.Context, id ID) (Counters, error)

	// ApplyCounters atomically adds delta and returns the counters after the
	// update.
	ApplyCounters(ctx context.Context, id ID, delta CounterDelta, at time.Time) (Counters, error)
}

// LevelStore owns LevelRecords and the XP history.
type LevelStore interface {
	// GetOrCreateLevel returns the stored record or persists initial. Concurrent
	// first-time callers observe the same record.
	GetOrCreateLevel(ctx context.Context, initial LevelRecord) (LevelRecord, error)

	// CompareAndSwapLevel stores next if the stored version equals
	// prev.Version, appending entry to the XP history in the same operation.
	// The returned record carries the new version. A version mismatch returns
	// shared.ErrConcurrentModification.
	CompareAndSwapLevel(ctx context.Context, prev, next LevelRecord, entry XPEntry) (LevelRecord, error)
}

// RewardStore records rewards together with the XP they pay.
type RewardStore interface {
	LevelStore

	// ClaimReward applies c as one unit: the achievement insert, the quest
	// swap, the level swap and the XP history entries are all stored or none
	// is. A held achievement, a stale quest version or a stale level version
	// returns shared.ErrConcurrentModification.
	ClaimReward(ctx context.Context, c RewardClaim) (ClaimResult, error)
}

// RewardClaim is a badge award or quest completion and the XP it pays.
type RewardClaim struct {
	// Prev and Next are the level record before and after the credit. The
	// level is swapped only when the entries carry XP.
	Prev, Next LevelRecord
	Entries    []XPEntry
	// Achievement, when set, must not be held yet.
	Achievement *Achievement
	// Quest, when set, is swapped from Quest.Prev to Quest.Next.
	Quest *QuestSwap
}

// XP is the sum of the claim's entries.
func (c RewardClaim) XP() int64 {
	var total int64
	for _, e := range c.Entries {
		total += e.Amount
	}
	return total
}

// QuestSwap is a versioned quest instance update.
type QuestSwap struct {
	Prev, Next QuestInstance
}

// ClaimResult holds the records stored by ClaimReward.
type ClaimResult struct {
	Level LevelRecord
	// Quest is zero unless the claim carried a quest swap.
	Quest QuestInstance
}

// StreakStore owns StreakRecords.
type StreakStore interface {
	// GetStreak returns the record and whether it exists.
	GetStreak(ctx context.Context, id ID, streakType string) (StreakRecord, bool, error)

	ListStreaks(ctx context.Context, id ID) ([]StreakRecord, error)

	// CompareAndSwapStreak stores next. A nil prev means create-if-absent;
	// otherwise the stored version must equal prev.Version.
	CompareAndSwapStreak(ctx context.Context, prev *StreakRecord, next StreakRecord) (StreakRecord, error)
}

// AchievementStore owns Achievements.
type AchievementStore interface {
	ListAchievements(ctx context.Context, id ID) ([]Achievement, error)

	// AddAchievement inserts a unless the learner already holds the badge.
	// The existence check and the insert are one atomic step.
	AddAchievement(ctx context.Context, a Achievement) (bool, error)
}

// QuestStore owns QuestInstances.
type QuestStore interface {
	// ListQuests returns every instance of the learner, expired and completed
	// ones included, ordered by start time.
	ListQuests(ctx context.Context, id ID) ([]QuestInstance, error)

	// StartQuest inserts q unless an instance of the same quest is active at
	// q.StartedAt. The check and the insert are one atomic step.
	StartQuest(ctx context.Context, q QuestInstance) (bool, error)

	// CompareAndSwapQuest stores next if the stored version equals prev.Version.
	CompareAndSwapQuest(ctx context.Context, prev, next QuestInstance) (QuestInstance, error)
}

// Snapshotter serves cross-learner reads from a copy of the data. It never
// takes a learner's exclusive section.
type Snapshotter interface {
	Summaries(ctx context.Context) ([]Summary, error)

	// XPSince sums XP history entries at or after since, per learner.
	XPSince(ctx context.Context, since time.Time) (map[ID]int64, error)
}

// Store is the full progress store contract.
type Store interface {
	CounterStore
	RewardStore
	StreakStore
	AchievementStore
	QuestStore
	Snapshotter
}

// Locker provides the per-learner exclusive section. Different learners
// never contend.
type Locker interface {
	// Lock blocks until the learner's section is acquired or ctx is done.
	Lock(ctx context.Context, id ID) (unlock func(), err error)
}
