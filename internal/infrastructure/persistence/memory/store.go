// Package memory implements the progress store in process memory. It backs the
// test suites and single-node deployments that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

type streakKey struct {
	learner learner.ID
	typ     string
}

// Store is a learner.Store over maps guarded by one RWMutex. Records are
// copied on the way in and out, so callers never share state with the store.
type Store struct {
	mu           sync.RWMutex
	counters     map[learner.ID]learner.Counters
	levels       map[learner.ID]learner.LevelRecord
	streaks      map[streakKey]learner.StreakRecord
	achievements map[learner.ID][]learner.Achievement
	quests       map[learner.ID][]learner.QuestInstance
	history      []learner.XPEntry
}

var _ learner.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		counters:     make(map[learner.ID]learner.Counters),
		levels:       make(map[learner.ID]learner.LevelRecord),
		streaks:      make(map[streakKey]learner.StreakRecord),
		achievements: make(map[learner.ID][]learner.Achievement),
		quests:       make(map[learner.ID][]learner.QuestInstance),
	}
}

func conflict(op string) error {
	return shared.NewDomainError("store", op, shared.ErrConcurrentModification, "version mismatch")
}

// ─────────────────────────────────────────────────────────────────────────────
// Counters
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) GetCounters(_ context.Context, id learner.ID) (learner.Counters, error) {
	s.mu.RLock()
	c, ok := s.counters[id]
	s.mu.RUnlock()
	if ok {
		return c.Clone(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[id]; ok {
		return c.Clone(), nil
	}
	c = learner.NewCounters(id)
	s.counters[id] = c
	return c.Clone(), nil
}

func (s *Store) ApplyCounters(_ context.Context, id learner.ID, delta learner.CounterDelta, at time.Time) (learner.Counters, error) {
	if err := delta.Validate(); err != nil {
		return learner.Counters{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[id]
	if !ok {
		c = learner.NewCounters(id)
	} else {
		c = c.Clone()
	}
	c.Apply(delta, at)
	s.counters[id] = c
	return c.Clone(), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Levels
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) GetOrCreateLevel(_ context.Context, initial learner.LevelRecord) (learner.LevelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.levels[initial.LearnerID]; ok {
		return rec, nil
	}
	initial.Version = 1
	s.levels[initial.LearnerID] = initial
	return initial, nil
}

func (s *Store) CompareAndSwapLevel(_ context.Context, prev, next learner.LevelRecord, entry learner.XPEntry) (learner.LevelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.levels[prev.LearnerID]
	if !ok || cur.Version != prev.Version {
		return learner.LevelRecord{}, conflict("CompareAndSwapLevel")
	}
	next.LearnerID = prev.LearnerID
	next.Version = cur.Version + 1
	s.levels[next.LearnerID] = next
	if entry.Amount > 0 {
		s.history = append(s.history, entry)
	}
	return next, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Streaks
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) GetStreak(_ context.Context, id learner.ID, streakType string) (learner.StreakRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.streaks[streakKey{id, streakType}]
	return rec, ok, nil
}

func (s *Store) ListStreaks(_ context.Context, id learner.ID) ([]learner.StreakRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []learner.StreakRecord
	for k, rec := range s.streaks {
		if k.learner == id {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *Store) CompareAndSwapStreak(_ context.Context, prev *learner.StreakRecord, next learner.StreakRecord) (learner.StreakRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streakKey{next.LearnerID, next.Type}
	cur, exists := s.streaks[key]
	switch {
	case prev == nil && exists:
		return learner.StreakRecord{}, conflict("CompareAndSwapStreak")
	case prev != nil && (!exists || cur.Version != prev.Version):
		return learner.StreakRecord{}, conflict("CompareAndSwapStreak")
	}
	next.Version = cur.Version + 1
	s.streaks[key] = next
	return next, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Achievements
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) ListAchievements(_ context.Context, id learner.ID) ([]learner.Achievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]learner.Achievement(nil), s.achievements[id]...), nil
}

func (s *Store) AddAchievement(_ context.Context, a learner.Achievement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, held := range s.achievements[a.LearnerID] {
		if held.BadgeID == a.BadgeID {
			return false, nil
		}
	}
	s.achievements[a.LearnerID] = append(s.achievements[a.LearnerID], a)
	return true, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Quests
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) ListQuests(_ context.Context, id learner.ID) ([]learner.QuestInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.quests[id]
	out := make([]learner.QuestInstance, len(src))
	for i, q := range src {
		out[i] = q.Clone()
	}
	return out, nil
}

func (s *Store) StartQuest(_ context.Context, q learner.QuestInstance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.quests[q.LearnerID] {
		if existing.QuestID == q.QuestID && existing.Active(q.StartedAt) {
			return false, nil
		}
	}
	q = q.Clone()
	q.Version = 1
	s.quests[q.LearnerID] = append(s.quests[q.LearnerID], q)
	return true, nil
}

func (s *Store) CompareAndSwapQuest(_ context.Context, prev, next learner.QuestInstance) (learner.QuestInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.quests[prev.LearnerID]
	for i, cur := range list {
		if cur.ID != prev.ID {
			continue
		}
		if cur.Version != prev.Version {
			return learner.QuestInstance{}, conflict("CompareAndSwapQuest")
		}
		next = next.Clone()
		next.ID, next.LearnerID = cur.ID, cur.LearnerID
		next.Version = cur.Version + 1
		list[i] = next
		return next.Clone(), nil
	}
	return learner.QuestInstance{}, shared.NotFound("store", "CompareAndSwapQuest", "quest instance %q not found", prev.ID)
}

// ─────────────────────────────────────────────────────────────────────────────
// Rewards
// ─────────────────────────────────────────────────────────────────────────────

// ClaimReward checks every precondition before it mutates anything, so a
// failed claim leaves the store as it was.
func (s *Store) ClaimReward(_ context.Context, c learner.RewardClaim) (learner.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.Prev.LearnerID
	level, ok := s.levels[id]
	if !ok || level.Version != c.Prev.Version {
		return learner.ClaimResult{}, conflict("ClaimReward")
	}
	if a := c.Achievement; a != nil {
		for _, held := range s.achievements[a.LearnerID] {
			if held.BadgeID == a.BadgeID {
				return learner.ClaimResult{}, conflict("ClaimReward")
			}
		}
	}
	questAt := -1
	if q := c.Quest; q != nil {
		for i, cur := range s.quests[q.Prev.LearnerID] {
			if cur.ID != q.Prev.ID {
				continue
			}
			if cur.Version != q.Prev.Version {
				return learner.ClaimResult{}, conflict("ClaimReward")
			}
			questAt = i
		}
		if questAt < 0 {
			return learner.ClaimResult{}, shared.NotFound("store", "ClaimReward", "quest instance %q not found", q.Prev.ID)
		}
	}

	var res learner.ClaimResult
	if a := c.Achievement; a != nil {
		s.achievements[a.LearnerID] = append(s.achievements[a.LearnerID], *a)
	}
	if q := c.Quest; q != nil {
		list := s.quests[q.Prev.LearnerID]
		next := q.Next.Clone()
		next.ID, next.LearnerID = list[questAt].ID, list[questAt].LearnerID
		next.Version = list[questAt].Version + 1
		list[questAt] = next
		res.Quest = next.Clone()
	}
	if c.XP() > 0 {
		next := c.Next
		next.LearnerID = id
		next.Version = level.Version + 1
		s.levels[id] = next
		level = next
		for _, e := range c.Entries {
			if e.Amount > 0 {
				s.history = append(s.history, e)
			}
		}
	}
	res.Level = level
	return res, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshots
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) Summaries(_ context.Context) ([]learner.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]learner.Summary, 0, len(s.levels))
	for id, rec := range s.levels {
		out = append(out, learner.Summary{
			LearnerID:  id,
			Level:      rec.Level,
			TotalXP:    rec.TotalXPEarned,
			Title:      rec.Title,
			BadgeCount: len(s.achievements[id]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LearnerID < out[j].LearnerID })
	return out, nil
}

func (s *Store) XPSince(_ context.Context, since time.Time) (map[learner.ID]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[learner.ID]int64)
	for _, e := range s.history {
		if !e.At.Before(since) {
			out[e.LearnerID] += e.Amount
		}
	}
	return out, nil
}
