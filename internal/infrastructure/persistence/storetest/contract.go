// Package storetest holds the behavioral contract every learner.Store backend
// must satisfy. Backend test files call Run with a factory for a fresh store.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// Factory returns an empty store. Cleanup belongs in t.Cleanup.
type Factory func(t *testing.T) learner.Store

var base = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Counters", func(t *testing.T) { testCounters(t, newStore(t)) })
	t.Run("ConcurrentCounterIncrements", func(t *testing.T) { testConcurrentCounters(t, newStore(t)) })
	t.Run("LevelCompareAndSwap", func(t *testing.T) { testLevelCAS(t, newStore(t)) })
	t.Run("Streaks", func(t *testing.T) { testStreaks(t, newStore(t)) })
	t.Run("Achievements", func(t *testing.T) { testAchievements(t, newStore(t)) })
	t.Run("Quests", func(t *testing.T) { testQuests(t, newStore(t)) })
	t.Run("RewardClaims", func(t *testing.T) { testRewardClaims(t, newStore(t)) })
	t.Run("Snapshots", func(t *testing.T) { testSnapshots(t, newStore(t)) })
}

func testCounters(t *testing.T, s learner.Store) {
	ctx := context.Background()

	c, err := s.GetCounters(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, learner.ID("alice"), c.LearnerID)
	assert.Zero(t, c.Get("messages_sent"))

	_, err = s.ApplyCounters(ctx, "alice", learner.CounterDelta{
		Increments: map[string]int64{"messages_sent": 1},
		Tutors:     []string{"math"},
		Topics:     []string{"space"},
	}, base)
	require.NoError(t, err)

	c, err = s.ApplyCounters(ctx, "alice", learner.CounterDelta{
		Increments: map[string]int64{"messages_sent": 2, "books_read": 1},
		Tutors:     []string{"math", "science"},
	}, base.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, int64(3), c.Get("messages_sent"))
	assert.Equal(t, int64(1), c.Get("books_read"))
	assert.Equal(t, []string{"math", "science"}, c.Tutors)
	assert.Equal(t, []string{"space"}, c.Topics)

	again, err := s.GetCounters(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, c.Snapshot(), again.Snapshot())

	// returned values are detached from the store
	again.Values["messages_sent"] = 999
	fresh, err := s.GetCounters(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), fresh.Get("messages_sent"))

	_, err = s.ApplyCounters(ctx, "alice", learner.CounterDelta{
		Increments: map[string]int64{"messages_sent": -1},
	}, base)
	assert.True(t, shared.IsInvalidInput(err))
}

func testConcurrentCounters(t *testing.T, s learner.Store) {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyCounters(ctx, "bob", learner.CounterDelta{
				Increments: map[string]int64{"messages_sent": 1},
			}, base)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := s.GetCounters(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(n), c.Get("messages_sent"))
}

func testLevelCAS(t *testing.T, s learner.Store) {
	ctx := context.Background()

	initial := learner.LevelRecord{LearnerID: "carol", Level: 1, XPToNextLevel: 100, Title: "Curious Beginner", UpdatedAt: base}
	rec, err := s.GetOrCreateLevel(ctx, initial)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Level)

	// a second create returns the stored record untouched
	other := initial
	other.Level = 7
	again, err := s.GetOrCreateLevel(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, rec, again)

	next := rec
	next.CurrentXP, next.TotalXPEarned = 40, 40
	stored, err := s.CompareAndSwapLevel(ctx, rec, next, learner.XPEntry{LearnerID: "carol", Amount: 40, Reason: "test", At: base})
	require.NoError(t, err)
	assert.Equal(t, int64(40), stored.CurrentXP)
	assert.Greater(t, stored.Version, rec.Version)

	// stale version
	_, err = s.CompareAndSwapLevel(ctx, rec, next, learner.XPEntry{LearnerID: "carol", Amount: 40, At: base})
	assert.True(t, shared.IsConflict(err))

	since, err := s.XPSince(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(40), since["carol"], "the failed swap must not append history")
}

func testStreaks(t *testing.T, s learner.Store) {
	ctx := context.Background()
	day := timeutil.DateOf(base, time.UTC)

	_, ok, err := s.GetStreak(ctx, "dave", "daily_learning")
	require.NoError(t, err)
	assert.False(t, ok)

	first := learner.StreakRecord{
		LearnerID: "dave", Type: "daily_learning",
		CurrentCount: 1, MaxCount: 1, LastActivityDate: day, IsActive: true, UpdatedAt: base,
	}
	created, err := s.CompareAndSwapStreak(ctx, nil, first)
	require.NoError(t, err)

	// create-if-absent loses when the record exists
	_, err = s.CompareAndSwapStreak(ctx, nil, first)
	assert.True(t, shared.IsConflict(err))

	next := created
	next.CurrentCount, next.MaxCount, next.LastActivityDate = 2, 2, day.AddDays(1)
	updated, err := s.CompareAndSwapStreak(ctx, &created, next)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentCount)

	_, err = s.CompareAndSwapStreak(ctx, &created, next)
	assert.True(t, shared.IsConflict(err))

	got, ok, err := s.GetStreak(ctx, "dave", "daily_learning")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day.AddDays(1), got.LastActivityDate)

	list, err := s.ListStreaks(ctx, "dave")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testAchievements(t *testing.T, s learner.Store) {
	ctx := context.Background()
	const n = 10

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inserts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AddAchievement(ctx, learner.Achievement{LearnerID: "erin", BadgeID: "first_interaction", EarnedAt: base})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserts)

	ok, err := s.AddAchievement(ctx, learner.Achievement{LearnerID: "erin", BadgeID: "bookworm", EarnedAt: base.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := s.ListAchievements(ctx, "erin")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first_interaction", list[0].BadgeID)
}

func testQuests(t *testing.T, s learner.Store) {
	ctx := context.Background()

	q := learner.QuestInstance{
		ID:        uuid.NewString(),
		LearnerID: "frank",
		QuestID:   "daily_explorer",
		StartedAt: base,
		ExpiresAt: base.Add(24 * time.Hour),
		Progress:  map[string]int64{},
	}
	ok, err := s.StartQuest(ctx, q)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := q
	dup.ID = uuid.NewString()
	ok, err = s.StartQuest(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok, "an active instance blocks a second start")

	list, err := s.ListQuests(ctx, "frank")
	require.NoError(t, err)
	require.Len(t, list, 1)
	stored := list[0]

	next := stored.Clone()
	next.Progress["messages_sent"] = 5
	next.Completed = true
	done := base.Add(time.Hour)
	next.CompletedAt = &done
	updated, err := s.CompareAndSwapQuest(ctx, stored, next)
	require.NoError(t, err)
	assert.True(t, updated.Completed)
	assert.Equal(t, int64(5), updated.Progress["messages_sent"])

	_, err = s.CompareAndSwapQuest(ctx, stored, next)
	assert.True(t, shared.IsConflict(err))

	// once completed the quest may start again
	again := q
	again.ID = uuid.NewString()
	again.StartedAt = base.Add(2 * time.Hour)
	again.ExpiresAt = again.StartedAt.Add(24 * time.Hour)
	ok, err = s.StartQuest(ctx, again)
	require.NoError(t, err)
	assert.True(t, ok)

	list, err = s.ListQuests(ctx, "frank")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, q.ID, list[0].ID)
	assert.True(t, list[0].Completed)
	require.NotNil(t, list[0].CompletedAt)
	assert.True(t, done.Equal(*list[0].CompletedAt))
}

func testSnapshots(t *testing.T, s learner.Store) {
	ctx := context.Background()

	for i, id := range []learner.ID{"gina", "hank"} {
		rec, err := s.GetOrCreateLevel(ctx, learner.LevelRecord{LearnerID: id, Level: 1, XPToNextLevel: 100, Title: "Curious Beginner", UpdatedAt: base})
		require.NoError(t, err)

		amount := int64(10 * (i + 1))
		next := rec
		next.CurrentXP, next.TotalXPEarned = amount, amount
		_, err = s.CompareAndSwapLevel(ctx, rec, next, learner.XPEntry{LearnerID: id, Amount: amount, Reason: "seed", At: base.Add(-48 * time.Hour)})
		require.NoError(t, err)
	}
	_, err := s.AddAchievement(ctx, learner.Achievement{LearnerID: "hank", BadgeID: "bookworm", EarnedAt: base})
	require.NoError(t, err)

	sums, err := s.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	byID := map[learner.ID]learner.Summary{}
	for _, sm := range sums {
		byID[sm.LearnerID] = sm
	}
	assert.Equal(t, int64(10), byID["gina"].TotalXP)
	assert.Equal(t, int64(20), byID["hank"].TotalXP)
	assert.Equal(t, 1, byID["hank"].BadgeCount)

	recent, err := s.XPSince(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, recent)

	all, err := s.XPSince(ctx, base.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[learner.ID]int64{"gina": 10, "hank": 20}, all)
}

func testRewardClaims(t *testing.T, s learner.Store) {
	ctx := context.Background()

	rec, err := s.GetOrCreateLevel(ctx, learner.LevelRecord{LearnerID: "gina", Level: 1, XPToNextLevel: 100, UpdatedAt: base})
	require.NoError(t, err)

	credit := func(prev learner.LevelRecord, amount int64) learner.LevelRecord {
		next := prev
		next.CurrentXP += amount
		next.TotalXPEarned += amount
		return next
	}

	badge := learner.Achievement{LearnerID: "gina", BadgeID: "first_interaction", EarnedAt: base}
	claim := learner.RewardClaim{
		Prev:        rec,
		Next:        credit(rec, 10),
		Entries:     []learner.XPEntry{{LearnerID: "gina", Amount: 10, Reason: "badge:First Interaction", At: base}},
		Achievement: &badge,
	}
	res, err := s.ClaimReward(ctx, claim)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Level.TotalXPEarned)
	assert.Greater(t, res.Level.Version, rec.Version)

	// a held badge rejects the whole claim, XP included
	again := claim
	again.Prev, again.Next = res.Level, credit(res.Level, 10)
	_, err = s.ClaimReward(ctx, again)
	assert.True(t, shared.IsConflict(err))

	// so does a stale level version
	other := learner.Achievement{LearnerID: "gina", BadgeID: "bookworm", EarnedAt: base}
	stale := learner.RewardClaim{
		Prev:        rec,
		Next:        credit(rec, 150),
		Entries:     []learner.XPEntry{{LearnerID: "gina", Amount: 150, Reason: "badge:Bookworm", At: base}},
		Achievement: &other,
	}
	_, err = s.ClaimReward(ctx, stale)
	assert.True(t, shared.IsConflict(err))

	held, err := s.ListAchievements(ctx, "gina")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "first_interaction", held[0].BadgeID)
	since, err := s.XPSince(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(10), since["gina"], "rejected claims must not append history")

	// a quest completion and its XP land together
	q := learner.QuestInstance{
		ID: uuid.NewString(), LearnerID: "gina", QuestID: "daily_explorer",
		StartedAt: base, ExpiresAt: base.Add(24 * time.Hour), Progress: map[string]int64{"messages_sent": 4},
	}
	ok, err := s.StartQuest(ctx, q)
	require.NoError(t, err)
	require.True(t, ok)
	list, err := s.ListQuests(ctx, "gina")
	require.NoError(t, err)
	require.Len(t, list, 1)

	done := list[0].Clone()
	done.Progress["messages_sent"] = 5
	done.Completed = true
	at := base.Add(time.Hour)
	done.CompletedAt = &at
	questClaim := learner.RewardClaim{
		Prev:    res.Level,
		Next:    credit(res.Level, 50),
		Entries: []learner.XPEntry{{LearnerID: "gina", Amount: 50, Reason: "quest:Daily Explorer", At: at}},
		Quest:   &learner.QuestSwap{Prev: list[0], Next: done},
	}
	out, err := s.ClaimReward(ctx, questClaim)
	require.NoError(t, err)
	assert.True(t, out.Quest.Completed)
	assert.Greater(t, out.Quest.Version, list[0].Version)
	assert.Equal(t, int64(60), out.Level.TotalXPEarned)

	// replaying the completion loses on the quest version and credits nothing
	replay := questClaim
	replay.Prev, replay.Next = out.Level, credit(out.Level, 50)
	_, err = s.ClaimReward(ctx, replay)
	assert.True(t, shared.IsConflict(err))

	since, err = s.XPSince(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(60), since["gina"])
}
