package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
)

func TestOrderTop_TiesAtCutoff(t *testing.T) {
	// ZREVRANGE returns equal scores in descending member order.
	head := []redis.Z{
		{Score: 300, Member: "zed"},
		{Score: 200, Member: "dan"},
		{Score: 200, Member: "bob"},
	}
	tied := []string{"amy", "bob", "cat", "dan"}

	assert.Equal(t, []string{"zed", "amy", "bob"}, orderTop(head, tied, 3))
}

func TestOrderTop_TiesAboveCutoff(t *testing.T) {
	head := []redis.Z{
		{Score: 500, Member: "y"},
		{Score: 500, Member: "x"},
		{Score: 100, Member: "m"},
	}
	assert.Equal(t, []string{"x", "y", "m"}, orderTop(head, []string{"m"}, 3))
	assert.Empty(t, orderTop(nil, nil, 3))
}

func testCache(t *testing.T) *Cache {
	t.Helper()
	url := os.Getenv("PROGRESS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PROGRESS_TEST_REDIS_URL not set")
	}
	c, err := Connect(context.Background(), url, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, c.Client().FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLeaderboardCache_RoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()
	lb := NewLeaderboardCache(c)

	_, err := lb.Top(ctx, 10)
	assert.ErrorIs(t, err, ErrCacheMiss)

	ok, err := lb.Upsert(ctx, learner.Summary{LearnerID: "early", TotalXP: 1})
	require.NoError(t, err)
	assert.False(t, ok, "updates before the first build are dropped")

	require.NoError(t, lb.Rebuild(ctx, []learner.Summary{
		{LearnerID: "carol", TotalXP: 100, Level: 1},
		{LearnerID: "alice", TotalXP: 100, Level: 1},
		{LearnerID: "bob", TotalXP: 250, Level: 3},
	}, time.Now()))

	ok, err = lb.Upsert(ctx, learner.Summary{LearnerID: "dave", TotalXP: 100, Level: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	top, err := lb.Top(ctx, 3)
	require.NoError(t, err)
	ids := make([]learner.ID, len(top))
	for i, s := range top {
		ids[i] = s.LearnerID
	}
	assert.Equal(t, []learner.ID{"bob", "alice", "carol"}, ids)

	rank, err := lb.Rank(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rank)

	require.NoError(t, lb.Invalidate(ctx))
	_, err = lb.Meta(ctx)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestLocker_MutualExclusion(t *testing.T) {
	c := testCache(t)
	l := NewLocker(c, time.Second)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "alice")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
