package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD CACHE
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardCache serves the all-time leaderboard from Redis.
//
// Layout:
//   - Sorted set "{leaderboard}:xp" maps learnerID -> total XP
//   - Hash "{leaderboard}:info" maps learnerID -> Summary JSON
//   - String "{leaderboard}:meta" marks a complete build
//
// Entries are only updated while the meta key exists, so a partially
// populated set is never served after Redis loses its data.
type LeaderboardCache struct {
	cache *Cache
}

const (
	keyLeaderboardXP   = PrefixLeaderboard + "xp"
	keyLeaderboardInfo = PrefixLeaderboard + "info"
	keyLeaderboardMeta = PrefixLeaderboard + "meta"
)

// LeaderboardMeta describes the last full rebuild.
type LeaderboardMeta struct {
	RebuiltAt time.Time `json:"rebuilt_at"`
	Learners  int       `json:"learners"`
}

var upsertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// NewLeaderboardCache creates a LeaderboardCache on cache.
func NewLeaderboardCache(cache *Cache) *LeaderboardCache {
	return &LeaderboardCache{cache: cache}
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITE OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Upsert updates one learner. It reports false, without error, when the cache
// has not been built yet.
func (l *LeaderboardCache) Upsert(ctx context.Context, sm learner.Summary) (bool, error) {
	data, err := json.Marshal(sm)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	n, err := upsertScript.Run(ctx, l.cache.Client(),
		[]string{keyLeaderboardXP, keyLeaderboardInfo, keyLeaderboardMeta},
		sm.TotalXP, string(sm.LearnerID), data,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Rebuild replaces the cached leaderboard with summaries atomically.
func (l *LeaderboardCache) Rebuild(ctx context.Context, summaries []learner.Summary, at time.Time) error {
	pipe := l.cache.Client().TxPipeline()
	pipe.Del(ctx, keyLeaderboardXP, keyLeaderboardInfo)

	if len(summaries) > 0 {
		members := make([]redis.Z, 0, len(summaries))
		info := make(map[string]any, len(summaries))
		for _, sm := range summaries {
			data, err := json.Marshal(sm)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
			}
			members = append(members, redis.Z{Score: float64(sm.TotalXP), Member: string(sm.LearnerID)})
			info[string(sm.LearnerID)] = data
		}
		pipe.ZAdd(ctx, keyLeaderboardXP, members...)
		pipe.HSet(ctx, keyLeaderboardInfo, info)
	}

	meta, err := json.Marshal(LeaderboardMeta{RebuiltAt: at.UTC(), Learners: len(summaries)})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	pipe.Set(ctx, keyLeaderboardMeta, meta, 0)

	_, err = pipe.Exec(ctx)
	return err
}

// Invalidate drops the cached leaderboard.
func (l *LeaderboardCache) Invalidate(ctx context.Context) error {
	return l.cache.Client().Del(ctx, keyLeaderboardXP, keyLeaderboardInfo, keyLeaderboardMeta).Err()
}

// ══════════════════════════════════════════════════════════════════════════════
// READ OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Meta returns the last rebuild metadata or ErrCacheMiss.
func (l *LeaderboardCache) Meta(ctx context.Context) (LeaderboardMeta, error) {
	var meta LeaderboardMeta
	data, err := l.cache.Client().Get(ctx, keyLeaderboardMeta).Bytes()
	if errors.Is(err, redis.Nil) {
		return meta, ErrCacheMiss
	}
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	return meta, nil
}

// Top returns the best limit learners ordered by XP descending, then learner
// ID ascending. Redis orders equal scores by member descending in a reverse
// range, so the members tied at the cut-off score are re-read in ascending
// order before truncating.
func (l *LeaderboardCache) Top(ctx context.Context, limit int) ([]learner.Summary, error) {
	if _, err := l.Meta(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []learner.Summary{}, nil
	}

	client := l.cache.Client()
	head, err := client.ZRevRangeWithScores(ctx, keyLeaderboardXP, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(head) == 0 {
		return []learner.Summary{}, nil
	}

	cut := head[len(head)-1].Score
	cutStr := strconv.FormatFloat(cut, 'f', -1, 64)
	tied, err := client.ZRangeByScore(ctx, keyLeaderboardXP, &redis.ZRangeBy{Min: cutStr, Max: cutStr}).Result()
	if err != nil {
		return nil, err
	}

	ids := orderTop(head, tied, limit)
	if len(ids) == 0 {
		return []learner.Summary{}, nil
	}

	raw, err := client.HMGet(ctx, keyLeaderboardInfo, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]learner.Summary, 0, len(ids))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: missing info for %s", ErrCacheMiss, ids[i])
		}
		var sm learner.Summary
		if err := json.Unmarshal([]byte(s), &sm); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
		}
		out = append(out, sm)
	}
	return out, nil
}

// orderTop merges the reverse-range head with the full set of members tied
// at the head's lowest score. tied must be in ascending member order.
func orderTop(head []redis.Z, tied []string, limit int) []string {
	if len(head) == 0 {
		return nil
	}
	cut := head[len(head)-1].Score

	type scored struct {
		id    string
		score float64
	}
	above := make([]scored, 0, len(head))
	for _, z := range head {
		if z.Score > cut {
			id, _ := z.Member.(string)
			above = append(above, scored{id: id, score: z.Score})
		}
	}
	sort.SliceStable(above, func(i, j int) bool {
		if above[i].score != above[j].score {
			return above[i].score > above[j].score
		}
		return above[i].id < above[j].id
	})

	ids := make([]string, 0, limit)
	for _, s := range above {
		ids = append(ids, s.id)
	}
	for _, id := range tied {
		if len(ids) == limit {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// Rank returns the learner's 1-based position, or ErrCacheMiss.
func (l *LeaderboardCache) Rank(ctx context.Context, id learner.ID) (int64, error) {
	client := l.cache.Client()
	score, err := client.ZScore(ctx, keyLeaderboardXP, string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrCacheMiss
	}
	if err != nil {
		return 0, err
	}

	scoreStr := strconv.FormatFloat(score, 'f', -1, 64)
	higher, err := client.ZCount(ctx, keyLeaderboardXP, "("+scoreStr, "+inf").Result()
	if err != nil {
		return 0, err
	}
	tied, err := client.ZRangeByScore(ctx, keyLeaderboardXP, &redis.ZRangeBy{Min: scoreStr, Max: scoreStr}).Result()
	if err != nil {
		return 0, err
	}
	pos := sort.SearchStrings(tied, string(id))
	return higher + int64(pos) + 1, nil
}
