package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE
// ══════════════════════════════════════════════════════════════════════════════

// Store implements learner.Store for PostgreSQL. Compare-and-swap updates are
// conditional UPDATEs on the version column.
type Store struct {
	conn *Connection
}

var _ learner.Store = (*Store)(nil)

// NewStore creates a Store over conn. Run the Migrator first.
func NewStore(conn *Connection) *Store {
	return &Store{conn: conn}
}

func conflict(op string) error {
	return shared.NewDomainError("store", op, shared.ErrConcurrentModification, "version mismatch")
}

// ─────────────────────────────────────────────────────────────────────────────
// Counters
// ─────────────────────────────────────────────────────────────────────────────

// GetCounters returns the learner's counters, registering the learner on
// first reference.
func (s *Store) GetCounters(ctx context.Context, id learner.ID) (learner.Counters, error) {
	q, err := s.conn.q()
	if err != nil {
		return learner.Counters{}, err
	}
	if _, err := q.Exec(ctx, `INSERT INTO learners (learner_id) VALUES ($1) ON CONFLICT DO NOTHING`, string(id)); err != nil {
		return learner.Counters{}, fmt.Errorf("failed to register learner: %w", err)
	}
	return loadCounters(ctx, q, id)
}

// ApplyCounters adds delta with upserts inside one transaction.
func (s *Store) ApplyCounters(ctx context.Context, id learner.ID, delta learner.CounterDelta, at time.Time) (learner.Counters, error) {
	if err := delta.Validate(); err != nil {
		return learner.Counters{}, err
	}

	var out learner.Counters
	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO learners (learner_id, counters_updated_at) VALUES ($1, $2)
			ON CONFLICT (learner_id) DO UPDATE
			SET counters_updated_at = GREATEST(learners.counters_updated_at, EXCLUDED.counters_updated_at)
		`, string(id), at)
		if err != nil {
			return fmt.Errorf("failed to touch learner: %w", err)
		}

		for name, inc := range delta.Increments {
			_, err := tx.Exec(ctx, `
				INSERT INTO counters (learner_id, name, value) VALUES ($1, $2, $3)
				ON CONFLICT (learner_id, name) DO UPDATE SET value = counters.value + EXCLUDED.value
			`, string(id), name, inc)
			if err != nil {
				return fmt.Errorf("failed to increment counter %s: %w", name, err)
			}
		}

		if err := insertMembers(ctx, tx, id, "tutor", delta.Tutors); err != nil {
			return err
		}
		if err := insertMembers(ctx, tx, id, "topic", delta.Topics); err != nil {
			return err
		}

		out, err = loadCounters(ctx, tx, id)
		return err
	})
	return out, err
}

func insertMembers(ctx context.Context, tx pgx.Tx, id learner.ID, kind string, members []string) error {
	for _, m := range members {
		if m == "" {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO counter_sets (learner_id, kind, member) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, string(id), kind, m)
		if err != nil {
			return fmt.Errorf("failed to record %s %s: %w", kind, m, err)
		}
	}
	return nil
}

func loadCounters(ctx context.Context, q Querier, id learner.ID) (learner.Counters, error) {
	c := learner.NewCounters(id)

	err := q.QueryRow(ctx, `SELECT counters_updated_at FROM learners WHERE learner_id = $1`, string(id)).Scan(&c.UpdatedAt)
	if err != nil && !IsNoRows(err) {
		return c, fmt.Errorf("failed to load learner: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT name, value FROM counters WHERE learner_id = $1`, string(id))
	if err != nil {
		return c, fmt.Errorf("failed to load counters: %w", err)
	}
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			rows.Close()
			return c, fmt.Errorf("failed to scan counter: %w", err)
		}
		c.Values[name] = value
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return c, err
	}

	rows, err = q.Query(ctx, `SELECT kind, member FROM counter_sets WHERE learner_id = $1 ORDER BY member`, string(id))
	if err != nil {
		return c, fmt.Errorf("failed to load counter sets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, member string
		if err := rows.Scan(&kind, &member); err != nil {
			return c, fmt.Errorf("failed to scan counter set: %w", err)
		}
		switch kind {
		case "tutor":
			c.Tutors = append(c.Tutors, member)
		case "topic":
			c.Topics = append(c.Topics, member)
		}
	}
	return c, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Levels
// ─────────────────────────────────────────────────────────────────────────────

const levelColumns = `learner_id, level, current_xp, xp_to_next_level, total_xp_earned, title, version, updated_at`

func scanLevel(row pgx.Row) (learner.LevelRecord, error) {
	var (
		rec learner.LevelRecord
		id  string
	)
	err := row.Scan(&id, &rec.Level, &rec.CurrentXP, &rec.XPToNextLevel, &rec.TotalXPEarned, &rec.Title, &rec.Version, &rec.UpdatedAt)
	rec.LearnerID = learner.ID(id)
	return rec, err
}

func (s *Store) GetOrCreateLevel(ctx context.Context, initial learner.LevelRecord) (learner.LevelRecord, error) {
	q, err := s.conn.q()
	if err != nil {
		return learner.LevelRecord{}, err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO level_records (learner_id, level, current_xp, xp_to_next_level, total_xp_earned, title, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		ON CONFLICT (learner_id) DO NOTHING
	`, string(initial.LearnerID), initial.Level, initial.CurrentXP, initial.XPToNextLevel, initial.TotalXPEarned, initial.Title, initial.UpdatedAt)
	if err != nil {
		return learner.LevelRecord{}, fmt.Errorf("failed to create level record: %w", err)
	}

	rec, err := scanLevel(q.QueryRow(ctx, `SELECT `+levelColumns+` FROM level_records WHERE learner_id = $1`, string(initial.LearnerID)))
	if err != nil {
		return learner.LevelRecord{}, fmt.Errorf("failed to load level record: %w", err)
	}
	return rec, nil
}

func (s *Store) CompareAndSwapLevel(ctx context.Context, prev, next learner.LevelRecord, entry learner.XPEntry) (learner.LevelRecord, error) {
	var out learner.LevelRecord
	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		rec, err := swapLevel(ctx, tx, prev, next, "CompareAndSwapLevel")
		if err != nil {
			return err
		}
		if err := appendHistory(ctx, tx, entry); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

func swapLevel(ctx context.Context, q Querier, prev, next learner.LevelRecord, op string) (learner.LevelRecord, error) {
	rec, err := scanLevel(q.QueryRow(ctx, `
		UPDATE level_records SET
			level = $1,
			current_xp = $2,
			xp_to_next_level = $3,
			total_xp_earned = $4,
			title = $5,
			updated_at = $6,
			version = version + 1
		WHERE learner_id = $7 AND version = $8
		RETURNING `+levelColumns,
		next.Level, next.CurrentXP, next.XPToNextLevel, next.TotalXPEarned, next.Title, next.UpdatedAt,
		string(prev.LearnerID), prev.Version,
	))
	if IsNoRows(err) {
		return learner.LevelRecord{}, conflict(op)
	}
	if err != nil {
		return learner.LevelRecord{}, fmt.Errorf("failed to update level record: %w", err)
	}
	return rec, nil
}

func appendHistory(ctx context.Context, q Querier, entry learner.XPEntry) error {
	if entry.Amount <= 0 {
		return nil
	}
	_, err := q.Exec(ctx, `
		INSERT INTO xp_history (learner_id, amount, reason, created_at) VALUES ($1, $2, $3, $4)
	`, string(entry.LearnerID), entry.Amount, entry.Reason, entry.At)
	if err != nil {
		return fmt.Errorf("failed to append xp history: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Streaks
// ─────────────────────────────────────────────────────────────────────────────

const streakColumns = `learner_id, streak_type, current_count, max_count, last_activity_date, is_active, version, updated_at`

func scanStreak(row pgx.Row) (learner.StreakRecord, error) {
	var (
		rec  learner.StreakRecord
		id   string
		last time.Time
	)
	err := row.Scan(&id, &rec.Type, &rec.CurrentCount, &rec.MaxCount, &last, &rec.IsActive, &rec.Version, &rec.UpdatedAt)
	rec.LearnerID = learner.ID(id)
	rec.LastActivityDate = timeutil.DateOf(last, time.UTC)
	return rec, err
}

func (s *Store) GetStreak(ctx context.Context, id learner.ID, streakType string) (learner.StreakRecord, bool, error) {
	q, err := s.conn.q()
	if err != nil {
		return learner.StreakRecord{}, false, err
	}
	rec, err := scanStreak(q.QueryRow(ctx, `SELECT `+streakColumns+` FROM streaks WHERE learner_id = $1 AND streak_type = $2`, string(id), streakType))
	if IsNoRows(err) {
		return learner.StreakRecord{}, false, nil
	}
	if err != nil {
		return learner.StreakRecord{}, false, fmt.Errorf("failed to load streak: %w", err)
	}
	return rec, true, nil
}

func (s *Store) ListStreaks(ctx context.Context, id learner.ID) ([]learner.StreakRecord, error) {
	q, err := s.conn.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT `+streakColumns+` FROM streaks WHERE learner_id = $1 ORDER BY streak_type`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to list streaks: %w", err)
	}
	defer rows.Close()

	var out []learner.StreakRecord
	for rows.Next() {
		rec, err := scanStreak(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan streak: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CompareAndSwapStreak(ctx context.Context, prev *learner.StreakRecord, next learner.StreakRecord) (learner.StreakRecord, error) {
	q, err := s.conn.q()
	if err != nil {
		return learner.StreakRecord{}, err
	}

	var row pgx.Row
	if prev == nil {
		row = q.QueryRow(ctx, `
			INSERT INTO streaks (learner_id, streak_type, current_count, max_count, last_activity_date, is_active, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
			ON CONFLICT (learner_id, streak_type) DO NOTHING
			RETURNING `+streakColumns,
			string(next.LearnerID), next.Type, next.CurrentCount, next.MaxCount,
			next.LastActivityDate.Time(time.UTC), next.IsActive, next.UpdatedAt,
		)
	} else {
		row = q.QueryRow(ctx, `
			UPDATE streaks SET
				current_count = $1,
				max_count = $2,
				last_activity_date = $3,
				is_active = $4,
				updated_at = $5,
				version = version + 1
			WHERE learner_id = $6 AND streak_type = $7 AND version = $8
			RETURNING `+streakColumns,
			next.CurrentCount, next.MaxCount, next.LastActivityDate.Time(time.UTC), next.IsActive, next.UpdatedAt,
			string(next.LearnerID), next.Type, prev.Version,
		)
	}

	rec, err := scanStreak(row)
	if IsNoRows(err) {
		return learner.StreakRecord{}, conflict("CompareAndSwapStreak")
	}
	if err != nil {
		return learner.StreakRecord{}, fmt.Errorf("failed to store streak: %w", err)
	}
	return rec, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Achievements
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) ListAchievements(ctx context.Context, id learner.ID) ([]learner.Achievement, error) {
	q, err := s.conn.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT badge_id, earned_at, reason FROM achievements
		WHERE learner_id = $1
		ORDER BY seq
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to list achievements: %w", err)
	}
	defer rows.Close()

	var out []learner.Achievement
	for rows.Next() {
		a := learner.Achievement{LearnerID: id}
		if err := rows.Scan(&a.BadgeID, &a.EarnedAt, &a.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan achievement: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AddAchievement relies on the (learner_id, badge_id) primary key for
// at-most-once awards.
func (s *Store) AddAchievement(ctx context.Context, a learner.Achievement) (bool, error) {
	q, err := s.conn.q()
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO achievements (learner_id, badge_id, earned_at, reason) VALUES ($1, $2, $3, $4)
		ON CONFLICT (learner_id, badge_id) DO NOTHING
	`, string(a.LearnerID), a.BadgeID, a.EarnedAt, a.Reason)
	if err != nil {
		return false, fmt.Errorf("failed to add achievement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Quests
// ─────────────────────────────────────────────────────────────────────────────

const questColumns = `id, learner_id, quest_id, started_at, expires_at, progress, completed, completed_at, version`

func scanQuest(row pgx.Row) (learner.QuestInstance, error) {
	var (
		q       learner.QuestInstance
		id      string
		expires *time.Time
	)
	err := row.Scan(&q.ID, &id, &q.QuestID, &q.StartedAt, &expires, &q.Progress, &q.Completed, &q.CompletedAt, &q.Version)
	q.LearnerID = learner.ID(id)
	if expires != nil {
		q.ExpiresAt = *expires
	}
	if q.Progress == nil {
		q.Progress = map[string]int64{}
	}
	return q, err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) ListQuests(ctx context.Context, id learner.ID) ([]learner.QuestInstance, error) {
	q, err := s.conn.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT `+questColumns+` FROM quest_instances WHERE learner_id = $1 ORDER BY started_at, id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to list quests: %w", err)
	}
	defer rows.Close()

	var out []learner.QuestInstance
	for rows.Next() {
		inst, err := scanQuest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quest: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// StartQuest serializes starts of the same (learner, quest) pair with a
// transaction-scoped advisory lock.
func (s *Store) StartQuest(ctx context.Context, inst learner.QuestInstance) (bool, error) {
	started := false
	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(inst.LearnerID)+":"+inst.QuestID); err != nil {
			return fmt.Errorf("failed to lock quest start: %w", err)
		}

		var open int
		err := tx.QueryRow(ctx, `
			SELECT count(*) FROM quest_instances
			WHERE learner_id = $1 AND quest_id = $2 AND NOT completed
			  AND (expires_at IS NULL OR expires_at > $3)
		`, string(inst.LearnerID), inst.QuestID, inst.StartedAt).Scan(&open)
		if err != nil {
			return fmt.Errorf("failed to check open quests: %w", err)
		}
		if open > 0 {
			return nil
		}

		progress := inst.Progress
		if progress == nil {
			progress = map[string]int64{}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO quest_instances (id, learner_id, quest_id, started_at, expires_at, progress, completed, completed_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		`, inst.ID, string(inst.LearnerID), inst.QuestID, inst.StartedAt, nullableTime(inst.ExpiresAt), progress, inst.Completed, inst.CompletedAt)
		if IsUniqueViolation(err) {
			return fmt.Errorf("quest instance %s already exists: %w", inst.ID, shared.ErrConcurrentModification)
		}
		if err != nil {
			return fmt.Errorf("failed to insert quest: %w", err)
		}
		started = true
		return nil
	})
	return started, err
}

func (s *Store) CompareAndSwapQuest(ctx context.Context, prev, next learner.QuestInstance) (learner.QuestInstance, error) {
	q, err := s.conn.q()
	if err != nil {
		return learner.QuestInstance{}, err
	}
	return swapQuest(ctx, q, prev, next, "CompareAndSwapQuest")
}

func swapQuest(ctx context.Context, q Querier, prev, next learner.QuestInstance, op string) (learner.QuestInstance, error) {
	progress := next.Progress
	if progress == nil {
		progress = map[string]int64{}
	}

	inst, err := scanQuest(q.QueryRow(ctx, `
		UPDATE quest_instances SET
			progress = $1,
			completed = $2,
			completed_at = $3,
			version = version + 1
		WHERE id = $4 AND version = $5
		RETURNING `+questColumns,
		progress, next.Completed, next.CompletedAt, prev.ID, prev.Version,
	))
	if err == nil {
		return inst, nil
	}
	if !IsNoRows(err) {
		return learner.QuestInstance{}, fmt.Errorf("failed to update quest: %w", err)
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM quest_instances WHERE id = $1)`, prev.ID).Scan(&exists); err != nil {
		return learner.QuestInstance{}, fmt.Errorf("failed to check quest: %w", err)
	}
	if !exists {
		return learner.QuestInstance{}, shared.NotFound("store", op, "quest instance %q not found", prev.ID)
	}
	return learner.QuestInstance{}, conflict(op)
}

// ─────────────────────────────────────────────────────────────────────────────
// Rewards
// ─────────────────────────────────────────────────────────────────────────────

// ClaimReward runs the achievement insert, the quest swap and the level swap
// in one transaction. Any conflict rolls all of them back.
func (s *Store) ClaimReward(ctx context.Context, c learner.RewardClaim) (learner.ClaimResult, error) {
	var out learner.ClaimResult
	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if a := c.Achievement; a != nil {
			tag, err := tx.Exec(ctx, `
				INSERT INTO achievements (learner_id, badge_id, earned_at, reason) VALUES ($1, $2, $3, $4)
				ON CONFLICT (learner_id, badge_id) DO NOTHING
			`, string(a.LearnerID), a.BadgeID, a.EarnedAt, a.Reason)
			if err != nil {
				return fmt.Errorf("failed to add achievement: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return conflict("ClaimReward")
			}
		}

		if qs := c.Quest; qs != nil {
			inst, err := swapQuest(ctx, tx, qs.Prev, qs.Next, "ClaimReward")
			if err != nil {
				return err
			}
			out.Quest = inst
		}

		if c.XP() <= 0 {
			rec, err := scanLevel(tx.QueryRow(ctx, `
				SELECT `+levelColumns+` FROM level_records WHERE learner_id = $1 AND version = $2
			`, string(c.Prev.LearnerID), c.Prev.Version))
			if IsNoRows(err) {
				return conflict("ClaimReward")
			}
			if err != nil {
				return fmt.Errorf("failed to load level record: %w", err)
			}
			out.Level = rec
			return nil
		}

		rec, err := swapLevel(ctx, tx, c.Prev, c.Next, "ClaimReward")
		if err != nil {
			return err
		}
		for _, e := range c.Entries {
			if err := appendHistory(ctx, tx, e); err != nil {
				return err
			}
		}
		out.Level = rec
		return nil
	})
	if err != nil {
		return learner.ClaimResult{}, err
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshots
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) Summaries(ctx context.Context) ([]learner.Summary, error) {
	q, err := s.conn.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT l.learner_id, l.level, l.total_xp_earned, l.title,
		       (SELECT count(*) FROM achievements a WHERE a.learner_id = l.learner_id)
		FROM level_records l
		ORDER BY l.learner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load summaries: %w", err)
	}
	defer rows.Close()

	var out []learner.Summary
	for rows.Next() {
		var (
			sm learner.Summary
			id string
		)
		if err := rows.Scan(&id, &sm.Level, &sm.TotalXP, &sm.Title, &sm.BadgeCount); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sm.LearnerID = learner.ID(id)
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *Store) XPSince(ctx context.Context, since time.Time) (map[learner.ID]int64, error) {
	q, err := s.conn.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT learner_id, SUM(amount)::BIGINT FROM xp_history
		WHERE created_at >= $1
		GROUP BY learner_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to sum xp history: %w", err)
	}
	defer rows.Close()

	out := make(map[learner.ID]int64)
	for rows.Next() {
		var (
			id  string
			sum int64
		)
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan xp sum: %w", err)
		}
		out[learner.ID(id)] = sum
	}
	return out, rows.Err()
}
