// Package sqlite implements the progress store on an embedded SQLite file.
// It is the default backend when no PostgreSQL URL is configured.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// Store implements learner.Store over a single SQLite connection. Every
// transaction is therefore serialized, which makes the check-then-insert
// operations atomic without extra locking.
type Store struct {
	db *sql.DB
}

var _ learner.Store = (*Store)(nil)

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func conflict(op string) error {
	return shared.NewDomainError("store", op, shared.ErrConcurrentModification, "version mismatch")
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Counters
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) GetCounters(ctx context.Context, id learner.ID) (learner.Counters, error) {
	var out learner.Counters
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO learners (learner_id) VALUES (?)`, string(id)); err != nil {
			return fmt.Errorf("register learner: %w", err)
		}
		var err error
		out, err = loadCounters(ctx, tx, id)
		return err
	})
	return out, err
}

func (s *Store) ApplyCounters(ctx context.Context, id learner.ID, delta learner.CounterDelta, at time.Time) (learner.Counters, error) {
	if err := delta.Validate(); err != nil {
		return learner.Counters{}, err
	}

	var out learner.Counters
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO learners (learner_id, counters_updated_at) VALUES (?, ?)
			ON CONFLICT (learner_id) DO UPDATE
			SET counters_updated_at = MAX(counters_updated_at, excluded.counters_updated_at)
		`, string(id), toMillis(at))
		if err != nil {
			return fmt.Errorf("touch learner: %w", err)
		}

		for name, inc := range delta.Increments {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO counters (learner_id, name, value) VALUES (?, ?, ?)
				ON CONFLICT (learner_id, name) DO UPDATE SET value = value + excluded.value
			`, string(id), name, inc)
			if err != nil {
				return fmt.Errorf("increment counter %s: %w", name, err)
			}
		}
		for kind, members := range map[string][]string{"tutor": delta.Tutors, "topic": delta.Topics} {
			for _, m := range members {
				if m == "" {
					continue
				}
				if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO counter_sets (learner_id, kind, member) VALUES (?, ?, ?)`, string(id), kind, m); err != nil {
					return fmt.Errorf("record %s %s: %w", kind, m, err)
				}
			}
		}

		out, err = loadCounters(ctx, tx, id)
		return err
	})
	return out, err
}

func loadCounters(ctx context.Context, q querier, id learner.ID) (learner.Counters, error) {
	c := learner.NewCounters(id)

	var updated int64
	err := q.QueryRowContext(ctx, `SELECT counters_updated_at FROM learners WHERE learner_id = ?`, string(id)).Scan(&updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return c, fmt.Errorf("load learner: %w", err)
	case updated > 0:
		c.UpdatedAt = fromMillis(updated)
	}

	rows, err := q.QueryContext(ctx, `SELECT name, value FROM counters WHERE learner_id = ?`, string(id))
	if err != nil {
		return c, fmt.Errorf("load counters: %w", err)
	}
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			_ = rows.Close()
			return c, fmt.Errorf("scan counter: %w", err)
		}
		c.Values[name] = value
	}
	if err := rows.Close(); err != nil {
		return c, err
	}

	rows, err = q.QueryContext(ctx, `SELECT kind, member FROM counter_sets WHERE learner_id = ? ORDER BY member`, string(id))
	if err != nil {
		return c, fmt.Errorf("load counter sets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, member string
		if err := rows.Scan(&kind, &member); err != nil {
			return c, fmt.Errorf("scan counter set: %w", err)
		}
		if kind == "tutor" {
			c.Tutors = append(c.Tutors, member)
		} else {
			c.Topics = append(c.Topics, member)
		}
	}
	return c, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Levels
// ─────────────────────────────────────────────────────────────────────────────

const levelColumns = `learner_id, level, current_xp, xp_to_next_level, total_xp_earned, title, version, updated_at`

func scanLevel(row scanner) (learner.LevelRecord, error) {
	var (
		rec     learner.LevelRecord
		id      string
		updated int64
	)
	if err := row.Scan(&id, &rec.Level, &rec.CurrentXP, &rec.XPToNextLevel, &rec.TotalXPEarned, &rec.Title, &rec.Version, &updated); err != nil {
		return rec, err
	}
	rec.LearnerID = learner.ID(id)
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

func (s *Store) GetOrCreateLevel(ctx context.Context, initial learner.LevelRecord) (learner.LevelRecord, error) {
	var out learner.LevelRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO level_records (`+levelColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		`, string(initial.LearnerID), initial.Level, initial.CurrentXP, initial.XPToNextLevel, initial.TotalXPEarned, initial.Title, toMillis(initial.UpdatedAt))
		if err != nil {
			return fmt.Errorf("create level record: %w", err)
		}
		out, err = scanLevel(tx.QueryRowContext(ctx, `SELECT `+levelColumns+` FROM level_records WHERE learner_id = ?`, string(initial.LearnerID)))
		if err != nil {
			return fmt.Errorf("load level record: %w", err)
		}
		return nil
	})
	return out, err
}

func (s *Store) CompareAndSwapLevel(ctx context.Context, prev, next learner.LevelRecord, entry learner.XPEntry) (learner.LevelRecord, error) {
	var out learner.LevelRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
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

func swapLevel(ctx context.Context, tx *sql.Tx, prev, next learner.LevelRecord, op string) (learner.LevelRecord, error) {
	rec, err := scanLevel(tx.QueryRowContext(ctx, `
		UPDATE level_records SET
			level = ?, current_xp = ?, xp_to_next_level = ?, total_xp_earned = ?,
			title = ?, updated_at = ?, version = version + 1
		WHERE learner_id = ? AND version = ?
		RETURNING `+levelColumns,
		next.Level, next.CurrentXP, next.XPToNextLevel, next.TotalXPEarned, next.Title, toMillis(next.UpdatedAt),
		string(prev.LearnerID), prev.Version,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return learner.LevelRecord{}, conflict(op)
	}
	if err != nil {
		return learner.LevelRecord{}, fmt.Errorf("update level record: %w", err)
	}
	return rec, nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, entry learner.XPEntry) error {
	if entry.Amount <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO xp_history (learner_id, amount, reason, created_at) VALUES (?, ?, ?, ?)`,
		string(entry.LearnerID), entry.Amount, entry.Reason, toMillis(entry.At))
	if err != nil {
		return fmt.Errorf("append xp history: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Streaks
// ─────────────────────────────────────────────────────────────────────────────

const streakColumns = `learner_id, streak_type, current_count, max_count, last_activity_date, is_active, version, updated_at`

func scanStreak(row scanner) (learner.StreakRecord, error) {
	var (
		rec     learner.StreakRecord
		id      string
		last    string
		updated int64
	)
	if err := row.Scan(&id, &rec.Type, &rec.CurrentCount, &rec.MaxCount, &last, &rec.IsActive, &rec.Version, &updated); err != nil {
		return rec, err
	}
	d, err := timeutil.ParseDate(last)
	if err != nil {
		return rec, fmt.Errorf("parse last activity date %q: %w", last, err)
	}
	rec.LearnerID = learner.ID(id)
	rec.LastActivityDate = d
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

func (s *Store) GetStreak(ctx context.Context, id learner.ID, streakType string) (learner.StreakRecord, bool, error) {
	rec, err := scanStreak(s.db.QueryRowContext(ctx, `SELECT `+streakColumns+` FROM streaks WHERE learner_id = ? AND streak_type = ?`, string(id), streakType))
	if errors.Is(err, sql.ErrNoRows) {
		return learner.StreakRecord{}, false, nil
	}
	if err != nil {
		return learner.StreakRecord{}, false, fmt.Errorf("load streak: %w", err)
	}
	return rec, true, nil
}

func (s *Store) ListStreaks(ctx context.Context, id learner.ID) ([]learner.StreakRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+streakColumns+` FROM streaks WHERE learner_id = ? ORDER BY streak_type`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list streaks: %w", err)
	}
	defer rows.Close()

	var out []learner.StreakRecord
	for rows.Next() {
		rec, err := scanStreak(rows)
		if err != nil {
			return nil, fmt.Errorf("scan streak: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CompareAndSwapStreak(ctx context.Context, prev *learner.StreakRecord, next learner.StreakRecord) (learner.StreakRecord, error) {
	var row *sql.Row
	if prev == nil {
		row = s.db.QueryRowContext(ctx, `
			INSERT INTO streaks (`+streakColumns+`) VALUES (?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (learner_id, streak_type) DO NOTHING
			RETURNING `+streakColumns,
			string(next.LearnerID), next.Type, next.CurrentCount, next.MaxCount,
			next.LastActivityDate.String(), next.IsActive, toMillis(next.UpdatedAt),
		)
	} else {
		row = s.db.QueryRowContext(ctx, `
			UPDATE streaks SET
				current_count = ?, max_count = ?, last_activity_date = ?, is_active = ?,
				updated_at = ?, version = version + 1
			WHERE learner_id = ? AND streak_type = ? AND version = ?
			RETURNING `+streakColumns,
			next.CurrentCount, next.MaxCount, next.LastActivityDate.String(), next.IsActive, toMillis(next.UpdatedAt),
			string(next.LearnerID), next.Type, prev.Version,
		)
	}

	rec, err := scanStreak(row)
	if errors.Is(err, sql.ErrNoRows) {
		return learner.StreakRecord{}, conflict("CompareAndSwapStreak")
	}
	if err != nil {
		return learner.StreakRecord{}, fmt.Errorf("store streak: %w", err)
	}
	return rec, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Achievements
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) ListAchievements(ctx context.Context, id learner.ID) ([]learner.Achievement, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT badge_id, earned_at, reason FROM achievements WHERE learner_id = ? ORDER BY seq`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list achievements: %w", err)
	}
	defer rows.Close()

	var out []learner.Achievement
	for rows.Next() {
		var (
			a      = learner.Achievement{LearnerID: id}
			earned int64
		)
		if err := rows.Scan(&a.BadgeID, &earned, &a.Reason); err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		a.EarnedAt = fromMillis(earned)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) AddAchievement(ctx context.Context, a learner.Achievement) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO achievements (learner_id, badge_id, earned_at, reason) VALUES (?, ?, ?, ?)`,
		string(a.LearnerID), a.BadgeID, toMillis(a.EarnedAt), a.Reason)
	if err != nil {
		return false, fmt.Errorf("add achievement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Quests
// ─────────────────────────────────────────────────────────────────────────────

const questColumns = `id, learner_id, quest_id, started_at, expires_at, progress, completed, completed_at, version`

func scanQuest(row scanner) (learner.QuestInstance, error) {
	var (
		q         learner.QuestInstance
		id        string
		started   int64
		expires   sql.NullInt64
		progress  string
		completed sql.NullInt64
	)
	if err := row.Scan(&q.ID, &id, &q.QuestID, &started, &expires, &progress, &q.Completed, &completed, &q.Version); err != nil {
		return q, err
	}
	q.LearnerID = learner.ID(id)
	q.StartedAt = fromMillis(started)
	if expires.Valid {
		q.ExpiresAt = fromMillis(expires.Int64)
	}
	if completed.Valid {
		t := fromMillis(completed.Int64)
		q.CompletedAt = &t
	}
	q.Progress = map[string]int64{}
	if err := json.Unmarshal([]byte(progress), &q.Progress); err != nil {
		return q, fmt.Errorf("decode quest progress: %w", err)
	}
	return q, nil
}

func questArgs(q learner.QuestInstance) (expires, completedAt sql.NullInt64, progress string, err error) {
	if !q.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: toMillis(q.ExpiresAt), Valid: true}
	}
	if q.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: toMillis(*q.CompletedAt), Valid: true}
	}
	p := q.Progress
	if p == nil {
		p = map[string]int64{}
	}
	b, err := json.Marshal(p)
	return expires, completedAt, string(b), err
}

func (s *Store) ListQuests(ctx context.Context, id learner.ID) ([]learner.QuestInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+questColumns+` FROM quest_instances WHERE learner_id = ? ORDER BY started_at, id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list quests: %w", err)
	}
	defer rows.Close()

	var out []learner.QuestInstance
	for rows.Next() {
		q, err := scanQuest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quest: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) StartQuest(ctx context.Context, inst learner.QuestInstance) (bool, error) {
	expires, completedAt, progress, err := questArgs(inst)
	if err != nil {
		return false, fmt.Errorf("encode quest progress: %w", err)
	}

	started := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var open int
		err := tx.QueryRowContext(ctx, `
			SELECT count(*) FROM quest_instances
			WHERE learner_id = ? AND quest_id = ? AND completed = 0
			  AND (expires_at IS NULL OR expires_at > ?)
		`, string(inst.LearnerID), inst.QuestID, toMillis(inst.StartedAt)).Scan(&open)
		if err != nil {
			return fmt.Errorf("check open quests: %w", err)
		}
		if open > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO quest_instances (`+questColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			inst.ID, string(inst.LearnerID), inst.QuestID, toMillis(inst.StartedAt), expires, progress, inst.Completed, completedAt)
		if err != nil {
			return fmt.Errorf("insert quest: %w", err)
		}
		started = true
		return nil
	})
	return started, err
}

func (s *Store) CompareAndSwapQuest(ctx context.Context, prev, next learner.QuestInstance) (learner.QuestInstance, error) {
	var out learner.QuestInstance
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inst, err := swapQuest(ctx, tx, prev, next, "CompareAndSwapQuest")
		out = inst
		return err
	})
	return out, err
}

func swapQuest(ctx context.Context, tx *sql.Tx, prev, next learner.QuestInstance, op string) (learner.QuestInstance, error) {
	_, completedAt, progress, err := questArgs(next)
	if err != nil {
		return learner.QuestInstance{}, fmt.Errorf("encode quest progress: %w", err)
	}

	inst, err := scanQuest(tx.QueryRowContext(ctx, `
		UPDATE quest_instances SET
			progress = ?, completed = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND version = ?
		RETURNING `+questColumns,
		progress, next.Completed, completedAt, prev.ID, prev.Version,
	))
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return learner.QuestInstance{}, fmt.Errorf("update quest: %w", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM quest_instances WHERE id = ?`, prev.ID).Scan(&n); err != nil {
		return learner.QuestInstance{}, fmt.Errorf("check quest: %w", err)
	}
	if n == 0 {
		return learner.QuestInstance{}, shared.NotFound("store", op, "quest instance %q not found", prev.ID)
	}
	return learner.QuestInstance{}, conflict(op)
}

// ─────────────────────────────────────────────────────────────────────────────
// Rewards
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) ClaimReward(ctx context.Context, c learner.RewardClaim) (learner.ClaimResult, error) {
	var out learner.ClaimResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if a := c.Achievement; a != nil {
			res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO achievements (learner_id, badge_id, earned_at, reason) VALUES (?, ?, ?, ?)`,
				string(a.LearnerID), a.BadgeID, toMillis(a.EarnedAt), a.Reason)
			if err != nil {
				return fmt.Errorf("add achievement: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
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
			rec, err := scanLevel(tx.QueryRowContext(ctx, `SELECT `+levelColumns+` FROM level_records WHERE learner_id = ? AND version = ?`,
				string(c.Prev.LearnerID), c.Prev.Version))
			if errors.Is(err, sql.ErrNoRows) {
				return conflict("ClaimReward")
			}
			if err != nil {
				return fmt.Errorf("load level record: %w", err)
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.learner_id, l.level, l.total_xp_earned, l.title,
		       (SELECT count(*) FROM achievements a WHERE a.learner_id = l.learner_id)
		FROM level_records l
		ORDER BY l.learner_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	defer rows.Close()

	var out []learner.Summary
	for rows.Next() {
		var (
			sm learner.Summary
			id string
		)
		if err := rows.Scan(&id, &sm.Level, &sm.TotalXP, &sm.Title, &sm.BadgeCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sm.LearnerID = learner.ID(id)
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *Store) XPSince(ctx context.Context, since time.Time) (map[learner.ID]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT learner_id, SUM(amount) FROM xp_history
		WHERE created_at >= ?
		GROUP BY learner_id
	`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("sum xp history: %w", err)
	}
	defer rows.Close()

	out := make(map[learner.ID]int64)
	for rows.Next() {
		var (
			id  string
			sum int64
		)
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("scan xp sum: %w", err)
		}
		out[learner.ID(id)] = sum
	}
	return out, rows.Err()
}
