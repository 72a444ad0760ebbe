package query

import (
	"context"
	"sort"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DASHBOARD QUERY
// ══════════════════════════════════════════════════════════════════════════════

// LevelView is the learner's level with progress and perks.
type LevelView struct {
	Level           int           `json:"level"`
	Title           string        `json:"title"`
	CurrentXP       int64         `json:"current_xp"`
	XPToNextLevel   int64         `json:"xp_to_next_level"`
	TotalXP         int64         `json:"total_xp"`
	TotalXPDisplay  string        `json:"total_xp_display"`
	ProgressPercent float64       `json:"progress_percent"`
	Perks           []string      `json:"perks"`
	NextPerk        *catalog.Perk `json:"next_perk,omitempty"`
}

// EarnedBadge is a held badge with its definition.
type EarnedBadge struct {
	catalog.BadgeDefinition
	EarnedAt time.Time `json:"earned_at"`
}

// StreakStats summarizes the learner's streaks.
type StreakStats struct {
	ActiveCount int                    `json:"active_count"`
	Longest     int                    `json:"longest"`
	Details     []learner.StreakRecord `json:"details"`
}

// QuestView is an active quest instance with its definition.
type QuestView struct {
	Instance          learner.QuestInstance   `json:"instance"`
	Quest             catalog.QuestDefinition `json:"quest"`
	CompletionPercent float64                 `json:"completion_percent"`
}

// Stats exposes the learner's counters.
type Stats struct {
	Counters map[string]int64 `json:"counters"`
	Tutors   []string         `json:"tutors"`
	Topics   []string         `json:"topics"`
}

// Dashboard aggregates everything a learner sees on the progress page.
type Dashboard struct {
	LearnerID    learner.ID           `json:"learner_id"`
	Level        LevelView            `json:"level"`
	Rank         catalog.RankStanding `json:"rank"`
	Badges       []EarnedBadge        `json:"badges"`
	Streaks      StreakStats          `json:"streaks"`
	ActiveQuests []QuestView          `json:"active_quests"`
	Stats        Stats                `json:"stats"`
	GeneratedAt  time.Time            `json:"generated_at"`

	// StartedQuests lists quests started while building this dashboard.
	StartedQuests []string `json:"started_quests,omitempty"`
}

// DashboardHandler builds dashboards.
type DashboardHandler struct {
	engine    *progression.Engine
	publisher shared.EventPublisher
	log       *logger.Logger
}

// NewDashboardHandler creates a DashboardHandler. The publisher may be nil.
func NewDashboardHandler(engine *progression.Engine, publisher shared.EventPublisher, log *logger.Logger) *DashboardHandler {
	if log == nil {
		log = logger.Default()
	}
	return &DashboardHandler{
		engine:    engine,
		publisher: publisher,
		log:       log.With(logger.Component("dashboard")),
	}
}

// Handle returns the dashboard of id. When the learner has no active quests,
// candidates are generated and started first.
func (h *DashboardHandler) Handle(ctx context.Context, id learner.ID) (*Dashboard, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	e := h.engine
	cat := e.Catalog()

	active, err := e.Quests.ActiveQuests(ctx, id)
	if err != nil {
		return nil, err
	}
	var started []learner.QuestInstance
	if len(active) == 0 {
		active, started, err = e.EnsureQuests(ctx, id)
		if err != nil {
			return nil, err
		}
		h.announce(ctx, id, started)
	}

	rec, err := e.Ledger.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	level, err := cat.Level(rec.Level)
	if err != nil {
		return nil, err
	}
	held, err := e.Badges.Held(ctx, id)
	if err != nil {
		return nil, err
	}
	streaks, err := e.Streaks.Streaks(ctx, id)
	if err != nil {
		return nil, err
	}
	counters, err := e.Store().GetCounters(ctx, id)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		LearnerID: id,
		Level: LevelView{
			Level:           rec.Level,
			Title:           rec.Title,
			CurrentXP:       rec.CurrentXP,
			XPToNextLevel:   rec.XPToNextLevel,
			TotalXP:         rec.TotalXPEarned,
			TotalXPDisplay:  shared.FormatXP(rec.TotalXPEarned),
			ProgressPercent: rec.ProgressPercent(),
			Perks:           level.Perks,
		},
		Rank:         cat.RankFor(rec.TotalXPEarned),
		Badges:       earnedBadges(cat, held),
		Streaks:      streakStats(streaks),
		ActiveQuests: questViews(cat, active),
		Stats: Stats{
			Counters: counters.Snapshot(),
			Tutors:   append([]string{}, counters.Tutors...),
			Topics:   append([]string{}, counters.Topics...),
		},
		GeneratedAt: e.Clock().Now(),
	}
	if next, ok := cat.NextPerk(rec.Level); ok {
		d.Level.NextPerk = &next
	}
	for _, q := range started {
		d.StartedQuests = append(d.StartedQuests, q.QuestID)
	}
	return d, nil
}

func (h *DashboardHandler) announce(ctx context.Context, id learner.ID, started []learner.QuestInstance) {
	if h.publisher == nil {
		return
	}
	cat := h.engine.Catalog()
	for _, inst := range started {
		def, _ := cat.Quest(inst.QuestID)
		e := shared.NewQuestStartedEvent(string(id), inst.QuestID, inst.ID, def.Name, inst.StartedAt)
		if err := h.publisher.Publish(ctx, e); err != nil {
			h.log.Warn("failed to publish quest start", logger.QuestID(inst.QuestID), logger.Err(err))
		}
	}
}

// earnedBadges lists held badges newest first. Badges no longer in the
// catalog are skipped.
func earnedBadges(cat *catalog.Catalog, held []learner.Achievement) []EarnedBadge {
	out := make([]EarnedBadge, 0, len(held))
	for _, a := range held {
		def, ok := cat.Badge(a.BadgeID)
		if !ok {
			continue
		}
		out = append(out, EarnedBadge{BadgeDefinition: def, EarnedAt: a.EarnedAt})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EarnedAt.After(out[j].EarnedAt) })
	return out
}

func streakStats(records []learner.StreakRecord) StreakStats {
	s := StreakStats{Details: records}
	if s.Details == nil {
		s.Details = []learner.StreakRecord{}
	}
	for _, r := range records {
		if r.IsActive {
			s.ActiveCount++
		}
		s.Longest = max(s.Longest, r.MaxCount)
	}
	return s
}

func questViews(cat *catalog.Catalog, active []learner.QuestInstance) []QuestView {
	out := make([]QuestView, 0, len(active))
	for _, inst := range active {
		def, ok := cat.Quest(inst.QuestID)
		if !ok {
			continue
		}
		out = append(out, QuestView{
			Instance:          inst,
			Quest:             def,
			CompletionPercent: inst.CompletionPercent(def.Requirements),
		})
	}
	return out
}
