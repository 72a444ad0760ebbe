// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/observability"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPORT ACTIVITY COMMAND
// Runs one learner activity through the processor and announces what changed.
// ══════════════════════════════════════════════════════════════════════════════

// ReportActivityCommand contains the data of one reported activity.
type ReportActivityCommand struct {
	LearnerID learner.ID

	// ActivityType must be one of the catalog's activity rules.
	ActivityType string

	// Data carries the activity signals (reading_time, tutor_type, ...).
	Data progression.ActivityData

	// CorrelationID is copied onto the published events.
	CorrelationID string
}

// ReportActivityHandler handles ReportActivityCommand.
type ReportActivityHandler struct {
	processor *progression.Processor
	publisher shared.EventPublisher
	tracer    trace.Tracer
	log       *logger.Logger
}

// NewReportActivityHandler creates a ReportActivityHandler. A nil publisher
// disables event publishing.
func NewReportActivityHandler(processor *progression.Processor, publisher shared.EventPublisher, log *logger.Logger) *ReportActivityHandler {
	if log == nil {
		log = logger.Default()
	}
	return &ReportActivityHandler{
		processor: processor,
		publisher: publisher,
		tracer:    observability.Tracer(),
		log:       log.With(logger.Component("report_activity")),
	}
}

// Handle processes the activity. On a partial failure it returns the partial
// result with a *progression.StepError; events are still published for the
// steps that committed.
func (h *ReportActivityHandler) Handle(ctx context.Context, cmd ReportActivityCommand) (*progression.ActivityResult, error) {
	ctx, span := h.tracer.Start(ctx, "progression.ReportActivity",
		trace.WithAttributes(
			attribute.String("learner.id", string(cmd.LearnerID)),
			attribute.String("activity.type", cmd.ActivityType),
		),
	)
	defer span.End()

	res, err := h.processor.Process(ctx, cmd.LearnerID, cmd.ActivityType, cmd.Data)
	if res != nil {
		span.SetAttributes(
			attribute.Int64("xp.gained", res.XPGained),
			attribute.Int("level", res.Level),
			attribute.Int("badges.new", len(res.NewBadges)),
			attribute.Int("quests.completed", len(res.CompletedQuests)),
		)
		h.publish(ctx, Events(res, cmd.CorrelationID))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var stepErr *progression.StepError
		if errors.As(err, &stepErr) {
			h.log.Error("activity partially processed",
				logger.LearnerID(string(cmd.LearnerID)),
				logger.ActivityType(cmd.ActivityType),
				logger.String("step", string(stepErr.Step)),
				logger.Err(err),
			)
		}
		return res, err
	}

	h.log.Debug("activity processed",
		logger.LearnerID(string(cmd.LearnerID)),
		logger.ActivityType(cmd.ActivityType),
		logger.XPAmount(res.XPGained),
		logger.Int("level", res.Level),
	)
	return res, nil
}

func (h *ReportActivityHandler) publish(ctx context.Context, events []shared.Event) {
	if h.publisher == nil {
		return
	}
	for _, e := range events {
		if err := h.publisher.Publish(ctx, e); err != nil {
			h.log.Warn("failed to publish event",
				logger.String("event_type", string(e.EventType())),
				logger.LearnerID(e.AggregateID()),
				logger.Err(err),
			)
		}
	}
}

// Events lists the domain events described by an activity result, in the
// order the steps ran.
func Events(res *progression.ActivityResult, correlationID string) []shared.Event {
	id := string(res.LearnerID)
	at := res.ProcessedAt
	base := func(e shared.BaseEvent) shared.BaseEvent { return e.WithCorrelationID(correlationID) }

	var events []shared.Event
	if !slices.Contains(res.Steps, progression.StepXP) {
		return events
	}

	xp := shared.NewXPGainedEvent(id, res.XPGained, res.TotalXP, "activity:"+res.ActivityType, at)
	xp.BaseEvent = base(xp.BaseEvent)
	events = append(events, xp)

	if res.LevelUp {
		e := shared.NewLevelUpEvent(id, res.PreviousLevel, res.Level, res.Title, at)
		e.BaseEvent = base(e.BaseEvent)
		events = append(events, e)
	}

	for _, s := range res.StreakUpdates {
		if !s.Changed {
			continue
		}
		e := shared.NewStreakUpdatedEvent(id, s.Record.Type, s.Record.CurrentCount, s.Record.MaxCount, s.Reset, at)
		e.BaseEvent = base(e.BaseEvent)
		events = append(events, e)
		if s.Milestone > 0 {
			m := shared.NewStreakMilestoneEvent(id, s.Record.Type, s.Milestone, at)
			m.BaseEvent = base(m.BaseEvent)
			events = append(events, m)
		}
	}

	for _, b := range res.NewBadges {
		e := shared.NewBadgeEarnedEvent(id, b.ID, b.Name, string(b.Tier), b.XPReward, at)
		e.BaseEvent = base(e.BaseEvent)
		events = append(events, e)
	}

	for _, c := range res.CompletedQuests {
		badgeID := ""
		if c.Badge != nil {
			badgeID = c.Badge.ID
		}
		e := shared.NewQuestCompletedEvent(id, c.Quest.ID, c.Instance.ID, c.Quest.Name, c.Quest.XPReward, badgeID, at)
		e.BaseEvent = base(e.BaseEvent)
		events = append(events, e)
	}
	return events
}
