package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/internal/domain/catalog"
	"github.com/alem-hub/progression-engine/internal/domain/learner"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var monday10 = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, store learner.Store, health handlers.HealthChecker) *Server {
	t.Helper()
	clock := timeutil.NewFixedClock(monday10)
	cat := catalog.Default()
	engine := progression.NewEngine(progression.Config{
		Store:   store,
		Locker:  memory.NewLocker(),
		Catalog: cat,
		Clock:   clock,
	})
	log := logger.NewNop()
	return NewServer(DefaultConfig(), Dependencies{
		ReportActivity: command.NewReportActivityHandler(engine.Processor, nil, log),
		Dashboard:      query.NewDashboardHandler(engine, nil, log),
		Leaderboard:    query.NewLeaderboardHandler(store, clock, time.UTC, log),
		BadgeCatalog:   query.NewBadgeCatalogHandler(cat),
		Catalog:        cat,
		Health:         health,
		Logger:         log,
	})
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestReportActivity_OK(t *testing.T) {
	s := newTestServer(t, memory.NewStore(), nil)

	rec := do(t, s, http.MethodPost, "/api/v1/learners/alice/activities", map[string]any{
		"activity_type": "message_sent",
		"data":          map[string]any{"tutor_type": "reading"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	res := decode[progression.ActivityResult](t, rec)
	assert.Equal(t, learner.ID("alice"), res.LearnerID)
	assert.Positive(t, res.XPGained)
	assert.Equal(t, 1, res.Level)
}

func TestReportActivity_Errors(t *testing.T) {
	s := newTestServer(t, memory.NewStore(), nil)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"missing type", map[string]any{}, "invalid_input"},
		{"unknown type", map[string]any{"activity_type": "juggling"}, "invalid_input"},
		{"bad body", "not an object", "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/learners/alice/activities", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decode[errorEnvelope](t, rec).Error.Code)
		})
	}
}

type brokenStreaks struct{ *memory.Store }

func (brokenStreaks) CompareAndSwapStreak(context.Context, *learner.StreakRecord, learner.StreakRecord) (learner.StreakRecord, error) {
	return learner.StreakRecord{}, errors.New("disk full")
}

func TestReportActivity_PartialFailure(t *testing.T) {
	s := newTestServer(t, brokenStreaks{memory.NewStore()}, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/learners/alice/activities", map[string]any{"activity_type": "message_sent"})
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	body := decode[partialResponse](t, rec)
	assert.Equal(t, "partial_failure", body.Error.Code)
	assert.Contains(t, body.Error.Message, "streak")
	require.NotNil(t, body.Result)
	assert.Equal(t, []progression.Step{progression.StepXP, progression.StepCounters}, body.Result.Steps)
}

func TestDashboard(t *testing.T) {
	s := newTestServer(t, memory.NewStore(), nil)

	rec := do(t, s, http.MethodGet, "/api/v1/learners/alice/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[query.Dashboard](t, rec)
	assert.Equal(t, learner.ID("alice"), d.LearnerID)
	assert.Len(t, d.ActiveQuests, 1)
}

func TestLeaderboard(t *testing.T) {
	s := newTestServer(t, memory.NewStore(), nil)
	for _, id := range []string{"alice", "bob"} {
		rec := do(t, s, http.MethodPost, "/api/v1/learners/"+id+"/activities", map[string]any{"activity_type": "message_sent"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, s, http.MethodGet, "/api/v1/leaderboard?timeframe=weekly&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	board := decode[query.Leaderboard](t, rec)
	assert.Equal(t, query.TimeframeWeekly, board.Timeframe)
	require.Len(t, board.Entries, 2)
	assert.Equal(t, learner.ID("alice"), board.Entries[0].LearnerID)

	for _, path := range []string{
		"/api/v1/leaderboard?limit=ten",
		"/api/v1/leaderboard?limit=-1",
		"/api/v1/leaderboard?timeframe=yearly",
	} {
		rec := do(t, s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	s := newTestServer(t, memory.NewStore(), nil)

	rec := do(t, s, http.MethodGet, "/api/v1/badges", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	badges := decode[query.BadgeCatalog](t, rec)
	assert.Equal(t, len(catalog.Default().Badges()), badges.Total)

	rec = do(t, s, http.MethodGet, "/api/v1/levels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	levels := decode[struct {
		MaxLevel int             `json:"max_level"`
		Levels   []catalog.Level `json:"levels"`
	}](t, rec)
	assert.Equal(t, catalog.Default().MaxLevel(), levels.MaxLevel)
	assert.Len(t, levels.Levels, levels.MaxLevel)
	assert.Equal(t, int64(100), levels.Levels[0].XPRequired)
}

func TestHealthAndReady(t *testing.T) {
	health := handlers.NewCompositeHealthChecker("test", timeutil.NewFixedClock(monday10))
	health.AddCheck("store", func(context.Context) error { return nil })
	health.AddOptionalCheck("cache", func(context.Context) error { return errors.New("connection refused") })
	s := newTestServer(t, memory.NewStore(), health)

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorEnvelope](t, rec).Error.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{shared.InvalidInput("x", "op", "bad"), http.StatusBadRequest},
		{shared.NotFound("x", "op", "missing"), http.StatusNotFound},
		{shared.ErrConcurrentModification, http.StatusConflict},
		{shared.Misconfigured("x", "op", "broken"), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
