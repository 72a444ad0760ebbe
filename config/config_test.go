package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "progressd", cfg.App.Name)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "development", cfg.LogMode())
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
	assert.Equal(t, time.UTC, cfg.Engine.Location())
	assert.Equal(t, "@every 10m", cfg.Engine.LeaderboardRebuild)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, 1.0, cfg.Observability.SampleRatio)
}

func TestLoad_DriverFollowsDatabaseURL(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{"DATABASE_URL": "postgres://localhost/progress"})
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store.Driver)

	cfg, err = LoadFrom(map[string]string{"DATABASE_URL": "postgres://localhost/progress", "STORE_DRIVER": "sqlite"})
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"APP_ENV":                     "production",
		"STORE_DRIVER":                "postgres",
		"DATABASE_URL":                "postgres://localhost/progress",
		"DATABASE_MAX_CONNS":          "20",
		"REDIS_URL":                   "redis://localhost:6379/0",
		"REDIS_LOCK_TTL":              "1m",
		"HTTP_CORS_ORIGINS":           "https://a.example,https://b.example",
		"ENGINE_TIMEZONE":             "Asia/Almaty",
		"ENGINE_LEADERBOARD_REBUILD":  "0 3 * * *",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318",
	})
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "production", cfg.LogMode())
	assert.Equal(t, int32(20), cfg.Postgres.MaxConns)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, time.Minute, cfg.Redis.LockTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, "Asia/Almaty", cfg.Engine.Location().String())
	assert.Equal(t, "0 3 * * *", cfg.Engine.LeaderboardRebuild)
	assert.Equal(t, "collector:4318", cfg.Observability.OTLPEndpoint)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}, "DATABASE_URL"},
		{"unknown driver", map[string]string{"STORE_DRIVER": "mongo"}, "STORE_DRIVER"},
		{"memory in production", map[string]string{"APP_ENV": "production"}, "memory store"},
		{"sample ratio", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "2"}, "OTEL_TRACES_SAMPLER_ARG"},
		{"workers", map[string]string{"ENGINE_EVENT_WORKERS": "0"}, "ENGINE_EVENT_WORKERS"},
		{"timezone", map[string]string{"ENGINE_TIMEZONE": "Mars/Olympus"}, "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.env)
			require.Error(t, err)
			assert.True(t, shared.IsConfiguration(err))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoad_MalformedValue(t *testing.T) {
	_, err := LoadFrom(map[string]string{"HTTP_READ_TIMEOUT": "soon"})
	assert.ErrorContains(t, err, "parse env")
}
