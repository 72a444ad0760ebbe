package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCompositeHealthChecker(t *testing.T) {
	clock := timeutil.NewFixedClock(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))
	c := NewCompositeHealthChecker("1.0.0", clock)

	status := c.Check(context.Background())
	assert.True(t, status.Healthy)
	assert.True(t, status.Ready)

	c.AddCheck("store", PingCheck(pinger{}))
	c.AddOptionalCheck("cache", PingCheck(pinger{err: errors.New("refused")}))
	clock.Advance(90 * time.Second)

	status = c.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.True(t, status.Ready)
	assert.Equal(t, "checks failed: cache", status.Message)
	assert.Equal(t, "1m30s", status.Uptime)
	require.Contains(t, status.Checks, "cache")
	assert.Equal(t, "refused", status.Checks["cache"].Message)
	assert.False(t, status.Checks["cache"].Critical)

	c.AddCheck("store", PingCheck(pinger{err: errors.New("down")}))
	status = c.Check(context.Background())
	assert.False(t, status.Ready)
	assert.Equal(t, "checks failed: cache, store", status.Message)
}

func TestCompositeHealthChecker_Timeout(t *testing.T) {
	c := NewCompositeHealthChecker("", nil)
	c.SetTimeout(10 * time.Millisecond)
	c.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status := c.Check(context.Background())
	assert.False(t, status.Ready)
	assert.Contains(t, status.Checks["slow"].Message, "deadline")
}
