package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"fatal":   LevelFatal,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, Field{Key: "error", Value: "boom"}, Err(errors.New("boom")))
	assert.Equal(t, Field{Key: "error", Value: nil}, Err(nil))
	assert.Equal(t, "learner_id", LearnerID("l1").Key)
	assert.Equal(t, int64(10), XPAmount(10).Value)
}

func TestNewBuildsBothModes(t *testing.T) {
	for _, mode := range []string{"production", "development"} {
		l, err := New(Options{Mode: mode, Level: LevelWarn})
		require.NoError(t, err)
		l.With(Component("test")).Info("discarded below warn")
	}
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	l := NewNop()
	ctx := WithContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))

	ctx = WithRequestID(ctx, "req-1")
	assert.NotSame(t, l, FromContext(ctx))
}
