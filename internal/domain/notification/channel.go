package notification

import (
	"context"
	"errors"
)

// ErrChannelUnavailable is returned by channels that cannot deliver right now.
var ErrChannelUnavailable = errors.New("notification channel unavailable")

// Channel delivers notifications to learners.
type Channel interface {
	// Name identifies the channel in logs.
	Name() string
	// Deliver sends n. Implementations must be safe for concurrent use.
	Deliver(ctx context.Context, n Notification) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc struct {
	ChannelName string
	Fn          func(ctx context.Context, n Notification) error
}

func (c ChannelFunc) Name() string { return c.ChannelName }

func (c ChannelFunc) Deliver(ctx context.Context, n Notification) error {
	return c.Fn(ctx, n)
}
