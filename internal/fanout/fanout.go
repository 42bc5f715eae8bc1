// Package fanout delivers room frames to every instance serving the room.
//
// The router publishes each frame once; a Broadcaster hands it to the
// local delivery function of every instance, in publish order per room.
package fanout

import (
	"context"
	"errors"
)

// Deliver writes frame to the local members of room
type Deliver func(room string, frame []byte)

// Broadcaster publishes room frames
type Broadcaster interface {
	Publish(ctx context.Context, room string, frame []byte) error
	Close() error
}

// ErrClosed is returned by Publish after Close
var ErrClosed = errors.New("broadcaster closed")

// Local delivers frames synchronously within this process
type Local struct {
	deliver Deliver
}

// NewLocal creates a single-instance broadcaster
func NewLocal(deliver Deliver) *Local {
	return &Local{deliver: deliver}
}

// Publish delivers frame before returning
func (l *Local) Publish(_ context.Context, room string, frame []byte) error {
	l.deliver(room, frame)
	return nil
}

// Close is a no-op
func (l *Local) Close() error { return nil }
