// Package channel is the transport to the hardware bridge: one REQ/REP
// exchange per command and a SUB stream for status frames.
package channel

import (
	"context"
	"errors"
)

var (
	// ErrTimeout is returned when a command exchange got no reply in time.
	ErrTimeout = errors.New("bridge exchange timed out")
	// ErrReceiveTimeout is returned by Subscription.Receive when no frame
	// arrived within the bounded wait. Callers use it to observe cancellation.
	ErrReceiveTimeout = errors.New("no status frame within receive window")
	ErrClosed         = errors.New("channel closed")
)

type Channel interface {
	// Request opens a fresh session, sends payload and waits for the reply.
	Request(ctx context.Context, payload []byte) ([]byte, error)
	Subscribe() (Subscription, error)
}

type Subscription interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
