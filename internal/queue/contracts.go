package queue

import (
	"context"
	"errors"

	"github.com/iago/inbox-triage-back/internal/domain"
)

// ErrQueueFull is returned when the single refresh slot is taken.
var ErrQueueFull = errors.New("refresh queue is full")

// Handler runs one refresh cycle. Failures are reported through the refresh
// status, so a returned error only decides retry or dead-lettering.
type Handler func(context.Context, domain.RefreshRequest) error

// Producer hands refresh requests to the background worker.
type Producer interface {
	Enqueue(ctx context.Context, request domain.RefreshRequest) error
}

// Consumer feeds refresh requests to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}
