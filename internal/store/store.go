package store

import (
	"context"
	"errors"

	"breakerpay/internal/models"
)

// Lookup failures surfaced to API clients as not-found.
var (
	ErrTarjetaNotFound = errors.New("tarjeta not found")
	ErrBreakerNotFound = errors.New("breaker not found")
	ErrArduinoNotFound = errors.New("arduino not found")
)

// MutateFunc inspects and mutates a private copy of the ledger document.
// Returning changed=false discards the copy without persisting.
type MutateFunc func(s *models.Snapshot) (changed bool, err error)

// Store owns the ledger document. Every mutation is a serialized
// read-modify-write: Mutate runs fn under the store's write lock so that
// concurrent ticks, hub events and HTTP requests can never interleave
// partial updates of the same record. Snapshot returns a consistent deep
// copy taken under the same lock.
type Store interface {
	Snapshot(ctx context.Context) (*models.Snapshot, error)
	Mutate(ctx context.Context, fn MutateFunc) error

	// Watch reports external modification of the persisted document.
	// Implementations without out-of-process writers may return a nil
	// channel, which the caller treats as "never fires".
	Watch(ctx context.Context) <-chan struct{}

	Close()
}
