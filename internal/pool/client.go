package pool

import (
	"context"
	"time"
)

// Client is a live backend connection managed by the pool.
type Client interface {
	// Connect establishes the underlying connection.
	Connect(ctx context.Context) error
	// Ping verifies the connection is usable.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}

// Factory creates unconnected clients. The pool calls Connect itself.
type Factory func(ctx context.Context) (Client, error)

// PooledClient is a leased handle to one live backend connection. At any
// instant it is owned by exactly one of the idle set, the active set, or a
// specific waiter. All mutable fields are guarded by the pool mutex.
type PooledClient struct {
	client Client

	createdAt     time.Time
	lastActive    time.Time
	acquiredAt    time.Time // zero while idle
	acquirerStack string
}

// Client returns the underlying connection for issuing operations.
func (pc *PooledClient) Client() Client {
	return pc.client
}

// CreatedAt returns when the backing connection was established.
func (pc *PooledClient) CreatedAt() time.Time {
	return pc.createdAt
}
