// Package outbox keeps add-member calls that could not be delivered right
// away and retries them in the background.
package outbox

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when an entry does not exist
	ErrNotFound = errors.New("outbox entry not found")
	// ErrNotRetryable is returned when retrying an entry that is not failed or deferred
	ErrNotRetryable = errors.New("only failed or deferred entries can be retried")
)

// Queue defines the interface for outbox operations
type Queue interface {
	// Enqueue adds an entry to the outbox
	Enqueue(ctx context.Context, e *Entry) error

	// Dequeue gets the next entry due for delivery
	// Returns nil, nil if nothing is due
	Dequeue(ctx context.Context) (*Entry, error)

	// Update stores the entry and reindexes it by status
	Update(ctx context.Context, e *Entry) error

	// MoveToDLQ marks the entry failed and adds it to the dead letter queue
	MoveToDLQ(ctx context.Context, e *Entry) error

	// Get retrieves an entry by ID
	Get(ctx context.Context, id string) (*Entry, error)

	// List returns entries with optional filtering
	List(ctx context.Context, filter ListFilter) ([]*Entry, error)

	// Delete removes an entry
	Delete(ctx context.Context, id string) error

	// Stats returns outbox statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the storage connection
	Close() error
}
