// Package resource defines the three abstract cloud-storage capabilities
// spec.md §6 requires (KV table, blob container, queue) and a broker that
// hands out typed, cached clients for them per QueueKey (spec §4.2).
//
// These interfaces are deliberately vendor-neutral: pkg/reliableq/resource/adapters/azure
// implements them against the real Azure SDKs (aztables, azblob, azqueue);
// internal/rqtest implements them entirely in memory for tests. Nothing above
// this package imports an Azure SDK type directly.
package resource

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors every adapter must map its provider-specific errors onto,
// so the rest of the module can branch on errors.Is without knowing which
// backend is in play.
var (
	ErrTableNotFound      = errors.New("resource: table not found")
	ErrContainerNotFound  = errors.New("resource: blob container not found")
	ErrQueueNotFound      = errors.New("resource: queue not found")
	ErrEntityNotFound     = errors.New("resource: entity not found")
	ErrBlobNotFound       = errors.New("resource: blob not found")
	ErrConflict           = errors.New("resource: conflict (409)")
	ErrPreconditionFailed = errors.New("resource: precondition failed (412)")
	ErrLeaseAlreadyPresent = errors.New("resource: blob already leased")
)

// TableEntity is the vendor-neutral shape of one KV table row: a
// (partitionKey, rowKey) pair, an optimistic-concurrency ETag, and an
// arbitrary property bag.
type TableEntity struct {
	PartitionKey string
	RowKey       string
	ETag         string
	Timestamp    time.Time
	Properties   map[string]any
}

// Filter expresses an AND of column-equality clauses, the minimum query
// language spec §6.1 requires ("equality on columns and conjunction").
type Filter struct {
	clauses map[string]string
}

// NewFilter starts a filter matching the given partition key.
func NewFilter(partitionKey string) Filter {
	return Filter{clauses: map[string]string{"PartitionKey": partitionKey}}
}

// And adds an additional equality clause, returning the extended filter.
func (f Filter) And(column, value string) Filter {
	out := Filter{clauses: make(map[string]string, len(f.clauses)+1)}
	for k, v := range f.clauses {
		out.clauses[k] = v
	}
	out.clauses[column] = value
	return out
}

// Clauses exposes the equality clauses for adapters to translate into their
// provider's query syntax (e.g. OData for aztables).
func (f Filter) Clauses() map[string]string { return f.clauses }

// TableClient is the KV table capability from spec §6.1.
type TableClient interface {
	// EnsureExists creates the table if absent, tolerating "already exists".
	EnsureExists(ctx context.Context) error

	// Insert adds a new entity keyed by (PartitionKey, RowKey). Returns
	// ErrConflict if a row with that key already exists. The returned entity
	// carries the storage-assigned ETag and Timestamp.
	Insert(ctx context.Context, entity TableEntity) (TableEntity, error)

	// Merge updates only the given properties of an existing entity,
	// ignoring ETag (spec §4.4 "queue()" is described as a plain merge).
	Merge(ctx context.Context, entity TableEntity) (TableEntity, error)

	// Replace performs a full optimistic-concurrency update: if
	// entity.ETag doesn't match the stored ETag, returns
	// ErrPreconditionFailed.
	Replace(ctx context.Context, entity TableEntity) (TableEntity, error)

	// Retrieve fetches one entity by key. Returns ErrEntityNotFound if absent.
	Retrieve(ctx context.Context, partitionKey, rowKey string) (TableEntity, error)

	// Query returns every entity matching filter, in storage-timestamp order.
	Query(ctx context.Context, filter Filter) ([]TableEntity, error)

	// Delete removes an entity. A no-op (no error) if it no longer exists.
	Delete(ctx context.Context, partitionKey, rowKey string) error
}

// QueueMessage is one message popped off a QueueClient.
type QueueMessage struct {
	ID         string
	PopReceipt string
	Body       []byte
}

// QueueClient is the queue capability from spec §6.3.
type QueueClient interface {
	// EnsureExists creates the queue if absent, tolerating "already exists".
	EnsureExists(ctx context.Context) error

	// Enqueue sends an opaque payload. Returns ErrQueueNotFound if the queue
	// itself disappeared between EnsureExists and this call.
	Enqueue(ctx context.Context, payload []byte) error

	// Receive pops up to max messages, making them invisible for the
	// provider's default visibility timeout.
	Receive(ctx context.Context, max int) ([]QueueMessage, error)

	// Delete acknowledges a received message by (id, popReceipt).
	Delete(ctx context.Context, id, popReceipt string) error
}

// BlobContainerClient is the blob capability from spec §6.2.
type BlobContainerClient interface {
	// EnsureExists creates the container if absent, tolerating "already exists".
	EnsureExists(ctx context.Context) error

	// AcquireLease takes an exclusive lease of up to duration on blobName.
	// Returns ErrBlobNotFound if the blob doesn't exist yet (callers treat
	// that as "first write", per spec §4.3).
	AcquireLease(ctx context.Context, blobName string, duration time.Duration) (leaseID string, err error)

	// ReleaseLease releases a previously acquired lease. Best-effort: callers
	// release in a deferred, scoped manner and tolerate errors here.
	ReleaseLease(ctx context.Context, blobName, leaseID string) error

	// Upload writes data to blobName. leaseID is empty for an unleased
	// first write, otherwise it's asserted as the active lease.
	Upload(ctx context.Context, blobName string, data []byte, leaseID string) error

	// Download reads blobName fully. Returns ErrBlobNotFound if absent.
	Download(ctx context.Context, blobName string) ([]byte, error)

	// Delete removes blobName. leaseID is asserted if non-empty. A no-op if
	// the blob is already gone.
	Delete(ctx context.Context, blobName, leaseID string) error
}
