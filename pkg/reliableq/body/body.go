// Package body implements the lease-protected blob body store from
// spec.md §4.3: one immutable blob per message, written once, read by the
// subscriber, deleted on successful processing.
package body

import (
	"context"
	"errors"
	"time"

	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/rqerrors"
	"github.com/chris-alexander-pop/reliable-queue/pkg/resilience"
)

// LeaseDuration is the exclusive lease spec §4.3 grants per operation.
const LeaseDuration = 60 * time.Second

// leaseRetryMid/Jitter feed resilience.Retry so its backoff lands uniformly
// in spec §4.3's 250-500ms band: InitialBackoff at the midpoint, Multiplier
// 1 so it never grows, and a jitter fraction that swings +/-125ms around it.
const (
	leaseRetryMid    = 375 * time.Millisecond
	leaseRetryJitter = 1.0 / 3.0
	leaseRetryMax    = 500 * time.Millisecond
)

// errBlobUnleased is acquireLease's internal signal that Retry should stop
// without error: the blob doesn't exist yet, so the write proceeds unleased.
var errBlobUnleased = errors.New("body: blob not found, proceeding unleased")

// Result is what a successful Write reports back, so the caller can fold it
// into the message's size/bodyIsNull metadata (spec §4.3 "On successful
// write the blob's length is authoritative").
type Result struct {
	Size       int64
	BodyIsNull bool
}

// Store is the body-storage contract spec §4.3 names: write, read, delete,
// each scoped to one message's blob.
type Store interface {
	Write(ctx context.Context, key model.QueueKey, messageID string, data []byte) (Result, error)
	Read(ctx context.Context, key model.QueueKey, messageID string) (data []byte, bodyIsNull bool, err error)
	Delete(ctx context.Context, key model.QueueKey, messageID string) error
}

// BlobStore is the sole Store implementation, backed by a resource.Broker's
// BlobContainerClient handle for the message's queue.
type BlobStore struct {
	broker *resource.Broker
	connFn ConnectionStringFunc
}

// ConnectionStringFunc resolves the storage connection string for a queue,
// so BlobStore doesn't need to know about pkg/reliableq/config directly.
type ConnectionStringFunc func(key model.QueueKey) (string, error)

// New builds a BlobStore.
func New(broker *resource.Broker, connFn ConnectionStringFunc) *BlobStore {
	return &BlobStore{broker: broker, connFn: connFn}
}

func blobName(messageID string) string { return messageID }

// Write stores data as messageID's body, racing other writers for the blob's
// lease (spec §4.3). A nil/empty data slice leaves the blob unwritten and
// reports BodyIsNull=true; callers never need to special-case the empty
// body themselves.
func (s *BlobStore) Write(ctx context.Context, key model.QueueKey, messageID string, data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{BodyIsNull: true}, nil
	}

	container, err := s.containerFor(ctx, key)
	if err != nil {
		return Result{}, err
	}

	leaseID, err := s.acquireLease(ctx, container, key, messageID)
	if err != nil && err != resource.ErrBlobNotFound {
		return Result{}, err
	}
	// ErrBlobNotFound means this is the first write: proceed unleased.
	defer s.releaseLease(ctx, container, messageID, leaseID)

	if err := container.Upload(ctx, blobName(messageID), data, leaseID); err != nil {
		return Result{}, rqerrors.Message(key.Name(), messageID, "failed to upload body", err)
	}

	length := int64(len(data))
	if length == 0 {
		return Result{BodyIsNull: true}, nil
	}
	return Result{Size: length, BodyIsNull: false}, nil
}

// Read fetches messageID's body. A blob that never existed (write(nil) or
// never written) reports bodyIsNull=true and a nil slice, per spec §4.3.
func (s *BlobStore) Read(ctx context.Context, key model.QueueKey, messageID string) ([]byte, bool, error) {
	container, err := s.containerFor(ctx, key)
	if err != nil {
		return nil, false, err
	}

	leaseID, err := s.acquireLease(ctx, container, key, messageID)
	if err != nil {
		if err == resource.ErrBlobNotFound {
			return nil, true, nil
		}
		return nil, false, err
	}
	defer s.releaseLease(ctx, container, messageID, leaseID)

	data, err := container.Download(ctx, blobName(messageID))
	if err != nil {
		if err == resource.ErrBlobNotFound {
			return nil, true, nil
		}
		return nil, false, rqerrors.Message(key.Name(), messageID, "failed to download body", err)
	}
	return data, false, nil
}

// Delete removes messageID's body. Missing blobs are a no-op, per spec §4.3.
func (s *BlobStore) Delete(ctx context.Context, key model.QueueKey, messageID string) error {
	container, err := s.containerFor(ctx, key)
	if err != nil {
		return err
	}

	leaseID, err := s.acquireLease(ctx, container, key, messageID)
	if err != nil {
		if err == resource.ErrBlobNotFound {
			return nil
		}
		return err
	}
	defer s.releaseLease(ctx, container, messageID, leaseID)

	if err := container.Delete(ctx, blobName(messageID), leaseID); err != nil {
		return rqerrors.Message(key.Name(), messageID, "failed to delete body", err)
	}
	return nil
}

func (s *BlobStore) containerFor(ctx context.Context, key model.QueueKey) (resource.BlobContainerClient, error) {
	connStr, err := s.connFn(key)
	if err != nil {
		return nil, err
	}
	handles, err := s.broker.Handles(ctx, connStr, key)
	if err != nil {
		return nil, err
	}
	return handles.Body, nil
}

// maxLeaseAttempts bounds resilience.Retry's loop; in practice ctx's
// deadline (checked before every attempt and during every sleep) is what
// actually ends the wait.
const maxLeaseAttempts = 1 << 20

// acquireLease retries with randomized 250-500ms back-off (spec §4.3) until
// it wins the blob's lease, the blob turns out not to exist (a first write,
// no lease needed), or ctx's deadline is exceeded.
func (s *BlobStore) acquireLease(ctx context.Context, container resource.BlobContainerClient, key model.QueueKey, messageID string) (string, error) {
	var leaseID string
	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts:    maxLeaseAttempts,
		InitialBackoff: leaseRetryMid,
		MaxBackoff:     leaseRetryMax,
		Multiplier:     1,
		Jitter:         leaseRetryJitter,
		RetryIf:        func(err error) bool { return err == resource.ErrLeaseAlreadyPresent },
	}, func(ctx context.Context) error {
		id, err := container.AcquireLease(ctx, blobName(messageID), LeaseDuration)
		if err != nil {
			if err == resource.ErrBlobNotFound {
				return errBlobUnleased
			}
			return err
		}
		leaseID = id
		return nil
	})

	switch {
	case err == nil:
		return leaseID, nil
	case err == errBlobUnleased:
		return "", resource.ErrBlobNotFound
	case err == context.DeadlineExceeded, err == context.Canceled, err == resource.ErrLeaseAlreadyPresent:
		return "", rqerrors.Timeout(key.Name(), messageID, "acquiring body lease")
	default:
		return "", rqerrors.Message(key.Name(), messageID, "failed to acquire body lease", err)
	}
}

func (s *BlobStore) releaseLease(ctx context.Context, container resource.BlobContainerClient, messageID, leaseID string) {
	if leaseID == "" {
		return
	}
	_ = container.ReleaseLease(ctx, blobName(messageID), leaseID)
}
