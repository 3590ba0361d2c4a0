package resource

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/rqerrors"
)

// DefaultConnectionCacheTTL is spec §4.2's "~120s" default.
const DefaultConnectionCacheTTL = 120 * time.Second

// ClientFactory constructs the three typed clients from a raw connection
// string and a resource name. Adapters (azure, memory/test) implement this;
// Broker never touches a provider SDK directly.
type ClientFactory interface {
	NewTableClient(connectionString, tableName string) (TableClient, error)
	NewBlobContainerClient(connectionString, containerName string) (BlobContainerClient, error)
	NewQueueClient(connectionString, queueName string) (QueueClient, error)
}

// Handles bundles the four typed clients one queue needs (spec §4.2).
type Handles struct {
	Queue QueueClient
	Body  BlobContainerClient
	State TableClient
	Topic TableClient
}

type connCache struct {
	createdAt time.Time
	once      sync.Once
	handles   Handles
	err       error
}

// Broker hands out Handles per QueueKey, caching the underlying per-connection
// clients for CacheTTL and create-if-absent-probing each resource exactly
// once per cache entry.
type Broker struct {
	factory  ClientFactory
	cacheTTL time.Duration

	mu    sync.Mutex
	conns map[string]*connCache
}

// NewBroker builds a Broker backed by factory. ttl <= 0 uses DefaultConnectionCacheTTL.
func NewBroker(factory ClientFactory, ttl time.Duration) *Broker {
	if ttl <= 0 {
		ttl = DefaultConnectionCacheTTL
	}
	return &Broker{factory: factory, cacheTTL: ttl, conns: make(map[string]*connCache)}
}

// Handles returns the four typed clients for key, probing (create-if-absent)
// each resource on first use of this connection-string cache entry.
func (b *Broker) Handles(ctx context.Context, connectionString string, key model.QueueKey) (Handles, error) {
	entry := b.entryFor(connectionString, key)

	entry.once.Do(func() {
		entry.handles, entry.err = b.build(ctx, connectionString, key)
	})

	if entry.err != nil {
		return Handles{}, entry.err
	}
	return entry.handles, nil
}

// entryFor returns the cache entry for (connectionString, key), evicting and
// replacing it if its connection has aged past cacheTTL.
func (b *Broker) entryFor(connectionString string, key model.QueueKey) *connCache {
	cacheKey := connectionString + "|" + key.Safe()

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.conns[cacheKey]
	if ok && time.Since(entry.createdAt) <= b.cacheTTL {
		return entry
	}
	entry = &connCache{createdAt: time.Now()}
	b.conns[cacheKey] = entry
	return entry
}

func (b *Broker) build(ctx context.Context, connectionString string, key model.QueueKey) (Handles, error) {
	queueClient, err := b.factory.NewQueueClient(connectionString, NotificationQueueName(key))
	if err != nil {
		return Handles{}, rqerrors.Config(key.Name(), "failed to construct queue client", err)
	}
	if err := queueClient.EnsureExists(ctx); err != nil {
		return Handles{}, rqerrors.Config(key.Name(), "failed to probe notification queue", err)
	}

	bodyClient, err := b.factory.NewBlobContainerClient(connectionString, BodyContainerName(key))
	if err != nil {
		return Handles{}, rqerrors.Config(key.Name(), "failed to construct blob container client", err)
	}
	if err := bodyClient.EnsureExists(ctx); err != nil {
		return Handles{}, rqerrors.Config(key.Name(), "failed to probe body container", err)
	}

	stateClient, err := b.factory.NewTableClient(connectionString, StateTableName(key))
	if err != nil {
		return Handles{}, rqerrors.Config(key.Name(), "failed to construct state table client", err)
	}
	if err := stateClient.EnsureExists(ctx); err != nil {
		return Handles{}, rqerrors.Config(key.Name(), "failed to probe state table", err)
	}

	topicClient, err := b.factory.NewTableClient(connectionString, TopicAffinityTableName(key))
	if err != nil {
		return Handles{}, rqerrors.Config(key.Name(), "failed to construct topic affinity table client", err)
	}
	if err := topicClient.EnsureExists(ctx); err != nil {
		return Handles{}, rqerrors.Config(key.Name(), "failed to probe topic affinity table", err)
	}

	return Handles{Queue: queueClient, Body: bodyClient, State: stateClient, Topic: topicClient}, nil
}
