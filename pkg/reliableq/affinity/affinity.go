// Package affinity implements the topic affinity arbiter from spec.md §4.5:
// a TTL'd table-row lock guaranteeing only one peer processes a non-default
// topic's messages at a time. It borrows the owner-tagged, expiring grant idea
// of the teacher's pkg/concurrency/distlock, backed by the topic-affinity
// table rather than Redis, but exposes a single Arbitrate call rather than
// separate acquire/release/renew/is-held methods: acquiring, renewing and
// taking over an expired grant all happen inside Arbitrate, and a grant is
// never released explicitly, it only expires.
package affinity

import (
	"context"
	"errors"
	"time"

	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/rqerrors"
)

// errRetry signals the read-decide loop in Arbitrate to retry after a
// table-create or a lost insert race; it never escapes Arbitrate.
var errRetry = errors.New("affinity: retry")

// Decision is the outcome of arbitrating one notification, per spec §4.5.
type Decision int

const (
	Reject Decision = iota
	Accept
)

// Arbiter decides, per notification, whether the local peer may schedule a
// topic for in-order processing.
type Arbiter struct {
	broker *resource.Broker
	connFn func(model.QueueKey) (string, error)
	ttl    time.Duration
	owner  string
}

// New builds an Arbiter. owner is this peer's identity (runtimecontext.Context.Identity()).
func New(broker *resource.Broker, connFn func(model.QueueKey) (string, error), ttl time.Duration, owner string) *Arbiter {
	return &Arbiter{broker: broker, connFn: connFn, ttl: ttl, owner: owner}
}

func (a *Arbiter) tableFor(ctx context.Context, key model.QueueKey) (resource.TableClient, error) {
	connStr, err := a.connFn(key)
	if err != nil {
		return nil, err
	}
	handles, err := a.broker.Handles(ctx, connStr, key)
	if err != nil {
		return nil, err
	}
	return handles.Topic, nil
}

// Arbitrate runs the full decision procedure of spec §4.5 steps 1-6. The
// default topic always accepts (step 1); canReceive must be true or this
// call is invalid (step 2).
func (a *Arbiter) Arbitrate(ctx context.Context, key model.QueueKey, topic model.Topic, canReceive bool) (Decision, error) {
	if topic.IsDefault() {
		return Accept, nil
	}
	if !canReceive {
		return Reject, rqerrors.Mode(key.Name(), "peer is not configured to receive on this queue")
	}

	table, err := a.tableFor(ctx, key)
	if err != nil {
		return Reject, err
	}

	for {
		row, err := table.Retrieve(ctx, key.Safe(), topic.ID())
		switch err {
		case resource.ErrTableNotFound:
			if createErr := table.EnsureExists(ctx); createErr != nil {
				return Reject, createErr
			}
			continue
		case resource.ErrEntityNotFound:
			decision, err := a.tryInsert(ctx, table, key, topic)
			if err == errRetry {
				continue
			}
			return decision, err
		case nil:
			return a.resolveExisting(ctx, table, key, topic, row)
		default:
			return Reject, rqerrors.Message(key.Name(), "", "failed to retrieve topic affinity", err)
		}
	}
}

func (a *Arbiter) tryInsert(ctx context.Context, table resource.TableClient, key model.QueueKey, topic model.Topic) (Decision, error) {
	now := time.Now().UTC()
	_, err := table.Insert(ctx, resource.TableEntity{
		PartitionKey: key.Safe(),
		RowKey:       topic.ID(),
		Properties: map[string]any{
			"Owner":          a.owner,
			"LastUpdatedUTC": now.Format(time.RFC3339Nano),
		},
	})
	switch err {
	case nil:
		return Accept, nil
	case resource.ErrTableNotFound:
		if createErr := table.EnsureExists(ctx); createErr != nil {
			return Reject, createErr
		}
		return Reject, errRetry
	case resource.ErrConflict:
		// Another peer inserted first; retry the read-decide loop.
		return Reject, errRetry
	default:
		return Reject, rqerrors.Message(key.Name(), "", "failed to insert topic affinity", err)
	}
}

func (a *Arbiter) resolveExisting(ctx context.Context, table resource.TableClient, key model.QueueKey, topic model.Topic, row resource.TableEntity) (Decision, error) {
	grant := rowToAffinity(row)
	now := time.Now().UTC()

	if grant.Expired(now, a.ttl) {
		grant.Owner = a.owner
		grant.LastUpdatedUTC = now
		_, err := table.Replace(ctx, affinityToEntity(grant))
		if err == resource.ErrPreconditionFailed {
			return Reject, nil // someone else renewed first
		}
		if err != nil {
			return Reject, rqerrors.Message(key.Name(), "", "failed to take over expired topic affinity", err)
		}
		return Accept, nil
	}

	if grant.Owner != a.owner {
		return Reject, nil
	}

	grant.LastUpdatedUTC = now
	_, err := table.Replace(ctx, affinityToEntity(grant))
	if err == resource.ErrPreconditionFailed {
		return Reject, nil
	}
	if err != nil {
		return Reject, rqerrors.Message(key.Name(), "", "failed to refresh topic affinity", err)
	}
	return Accept, nil
}

func rowToAffinity(e resource.TableEntity) model.TopicAffinity {
	a := model.TopicAffinity{
		PartitionKey: e.PartitionKey,
		RowKey:       e.RowKey,
		ETag:         e.ETag,
	}
	if owner, ok := e.Properties["Owner"].(string); ok {
		a.Owner = owner
	}
	if ts, ok := e.Properties["LastUpdatedUTC"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			a.LastUpdatedUTC = t
		}
	}
	return a
}

func affinityToEntity(a model.TopicAffinity) resource.TableEntity {
	return resource.TableEntity{
		PartitionKey: a.PartitionKey,
		RowKey:       a.RowKey,
		ETag:         a.ETag,
		Properties: map[string]any{
			"Owner":          a.Owner,
			"LastUpdatedUTC": a.LastUpdatedUTC.Format(time.RFC3339Nano),
		},
	}
}
