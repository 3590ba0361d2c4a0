// Package reliableq is the library's public entry point: it builds every
// queue named in a Config into a Queue handle exposing send/subscribe, and
// owns the process-wide subscription registry and background listeners
// spec.md §4.7-§4.8 describe.
package reliableq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqlog"
	"github.com/chris-alexander-pop/reliable-queue/internal/rqobserve"
	"github.com/chris-alexander-pop/reliable-queue/internal/runtimecontext"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/affinity"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/body"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/config"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/listener"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/receiver"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/rqerrors"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/sender"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/state"
)

// Manager is the library's root handle: one per host process, constructed
// from a Config and a resource.ClientFactory (the real Azure adapter or a
// test fake).
type Manager struct {
	rt     *runtimecontext.Context
	broker *resource.Broker

	mu     sync.RWMutex
	queues map[string]*Queue
}

// New builds a Manager and every enabled queue in cfg, wiring the shared
// resource broker and a fresh peer identity.
func New(cfg config.Config, factory resource.ClientFactory) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		rt:     runtimecontext.New(),
		broker: resource.NewBroker(factory, resource.DefaultConnectionCacheTTL),
		queues: make(map[string]*Queue),
	}

	for _, qc := range cfg.Enabled() {
		q, err := newQueue(m, qc)
		if err != nil {
			return nil, err
		}
		m.queues[q.key.Safe()] = q
	}

	for _, qc := range cfg.Enabled() {
		if qc.DeadLetterQueue == "" {
			continue
		}
		source := m.queues[model.NewQueueKey(qc.Name).Safe()]
		target, err := m.Queue(qc.DeadLetterQueue)
		if err != nil {
			return nil, rqerrors.Config(qc.Name, "deadLetterQueue refers to an unconfigured queue", err)
		}
		source.rawState.OnFailed(deadLetterHook(source, target))
	}
	return m, nil
}

// deadLetterHook copies a Failed message onto target's queue as a
// brand-new row and notification (SPEC_FULL §4b): this never reopens the
// original message's state machine, it just gives the operator a second
// queue to inspect or replay failures from.
func deadLetterHook(source, target *Queue) func(ctx context.Context, msg *model.Message) {
	return func(ctx context.Context, msg *model.Message) {
		dup := *msg
		dup.ID = uuid.NewString()
		dup.Queue = target.key
		dup.PartitionKey = msg.Topic.ID()
		dup.RowKey = dup.ID
		dup.Attempts = 0
		dup.MaxAttempts = target.cfg.MaxAttempts
		dup.Owner = dup.Source
		dup.State = model.StateNew
		dup.ETag = ""

		if !msg.BodyIsNull {
			data, isNull, err := source.bodies.Read(ctx, source.key, msg.ID)
			if err != nil {
				rqlog.L().ErrorContext(ctx, "failed to read body for dead-letter copy", "source_message", msg.ID, "dead_letter_queue", target.key.Name(), "error", err)
				return
			}
			if !isNull {
				if _, err := target.bodies.Write(ctx, target.key, dup.ID, data); err != nil {
					rqlog.L().ErrorContext(ctx, "failed to write body for dead-letter copy", "source_message", msg.ID, "dead_letter_queue", target.key.Name(), "error", err)
					return
				}
			}
		}

		if err := target.rawState.Add(ctx, &dup); err != nil {
			rqlog.L().ErrorContext(ctx, "failed to add dead-letter row", "source_message", msg.ID, "dead_letter_queue", target.key.Name(), "error", err)
			return
		}
		if err := target.rawState.Queue(ctx, &dup); err != nil {
			rqlog.L().ErrorContext(ctx, "failed to queue dead-letter row", "source_message", msg.ID, "dead_letter_queue", target.key.Name(), "error", err)
			return
		}
		if err := target.send.SendDeadLetter(ctx, target.key, &dup); err != nil {
			rqlog.L().ErrorContext(ctx, "failed to send dead-letter notification", "source_message", msg.ID, "dead_letter_queue", target.key.Name(), "error", err)
		}
	}
}

// Queue returns the named queue's handle, or UnknownQueueError if it was
// never configured (or was configured but disabled).
func (m *Manager) Queue(name string) (*Queue, error) {
	key := model.NewQueueKey(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[key.Safe()]
	if !ok {
		return nil, rqerrors.UnknownQueue(name)
	}
	return q, nil
}

// StartListeners launches the background listener for every queue
// configured with createListener=true and mode permitting receive.
func (m *Manager) StartListeners(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		if q.cfg.CreateListener && q.CanReceive() {
			q.startListener(ctx)
		}
	}
}

// Close stops every queue's listener and scheduler, waiting for in-flight
// work to finish.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		q.close()
	}
}

// stateStore is the facade's view of state.Store: both the raw Store and
// its rqobserve-wrapped form satisfy it.
type stateStore interface {
	Add(ctx context.Context, msg *model.Message) error
	Queue(ctx context.Context, msg *model.Message) error
	GetQueuedInTopic(ctx context.Context, key model.QueueKey, topic model.Topic) ([]*model.Message, error)
	Process(ctx context.Context, key model.QueueKey, msg *model.Message, svc state.QueueService, hasSubscribers bool) (bool, error)
}

// Queue is one configured queue's handle: the subscription facade from
// spec §4.7.
type Queue struct {
	key    model.QueueKey
	cfg    config.QueueConfig
	mode   config.Mode
	rt     *runtimecontext.Context
	broker *resource.Broker

	state    stateStore
	rawState *state.Store // underlying Store, kept for dead-letter hook wiring only
	bodies   body.Store
	send     rqobserve.Sender
	arbiter  receiver.Arbiter
	sched    *receiver.Scheduler
	lst      *listener.Listener

	mu          sync.RWMutex
	subscribers map[string]receiver.Callback
}

func newQueue(m *Manager, qc config.QueueConfig) (*Queue, error) {
	mode, ok := config.ParseMode(qc.Mode)
	if !ok {
		return nil, rqerrors.Config(qc.Name, "invalid mode "+qc.Mode, nil)
	}

	key := model.NewQueueKey(qc.Name)
	connFn := func(model.QueueKey) (string, error) { return qc.StorageConnectionString, nil }

	q := &Queue{
		key:         key,
		cfg:         qc,
		mode:        mode,
		rt:          m.rt,
		broker:      m.broker,
		subscribers: make(map[string]receiver.Callback),
	}

	q.bodies = rqobserve.NewInstrumentedBodyStore(body.New(m.broker, connFn))
	q.send = rqobserve.NewInstrumentedSender(sender.New(m.broker, connFn))
	q.rawState = state.New(m.broker, connFn, q.bodies, q.send)
	q.state = rqobserve.NewInstrumentedStateStore(q.rawState)
	q.arbiter = rqobserve.NewInstrumentedArbiter(affinity.New(m.broker, connFn, time.Duration(qc.TopicAffinityTTLSeconds)*time.Second, m.rt.Identity()))
	q.sched = receiver.NewScheduler(q.state, q.bodies, q.arbiter, q, func(model.QueueKey) time.Duration {
		return time.Duration(qc.SlidingWindowSeconds) * time.Second
	})
	return q, nil
}

// CanSend reports whether this queue's mode permits Send.
func (q *Queue) CanSend() bool { return q.mode == config.ModeSend || q.mode == config.ModeBoth }

// CanReceive reports whether this queue's mode permits Receive.
func (q *Queue) CanReceive() bool {
	return q.mode == config.ModeReceive || q.mode == config.ModeBoth
}

// IsSubscribed reports whether any local subscriber is registered.
func (q *Queue) IsSubscribed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.subscribers) > 0
}

// HasSubscribers implements receiver.SubscriberSource.
func (q *Queue) HasSubscribers(model.QueueKey) bool { return q.IsSubscribed() }

// Callbacks implements receiver.SubscriberSource.
func (q *Queue) Callbacks(model.QueueKey) []receiver.Callback {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]receiver.Callback, 0, len(q.subscribers))
	for _, cb := range q.subscribers {
		out = append(out, cb)
	}
	return out
}

// Subscribe registers cb and returns a token for Unsubscribe. The first
// subscriber for this queue triggers a re-scan of live topics, recovering
// orphaned work after a crash (spec §4.7 "re-scan on subscribe").
func (q *Queue) Subscribe(ctx context.Context, cb receiver.Callback) (string, error) {
	if !q.CanReceive() {
		return "", rqerrors.Mode(q.key.Name(), "queue is not configured to receive")
	}

	q.mu.Lock()
	first := len(q.subscribers) == 0
	token := uuid.NewString()
	q.subscribers[token] = cb
	q.mu.Unlock()

	if first {
		topics, err := q.liveTopics(ctx)
		if err != nil {
			rqlog.L().ErrorContext(ctx, "failed to scan live topics on subscribe", "queue", q.key.Name(), "error", err)
		} else {
			q.sched.EnsureProcessorsForLiveTopics(q.key, topics)
		}
	}
	return token, nil
}

// Unsubscribe removes a previously-registered subscription.
func (q *Queue) Unsubscribe(token string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.subscribers, token)
}

// liveTopics scans the state table for distinct topic identifiers holding
// Queued rows. Queue's broker handle already exposes the table client
// through Handles, so this walks it directly rather than adding a sixth
// state.Store operation for a single caller.
func (q *Queue) liveTopics(ctx context.Context) ([]model.Topic, error) {
	handles, err := q.broker.Handles(ctx, q.cfg.StorageConnectionString, q.key)
	if err != nil {
		return nil, err
	}
	rows, err := handles.State.Query(ctx, resource.Filter{}.And("State", model.StateQueued.String()))
	if err != nil {
		if err == resource.ErrTableNotFound {
			return nil, nil
		}
		return nil, err
	}

	seen := make(map[string]bool)
	var topics []model.Topic
	for _, row := range rows {
		if seen[row.PartitionKey] {
			continue
		}
		seen[row.PartitionKey] = true
		// The partition key is the already-sanitized topic id; rebuild the
		// Topic from the stored user-supplied name so the default topic maps
		// back to DefaultTopicID instead of being sanitized a second time.
		name, _ := row.Properties["TopicName"].(string)
		topics = append(topics, model.NewTopic(name))
	}
	return topics, nil
}

// Send runs the end-to-end send path from spec §4.7: allocate a message,
// write its body and state row in parallel, confirm Queued, then
// fire-and-forget the notification.
func (q *Queue) Send(ctx context.Context, payload []byte, topicName string) (string, error) {
	if !q.CanSend() {
		return "", rqerrors.Mode(q.key.Name(), "queue is not configured to send")
	}

	msg := model.NewMessage(
		uuid.NewString(), q.key, model.NewTopic(topicName),
		q.rt.Identity(), q.cfg.MaxAttempts,
		time.Duration(q.cfg.DefaultTimeoutSeconds)*time.Second,
		time.Duration(q.cfg.DefaultTimeoutSeconds)*time.Second,
	)
	msg.SourceIdentity = q.rt.Identity()
	msg.LocalSequence = q.rt.NextLocalSequence()

	var result body.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.state.Add(gctx, msg) })
	g.Go(func() error {
		var err error
		result, err = q.bodies.Write(gctx, q.key, msg.ID, payload)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	msg.BodyIsNull = result.BodyIsNull
	if !result.BodyIsNull {
		size := result.Size
		msg.Size = &size
	}

	if err := q.state.Queue(ctx, msg); err != nil {
		return "", err
	}

	go func() {
		if err := q.send.Send(context.Background(), q.key, msg); err != nil {
			rqlog.L().ErrorContext(context.Background(), "notification send failed", "queue", q.key.Name(), "message", msg.ID, "error", err)
		}
	}()

	return msg.ID, nil
}

// OnReceived feeds an externally-triggered notification payload into the
// scheduler, implementing listener.Dispatcher.
func (q *Queue) OnReceived(ctx context.Context, key model.QueueKey, payload []byte, canReceive bool) error {
	q.sched.OnReceived(ctx, key, payload, canReceive)
	return nil
}

func (q *Queue) startListener(ctx context.Context) {
	q.lst = listener.New(q.key, func(ctx context.Context) (resource.QueueClient, error) {
		handles, err := q.broker.Handles(ctx, q.cfg.StorageConnectionString, q.key)
		if err != nil {
			return nil, err
		}
		return handles.Queue, nil
	}, q)
	q.lst.Start(ctx)
}

func (q *Queue) close() {
	if q.lst != nil {
		q.lst.Stop()
	}
	q.sched.Close()
}
