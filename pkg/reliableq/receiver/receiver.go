// Package receiver implements the notification intake, sliding-window
// per-topic scheduler, and subscriber dispatch from spec.md §4.7.
package receiver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqlog"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/affinity"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/body"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/sender"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/state"
)

// IterationPeriod is the scheduler's poll period (spec §4.7 "iteration = 100ms").
const IterationPeriod = 100 * time.Millisecond

// Event is what a subscriber callback observes for one delivered message.
type Event struct {
	MessageID     string
	Queue         model.QueueKey
	Topic         model.Topic
	Body          []byte
	BodyIsNull    bool
	Attempts      int
	CorrelationID string
}

// Callback is a subscriber's handler: it returns true if the message was
// handled successfully.
type Callback func(ctx context.Context, evt Event) bool

// SubscriberSource is asked, for a given queue, whether anyone is currently
// subscribed and for the set of callbacks to invoke. The facade in the
// package root implements this over its per-queue subscription registry.
type SubscriberSource interface {
	HasSubscribers(key model.QueueKey) bool
	Callbacks(key model.QueueKey) []Callback
}

// StateStore is the narrow slice of state.Store (or its rqobserve-wrapped
// form) the scheduler drives.
type StateStore interface {
	GetQueuedInTopic(ctx context.Context, key model.QueueKey, topic model.Topic) ([]*model.Message, error)
	Process(ctx context.Context, key model.QueueKey, msg *model.Message, svc state.QueueService, hasSubscribers bool) (bool, error)
}

// Arbiter is the narrow slice of affinity.Arbiter (or its rqobserve-wrapped
// form) the scheduler drives.
type Arbiter interface {
	Arbitrate(ctx context.Context, key model.QueueKey, topic model.Topic, canReceive bool) (affinity.Decision, error)
}

// Decode parses an incoming notification payload, disambiguating raw JSON
// from base64-encoded JSON by first-byte inspection (spec §4.7). A nil or
// empty payload reports ok=false so the caller logs and drops it.
func Decode(payload []byte) (sender.Notification, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return sender.Notification{}, false
	}

	raw := trimmed
	if trimmed[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
		if err != nil {
			return sender.Notification{}, false
		}
		raw = decoded
	}

	var n sender.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return sender.Notification{}, false
	}
	return n, true
}

// Scheduler owns the active-topic map and runs one sliding-window worker
// per (queueKey, topic) accepted by the affinity arbiter.
type Scheduler struct {
	state       StateStore
	bodies      body.Store
	arbiter     Arbiter
	subscribers SubscriberSource

	windowFor func(model.QueueKey) time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler. windowFor resolves the configured sliding
// window duration per queue.
func NewScheduler(st StateStore, bodies body.Store, arbiter Arbiter, subs SubscriberSource, windowFor func(model.QueueKey) time.Duration) *Scheduler {
	return &Scheduler{
		state:       st,
		bodies:      bodies,
		arbiter:     arbiter,
		subscribers: subs,
		windowFor:   windowFor,
		active:      make(map[string]context.CancelFunc),
	}
}

func activeKey(key model.QueueKey, topic model.Topic) string {
	return key.Safe() + "|" + topic.ID()
}

// OnReceived handles one decoded notification: arbitrate topic affinity,
// and if accepted, ensure a per-topic processor is running.
func (s *Scheduler) OnReceived(ctx context.Context, key model.QueueKey, payload []byte, canReceive bool) {
	n, ok := Decode(payload)
	if !ok {
		rqlog.L().WarnContext(ctx, "dropping undecodable notification", "queue", key.Name())
		return
	}

	topic := model.NewTopic(n.TopicName)
	decision, err := s.arbiter.Arbitrate(ctx, key, topic, canReceive)
	if err != nil {
		rqlog.L().ErrorContext(ctx, "affinity arbitration failed", "queue", key.Name(), "topic", topic.Name(), "error", err)
		return
	}
	if decision != affinity.Accept {
		return
	}
	s.ensureProcessor(key, topic)
}

// EnsureProcessorsForLiveTopics starts a processor for every topic with
// live Queued rows, per spec §4.7 "re-scan on subscribe". topics is the
// distinct set returned by a getLiveTopics scan (receiver's caller owns the
// state-table scan since it already has the broker handle).
func (s *Scheduler) EnsureProcessorsForLiveTopics(key model.QueueKey, topics []model.Topic) {
	for _, t := range topics {
		s.ensureProcessor(key, t)
	}
}

func (s *Scheduler) ensureProcessor(key model.QueueKey, topic model.Topic) {
	ak := activeKey(key, topic)

	s.mu.Lock()
	if _, exists := s.active[ak]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.active[ak] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, key, topic, ak)
}

func (s *Scheduler) remove(ak string) {
	s.mu.Lock()
	delete(s.active, ak)
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, key model.QueueKey, topic model.Topic, ak string) {
	defer s.wg.Done()
	defer s.remove(ak)

	window := s.windowFor(key)
	var overrun time.Duration

	ticker := time.NewTicker(IterationPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snapshot, err := s.state.GetQueuedInTopic(ctx, key, topic)
		if err != nil {
			rqlog.L().ErrorContext(ctx, "sliding window scan failed", "queue", key.Name(), "topic", topic.Name(), "error", err)
			continue
		}

		if len(snapshot) == 0 {
			overrun += IterationPeriod
			if overrun > window {
				return
			}
			continue
		}
		overrun = 0

		cutoff := time.Now().Add(-window)
		for _, msg := range snapshot {
			if msg.LastUpdatedUTC.After(cutoff) {
				continue // still inside the reorder window
			}
			s.dispatch(ctx, key, msg)
		}
	}
}

// dispatch invokes state.Process, which itself calls back into Dispatch.
func (s *Scheduler) dispatch(ctx context.Context, key model.QueueKey, msg *model.Message) {
	hasSubs := s.subscribers.HasSubscribers(key)
	if _, err := s.state.Process(ctx, key, msg, s, hasSubs); err != nil {
		rqlog.L().ErrorContext(ctx, "message processing failed", "queue", key.Name(), "message", msg.ID, "error", err)
	}
}

// Dispatch implements state.QueueService: it fetches the message body and
// invokes every registered subscriber callback through invoke, which turns a
// panicking callback into a logged failure. It reports true only if every
// callback reported success.
func (s *Scheduler) Dispatch(ctx context.Context, key model.QueueKey, msg *model.Message) bool {
	data, bodyIsNull, err := s.bodies.Read(ctx, key, msg.ID)
	if err != nil {
		rqlog.L().ErrorContext(ctx, "failed to read message body", "queue", key.Name(), "message", msg.ID, "error", err)
		return false
	}

	evt := Event{
		MessageID:     msg.ID,
		Queue:         key,
		Topic:         msg.Topic,
		Body:          data,
		BodyIsNull:    bodyIsNull,
		Attempts:      msg.Attempts,
		CorrelationID: msg.CorrelationID,
	}

	handled := true
	for _, cb := range s.subscribers.Callbacks(key) {
		if !s.invoke(ctx, cb, evt) {
			handled = false
		}
	}
	return handled
}

// invoke calls cb, catching a panic as a processing failure per spec §7
// "a thrown exception is caught, logged, and treated as failure."
func (s *Scheduler) invoke(ctx context.Context, cb Callback, evt Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			rqlog.L().ErrorContext(ctx, "subscriber callback panicked", "message", evt.MessageID, "panic", r)
			ok = false
		}
	}()
	return cb(ctx, evt)
}

// Close cancels every active processor and waits for them to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
