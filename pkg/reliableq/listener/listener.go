// Package listener implements the background cloud-queue poller from
// spec.md §4.8: one timer per receive-enabled queue, draining notifications
// and handing each to the receiver.
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqlog"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
)

// PollPeriod is the ≈1s poll interval spec §4.8 specifies.
const PollPeriod = time.Second

// Dispatcher is what a listener hands each received notification payload to;
// the per-queue facade implements this over its Scheduler.
type Dispatcher interface {
	OnReceived(ctx context.Context, key model.QueueKey, payload []byte, canReceive bool) error
}

// Listener polls one queue's cloud-queue client and feeds a Dispatcher.
type Listener struct {
	key        model.QueueKey
	queueFor   func(ctx context.Context) (resource.QueueClient, error)
	dispatcher Dispatcher

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New builds a Listener. queueFor resolves key's notification-queue client
// on demand (through the broker), so Listener never caches a stale handle.
func New(key model.QueueKey, queueFor func(ctx context.Context) (resource.QueueClient, error), dispatcher Dispatcher) *Listener {
	return &Listener{key: key, queueFor: queueFor, dispatcher: dispatcher, done: make(chan struct{})}
}

// Start launches the polling loop in a background goroutine.
func (l *Listener) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.run(ctx)
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.poll(ctx)
		}
	}
}

func (l *Listener) poll(ctx context.Context) {
	client, err := l.queueFor(ctx)
	if err != nil {
		rqlog.L().ErrorContext(ctx, "listener failed to resolve queue client", "queue", l.key.Name(), "error", err)
		return
	}

	messages, err := client.Receive(ctx, 1)
	if err == resource.ErrQueueNotFound {
		if createErr := client.EnsureExists(ctx); createErr != nil {
			rqlog.L().ErrorContext(ctx, "listener failed to create missing queue", "queue", l.key.Name(), "error", createErr)
			return
		}
		messages, err = client.Receive(ctx, 1)
	}
	if err != nil {
		rqlog.L().ErrorContext(ctx, "listener failed to receive", "queue", l.key.Name(), "error", err)
		return
	}

	for _, msg := range messages {
		if err := l.dispatcher.OnReceived(ctx, l.key, msg.Body, true); err != nil {
			rqlog.L().ErrorContext(ctx, "listener dispatch failed", "queue", l.key.Name(), "error", err)
		}
		if err := client.Delete(ctx, msg.ID, msg.PopReceipt); err != nil {
			rqlog.L().ErrorContext(ctx, "listener failed to delete acknowledged message", "queue", l.key.Name(), "error", err)
		}
	}
}

// Stop cancels the polling loop and waits for the in-flight iteration to finish.
func (l *Listener) Stop() {
	l.once.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		<-l.done
	})
}
