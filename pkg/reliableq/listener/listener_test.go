package listener_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqtest"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/listener"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (d *recordingDispatcher) OnReceived(ctx context.Context, key model.QueueKey, payload []byte, canReceive bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, payload)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

func TestListenerDrainsAndDeletesMessages(t *testing.T) {
	factory := rqtest.NewFakeFactory()
	key := model.NewQueueKey("orders")
	queue, err := factory.NewQueueClient("conn", resource.NotificationQueueName(key))
	if err != nil {
		t.Fatal(err)
	}
	if err := queue.Enqueue(context.Background(), []byte("payload-1")); err != nil {
		t.Fatal(err)
	}

	dispatcher := &recordingDispatcher{}
	l := listener.New(key, func(ctx context.Context) (resource.QueueClient, error) {
		return factory.NewQueueClient("conn", resource.NotificationQueueName(key))
	}, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for dispatcher.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if dispatcher.count() != 1 {
		t.Fatalf("expected exactly one dispatched payload, got %d", dispatcher.count())
	}

	fake := queue.(*rqtest.FakeQueue)
	for fake.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := fake.Len(); n != 0 {
		t.Fatalf("expected the dispatched message to be deleted from the queue, %d left", n)
	}
}
