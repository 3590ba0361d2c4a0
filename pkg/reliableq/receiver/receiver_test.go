package receiver_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqtest"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/affinity"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/body"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/receiver"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/sender"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/state"
)

func TestDecodeRawJSON(t *testing.T) {
	n := sender.Notification{ID: "m1"}
	raw, _ := json.Marshal(n)
	got, ok := receiver.Decode(raw)
	if !ok || got.ID != "m1" {
		t.Fatalf("expected decode of raw JSON to succeed, got ok=%v id=%q", ok, got.ID)
	}
}

func TestDecodeBase64JSON(t *testing.T) {
	n := sender.Notification{ID: "m2"}
	raw, _ := json.Marshal(n)
	encoded := []byte(base64.StdEncoding.EncodeToString(raw))
	got, ok := receiver.Decode(encoded)
	if !ok || got.ID != "m2" {
		t.Fatalf("expected decode of base64 JSON to succeed, got ok=%v id=%q", ok, got.ID)
	}
}

func TestDecodeEmptyPayloadDrops(t *testing.T) {
	_, ok := receiver.Decode(nil)
	if ok {
		t.Fatal("expected empty payload to fail to decode")
	}
}

type stubSubs struct {
	mu  sync.Mutex
	cbs []receiver.Callback
}

func (s *stubSubs) HasSubscribers(model.QueueKey) bool { return true }
func (s *stubSubs) Callbacks(model.QueueKey) []receiver.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cbs
}

type SchedulerSuite struct {
	*rqtest.Suite
	broker *resource.Broker
	st     *state.Store
	bodies *body.BlobStore
	arb    *affinity.Arbiter
	subs   *stubSubs
	sched  *receiver.Scheduler
	key    model.QueueKey
}

func TestSchedulerSuite(t *testing.T) {
	rqtest.Run(t, &SchedulerSuite{Suite: rqtest.NewSuite()})
}

func (s *SchedulerSuite) SetupTest() {
	s.Suite.SetupTest()
	s.broker = resource.NewBroker(rqtest.NewFakeFactory(), 0)
	connFn := func(model.QueueKey) (string, error) { return "conn", nil }
	s.bodies = body.New(s.broker, connFn)
	snd := sender.New(s.broker, connFn)
	s.st = state.New(s.broker, connFn, s.bodies, snd)
	s.arb = affinity.New(s.broker, connFn, time.Minute, "peer-1")
	s.subs = &stubSubs{}
	s.sched = receiver.NewScheduler(s.st, s.bodies, s.arb, s.subs, func(model.QueueKey) time.Duration { return 0 })
	s.key = model.NewQueueKey("orders")
}

func (s *SchedulerSuite) TestDefaultTopicMessageIsDeliveredWithinWindow() {
	msg := model.NewMessage("m1", s.key, model.DefaultTopic(), "peer-1", 3, time.Minute, time.Minute)
	s.Require().NoError(s.st.Add(s.Ctx, msg))
	s.Require().NoError(s.st.Queue(s.Ctx, msg))
	_, err := s.bodies.Write(s.Ctx, s.key, msg.ID, []byte("hello"))
	s.Require().NoError(err)

	received := make(chan receiver.Event, 1)
	s.subs.cbs = []receiver.Callback{func(ctx context.Context, evt receiver.Event) bool {
		received <- evt
		return true
	}}

	payload, err := json.Marshal(sender.ToNotification(msg))
	s.Require().NoError(err)
	s.sched.OnReceived(s.Ctx, s.key, payload, true)

	select {
	case evt := <-received:
		s.Equal("m1", evt.MessageID)
		s.Equal([]byte("hello"), evt.Body)
	case <-time.After(2 * time.Second):
		s.Fail("message was never delivered")
	}

	s.sched.Close()
}

var _ suite.TestingSuite = (*SchedulerSuite)(nil)
