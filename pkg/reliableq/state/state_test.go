package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqtest"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/body"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/state"
)

type fakeSender struct{ sent int }

func (f *fakeSender) Send(ctx context.Context, key model.QueueKey, msg *model.Message) error {
	f.sent++
	return nil
}

type fakeDispatcher struct{ handled bool }

func (f *fakeDispatcher) Dispatch(ctx context.Context, key model.QueueKey, msg *model.Message) bool {
	return f.handled
}

type StateSuite struct {
	*rqtest.Suite
	broker *resource.Broker
	store  *state.Store
	bodies *body.BlobStore
	sender *fakeSender
	key    model.QueueKey
}

func TestStateSuite(t *testing.T) {
	rqtest.Run(t, &StateSuite{Suite: rqtest.NewSuite()})
}

func (s *StateSuite) SetupTest() {
	s.Suite.SetupTest()
	s.broker = resource.NewBroker(rqtest.NewFakeFactory(), 0)
	connFn := func(model.QueueKey) (string, error) { return "conn", nil }
	s.bodies = body.New(s.broker, connFn)
	s.sender = &fakeSender{}
	s.store = state.New(s.broker, connFn, s.bodies, s.sender)
	s.key = model.NewQueueKey("orders")
}

func (s *StateSuite) newMessage(id string) *model.Message {
	return model.NewMessage(id, s.key, model.DefaultTopic(), "peer-1", 3, time.Minute, time.Minute)
}

func (s *StateSuite) TestAddAssignsSequenceAndETag() {
	msg := s.newMessage("m1")
	s.Require().NoError(s.store.Add(s.Ctx, msg))
	s.NotEmpty(msg.ETag)
	s.NotZero(msg.Sequence)
}

func (s *StateSuite) TestAddDuplicateIsConflict() {
	msg := s.newMessage("m2")
	s.Require().NoError(s.store.Add(s.Ctx, msg))

	dup := s.newMessage("m2")
	err := s.store.Add(s.Ctx, dup)
	s.Error(err)
}

func (s *StateSuite) TestQueueThenGetQueuedInTopic() {
	msg := s.newMessage("m3")
	s.Require().NoError(s.store.Add(s.Ctx, msg))
	s.Require().NoError(s.store.Queue(s.Ctx, msg))

	rows, err := s.store.GetQueuedInTopic(s.Ctx, s.key, model.DefaultTopic())
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal(msg.ID, rows[0].ID)
	s.Equal(model.StateQueued, rows[0].State)
}

func (s *StateSuite) TestGetQueuedInTopicEmptyWhenNoRows() {
	rows, err := s.store.GetQueuedInTopic(s.Ctx, s.key, model.NewTopic("ghost"))
	s.Require().NoError(err)
	s.Empty(rows)
}

func (s *StateSuite) TestProcessSuccessDeletesRowAndBody() {
	msg := s.newMessage("m4")
	s.Require().NoError(s.store.Add(s.Ctx, msg))
	s.Require().NoError(s.store.Queue(s.Ctx, msg))
	_, err := s.bodies.Write(s.Ctx, s.key, msg.ID, []byte("payload"))
	s.Require().NoError(err)

	ok, err := s.store.Process(s.Ctx, s.key, msg, &fakeDispatcher{handled: true}, true)
	s.Require().NoError(err)
	s.True(ok)

	rows, err := s.store.GetQueuedInTopic(s.Ctx, s.key, model.DefaultTopic())
	s.Require().NoError(err)
	s.Empty(rows)

	_, isNull, err := s.bodies.Read(s.Ctx, s.key, msg.ID)
	s.Require().NoError(err)
	s.True(isNull)
}

func (s *StateSuite) TestProcessFailureRequeuesAndNotifies() {
	msg := s.newMessage("m5")
	s.Require().NoError(s.store.Add(s.Ctx, msg))
	s.Require().NoError(s.store.Queue(s.Ctx, msg))

	ok, err := s.store.Process(s.Ctx, s.key, msg, &fakeDispatcher{handled: false}, true)
	s.Require().NoError(err)
	s.False(ok)
	s.Equal(1, s.sender.sent)

	rows, err := s.store.GetQueuedInTopic(s.Ctx, s.key, model.DefaultTopic())
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal(1, rows[0].Attempts)
}

func (s *StateSuite) TestProcessNoSubscribersLeavesQueued() {
	msg := s.newMessage("m6")
	s.Require().NoError(s.store.Add(s.Ctx, msg))
	s.Require().NoError(s.store.Queue(s.Ctx, msg))

	ok, err := s.store.Process(s.Ctx, s.key, msg, &fakeDispatcher{}, false)
	s.Require().NoError(err)
	s.False(ok)

	rows, err := s.store.GetQueuedInTopic(s.Ctx, s.key, model.DefaultTopic())
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal(0, rows[0].Attempts)
}

func (s *StateSuite) TestProcessExceedingMaxAttemptsFails() {
	msg := s.newMessage("m7")
	msg.MaxAttempts = 0
	s.Require().NoError(s.store.Add(s.Ctx, msg))
	s.Require().NoError(s.store.Queue(s.Ctx, msg))

	ok, err := s.store.Process(s.Ctx, s.key, msg, &fakeDispatcher{handled: false}, true)
	s.Require().NoError(err)
	s.False(ok)

	handles, err := s.broker.Handles(s.Ctx, "conn", s.key)
	s.Require().NoError(err)
	entity, err := handles.State.Retrieve(s.Ctx, msg.PartitionKey, msg.RowKey)
	s.Require().NoError(err)
	s.Equal("Failed", entity.Properties["State"])
}

var _ suite.TestingSuite = (*StateSuite)(nil)
