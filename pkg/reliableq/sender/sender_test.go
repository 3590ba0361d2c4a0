package sender_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqtest"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/sender"
)

type SenderSuite struct {
	*rqtest.Suite
	factory *rqtest.FakeFactory
	broker  *resource.Broker
	sender  *sender.Sender
	key     model.QueueKey
}

func TestSenderSuite(t *testing.T) {
	rqtest.Run(t, &SenderSuite{Suite: rqtest.NewSuite()})
}

func (s *SenderSuite) SetupTest() {
	s.Suite.SetupTest()
	s.factory = rqtest.NewFakeFactory()
	s.broker = resource.NewBroker(s.factory, 0)
	s.sender = sender.New(s.broker, func(model.QueueKey) (string, error) { return "conn", nil })
	s.key = model.NewQueueKey("orders")
}

func (s *SenderSuite) TestSendEnqueuesBase64EncodedJSON() {
	msg := model.NewMessage("m1", s.key, model.DefaultTopic(), "peer-1", 3, time.Minute, time.Minute)
	msg.State = model.StateQueued

	s.Require().NoError(s.sender.Send(s.Ctx, s.key, msg))

	queue, err := s.factory.NewQueueClient("conn", resource.NotificationQueueName(s.key))
	s.Require().NoError(err)
	received, err := queue.Receive(s.Ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(received, 1)

	raw, err := base64.StdEncoding.DecodeString(string(received[0].Body))
	s.Require().NoError(err)

	var n sender.Notification
	s.Require().NoError(json.Unmarshal(raw, &n))
	s.Equal("m1", n.ID)
	s.Equal("Queued", n.State)
}

var _ suite.TestingSuite = (*SenderSuite)(nil)
