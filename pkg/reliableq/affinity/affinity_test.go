package affinity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqtest"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/affinity"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
)

type AffinitySuite struct {
	*rqtest.Suite
	broker *resource.Broker
	key    model.QueueKey
	topic  model.Topic
}

func TestAffinitySuite(t *testing.T) {
	rqtest.Run(t, &AffinitySuite{Suite: rqtest.NewSuite()})
}

func (s *AffinitySuite) SetupTest() {
	s.Suite.SetupTest()
	s.broker = resource.NewBroker(rqtest.NewFakeFactory(), 0)
	s.key = model.NewQueueKey("orders")
	s.topic = model.NewTopic("ord")
}

func connFn(model.QueueKey) (string, error) { return "conn", nil }

func (s *AffinitySuite) TestDefaultTopicAlwaysAccepts() {
	arb := affinity.New(s.broker, connFn, time.Second, "peer-1")
	decision, err := arb.Arbitrate(s.Ctx, s.key, model.DefaultTopic(), true)
	s.Require().NoError(err)
	s.Equal(affinity.Accept, decision)
}

func (s *AffinitySuite) TestFirstPeerAcceptsSecondRejects() {
	peerA := affinity.New(s.broker, connFn, time.Minute, "peer-a")
	peerB := affinity.New(s.broker, connFn, time.Minute, "peer-b")

	d1, err := peerA.Arbitrate(s.Ctx, s.key, s.topic, true)
	s.Require().NoError(err)
	s.Equal(affinity.Accept, d1)

	d2, err := peerB.Arbitrate(s.Ctx, s.key, s.topic, true)
	s.Require().NoError(err)
	s.Equal(affinity.Reject, d2)
}

func (s *AffinitySuite) TestOwnerRenewsGrant() {
	peerA := affinity.New(s.broker, connFn, time.Minute, "peer-a")

	d1, err := peerA.Arbitrate(s.Ctx, s.key, s.topic, true)
	s.Require().NoError(err)
	s.Equal(affinity.Accept, d1)

	d2, err := peerA.Arbitrate(s.Ctx, s.key, s.topic, true)
	s.Require().NoError(err)
	s.Equal(affinity.Accept, d2)
}

func (s *AffinitySuite) TestExpiredGrantIsTakenOver() {
	peerA := affinity.New(s.broker, connFn, time.Millisecond, "peer-a")
	peerB := affinity.New(s.broker, connFn, time.Millisecond, "peer-b")

	d1, err := peerA.Arbitrate(s.Ctx, s.key, s.topic, true)
	s.Require().NoError(err)
	s.Equal(affinity.Accept, d1)

	time.Sleep(5 * time.Millisecond)

	d2, err := peerB.Arbitrate(s.Ctx, s.key, s.topic, true)
	s.Require().NoError(err)
	s.Equal(affinity.Accept, d2)
}

func (s *AffinitySuite) TestRejectsWhenNotConfiguredToReceive() {
	arb := affinity.New(s.broker, connFn, time.Minute, "peer-a")
	_, err := arb.Arbitrate(s.Ctx, s.key, s.topic, false)
	s.Error(err)
}

var _ suite.TestingSuite = (*AffinitySuite)(nil)
