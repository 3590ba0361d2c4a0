package reliableq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqtest"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/config"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/receiver"
)

type FacadeSuite struct {
	*rqtest.Suite
}

func TestFacadeSuite(t *testing.T) {
	rqtest.Run(t, &FacadeSuite{Suite: rqtest.NewSuite()})
}

func (s *FacadeSuite) newManager(queueName string) (*reliableq.Manager, *reliableq.Queue) {
	cfg := config.Config{Queues: []config.QueueConfig{{
		Name:                    queueName,
		StorageConnectionString: "UseDevelopmentStorage=true",
		Mode:                    "Both",
		IsEnabled:               true,
		CreateListener:          true,
		DefaultTimeoutSeconds:   5,
		MaxAttempts:             3,
		TopicAffinityTTLSeconds: 30,
		SlidingWindowSeconds:    0,
	}}}

	m, err := reliableq.New(cfg, rqtest.NewFakeFactory())
	s.Require().NoError(err)
	q, err := m.Queue(queueName)
	s.Require().NoError(err)
	m.StartListeners(s.Ctx)
	return m, q
}

func (s *FacadeSuite) TestDefaultTopicThreeMessagesOneSubscriber() {
	m, q := s.newManager("s1-queue")
	defer m.Close()

	var mu sync.Mutex
	var received []string

	_, err := q.Subscribe(s.Ctx, func(ctx context.Context, evt receiver.Event) bool {
		mu.Lock()
		received = append(received, string(evt.Body))
		mu.Unlock()
		return true
	})
	s.Require().NoError(err)

	for _, body := range []string{"a", "b", "c"} {
		_, err := q.Send(s.Ctx, []byte(body), "")
		s.Require().NoError(err)
	}

	deadline := time.Now().Add(6 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	s.Len(received, 3)
}

func (s *FacadeSuite) TestFailedMessageIsDeadLettered() {
	cfg := config.Config{Queues: []config.QueueConfig{
		{
			Name:                    "main-queue",
			StorageConnectionString: "UseDevelopmentStorage=true",
			Mode:                    "Both",
			IsEnabled:               true,
			CreateListener:          true,
			DefaultTimeoutSeconds:   5,
			MaxAttempts:             0,
			TopicAffinityTTLSeconds: 30,
			SlidingWindowSeconds:    0,
			DeadLetterQueue:         "dlq",
		},
		{
			Name:                    "dlq",
			StorageConnectionString: "UseDevelopmentStorage=true",
			Mode:                    "Both",
			IsEnabled:               true,
			CreateListener:          true,
			DefaultTimeoutSeconds:   5,
			MaxAttempts:             3,
			TopicAffinityTTLSeconds: 30,
			SlidingWindowSeconds:    0,
		},
	}}

	m, err := reliableq.New(cfg, rqtest.NewFakeFactory())
	s.Require().NoError(err)
	defer m.Close()
	m.StartListeners(s.Ctx)

	main, err := m.Queue("main-queue")
	s.Require().NoError(err)
	dlq, err := m.Queue("dlq")
	s.Require().NoError(err)

	var mu sync.Mutex
	var dead []string
	_, err = dlq.Subscribe(s.Ctx, func(ctx context.Context, evt receiver.Event) bool {
		mu.Lock()
		dead = append(dead, string(evt.Body))
		mu.Unlock()
		return true
	})
	s.Require().NoError(err)

	// a subscriber that always fails, with MaxAttempts=0 so the very first
	// attempt exceeds it and the message is marked Failed.
	_, err = main.Subscribe(s.Ctx, func(ctx context.Context, evt receiver.Event) bool { return false })
	s.Require().NoError(err)

	_, err = main.Send(s.Ctx, []byte("boom"), "")
	s.Require().NoError(err)

	deadline := time.Now().Add(6 * time.Second)
	for {
		mu.Lock()
		n := len(dead)
		mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(dead, 1)
	s.Equal("boom", dead[0])
}

func (s *FacadeSuite) TestModeErrorOnSendOnlyQueue() {
	cfg := config.Config{Queues: []config.QueueConfig{{
		Name:                    "send-only",
		StorageConnectionString: "UseDevelopmentStorage=true",
		Mode:                    "Send",
		IsEnabled:               true,
		DefaultTimeoutSeconds:   5,
		MaxAttempts:             3,
		TopicAffinityTTLSeconds: 30,
		SlidingWindowSeconds:    0,
	}}}
	m, err := reliableq.New(cfg, rqtest.NewFakeFactory())
	s.Require().NoError(err)
	defer m.Close()

	q, err := m.Queue("send-only")
	s.Require().NoError(err)

	_, err = q.Subscribe(s.Ctx, func(context.Context, receiver.Event) bool { return true })
	s.Error(err)
}

var _ suite.TestingSuite = (*FacadeSuite)(nil)
