// Package rqobserve wraps each public component (body.Store, state.Store,
// affinity.Arbiter, sender.Sender) with slog logging and an OpenTelemetry
// span per call, mirroring the teacher's pkg/messaging.InstrumentedBroker.
// The facade builds components through these decorators; raw components
// stay directly constructible for component tests.
package rqobserve

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-alexander-pop/reliable-queue/internal/rqlog"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/affinity"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/body"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/state"
)

var tracer = otel.Tracer("reliableq")

// InstrumentedBodyStore wraps a body.Store.
type InstrumentedBodyStore struct {
	next body.Store
}

// NewInstrumentedBodyStore builds an InstrumentedBodyStore.
func NewInstrumentedBodyStore(next body.Store) *InstrumentedBodyStore {
	return &InstrumentedBodyStore{next: next}
}

func (s *InstrumentedBodyStore) Write(ctx context.Context, key model.QueueKey, messageID string, data []byte) (body.Result, error) {
	ctx, span := tracer.Start(ctx, "body.Write", trace.WithAttributes(
		attribute.String("reliableq.queue", key.Name()),
		attribute.String("reliableq.message_id", messageID),
		attribute.Int("reliableq.body_bytes", len(data)),
	))
	defer span.End()

	result, err := s.next.Write(ctx, key, messageID, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rqlog.L().ErrorContext(ctx, "body write failed", "queue", key.Name(), "message", messageID, "error", err)
		return result, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (s *InstrumentedBodyStore) Read(ctx context.Context, key model.QueueKey, messageID string) ([]byte, bool, error) {
	ctx, span := tracer.Start(ctx, "body.Read", trace.WithAttributes(
		attribute.String("reliableq.queue", key.Name()),
		attribute.String("reliableq.message_id", messageID),
	))
	defer span.End()

	data, isNull, err := s.next.Read(ctx, key, messageID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rqlog.L().ErrorContext(ctx, "body read failed", "queue", key.Name(), "message", messageID, "error", err)
		return data, isNull, err
	}
	span.SetStatus(codes.Ok, "")
	return data, isNull, nil
}

func (s *InstrumentedBodyStore) Delete(ctx context.Context, key model.QueueKey, messageID string) error {
	ctx, span := tracer.Start(ctx, "body.Delete", trace.WithAttributes(
		attribute.String("reliableq.queue", key.Name()),
		attribute.String("reliableq.message_id", messageID),
	))
	defer span.End()

	err := s.next.Delete(ctx, key, messageID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rqlog.L().ErrorContext(ctx, "body delete failed", "queue", key.Name(), "message", messageID, "error", err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// InstrumentedStateStore wraps state.Store. Process is intentionally left
// unwrapped: it's invoked from inside the scheduler's hot poll loop, where a
// span per iteration would be noise, and it already logs its own failures.
type InstrumentedStateStore struct {
	*state.Store
}

func NewInstrumentedStateStore(next *state.Store) *InstrumentedStateStore {
	return &InstrumentedStateStore{Store: next}
}

func (s *InstrumentedStateStore) Add(ctx context.Context, msg *model.Message) error {
	ctx, span := tracer.Start(ctx, "state.Add", trace.WithAttributes(
		attribute.String("reliableq.queue", msg.Queue.Name()),
		attribute.String("reliableq.message_id", msg.ID),
	))
	defer span.End()

	err := s.Store.Add(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rqlog.L().ErrorContext(ctx, "state add failed", "queue", msg.Queue.Name(), "message", msg.ID, "error", err)
	}
	return err
}

func (s *InstrumentedStateStore) Queue(ctx context.Context, msg *model.Message) error {
	ctx, span := tracer.Start(ctx, "state.Queue", trace.WithAttributes(
		attribute.String("reliableq.queue", msg.Queue.Name()),
		attribute.String("reliableq.message_id", msg.ID),
	))
	defer span.End()

	err := s.Store.Queue(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rqlog.L().ErrorContext(ctx, "state queue failed", "queue", msg.Queue.Name(), "message", msg.ID, "error", err)
	}
	return err
}

func (s *InstrumentedStateStore) GetQueuedInTopic(ctx context.Context, key model.QueueKey, topic model.Topic) ([]*model.Message, error) {
	ctx, span := tracer.Start(ctx, "state.GetQueuedInTopic", trace.WithAttributes(
		attribute.String("reliableq.queue", key.Name()),
		attribute.String("reliableq.topic", topic.Name()),
	))
	defer span.End()

	msgs, err := s.Store.GetQueuedInTopic(ctx, key, topic)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rqlog.L().ErrorContext(ctx, "state query failed", "queue", key.Name(), "topic", topic.Name(), "error", err)
	}
	return msgs, err
}

// InstrumentedArbiter wraps an affinity.Arbiter.
type InstrumentedArbiter struct {
	next *affinity.Arbiter
}

func NewInstrumentedArbiter(next *affinity.Arbiter) *InstrumentedArbiter {
	return &InstrumentedArbiter{next: next}
}

func (a *InstrumentedArbiter) Arbitrate(ctx context.Context, key model.QueueKey, topic model.Topic, canReceive bool) (affinity.Decision, error) {
	ctx, span := tracer.Start(ctx, "affinity.Arbitrate", trace.WithAttributes(
		attribute.String("reliableq.queue", key.Name()),
		attribute.String("reliableq.topic", topic.Name()),
	))
	defer span.End()

	decision, err := a.next.Arbitrate(ctx, key, topic, canReceive)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rqlog.L().ErrorContext(ctx, "affinity arbitration failed", "queue", key.Name(), "topic", topic.Name(), "error", err)
		return decision, err
	}
	span.SetAttributes(attribute.Bool("reliableq.accepted", decision == affinity.Accept))
	span.SetStatus(codes.Ok, "")
	return decision, nil
}

// Sender is the narrow surface InstrumentedSender wraps.
type Sender interface {
	Send(ctx context.Context, key model.QueueKey, msg *model.Message) error
	SendDeadLetter(ctx context.Context, key model.QueueKey, msg *model.Message) error
}

// InstrumentedSender wraps a sender.Sender.
type InstrumentedSender struct {
	next Sender
}

func NewInstrumentedSender(next Sender) *InstrumentedSender {
	return &InstrumentedSender{next: next}
}

func (s *InstrumentedSender) Send(ctx context.Context, key model.QueueKey, msg *model.Message) error {
	ctx, span := tracer.Start(ctx, "sender.Send", trace.WithAttributes(
		attribute.String("reliableq.queue", key.Name()),
		attribute.String("reliableq.message_id", msg.ID),
	))
	defer span.End()

	err := s.next.Send(ctx, key, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rqlog.L().ErrorContext(ctx, "notification send failed", "queue", key.Name(), "message", msg.ID, "error", err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *InstrumentedSender) SendDeadLetter(ctx context.Context, key model.QueueKey, msg *model.Message) error {
	ctx, span := tracer.Start(ctx, "sender.SendDeadLetter", trace.WithAttributes(
		attribute.String("reliableq.queue", key.Name()),
		attribute.String("reliableq.message_id", msg.ID),
	))
	defer span.End()

	err := s.next.SendDeadLetter(ctx, key, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rqlog.L().ErrorContext(ctx, "dead-letter send failed", "queue", key.Name(), "message", msg.ID, "error", err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
