// Package sender implements the notification sender from spec.md §4.6: a
// metadata-only projection of a Message, serialized to JSON then
// base64-encoded, enqueued on the queue's notification channel.
package sender

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/rqerrors"
)

// Notification is the wire shape placed on the cloud queue: every Message
// field except eTag/Timestamp, since the body lives in blob storage and the
// receiving peer refetches the authoritative row before acting on it.
type Notification struct {
	ID                string `json:"id"`
	QueueName         string `json:"queueName"`
	TopicName         string `json:"topicName"`
	Source            string `json:"source"`
	Owner             string `json:"owner"`
	SourceIdentity    string `json:"sourceIdentity"`
	CreatedUTC        time.Time `json:"createdUtc"`
	LastUpdatedUTC    time.Time `json:"lastUpdatedUtc"`
	Sequence          int64  `json:"sequence"`
	LocalSequence     uint32 `json:"localSequence"`
	Attempts          int    `json:"attempts"`
	MaxAttempts       int    `json:"maxAttempts"`
	State             string `json:"state"`
	ProcessingTimeout string `json:"processingTimeout"`
	OverallTimeout    string `json:"overallTimeout"`
	BodyIsNull        bool   `json:"bodyIsNull"`
	Size              *int64 `json:"size,omitempty"`
	CorrelationID     string `json:"correlationId,omitempty"`

	// DeadLetter marks a notification as a dead-letter copy (SPEC_FULL §4b).
	// The tag lives only on the notification; the durable Message it was
	// copied from is never modified.
	DeadLetter bool `json:"deadLetter,omitempty"`
}

// ToNotification projects msg into its wire form.
func ToNotification(msg *model.Message) Notification {
	return Notification{
		ID:                msg.ID,
		QueueName:         msg.Queue.Name(),
		TopicName:         msg.Topic.Name(),
		Source:            msg.Source,
		Owner:             msg.Owner,
		SourceIdentity:    msg.SourceIdentity,
		CreatedUTC:        msg.CreatedUTC,
		LastUpdatedUTC:    msg.LastUpdatedUTC,
		Sequence:          msg.Sequence,
		LocalSequence:     msg.LocalSequence,
		Attempts:          msg.Attempts,
		MaxAttempts:       msg.MaxAttempts,
		State:             msg.State.String(),
		ProcessingTimeout: msg.ProcessingTimeout.String(),
		OverallTimeout:    msg.OverallTimeout.String(),
		BodyIsNull:        msg.BodyIsNull,
		Size:              msg.Size,
		CorrelationID:     msg.CorrelationID,
	}
}

// Sender enqueues notifications for a fully-populated Message.
type Sender struct {
	broker *resource.Broker
	connFn func(model.QueueKey) (string, error)
}

// New builds a Sender.
func New(broker *resource.Broker, connFn func(model.QueueKey) (string, error)) *Sender {
	return &Sender{broker: broker, connFn: connFn}
}

// Send serializes msg to JSON, base64-encodes it, and enqueues it on key's
// notification queue, creating the queue and retrying once if it was
// missing (spec §4.6).
func (s *Sender) Send(ctx context.Context, key model.QueueKey, msg *model.Message) error {
	return s.send(ctx, key, msg, false)
}

// SendDeadLetter is Send, with the notification's DeadLetter tag set
// (SPEC_FULL §4b).
func (s *Sender) SendDeadLetter(ctx context.Context, key model.QueueKey, msg *model.Message) error {
	return s.send(ctx, key, msg, true)
}

func (s *Sender) send(ctx context.Context, key model.QueueKey, msg *model.Message, deadLetter bool) error {
	connStr, err := s.connFn(key)
	if err != nil {
		return err
	}
	handles, err := s.broker.Handles(ctx, connStr, key)
	if err != nil {
		return err
	}

	n := ToNotification(msg)
	n.DeadLetter = deadLetter
	payload, err := json.Marshal(n)
	if err != nil {
		return rqerrors.Message(key.Name(), msg.ID, "failed to marshal notification", err)
	}
	encoded := []byte(base64.StdEncoding.EncodeToString(payload))

	err = handles.Queue.Enqueue(ctx, encoded)
	if err == resource.ErrQueueNotFound {
		if createErr := handles.Queue.EnsureExists(ctx); createErr != nil {
			return rqerrors.Message(key.Name(), msg.ID, "failed to create notification queue", createErr)
		}
		err = handles.Queue.Enqueue(ctx, encoded)
	}
	if err != nil {
		return rqerrors.Message(key.Name(), msg.ID, "failed to enqueue notification", err)
	}
	return nil
}
