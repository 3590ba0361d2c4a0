// Package state implements the message-state store from spec.md §4.4: the
// durable record of each message's position in its New -> Queued ->
// Processing -> (deleted | Failed) lifecycle, backed by one KV table row
// per message.
package state

import (
	"context"
	"strconv"
	"time"

	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/body"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/model"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/resource"
	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/rqerrors"
)

// Sender is the narrow notification-sending capability state needs from
// pkg/reliableq/sender, kept as an interface here to avoid an import cycle
// (sender depends on nothing in state, but state's retry-on-failure path
// needs to re-notify).
type Sender interface {
	Send(ctx context.Context, key model.QueueKey, msg *model.Message) error
}

// QueueService is what process() calls back into once a message has been
// claimed for Processing: the subscriber dispatch itself lives in
// pkg/reliableq/receiver, which implements this interface.
type QueueService interface {
	Dispatch(ctx context.Context, key model.QueueKey, msg *model.Message) (handled bool)
}

// Store is the five-operation contract spec §4.4 names.
type Store struct {
	broker *resource.Broker
	connFn body.ConnectionStringFunc
	bodies body.Store
	sender Sender

	// onFailed is an optional hook invoked, with a copy of the message, the
	// moment it transitions to Failed (SPEC_FULL §4b dead-letter policy).
	// Left nil, Failed messages are simply left in place per spec §9.
	onFailed func(ctx context.Context, msg *model.Message)
}

// New builds a Store.
func New(broker *resource.Broker, connFn body.ConnectionStringFunc, bodies body.Store, sender Sender) *Store {
	return &Store{broker: broker, connFn: connFn, bodies: bodies, sender: sender}
}

// OnFailed registers a hook run after a message is durably marked Failed.
func (s *Store) OnFailed(hook func(ctx context.Context, msg *model.Message)) {
	s.onFailed = hook
}

func (s *Store) tableFor(ctx context.Context, key model.QueueKey) (resource.TableClient, error) {
	connStr, err := s.connFn(key)
	if err != nil {
		return nil, err
	}
	handles, err := s.broker.Handles(ctx, connStr, key)
	if err != nil {
		return nil, err
	}
	return handles.State, nil
}

// Add inserts msg's row in state New. Idempotent by primary key
// (topicId, msgId): a duplicate insert surfaces as a MessageError rather
// than silently succeeding, since the caller always allocates a fresh id.
func (s *Store) Add(ctx context.Context, msg *model.Message) error {
	table, err := s.tableFor(ctx, msg.Queue)
	if err != nil {
		return err
	}

	entity := toEntity(msg)
	stored, err := withMissingTableRetry(ctx, table, func() (resource.TableEntity, error) {
		return table.Insert(ctx, entity)
	})
	if err != nil {
		return rqerrors.Message(msg.Queue.Name(), msg.ID, "failed to add message", err)
	}
	applyEntity(msg, stored)
	// The storage Timestamp assigned on first insert is this message's
	// permanent ordering key (spec I6): it's the one value the underlying
	// table genuinely assigns itself, rather than something the caller sets.
	if msg.Sequence == 0 {
		msg.Sequence = stored.Timestamp.UnixNano()
	}
	return nil
}

// Queue merge-updates msg's row to state Queued.
func (s *Store) Queue(ctx context.Context, msg *model.Message) error {
	table, err := s.tableFor(ctx, msg.Queue)
	if err != nil {
		return err
	}

	msg.State = model.StateQueued
	msg.LastUpdatedUTC = time.Now().UTC()
	entity := toEntity(msg)
	stored, err := withMissingTableRetry(ctx, table, func() (resource.TableEntity, error) {
		return table.Merge(ctx, entity)
	})
	if err != nil {
		return rqerrors.Message(msg.Queue.Name(), msg.ID, "failed to queue message", err)
	}
	applyEntity(msg, stored)
	return nil
}

// GetQueuedInTopic returns every Queued row in topic, sorted by the
// message comparator (spec §3).
func (s *Store) GetQueuedInTopic(ctx context.Context, key model.QueueKey, topic model.Topic) ([]*model.Message, error) {
	table, err := s.tableFor(ctx, key)
	if err != nil {
		return nil, err
	}

	filter := resource.NewFilter(topic.ID()).And("State", model.StateQueued.String())
	rows, err := table.Query(ctx, filter)
	if err != nil {
		if err == resource.ErrTableNotFound {
			return nil, nil
		}
		return nil, rqerrors.Message(key.Name(), "", "failed to query queued messages", err)
	}

	msgs := make([]*model.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, fromEntity(key, row))
	}
	model.SortByOrder(msgs)
	return msgs, nil
}

// getCurrent refetches msg's row by (partitionKey, rowKey). A missing table
// is treated as transient: it is created and the lookup retried once, per
// spec §4.4. A missing row is a MessageError "missing" straight away.
func (s *Store) getCurrent(ctx context.Context, key model.QueueKey, msg *model.Message) (*model.Message, error) {
	table, err := s.tableFor(ctx, key)
	if err != nil {
		return nil, err
	}

	entity, err := withMissingTableRetry(ctx, table, func() (resource.TableEntity, error) {
		return table.Retrieve(ctx, msg.PartitionKey, msg.RowKey)
	})
	if err != nil {
		if err == resource.ErrEntityNotFound {
			return nil, rqerrors.Message(key.Name(), msg.ID, "missing", err)
		}
		return nil, rqerrors.Message(key.Name(), msg.ID, "failed to refetch message", err)
	}
	return fromEntity(key, entity), nil
}

// Process runs the core transition engine from spec §4.4: claim the message
// for Processing, invoke the subscriber via svc, then resolve to deletion or
// requeue based on the outcome. hasSubscribers models step 1 ("no
// subscribers ⇒ return false without counting an attempt").
func (s *Store) Process(ctx context.Context, key model.QueueKey, msg *model.Message, svc QueueService, hasSubscribers bool) (bool, error) {
	if !hasSubscribers {
		return false, nil
	}

	current, err := s.getCurrent(ctx, key, msg)
	if err != nil {
		return false, err
	}

	switch current.State {
	case model.StateProcessing:
		return false, nil // another peer owns it
	case model.StateQueued:
		// proceed
	default:
		return false, rqerrors.MessageState(key.Name(), msg.ID, model.StateQueued, current.State)
	}

	table, err := s.tableFor(ctx, key)
	if err != nil {
		return false, err
	}

	current.Owner = msg.Owner
	current.LastUpdatedUTC = time.Now().UTC()
	current.Attempts++
	if current.Attempts > current.MaxAttempts {
		current.State = model.StateFailed
	} else {
		current.State = model.StateProcessing
	}

	claimed, err := table.Replace(ctx, toEntity(current))
	if err != nil {
		return false, rqerrors.Message(key.Name(), msg.ID, "failed to claim message", err)
	}
	applyEntity(current, claimed)

	if current.State == model.StateFailed {
		if s.onFailed != nil {
			s.onFailed(ctx, current)
		}
		return false, nil
	}

	handled := svc.Dispatch(ctx, key, current)

	final, err := s.getCurrent(ctx, key, current)
	if err != nil {
		return false, err
	}
	if final.State != model.StateProcessing {
		return false, rqerrors.MessageState(key.Name(), msg.ID, model.StateProcessing, final.State)
	}

	if handled {
		if err := table.Delete(ctx, final.PartitionKey, final.RowKey); err != nil {
			return false, rqerrors.Message(key.Name(), msg.ID, "failed to delete completed message", err)
		}
		if err := s.bodies.Delete(ctx, key, final.ID); err != nil {
			return false, rqerrors.Message(key.Name(), msg.ID, "failed to delete completed body", err)
		}
		return true, nil
	}

	final.State = model.StateQueued
	final.Owner = msg.Owner
	final.LastUpdatedUTC = time.Now().UTC()
	if _, err := table.Replace(ctx, toEntity(final)); err != nil && err != resource.ErrEntityNotFound {
		return false, rqerrors.Message(key.Name(), msg.ID, "failed to requeue message", err)
	}
	if s.sender != nil {
		_ = s.sender.Send(ctx, key, final)
	}
	return false, nil
}

// withMissingTableRetry runs op once, and on ErrTableNotFound creates the
// table and retries op exactly once, per spec §4.4's "create and retry once".
func withMissingTableRetry(ctx context.Context, table resource.TableClient, op func() (resource.TableEntity, error)) (resource.TableEntity, error) {
	result, err := op()
	if err != resource.ErrTableNotFound {
		return result, err
	}
	if createErr := table.EnsureExists(ctx); createErr != nil {
		return resource.TableEntity{}, createErr
	}
	return op()
}

func toEntity(msg *model.Message) resource.TableEntity {
	props := map[string]any{
		"Source":            msg.Source,
		"Owner":             msg.Owner,
		"SourceIdentity":    msg.SourceIdentity,
		"CreatedUTC":        msg.CreatedUTC.Format(time.RFC3339Nano),
		"LastUpdatedUTC":    msg.LastUpdatedUTC.Format(time.RFC3339Nano),
		"Sequence":          msg.Sequence,
		"LocalSequence":     strconv.FormatUint(uint64(msg.LocalSequence), 10),
		"Attempts":          int64(msg.Attempts),
		"MaxAttempts":       int64(msg.MaxAttempts),
		"State":             msg.State.String(),
		"ProcessingTimeout": msg.ProcessingTimeout.String(),
		"OverallTimeout":    msg.OverallTimeout.String(),
		"BodyIsNull":        msg.BodyIsNull,
		"TopicName":         msg.Topic.Name(),
		"CorrelationID":     msg.CorrelationID,
	}
	if msg.Size != nil {
		props["Size"] = *msg.Size
	}
	return resource.TableEntity{
		PartitionKey: msg.PartitionKey,
		RowKey:       msg.RowKey,
		ETag:         msg.ETag,
		Properties:   props,
	}
}

func fromEntity(key model.QueueKey, e resource.TableEntity) *model.Message {
	topic := model.NewTopic(stringProp(e.Properties, "TopicName"))
	msg := &model.Message{
		ID:             e.RowKey,
		Queue:          key,
		Topic:          topic,
		Source:         stringProp(e.Properties, "Source"),
		Owner:          stringProp(e.Properties, "Owner"),
		SourceIdentity: stringProp(e.Properties, "SourceIdentity"),
		Attempts:       int(int64Prop(e.Properties, "Attempts")),
		MaxAttempts:    int(int64Prop(e.Properties, "MaxAttempts")),
		State:          model.ParseState(stringProp(e.Properties, "State")),
		BodyIsNull:     boolProp(e.Properties, "BodyIsNull"),
		CorrelationID:  stringProp(e.Properties, "CorrelationID"),
		ETag:           e.ETag,
		PartitionKey:   e.PartitionKey,
		RowKey:         e.RowKey,
		Sequence:       int64Prop(e.Properties, "Sequence"),
	}
	msg.CreatedUTC = timeProp(e.Properties, "CreatedUTC")
	msg.LastUpdatedUTC = timeProp(e.Properties, "LastUpdatedUTC")
	msg.ProcessingTimeout = durationProp(e.Properties, "ProcessingTimeout")
	msg.OverallTimeout = durationProp(e.Properties, "OverallTimeout")
	if v, ok := e.Properties["LocalSequence"]; ok {
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseUint(s, 10, 32); err == nil {
				msg.LocalSequence = uint32(n)
			}
		}
	}
	if _, ok := e.Properties["Size"]; ok {
		size := int64Prop(e.Properties, "Size")
		msg.Size = &size
	}
	return msg
}

func applyEntity(msg *model.Message, e resource.TableEntity) {
	msg.ETag = e.ETag
	if !e.Timestamp.IsZero() {
		msg.LastUpdatedUTC = e.Timestamp
	}
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func boolProp(props map[string]any, key string) bool {
	if v, ok := props[key].(bool); ok {
		return v
	}
	return false
}

func int64Prop(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func timeProp(props map[string]any, key string) time.Time {
	if v, ok := props[key].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func durationProp(props map[string]any, key string) time.Duration {
	if v, ok := props[key].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 0
}
