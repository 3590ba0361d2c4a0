package model

import "time"

// Message is one record per in-flight message: the durable entity backing a
// row in the state table (spec §3).
type Message struct {
	ID    string
	Queue QueueKey
	Topic Topic

	// Source is the identity of the process that created this message. It
	// never changes after creation.
	Source string

	// Owner is the identity of the process currently acting on this message.
	// It changes on every transition (queue, process, requeue).
	Owner string

	CreatedUTC     time.Time
	LastUpdatedUTC time.Time

	// Sequence is a global, storage-assigned ordering key, set exactly once
	// on first persist (spec invariant I6).
	Sequence int64

	// LocalSequence is a per-process monotonically increasing counter used as
	// a tie-breaker when two messages share a Source (spec §3 comparator;
	// corrected reading in spec §9).
	LocalSequence uint32

	// SourceIdentity is the full peer identity (hostname-pid) of the process
	// that assigned LocalSequence. Two different processes can share a
	// Source value in degenerate configurations; the comparator must compare
	// SourceIdentity, not just Source, before trusting LocalSequence (see
	// spec §9 "Ambiguity to flag").
	SourceIdentity string

	Attempts    int
	MaxAttempts int

	State State

	ProcessingTimeout time.Duration
	OverallTimeout    time.Duration

	BodyIsNull bool
	Size       *int64

	ETag       string
	PartitionKey string
	RowKey       string

	// CorrelationID is an optional, additive field (SPEC_FULL §3a) propagated
	// into the notification payload for cross-message correlation. It plays
	// no role in any invariant.
	CorrelationID string
}

// NewMessage builds a fresh message in state New, with partition/row keys
// derived per spec (partitionKey = topic id, rowKey = message id).
func NewMessage(id string, queue QueueKey, topic Topic, source string, maxAttempts int, processingTimeout, overallTimeout time.Duration) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:                id,
		Queue:             queue,
		Topic:             topic,
		Source:            source,
		Owner:             source,
		CreatedUTC:        now,
		LastUpdatedUTC:    now,
		MaxAttempts:       maxAttempts,
		State:             StateNew,
		ProcessingTimeout: processingTimeout,
		OverallTimeout:    overallTimeout,
		BodyIsNull:        true,
		PartitionKey:      topic.ID(),
		RowKey:            id,
	}
}

// Less implements the ordering invariant from spec §3, corrected per §9:
// if both messages were assigned LocalSequence by the same peer identity,
// compare LocalSequence; otherwise fall back to the cross-peer Sequence.
func Less(a, b *Message) bool {
	if a.SourceIdentity != "" && a.SourceIdentity == b.SourceIdentity {
		return a.LocalSequence < b.LocalSequence
	}
	return a.Sequence < b.Sequence
}

// SortByOrder sorts msgs in place per Less, ascending.
func SortByOrder(msgs []*Message) {
	// Insertion sort is fine here: snapshots are small (one topic's live
	// Queued rows within the sliding window), and keeping the comparator
	// visible as a named function (rather than burying it in sort.Slice)
	// matches how spec §3 frames it as a standalone invariant.
	for i := 1; i < len(msgs); i++ {
		j := i
		for j > 0 && Less(msgs[j], msgs[j-1]) {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
			j--
		}
	}
}
