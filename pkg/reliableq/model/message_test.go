package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLessSamePeerUsesLocalSequence(t *testing.T) {
	a := &Message{SourceIdentity: "peer-1", Source: "peer-1", LocalSequence: 1, Sequence: 99}
	b := &Message{SourceIdentity: "peer-1", Source: "peer-1", LocalSequence: 2, Sequence: 1}

	assert.True(t, Less(a, b), "lower local sequence from the same peer identity must sort first")
	assert.False(t, Less(b, a))
}

func TestLessDifferentPeersUsesSequence(t *testing.T) {
	a := &Message{SourceIdentity: "peer-1", LocalSequence: 5, Sequence: 10}
	b := &Message{SourceIdentity: "peer-2", LocalSequence: 1, Sequence: 20}

	assert.True(t, Less(a, b))
}

func TestLessSameSourceNameDifferentIdentity(t *testing.T) {
	// Two processes can share a logical Source (e.g. restarted with the same
	// configured name) but never the same SourceIdentity (hostname-pid). The
	// comparator must still fall back to Sequence in that case (spec §9).
	a := &Message{Source: "svc", SourceIdentity: "host-1-100", LocalSequence: 100, Sequence: 2}
	b := &Message{Source: "svc", SourceIdentity: "host-2-200", LocalSequence: 1, Sequence: 5}

	assert.True(t, Less(a, b))
}

func TestSortByOrder(t *testing.T) {
	msgs := []*Message{
		{SourceIdentity: "p", LocalSequence: 3},
		{SourceIdentity: "p", LocalSequence: 1},
		{SourceIdentity: "p", LocalSequence: 2},
	}
	SortByOrder(msgs)
	assert.Equal(t, []uint32{1, 2, 3}, []uint32{msgs[0].LocalSequence, msgs[1].LocalSequence, msgs[2].LocalSequence})
}

func TestNewMessageDefaults(t *testing.T) {
	q := NewQueueKey("orders")
	topic := NewTopic("ord")
	m := NewMessage("id-1", q, topic, "peer-a", 3, 0, 0)

	assert.Equal(t, StateNew, m.State)
	assert.True(t, m.BodyIsNull)
	assert.Equal(t, topic.ID(), m.PartitionKey)
	assert.Equal(t, "id-1", m.RowKey)
}
