package model

import (
	"strings"

	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/identity"
)

// DefaultTopicID is the reserved identifier for the implicit topic used when
// the sender supplies none. The default topic bypasses affinity arbitration
// entirely (spec §4.5 step 1): any peer may process any default-topic message,
// with no ordering guarantee.
const DefaultTopicID = "__default__"

// Topic identifies a sub-channel within a queue whose messages are delivered
// in order (except the default topic, which has no ordering guarantee).
type Topic struct {
	name string
	id   string
}

// NewTopic builds a Topic from a user-supplied name. An empty or
// whitespace-only name resolves to the reserved default topic.
func NewTopic(name string) Topic {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Topic{name: "", id: DefaultTopicID}
	}
	return Topic{name: trimmed, id: identity.Safe(trimmed)}
}

// DefaultTopic returns the reserved default topic.
func DefaultTopic() Topic { return NewTopic("") }

// ID returns the sanitized identifier used as the table partition key / row key.
func (t Topic) ID() string { return t.id }

// Name returns the original user-supplied name ("" for the default topic).
func (t Topic) Name() string { return t.name }

// IsDefault reports whether this is the reserved default topic.
func (t Topic) IsDefault() bool { return t.id == DefaultTopicID }

// IsEmpty mirrors the field consumers see on delivered events (spec S1):
// true exactly when this is the default topic.
func (t Topic) IsEmpty() bool { return t.IsDefault() }

func (t Topic) String() string { return t.id }
