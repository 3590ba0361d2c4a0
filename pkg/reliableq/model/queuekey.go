package model

import (
	"strings"

	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/identity"
)

// QueueKey identifies one configured queue: one notification queue, one
// state table, one topic-affinity table, and one blob container.
//
// Equality (Equal) and the String form use the sanitized identifier (Safe),
// not the raw user-supplied name, so "Orders" and "orders" name the same
// queue. QueueKey defines no ordering of its own.
type QueueKey struct {
	name      string
	safe      string
	tableSafe string
}

// NewQueueKey sanitizes name into its two derived identifiers.
func NewQueueKey(name string) QueueKey {
	return QueueKey{
		name:      name,
		safe:      identity.Safe(name),
		tableSafe: identity.TableSafe(name),
	}
}

// Name returns the original, user-supplied queue name.
func (k QueueKey) Name() string { return k.name }

// Safe returns the storage-safe identifier (lowercase alphanumerics, '-' elsewhere).
func (k QueueKey) Safe() string { return k.safe }

// TableSafe returns the stricter identifier required by table names.
func (k QueueKey) TableSafe() string { return k.tableSafe }

// Equal compares two QueueKeys case-insensitively via their sanitized form.
func (k QueueKey) Equal(other QueueKey) bool {
	return strings.EqualFold(k.safe, other.safe)
}

func (k QueueKey) String() string { return k.safe }
