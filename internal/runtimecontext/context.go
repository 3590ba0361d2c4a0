// Package runtimecontext holds this peer's process-wide singletons as fields
// of one explicit struct, per spec.md §9 "Global static state": the process
// identity and the local-sequence counter are the two pieces of state that
// must be shared by every component in a peer, so they live here instead of
// as package-level mutable variables anywhere else in the module.
package runtimecontext

import (
	"sync/atomic"

	"github.com/chris-alexander-pop/reliable-queue/pkg/reliableq/identity"
)

// Context is constructed once per peer (one per host process embedding this
// library) and threaded explicitly into every component that needs the
// peer's identity or the next local sequence number.
type Context struct {
	identity string
	seq      atomic.Uint32
}

// New constructs a Context with a freshly computed peer identity.
func New() *Context {
	return &Context{identity: identity.New()}
}

// NewWithIdentity builds a Context with an explicit identity string, for
// tests that need deterministic or colliding identities (e.g. simulating two
// peers under the same configured Source name, spec §9 "Ambiguity to flag").
func NewWithIdentity(id string) *Context {
	return &Context{identity: id}
}

// Identity returns this peer's "<safe(hostname)>-<pid>" identity string.
func (c *Context) Identity() string { return c.identity }

// NextLocalSequence returns this peer's next monotonically increasing
// 32-bit counter value, used as the Message.LocalSequence tie-breaker.
func (c *Context) NextLocalSequence() uint32 {
	return c.seq.Add(1)
}
