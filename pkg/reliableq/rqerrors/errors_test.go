package rqerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := Message("orders", "msg-1", "boom", nil)

	assert.True(t, Is(err, KindMessage))
	assert.False(t, Is(err, KindTimeout))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Message("orders", "msg-1", "wrapped", cause)

	assert.ErrorIs(t, err, cause)
}

func TestMessageStateError(t *testing.T) {
	err := MessageState("orders", "msg-1", stringerOf("Queued"), stringerOf("Failed"))
	assert.Contains(t, err.Error(), "expected state Queued")
	assert.Contains(t, err.Error(), "observed Failed")
	assert.True(t, Is(err, KindMessageState))
}

type stringerOf string

func (s stringerOf) String() string { return string(s) }
