// Package rqerrors implements the error taxonomy from spec.md §7.
//
// This mirrors the teacher's pkg/errors convention (AppError{Code, Message,
// Cause}, a New/Wrap constructor pair) but is scoped to this module: the
// package is named rqerrors rather than errors so call sites can import the
// standard library's errors package in the same file without an alias.
//
// Every domain error carries the queueKey and, where applicable, the
// messageID it occurred on, and satisfies errors.Is/errors.As against its
// Kind and against ReliableQueueError, the catch-all marker every other kind
// implements.
package rqerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the distinct error kinds from spec §7.
type Kind string

const (
	KindConfig        Kind = "ConfigError"
	KindUnknownQueue   Kind = "UnknownQueueError"
	KindMode           Kind = "ModeError"
	KindMessage        Kind = "MessageError"
	KindMessageState   Kind = "MessageStateError"
	KindTimeout        Kind = "TimeoutError"
)

// Error is the concrete type behind every constructor in this package. It
// implements ReliableQueueError, the catch-all base spec §7 calls for.
type Error struct {
	Kind      Kind
	QueueKey  string
	MessageID string
	Message   string
	Cause     error
}

// ReliableQueueError is the catch-all marker interface every *Error satisfies.
// Code can type-switch on it without caring which concrete Kind it is.
type ReliableQueueError interface {
	error
	ReliableQueueErr()
}

func (e *Error) ReliableQueueErr() {}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: queue=%s", e.Kind, e.QueueKey)
	if e.MessageID != "" {
		msg += fmt.Sprintf(" message=%s", e.MessageID)
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, &Error{Kind: KindMessage}) match any *Error of that
// Kind, regardless of queue/message/message text.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind == "" {
		return true
	}
	return t.Kind == e.Kind
}

func new_(kind Kind, queueKey, messageID, message string, cause error) *Error {
	return &Error{Kind: kind, QueueKey: queueKey, MessageID: messageID, Message: message, Cause: cause}
}

// Config builds a ConfigError: malformed or missing configuration, fatal at
// construction time.
func Config(queueKey, message string, cause error) *Error {
	return new_(KindConfig, queueKey, "", message, cause)
}

// UnknownQueue builds an UnknownQueueError: the queue key was never configured.
func UnknownQueue(queueKey string) *Error {
	return new_(KindUnknownQueue, queueKey, "", "queue is not configured", nil)
}

// Mode builds a ModeError: the attempted operation is disallowed by the
// queue's configured mode (Send/Receive/Both).
func Mode(queueKey, message string) *Error {
	return new_(KindMode, queueKey, "", message, nil)
}

// Message builds a MessageError: a storage/table/blob failure while handling
// a specific message.
func Message(queueKey, messageID, message string, cause error) *Error {
	return new_(KindMessage, queueKey, messageID, message, cause)
}

// MessageState builds a MessageStateError: the observed state differed from
// what the transition expected.
func MessageState(queueKey, messageID string, expected, actual fmt.Stringer) *Error {
	return new_(KindMessageState, queueKey, messageID,
		fmt.Sprintf("expected state %s, observed %s", expected, actual), nil)
}

// Timeout builds a TimeoutError: the caller's overall deadline was exceeded.
func Timeout(queueKey, messageID, operation string) *Error {
	return new_(KindTimeout, queueKey, messageID, "timed out during "+operation, nil)
}

// Is reports whether err is a rqerrors.Error of the given Kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
