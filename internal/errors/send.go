package appErrors

import (
	"errors"
	"fmt"
)

type SendErrorKind int

const (
	SendRetryable SendErrorKind = iota
	SendTerminalRecipient
	SendTerminalIdentity
)

func (k SendErrorKind) String() string {
	switch k {
	case SendRetryable:
		return "retryable"
	case SendTerminalRecipient:
		return "terminal_recipient"
	case SendTerminalIdentity:
		return "terminal_identity"
	}
	return "unknown"
}

// SendError is a classified transport failure.
type SendError struct {
	Kind SendErrorKind
	Code string
	Err  error
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s send error (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s send error: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Retryable() bool { return e.Kind == SendRetryable }

func (e *SendError) IdentityLevel() bool { return e.Kind == SendTerminalIdentity }

func NewRetryable(code string, err error) *SendError {
	return &SendError{Kind: SendRetryable, Code: code, Err: err}
}

func NewTerminalRecipient(code string, err error) *SendError {
	return &SendError{Kind: SendTerminalRecipient, Code: code, Err: err}
}

func NewTerminalIdentity(code string, err error) *SendError {
	return &SendError{Kind: SendTerminalIdentity, Code: code, Err: err}
}

// ClassifiedError is what the dispatch engine needs from a transport error.
type ClassifiedError interface {
	error
	Retryable() bool
	IdentityLevel() bool
}

// Classify returns err as a ClassifiedError. Unclassified errors are treated
// as terminal for the recipient only.
func Classify(err error) ClassifiedError {
	if err == nil {
		return nil
	}
	var ce ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return NewTerminalRecipient("", err)
}

// PersistenceError wraps a store failure during an operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func NewPersistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

func IsPersistence(err error) bool {
	var e *PersistenceError
	return errors.As(err, &e)
}
