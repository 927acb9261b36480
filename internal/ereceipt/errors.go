package ereceipt

import (
	"errors"
	"fmt"
)

// Base error kinds. Callers match with errors.Is; the typed wrappers below
// add operation context and unwrap to these.
var (
	ErrInvalidCredentials = errors.New("ereceipt: invalid credentials")
	ErrUnauthorized       = errors.New("ereceipt: unauthorized")
	ErrNotFound           = errors.New("ereceipt: receipt not found")
	ErrTransport          = errors.New("ereceipt: transport failure")
	ErrMalformedResponse  = errors.New("ereceipt: malformed response")
)

// ValidationError reports a batch invariant violated before any network
// call. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// AuthError reports a failed authenticate call. Kind is
// ErrInvalidCredentials or ErrTransport.
type AuthError struct {
	Kind error
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authenticate: %v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("authenticate: %v", e.Kind)
}

func (e *AuthError) Unwrap() []error { return []error{e.Kind, e.Err} }

// SubmissionError reports a failed batch submission. Kind is
// ErrUnauthorized, ErrTransport or ErrMalformedResponse. Per-document
// rejections are not a SubmissionError.
type SubmissionError struct {
	Kind error
	Err  error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submit batch: %v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("submit batch: %v", e.Kind)
}

func (e *SubmissionError) Unwrap() []error { return []error{e.Kind, e.Err} }

// LookupError reports a failed status lookup for one receipt UUID. Kind is
// ErrNotFound, ErrUnauthorized or ErrTransport.
type LookupError struct {
	UUID string
	Kind error
	Err  error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lookup %s: %v: %v", e.UUID, e.Kind, e.Err)
	}
	return fmt.Sprintf("lookup %s: %v", e.UUID, e.Kind)
}

func (e *LookupError) Unwrap() []error { return []error{e.Kind, e.Err} }
