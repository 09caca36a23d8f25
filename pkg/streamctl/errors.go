package streamctl

import (
	"github.com/pkg/errors"
)

var (
	// ErrBusy is returned by Send while another send owns the session.
	ErrBusy        = errors.New("a send is already in progress for this session")
	ErrEmptyPrompt = errors.New("prompt is empty")

	// Cancellation causes attached to a run's context.
	ErrCancelled    = errors.New("send cancelled")
	ErrStallTimeout = errors.New("stream stalled")
	ErrHardTimeout  = errors.New("send exceeded hard timeout")
)

// CredentialError reports that no usable bearer token could be obtained.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return "credential unavailable: " + e.Err.Error()
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TransportError reports a failed or aborted network stream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport failed: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// StreamError carries the message of an explicit error record.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return e.Message }
