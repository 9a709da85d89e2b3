package generation

import (
	"errors"
	"fmt"
)

// ValidationError is a local, pre-flight failure. It never involves a network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Prompt validation outcomes, in priority order
var (
	ErrPromptRequired = &ValidationError{Field: "prompt", Reason: "prompt required"}
	ErrPromptTooShort = &ValidationError{Field: "prompt", Reason: "too short"}
	ErrPromptTooLong  = &ValidationError{Field: "prompt", Reason: "too long"}
)

// ErrModelRequired is returned when no model reference was selected
var ErrModelRequired = &ValidationError{Field: "model", Reason: "model required"}

// ErrInvalidResolution is returned for a resolution outside WIDTHxHEIGHT form
var ErrInvalidResolution = errors.New("invalid resolution")

var (
	// ErrSlotOccupied is returned by Generate when the machine is not idle
	ErrSlotOccupied = errors.New("a generation request is already in progress")
	// ErrRequestActive is returned by Reset while a request is still in flight
	ErrRequestActive = errors.New("cannot reset while a generation request is active")
	// ErrMachineClosed is returned after Close
	ErrMachineClosed = errors.New("generation machine is closed")
	// ErrSessionExists is returned when polling is started twice for one request
	ErrSessionExists = errors.New("poll session already exists for request")
	// ErrPollerClosed is returned by Start after Close
	ErrPollerClosed = errors.New("poller is closed")
)

// Failure reasons surfaced on the request
const (
	ReasonGenerationFailed = "generation failed"
	ReasonStatusCheck      = "failed to check generation status"
	ReasonTimedOut         = "generation timed out"
	ReasonMalformed        = "invalid generation status response"
	ReasonMissingImage     = "generation completed without an image"
)

// PollErrorKind classifies terminal polling failures
type PollErrorKind int

const (
	// PollTransportFailure means the status query itself failed
	PollTransportFailure PollErrorKind = iota + 1
	// PollServerReportedFailure means the backend reported the job as failed
	PollServerReportedFailure
	// PollTimeout means the deadline elapsed without a terminal status
	PollTimeout
	// PollMalformedResponse means the status response could not be interpreted
	PollMalformedResponse
)

func (k PollErrorKind) String() string {
	switch k {
	case PollTransportFailure:
		return "transport_failure"
	case PollServerReportedFailure:
		return "server_reported_failure"
	case PollTimeout:
		return "timeout"
	case PollMalformedResponse:
		return "malformed_response"
	}
	return "unknown"
}

// PollError is the terminal failure of a poll session
type PollError struct {
	Kind      PollErrorKind
	RequestID string
	Reason    string
	Err       error
}

func (e *PollError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// IsPollKind reports whether err is a PollError of the given kind
func IsPollKind(err error, kind PollErrorKind) bool {
	var pe *PollError
	return errors.As(err, &pe) && pe.Kind == kind
}
