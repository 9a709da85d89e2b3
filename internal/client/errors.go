package client

import (
	"errors"
	"fmt"
)

// FallbackSubmitMessage is reported when a rejected submission carries no detail
const FallbackSubmitMessage = "failed to submit generation request"

// SubmissionErrorKind classifies why a submission failed
type SubmissionErrorKind int

const (
	// SubmissionTransport means no HTTP response was received
	SubmissionTransport SubmissionErrorKind = iota + 1
	// SubmissionRejected means the backend answered with a non-2xx status
	SubmissionRejected
	// SubmissionProtocol means a 2xx response could not be used
	SubmissionProtocol
)

func (k SubmissionErrorKind) String() string {
	switch k {
	case SubmissionTransport:
		return "transport"
	case SubmissionRejected:
		return "rejected"
	case SubmissionProtocol:
		return "protocol"
	}
	return "unknown"
}

// SubmissionError is returned by Submit
type SubmissionError struct {
	Kind       SubmissionErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsSubmissionKind reports whether err is a SubmissionError of the given kind
func IsSubmissionKind(err error, kind SubmissionErrorKind) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Kind == kind
}

// StatusError is returned by Status when the status query fails
type StatusError struct {
	RequestID  string
	StatusCode int
	// Malformed is set when a 2xx body could not be decoded
	Malformed bool
	Err       error
}

func (e *StatusError) Error() string {
	switch {
	case e.Malformed:
		return fmt.Sprintf("malformed status response for %s: %v", e.RequestID, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("status request for %s failed: %d: %v", e.RequestID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("status request for %s failed: %v", e.RequestID, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}
