package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Gelotto/imagegen-client/internal/client"
	"github.com/Gelotto/imagegen-client/internal/models"
)

// StatusStep is one scripted answer to a status query
type StatusStep struct {
	Response *models.StatusResponse
	Err      error
}

// Step wraps a status response
func Step(resp *models.StatusResponse) StatusStep {
	return StatusStep{Response: resp}
}

// ErrStep wraps a status query failure
func ErrStep(err error) StatusStep {
	return StatusStep{Err: err}
}

// MockBackend is an in-memory generation backend for testing. Status answers
// are scripted per request id; the last step of a script repeats forever.
type MockBackend struct {
	mu sync.Mutex

	// Configure behavior
	SubmitFunc func(ctx context.Context, req *models.GenerateRequest) (string, error)
	StatusFunc func(ctx context.Context, requestID string) (*models.StatusResponse, error)

	// Track calls
	SubmitCalls []models.GenerateRequest
	statusCalls int32
	perRequest  map[string]int

	scripts map[string][]StatusStep
	nextID  int
	// IDs are handed out in order when set, instead of generated ones
	IDs []string
}

// NewMockBackend creates a backend that accepts every submission and reports
// queued for unscripted requests
func NewMockBackend() *MockBackend {
	return &MockBackend{
		SubmitCalls: make([]models.GenerateRequest, 0),
		perRequest:  make(map[string]int),
		scripts:     make(map[string][]StatusStep),
	}
}

// Submit records the payload and returns the next request id
func (m *MockBackend) Submit(ctx context.Context, req *models.GenerateRequest) (string, error) {
	m.mu.Lock()
	m.SubmitCalls = append(m.SubmitCalls, *req)
	fn := m.SubmitFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.IDs) > 0 {
		id := m.IDs[0]
		m.IDs = m.IDs[1:]
		return id, nil
	}
	m.nextID++
	return fmt.Sprintf("req-%d", m.nextID), nil
}

// Status answers from the script for requestID
func (m *MockBackend) Status(ctx context.Context, requestID string) (*models.StatusResponse, error) {
	atomic.AddInt32(&m.statusCalls, 1)

	m.mu.Lock()
	m.perRequest[requestID]++
	fn := m.StatusFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, requestID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	steps := m.scripts[requestID]
	if len(steps) == 0 {
		return QueuedStatus(requestID), nil
	}
	step := steps[0]
	if len(steps) > 1 {
		m.scripts[requestID] = steps[1:]
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Script sets the status answers for requestID
func (m *MockBackend) Script(requestID string, steps ...StatusStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[requestID] = steps
}

// FailSubmissions makes every submission fail with err
func (m *MockBackend) FailSubmissions(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitFunc = func(ctx context.Context, req *models.GenerateRequest) (string, error) {
		return "", err
	}
}

// GetSubmitCalls returns the number of submissions (thread-safe)
func (m *MockBackend) GetSubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SubmitCalls)
}

// GetStatusCalls returns the number of status queries (thread-safe)
func (m *MockBackend) GetStatusCalls() int {
	return int(atomic.LoadInt32(&m.statusCalls))
}

// StatusCallsFor returns the number of status queries for one request
func (m *MockBackend) StatusCallsFor(requestID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perRequest[requestID]
}

// RejectedError returns a submission rejection as the API client reports it
func RejectedError(statusCode int, message string) error {
	return &client.SubmissionError{Kind: client.SubmissionRejected, StatusCode: statusCode, Message: message}
}

// TransportError returns a submission transport failure
func TransportError() error {
	return &client.SubmissionError{
		Kind:    client.SubmissionTransport,
		Message: "failed to reach generation backend",
		Err:     fmt.Errorf("dial tcp 127.0.0.1:8000: connect: connection refused"),
	}
}

// MalformedStatusError returns a status error for an undecodable body
func MalformedStatusError(requestID string) error {
	return &client.StatusError{RequestID: requestID, StatusCode: 200, Malformed: true, Err: fmt.Errorf("invalid character '<'")}
}
