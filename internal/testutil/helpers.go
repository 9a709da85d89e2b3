package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/Gelotto/imagegen-client/internal/models"
)

// FoxPrompt is the prompt used by most lifecycle tests
const FoxPrompt = "a red fox in snow"

// TestModel is a base model filename accepted by the fake backends
const TestModel = "sdxl-base.safetensors"

// CreateGenerateRequest creates a valid submission payload
func CreateGenerateRequest(prompt string) *models.GenerateRequest {
	return &models.GenerateRequest{
		Prompt:     prompt,
		Model:      TestModel,
		Steps:      20,
		CFG:        7.0,
		Seed:       -1,
		Resolution: models.Resolution{Width: 1024, Height: 1024},
	}
}

// QueuedStatus returns a queued status response for id
func QueuedStatus(id string) *models.StatusResponse {
	return &models.StatusResponse{RequestID: id, Status: models.StatusQueued}
}

// ProcessingStatus returns a processing status response for id
func ProcessingStatus(id string, progress float64) *models.StatusResponse {
	return &models.StatusResponse{RequestID: id, Status: models.StatusProcessing, Progress: Float64Ptr(progress)}
}

// CompletedStatus returns a completed status response carrying imageURL
func CompletedStatus(id, imageURL string) *models.StatusResponse {
	return &models.StatusResponse{RequestID: id, Status: models.StatusCompleted, ImageURL: imageURL}
}

// FailedStatus returns an error status response. An empty reason leaves the
// error field unset.
func FailedStatus(id, reason string) *models.StatusResponse {
	return &models.StatusResponse{RequestID: id, Status: models.StatusError, Error: reason}
}

// LongPrompt returns a prompt of n runes
func LongPrompt(n int) string {
	return strings.Repeat("a", n)
}

// WaitForCondition waits for a condition to be true or times out
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for condition: %s", message)
}

// WaitForCallCount waits for a call count to reach expected value
func WaitForCallCount(t *testing.T, getCalls func() int, expected int, timeout time.Duration, name string) {
	t.Helper()
	WaitForCondition(t, func() bool {
		return getCalls() >= expected
	}, timeout, name+" call count")
}

// Consistently fails if condition turns false at any point during d
func Consistently(t *testing.T, condition func() bool, d time.Duration, message string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !condition() {
			t.Fatalf("Condition no longer holds: %s", message)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Float64Ptr returns a pointer to a float64
func Float64Ptr(v float64) *float64 {
	return &v
}
