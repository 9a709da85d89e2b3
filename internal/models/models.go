package models

import "strings"

// Job status values reported by the backend
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"

	// The backend's own status endpoint emits these spellings
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Model categories returned by the model directory
const (
	CategoryBase   = "base"
	CategoryMerged = "merged"
	CategoryLora   = "lora"
)

// Resolution is the explicit width/height pair sent to the backend
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// GenerateRequest is the body of POST /generate
type GenerateRequest struct {
	Prompt         string     `json:"prompt"`
	Model          string     `json:"model"`
	Steps          int        `json:"steps"`
	CFG            float64    `json:"cfg"`
	Seed           int64      `json:"seed"`
	Resolution     Resolution `json:"resolution"`
	NegativePrompt *string    `json:"negative_prompt,omitempty"`
}

// GenerateResponse is returned from a successful submission
type GenerateResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StatusResponse is returned from GET /generate/status/{id}
type StatusResponse struct {
	RequestID    string   `json:"request_id,omitempty"`
	Status       string   `json:"status"`
	Progress     *float64 `json:"progress,omitempty"`
	ImageURL     string   `json:"image_url,omitempty"`
	Error        string   `json:"error,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// FailureReason returns the server supplied failure text, if any
func (s *StatusResponse) FailureReason() string {
	if s.Error != "" {
		return s.Error
	}
	return s.ErrorMessage
}

// ErrorResponse is the body of a non-2xx backend response
type ErrorResponse struct {
	Detail any `json:"detail"`
}

// ModelInfo describes one entry of the model directory
type ModelInfo struct {
	Filename    string `json:"filename"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category,omitempty"`
	Size        *int64 `json:"size,omitempty"`
	Description string `json:"description,omitempty"`
}

// ModelList is returned from GET /models
type ModelList struct {
	Base   []ModelInfo `json:"base"`
	Merged []ModelInfo `json:"merged"`
	Lora   []ModelInfo `json:"lora"`
}

// Default returns the first base model, which is what the form preselects
func (l *ModelList) Default() (ModelInfo, bool) {
	if l == nil || len(l.Base) == 0 {
		return ModelInfo{}, false
	}
	return l.Base[0], true
}

// Category returns the models of one category
func (l *ModelList) Category(name string) []ModelInfo {
	if l == nil {
		return nil
	}
	switch strings.ToLower(name) {
	case CategoryBase:
		return l.Base
	case CategoryMerged:
		return l.Merged
	case CategoryLora:
		return l.Lora
	}
	return nil
}

// Find looks a model up by filename across all categories
func (l *ModelList) Find(filename string) (ModelInfo, bool) {
	if l == nil || filename == "" {
		return ModelInfo{}, false
	}
	for _, group := range [][]ModelInfo{l.Base, l.Merged, l.Lora} {
		for _, m := range group {
			if m.Filename == filename {
				return m, true
			}
		}
	}
	return ModelInfo{}, false
}

// HealthResponse is returned from GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}
