package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Gelotto/imagegen-client/internal/models"
)

// maxErrorBody bounds how much of a failed response is read for diagnostics
const maxErrorBody = 64 * 1024

// APIClient handles communication with the generation backend
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPIClient creates a new API client. baseURL is the API root, e.g.
// http://localhost:8000/api
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: timeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		logger: zap.NewNop(),
	}
}

// SetLogger replaces the client's logger
func (c *APIClient) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.logger = logger
}

// BaseURL returns the API root the client talks to
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

// Submit creates a generation job and returns the backend's request id.
// It performs exactly one HTTP call and never retries.
func (c *APIClient) Submit(ctx context.Context, payload *models.GenerateRequest) (string, error) {
	if payload == nil {
		return "", &SubmissionError{Kind: SubmissionProtocol, Message: "missing generation payload"}
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/generate", payload)
	if err != nil {
		var marshalErr *json.UnsupportedValueError
		if errors.As(err, &marshalErr) {
			return "", &SubmissionError{Kind: SubmissionProtocol, Message: "failed to encode generation payload", Err: err}
		}
		return "", &SubmissionError{Kind: SubmissionTransport, Message: "failed to reach generation backend", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := detailMessage(body)
		if msg == "" {
			msg = FallbackSubmitMessage
		}
		c.logger.Debug("generation request rejected",
			zap.Int("status_code", resp.StatusCode),
			zap.String("detail", msg))
		return "", &SubmissionError{Kind: SubmissionRejected, StatusCode: resp.StatusCode, Message: msg}
	}

	var out models.GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &SubmissionError{
			Kind:       SubmissionProtocol,
			StatusCode: resp.StatusCode,
			Message:    "failed to decode generation response",
			Err:        err,
		}
	}
	if strings.TrimSpace(out.RequestID) == "" {
		return "", &SubmissionError{
			Kind:       SubmissionProtocol,
			StatusCode: resp.StatusCode,
			Message:    "generation response missing request_id",
		}
	}

	c.logger.Debug("generation request accepted", zap.String("request_id", out.RequestID))
	return out.RequestID, nil
}

// Status queries the current state of a generation job
func (c *APIClient) Status(ctx context.Context, requestID string) (*models.StatusResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/generate/status/"+url.PathEscape(requestID), nil)
	if err != nil {
		return nil, &StatusError{RequestID: requestID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := detailMessage(body)
		if msg == "" {
			msg = resp.Status
		}
		return nil, &StatusError{RequestID: requestID, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	var status models.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, &StatusError{RequestID: requestID, StatusCode: resp.StatusCode, Malformed: true, Err: err}
	}

	return &status, nil
}

// ListModels fetches the model directory
func (c *APIClient) ListModels(ctx context.Context) (*models.ModelList, error) {
	var list models.ModelList
	if err := c.get(ctx, "/models", &list); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return &list, nil
}

// HealthCheck tests connectivity to the API
func (c *APIClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach API at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	return nil
}

// DownloadImage streams a generated artifact into w. Relative image URLs
// such as /api/generate/image/x.png are resolved against the backend origin.
func (c *APIClient) DownloadImage(ctx context.Context, imageURL string, w io.Writer) (int64, error) {
	target, err := c.resolve(imageURL)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("image download failed: %s", resp.Status)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read image: %w", err)
	}
	return n, nil
}

func (c *APIClient) resolve(imageURL string) (string, error) {
	if strings.TrimSpace(imageURL) == "" {
		return "", errors.New("image url is empty")
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	ref, err := url.Parse(imageURL)
	if err != nil {
		return "", fmt.Errorf("invalid image url %q: %w", imageURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *APIClient) get(ctx context.Context, path string, respBody interface{}) error {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("API request failed: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *APIClient) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// detailMessage extracts the "detail" field of an error body. FastAPI sends
// either a string or a list of validation entries carrying "msg".
func detailMessage(body []byte) string {
	if len(bytes.TrimSpace(body)) == 0 {
		return ""
	}

	var errResp models.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return ""
	}

	switch d := errResp.Detail.(type) {
	case string:
		return strings.TrimSpace(d)
	case []interface{}:
		var msgs []string
		for _, item := range d {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if msg, ok := entry["msg"].(string); ok && msg != "" {
				msgs = append(msgs, msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}
