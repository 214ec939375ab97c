// Package statusclient is the request/response side of job tracking: a thin
// HTTP client for the backend's job submission and job status endpoints.
package statusclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/dealdesk/jobpulse/pkg/models"
)

// Sentinel errors for backend request failures.
var (
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrBackendTimeout     = errors.New("backend request timeout")
	ErrStatusRequest      = errors.New("job status request error")
	ErrJobNotFound        = errors.New("job not found")
)

// Client is the interface for talking to the job backend over plain
// request/response.
type Client interface {
	JobStatus(ctx context.Context, jobID string) (json.RawMessage, error)
	SubmitJob(ctx context.Context, dealID string, req SubmitRequest) (*SubmitResult, error)
}

// SubmitRequest describes the job to start. The type is opaque here; the
// backend decides what it means.
type SubmitRequest struct {
	Type       models.JobType `json:"type"`
	DocumentID string         `json:"document_id,omitempty"`
}

// SubmitResult is the backend's acknowledgement of a started job.
type SubmitResult struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// HTTPClient implements Client against the backend's REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new backend HTTP client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// JobStatus fetches the current status payload for one job. The body is
// returned raw so the normalizer can absorb schema drift in one place.
func (c *HTTPClient) JobStatus(ctx context.Context, jobID string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/api/v1/jobs/%s", c.baseURL, url.PathEscape(jobID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrStatusRequest, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading status response: %w", err)
	}

	return json.RawMessage(body), nil
}

// SubmitJob starts a job for a deal and returns {job_id, status}.
func (c *HTTPClient) SubmitJob(ctx context.Context, dealID string, req SubmitRequest) (*SubmitResult, error) {
	u := fmt.Sprintf("%s/api/v1/deals/%s/jobs", c.baseURL, url.PathEscape(dealID))

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("%w: status %d", ErrStatusRequest, resp.StatusCode)
	}

	var result struct {
		Data SubmitResult `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding submit response: %w", err)
	}
	if result.Data.JobID == "" {
		return nil, fmt.Errorf("%w: submit response missing job_id", ErrStatusRequest)
	}

	return &result.Data, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
