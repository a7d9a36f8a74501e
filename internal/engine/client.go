// Package engine is the HTTP client for the remote image-generation workflow engine.
package engine

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

	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

// Sentinel errors for engine client failures.
var (
	// ErrSubmissionRejected means the engine explicitly refused the request
	// (validation, balance, conflict). Nothing was started.
	ErrSubmissionRejected = errors.New("engine rejected request")
	// ErrTransportAmbiguous means the outcome is unknown: the request may or
	// may not have been processed.
	ErrTransportAmbiguous = errors.New("engine transport failure")
	ErrJobNotFound        = errors.New("engine job not found")
	ErrInvalidResponse    = errors.New("engine returned invalid response")
)

// RejectedError carries the engine's explanation for a rejected request.
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("engine rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("engine rejected request (%d): %s", e.StatusCode, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrSubmissionRejected }

// Client is the interface for talking to the workflow engine.
type Client interface {
	SubmitJob(ctx context.Context, req SubmitRequest) (SubmitResponse, error)
	PollJob(ctx context.Context, jobID string) (PollResponse, error)
	RetryUnit(ctx context.Context, req RetryRequest) (models.UnitUpdate, error)
	// ResolveJob finds the job started for an idempotency key, if any.
	ResolveJob(ctx context.Context, requestID string) (jobID string, found bool, err error)
	CancelJob(ctx context.Context, jobID string) error
}

// SubmitRequest starts one generation job.
type SubmitRequest struct {
	EntityID  string
	Units     []string
	Params    map[string]any
	RequestID string
}

// SubmitResponse is the immediate job handle.
type SubmitResponse struct {
	JobID  string
	Status string
}

// PollResponse is the per-unit state of a job. Units with unknown statuses
// have already been dropped.
type PollResponse struct {
	JobState JobState
	Units    []models.UnitUpdate
}

// RetryRequest regenerates a single unit with the job's parameters.
type RetryRequest struct {
	JobID   string
	UnitID  string
	Attempt int
	Params  map[string]any
}

// HTTPClient implements Client using the engine's JSON API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a new engine HTTP client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) SubmitJob(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	body := submitBody{EntityID: req.EntityID, Units: req.Units, Params: req.Params}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/jobs", body)
	if err != nil {
		return SubmitResponse{}, err
	}
	if req.RequestID != "" {
		httpReq.Header.Set("Idempotency-Key", req.RequestID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return SubmitResponse{}, classifyError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return SubmitResponse{}, err
	}

	var out submitResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// The engine accepted the request but the body was lost; the job may be running.
		return SubmitResponse{}, fmt.Errorf("%w: decoding submit response: %v", ErrTransportAmbiguous, err)
	}
	if out.JobID == "" {
		return SubmitResponse{}, fmt.Errorf("%w: submit response without job_id", ErrTransportAmbiguous)
	}
	return SubmitResponse{JobID: out.JobID, Status: out.Status}, nil
}

func (c *HTTPClient) PollJob(ctx context.Context, jobID string) (PollResponse, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return PollResponse{}, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return PollResponse{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return PollResponse{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err := checkStatus(resp); err != nil {
		return PollResponse{}, err
	}

	var out pollResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PollResponse{}, fmt.Errorf("%w: decoding poll response: %v", ErrInvalidResponse, err)
	}

	units := make([]models.UnitUpdate, 0, len(out.Units))
	for _, u := range out.Units {
		if upd, ok := u.toUpdate(); ok {
			units = append(units, upd)
		}
	}
	return PollResponse{JobState: ParseJobState(out.JobStatus), Units: units}, nil
}

func (c *HTTPClient) RetryUnit(ctx context.Context, req RetryRequest) (models.UnitUpdate, error) {
	path := fmt.Sprintf("/v1/jobs/%s/units/%s/retry", url.PathEscape(req.JobID), url.PathEscape(req.UnitID))
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, retryBody{Attempt: req.Attempt, Params: req.Params})
	if err != nil {
		return models.UnitUpdate{}, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.UnitUpdate{}, classifyError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return models.UnitUpdate{}, err
	}

	var out unitResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.UnitUpdate{}, fmt.Errorf("%w: decoding retry response: %v", ErrInvalidResponse, err)
	}
	if out.UnitID == "" {
		out.UnitID = req.UnitID
	}
	upd, ok := out.toUpdate()
	if !ok {
		return models.UnitUpdate{}, fmt.Errorf("%w: unknown unit status %q", ErrInvalidResponse, out.Status)
	}
	return upd, nil
}

func (c *HTTPClient) ResolveJob(ctx context.Context, requestID string) (string, bool, error) {
	q := url.Values{"request_id": {requestID}}
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/v1/jobs?"+q.Encode(), nil)
	if err != nil {
		return "", false, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", false, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if err := checkStatus(resp); err != nil {
		return "", false, err
	}

	var out submitResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("%w: decoding resolve response: %v", ErrInvalidResponse, err)
	}
	return out.JobID, out.JobID != "", nil
}

func (c *HTTPClient) CancelJob(ctx context.Context, jobID string) error {
	httpReq, err := c.newRequest(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return checkStatus(resp)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// checkStatus maps non-2xx responses. Explicit client errors are rejections;
// request timeouts and server errors leave the outcome unknown.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout {
		return decodeRejection(resp)
	}
	return fmt.Errorf("%w: status %d", ErrTransportAmbiguous, resp.StatusCode)
}

func decodeRejection(resp *http.Response) error {
	rej := &RejectedError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body errorResult
	if err := json.Unmarshal(b, &body); err == nil {
		switch {
		case body.Error.Message != "":
			rej.Code = body.Error.Code
			rej.Message = body.Error.Message
		case body.Message != "":
			rej.Message = body.Message
		}
	}
	return rej
}

// classifyError maps transport-level errors to sentinel errors. Every
// transport failure is ambiguous: the request may have reached the engine.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout: %v", ErrTransportAmbiguous, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransportAmbiguous, err)
	}

	return fmt.Errorf("%w: %v", ErrTransportAmbiguous, err)
}

// --- engine wire types ---

type submitBody struct {
	EntityID string         `json:"entity_id"`
	Units    []string       `json:"units"`
	Params   map[string]any `json:"params,omitempty"`
}

type retryBody struct {
	Attempt int            `json:"attempt"`
	Params  map[string]any `json:"params,omitempty"`
}

type submitResult struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type pollResult struct {
	JobStatus string       `json:"job_status"`
	Units     []unitResult `json:"units"`
}

type unitResult struct {
	UnitID  string        `json:"unit_id"`
	Status  string        `json:"status"`
	Attempt int           `json:"attempt"`
	Result  *resultResult `json:"result,omitempty"`
}

type resultResult struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type errorResult struct {
	Message string `json:"message"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (u unitResult) toUpdate() (models.UnitUpdate, bool) {
	status, ok := ParseUnitStatus(u.Status)
	if !ok || u.UnitID == "" {
		return models.UnitUpdate{}, false
	}
	upd := models.UnitUpdate{UnitID: u.UnitID, Status: status, Attempt: u.Attempt}
	if status == models.UnitStatusCompleted {
		// A completed unit without an artifact is not a usable result.
		if u.Result == nil || u.Result.URL == "" {
			return models.UnitUpdate{}, false
		}
		upd.Result = &models.ResultRef{ID: u.Result.ID, URL: u.Result.URL}
	}
	return upd, true
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
