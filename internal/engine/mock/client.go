// Package mock provides a scriptable engine.Client for tests.
package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/anglestudio/internal/engine"
	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

// Client satisfies engine.Client. Nil funcs fall back to harmless defaults.
type Client struct {
	SubmitFunc  func(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResponse, error)
	PollFunc    func(ctx context.Context, jobID string) (engine.PollResponse, error)
	RetryFunc   func(ctx context.Context, req engine.RetryRequest) (models.UnitUpdate, error)
	ResolveFunc func(ctx context.Context, requestID string) (string, bool, error)
	CancelFunc  func(ctx context.Context, jobID string) error

	mu      sync.Mutex
	submits []engine.SubmitRequest
	polls   []string
	retries []engine.RetryRequest
	cancels []string
}

func (c *Client) SubmitJob(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResponse, error) {
	c.mu.Lock()
	c.submits = append(c.submits, req)
	c.mu.Unlock()
	if c.SubmitFunc != nil {
		return c.SubmitFunc(ctx, req)
	}
	return engine.SubmitResponse{JobID: "job-1", Status: "accepted"}, nil
}

func (c *Client) PollJob(ctx context.Context, jobID string) (engine.PollResponse, error) {
	c.mu.Lock()
	c.polls = append(c.polls, jobID)
	c.mu.Unlock()
	if c.PollFunc != nil {
		return c.PollFunc(ctx, jobID)
	}
	return engine.PollResponse{JobState: engine.JobStateRunning}, nil
}

func (c *Client) RetryUnit(ctx context.Context, req engine.RetryRequest) (models.UnitUpdate, error) {
	c.mu.Lock()
	c.retries = append(c.retries, req)
	c.mu.Unlock()
	if c.RetryFunc != nil {
		return c.RetryFunc(ctx, req)
	}
	return models.UnitUpdate{UnitID: req.UnitID, Status: models.UnitStatusActive, Attempt: req.Attempt}, nil
}

func (c *Client) ResolveJob(ctx context.Context, requestID string) (string, bool, error) {
	if c.ResolveFunc != nil {
		return c.ResolveFunc(ctx, requestID)
	}
	return "", false, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	c.mu.Lock()
	c.cancels = append(c.cancels, jobID)
	c.mu.Unlock()
	if c.CancelFunc != nil {
		return c.CancelFunc(ctx, jobID)
	}
	return nil
}

// Submits returns a copy of every submit request received.
func (c *Client) Submits() []engine.SubmitRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.SubmitRequest(nil), c.submits...)
}

// PollCount returns how many polls were issued.
func (c *Client) PollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.polls)
}

// Retries returns a copy of every retry request received.
func (c *Client) Retries() []engine.RetryRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.RetryRequest(nil), c.retries...)
}

// Cancels returns the job ids cancelled so far.
func (c *Client) Cancels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancels...)
}

// Compile-time check that Client implements engine.Client.
var _ engine.Client = (*Client)(nil)
