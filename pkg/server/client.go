package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zen-systems/shipgate/pkg/approval"
	"github.com/zen-systems/shipgate/pkg/pipeline"
)

// Client talks to a running control server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Token is sent as a bearer token when set.
	Token string
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Run fetches the current run snapshot.
func (c *Client) Run(ctx context.Context) (*pipeline.Run, error) {
	var run pipeline.Run
	if err := c.do(ctx, http.MethodGet, "/run", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Pending lists approval requests waiting for a decision.
func (c *Client) Pending(ctx context.Context) ([]approval.Request, error) {
	var pending []approval.Request
	if err := c.do(ctx, http.MethodGet, "/approvals", nil, &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// Decide approves or rejects request id.
func (c *Client) Decide(ctx context.Context, id string, approved bool, actor, reason string) (*approval.Decision, error) {
	verb := "reject"
	if approved {
		verb = "approve"
	}
	var decision approval.Decision
	body := DecisionRequest{Actor: actor, Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/approvals/"+id+"/"+verb, body, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// Abort asks the server to abort the current run.
func (c *Client) Abort(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/run/abort", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
