// Package engine is the HTTP client for the agent runtime service, which
// hosts the model loop and executes tools. The orchestrator only sees the
// turn contract: a turn either completes or requests approvals.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"praetor/internal/agent"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// RunTurn executes one model turn on the runtime.
func (c *Client) RunTurn(ctx context.Context, input agent.TurnInput) (agent.TurnResult, error) {
	var result agent.TurnResult
	if err := c.post(ctx, "/v1/turns:run", input, &result); err != nil {
		return agent.TurnResult{}, err
	}
	if result.Completed && result.ApprovalRequested {
		return agent.TurnResult{}, errors.New("runtime reported a turn both completed and awaiting approval")
	}
	return result, nil
}

// ExecuteTools runs the decided tool batch on the runtime.
func (c *Client) ExecuteTools(ctx context.Context, input agent.ToolExecutionInput) (agent.ToolExecutionResult, error) {
	var result agent.ToolExecutionResult
	if err := c.post(ctx, "/v1/tools:execute", input, &result); err != nil {
		return agent.ToolExecutionResult{}, err
	}
	return result, nil
}

// ResolveTools fetches tool definitions, including approval flags and input
// schemas, from the runtime's registry.
func (c *Client) ResolveTools(ctx context.Context, filters agent.ResolveFilters) (agent.ResolvedTools, error) {
	var result agent.ResolvedTools
	if err := c.post(ctx, "/v1/tools:resolve", filters, &result); err != nil {
		return agent.ResolvedTools{}, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if c == nil || strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("runtime base url required")
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runtime %s status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
