// Package recommend produces advisory approve/deny suggestions for a pending
// tool approval batch. Suggestions are surfaced to approvers alongside the
// batch; they never gate or substitute for the human decision.
package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"praetor/internal/agent"
	"praetor/internal/config"
)

const defaultOpenAIBase = "https://api.openai.com"

const systemPrompt = `You review tool calls a security-automation agent wants to run.
For each tool call, answer with a JSON object mapping tool_call_id to "approve" or "deny".
Deny anything destructive, data-exfiltrating, or outside the stated task. Respond with JSON only.`

// Client calls an OpenAI-compatible chat completion endpoint to score a
// pending batch.
type Client struct {
	APIBase    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// NewFromConfig returns nil when no provider is configured; the orchestrator
// treats a nil recommender as "recommendations disabled".
func NewFromConfig(cfg config.LLMConfig) *Client {
	if strings.TrimSpace(cfg.Provider) == "" {
		return nil
	}
	timeout := 30 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &Client{
		APIBase:    cfg.APIBase,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Recommend scores each pending tool call approve/deny. Unknown or malformed
// suggestions are dropped rather than surfaced.
func (c *Client) Recommend(ctx context.Context, input agent.RecommendDecisionsInput) (agent.RecommendDecisionsOutput, error) {
	if c == nil {
		return agent.RecommendDecisionsOutput{}, errors.New("recommender not configured")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return agent.RecommendDecisionsOutput{}, errors.New("api key required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return agent.RecommendDecisionsOutput{}, errors.New("model required")
	}
	if len(input.Items) == 0 {
		return agent.RecommendDecisionsOutput{}, nil
	}

	prompt, err := batchPrompt(input.Items)
	if err != nil {
		return agent.RecommendDecisionsOutput{}, err
	}
	body, err := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return agent.RecommendDecisionsOutput{}, err
	}

	base := strings.TrimRight(strings.TrimSpace(c.APIBase), "/")
	if base == "" {
		base = defaultOpenAIBase
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return agent.RecommendDecisionsOutput{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return agent.RecommendDecisionsOutput{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return agent.RecommendDecisionsOutput{}, fmt.Errorf("recommender status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return agent.RecommendDecisionsOutput{}, err
	}
	if len(out.Choices) == 0 {
		return agent.RecommendDecisionsOutput{}, errors.New("empty response")
	}
	return parseSuggestions(out.Choices[0].Message.Content, input.Items), nil
}

func batchPrompt(items []agent.ToolCall) (string, error) {
	type promptItem struct {
		ToolCallID string          `json:"tool_call_id"`
		ToolName   string          `json:"tool_name"`
		Args       json.RawMessage `json:"args,omitempty"`
	}
	batch := make([]promptItem, 0, len(items))
	for _, item := range items {
		batch = append(batch, promptItem{ToolCallID: item.ToolCallID, ToolName: item.ToolName, Args: item.Args})
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return "", err
	}
	return "Pending tool calls:\n" + string(data), nil
}

// parseSuggestions tolerates fenced output and drops anything that is not an
// approve/deny verdict for a known tool_call_id.
func parseSuggestions(content string, items []agent.ToolCall) agent.RecommendDecisionsOutput {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	var raw map[string]string
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &raw); err != nil {
		slog.Warn("recommender returned unparseable output", "error", err)
		return agent.RecommendDecisionsOutput{}
	}
	known := make(map[string]bool, len(items))
	for _, item := range items {
		known[item.ToolCallID] = true
	}
	suggestions := map[string]string{}
	for id, verdict := range raw {
		v := strings.ToLower(strings.TrimSpace(verdict))
		if !known[id] || (v != "approve" && v != "deny") {
			continue
		}
		suggestions[id] = v
	}
	if len(suggestions) == 0 {
		return agent.RecommendDecisionsOutput{}
	}
	return agent.RecommendDecisionsOutput{Suggestions: suggestions}
}
