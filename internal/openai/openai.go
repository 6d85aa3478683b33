package openai

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

	"go.uber.org/zap"

	ctxpkg "github.com/stupiduntilnot/stagebot/internal/context"
	"github.com/stupiduntilnot/stagebot/internal/control"
	modelpkg "github.com/stupiduntilnot/stagebot/internal/model"
)

// Client is a minimal OpenAI-compatible chat completions client.
type Client struct {
	apiKey     string
	url        string
	model      string
	maxRetries int
	httpClient *http.Client
	logger     *zap.Logger

	// backoff maps a retry attempt to its delay.
	backoff func(attempt int) time.Duration
}

// NewClient creates an OpenAI client. The timeout bounds a single HTTP
// attempt; callers bound the whole call through the context.
func NewClient(apiKey, url, model string, timeout time.Duration, maxRetries int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:     apiKey,
		url:        url,
		model:      model,
		maxRetries: maxRetries,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(zap.String("component", "openai")),
		backoff: func(attempt int) time.Duration {
			return control.Backoff(attempt, time.Second, 30*time.Second)
		},
	}
}

func (c *Client) ID() string    { return "openai" }
func (c *Client) Model() string { return c.model }

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Complete sends a chat completion request. Rate-limited and 5xx attempts
// are retried with exponential backoff up to maxRetries; every failure is a
// *model.Error.
func (c *Client) Complete(ctx context.Context, req modelpkg.Request) (modelpkg.CompletionResponse, error) {
	payload, err := json.Marshal(buildRequest(c.model, req))
	if err != nil {
		return modelpkg.CompletionResponse{}, c.fail(modelpkg.ErrMalformed, fmt.Errorf("failed to marshal openai request: %w", err))
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, payload)
		if err == nil {
			return resp, nil
		}
		kind := modelpkg.KindOf(err)
		retryable := kind == modelpkg.ErrRateLimit || kind == modelpkg.ErrUnavailable
		if !retryable || attempt >= c.maxRetries || ctx.Err() != nil {
			return modelpkg.CompletionResponse{}, err
		}
		delay := c.backoff(attempt + 1)
		c.logger.Warn("retrying completion",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return modelpkg.CompletionResponse{}, c.fail(modelpkg.ErrTimeout, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (c *Client) do(ctx context.Context, payload []byte) (modelpkg.CompletionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return modelpkg.CompletionResponse{}, c.fail(modelpkg.ErrMalformed, fmt.Errorf("failed to create openai request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := modelpkg.KindOf(err)
		if ctx.Err() != nil {
			kind = modelpkg.ErrTimeout
		}
		return modelpkg.CompletionResponse{}, c.fail(kind, fmt.Errorf("openai request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return modelpkg.CompletionResponse{}, c.fail(modelpkg.KindOf(err), fmt.Errorf("failed reading openai response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		truncated := truncate(string(body), 400)
		return modelpkg.CompletionResponse{}, c.fail(statusKind(resp.StatusCode),
			fmt.Errorf("openai non-success status=%d body=%s", resp.StatusCode, truncated))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		truncated := truncate(string(body), 400)
		return modelpkg.CompletionResponse{}, c.fail(modelpkg.ErrMalformed, fmt.Errorf("failed to parse openai response: %s", truncated))
	}

	result := modelpkg.CompletionResponse{}
	if parsed.Usage != nil {
		result.InputTokens = parsed.Usage.PromptTokens
		result.OutputTokens = parsed.Usage.CompletionTokens
	}

	if len(parsed.Choices) == 0 {
		return result, c.fail(modelpkg.ErrMalformed, errors.New("openai response has no choices"))
	}
	msg := parsed.Choices[0].Message
	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ctxpkg.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	result.Content = strings.TrimSpace(msg.Content)
	if result.Content == "" && len(result.ToolCalls) == 0 {
		return result, c.fail(modelpkg.ErrMalformed, errors.New("empty model response"))
	}
	return result, nil
}

func (c *Client) fail(kind modelpkg.ErrorKind, err error) error {
	return modelpkg.NewError(c.ID(), kind, err)
}

func buildRequest(model string, req modelpkg.Request) chatRequest {
	out := chatRequest{
		Model:       model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		Temperature: 0.2,
	}
	for _, m := range req.Messages {
		cm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			call := chatToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			cm.ToolCalls = append(cm.ToolCalls, call)
		}
		out.Messages = append(out.Messages, cm)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func statusKind(status int) modelpkg.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return modelpkg.ErrAuth
	case status == http.StatusTooManyRequests:
		return modelpkg.ErrRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return modelpkg.ErrTimeout
	case status >= 500:
		return modelpkg.ErrUnavailable
	default:
		return modelpkg.ErrMalformed
	}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
