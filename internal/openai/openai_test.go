package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	ctxpkg "github.com/stupiduntilnot/stagebot/internal/context"
	modelpkg "github.com/stupiduntilnot/stagebot/internal/model"
)

func newTestClient(url string, retries int) *Client {
	c := NewClient("test-key", url, "test-model", 5*time.Second, retries, nil)
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func userRequest(text string) modelpkg.Request {
	return modelpkg.Request{Messages: []ctxpkg.Message{{Role: ctxpkg.RoleUser, Content: text}}}
}

func TestComplete_WithUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "Hello!"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     42,
				"completion_tokens": 7,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	result, err := client.Complete(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatal(err)
	}

	if result.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", result.Content)
	}
	if result.InputTokens != 42 {
		t.Errorf("expected 42 input tokens, got %d", result.InputTokens)
	}
	if result.OutputTokens != 7 {
		t.Errorf("expected 7 output tokens, got %d", result.OutputTokens)
	}
}

func TestComplete_ToolCalls(t *testing.T) {
	var sent chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&sent); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "web_search",
							"arguments": `{"q":"golang"}`,
						},
					}},
				},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	req := userRequest("search golang")
	req.Tools = []modelpkg.ToolSpec{{Name: "web_search", Description: "search", Parameters: json.RawMessage(`{"type":"object"}`)}}
	result, err := client.Complete(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !result.WantsTools() || result.ToolCalls[0].Name != "web_search" || result.ToolCalls[0].Arguments != `{"q":"golang"}` {
		t.Fatalf("unexpected tool calls: %+v", result.ToolCalls)
	}
	if len(sent.Tools) != 1 || sent.Tools[0].Type != "function" || sent.Tools[0].Function.Name != "web_search" {
		t.Fatalf("tools not forwarded: %+v", sent.Tools)
	}
}

func TestComplete_ForwardsToolMessages(t *testing.T) {
	var sent chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&sent)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "done"}}},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	req := modelpkg.Request{Messages: []ctxpkg.Message{
		{Role: ctxpkg.RoleUser, Content: "q"},
		{Role: ctxpkg.RoleAssistant, ToolCalls: []ctxpkg.ToolCall{{ID: "c1", Name: "web_search", Arguments: "{}"}}},
		{Role: ctxpkg.RoleTool, ToolCallID: "c1", Content: "result"},
	}}
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if len(sent.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(sent.Messages))
	}
	if sent.Messages[1].ToolCalls[0].Function.Name != "web_search" {
		t.Errorf("assistant tool call not forwarded: %+v", sent.Messages[1])
	}
	if sent.Messages[2].ToolCallID != "c1" {
		t.Errorf("tool call id not forwarded: %+v", sent.Messages[2])
	}
}

func TestComplete_EmptyChoicesIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 0},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	_, err := client.Complete(context.Background(), userRequest("hi"))
	if modelpkg.KindOf(err) != modelpkg.ErrMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestComplete_InvalidJSONIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	_, err := client.Complete(context.Background(), userRequest("hi"))
	if modelpkg.KindOf(err) != modelpkg.ErrMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestComplete_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   modelpkg.ErrorKind
	}{
		{http.StatusUnauthorized, modelpkg.ErrAuth},
		{http.StatusForbidden, modelpkg.ErrAuth},
		{http.StatusTooManyRequests, modelpkg.ErrRateLimit},
		{http.StatusBadRequest, modelpkg.ErrMalformed},
		{http.StatusBadGateway, modelpkg.ErrUnavailable},
	}
	for _, c := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
			w.Write([]byte(`{"error":"x"}`))
		}))
		client := newTestClient(server.URL, 0)
		_, err := client.Complete(context.Background(), userRequest("hi"))
		server.Close()
		if got := modelpkg.KindOf(err); got != c.want {
			t.Errorf("status=%d kind=%q want=%q", c.status, got, c.want)
		}
	}
}

func TestComplete_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "finally"}}},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2)
	result, err := client.Complete(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "finally" || calls.Load() != 3 {
		t.Fatalf("content=%q calls=%d", result.Content, calls.Load())
	}
}

func TestComplete_DoesNotRetryAuth(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 3)
	if _, err := client.Complete(context.Background(), userRequest("hi")); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestComplete_ContextTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Complete(ctx, userRequest("hi"))
	if modelpkg.KindOf(err) != modelpkg.ErrTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}
