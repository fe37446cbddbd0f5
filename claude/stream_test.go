package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseBody(events ...string) string {
	var b strings.Builder
	for _, event := range events {
		b.WriteString("data: ")
		b.WriteString(event)
		b.WriteString("\n\n")
	}
	return b.String()
}

func textMessageEvents(text, stopReason string) []string {
	return []string{
		`{"type":"message_start","message":{"role":"assistant"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text),
		`{"type":"content_block_stop","index":0}`,
		fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":%q}}`, stopReason),
		`{"type":"message_stop"}`,
	}
}

func newTestClient(t *testing.T, server *httptest.Server, apiKey string) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		HTTPClient: server.Client(),
		BaseURL:    server.URL,
		APIKey:     apiKey,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func drain(t *testing.T, stream *Stream) ([]Unit, error) {
	t.Helper()
	var units []Unit
	for unit := range stream.Units() {
		units = append(units, unit)
	}
	return units, stream.Err()
}

func TestQueryStreamsTextMessage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant-api-test" {
			t.Errorf("x-api-key mismatch: got %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version mismatch: got %q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["stream"] != true {
			t.Errorf("stream flag missing: %v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(textMessageEvents("Hi!", "end_turn")...)))
	}))
	defer server.Close()

	client := newTestClient(t, server, "sk-ant-api-test")
	units, err := drain(t, client.Query(context.Background(), "hello", Options{}))
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(units) != 1 || units[0].Kind != UnitMessage {
		t.Fatalf("unit mismatch: got %v", units)
	}
	fragments := units[0].Fragments
	if len(fragments) != 1 || fragments[0].Kind != FragmentText || fragments[0].Text != "Hi!" {
		t.Fatalf("fragment mismatch: got %+v", fragments)
	}
}

func TestQueryAccumulatesDeltasAndToolInput(t *testing.T) {
	t.Parallel()

	events := []string{
		`{"type":"message_start","message":{"role":"assistant"}}`,
		`{"type":"ping"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"check."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"Bash","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"comm"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"and\":\"ls\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(events...)))
	}))
	defer server.Close()

	client := newTestClient(t, server, "sk-ant-api-test")
	units, err := drain(t, client.Query(context.Background(), "hello", Options{}))
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}

	if len(units) != 2 {
		t.Fatalf("unit count mismatch: got %d want 2", len(units))
	}
	if units[0].Kind != UnitPing {
		t.Fatalf("first unit should be the ping, got %q", units[0].Kind)
	}
	fragments := units[1].Fragments
	if len(fragments) != 2 {
		t.Fatalf("fragment count mismatch: got %d want 2", len(fragments))
	}
	if fragments[0].Kind != FragmentText || fragments[0].Text != "Let me check." {
		t.Fatalf("text fragment mismatch: got %+v", fragments[0])
	}
	if fragments[1].Kind != FragmentToolUse || fragments[1].ToolName != "Bash" {
		t.Fatalf("tool fragment mismatch: got %+v", fragments[1])
	}
	if string(fragments[1].ToolInput) != `{"command":"ls"}` {
		t.Fatalf("tool input mismatch: got %s", fragments[1].ToolInput)
	}
}

func TestQueryContinuesOnPauseTurn(t *testing.T) {
	t.Parallel()

	var requests []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		requests = append(requests, req)

		w.Header().Set("Content-Type", "text/event-stream")
		if len(requests) == 1 {
			_, _ = w.Write([]byte(sseBody(textMessageEvents("partial", "pause_turn")...)))
			return
		}
		_, _ = w.Write([]byte(sseBody(textMessageEvents("done", "end_turn")...)))
	}))
	defer server.Close()

	client := newTestClient(t, server, "sk-ant-api-test")
	units, err := drain(t, client.Query(context.Background(), "hello", Options{MaxTurns: 5}))
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}

	if len(requests) != 2 {
		t.Fatalf("request count mismatch: got %d want 2", len(requests))
	}
	// The continuation request echoes the paused assistant turn.
	msgs := requests[1]["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("continuation history mismatch: got %d messages want 2", len(msgs))
	}
	second := msgs[1].(map[string]any)
	if second["role"] != "assistant" {
		t.Fatalf("continuation role mismatch: got %v", second["role"])
	}

	if len(units) != 2 {
		t.Fatalf("unit count mismatch: got %d want 2", len(units))
	}
	if units[1].Fragments[0].Text != "done" {
		t.Fatalf("final fragment mismatch: got %+v", units[1].Fragments)
	}
}

func TestQueryStopsAtMaxTurns(t *testing.T) {
	t.Parallel()

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(textMessageEvents("still working", "pause_turn")...)))
	}))
	defer server.Close()

	client := newTestClient(t, server, "sk-ant-api-test")
	units, err := drain(t, client.Query(context.Background(), "hello", Options{MaxTurns: 3}))
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if requests != 3 {
		t.Fatalf("request count mismatch: got %d want 3", requests)
	}
	if len(units) != 3 {
		t.Fatalf("unit count mismatch: got %d want 3", len(units))
	}
}

func TestQuerySurfacesStreamErrorEvent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"type":"message_start","message":{"role":"assistant"}}`,
			`{"type":"error","error":{"type":"overloaded_error","message":"try later"}}`,
		)))
	}))
	defer server.Close()

	client := newTestClient(t, server, "sk-ant-api-test")
	_, err := drain(t, client.Query(context.Background(), "hello", Options{}))
	if err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Fatalf("error should carry the stream error type, got %v", err)
	}
}

func TestQueryRetriesRateLimitBeforeStreaming(t *testing.T) {
	t.Parallel()

	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"type": "rate_limit_error", "message": "slow down"},
			})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(textMessageEvents("ok", "end_turn")...)))
	}))
	defer server.Close()

	client := newTestClient(t, server, "sk-ant-api-test")
	units, err := drain(t, client.Query(context.Background(), "hello", Options{}))
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempt count mismatch: got %d want 2", attempts)
	}
	if len(units) != 1 || units[0].Fragments[0].Text != "ok" {
		t.Fatalf("unit mismatch: got %v", units)
	}
}

func TestQueryDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "invalid_request_error", "message": "bad model"},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server, "sk-ant-api-test")
	_, err := drain(t, client.Query(context.Background(), "hello", Options{}))
	if err == nil || !strings.Contains(err.Error(), "invalid_request_error") {
		t.Fatalf("error should carry the api error type, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", attempts)
	}
}

func TestQueryOAuthTokenUsesBearerAndBetaHeaders(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-ant-oat01-token" {
			t.Errorf("authorization mismatch: got %q", got)
		}
		if got := r.Header.Get("x-api-key"); got != "" {
			t.Errorf("x-api-key must be absent for oauth tokens, got %q", got)
		}
		betas := r.Header.Get("anthropic-beta")
		for _, want := range []string{"claude-code-20250219", "oauth-2025-04-20", "mcp-client-2025-04-04"} {
			if !strings.Contains(betas, want) {
				t.Errorf("anthropic-beta missing %q: got %q", want, betas)
			}
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		servers := req["mcp_servers"].([]any)
		if len(servers) != 1 {
			t.Errorf("mcp_servers mismatch: got %v", req["mcp_servers"])
		} else {
			entry := servers[0].(map[string]any)
			if entry["type"] != "url" || entry["name"] != "notion" {
				t.Errorf("mcp server shape mismatch: got %v", entry)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(textMessageEvents("ok", "end_turn")...)))
	}))
	defer server.Close()

	client := newTestClient(t, server, "sk-ant-oat01-token")
	_, err := drain(t, client.Query(context.Background(), "hello", Options{
		MCPServers: []MCPServer{{Name: "notion", URL: "https://mcp.example.com"}},
	}))
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
}

func TestQueryRejectsEmptyPrompt(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty prompt")
	}))
	defer server.Close()

	client := newTestClient(t, server, "sk-ant-api-test")
	units, err := drain(t, client.Query(context.Background(), "   ", Options{}))
	if err == nil {
		t.Fatalf("expected error for empty prompt")
	}
	if len(units) != 0 {
		t.Fatalf("no units expected, got %v", units)
	}
}

func TestQueryUnknownBlockSurvivesContinuation(t *testing.T) {
	t.Parallel()

	var requests []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		requests = append(requests, req)

		w.Header().Set("Content-Type", "text/event-stream")
		if len(requests) == 1 {
			_, _ = w.Write([]byte(sseBody(
				`{"type":"message_start","message":{"role":"assistant"}}`,
				`{"type":"content_block_start","index":0,"content_block":{"type":"mcp_tool_result","tool_use_id":"toolu_1","content":[]}}`,
				`{"type":"content_block_stop","index":0}`,
				`{"type":"message_delta","delta":{"stop_reason":"pause_turn"}}`,
				`{"type":"message_stop"}`,
			)))
			return
		}
		_, _ = w.Write([]byte(sseBody(textMessageEvents("done", "end_turn")...)))
	}))
	defer server.Close()

	client := newTestClient(t, server, "sk-ant-api-test")
	units, err := drain(t, client.Query(context.Background(), "hello", Options{MaxTurns: 2}))
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}

	// The tool-result block is not user visible but must be echoed verbatim
	// in the continuation history.
	if len(units[0].Fragments) != 0 {
		t.Fatalf("tool result must not surface as a fragment, got %+v", units[0].Fragments)
	}
	msgs := requests[1]["messages"].([]any)
	assistant := msgs[1].(map[string]any)
	content := assistant["content"].([]any)
	block := content[0].(map[string]any)
	if block["type"] != "mcp_tool_result" || block["tool_use_id"] != "toolu_1" {
		t.Fatalf("echoed block mismatch: got %v", block)
	}
}
