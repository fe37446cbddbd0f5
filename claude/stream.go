package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Stream is the lazy, finite sequence of units produced by one query. It is
// owned by exactly one caller, which drains Units to completion and then
// inspects Err.
type Stream struct {
	units chan Unit
	err   error
	done  chan struct{}
}

// Units yields streamed units in arrival order. The channel is closed when
// the query finishes, successfully or not.
func (s *Stream) Units() <-chan Unit {
	return s.units
}

// Err blocks until the stream has finished and reports the first failure,
// if any. Call it after draining Units.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Query opens a streaming query for prompt. The returned stream is driven by
// a goroutine scoped to this call; no state or queued work survives it.
func (c *Client) Query(ctx context.Context, prompt string, opts Options) *Stream {
	s := &Stream{
		units: make(chan Unit, 8),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.units)
		s.err = c.runQuery(ctx, prompt, opts, s.units)
	}()
	return s
}

// runQuery drives assistant rounds until the conversation completes. A
// pause_turn stop reason means a server-side tool turn is still in flight;
// the assistant message is echoed back and the round repeats, capped by
// MaxTurns.
func (c *Client) runQuery(ctx context.Context, prompt string, opts Options, units chan<- Unit) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	history := []wireMessage{userMessage(prompt)}
	maxRounds := opts.MaxTurns
	if maxRounds <= 0 {
		maxRounds = 1
	}
	for round := 0; round < maxRounds; round++ {
		req := c.buildRequest(prompt, opts, history)
		assistant, stopReason, err := c.streamRound(ctx, req, units)
		if err != nil {
			return err
		}
		if stopReason != "pause_turn" {
			return nil
		}
		history = append(history, assistant)
	}
	return nil
}

// streamRound performs one streaming request and emits the completed
// assistant message as a unit. It returns the assistant message in wire form
// for pause_turn continuations, plus the round's stop reason.
func (c *Client) streamRound(ctx context.Context, req messageRequest, units chan<- Unit) (wireMessage, string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return wireMessage{}, "", fmt.Errorf("marshal anthropic request: %w", err)
	}

	resp, err := c.connectWithRetry(ctx, body, len(req.MCPServers) > 0)
	if err != nil {
		return wireMessage{}, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var (
		assembler blockAssembler
		fragments []Fragment
		blocks    []wireContentBlock
		stop      string
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(data) == 0 {
			continue
		}
		var event streamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return wireMessage{}, "", fmt.Errorf("decode anthropic stream event: %w", err)
		}
		switch event.Type {
		case "ping":
			if err := sendUnit(ctx, units, Unit{Kind: UnitPing}); err != nil {
				return wireMessage{}, "", err
			}
		case "message_start":
			fragments = nil
			blocks = nil
			assembler = blockAssembler{}
		case "content_block_start":
			assembler.start(event.ContentBlock)
		case "content_block_delta":
			assembler.delta(event.Delta.Type, event.Delta.Text, event.Delta.PartialJSON)
		case "content_block_stop":
			fragment, block, ok := assembler.finish()
			if ok {
				blocks = append(blocks, block)
				if fragment != nil {
					fragments = append(fragments, *fragment)
				}
			}
		case "message_delta":
			if reason := strings.TrimSpace(event.Delta.StopReason); reason != "" {
				stop = reason
			}
		case "message_stop":
			if err := sendUnit(ctx, units, Unit{Kind: UnitMessage, Fragments: fragments}); err != nil {
				return wireMessage{}, "", err
			}
		case "error":
			return wireMessage{}, "", fmt.Errorf("anthropic stream error: %s: %s", event.Error.Type, event.Error.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return wireMessage{}, "", fmt.Errorf("read anthropic stream: %w", err)
	}
	return wireMessage{Role: "assistant", Content: blocks}, stop, nil
}

// connectWithRetry opens the streaming request, retrying rate limits and
// server errors before any stream data has been consumed.
func (c *Client) connectWithRetry(ctx context.Context, body []byte, mcpEnabled bool) (*http.Response, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		c.setAuthHeaders(req, mcpEnabled)
		req.Header.Set("accept", "text/event-stream")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		} else {
			lastErr = apiError(resp)
		}

		if attempt >= maxAttempts {
			break
		}
		var wait time.Duration
		switch {
		case resp != nil && resp.StatusCode == http.StatusTooManyRequests:
			wait = time.Duration(attempt) * time.Second
		case resp != nil && resp.StatusCode >= 500:
			wait = time.Duration(attempt) * 500 * time.Millisecond
		default:
			return nil, lastErr
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
	var out apiErrorResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.Error.Message != "" {
		return fmt.Errorf("anthropic api error %d: %s: %s", resp.StatusCode, out.Error.Type, out.Error.Message)
	}
	return fmt.Errorf("anthropic api error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

func sendUnit(ctx context.Context, units chan<- Unit, unit Unit) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case units <- unit:
		return nil
	}
}

// blockAssembler accumulates one content block across start/delta/stop
// events.
type blockAssembler struct {
	active     bool
	blockType  string
	toolID     string
	toolName   string
	serverName string
	raw        json.RawMessage
	text       strings.Builder
	inputJSON  strings.Builder
}

func (a *blockAssembler) start(raw json.RawMessage) {
	*a = blockAssembler{}
	var block wireContentBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return
	}
	a.active = true
	a.blockType = strings.TrimSpace(block.Type)
	a.toolID = block.ID
	a.toolName = strings.TrimSpace(block.Name)
	a.serverName = strings.TrimSpace(block.ServerName)
	a.raw = append(json.RawMessage(nil), raw...)
	if len(block.Input) > 0 && string(block.Input) != "{}" {
		a.inputJSON.WriteString(string(block.Input))
	}
}

func (a *blockAssembler) delta(kind, text, partialJSON string) {
	if !a.active {
		return
	}
	switch kind {
	case "text_delta":
		a.text.WriteString(text)
	case "input_json_delta":
		a.inputJSON.WriteString(partialJSON)
	}
}

// finish closes the active block, returning the user-visible fragment (nil
// for block types that produce none) and the wire block echoed back on
// continuation rounds.
func (a *blockAssembler) finish() (*Fragment, wireContentBlock, bool) {
	if !a.active {
		return nil, wireContentBlock{}, false
	}
	defer func() { *a = blockAssembler{} }()
	switch a.blockType {
	case "text":
		text := a.text.String()
		return &Fragment{Kind: FragmentText, Text: text},
			wireContentBlock{Type: "text", Text: text},
			true
	case "tool_use", "server_tool_use", "mcp_tool_use":
		input := strings.TrimSpace(a.inputJSON.String())
		if input == "" {
			input = "{}"
		}
		fragment := &Fragment{
			Kind:      FragmentToolUse,
			ToolName:  a.toolName,
			ToolInput: json.RawMessage(input),
		}
		return fragment, wireContentBlock{
			Type:       a.blockType,
			ID:         a.toolID,
			Name:       a.toolName,
			Input:      json.RawMessage(input),
			ServerName: a.serverName,
		}, true
	default:
		// Unknown block kinds (tool results, thinking, ...) are not
		// user-visible fragments but must survive continuation rounds.
		return nil, wireContentBlock{Raw: a.raw}, true
	}
}
