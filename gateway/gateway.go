// Package gateway resolves a user prompt into a finalized reply on top of
// the assistant backend's streaming protocol. Resolve is synchronous and
// total: callers always receive either real text or one of the configured
// templates, never an error.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/quailyquaily/clauderelay/claude"
	"github.com/quailyquaily/clauderelay/config"
)

// maxResponseChars is the platform's message-size ceiling. An oversized
// reply is replaced whole by the long-response template; truncation would be
// silently misleading.
const maxResponseChars = 4000

// UnitStream is the backend's lazy sequence of streamed units, drained to
// natural completion. Err reports the stream's failure once Units is closed.
type UnitStream interface {
	Units() <-chan claude.Unit
	Err() error
}

// QueryFunc opens one streaming query against the assistant backend.
type QueryFunc func(ctx context.Context, prompt string) UnitStream

type Options struct {
	Query         QueryFunc
	Templates     config.MessageTemplates
	OutputToolUse bool
	// Timeout bounds one whole resolve call. Zero leaves the call unbounded.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Gateway struct {
	query         QueryFunc
	templates     config.MessageTemplates
	outputToolUse bool
	timeout       time.Duration
	logger        *slog.Logger
}

func New(opts Options) (*Gateway, error) {
	if opts.Query == nil {
		return nil, fmt.Errorf("query func is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		query:         opts.Query,
		templates:     opts.Templates,
		outputToolUse: opts.OutputToolUse,
		timeout:       opts.Timeout,
		logger:        logger,
	}, nil
}

// Resolve consumes the backend stream for prompt to completion and returns
// the finalized reply text. Backend, protocol, and serialization failures
// are logged here and mapped to the general-error template; they never
// propagate.
func (g *Gateway) Resolve(ctx context.Context, prompt string) string {
	requestID := uuid.NewString()
	start := time.Now()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	parts, err := g.collect(ctx, prompt)
	if err != nil {
		g.logger.Error("claude_query_error",
			"request_id", requestID,
			"elapsed", time.Since(start).String(),
			"error", err.Error(),
		)
		return g.templates.GeneralError
	}

	joined := strings.Join(parts, "\n")
	length := utf8.RuneCountInString(joined)
	g.logger.Info("claude_query_done",
		"request_id", requestID,
		"elapsed", time.Since(start).String(),
		"fragments", len(parts),
		"chars", length,
	)

	switch {
	case length == 0:
		return g.templates.EmptyResponse
	case length > maxResponseChars:
		return g.templates.LongResponseError
	default:
		return joined
	}
}

// collect drains the stream in arrival order into the per-call accumulator.
// Only assistant-message units contribute; everything else is skipped.
func (g *Gateway) collect(ctx context.Context, prompt string) ([]string, error) {
	stream := g.query(ctx, prompt)
	var parts []string
	for unit := range stream.Units() {
		if unit.Kind != claude.UnitMessage {
			continue
		}
		for _, fragment := range unit.Fragments {
			switch fragment.Kind {
			case claude.FragmentText:
				parts = append(parts, fragment.Text)
			case claude.FragmentToolUse:
				if !g.outputToolUse {
					continue
				}
				rendered, err := renderToolUse(fragment)
				if err != nil {
					return nil, err
				}
				parts = append(parts, rendered...)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return parts, nil
}

// renderToolUse renders a tool invocation as a bold name header plus a
// fenced block: the literal command line for the shell tool, indented JSON
// input for everything else.
func renderToolUse(fragment claude.Fragment) ([]string, error) {
	header := fmt.Sprintf("*%s*", fragment.ToolName)
	if fragment.ToolName == "Bash" {
		var input struct {
			Command     string `json:"command"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(fragment.ToolInput, &input); err != nil {
			return nil, fmt.Errorf("decode %s tool input: %w", fragment.ToolName, err)
		}
		line := "$ " + input.Command
		if strings.TrimSpace(input.Description) != "" {
			line += " # " + input.Description
		}
		return []string{header, "```\n" + line + "\n```"}, nil
	}

	rendered, err := indentJSON(fragment.ToolInput)
	if err != nil {
		return nil, fmt.Errorf("render %s tool input: %w", fragment.ToolName, err)
	}
	return []string{header, "```\n" + rendered + "\n```"}, nil
}

// indentJSON re-renders raw tool input as two-space-indented JSON with HTML
// escaping off, so non-ASCII and shell characters survive verbatim.
func indentJSON(raw json.RawMessage) (string, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(decoded); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
