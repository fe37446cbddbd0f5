// Package claude talks to the Anthropic Messages API over its streaming
// wire protocol. A Query spawns one request-scoped goroutine that consumes
// the SSE body and delivers units on a channel closed at stream end; nothing
// is shared between calls.
package claude

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// EnvAPIKey is the credential variable the client reads when no key is
	// passed explicitly.
	EnvAPIKey = "ANTHROPIC_API_KEY"

	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 4096
)

// FragmentKind tags one content fragment of an assistant message.
type FragmentKind string

const (
	FragmentText    FragmentKind = "text"
	FragmentToolUse FragmentKind = "tool_use"
)

// Fragment is one ordered piece of an assistant message: verbatim text or a
// tool invocation (name plus structured input). Fragments live for a single
// request and are discarded once joined into the final reply.
type Fragment struct {
	Kind      FragmentKind
	Text      string
	ToolName  string
	ToolInput json.RawMessage
}

// UnitKind tags one streamed unit.
type UnitKind string

const (
	// UnitMessage carries a completed assistant message.
	UnitMessage UnitKind = "message"
	// UnitPing is keepalive noise; consumers skip it.
	UnitPing UnitKind = "ping"
)

// Unit is one item yielded by a streaming query.
type Unit struct {
	Kind      UnitKind
	Fragments []Fragment
}

// Options is the per-query options bundle.
type Options struct {
	SystemPrompt string
	AllowedTools []string
	MCPServers   []MCPServer
	// MaxTurns caps assistant rounds when the API pauses a server-side tool
	// turn. Zero means a single round.
	MaxTurns int
}

// MCPServer is a remote tool server forwarded on the wire request.
type MCPServer struct {
	Name               string
	URL                string
	AuthorizationToken string
}

type ClientOptions struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
}

type Client struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
}

func NewClient(opts ClientOptions) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv(EnvAPIKey))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("missing API key: set %s", EnvAPIKey)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = apiURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{
		http:      httpClient,
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// isOAuthToken reports whether the key is an Anthropic OAuth access token
// (sk-ant-oat* prefix). Those need Bearer auth plus beta headers instead of
// the x-api-key header.
func isOAuthToken(key string) bool {
	return strings.HasPrefix(key, "sk-ant-oat")
}

func (c *Client) setAuthHeaders(req *http.Request, mcpEnabled bool) {
	req.Header.Set("content-type", "application/json")
	req.Header.Set("anthropic-version", apiVersion)
	betas := make([]string, 0, 2)
	if isOAuthToken(c.apiKey) {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		betas = append(betas, "claude-code-20250219", "oauth-2025-04-20")
	} else {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if mcpEnabled {
		betas = append(betas, betaMCPClient)
	}
	if len(betas) > 0 {
		req.Header.Set("anthropic-beta", strings.Join(betas, ","))
	}
}

func (c *Client) buildRequest(prompt string, opts Options, history []wireMessage) messageRequest {
	msgs := append([]wireMessage(nil), history...)
	if len(msgs) == 0 {
		msgs = []wireMessage{userMessage(prompt)}
	}
	req := messageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    strings.TrimSpace(opts.SystemPrompt),
		Messages:  msgs,
		Stream:    true,
	}
	for _, server := range opts.MCPServers {
		wireServer := wireMCPServer{
			Type:               "url",
			URL:                server.URL,
			Name:               server.Name,
			AuthorizationToken: server.AuthorizationToken,
		}
		if len(opts.AllowedTools) > 0 {
			wireServer.ToolConfiguration = &wireToolConfiguration{
				Enabled:      true,
				AllowedTools: append([]string(nil), opts.AllowedTools...),
			}
		}
		req.MCPServers = append(req.MCPServers, wireServer)
	}
	return req
}
