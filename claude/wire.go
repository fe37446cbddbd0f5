package claude

import "encoding/json"

const (
	apiURL     = "https://api.anthropic.com/v1/messages"
	apiVersion = "2023-06-01"

	// betaMCPClient enables the MCP connector: registered tool servers are
	// called by the API itself, so tool activity arrives as ordinary content
	// blocks in the stream.
	betaMCPClient = "mcp-client-2025-04-04"
)

type messageRequest struct {
	Model      string          `json:"model"`
	MaxTokens  int             `json:"max_tokens"`
	System     string          `json:"system,omitempty"`
	Messages   []wireMessage   `json:"messages"`
	Stream     bool            `json:"stream"`
	MCPServers []wireMCPServer `json:"mcp_servers,omitempty"`
}

type wireMessage struct {
	Role    string             `json:"role"`
	Content []wireContentBlock `json:"content"`
}

// wireContentBlock is the union of content block shapes the bridge touches.
// Unknown block types round-trip through Raw so pause_turn continuations can
// echo the assistant turn back unmodified.
type wireContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ServerName string `json:"server_name,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func (b wireContentBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) > 0 {
		return b.Raw, nil
	}
	type alias wireContentBlock
	return json.Marshal(alias(b))
}

type wireMCPServer struct {
	Type               string                 `json:"type"`
	URL                string                 `json:"url"`
	Name               string                 `json:"name"`
	AuthorizationToken string                 `json:"authorization_token,omitempty"`
	ToolConfiguration  *wireToolConfiguration `json:"tool_configuration,omitempty"`
}

type wireToolConfiguration struct {
	Enabled      bool     `json:"enabled"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Streaming event payloads. Every SSE data line carries a "type" field; the
// bridge dispatches on it and ignores types it does not know.
type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	ContentBlock json.RawMessage `json:"content_block,omitempty"`

	Delta struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func userMessage(text string) wireMessage {
	return wireMessage{
		Role:    "user",
		Content: []wireContentBlock{{Type: "text", Text: text}},
	}
}
