// Package config loads and validates the process-wide settings document.
// Settings are read once at startup and are immutable afterwards; every
// request-handling path receives the same value.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvAnthropicAPIKey is the environment variable the assistant backend
// reads its credential from.
const EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"

// slackPlaceholderPrefix marks example credential values shipped in
// config.example.yaml. A credential still carrying it is treated as unset.
const slackPlaceholderPrefix = "your_slack_"

type SlackSettings struct {
	BotToken          string
	SigningSecret     string
	AppToken          string
	AllowedTeamIDs    []string
	AllowedChannelIDs []string
}

// MCPServer is a remote tool server registered with the assistant backend.
type MCPServer struct {
	Name               string
	URL                string
	AuthorizationToken string
}

type BotSettings struct {
	SystemPrompt  string
	AllowedTools  []string
	MCPServers    []MCPServer
	MaxTurns      int
	OutputToolUse bool
}

type ClaudeSettings struct {
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

// MessageTemplates holds the five user-facing reply templates keyed by
// scenario. Every user-visible failure path terminates in one of these.
type MessageTemplates struct {
	EmptyMessage      string
	ProcessingMessage string
	EmptyResponse     string
	LongResponseError string
	GeneralError      string
}

type Settings struct {
	Slack        SlackSettings
	Bot          BotSettings
	Claude       ClaudeSettings
	Messages     MessageTemplates
	HealthListen string
}

// DefaultTemplates fills templates the config file omits.
func DefaultTemplates() MessageTemplates {
	return MessageTemplates{
		EmptyMessage:      "Please include a message for me to respond to.",
		ProcessingMessage: ":hourglass_flowing_sand: Processing your request...",
		EmptyResponse:     "I could not come up with a response. Please try rephrasing.",
		LongResponseError: "The response was too long to post here. Please ask for a shorter answer.",
		GeneralError:      "Something went wrong while processing your request. Please try again.",
	}
}

// Load reads the settings document at path. Missing or malformed documents
// return a descriptive error; nothing panics past this boundary.
func Load(path string) (*Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
			return nil, fmt.Errorf("config file not found: %s (create it from config.example.yaml)", path)
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	settings := &Settings{
		Slack: SlackSettings{
			BotToken:          strings.TrimSpace(v.GetString("slack.bot_token")),
			SigningSecret:     strings.TrimSpace(v.GetString("slack.signing_secret")),
			AppToken:          strings.TrimSpace(v.GetString("slack.app_token")),
			AllowedTeamIDs:    trimmedList(v.GetStringSlice("slack.allowed_team_ids")),
			AllowedChannelIDs: trimmedList(v.GetStringSlice("slack.allowed_channel_ids")),
		},
		Bot: BotSettings{
			SystemPrompt:  strings.TrimSpace(v.GetString("bot.system_prompt")),
			AllowedTools:  trimmedList(v.GetStringSlice("bot.allowed_tools")),
			MaxTurns:      v.GetInt("bot.max_turns"),
			OutputToolUse: v.GetBool("bot.output_tool_use"),
		},
		Claude: ClaudeSettings{
			APIKey:         strings.TrimSpace(v.GetString("claude.api_key")),
			Model:          strings.TrimSpace(v.GetString("claude.model")),
			RequestTimeout: v.GetDuration("claude.request_timeout"),
		},
		HealthListen: strings.TrimSpace(v.GetString("health.listen")),
	}
	if settings.Bot.SystemPrompt == "" {
		settings.Bot.SystemPrompt = "You are a helpful Slack bot."
	}

	servers, err := mcpServersFromViper(v)
	if err != nil {
		return nil, err
	}
	settings.Bot.MCPServers = servers

	settings.Messages = templatesFromViper(v)
	return settings, nil
}

func mcpServersFromViper(v *viper.Viper) ([]MCPServer, error) {
	raw := v.Get("bot.mcp_servers")
	if raw == nil {
		return nil, nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("bot.mcp_servers must be a list")
	}
	out := make([]MCPServer, 0, len(entries))
	for i, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("bot.mcp_servers[%d] must be a mapping", i)
		}
		server := MCPServer{
			Name:               trimmedMapString(m, "name"),
			URL:                trimmedMapString(m, "url"),
			AuthorizationToken: trimmedMapString(m, "authorization_token"),
		}
		if server.Name == "" {
			return nil, fmt.Errorf("bot.mcp_servers[%d].name is required", i)
		}
		if server.URL == "" {
			return nil, fmt.Errorf("bot.mcp_servers[%d].url is required", i)
		}
		out = append(out, server)
	}
	return out, nil
}

func templatesFromViper(v *viper.Viper) MessageTemplates {
	templates := DefaultTemplates()
	if s := strings.TrimSpace(v.GetString("messages.empty_message")); s != "" {
		templates.EmptyMessage = s
	}
	if s := strings.TrimSpace(v.GetString("messages.processing_message")); s != "" {
		templates.ProcessingMessage = s
	}
	if s := strings.TrimSpace(v.GetString("messages.empty_response")); s != "" {
		templates.EmptyResponse = s
	}
	if s := strings.TrimSpace(v.GetString("messages.long_response_error")); s != "" {
		templates.LongResponseError = s
	}
	if s := strings.TrimSpace(v.GetString("messages.general_error")); s != "" {
		templates.GeneralError = s
	}
	return templates
}

// Validate checks the startup contract: all three Slack credentials must be
// present and must not still hold their documented placeholder values.
func (s *Settings) Validate() error {
	if s == nil {
		return fmt.Errorf("settings are required")
	}
	credentials := []struct {
		name  string
		value string
	}{
		{"slack.bot_token", s.Slack.BotToken},
		{"slack.app_token", s.Slack.AppToken},
		{"slack.signing_secret", s.Slack.SigningSecret},
	}
	for _, credential := range credentials {
		if credential.value == "" {
			return fmt.Errorf("%s is not configured", credential.name)
		}
		if strings.HasPrefix(credential.value, slackPlaceholderPrefix) {
			return fmt.Errorf("%s still holds its placeholder value", credential.name)
		}
	}
	if s.Bot.MaxTurns < 0 {
		return fmt.Errorf("bot.max_turns must not be negative")
	}
	return nil
}

// InstallBackendCredential publishes claude.api_key into the process
// environment so the backend's own credential lookup succeeds. A credential
// already present in the environment is left untouched when the config has
// none.
func (s *Settings) InstallBackendCredential() error {
	if s == nil || s.Claude.APIKey == "" {
		return nil
	}
	return os.Setenv(EnvAnthropicAPIKey, s.Claude.APIKey)
}

func trimmedList(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, raw := range items {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func trimmedMapString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}
