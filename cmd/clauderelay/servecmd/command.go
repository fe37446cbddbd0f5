// Package servecmd runs the Slack ↔ Claude bridge over Socket Mode.
package servecmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quailyquaily/clauderelay/bot"
	"github.com/quailyquaily/clauderelay/claude"
	"github.com/quailyquaily/clauderelay/config"
	"github.com/quailyquaily/clauderelay/gateway"
	"github.com/quailyquaily/clauderelay/internal/configutil"
	"github.com/quailyquaily/clauderelay/internal/healthcheck"
	"github.com/quailyquaily/clauderelay/internal/logutil"
	"github.com/quailyquaily/clauderelay/slack"
	"github.com/spf13/cobra"
)

const defaultRequestTimeout = 10 * time.Minute

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Slack bridge with Socket Mode",
		RunE:  runServe,
	}
	cmd.Flags().String("slack-api-base-url", "https://slack.com/api", "Slack Web API base URL.")
	cmd.Flags().String("health-listen", "", "Health endpoint listen address (empty disables).")
	cmd.Flags().Duration("request-timeout", 0, "Per-request Claude timeout (0 uses claude.request_timeout, default 10m).")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	// Startup contract: any config or credential failure exits here, before
	// a single event handler is registered.
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("config_loaded", "path", configPath)

	if err := settings.InstallBackendCredential(); err != nil {
		return fmt.Errorf("install backend credential: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	api := slack.NewAPI(httpClient, configutil.FlagOrViperString(cmd, "slack-api-base-url", "slack.api_base_url"),
		settings.Slack.BotToken, settings.Slack.AppToken)

	auth, err := api.AuthTest(cmd.Context())
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	if auth.UserID == "" {
		return fmt.Errorf("slack auth.test returned empty user_id")
	}
	allowedTeams := settings.Slack.AllowedTeamIDs
	if len(allowedTeams) == 0 && auth.TeamID != "" {
		allowedTeams = []string{auth.TeamID}
	}

	requestTimeout := configutil.FlagOrViperDuration(cmd, "request-timeout", "")
	if requestTimeout <= 0 {
		requestTimeout = settings.Claude.RequestTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	client, err := claude.NewClient(claude.ClientOptions{
		HTTPClient: &http.Client{Timeout: requestTimeout},
		APIKey:     settings.Claude.APIKey,
		Model:      settings.Claude.Model,
	})
	if err != nil {
		return err
	}
	queryOpts := claude.Options{
		SystemPrompt: settings.Bot.SystemPrompt,
		AllowedTools: settings.Bot.AllowedTools,
		MCPServers:   mcpServers(settings.Bot.MCPServers),
		MaxTurns:     settings.Bot.MaxTurns,
	}

	resolver, err := gateway.New(gateway.Options{
		Query: func(ctx context.Context, prompt string) gateway.UnitStream {
			return client.Query(ctx, prompt, queryOpts)
		},
		Templates:     settings.Messages,
		OutputToolUse: settings.Bot.OutputToolUse,
		Timeout:       requestTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	relay, err := bot.New(bot.Options{
		Messenger:         api,
		Resolver:          resolver,
		Templates:         settings.Messages,
		BotUserID:         auth.UserID,
		AllowedTeamIDs:    allowedTeams,
		AllowedChannelIDs: settings.Slack.AllowedChannelIDs,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	healthListen := healthcheck.NormalizeListen(configutil.FlagOrViperString(cmd, "health-listen", "health.listen"))
	if healthListen == "" {
		healthListen = settings.HealthListen
	}
	if healthListen != "" {
		healthServer, err := healthcheck.StartServer(cmd.Context(), logger, healthListen, "serve")
		if err != nil {
			logger.Warn("health_server_start_error", "addr", healthListen, "error", err.Error())
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = healthServer.Shutdown(shutdownCtx)
				cancel()
			}()
		}
	}

	logger.Info("serve_start",
		"bot_user_id", auth.UserID,
		"team_id", auth.TeamID,
		"allowed_team_ids", len(allowedTeams),
		"allowed_channel_ids", len(settings.Slack.AllowedChannelIDs),
		"request_timeout", requestTimeout.String(),
		"output_tool_use", settings.Bot.OutputToolUse,
		"mcp_servers", len(settings.Bot.MCPServers),
	)

	// The platform delivers events one at a time; each is handled to
	// completion before the next envelope is read. The socket is reopened
	// whenever Slack disconnects it.
	for {
		if cmd.Context().Err() != nil {
			logger.Info("serve_stop", "reason", "context_canceled")
			return nil
		}
		conn, err := api.ConnectSocket(cmd.Context())
		if err != nil {
			if cmd.Context().Err() != nil {
				logger.Info("serve_stop", "reason", "context_canceled")
				return nil
			}
			logger.Warn("slack_socket_connect_error", "error", err.Error())
			if err := sleepWithContext(cmd.Context(), 2*time.Second); err != nil {
				return nil
			}
			continue
		}
		logger.Info("slack_socket_connected")

		readErr := slack.ConsumeSocket(cmd.Context(), conn, func(event slack.Event) error {
			relay.HandleEvent(context.Background(), event)
			return nil
		})
		_ = conn.Close()
		switch {
		case errors.Is(readErr, slack.ErrSocketDisconnect):
			logger.Info("slack_socket_reconnect_requested")
		case readErr != nil && !errors.Is(readErr, context.Canceled) && !errors.Is(readErr, context.DeadlineExceeded):
			logger.Warn("slack_socket_read_error", "error", readErr.Error())
		}
	}
}

func mcpServers(servers []config.MCPServer) []claude.MCPServer {
	if len(servers) == 0 {
		return nil
	}
	out := make([]claude.MCPServer, 0, len(servers))
	for _, server := range servers {
		out = append(out, claude.MCPServer{
			Name:               server.Name,
			URL:                server.URL,
			AuthorizationToken: server.AuthorizationToken,
		})
	}
	return out
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
