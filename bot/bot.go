// Package bot routes inbound Slack events into the reply pipeline: placeholder
// first, resolve, then exactly one edit of the placeholder. Handlers never let
// a failure escape to the socket loop; every user-facing path ends in real
// assistant text or one of the configured templates.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"

	"github.com/quailyquaily/clauderelay/config"
	"github.com/quailyquaily/clauderelay/slack"
)

// mentionPattern matches at-reference tokens like <@U123ABC> or
// <@U123ABC|name>.
var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+(?:\|[^>]+)?>`)

// Messenger is the outbound platform surface: send a message (returning its
// timestamp identity) and replace a previously sent message's text.
type Messenger interface {
	PostMessage(ctx context.Context, channelID, text, threadTS string) (string, error)
	UpdateMessage(ctx context.Context, channelID, ts, text string) error
}

// Resolver turns a user prompt into finalized reply text. It never fails;
// failures arrive as template text.
type Resolver interface {
	Resolve(ctx context.Context, prompt string) string
}

type Options struct {
	Messenger         Messenger
	Resolver          Resolver
	Templates         config.MessageTemplates
	BotUserID         string
	AllowedTeamIDs    []string
	AllowedChannelIDs []string
	Logger            *slog.Logger
}

type Bot struct {
	messenger       Messenger
	resolver        Resolver
	templates       config.MessageTemplates
	botUserID       string
	allowedTeams    map[string]bool
	allowedChannels map[string]bool
	logger          *slog.Logger
}

func New(opts Options) (*Bot, error) {
	if opts.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		messenger:       opts.Messenger,
		resolver:        opts.Resolver,
		templates:       opts.Templates,
		botUserID:       strings.TrimSpace(opts.BotUserID),
		allowedTeams:    toAllowlist(opts.AllowedTeamIDs),
		allowedChannels: toAllowlist(opts.AllowedChannelIDs),
		logger:          logger,
	}, nil
}

// HandleEvent dispatches one inbound event to its handler. Unknown kinds are
// dropped.
func (b *Bot) HandleEvent(ctx context.Context, event slack.Event) {
	switch event.Kind {
	case slack.EventKindMention:
		b.HandleMention(ctx, event)
	case slack.EventKindMessage:
		b.HandleMessage(ctx, event)
	}
}

// HandleMention answers an in-channel mention, threaded to the mentioning
// message.
func (b *Bot) HandleMention(ctx context.Context, event slack.Event) {
	defer b.boundary(ctx, "mention", event, event.TS)

	if !b.allowed(event) {
		return
	}
	b.logger.Info("mention_received",
		"channel_id", event.ChannelID,
		"message_ts", event.TS,
		"user_id", event.UserID,
	)

	prompt := strings.TrimSpace(mentionPattern.ReplaceAllString(event.Text, ""))
	if prompt == "" {
		b.sayBestEffort(ctx, event.ChannelID, b.templates.EmptyMessage, event.TS)
		return
	}
	b.respond(ctx, event, prompt, event.TS)
}

// HandleMessage answers a direct message. Channel messages, bot-originated
// messages, and the bot's own messages are dropped so the bot never replies
// to itself or another bot.
func (b *Bot) HandleMessage(ctx context.Context, event slack.Event) {
	defer b.boundary(ctx, "message", event, "")

	if event.ChannelType != "im" {
		return
	}
	if event.BotID != "" || event.Subtype == "bot_message" {
		return
	}
	if event.UserID == "" || event.UserID == b.botUserID {
		return
	}
	if !b.allowed(event) {
		return
	}
	b.logger.Info("dm_received",
		"channel_id", event.ChannelID,
		"message_ts", event.TS,
		"user_id", event.UserID,
	)

	prompt := strings.TrimSpace(event.Text)
	if prompt == "" {
		b.sayBestEffort(ctx, event.ChannelID, b.templates.EmptyMessage, "")
		return
	}
	b.respond(ctx, event, prompt, "")
}

// respond runs the placeholder/finalize pipeline for one cleaned prompt.
// The placeholder goes out before the slow resolve so the user sees the
// request was received; its identity is then edited exactly once with the
// outcome.
func (b *Bot) respond(ctx context.Context, event slack.Event, prompt, threadTS string) {
	placeholderTS, err := b.messenger.PostMessage(ctx, event.ChannelID, b.templates.ProcessingMessage, threadTS)
	if err != nil {
		b.logger.Error("placeholder_send_error",
			"channel_id", event.ChannelID,
			"message_ts", event.TS,
			"error", err.Error(),
		)
		b.sayBestEffort(ctx, event.ChannelID, b.templates.GeneralError, threadTS)
		return
	}

	text := b.resolver.Resolve(ctx, prompt)

	if err := b.messenger.UpdateMessage(ctx, event.ChannelID, placeholderTS, text); err != nil {
		b.logger.Error("finalize_error",
			"channel_id", event.ChannelID,
			"placeholder_ts", placeholderTS,
			"error", err.Error(),
		)
	}
}

// boundary is the handler-level catch-all: a panic is logged with its stack
// and converted into a best-effort generic-error reply, so one event's
// failure never reaches the event dispatcher or affects the next event.
func (b *Bot) boundary(ctx context.Context, op string, event slack.Event, threadTS string) {
	r := recover()
	if r == nil {
		return
	}
	b.logger.Error("handle_"+op+"_panic",
		"channel_id", event.ChannelID,
		"message_ts", event.TS,
		"error", fmt.Sprint(r),
		"stack", string(debug.Stack()),
	)
	b.sayBestEffort(ctx, event.ChannelID, b.templates.GeneralError, threadTS)
}

func (b *Bot) sayBestEffort(ctx context.Context, channelID, text, threadTS string) {
	if _, err := b.messenger.PostMessage(ctx, channelID, text, threadTS); err != nil {
		b.logger.Warn("reply_send_error",
			"channel_id", channelID,
			"error", err.Error(),
		)
	}
}

func (b *Bot) allowed(event slack.Event) bool {
	if len(b.allowedTeams) > 0 && !b.allowedTeams[event.TeamID] {
		return false
	}
	if len(b.allowedChannels) > 0 && !b.allowedChannels[event.ChannelID] {
		return false
	}
	return true
}

func toAllowlist(items []string) map[string]bool {
	out := make(map[string]bool)
	for _, raw := range items {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}
