package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind discriminates the two inbound shapes the bridge handles.
type EventKind string

const (
	EventKindMention EventKind = "mention"
	EventKindMessage EventKind = "message"
)

// Event is one inbound platform event. Loop-prevention fields (BotID,
// Subtype, ChannelType) are surfaced untouched; filtering is the router's
// job, not the transport's.
type Event struct {
	Kind        EventKind
	TeamID      string
	ChannelID   string
	ChannelType string
	TS          string
	ThreadTS    string
	UserID      string
	BotID       string
	Subtype     string
	Text        string
	EventID     string
	SentAt      time.Time
}

type socketEnvelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type eventsAPIPayload struct {
	TeamID    string          `json:"team_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	EventTime int64           `json:"event_time,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

type wireEvent struct {
	Type        string `json:"type,omitempty"`
	Subtype     string `json:"subtype,omitempty"`
	User        string `json:"user,omitempty"`
	Text        string `json:"text,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ChannelType string `json:"channel_type,omitempty"`
	TS          string `json:"ts,omitempty"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	BotID       string `json:"bot_id,omitempty"`
	Team        string `json:"team,omitempty"`
}

// ErrSocketDisconnect signals that Slack asked the client to reconnect.
var ErrSocketDisconnect = fmt.Errorf("slack socket disconnect requested")

// ConsumeSocket reads envelopes until the connection fails, the context is
// canceled, or Slack requests a reconnect. Every envelope carrying an
// envelope_id is acknowledged before it is handed to onEvent.
func ConsumeSocket(ctx context.Context, conn *websocket.Conn, onEvent func(Event) error) error {
	if conn == nil {
		return fmt.Errorf("slack websocket connection is nil")
	}
	for {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var envelope socketEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		if strings.TrimSpace(envelope.EnvelopeID) != "" {
			if err := conn.WriteJSON(map[string]string{"envelope_id": envelope.EnvelopeID}); err != nil {
				return err
			}
		}
		if strings.TrimSpace(envelope.Type) == "disconnect" {
			return ErrSocketDisconnect
		}
		if onEvent == nil {
			continue
		}
		event, ok, err := parseEnvelopeEvent(envelope)
		if err != nil || !ok {
			continue
		}
		if err := onEvent(event); err != nil {
			return err
		}
	}
}

// parseEnvelopeEvent extracts an app_mention or message event from an
// events_api envelope. Any other envelope or event type is skipped, not an
// error.
func parseEnvelopeEvent(envelope socketEnvelope) (Event, bool, error) {
	if strings.TrimSpace(envelope.Type) != "events_api" || len(envelope.Payload) == 0 {
		return Event{}, false, nil
	}
	var payload eventsAPIPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return Event{}, false, err
	}
	var we wireEvent
	if err := json.Unmarshal(payload.Event, &we); err != nil {
		return Event{}, false, err
	}

	var kind EventKind
	switch strings.TrimSpace(we.Type) {
	case "app_mention":
		kind = EventKindMention
	case "message":
		kind = EventKindMessage
	default:
		return Event{}, false, nil
	}

	channelID := strings.TrimSpace(we.Channel)
	messageTS := strings.TrimSpace(we.TS)
	if channelID == "" || messageTS == "" {
		return Event{}, false, nil
	}

	teamID := strings.TrimSpace(payload.TeamID)
	if teamID == "" {
		teamID = strings.TrimSpace(we.Team)
	}

	sentAt := time.Now().UTC()
	if payload.EventTime > 0 {
		sentAt = time.Unix(payload.EventTime, 0).UTC()
	}

	return Event{
		Kind:        kind,
		TeamID:      teamID,
		ChannelID:   channelID,
		ChannelType: strings.TrimSpace(we.ChannelType),
		TS:          messageTS,
		ThreadTS:    strings.TrimSpace(we.ThreadTS),
		UserID:      strings.TrimSpace(we.User),
		BotID:       strings.TrimSpace(we.BotID),
		Subtype:     strings.TrimSpace(we.Subtype),
		Text:        we.Text,
		EventID:     strings.TrimSpace(payload.EventID),
		SentAt:      sentAt,
	}, true, nil
}
