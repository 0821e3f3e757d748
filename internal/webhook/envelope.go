package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"

	"github.com/civicflow/civicflow/internal/models"
)

// ErrUnknownObject marks an envelope for something other than a
// WhatsApp Business Account subscription.
var ErrUnknownObject = errors.New("webhook: unknown envelope object")

// envelope mirrors the Cloud API webhook payload. Only the fields the
// engine needs are decoded; the rest of the payload is ignored.
type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string `json:"field"`
	Value value  `json:"value"`
}

type value struct {
	Metadata metadata  `json:"metadata"`
	Messages []message `json:"messages"`
}

type metadata struct {
	PhoneNumberID string `json:"phone_number_id"`
}

type message struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	Timestamp   string       `json:"timestamp"`
	Type        string       `json:"type"`
	Text        *textBody    `json:"text,omitempty"`
	Interactive *interactive `json:"interactive,omitempty"`
	Image       *media       `json:"image,omitempty"`
	Document    *media       `json:"document,omitempty"`
	Audio       *media       `json:"audio,omitempty"`
	Video       *media       `json:"video,omitempty"`
}

type textBody struct {
	Body string `json:"body"`
}

type interactive struct {
	Type        string `json:"type"`
	ButtonReply *reply `json:"button_reply,omitempty"`
	ListReply   *reply `json:"list_reply,omitempty"`
}

type reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type media struct {
	ID      string `json:"id"`
	Caption string `json:"caption,omitempty"`
}

// ParseEnvelope decodes one webhook delivery into normalized inbound
// events. Deliveries without messages (status updates, read receipts)
// yield an empty slice and no error.
func ParseEnvelope(r io.Reader) ([]models.InboundEvent, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, err
	}
	if env.Object != "whatsapp_business_account" {
		return nil, ErrUnknownObject
	}

	var events []models.InboundEvent
	for _, e := range env.Entry {
		for _, ch := range e.Changes {
			phoneNumberID := ch.Value.Metadata.PhoneNumberID
			for _, msg := range ch.Value.Messages {
				event, ok := normalize(msg, phoneNumberID)
				if !ok {
					slog.Debug("Webhook skipping unsupported message", "type", msg.Type, "message_id", msg.ID)
					continue
				}
				events = append(events, event)
			}
		}
	}
	return events, nil
}

// normalize maps one provider message onto the engine's event model.
func normalize(msg message, phoneNumberID string) (models.InboundEvent, bool) {
	event := models.InboundEvent{
		MessageID:     msg.ID,
		From:          msg.From,
		PhoneNumberID: phoneNumberID,
	}
	if msg.ID == "" || msg.From == "" {
		return event, false
	}
	if ts, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
		event.Timestamp = ts
	}

	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return event, false
		}
		event.Kind = models.EventText
		event.Text = msg.Text.Body
	case "interactive":
		if msg.Interactive == nil {
			return event, false
		}
		switch {
		case msg.Interactive.ButtonReply != nil:
			event.Kind = models.EventChoiceReply
			event.SelectionID = msg.Interactive.ButtonReply.ID
			event.Text = msg.Interactive.ButtonReply.Title
		case msg.Interactive.ListReply != nil:
			event.Kind = models.EventListReply
			event.SelectionID = msg.Interactive.ListReply.ID
			event.Text = msg.Interactive.ListReply.Title
		default:
			return event, false
		}
	case "image", "document", "audio", "video":
		m := msg.Image
		if m == nil {
			m = msg.Document
		}
		if m == nil {
			m = msg.Audio
		}
		if m == nil {
			m = msg.Video
		}
		if m == nil {
			return event, false
		}
		event.Kind = models.EventMedia
		event.MediaID = m.ID
		event.Text = m.Caption
	default:
		return event, false
	}
	return event, true
}
