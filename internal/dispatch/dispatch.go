// Package dispatch serializes engine-produced actions into provider
// message payloads and sends them on the tenant's channel.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/civicflow/civicflow/internal/models"
)

// Payload is one provider message body in WhatsApp Cloud API shape.
// The Twilio sender flattens it to plain text.
type Payload struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type,omitempty"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *TextBody    `json:"text,omitempty"`
	Interactive      *Interactive `json:"interactive,omitempty"`
}

// TextBody is the text variant payload.
type TextBody struct {
	Body string `json:"body"`
}

// Interactive is the interactive variant payload (buttons or list).
type Interactive struct {
	Type   string            `json:"type"` // "button" or "list"
	Body   InteractiveText   `json:"body"`
	Action InteractiveAction `json:"action"`
}

// InteractiveText wraps the interactive body text.
type InteractiveText struct {
	Text string `json:"text"`
}

// InteractiveAction holds buttons or list sections.
type InteractiveAction struct {
	Buttons  []Button  `json:"buttons,omitempty"`
	Button   string    `json:"button,omitempty"` // list open-button label
	Sections []Section `json:"sections,omitempty"`
}

// Button is one interactive reply button.
type Button struct {
	Type  string      `json:"type"` // always "reply"
	Reply ButtonReply `json:"reply"`
}

// ButtonReply carries the button id and title.
type ButtonReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Section is one interactive list section.
type Section struct {
	Title string `json:"title,omitempty"`
	Rows  []Row  `json:"rows"`
}

// Row is one interactive list row.
type Row struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Sender delivers one rendered payload on a tenant's channel. Network
// calls are externally rate-limited by the provider.
type Sender interface {
	Send(ctx context.Context, binding models.ChannelBinding, payload Payload) (models.DeliveryReceipt, error)
}

// Dispatcher translates each outbound action variant into exactly one
// provider call. Wait and EndConversation produce no network call.
type Dispatcher struct {
	sender Sender
}

// NewDispatcher creates a dispatcher over the given sender.
func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

// Render maps an action to its provider payload. Returns (nil, nil) for
// actions that do not translate to a send.
func Render(to string, action models.Action) (*Payload, error) {
	base := Payload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
	}
	switch a := action.(type) {
	case models.SendText:
		base.Type = "text"
		base.Text = &TextBody{Body: a.Body}
		return &base, nil
	case models.SendChoiceButtons:
		buttons := make([]Button, 0, len(a.Options))
		for _, opt := range a.Options {
			buttons = append(buttons, Button{Type: "reply", Reply: ButtonReply{ID: opt.ID, Title: opt.Label}})
		}
		base.Type = "interactive"
		base.Interactive = &Interactive{
			Type:   "button",
			Body:   InteractiveText{Text: a.Body},
			Action: InteractiveAction{Buttons: buttons},
		}
		return &base, nil
	case models.SendList:
		rows := make([]Row, 0, len(a.Options))
		for _, opt := range a.Options {
			rows = append(rows, Row{ID: opt.ID, Title: opt.Label})
		}
		label := a.ButtonLabel
		if label == "" {
			label = "Choose"
		}
		base.Type = "interactive"
		base.Interactive = &Interactive{
			Type:   "list",
			Body:   InteractiveText{Text: a.Body},
			Action: InteractiveAction{Button: label, Sections: []Section{{Rows: rows}}},
		}
		return &base, nil
	case models.Wait, models.EndConversation:
		return nil, nil
	default:
		return nil, fmt.Errorf("no payload rendering for action %T", action)
	}
}

// Dispatch renders and sends one action. Send failures are returned for
// the caller to log; the engine treats them as delivery failures, not
// state-machine failures.
func (d *Dispatcher) Dispatch(ctx context.Context, binding models.ChannelBinding, to string, action models.Action) (models.DeliveryReceipt, error) {
	payload, err := Render(to, action)
	if err != nil {
		return models.DeliveryReceipt{}, err
	}
	if payload == nil {
		slog.Debug("Dispatcher skipping non-send action", "action", action.Kind(), "to", to)
		return models.DeliveryReceipt{}, nil
	}

	receipt, err := d.sender.Send(ctx, binding, *payload)
	if err != nil {
		slog.Error("Dispatcher send failed", "error", err, "action", action.Kind(), "to", to, "phone_number_id", binding.PhoneNumberID)
		return models.DeliveryReceipt{}, fmt.Errorf("send %s to %s: %w", action.Kind(), to, err)
	}
	slog.Debug("Dispatcher send succeeded", "action", action.Kind(), "to", to, "message_id", receipt.MessageID)
	return receipt, nil
}
