package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/civicflow/civicflow/internal/models"
)

// TwilioOpts holds configuration options for the Twilio WhatsApp sender.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string // WhatsApp number in "whatsapp:+1234567890" format
}

// TwilioOption defines a configuration option for the Twilio sender.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sending WhatsApp number.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// Compile-time check that TwilioSender implements Sender.
var _ Sender = (*TwilioSender)(nil)

// TwilioSender delivers payloads over the Twilio WhatsApp channel.
// Twilio's messaging API has no native interactive buttons or lists, so
// interactive payloads are flattened to numbered text menus. Tenants on
// this channel share the configured sending number; the per-binding
// Cloud credentials are unused.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioSender creates a Twilio-backed sender.
func NewTwilioSender(opts ...TwilioOption) (*TwilioSender, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio sender config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSender{client: client, from: cfg.From}, nil
}

// Send implements Sender.
func (s *TwilioSender) Send(ctx context.Context, binding models.ChannelBinding, payload Payload) (models.DeliveryReceipt, error) {
	body := flattenPayload(payload)

	to := payload.To
	if !strings.HasPrefix(to, "whatsapp:") {
		to = "whatsapp:+" + strings.TrimPrefix(to, "+")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return models.DeliveryReceipt{}, fmt.Errorf("twilio send: %w", err)
	}

	receipt := models.DeliveryReceipt{
		ID:     uuid.NewString(),
		To:     payload.To,
		SentAt: time.Now(),
	}
	if resp.Sid != nil {
		receipt.MessageID = *resp.Sid
	}
	return receipt, nil
}

// flattenPayload renders an interactive payload as a numbered text
// menu, so citizens on the Twilio channel can reply with the number.
func flattenPayload(p Payload) string {
	if p.Interactive == nil {
		if p.Text != nil {
			return p.Text.Body
		}
		return ""
	}

	var b strings.Builder
	b.WriteString(p.Interactive.Body.Text)
	b.WriteString("\n")
	i := 0
	for _, btn := range p.Interactive.Action.Buttons {
		i++
		fmt.Fprintf(&b, "\n%d. %s", i, btn.Reply.Title)
	}
	for _, sec := range p.Interactive.Action.Sections {
		for _, row := range sec.Rows {
			i++
			fmt.Fprintf(&b, "\n%d. %s", i, row.Title)
		}
	}
	fmt.Fprintf(&b, "\n\n(Reply with a number from 1 to %d)", i)
	return b.String()
}
