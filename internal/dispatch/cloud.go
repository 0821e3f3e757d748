package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/civicflow/civicflow/internal/models"
)

// Default Cloud API endpoint configuration.
const (
	// DefaultGraphBaseURL is the provider Graph API root.
	DefaultGraphBaseURL = "https://graph.facebook.com"
	// DefaultGraphVersion is the Graph API version used for sends.
	DefaultGraphVersion = "v18.0"
	// DefaultSendTimeout bounds one send call.
	DefaultSendTimeout = 15 * time.Second
)

// CloudOpts holds configuration options for the Cloud API sender.
type CloudOpts struct {
	BaseURL string
	Version string
	Client  *http.Client
}

// CloudOption defines a configuration option for the Cloud API sender.
type CloudOption func(*CloudOpts)

// WithBaseURL overrides the Graph API root (used in tests).
func WithBaseURL(url string) CloudOption {
	return func(o *CloudOpts) { o.BaseURL = url }
}

// WithVersion overrides the Graph API version.
func WithVersion(v string) CloudOption {
	return func(o *CloudOpts) { o.Version = v }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) CloudOption {
	return func(o *CloudOpts) { o.Client = c }
}

// Compile-time check that CloudSender implements Sender.
var _ Sender = (*CloudSender)(nil)

// CloudSender posts payloads to the WhatsApp Cloud API using the
// channel binding's credentials, so one sender serves every tenant.
type CloudSender struct {
	baseURL string
	version string
	client  *http.Client
}

// NewCloudSender creates a Cloud API sender.
func NewCloudSender(opts ...CloudOption) *CloudSender {
	cfg := CloudOpts{
		BaseURL: DefaultGraphBaseURL,
		Version: DefaultGraphVersion,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultSendTimeout}
	}
	return &CloudSender{baseURL: cfg.BaseURL, version: cfg.Version, client: cfg.Client}
}

// sendResponse is the subset of the provider response we read back.
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send implements Sender.
func (s *CloudSender) Send(ctx context.Context, binding models.ChannelBinding, payload Payload) (models.DeliveryReceipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.DeliveryReceipt{}, fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", s.baseURL, s.version, binding.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.DeliveryReceipt{}, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+binding.AccessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return models.DeliveryReceipt{}, fmt.Errorf("cloud api send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("Cloud API send rejected", "status", resp.StatusCode, "phone_number_id", binding.PhoneNumberID, "body", string(respBody))
		return models.DeliveryReceipt{}, fmt.Errorf("cloud api send: status %d", resp.StatusCode)
	}

	receipt := models.DeliveryReceipt{
		ID:     uuid.NewString(),
		To:     payload.To,
		SentAt: time.Now(),
	}
	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err == nil && len(parsed.Messages) > 0 {
		receipt.MessageID = parsed.Messages[0].ID
	}
	return receipt, nil
}
