// Package webhook exposes the inbound HTTP surface for WhatsApp Cloud
// API callbacks.
//
// It terminates the provider handshake (GET verification), parses the
// webhook envelope, deduplicates message deliveries, resolves the
// tenant for each event, and hands normalized events to the engine.
// The provider is always acknowledged with 200 so it does not retry
// events we have already accepted.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/civicflow/civicflow/internal/dedup"
	"github.com/civicflow/civicflow/internal/engine"
	"github.com/civicflow/civicflow/internal/models"
	"github.com/civicflow/civicflow/internal/tenant"
)

// Timeouts for the inbound listener. Webhook deliveries are small; the
// write timeout is generous because a pass-through chain with delay
// nodes runs before the handler returns.
const (
	DefaultAddr         = ":8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 5 * time.Minute
	shutdownGrace       = 10 * time.Second
)

// Opts holds configuration options for the webhook server.
type Opts struct {
	Addr string
}

// Option configures the webhook server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		if addr != "" {
			o.Addr = addr
		}
	}
}

// Server is the inbound webhook listener.
type Server struct {
	addr     string
	guard    dedup.Guard
	resolver *tenant.Resolver
	engine   *engine.Engine
}

// NewServer creates a webhook server wired to the guard, resolver, and
// engine.
func NewServer(guard dedup.Guard, resolver *tenant.Resolver, eng *engine.Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:     cfg.Addr,
		guard:    guard,
		resolver: resolver,
		engine:   eng,
	}
}

// Routes returns the handler tree. Exposed separately from Run so
// tests can drive it with httptest.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", s.verifyHandler)
	mux.HandleFunc("POST /webhook", s.eventHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	return mux
}

// Run serves until ctx is cancelled, then drains in-flight deliveries.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Routes(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Webhook server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		slog.Error("Webhook health write failed", "error", err)
	}
}

// verifyHandler implements the Cloud API webhook verification
// handshake: the provider sends hub.mode=subscribe with a verify token
// and expects the challenge echoed back when the token is known.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token == "" {
		slog.Warn("Webhook verification with bad mode or empty token", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if _, err := s.resolver.ResolveVerifyToken(r.Context(), token); err != nil {
		slog.Warn("Webhook verification token not recognized", "error", err)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	slog.Info("Webhook verification succeeded")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(challenge)); err != nil {
		slog.Error("Webhook challenge write failed", "error", err)
	}
}

// eventHandler accepts one webhook delivery. The response is always
// 200 once the envelope parses: processing failures are internal
// outcomes and a 500 would only make the provider redeliver events the
// guard has already marked.
func (s *Server) eventHandler(w http.ResponseWriter, r *http.Request) {
	events, err := ParseEnvelope(r.Body)
	if err != nil {
		slog.Warn("Webhook envelope rejected", "error", err)
		if errors.Is(err, ErrUnknownObject) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			w.WriteHeader(http.StatusBadRequest)
		}
		return
	}

	for _, event := range events {
		s.processEvent(r.Context(), event)
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("EVENT_RECEIVED")); err != nil {
		slog.Error("Webhook ack write failed", "error", err)
	}
}

// processEvent runs guard, resolver, and engine for one message.
func (s *Server) processEvent(ctx context.Context, event models.InboundEvent) {
	if !s.guard.CheckAndMark(ctx, event.MessageID) {
		slog.Debug("Webhook duplicate delivery suppressed", "message_id", event.MessageID)
		return
	}

	ten, binding, err := s.resolver.Resolve(ctx, event.PhoneNumberID)
	if err != nil {
		slog.Warn("Webhook could not resolve tenant, dropping event", "error", err, "phone_number_id", event.PhoneNumberID, "message_id", event.MessageID)
		return
	}

	if err := s.engine.HandleEvent(ctx, ten, binding, event); err != nil {
		slog.Error("Webhook engine run failed", "error", err, "tenant_id", ten.ID, "message_id", event.MessageID)
	}
}
