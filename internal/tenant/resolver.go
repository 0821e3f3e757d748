// Package tenant resolves inbound channel identifiers to tenants.
//
// Every inbound webhook message carries the provider phone number id it
// was received on; exactly one active channel binding maps that id to a
// tenant and the credentials needed to reply on the same channel.
package tenant

import (
	"context"
	"errors"
	"log/slog"

	"github.com/civicflow/civicflow/internal/models"
	"github.com/civicflow/civicflow/internal/store"
)

// Resolver maps channel identifiers to tenants using the tenant
// directory. Lookup failures are terminal for the event: log and drop,
// no retry.
type Resolver struct {
	repo store.TenantRepo
}

// NewResolver creates a resolver over the given tenant directory.
func NewResolver(repo store.TenantRepo) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the tenant and active channel binding for a provider
// phone number id, or models.ErrTenantNotFound.
func (r *Resolver) Resolve(ctx context.Context, phoneNumberID string) (models.Tenant, models.ChannelBinding, error) {
	if phoneNumberID == "" {
		slog.Warn("Resolver called without phone number id")
		return models.Tenant{}, models.ChannelBinding{}, models.ErrTenantNotFound
	}

	binding, t, err := r.repo.FindActiveBinding(ctx, phoneNumberID)
	if err != nil {
		if errors.Is(err, models.ErrTenantNotFound) {
			slog.Error("No tenant for phone number id", "phone_number_id", phoneNumberID)
		} else {
			slog.Error("Resolver lookup failed", "error", err, "phone_number_id", phoneNumberID)
		}
		return models.Tenant{}, models.ChannelBinding{}, err
	}

	slog.Debug("Resolver matched tenant", "phone_number_id", phoneNumberID, "tenant_id", t.ID, "tenant_name", t.Name)
	return t, binding, nil
}

// ResolveVerifyToken resolves a webhook verification token to its
// active binding. Used by the webhook GET handshake.
func (r *Resolver) ResolveVerifyToken(ctx context.Context, token string) (models.ChannelBinding, error) {
	if token == "" {
		return models.ChannelBinding{}, models.ErrTenantNotFound
	}
	return r.repo.FindBindingByVerifyToken(ctx, token)
}
