// Package store provides storage backends for CivicFlow.
//
// It defines the repository contracts consumed by the tenant resolver,
// flow loader, and execution engine, with PostgreSQL, SQLite, and
// in-memory implementations.
package store

import (
	"context"
	"time"

	"github.com/civicflow/civicflow/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string (file path for SQLite,
	// connection URL for PostgreSQL).
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// SessionRepo is the conversation session store. Save is an upsert
// keyed by (tenant id, address); last-writer-wins is acceptable because
// the engine serializes mutation per key.
type SessionRepo interface {
	// LoadOrCreate returns the session for the key, or a fresh session
	// awaiting a trigger if the citizen has not been seen before.
	LoadOrCreate(ctx context.Context, tenantID, address string) (*models.Session, error)

	// Save upserts the session and bumps its sequence number.
	Save(ctx context.Context, s *models.Session) error

	// Delete removes the session for the key. Deleting a missing
	// session is not an error.
	Delete(ctx context.Context, tenantID, address string) error

	// DeleteInactiveBefore removes sessions whose last activity is
	// older than cutoff. Returns the number removed. Used by the
	// inactivity sweeper.
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TenantRepo is the read-mostly tenant directory consumed by the
// resolver. The engine never writes tenants; the save methods exist for
// the external authoring surface and for seeding.
type TenantRepo interface {
	// FindActiveBinding returns the single active channel binding for a
	// phone number id along with its tenant, or models.ErrTenantNotFound.
	FindActiveBinding(ctx context.Context, phoneNumberID string) (models.ChannelBinding, models.Tenant, error)

	// FindBindingByVerifyToken resolves a webhook verify token to its
	// active binding, or models.ErrTenantNotFound.
	FindBindingByVerifyToken(ctx context.Context, token string) (models.ChannelBinding, error)

	// SaveTenant upserts a tenant.
	SaveTenant(ctx context.Context, t models.Tenant) error

	// SaveBinding upserts a channel binding. Fails if it would create a
	// second active binding for the same phone number id.
	SaveBinding(ctx context.Context, b models.ChannelBinding) error
}

// FlowRepo is the read-only flow store consumed by the flow loader.
type FlowRepo interface {
	// FindActiveFlowByTenant returns the tenant's active flow, or
	// models.ErrFlowNotFound.
	FindActiveFlowByTenant(ctx context.Context, tenantID string) (*models.FlowGraph, error)

	// FindFlowByID returns a flow regardless of its active flag, so
	// sessions inside retired flows stay drivable, or models.ErrFlowNotFound.
	FindFlowByID(ctx context.Context, flowID string) (*models.FlowGraph, error)

	// SaveFlow upserts a flow definition.
	SaveFlow(ctx context.Context, g *models.FlowGraph) error
}
