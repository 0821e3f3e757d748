package flowgraph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/civicflow/civicflow/internal/store"
)

// Provider supplies compiled flow graphs to the execution engine.
type Provider interface {
	// ActiveFlow returns the tenant's active flow, or models.ErrFlowNotFound.
	ActiveFlow(ctx context.Context, tenantID string) (*Graph, error)

	// FlowByID returns a flow regardless of its active flag, so
	// sessions inside retired flows stay drivable.
	FlowByID(ctx context.Context, flowID string) (*Graph, error)
}

// DefaultCacheTTL bounds how stale a cached compiled graph may be.
// Flow edits become visible within this window without restarting.
const DefaultCacheTTL = 30 * time.Second

// Compile-time check that Loader implements Provider.
var _ Provider = (*Loader)(nil)

// Loader loads flow definitions from a FlowRepo and caches the compiled
// graphs briefly, so each inbound message does not recompile the graph.
type Loader struct {
	repo  store.FlowRepo
	cache *gocache.Cache
}

// NewLoader creates a caching loader over the given flow repository.
func NewLoader(repo store.FlowRepo) *Loader {
	return &Loader{
		repo:  repo,
		cache: gocache.New(DefaultCacheTTL, time.Minute),
	}
}

// ActiveFlow implements Provider.
func (l *Loader) ActiveFlow(ctx context.Context, tenantID string) (*Graph, error) {
	cacheKey := "active:" + tenantID
	if cached, ok := l.cache.Get(cacheKey); ok {
		return cached.(*Graph), nil
	}

	def, err := l.repo.FindActiveFlowByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	g, err := Compile(def)
	if err != nil {
		slog.Error("Loader failed to compile active flow", "error", err, "tenant_id", tenantID, "flow_id", def.ID)
		return nil, fmt.Errorf("compile active flow for tenant %s: %w", tenantID, err)
	}
	l.cache.Set(cacheKey, g, DefaultCacheTTL)
	slog.Debug("Loader compiled active flow", "tenant_id", tenantID, "flow_id", g.ID)
	return g, nil
}

// FlowByID implements Provider.
func (l *Loader) FlowByID(ctx context.Context, flowID string) (*Graph, error) {
	cacheKey := "flow:" + flowID
	if cached, ok := l.cache.Get(cacheKey); ok {
		return cached.(*Graph), nil
	}

	def, err := l.repo.FindFlowByID(ctx, flowID)
	if err != nil {
		return nil, err
	}
	g, err := Compile(def)
	if err != nil {
		slog.Error("Loader failed to compile flow", "error", err, "flow_id", flowID)
		return nil, fmt.Errorf("compile flow %s: %w", flowID, err)
	}
	l.cache.Set(cacheKey, g, DefaultCacheTTL)
	return g, nil
}

// Invalidate drops cached entries for a tenant's flows. Called by the
// authoring surface after a publish so edits take effect immediately.
func (l *Loader) Invalidate(tenantID, flowID string) {
	l.cache.Delete("active:" + tenantID)
	if flowID != "" {
		l.cache.Delete("flow:" + flowID)
	}
}
