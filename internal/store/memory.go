package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/civicflow/civicflow/internal/models"
)

// Compile-time checks that InMemoryStore implements the repo contracts.
var (
	_ SessionRepo = (*InMemoryStore)(nil)
	_ TenantRepo  = (*InMemoryStore)(nil)
	_ FlowRepo    = (*InMemoryStore)(nil)
)

// InMemoryStore is a map-backed store used in tests and single-process
// deployments without a database.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	tenants  map[string]models.Tenant
	bindings map[string]models.ChannelBinding // keyed by phone number id; latest active wins
	flows    map[string]models.FlowGraph
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		tenants:  make(map[string]models.Tenant),
		bindings: make(map[string]models.ChannelBinding),
		flows:    make(map[string]models.FlowGraph),
	}
}

func sessionKey(tenantID, address string) string {
	return tenantID + "|" + address
}

// LoadOrCreate implements SessionRepo.
func (s *InMemoryStore) LoadOrCreate(ctx context.Context, tenantID, address string) (*models.Session, error) {
	if address == "" {
		return nil, models.ErrEmptyAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionKey(tenantID, address)]; ok {
		copied := sess
		copied.Captured = copyCaptured(sess.Captured)
		return &copied, nil
	}
	now := time.Now()
	return &models.Session{
		TenantID:  tenantID,
		Address:   address,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Save implements SessionRepo.
func (s *InMemoryStore) Save(ctx context.Context, sess *models.Session) error {
	if sess.Address == "" {
		return models.ErrEmptyAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.Seq++
	sess.UpdatedAt = time.Now()
	copied := *sess
	copied.Captured = copyCaptured(sess.Captured)
	s.sessions[sessionKey(sess.TenantID, sess.Address)] = copied
	return nil
}

// Delete implements SessionRepo.
func (s *InMemoryStore) Delete(ctx context.Context, tenantID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(tenantID, address))
	return nil
}

// DeleteInactiveBefore implements SessionRepo.
func (s *InMemoryStore) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed, nil
}

// FindActiveBinding implements TenantRepo.
func (s *InMemoryStore) FindActiveBinding(ctx context.Context, phoneNumberID string) (models.ChannelBinding, models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[phoneNumberID]
	if !ok || !b.Active {
		return models.ChannelBinding{}, models.Tenant{}, models.ErrTenantNotFound
	}
	t, ok := s.tenants[b.TenantID]
	if !ok || !t.Active {
		return models.ChannelBinding{}, models.Tenant{}, models.ErrTenantNotFound
	}
	return b, t, nil
}

// FindBindingByVerifyToken implements TenantRepo.
func (s *InMemoryStore) FindBindingByVerifyToken(ctx context.Context, token string) (models.ChannelBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bindings {
		if b.Active && b.VerifyToken == token {
			return b, nil
		}
	}
	return models.ChannelBinding{}, models.ErrTenantNotFound
}

// SaveTenant implements TenantRepo.
func (s *InMemoryStore) SaveTenant(ctx context.Context, t models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
	return nil
}

// SaveBinding implements TenantRepo.
func (s *InMemoryStore) SaveBinding(ctx context.Context, b models.ChannelBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bindings[b.PhoneNumberID]; ok && existing.Active && b.Active && existing.TenantID != b.TenantID {
		return fmt.Errorf("active binding for phone number id %s already owned by tenant %s", b.PhoneNumberID, existing.TenantID)
	}
	s.bindings[b.PhoneNumberID] = b
	return nil
}

// FindActiveFlowByTenant implements FlowRepo.
func (s *InMemoryStore) FindActiveFlowByTenant(ctx context.Context, tenantID string) (*models.FlowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.flows {
		if g.TenantID == tenantID && g.Active {
			copied := g
			return &copied, nil
		}
	}
	return nil, models.ErrFlowNotFound
}

// FindFlowByID implements FlowRepo.
func (s *InMemoryStore) FindFlowByID(ctx context.Context, flowID string) (*models.FlowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.flows[flowID]
	if !ok {
		return nil, models.ErrFlowNotFound
	}
	copied := g
	return &copied, nil
}

// SaveFlow implements FlowRepo.
func (s *InMemoryStore) SaveFlow(ctx context.Context, g *models.FlowGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.Active {
		// Only one active flow per tenant; retire the previous one.
		for id, existing := range s.flows {
			if existing.TenantID == g.TenantID && existing.Active && id != g.ID {
				existing.Active = false
				s.flows[id] = existing
				slog.Debug("InMemoryStore retired previous active flow", "tenant_id", g.TenantID, "flow_id", id)
			}
		}
	}
	s.flows[g.ID] = *g
	return nil
}

func copyCaptured(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
