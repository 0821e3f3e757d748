package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/civicflow/civicflow/internal/models"
)

// FindActiveBinding implements TenantRepo. If the partial unique index
// has been bypassed and more than one active binding exists, the most
// recently created one wins and a warning is logged.
func (s *SQLiteStore) FindActiveBinding(ctx context.Context, phoneNumberID string) (models.ChannelBinding, models.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT phone_number_id, tenant_id, access_token, verify_token, business_account_id, display_number, active, created_at
		 FROM channel_bindings WHERE phone_number_id = ? AND active = 1
		 ORDER BY created_at DESC`,
		phoneNumberID,
	)
	if err != nil {
		return models.ChannelBinding{}, models.Tenant{}, fmt.Errorf("binding lookup failed: %w", err)
	}
	defer rows.Close()

	var bindings []models.ChannelBinding
	for rows.Next() {
		var b models.ChannelBinding
		if err := rows.Scan(&b.PhoneNumberID, &b.TenantID, &b.AccessToken, &b.VerifyToken, &b.BusinessAccountID, &b.DisplayNumber, &b.Active, &b.CreatedAt); err != nil {
			return models.ChannelBinding{}, models.Tenant{}, fmt.Errorf("scan binding failed: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return models.ChannelBinding{}, models.Tenant{}, fmt.Errorf("binding rows failed: %w", err)
	}
	if len(bindings) == 0 {
		return models.ChannelBinding{}, models.Tenant{}, models.ErrTenantNotFound
	}
	if len(bindings) > 1 {
		slog.Warn("Multiple active bindings for phone number id, using most recent", "phone_number_id", phoneNumberID, "count", len(bindings))
	}
	binding := bindings[0]

	tenant, err := s.findTenant(ctx, binding.TenantID)
	if err != nil {
		return models.ChannelBinding{}, models.Tenant{}, err
	}
	return binding, tenant, nil
}

func (s *SQLiteStore) findTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	var t models.Tenant
	var modules string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, modules, active, created_at FROM tenants WHERE id = ? AND active = 1`,
		tenantID,
	).Scan(&t.ID, &t.Name, &modules, &t.Active, &t.Created)
	if err == sql.ErrNoRows {
		return models.Tenant{}, models.ErrTenantNotFound
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("tenant lookup failed: %w", err)
	}
	t.Modules, err = decodeModules(modules)
	if err != nil {
		return models.Tenant{}, err
	}
	return t, nil
}

// FindBindingByVerifyToken implements TenantRepo.
func (s *SQLiteStore) FindBindingByVerifyToken(ctx context.Context, token string) (models.ChannelBinding, error) {
	var b models.ChannelBinding
	err := s.db.QueryRowContext(ctx,
		`SELECT phone_number_id, tenant_id, access_token, verify_token, business_account_id, display_number, active, created_at
		 FROM channel_bindings WHERE verify_token = ? AND active = 1 LIMIT 1`,
		token,
	).Scan(&b.PhoneNumberID, &b.TenantID, &b.AccessToken, &b.VerifyToken, &b.BusinessAccountID, &b.DisplayNumber, &b.Active, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return models.ChannelBinding{}, models.ErrTenantNotFound
	}
	if err != nil {
		return models.ChannelBinding{}, fmt.Errorf("verify token lookup failed: %w", err)
	}
	return b, nil
}

// SaveTenant implements TenantRepo.
func (s *SQLiteStore) SaveTenant(ctx context.Context, t models.Tenant) error {
	modules, err := encodeModules(t.Modules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, modules, active, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, modules = excluded.modules, active = excluded.active`,
		t.ID, t.Name, modules, t.Active, t.Created,
	)
	if err != nil {
		return fmt.Errorf("save tenant failed: %w", err)
	}
	return nil
}

// SaveBinding implements TenantRepo. The partial unique index rejects a
// second active binding for the same phone number id.
func (s *SQLiteStore) SaveBinding(ctx context.Context, b models.ChannelBinding) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_bindings (phone_number_id, tenant_id, access_token, verify_token, business_account_id, display_number, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(phone_number_id, tenant_id) DO UPDATE SET
		   access_token = excluded.access_token,
		   verify_token = excluded.verify_token,
		   business_account_id = excluded.business_account_id,
		   display_number = excluded.display_number,
		   active = excluded.active`,
		b.PhoneNumberID, b.TenantID, b.AccessToken, b.VerifyToken, b.BusinessAccountID, b.DisplayNumber, b.Active, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save binding failed: %w", err)
	}
	return nil
}
