package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicflow/civicflow/internal/models"
)

// LoadOrCreate implements SessionRepo.
func (s *SQLiteStore) LoadOrCreate(ctx context.Context, tenantID, address string) (*models.Session, error) {
	if address == "" {
		return nil, models.ErrEmptyAddress
	}

	var sess models.Session
	var captured string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, address, flow_id, current_node, captured, seq, created_at, updated_at
		 FROM sessions WHERE tenant_id = ? AND address = ?`,
		tenantID, address,
	).Scan(&sess.TenantID, &sess.Address, &sess.FlowID, &sess.CurrentNode, &captured, &sess.Seq, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		now := time.Now()
		return &models.Session{TenantID: tenantID, Address: address, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadOrCreate failed", "error", err, "tenant_id", tenantID)
		return nil, fmt.Errorf("%w: %v", models.ErrSessionStoreUnavailable, err)
	}

	sess.Captured, err = decodeCaptured(captured)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Save implements SessionRepo.
func (s *SQLiteStore) Save(ctx context.Context, sess *models.Session) error {
	if sess.Address == "" {
		return models.ErrEmptyAddress
	}

	captured, err := encodeCaptured(sess.Captured)
	if err != nil {
		return err
	}
	sess.Seq++
	sess.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (tenant_id, address, flow_id, current_node, captured, seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, address) DO UPDATE SET
		   flow_id = excluded.flow_id,
		   current_node = excluded.current_node,
		   captured = excluded.captured,
		   seq = excluded.seq,
		   updated_at = excluded.updated_at`,
		sess.TenantID, sess.Address, sess.FlowID, sess.CurrentNode, captured, sess.Seq, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore Save session failed", "error", err, "tenant_id", sess.TenantID)
		return fmt.Errorf("%w: %v", models.ErrSessionStoreUnavailable, err)
	}
	slog.Debug("SQLiteStore Save session succeeded", "tenant_id", sess.TenantID, "current_node", sess.CurrentNode, "seq", sess.Seq)
	return nil
}

// Delete implements SessionRepo.
func (s *SQLiteStore) Delete(ctx context.Context, tenantID, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE tenant_id = ? AND address = ?`, tenantID, address)
	if err != nil {
		slog.Error("SQLiteStore Delete session failed", "error", err, "tenant_id", tenantID)
		return fmt.Errorf("%w: %v", models.ErrSessionStoreUnavailable, err)
	}
	return nil
}

// DeleteInactiveBefore implements SessionRepo.
func (s *SQLiteStore) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore DeleteInactiveBefore failed", "error", err)
		return 0, fmt.Errorf("%w: %v", models.ErrSessionStoreUnavailable, err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}
