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
func (s *PostgresStore) LoadOrCreate(ctx context.Context, tenantID, address string) (*models.Session, error) {
	if address == "" {
		return nil, models.ErrEmptyAddress
	}

	var sess models.Session
	var captured string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, address, flow_id, current_node, captured, seq, created_at, updated_at
		 FROM sessions WHERE tenant_id = $1 AND address = $2`,
		tenantID, address,
	).Scan(&sess.TenantID, &sess.Address, &sess.FlowID, &sess.CurrentNode, &captured, &sess.Seq, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		now := time.Now()
		return &models.Session{TenantID: tenantID, Address: address, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadOrCreate failed", "error", err, "tenant_id", tenantID)
		return nil, fmt.Errorf("%w: %v", models.ErrSessionStoreUnavailable, err)
	}

	sess.Captured, err = decodeCaptured(captured)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Save implements SessionRepo.
func (s *PostgresStore) Save(ctx context.Context, sess *models.Session) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, address) DO UPDATE SET
		   flow_id = EXCLUDED.flow_id,
		   current_node = EXCLUDED.current_node,
		   captured = EXCLUDED.captured,
		   seq = EXCLUDED.seq,
		   updated_at = EXCLUDED.updated_at`,
		sess.TenantID, sess.Address, sess.FlowID, sess.CurrentNode, captured, sess.Seq, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore Save session failed", "error", err, "tenant_id", sess.TenantID)
		return fmt.Errorf("%w: %v", models.ErrSessionStoreUnavailable, err)
	}
	slog.Debug("PostgresStore Save session succeeded", "tenant_id", sess.TenantID, "current_node", sess.CurrentNode, "seq", sess.Seq)
	return nil
}

// Delete implements SessionRepo.
func (s *PostgresStore) Delete(ctx context.Context, tenantID, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE tenant_id = $1 AND address = $2`, tenantID, address)
	if err != nil {
		slog.Error("PostgresStore Delete session failed", "error", err, "tenant_id", tenantID)
		return fmt.Errorf("%w: %v", models.ErrSessionStoreUnavailable, err)
	}
	return nil
}

// DeleteInactiveBefore implements SessionRepo.
func (s *PostgresStore) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore DeleteInactiveBefore failed", "error", err)
		return 0, fmt.Errorf("%w: %v", models.ErrSessionStoreUnavailable, err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}
