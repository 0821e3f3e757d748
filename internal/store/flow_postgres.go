package store

import (
	"context"
	"fmt"

	"github.com/civicflow/civicflow/internal/models"
)

// FindActiveFlowByTenant implements FlowRepo.
func (s *PostgresStore) FindActiveFlowByTenant(ctx context.Context, tenantID string) (*models.FlowGraph, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, active, definition, updated_at
		 FROM flows WHERE tenant_id = $1 AND active LIMIT 1`,
		tenantID,
	)
	return scanFlow(row)
}

// FindFlowByID implements FlowRepo. Looks up regardless of the active
// flag so sessions inside retired flows stay drivable.
func (s *PostgresStore) FindFlowByID(ctx context.Context, flowID string) (*models.FlowGraph, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, active, definition, updated_at FROM flows WHERE id = $1`,
		flowID,
	)
	return scanFlow(row)
}

// SaveFlow implements FlowRepo. Activating a flow retires the tenant's
// previous active flow in the same transaction.
func (s *PostgresStore) SaveFlow(ctx context.Context, g *models.FlowGraph) error {
	definition, err := encodeFlowDefinition(g)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save flow begin tx failed: %w", err)
	}
	defer tx.Rollback()

	if g.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE flows SET active = FALSE WHERE tenant_id = $1 AND id != $2`, g.TenantID, g.ID); err != nil {
			return fmt.Errorf("retire previous flow failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO flows (id, tenant_id, name, active, definition, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, active = EXCLUDED.active,
		   definition = EXCLUDED.definition, updated_at = NOW()`,
		g.ID, g.TenantID, g.Name, g.Active, definition,
	); err != nil {
		return fmt.Errorf("save flow failed: %w", err)
	}
	return tx.Commit()
}
