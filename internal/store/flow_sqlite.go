package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/civicflow/civicflow/internal/models"
)

// FindActiveFlowByTenant implements FlowRepo.
func (s *SQLiteStore) FindActiveFlowByTenant(ctx context.Context, tenantID string) (*models.FlowGraph, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, active, definition, updated_at
		 FROM flows WHERE tenant_id = ? AND active = 1 LIMIT 1`,
		tenantID,
	)
	return scanFlow(row)
}

// FindFlowByID implements FlowRepo. Looks up regardless of the active
// flag so sessions inside retired flows stay drivable.
func (s *SQLiteStore) FindFlowByID(ctx context.Context, flowID string) (*models.FlowGraph, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, active, definition, updated_at FROM flows WHERE id = ?`,
		flowID,
	)
	return scanFlow(row)
}

// SaveFlow implements FlowRepo. Activating a flow retires the tenant's
// previous active flow in the same transaction.
func (s *SQLiteStore) SaveFlow(ctx context.Context, g *models.FlowGraph) error {
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
		if _, err := tx.ExecContext(ctx, `UPDATE flows SET active = 0 WHERE tenant_id = ? AND id != ?`, g.TenantID, g.ID); err != nil {
			return fmt.Errorf("retire previous flow failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO flows (id, tenant_id, name, active, definition, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, active = excluded.active,
		   definition = excluded.definition, updated_at = CURRENT_TIMESTAMP`,
		g.ID, g.TenantID, g.Name, g.Active, definition,
	); err != nil {
		return fmt.Errorf("save flow failed: %w", err)
	}
	return tx.Commit()
}

func scanFlow(row *sql.Row) (*models.FlowGraph, error) {
	var g models.FlowGraph
	var definition string
	err := row.Scan(&g.ID, &g.TenantID, &g.Name, &g.Active, &definition, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow failed: %w", err)
	}
	if err := decodeFlowDefinition(definition, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
