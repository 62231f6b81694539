package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// AuditStore implements domain.AuditLog on the audit_log table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log inserts one entry. A "market_id" string in detail is also stored in
// the indexed market_id column.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal %s detail: %w", event, err)
	}
	var market *string
	if m, ok := detail["market_id"].(string); ok && m != "" {
		market = &m
	}

	const q = `INSERT INTO audit_log (event, market_id, detail) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, event, market, raw); err != nil {
		return fmt.Errorf("postgres: insert %s: %w", event, err)
	}
	return nil
}

var _ domain.AuditLog = (*AuditStore)(nil)
