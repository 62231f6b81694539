package domain

import (
	"context"
	"io"
)

// Audit events.
const (
	AuditOrderTerminal = "order_terminal"
	AuditTradePair     = "trade_pair"
	AuditMerge         = "merge"
	AuditRecovery      = "recovery"
	AuditWindDown      = "wind_down"
)

// AuditLog is the append-only record of terminal orders and pairs.
type AuditLog interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// BlobWriter stores one archived audit batch under key.
type BlobWriter interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
}
