package domain

import (
	"context"
	"time"
)

// DivergenceStore persists divergence alerts.
type DivergenceStore interface {
	Insert(ctx context.Context, ev DivergenceEvent) error
	ListRecent(ctx context.Context, instrument string, limit int) ([]DivergenceEvent, error)
	ListBefore(ctx context.Context, before time.Time) ([]DivergenceEvent, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}
