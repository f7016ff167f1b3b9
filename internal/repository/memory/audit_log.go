package memory

import (
	"context"
	"sync"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
)

// AuditLog is an append-only in-memory history.
type AuditLog struct {
	mu      sync.RWMutex
	entries map[string][]*domain.AuditEntry
}

func NewAuditLog() *AuditLog {
	return &AuditLog{entries: make(map[string][]*domain.AuditEntry)}
}

func (l *AuditLog) Append(_ context.Context, entry *domain.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *entry
	l.entries[entry.InstanceID] = append(l.entries[entry.InstanceID], &cp)
	return nil
}

func (l *AuditLog) ListByInstance(_ context.Context, instanceID string) ([]*domain.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.entries[instanceID]
	out := make([]*domain.AuditEntry, 0, len(src))
	for _, e := range src {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
