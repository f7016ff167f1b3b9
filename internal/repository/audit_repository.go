package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-engine/internal/database"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// AuditRepository appends and reads immutable instance audit entries.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry. The table has an update/delete prevention
// trigger so this is the only mutation exposed.
func (r *AuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (id, instance_id, record_id, action, performed_by, performed_at,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9)
	`

	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.InstanceID,
		entry.RecordID,
		entry.Action,
		entry.PerformedBy,
		entry.PerformedAt,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByInstance returns the audit trail of an instance oldest first.
func (r *AuditRepository) ListByInstance(ctx context.Context, instanceID string) ([]*domain.AuditEntry, error) {
	query := `
		SELECT id, instance_id, record_id, action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM approval_audit_log
		WHERE instance_id = $1
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanAuditRows(rows pgx.Rows) ([]*domain.AuditEntry, error) {
	entries := []*domain.AuditEntry{}
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanAuditEntry(sc scanner) (*domain.AuditEntry, error) {
	entry := &domain.AuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.InstanceID,
		&entry.RecordID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
