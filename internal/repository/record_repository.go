package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// Approval records and their decisions are always read and written as part
// of an instance, inside the instance transaction. These helpers work on any
// querier so InstanceRepository can use them with a pgx.Tx.

const recordColumns = `
	r.id, r.instance_id, r.node_id, r.path_id, r.round, r.previous_node_id,
	r.quorum, r.assigned_approver_ids, r.status, r.created_at, r.closed_at
`

// saveRecords upserts every record of st and inserts decisions not yet
// stored. Records only ever change status and closed_at.
func saveRecords(ctx context.Context, q querier, st *domain.InstanceState) error {
	recordQuery := `
		INSERT INTO approval_records
		    (id, instance_id, node_id, path_id, round, previous_node_id,
		     quorum, assigned_approver_ids, status, created_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET status    = EXCLUDED.status,
		    closed_at = EXCLUDED.closed_at
	`
	decisionQuery := `
		INSERT INTO approval_decisions
		    (id, record_id, instance_id, actor_id, action, comment,
		     acting_as_delegate_for, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	for _, rec := range st.Records {
		_, err := q.Exec(ctx, recordQuery,
			rec.ID,
			st.Instance.ID,
			rec.NodeID,
			rec.PathID,
			rec.Round,
			rec.PreviousNodeID,
			rec.Quorum,
			nonNil(rec.AssignedApproverIDs),
			rec.Status,
			rec.CreatedAt,
			rec.ClosedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to save approval record")
		}

		for _, d := range rec.Decisions {
			_, err := q.Exec(ctx, decisionQuery,
				d.ID,
				rec.ID,
				st.Instance.ID,
				d.ActorID,
				d.Action,
				d.Comment,
				d.ActingAsDelegateFor,
				d.DecidedAt,
			)
			if isUniqueViolation(err, "") {
				return errors.Newf(errors.ErrCodeDuplicateDecision, "%s already decided on record %s", d.ActorID, rec.ID)
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to save decision")
			}
		}
	}
	return nil
}

// loadRecords returns the records of instanceID with their decisions, oldest
// first.
func loadRecords(ctx context.Context, q querier, instanceID string) ([]*domain.ApprovalRecord, error) {
	rows, err := q.Query(ctx, `SELECT `+recordColumns+`
		FROM approval_records r
		WHERE r.instance_id = $1
		ORDER BY r.seq ASC
	`, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval records")
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if err := attachDecisions(ctx, q, records); err != nil {
		return nil, err
	}
	return records, nil
}

// attachDecisions fills the decision log of each record.
func attachDecisions(ctx context.Context, q querier, records []*domain.ApprovalRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, len(records))
	byID := make(map[string]*domain.ApprovalRecord, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		byID[rec.ID] = rec
		rec.Decisions = []domain.Decision{}
	}

	rows, err := q.Query(ctx, `
		SELECT id, record_id, actor_id, action, comment, acting_as_delegate_for, decided_at
		FROM approval_decisions
		WHERE record_id = ANY($1)
		ORDER BY decided_at ASC, id ASC
	`, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get decisions")
	}
	defer rows.Close()

	for rows.Next() {
		var d domain.Decision
		var recordID string
		if err := rows.Scan(
			&d.ID,
			&recordID,
			&d.ActorID,
			&d.Action,
			&d.Comment,
			&d.ActingAsDelegateFor,
			&d.DecidedAt,
		); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan decision")
		}
		if rec, ok := byID[recordID]; ok {
			rec.Decisions = append(rec.Decisions, d)
		}
	}
	return rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanRecord(row scanner, extra ...any) (*domain.ApprovalRecord, error) {
	rec := &domain.ApprovalRecord{}
	dest := append([]any{
		&rec.ID,
		&rec.InstanceID,
		&rec.NodeID,
		&rec.PathID,
		&rec.Round,
		&rec.PreviousNodeID,
		&rec.Quorum,
		&rec.AssignedApproverIDs,
		&rec.Status,
		&rec.CreatedAt,
		&rec.ClosedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return rec, nil
}

func scanRecords(rows pgx.Rows) ([]*domain.ApprovalRecord, error) {
	defer rows.Close()
	var records []*domain.ApprovalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval record")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
