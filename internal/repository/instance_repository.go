package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-engine/internal/database"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// activeRequestIndex enforces one non-terminal instance per request.
const activeRequestIndex = "uq_approval_instances_active_request"

// InstanceRepository persists instances with their paths, records and
// decisions. Instance creation and every update run in one transaction.
type InstanceRepository struct {
	db *database.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

const instanceColumns = `
	i.id, i.definition_id, i.definition_version, i.request_type,
	i.request_module, i.request_id, i.applicant_id, i.company_id,
	i.context_data, i.current_node_id, i.status, i.paths,
	i.submitted_at, i.completed_at, i.updated_at
`

// CreateInstance inserts the instance and its initial records.
func (r *InstanceRepository) CreateInstance(ctx context.Context, st *domain.InstanceState) error {
	contextJSON, pathsJSON, err := marshalInstance(st)
	if err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		inst := &st.Instance
		query := `
			INSERT INTO approval_instances
			    (id, definition_id, definition_version, request_type,
			     request_module, request_id, applicant_id, company_id,
			     context_data, current_node_id, status, paths,
			     submitted_at, completed_at, updated_at)
			VALUES ($1, $2, $3, $4,
			        $5, $6, $7, $8,
			        $9, $10, $11, $12,
			        $13, $14, $15)
		`
		_, err := tx.Exec(ctx, query,
			inst.ID,
			inst.DefinitionID,
			inst.DefinitionVersion,
			inst.RequestType,
			inst.RequestRef.Module,
			inst.RequestRef.ID,
			inst.ApplicantID,
			inst.CompanyID,
			contextJSON,
			inst.CurrentNodeID,
			inst.Status,
			pathsJSON,
			inst.SubmittedAt,
			inst.CompletedAt,
			inst.UpdatedAt,
		)
		if isUniqueViolation(err, activeRequestIndex) {
			return errors.Newf(errors.ErrCodeActiveInstanceExists,
				"request %s already has an active instance", inst.RequestRef)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
		}
		return saveRecords(ctx, tx, st)
	})
}

// Update locks the instance row with SELECT ... FOR UPDATE, applies fn and
// writes the result in the same transaction.
func (r *InstanceRepository) Update(ctx context.Context, id string, fn func(st *domain.InstanceState) error) (*domain.InstanceState, error) {
	var out *domain.InstanceState
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		st, err := loadState(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}

		contextJSON, pathsJSON, err := marshalInstance(st)
		if err != nil {
			return err
		}
		inst := &st.Instance
		query := `
			UPDATE approval_instances
			SET current_node_id = $2,
			    status          = $3,
			    paths           = $4,
			    context_data    = $5,
			    completed_at    = $6,
			    updated_at      = $7
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, query,
			inst.ID,
			inst.CurrentNodeID,
			inst.Status,
			pathsJSON,
			contextJSON,
			inst.CompletedAt,
			inst.UpdatedAt,
		); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval instance")
		}
		if err := saveRecords(ctx, tx, st); err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetInstance returns the instance with records and decisions.
func (r *InstanceRepository) GetInstance(ctx context.Context, id string) (*domain.InstanceState, error) {
	return loadState(ctx, r.db, id, false)
}

// ListOpenRecordsFor returns pending records of non-terminal instances where
// any of approverIDs is assigned, oldest submission first.
func (r *InstanceRepository) ListOpenRecordsFor(ctx context.Context, approverIDs []string) ([]domain.PendingItem, error) {
	if len(approverIDs) == 0 {
		return []domain.PendingItem{}, nil
	}
	query := `
		SELECT ` + recordColumns + `,
		       i.request_type, i.request_module, i.request_id,
		       i.applicant_id, i.company_id, i.submitted_at
		FROM approval_records r
		JOIN approval_instances i ON i.id = r.instance_id
		WHERE r.status = 'PENDING'
		  AND i.status IN ('PENDING', 'IN_PROGRESS')
		  AND r.assigned_approver_ids && $1
		ORDER BY i.submitted_at ASC, r.id ASC
	`

	rows, err := r.db.Query(ctx, query, approverIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approvals")
	}
	defer rows.Close()

	var items []domain.PendingItem
	var records []*domain.ApprovalRecord
	for rows.Next() {
		var item domain.PendingItem
		rec, err := scanRecord(rows,
			&item.RequestType,
			&item.RequestRef.Module,
			&item.RequestRef.ID,
			&item.ApplicantID,
			&item.CompanyID,
			&item.SubmittedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending approval")
		}
		item.InstanceID = rec.InstanceID
		items = append(items, item)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read pending approvals")
	}
	rows.Close()

	if err := attachDecisions(ctx, r.db, records); err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Record = *records[i]
	}
	return items, nil
}

// loadState reads one instance; forUpdate takes the row lock.
func loadState(ctx context.Context, q querier, id string, forUpdate bool) (*domain.InstanceState, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances i WHERE i.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	st := &domain.InstanceState{}
	inst := &st.Instance
	var contextJSON, pathsJSON []byte
	err := q.QueryRow(ctx, query, id).Scan(
		&inst.ID,
		&inst.DefinitionID,
		&inst.DefinitionVersion,
		&inst.RequestType,
		&inst.RequestRef.Module,
		&inst.RequestRef.ID,
		&inst.ApplicantID,
		&inst.CompanyID,
		&contextJSON,
		&inst.CurrentNodeID,
		&inst.Status,
		&pathsJSON,
		&inst.SubmittedAt,
		&inst.CompletedAt,
		&inst.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodeInstanceNotFound, "instance %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval instance")
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &inst.ContextData); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal context data")
		}
	}
	if err := json.Unmarshal(pathsJSON, &st.Paths); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal paths")
	}

	st.Records, err = loadRecords(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func marshalInstance(st *domain.InstanceState) (contextJSON, pathsJSON []byte, err error) {
	if st.Instance.ContextData != nil {
		contextJSON, err = json.Marshal(st.Instance.ContextData)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal context data")
		}
	}
	pathsJSON, err = json.Marshal(st.Paths)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal paths")
	}
	return contextJSON, pathsJSON, nil
}
