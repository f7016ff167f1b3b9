package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-engine/internal/database"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// DelegationRepository persists delegations in approval_delegations.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

const delegationColumns = `
	id, principal_id, delegate_id, start_date, end_date,
	request_type_scope, company_scope, is_active, reason,
	created_at, updated_at
`

// Save upserts d. Saves for one principal are serialised with a transaction
// scoped advisory lock so check sees every committed delegation of that
// principal.
func (r *DelegationRepository) Save(ctx context.Context, d *domain.Delegation, check func([]*domain.Delegation) error) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "delegation:"+d.PrincipalID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock principal delegations")
		}

		if check != nil {
			existing, err := listDelegations(ctx, tx, `principal_id = $1`, d.PrincipalID)
			if err != nil {
				return err
			}
			if err := check(existing); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO approval_delegations
			    (id, principal_id, delegate_id, start_date, end_date,
			     request_type_scope, company_scope, is_active, reason,
			     created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9,
			        $10, $11)
			ON CONFLICT (id) DO UPDATE
			SET start_date         = EXCLUDED.start_date,
			    end_date           = EXCLUDED.end_date,
			    request_type_scope = EXCLUDED.request_type_scope,
			    company_scope      = EXCLUDED.company_scope,
			    is_active          = EXCLUDED.is_active,
			    reason             = EXCLUDED.reason,
			    updated_at         = EXCLUDED.updated_at
		`
		_, err := tx.Exec(ctx, query,
			d.ID,
			d.PrincipalID,
			d.DelegateID,
			d.StartDate,
			d.EndDate,
			nonNil(d.RequestTypeScope),
			nonNil(d.CompanyScope),
			d.IsActive,
			d.Reason,
			d.CreatedAt,
			d.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to save delegation")
		}
		return nil
	})
}

// Get retrieves a delegation by primary key.
func (r *DelegationRepository) Get(ctx context.Context, id string) (*domain.Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM approval_delegations WHERE id = $1`

	d, err := scanDelegation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("delegation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delegation")
	}
	return d, nil
}

func (r *DelegationRepository) ListByPrincipal(ctx context.Context, principalID string) ([]*domain.Delegation, error) {
	return listDelegations(ctx, r.db, `principal_id = $1`, principalID)
}

func (r *DelegationRepository) ListByDelegate(ctx context.Context, delegateID string) ([]*domain.Delegation, error) {
	return listDelegations(ctx, r.db, `delegate_id = $1`, delegateID)
}

func listDelegations(ctx context.Context, q querier, where string, arg string) ([]*domain.Delegation, error) {
	query := `SELECT ` + delegationColumns + `
		FROM approval_delegations
		WHERE ` + where + `
		ORDER BY start_date ASC, id ASC
	`

	rows, err := q.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	out := []*domain.Delegation{}
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelegation(row scanner) (*domain.Delegation, error) {
	d := &domain.Delegation{}
	err := row.Scan(
		&d.ID,
		&d.PrincipalID,
		&d.DelegateID,
		&d.StartDate,
		&d.EndDate,
		&d.RequestTypeScope,
		&d.CompanyScope,
		&d.IsActive,
		&d.Reason,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
