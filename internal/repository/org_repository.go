package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-engine/internal/database"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// OrgRepository reads the organisational snapshot in org_assignments. The
// engine never writes it.
type OrgRepository struct {
	db *database.DB
}

// NewOrgRepository creates a new OrgRepository.
func NewOrgRepository(db *database.DB) *OrgRepository {
	return &OrgRepository{db: db}
}

const assignmentColumns = `
	employee_id, company_id, department_id, position_id,
	position_level, role_id, supervisor_id, is_active
`

// GetActiveAssignment returns nil, nil when the employee has no active
// assignment in the company.
func (r *OrgRepository) GetActiveAssignment(ctx context.Context, employeeID, companyID string) (*domain.Assignment, error) {
	query := `SELECT ` + assignmentColumns + `
		FROM org_assignments
		WHERE employee_id = $1 AND company_id = $2 AND is_active
	`

	a, err := scanAssignment(r.db.QueryRow(ctx, query, employeeID, companyID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get org assignment")
	}
	return a, nil
}

// ListAssignments returns the active assignments of a company that pass
// filter, ordered by employee id.
func (r *OrgRepository) ListAssignments(ctx context.Context, companyID string, filter domain.AssignmentFilter) ([]domain.Assignment, error) {
	query := `SELECT ` + assignmentColumns + `
		FROM org_assignments
		WHERE company_id = $1
		  AND is_active
		  AND ($2 = '' OR department_id = $2)
		  AND ($3 = '' OR position_id = $3)
		  AND ($4 = '' OR role_id = $4)
		  AND position_level >= $5
		ORDER BY employee_id ASC
	`

	rows, err := r.db.Query(ctx, query,
		companyID,
		filter.DepartmentID,
		filter.PositionID,
		filter.RoleID,
		filter.MinLevel,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list org assignments")
	}
	defer rows.Close()

	out := []domain.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan org assignment")
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAssignment(row scanner) (*domain.Assignment, error) {
	a := &domain.Assignment{}
	err := row.Scan(
		&a.EmployeeID,
		&a.CompanyID,
		&a.DepartmentID,
		&a.PositionID,
		&a.PositionLevel,
		&a.RoleID,
		&a.SupervisorID,
		&a.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
