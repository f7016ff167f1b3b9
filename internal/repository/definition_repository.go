package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-engine/internal/database"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// DefinitionRepository stores every version of every workflow definition in
// approval_definitions. Rows are never updated; a new version is a new row.
type DefinitionRepository struct {
	db *database.DB
}

// NewDefinitionRepository creates a new DefinitionRepository.
func NewDefinitionRepository(db *database.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

const definitionColumns = `
	id, version, name, scope, company_id, request_type, employee_id,
	is_active, effective_from, effective_to, nodes, edges, created_at
`

// CreateDefinition inserts version 1 of a new definition.
func (r *DefinitionRepository) CreateDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM approval_definitions WHERE id = $1)`, def.ID,
		).Scan(&exists); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check definition")
		}
		if exists {
			return errors.Newf(errors.ErrCodeConflict, "definition %q already exists", def.ID)
		}
		return r.insert(ctx, tx, def)
	})
}

// AddVersion inserts def as the next version of an existing definition. The
// latest row is locked so concurrent publishers get consecutive versions.
func (r *DefinitionRepository) AddVersion(ctx context.Context, def *domain.WorkflowDefinition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var latest int
		err := tx.QueryRow(ctx, `
			SELECT version FROM approval_definitions
			WHERE id = $1
			ORDER BY version DESC
			LIMIT 1
			FOR UPDATE
		`, def.ID).Scan(&latest)
		if err == pgx.ErrNoRows {
			return errors.NotFound("definition", def.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read latest definition version")
		}
		def.Version = latest + 1
		return r.insert(ctx, tx, def)
	})
}

func (r *DefinitionRepository) insert(ctx context.Context, tx pgx.Tx, def *domain.WorkflowDefinition) error {
	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal nodes")
	}
	edgesJSON, err := json.Marshal(def.Edges)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal edges")
	}

	query := `
		INSERT INTO approval_definitions
		    (id, version, name, scope, company_id, request_type, employee_id,
		     is_active, effective_from, effective_to, nodes, edges, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		        $8, $9, $10, $11, $12, $13)
	`
	_, err = tx.Exec(ctx, query,
		def.ID,
		def.Version,
		def.Name,
		def.Scope,
		def.CompanyID,
		def.RequestType,
		def.EmployeeID,
		def.IsActive,
		def.EffectiveFrom,
		def.EffectiveTo,
		nodesJSON,
		edgesJSON,
		def.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert definition")
	}
	return nil
}

// GetDefinition returns one version; version 0 is the latest.
func (r *DefinitionRepository) GetDefinition(ctx context.Context, id string, version int) (*domain.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + `
		FROM approval_definitions
		WHERE id = $1 AND ($2 = 0 OR version = $2)
		ORDER BY version DESC
		LIMIT 1
	`

	def, err := scanDefinition(r.db.QueryRow(ctx, query, id, version))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("definition", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get definition")
	}
	return def, nil
}

// ListLatest returns the latest version of each definition owned by companyID
// or by no company.
func (r *DefinitionRepository) ListLatest(ctx context.Context, companyID string) ([]*domain.WorkflowDefinition, error) {
	query := `SELECT DISTINCT ON (id) ` + definitionColumns + `
		FROM approval_definitions
		WHERE company_id = '' OR company_id = $1
		ORDER BY id, version DESC
	`

	rows, err := r.db.Query(ctx, query, companyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list definitions")
	}
	defer rows.Close()

	var defs []*domain.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan definition")
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

func scanDefinition(row scanner) (*domain.WorkflowDefinition, error) {
	def := &domain.WorkflowDefinition{}
	var nodesJSON, edgesJSON []byte
	err := row.Scan(
		&def.ID,
		&def.Version,
		&def.Name,
		&def.Scope,
		&def.CompanyID,
		&def.RequestType,
		&def.EmployeeID,
		&def.IsActive,
		&def.EffectiveFrom,
		&def.EffectiveTo,
		&nodesJSON,
		&edgesJSON,
		&def.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(nodesJSON, &def.Nodes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(edgesJSON, &def.Edges); err != nil {
		return nil, err
	}
	return def, nil
}
