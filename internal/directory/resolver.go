// Package directory resolves "who must approve" from an organisational
// snapshot. Lookups that find nobody return an empty set; only transport
// failures from the snapshot are returned as errors.
package directory

import (
	"context"
	"sort"
	"strconv"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
)

// DefaultManagerLevelThreshold is the minimum position level of a
// department head when none is configured.
const DefaultManagerLevelThreshold = 5

// maxChainDepth bounds supervisor walks so a cyclic org chart cannot hang a
// decision.
const maxChainDepth = 64

// OrgDirectory is the organisational snapshot the resolver reads.
type OrgDirectory interface {
	// GetActiveAssignment returns nil, nil when the employee has no active
	// assignment in the company.
	GetActiveAssignment(ctx context.Context, employeeID, companyID string) (*domain.Assignment, error)
	ListAssignments(ctx context.Context, companyID string, filter domain.AssignmentFilter) ([]domain.Assignment, error)
}

// Resolver implements the approver-resolution strategies.
type Resolver struct {
	dir              OrgDirectory
	managerThreshold int
	log              *logger.Logger
}

// NewResolver creates a Resolver. A threshold <= 0 uses the default.
func NewResolver(dir OrgDirectory, managerThreshold int, log *logger.Logger) *Resolver {
	if managerThreshold <= 0 {
		managerThreshold = DefaultManagerLevelThreshold
	}
	return &Resolver{dir: dir, managerThreshold: managerThreshold, log: log}
}

// Resolve returns the sorted, de-duplicated approver set for spec.
func (r *Resolver) Resolve(ctx context.Context, spec domain.ApproverSpec, applicantID, companyID string) ([]string, error) {
	ids, err := r.resolve(ctx, spec, applicantID, companyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve approvers")
	}
	out := dedupe(ids)

	r.log.Debug().
		Str("strategy", string(spec.Strategy)).
		Str("applicant_id", applicantID).
		Str("company_id", companyID).
		Strs("approver_ids", out).
		Msg("Approvers resolved")
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, spec domain.ApproverSpec, applicantID, companyID string) ([]string, error) {
	switch spec.Strategy {
	case domain.StrategySpecificEmployee:
		if spec.Param == "" {
			return nil, nil
		}
		return []string{spec.Param}, nil

	case domain.StrategyDirectSupervisor:
		return r.walkUp(ctx, applicantID, companyID, 1)

	case domain.StrategyPosition, domain.StrategySpecificPosition:
		return r.list(ctx, companyID, domain.AssignmentFilter{PositionID: spec.Param})

	case domain.StrategyRole:
		return r.list(ctx, companyID, domain.AssignmentFilter{RoleID: spec.Param})

	case domain.StrategyPositionLevel:
		level, err := strconv.Atoi(spec.Param)
		if err != nil || level <= 0 {
			r.log.Warn().Str("param", spec.Param).Msg("POSITION_LEVEL param is not a positive integer")
			return nil, nil
		}
		return r.list(ctx, companyID, domain.AssignmentFilter{MinLevel: level})

	case domain.StrategyDepartmentHead:
		return r.departmentHead(ctx, applicantID, companyID)

	case domain.StrategyOrgRelation:
		return r.orgRelation(ctx, spec, applicantID, companyID)
	}

	r.log.Warn().Str("strategy", string(spec.Strategy)).Msg("Unknown approver strategy")
	return nil, nil
}

func (r *Resolver) list(ctx context.Context, companyID string, filter domain.AssignmentFilter) ([]string, error) {
	assignments, err := r.dir.ListAssignments(ctx, companyID, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if filter.Matches(a) {
			ids = append(ids, a.EmployeeID)
		}
	}
	return ids, nil
}

// departmentHead returns every holder of the highest level in the applicant's
// department, provided that level reaches the managerial threshold.
func (r *Resolver) departmentHead(ctx context.Context, applicantID, companyID string) ([]string, error) {
	self, err := r.dir.GetActiveAssignment(ctx, applicantID, companyID)
	if err != nil || self == nil || self.DepartmentID == "" {
		return nil, err
	}
	filter := domain.AssignmentFilter{DepartmentID: self.DepartmentID, MinLevel: r.managerThreshold}
	assignments, err := r.dir.ListAssignments(ctx, companyID, filter)
	if err != nil {
		return nil, err
	}

	top := 0
	var ids []string
	for _, a := range assignments {
		if !filter.Matches(a) {
			continue
		}
		switch {
		case a.PositionLevel > top:
			top = a.PositionLevel
			ids = []string{a.EmployeeID}
		case a.PositionLevel == top:
			ids = append(ids, a.EmployeeID)
		}
	}
	return ids, nil
}

func (r *Resolver) orgRelation(ctx context.Context, spec domain.ApproverSpec, applicantID, companyID string) ([]string, error) {
	switch spec.Relation {
	case domain.RelationDirectSupervisor:
		return r.walkUp(ctx, applicantID, companyID, 1)
	case domain.RelationNLevelUp:
		if spec.Levels < 1 {
			return nil, nil
		}
		return r.walkUp(ctx, applicantID, companyID, spec.Levels)
	case domain.RelationDepartmentManager:
		return r.departmentManager(ctx, applicantID, companyID)
	case domain.RelationCompanyHead:
		return r.companyHead(ctx, applicantID, companyID)
	}
	r.log.Warn().Str("relation", string(spec.Relation)).Msg("Unknown org relation")
	return nil, nil
}

// chain returns the applicant's supervisor chain, nearest first, stopping at
// the top, at a cycle, or at maxChainDepth.
func (r *Resolver) chain(ctx context.Context, applicantID, companyID string, limit int) ([]domain.Assignment, error) {
	if limit <= 0 || limit > maxChainDepth {
		limit = maxChainDepth
	}
	visited := map[string]bool{applicantID: true}
	var out []domain.Assignment

	cur, err := r.dir.GetActiveAssignment(ctx, applicantID, companyID)
	if err != nil || cur == nil {
		return nil, err
	}
	for len(out) < limit && cur.SupervisorID != "" && !visited[cur.SupervisorID] {
		visited[cur.SupervisorID] = true
		next, err := r.dir.GetActiveAssignment(ctx, cur.SupervisorID, companyID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			// supervisor has no active assignment in this company; keep the id
			// so DIRECT_SUPERVISOR still resolves, but stop walking
			out = append(out, domain.Assignment{EmployeeID: cur.SupervisorID, CompanyID: companyID})
			break
		}
		out = append(out, *next)
		cur = next
	}
	return out, nil
}

func (r *Resolver) walkUp(ctx context.Context, applicantID, companyID string, hops int) ([]string, error) {
	chain, err := r.chain(ctx, applicantID, companyID, hops)
	if err != nil || len(chain) < hops {
		return nil, err
	}
	return []string{chain[hops-1].EmployeeID}, nil
}

// departmentManager walks up while the supervisor stays in the applicant's
// department and returns the last one reached.
func (r *Resolver) departmentManager(ctx context.Context, applicantID, companyID string) ([]string, error) {
	self, err := r.dir.GetActiveAssignment(ctx, applicantID, companyID)
	if err != nil || self == nil {
		return nil, err
	}
	chain, err := r.chain(ctx, applicantID, companyID, maxChainDepth)
	if err != nil {
		return nil, err
	}
	last := ""
	for _, a := range chain {
		if a.DepartmentID != self.DepartmentID {
			break
		}
		last = a.EmployeeID
	}
	if last == "" {
		return nil, nil
	}
	return []string{last}, nil
}

func (r *Resolver) companyHead(ctx context.Context, applicantID, companyID string) ([]string, error) {
	chain, err := r.chain(ctx, applicantID, companyID, maxChainDepth)
	if err != nil || len(chain) == 0 {
		return nil, err
	}
	return []string{chain[len(chain)-1].EmployeeID}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
