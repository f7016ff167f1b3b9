package domain

import "time"

// NodeType is the kind of a workflow graph vertex.
type NodeType string

const (
	NodeStart        NodeType = "START"
	NodeApproval     NodeType = "APPROVAL"
	NodeCondition    NodeType = "CONDITION"
	NodeParallelFork NodeType = "PARALLEL_FORK"
	NodeParallelJoin NodeType = "PARALLEL_JOIN"
	NodeEnd          NodeType = "END"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeStart, NodeApproval, NodeCondition, NodeParallelFork, NodeParallelJoin, NodeEnd:
		return true
	}
	return false
}

// QuorumMode decides when a multi-approver step is closed.
type QuorumMode string

const (
	QuorumAny      QuorumMode = "ANY"
	QuorumAll      QuorumMode = "ALL"
	QuorumMajority QuorumMode = "MAJORITY"
)

// ApproverStrategy selects how approvers of a step are resolved.
type ApproverStrategy string

const (
	StrategySpecificEmployee ApproverStrategy = "SPECIFIC_EMPLOYEE"
	StrategyDirectSupervisor ApproverStrategy = "DIRECT_SUPERVISOR"
	StrategyPosition         ApproverStrategy = "POSITION"
	StrategySpecificPosition ApproverStrategy = "SPECIFIC_POSITION"
	StrategyRole             ApproverStrategy = "ROLE"
	StrategyPositionLevel    ApproverStrategy = "POSITION_LEVEL"
	StrategyDepartmentHead   ApproverStrategy = "DEPARTMENT_HEAD"
	StrategyOrgRelation      ApproverStrategy = "ORG_RELATION"
)

// OrgRelation is the walk performed by the ORG_RELATION strategy.
type OrgRelation string

const (
	RelationDirectSupervisor  OrgRelation = "DIRECT_SUPERVISOR"
	RelationNLevelUp          OrgRelation = "N_LEVEL_UP"
	RelationDepartmentManager OrgRelation = "DEPARTMENT_MANAGER"
	RelationCompanyHead       OrgRelation = "COMPANY_HEAD"
)

// ApproverSpec describes how an approval node finds its approvers.
// Param carries the employee, position or role id, or the minimum level for
// POSITION_LEVEL.
type ApproverSpec struct {
	Strategy ApproverStrategy `json:"strategy"`
	Param    string           `json:"param,omitempty"`
	Relation OrgRelation      `json:"relation,omitempty"`
	Levels   int              `json:"levels,omitempty"`
}

// DefinitionScope is the selection tier of a definition.
type DefinitionScope string

const (
	ScopeCompanyDefault DefinitionScope = "COMPANY_DEFAULT"
	ScopeRequestType    DefinitionScope = "REQUEST_TYPE"
	ScopeEmployee       DefinitionScope = "EMPLOYEE"
)

// Priority orders scopes for selection; higher wins.
func (s DefinitionScope) Priority() int {
	switch s {
	case ScopeEmployee:
		return 3
	case ScopeRequestType:
		return 2
	case ScopeCompanyDefault:
		return 1
	}
	return 0
}

// WorkflowDefinition is one version of a workflow graph.
type WorkflowDefinition struct {
	ID            string          `json:"id"`
	Version       int             `json:"version"`
	Name          string          `json:"name"`
	Scope         DefinitionScope `json:"scope"`
	CompanyID     string          `json:"company_id,omitempty"`
	RequestType   string          `json:"request_type,omitempty"`
	EmployeeID    string          `json:"employee_id,omitempty"`
	IsActive      bool            `json:"is_active"`
	EffectiveFrom *time.Time      `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
	Nodes         []Node          `json:"nodes"`
	Edges         []Edge          `json:"edges"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EffectiveAt reports whether the definition is active and within its
// effective range at t. Both bounds are inclusive.
func (d *WorkflowDefinition) EffectiveAt(t time.Time) bool {
	if !d.IsActive {
		return false
	}
	if d.EffectiveFrom != nil && t.Before(*d.EffectiveFrom) {
		return false
	}
	if d.EffectiveTo != nil && t.After(*d.EffectiveTo) {
		return false
	}
	return true
}

// Node is a vertex of a workflow graph.
type Node struct {
	ID       string        `json:"id"`
	Type     NodeType      `json:"type"`
	Name     string        `json:"name,omitempty"`
	Approver *ApproverSpec `json:"approver,omitempty"`
	Quorum   QuorumMode    `json:"quorum,omitempty"`
	Optional bool          `json:"optional,omitempty"`
}

// QuorumOrDefault returns the node quorum, ANY when unset.
func (n Node) QuorumOrDefault() QuorumMode {
	if n.Quorum == "" {
		return QuorumAny
	}
	return n.Quorum
}

// Edge is a directed, optionally guarded transition.
type Edge struct {
	ID        string     `json:"id,omitempty"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Condition *Condition `json:"condition,omitempty"`
	IsDefault bool       `json:"is_default,omitempty"`
	SortOrder int        `json:"sort_order"`
}
