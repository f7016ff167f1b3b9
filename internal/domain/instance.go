package domain

import (
	"fmt"
	"time"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	StatusPending    InstanceStatus = "PENDING"
	StatusInProgress InstanceStatus = "IN_PROGRESS"
	StatusApproved   InstanceStatus = "APPROVED"
	StatusRejected   InstanceStatus = "REJECTED"
	StatusCancelled  InstanceStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s InstanceStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal instance transition.
func CanTransition(from, to InstanceStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusApproved || to == StatusRejected || to == StatusCancelled
	case StatusInProgress:
		return to == StatusApproved || to == StatusRejected || to == StatusCancelled
	}
	return false
}

// RequestRef identifies the originating business record.
type RequestRef struct {
	Module string `json:"module"`
	ID     string `json:"id"`
}

func (r RequestRef) String() string {
	return fmt.Sprintf("%s/%s", r.Module, r.ID)
}

// Instance is one execution of a definition bound to one business request.
type Instance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	RequestType       string         `json:"request_type"`
	RequestRef        RequestRef     `json:"request_ref"`
	ApplicantID       string         `json:"applicant_id"`
	CompanyID         string         `json:"company_id"`
	ContextData       map[string]any `json:"context_data,omitempty"`
	CurrentNodeID     string         `json:"current_node_id"`
	Status            InstanceStatus `json:"status"`
	SubmittedAt       time.Time      `json:"submitted_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// PathState tracks an execution path through fork/join regions.
type PathState string

const (
	PathActive  PathState = "ACTIVE"
	PathForked  PathState = "FORKED"
	PathArrived PathState = "ARRIVED"
	PathDone    PathState = "DONE"
)

// RootPathID is the id of the path created at Start.
const RootPathID = "root"

// Path is one concurrently advancing position in the graph. Trail holds the
// approval nodes completed on this path, most recent last.
type Path struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id,omitempty"`
	ForkNodeID string    `json:"fork_node_id,omitempty"`
	NodeID     string    `json:"node_id"`
	State      PathState `json:"state"`
	Trail      []string  `json:"trail,omitempty"`
}

// RecordStatus is the state of one ApprovalRecord.
type RecordStatus string

const (
	RecordPending   RecordStatus = "PENDING"
	RecordApproved  RecordStatus = "APPROVED"
	RecordRejected  RecordStatus = "REJECTED"
	RecordReturned  RecordStatus = "RETURNED"
	RecordCancelled RecordStatus = "CANCELLED"
)

// Action is an approver's decision.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionReject  Action = "REJECT"
	ActionReturn  Action = "RETURN"
)

func (a Action) Valid() bool {
	return a == ActionApprove || a == ActionReject || a == ActionReturn
}

// Decision is one approver's entry in a record's decision log.
type Decision struct {
	ID                  string    `json:"id"`
	ActorID             string    `json:"actor_id"`
	Action              Action    `json:"action"`
	Comment             string    `json:"comment,omitempty"`
	DecidedAt           time.Time `json:"decided_at"`
	ActingAsDelegateFor string    `json:"acting_as_delegate_for,omitempty"`
}

// EffectiveApprover is the assigned approver this decision counts for.
func (d Decision) EffectiveApprover() string {
	if d.ActingAsDelegateFor != "" {
		return d.ActingAsDelegateFor
	}
	return d.ActorID
}

// ApprovalRecord is the ledger of one visit to an approval node.
type ApprovalRecord struct {
	ID                  string       `json:"id"`
	InstanceID          string       `json:"instance_id"`
	NodeID              string       `json:"node_id"`
	PathID              string       `json:"path_id"`
	Round               int          `json:"round"`
	PreviousNodeID      string       `json:"previous_node_id,omitempty"`
	Quorum              QuorumMode   `json:"quorum"`
	AssignedApproverIDs []string     `json:"assigned_approver_ids"`
	Status              RecordStatus `json:"status"`
	Decisions           []Decision   `json:"decisions"`
	CreatedAt           time.Time    `json:"created_at"`
	ClosedAt            *time.Time   `json:"closed_at,omitempty"`
}

// IsAssigned reports whether id is in the assigned set.
func (r *ApprovalRecord) IsAssigned(id string) bool {
	for _, a := range r.AssignedApproverIDs {
		if a == id {
			return true
		}
	}
	return false
}

// DecisionBy returns the decision made by actorID or on behalf of actorID.
func (r *ApprovalRecord) DecisionBy(id string) (Decision, bool) {
	for _, d := range r.Decisions {
		if d.ActorID == id || d.EffectiveApprover() == id {
			return d, true
		}
	}
	return Decision{}, false
}

// InstanceState is the unit loaded, mutated and committed atomically.
type InstanceState struct {
	Instance Instance          `json:"instance"`
	Records  []*ApprovalRecord `json:"records"`
	Paths    []*Path           `json:"paths"`
}

// Record returns the record with the given id.
func (s *InstanceState) Record(id string) *ApprovalRecord {
	for _, r := range s.Records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Path returns the path with the given id.
func (s *InstanceState) Path(id string) *Path {
	for _, p := range s.Paths {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// OpenRecords returns every record still awaiting decisions.
func (s *InstanceState) OpenRecords() []*ApprovalRecord {
	var out []*ApprovalRecord
	for _, r := range s.Records {
		if r.Status == RecordPending {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a deep copy so a failed mutation can be discarded.
func (s *InstanceState) Clone() *InstanceState {
	out := &InstanceState{Instance: s.Instance}
	if s.Instance.ContextData != nil {
		out.Instance.ContextData = make(map[string]any, len(s.Instance.ContextData))
		for k, v := range s.Instance.ContextData {
			out.Instance.ContextData[k] = v
		}
	}
	if s.Instance.CompletedAt != nil {
		t := *s.Instance.CompletedAt
		out.Instance.CompletedAt = &t
	}
	for _, r := range s.Records {
		cp := *r
		cp.AssignedApproverIDs = append([]string(nil), r.AssignedApproverIDs...)
		cp.Decisions = append([]Decision(nil), r.Decisions...)
		if r.ClosedAt != nil {
			t := *r.ClosedAt
			cp.ClosedAt = &t
		}
		out.Records = append(out.Records, &cp)
	}
	for _, p := range s.Paths {
		cp := *p
		cp.Trail = append([]string(nil), p.Trail...)
		out.Paths = append(out.Paths, &cp)
	}
	return out
}

// PendingItem is one record an employee can act on.
type PendingItem struct {
	Record      ApprovalRecord `json:"record"`
	InstanceID  string         `json:"instance_id"`
	RequestType string         `json:"request_type"`
	RequestRef  RequestRef     `json:"request_ref"`
	ApplicantID string         `json:"applicant_id"`
	CompanyID   string         `json:"company_id"`
	SubmittedAt time.Time      `json:"submitted_at"`
	// OnBehalfOf is set when the employee sees the item as a delegate.
	OnBehalfOf string `json:"on_behalf_of,omitempty"`
}
