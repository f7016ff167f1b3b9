package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-engine/internal/delegation"
	"github.com/pesio-ai/be-approval-engine/internal/directory"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
	"github.com/pesio-ai/be-approval-engine/internal/repository/memory"
)

const company = "acme"

var (
	day1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 = day1.Add(24 * time.Hour)
	day3 = day2.Add(24 * time.Hour)
	day4 = day3.Add(24 * time.Hour)
)

// recorder captures notifications and callbacks.
type recorder struct {
	mu           sync.Mutex
	notes        []domain.Notification
	finals       []domain.Finalization
	failNotify   bool
	failCallback bool
}

func (r *recorder) Notify(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNotify {
		return fmt.Errorf("sink unavailable")
	}
	r.notes = append(r.notes, n)
	return nil
}

func (r *recorder) OnInstanceFinalized(_ context.Context, f domain.Finalization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finals = append(r.finals, f)
	if r.failCallback {
		return fmt.Errorf("module unavailable")
	}
	return nil
}

func (r *recorder) finalizations() []domain.Finalization {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Finalization(nil), r.finals...)
}

func (r *recorder) notified(userID string, kind domain.NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.UserID == userID && note.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	t           *testing.T
	ctx         context.Context
	runner      *Runner
	org         *memory.OrgDirectory
	instances   *memory.InstanceStore
	delegations *delegation.Registry
	rec         *recorder

	mu  sync.Mutex
	now time.Time
}

// newFixture builds a runner over memory stores with this org:
//
//	x (applicant) -> y (supervisor); m1, m2 at level 5; z, p, d at level 2
func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		org:       memory.NewOrgDirectory(),
		instances: memory.NewInstanceStore(),
		rec:       &recorder{},
		now:       day2,
	}
	for _, a := range []domain.Assignment{
		{EmployeeID: "x", DepartmentID: "ops", PositionLevel: 1, SupervisorID: "y"},
		{EmployeeID: "y", DepartmentID: "ops", PositionLevel: 3},
		{EmployeeID: "m1", DepartmentID: "fin", PositionLevel: 5},
		{EmployeeID: "m2", DepartmentID: "fin", PositionLevel: 5},
		{EmployeeID: "z", DepartmentID: "fin", PositionLevel: 2},
		{EmployeeID: "p", DepartmentID: "fin", PositionLevel: 2},
		{EmployeeID: "d", DepartmentID: "fin", PositionLevel: 2},
		{EmployeeID: "loner", DepartmentID: "ops", PositionLevel: 1},
	} {
		a.CompanyID = company
		a.IsActive = true
		f.org.Put(a)
	}

	log := logger.Nop()
	f.delegations = delegation.NewRegistry(memory.NewDelegationStore(), f.clock, log)
	f.runner = New(Dependencies{
		Definitions: memory.NewDefinitionStore(),
		Instances:   f.instances,
		Audit:       memory.NewAuditLog(),
		Resolver:    directory.NewResolver(f.org, 0, log),
		Delegations: f.delegations,
		Notifier:    f.rec,
		Callback:    f.rec,
		Catalog: Catalog{
			"expense": {Label: "Expense claim", LinkTemplate: "/expense/{ref_id}"},
			"leave":   {Label: "Leave request", LinkTemplate: "/leave/{ref_id}"},
		},
		Now: f.clock,
		Log: log,
	})
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func approval(id string, spec domain.ApproverSpec) domain.Node {
	return domain.Node{ID: id, Type: domain.NodeApproval, Name: id, Approver: &spec}
}

func specific(id string) domain.ApproverSpec {
	return domain.ApproverSpec{Strategy: domain.StrategySpecificEmployee, Param: id}
}

// linear builds START -> nodes... -> END as a company default.
func linear(id string, nodes ...domain.Node) *domain.WorkflowDefinition {
	def := &domain.WorkflowDefinition{
		ID:       id,
		Name:     id,
		Scope:    domain.ScopeCompanyDefault,
		IsActive: true,
		Nodes:    []domain.Node{{ID: "start", Type: domain.NodeStart}},
	}
	prev := "start"
	for _, n := range nodes {
		def.Nodes = append(def.Nodes, n)
		def.Edges = append(def.Edges, domain.Edge{From: prev, To: n.ID})
		prev = n.ID
	}
	def.Nodes = append(def.Nodes, domain.Node{ID: "end", Type: domain.NodeEnd})
	def.Edges = append(def.Edges, domain.Edge{From: prev, To: "end"})
	return def
}

func (f *fixture) define(def *domain.WorkflowDefinition) *domain.WorkflowDefinition {
	out, err := f.runner.CreateDefinition(f.ctx, def)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) start(requestType, refID string, data map[string]any) *domain.InstanceState {
	st, err := f.runner.Start(f.ctx, startReq(requestType, refID, data))
	require.NoError(f.t, err)
	return st
}

func startReq(requestType, refID string, data map[string]any) StartRequest {
	return StartRequest{
		RequestType: requestType,
		RequestRef:  domain.RequestRef{Module: requestType, ID: refID},
		ApplicantID: "x",
		CompanyID:   company,
		ContextData: data,
	}
}

func (f *fixture) decide(instanceID, recordID, actor string, action domain.Action) (*domain.InstanceState, error) {
	return f.runner.Decide(f.ctx, DecideRequest{
		InstanceID: instanceID,
		RecordID:   recordID,
		ActorID:    actor,
		Action:     action,
		Comment:    "ok",
	})
}

func (f *fixture) mustDecide(instanceID, recordID, actor string, action domain.Action) *domain.InstanceState {
	st, err := f.decide(instanceID, recordID, actor, action)
	require.NoError(f.t, err)
	return st
}

// open returns the pending record at nodeID.
func open(t *testing.T, st *domain.InstanceState, nodeID string) *domain.ApprovalRecord {
	for _, rec := range st.OpenRecords() {
		if rec.NodeID == nodeID {
			return rec
		}
	}
	t.Fatalf("no open record at node %s", nodeID)
	return nil
}
