package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-engine/internal/cache"
	"github.com/pesio-ai/be-approval-engine/internal/delegation"
	"github.com/pesio-ai/be-approval-engine/internal/directory"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/engine"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
	"github.com/pesio-ai/be-approval-engine/internal/metrics"
	"github.com/pesio-ai/be-approval-engine/internal/repository/memory"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type setup struct {
	ctx context.Context
	p   *DecisionProcessor
	reg *prometheus.Registry
}

func newSetup(t *testing.T) *setup {
	org := memory.NewOrgDirectory()
	for _, a := range []domain.Assignment{
		{EmployeeID: "x", SupervisorID: "y", PositionLevel: 1},
		{EmployeeID: "y", PositionLevel: 3},
		{EmployeeID: "z", PositionLevel: 3},
	} {
		a.CompanyID = "acme"
		a.IsActive = true
		org.Put(a)
	}

	log := logger.Nop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	registry := delegation.NewRegistry(memory.NewDelegationStore(), clock, log)
	runner := engine.New(engine.Dependencies{
		Definitions: memory.NewDefinitionStore(),
		Instances:   memory.NewInstanceStore(),
		Audit:       memory.NewAuditLog(),
		Resolver:    directory.NewResolver(org, 0, log),
		Delegations: registry,
		Metrics:     m,
		Now:         clock,
		Log:         log,
	})
	p := NewDecisionProcessor(runner, registry, cache.NewMemoryIdempotencyStore(time.Minute), m, log)

	s := &setup{ctx: context.Background(), p: p, reg: reg}
	_, err := p.CreateDefinition(s.ctx, &domain.WorkflowDefinition{
		ID:       "two-step",
		Scope:    domain.ScopeCompanyDefault,
		IsActive: true,
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeStart},
			{ID: "mgr", Type: domain.NodeApproval, Approver: &domain.ApproverSpec{Strategy: domain.StrategyDirectSupervisor}},
			{ID: "peer", Type: domain.NodeApproval, Approver: &domain.ApproverSpec{Strategy: domain.StrategySpecificEmployee, Param: "z"}},
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{From: "start", To: "mgr"},
			{From: "mgr", To: "peer"},
			{From: "peer", To: "end"},
		},
	})
	require.NoError(t, err)
	return s
}

func (s *setup) start(t *testing.T, ref string) *domain.InstanceState {
	st, err := s.p.Start(s.ctx, engine.StartRequest{
		RequestType: "expense",
		RequestRef:  domain.RequestRef{Module: "expense", ID: ref},
		ApplicantID: "x",
		CompanyID:   "acme",
	})
	require.NoError(t, err)
	return st
}

func TestDecideWithIdempotencyKey(t *testing.T) {
	s := newSetup(t)
	st := s.start(t, "E-1")
	req := DecisionRequest{
		InstanceID:     st.Instance.ID,
		RecordID:       st.Records[0].ID,
		ActorID:        "y",
		Action:         domain.ActionApprove,
		IdempotencyKey: "k-1",
	}

	first, err := s.p.Decide(s.ctx, req)
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.Equal(t, domain.StatusInProgress, first.Status)
	require.Equal(t, "peer", first.CurrentNodeID)

	again, err := s.p.Decide(s.ctx, req)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.Status, again.Status)
	require.Equal(t, first.CurrentNodeID, again.CurrentNodeID)

	count, err := testutil.GatherAndCount(s.reg, "approval_decisions_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestIdempotencyKeyIsScopedByActor(t *testing.T) {
	s := newSetup(t)
	st := s.start(t, "E-2")

	_, err := s.p.Decide(s.ctx, DecisionRequest{
		InstanceID: st.Instance.ID, RecordID: st.Records[0].ID,
		ActorID: "y", Action: domain.ActionApprove, IdempotencyKey: "shared",
	})
	require.NoError(t, err)

	_, err = s.p.Decide(s.ctx, DecisionRequest{
		InstanceID: st.Instance.ID, RecordID: st.Records[0].ID,
		ActorID: "z", Action: domain.ActionApprove, IdempotencyKey: "shared",
	})
	require.True(t, errors.Is(err, errors.ErrCodeStepMismatch), "got %v", err)
}

func TestIdempotencyKeyIsScopedByInstance(t *testing.T) {
	s := newSetup(t)
	first := s.start(t, "E-10")
	second := s.start(t, "E-11")

	for _, st := range []*domain.InstanceState{first, second} {
		res, err := s.p.Decide(s.ctx, DecisionRequest{
			InstanceID: st.Instance.ID, RecordID: st.Records[0].ID,
			ActorID: "y", Action: domain.ActionApprove, IdempotencyKey: "reused",
		})
		require.NoError(t, err)
		require.False(t, res.Replayed)
		require.Equal(t, st.Instance.ID, res.InstanceID)
		require.Equal(t, "peer", res.CurrentNodeID)
	}

	got, err := s.p.GetInstance(s.ctx, second.Instance.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, got.Instance.Status)
	require.Equal(t, domain.RecordApproved, got.Record(second.Records[0].ID).Status)
}

func TestResubmittedDecisionIsBenign(t *testing.T) {
	s := newSetup(t)
	st := s.start(t, "E-3")
	req := DecisionRequest{
		InstanceID: st.Instance.ID,
		RecordID:   st.Records[0].ID,
		ActorID:    "y",
		Action:     domain.ActionApprove,
	}

	_, err := s.p.Decide(s.ctx, req)
	require.NoError(t, err)

	replay, err := s.p.Decide(s.ctx, req)
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, domain.StatusInProgress, replay.Status)

	req.Action = domain.ActionReject
	_, err = s.p.Decide(s.ctx, req)
	require.True(t, errors.Is(err, errors.ErrCodeStepMismatch), "got %v", err)
}

func TestDecideErrorsPassThrough(t *testing.T) {
	s := newSetup(t)
	st := s.start(t, "E-4")

	_, err := s.p.Decide(s.ctx, DecisionRequest{
		InstanceID: st.Instance.ID, RecordID: st.Records[0].ID,
		ActorID: "z", Action: domain.ActionApprove,
	})
	require.True(t, errors.Is(err, errors.ErrCodeUnauthorized), "got %v", err)

	_, err = s.p.Decide(s.ctx, DecisionRequest{
		InstanceID: "missing", RecordID: "r", ActorID: "y", Action: domain.ActionApprove,
	})
	require.True(t, errors.Is(err, errors.ErrCodeInstanceNotFound), "got %v", err)
}

func TestDelegationPassThrough(t *testing.T) {
	s := newSetup(t)
	d, err := s.p.CreateDelegation(s.ctx, "y", delegation.CreateRequest{
		PrincipalID: "y",
		DelegateID:  "z",
		StartDate:   now.Add(-time.Hour),
		EndDate:     now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	st := s.start(t, "E-5")
	res, err := s.p.Decide(s.ctx, DecisionRequest{
		InstanceID: st.Instance.ID, RecordID: st.Records[0].ID,
		ActorID: "z", Action: domain.ActionApprove,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, res.Status)

	require.NoError(t, s.p.RevokeDelegation(s.ctx, d.ID, "y"))
	list, err := s.p.ListDelegations(s.ctx, "y")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.False(t, list[0].IsActive)
}
