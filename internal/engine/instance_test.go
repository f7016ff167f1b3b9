package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-engine/internal/delegation"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

func TestSupervisorApproval(t *testing.T) {
	f := newFixture(t)
	f.define(linear("single", approval("node1", domain.ApproverSpec{Strategy: domain.StrategyDirectSupervisor})))

	st := f.start("leave", "L-1", nil)
	require.Equal(t, domain.StatusPending, st.Instance.Status)
	require.Len(t, st.Records, 1)
	rec := st.Records[0]
	require.Equal(t, []string{"y"}, rec.AssignedApproverIDs)
	require.Equal(t, domain.RecordPending, rec.Status)
	require.Equal(t, "node1", st.Instance.CurrentNodeID)
	require.Equal(t, 1, f.rec.notified("y", domain.NotifyStepAssigned))

	st = f.mustDecide(st.Instance.ID, rec.ID, "y", domain.ActionApprove)
	require.Equal(t, domain.StatusApproved, st.Instance.Status)
	require.NotNil(t, st.Instance.CompletedAt)

	finals := f.rec.finalizations()
	require.Len(t, finals, 1)
	require.Equal(t, domain.StatusApproved, finals[0].Outcome)
	require.Equal(t, "y", finals[0].DeciderID)
	require.Equal(t, domain.RequestRef{Module: "leave", ID: "L-1"}, finals[0].RequestRef)
	require.Equal(t, 1, f.rec.notified("x", domain.NotifyRequestApproved))

	history, err := f.runner.GetHistory(f.ctx, st.Instance.ID)
	require.NoError(t, err)
	var actions []string
	for _, e := range history {
		actions = append(actions, e.Action)
	}
	require.Equal(t, []string{domain.AuditSubmitted, domain.AuditDecided, domain.AuditApproved}, actions)

	_, err = f.decide(st.Instance.ID, rec.ID, "y", domain.ActionApprove)
	require.True(t, errors.Is(err, errors.ErrCodeInstanceTerminal), "got %v", err)
	require.Len(t, f.rec.finalizations(), 1)
}

func twoStep() *domain.WorkflowDefinition {
	node1 := approval("node1", domain.ApproverSpec{Strategy: domain.StrategyPositionLevel, Param: "5"})
	node1.Quorum = domain.QuorumAll
	return linear("two-step", node1, approval("node2", specific("z")))
}

func TestAllQuorumThenSpecificEmployee(t *testing.T) {
	f := newFixture(t)
	f.define(twoStep())

	st := f.start("expense", "E-1", nil)
	rec1 := open(t, st, "node1")
	require.Equal(t, []string{"m1", "m2"}, rec1.AssignedApproverIDs)

	st = f.mustDecide(st.Instance.ID, rec1.ID, "m1", domain.ActionApprove)
	require.Equal(t, domain.StatusInProgress, st.Instance.Status)
	require.Equal(t, domain.RecordPending, st.Record(rec1.ID).Status)

	history, err := f.runner.GetHistory(f.ctx, st.Instance.ID)
	require.NoError(t, err)
	partial := history[len(history)-1]
	require.Equal(t, domain.AuditDecided, partial.Action)
	require.Equal(t, domain.StatusPending, partial.StatusBefore)
	require.Equal(t, domain.StatusInProgress, partial.StatusAfter)

	st = f.mustDecide(st.Instance.ID, rec1.ID, "m2", domain.ActionApprove)
	require.Equal(t, domain.StatusInProgress, st.Instance.Status)
	require.Equal(t, domain.RecordApproved, st.Record(rec1.ID).Status)
	rec2 := open(t, st, "node2")
	require.Equal(t, []string{"z"}, rec2.AssignedApproverIDs)
	require.Equal(t, "node1", rec2.PreviousNodeID)
	require.Equal(t, "node2", st.Instance.CurrentNodeID)

	st = f.mustDecide(st.Instance.ID, rec2.ID, "z", domain.ActionApprove)
	require.Equal(t, domain.StatusApproved, st.Instance.Status)
	require.Len(t, f.rec.finalizations(), 1)
}

func TestRejectVetoes(t *testing.T) {
	f := newFixture(t)
	f.define(twoStep())

	st := f.start("expense", "E-2", nil)
	rec1 := open(t, st, "node1")

	st = f.mustDecide(st.Instance.ID, rec1.ID, "m1", domain.ActionReject)
	require.Equal(t, domain.StatusRejected, st.Instance.Status)
	require.Equal(t, domain.RecordRejected, st.Record(rec1.ID).Status)
	require.Empty(t, st.OpenRecords())

	_, err := f.decide(st.Instance.ID, rec1.ID, "m2", domain.ActionApprove)
	require.True(t, errors.Is(err, errors.ErrCodeInstanceTerminal), "got %v", err)

	finals := f.rec.finalizations()
	require.Len(t, finals, 1)
	require.Equal(t, domain.StatusRejected, finals[0].Outcome)
	require.Equal(t, "m1", finals[0].DeciderID)
	require.Equal(t, 1, f.rec.notified("x", domain.NotifyRequestRejected))
}

func TestDelegateScope(t *testing.T) {
	f := newFixture(t)
	f.define(linear("principal", approval("node1", specific("p"))))
	_, err := f.delegations.Create(f.ctx, "", delegationReq("p", "d", "expense"))
	require.NoError(t, err)

	expense := f.start("expense", "E-3", nil)
	leave := f.start("leave", "L-3", nil)

	pending, err := f.runner.GetPendingFor(f.ctx, "d")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, expense.Instance.ID, pending[0].InstanceID)
	require.Equal(t, "p", pending[0].OnBehalfOf)

	st := f.mustDecide(expense.Instance.ID, expense.Records[0].ID, "d", domain.ActionApprove)
	require.Equal(t, domain.StatusApproved, st.Instance.Status)
	decision := st.Records[0].Decisions[0]
	require.Equal(t, "d", decision.ActorID)
	require.Equal(t, "p", decision.ActingAsDelegateFor)

	_, err = f.decide(leave.Instance.ID, leave.Records[0].ID, "d", domain.ActionApprove)
	require.True(t, errors.Is(err, errors.ErrCodeUnauthorized), "got %v", err)

	// the last day of the window is covered until midnight
	f.setNow(day3.Add(15 * time.Hour))
	late := f.start("expense", "E-5", nil)
	st = f.mustDecide(late.Instance.ID, late.Records[0].ID, "d", domain.ActionApprove)
	require.Equal(t, domain.StatusApproved, st.Instance.Status)

	// outside the window the delegate loses authority
	f.setNow(day4)
	other := f.start("expense", "E-4", nil)
	_, err = f.decide(other.Instance.ID, other.Records[0].ID, "d", domain.ActionApprove)
	require.True(t, errors.Is(err, errors.ErrCodeUnauthorized), "got %v", err)
}

func TestPrincipalAndDelegateShareOneSlot(t *testing.T) {
	f := newFixture(t)
	node := approval("node1", domain.ApproverSpec{Strategy: domain.StrategyPositionLevel, Param: "5"})
	node.Quorum = domain.QuorumAll
	f.define(linear("all", node))
	_, err := f.delegations.Create(f.ctx, "", delegationReq("m1", "d", ""))
	require.NoError(t, err)

	st := f.start("expense", "E-5", nil)
	rec := open(t, st, "node1")
	f.mustDecide(st.Instance.ID, rec.ID, "d", domain.ActionApprove)

	_, err = f.decide(st.Instance.ID, rec.ID, "m1", domain.ActionApprove)
	require.True(t, errors.Is(err, errors.ErrCodeDuplicateDecision), "got %v", err)

	st = f.mustDecide(st.Instance.ID, rec.ID, "m2", domain.ActionApprove)
	require.Equal(t, domain.StatusApproved, st.Instance.Status)
}

func delegationReq(principal, delegate, requestType string) delegation.CreateRequest {
	req := delegation.CreateRequest{PrincipalID: principal, DelegateID: delegate, StartDate: day1, EndDate: day3}
	if requestType != "" {
		req.RequestTypeScope = []string{requestType}
	}
	return req
}

func TestDecisionGuards(t *testing.T) {
	f := newFixture(t)
	f.define(twoStep())
	st := f.start("expense", "E-6", nil)
	rec1 := open(t, st, "node1")

	f.mustDecide(st.Instance.ID, rec1.ID, "m1", domain.ActionApprove)

	scenarios := map[string]struct {
		instanceID string
		recordID   string
		actor      string
		action     domain.Action
		code       errors.Code
	}{
		"same actor twice": {st.Instance.ID, rec1.ID, "m1", domain.ActionApprove, errors.ErrCodeDuplicateDecision},
		"stranger":         {st.Instance.ID, rec1.ID, "z", domain.ActionApprove, errors.ErrCodeUnauthorized},
		"unknown record":   {st.Instance.ID, "nope", "m2", domain.ActionApprove, errors.ErrCodeStepMismatch},
		"unknown instance": {"nope", rec1.ID, "m2", domain.ActionApprove, errors.ErrCodeInstanceNotFound},
		"invalid action":   {st.Instance.ID, rec1.ID, "m2", "MAYBE", errors.ErrCodeInvalidInput},
		"missing actor":    {st.Instance.ID, rec1.ID, "", domain.ActionApprove, errors.ErrCodeUnauthorized},
		"return at first":  {st.Instance.ID, rec1.ID, "m2", domain.ActionReturn, errors.ErrCodeInvalidInput},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			_, err := f.decide(sc.instanceID, sc.recordID, sc.actor, sc.action)
			require.True(t, errors.Is(err, sc.code), "got %v", err)
		})
	}

	// a failed decision leaves no trace
	current, err := f.runner.GetInstance(f.ctx, st.Instance.ID)
	require.NoError(t, err)
	require.Len(t, current.Record(rec1.ID).Decisions, 1)

	current = f.mustDecide(st.Instance.ID, rec1.ID, "m2", domain.ActionApprove)
	_, err = f.decide(st.Instance.ID, rec1.ID, "m2", domain.ActionApprove)
	require.True(t, errors.Is(err, errors.ErrCodeStepMismatch), "got %v", err)
	require.Equal(t, domain.StatusInProgress, current.Instance.Status)
}

func TestReturnReopensPreviousStep(t *testing.T) {
	f := newFixture(t)
	f.define(linear("returnable", approval("node1", specific("y")), approval("node2", specific("z"))))

	st := f.start("expense", "E-7", nil)
	first := open(t, st, "node1")
	st = f.mustDecide(st.Instance.ID, first.ID, "y", domain.ActionApprove)
	second := open(t, st, "node2")

	st = f.mustDecide(st.Instance.ID, second.ID, "z", domain.ActionReturn)
	require.Equal(t, domain.StatusInProgress, st.Instance.Status)
	require.Equal(t, domain.RecordReturned, st.Record(second.ID).Status)
	reopened := open(t, st, "node1")
	require.Equal(t, 2, reopened.Round)
	require.Empty(t, reopened.PreviousNodeID)
	require.Equal(t, "node1", st.Instance.CurrentNodeID)
	require.Equal(t, 2, f.rec.notified("y", domain.NotifyStepAssigned))
	require.Equal(t, 1, f.rec.notified("x", domain.NotifyRequestReturned))

	// the returned record is closed
	_, err := f.decide(st.Instance.ID, second.ID, "z", domain.ActionApprove)
	require.True(t, errors.Is(err, errors.ErrCodeStepMismatch), "got %v", err)

	st = f.mustDecide(st.Instance.ID, reopened.ID, "y", domain.ActionApprove)
	again := open(t, st, "node2")
	require.Equal(t, 2, again.Round)
	st = f.mustDecide(st.Instance.ID, again.ID, "z", domain.ActionApprove)
	require.Equal(t, domain.StatusApproved, st.Instance.Status)
	require.Len(t, f.rec.finalizations(), 1)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.define(twoStep())
	st := f.start("expense", "E-8", nil)
	rec := open(t, st, "node1")

	_, err := f.runner.Cancel(f.ctx, st.Instance.ID, "m1", "")
	require.True(t, errors.Is(err, errors.ErrCodeUnauthorized), "got %v", err)

	st, err = f.runner.Cancel(f.ctx, st.Instance.ID, "x", "plans changed")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, st.Instance.Status)
	require.Equal(t, domain.RecordCancelled, st.Record(rec.ID).Status)
	require.Empty(t, f.rec.finalizations())
	require.Equal(t, 1, f.rec.notified("m1", domain.NotifyRequestCancelled))
	require.Equal(t, 1, f.rec.notified("m2", domain.NotifyRequestCancelled))

	_, err = f.runner.Cancel(f.ctx, st.Instance.ID, "x", "")
	require.True(t, errors.Is(err, errors.ErrCodeInstanceTerminal), "got %v", err)
	_, err = f.decide(st.Instance.ID, rec.ID, "m1", domain.ActionApprove)
	require.True(t, errors.Is(err, errors.ErrCodeInstanceTerminal), "got %v", err)

	// a cancelled request can be resubmitted
	f.start("expense", "E-8", nil)
}

func TestOneActiveInstancePerRequest(t *testing.T) {
	f := newFixture(t)
	f.define(twoStep())
	f.start("expense", "E-9", nil)

	_, err := f.runner.Start(f.ctx, startReq("expense", "E-9", nil))
	require.True(t, errors.Is(err, errors.ErrCodeActiveInstanceExists), "got %v", err)
}

func TestAutoApproveWithoutApprovalSteps(t *testing.T) {
	f := newFixture(t)
	f.define(linear("empty"))

	st := f.start("expense", "E-10", nil)
	require.Equal(t, domain.StatusApproved, st.Instance.Status)
	require.Empty(t, st.Records)
	finals := f.rec.finalizations()
	require.Len(t, finals, 1)
	require.Equal(t, domain.StatusApproved, finals[0].Outcome)
}

func TestNoApproverResolved(t *testing.T) {
	f := newFixture(t)
	f.define(linear("supervisor", approval("node1", domain.ApproverSpec{Strategy: domain.StrategyDirectSupervisor})))

	req := startReq("leave", "L-11", nil)
	req.ApplicantID = "loner"
	_, err := f.runner.Start(f.ctx, req)
	require.True(t, errors.Is(err, errors.ErrCodeNoApproverResolved), "got %v", err)
	require.Contains(t, err.Error(), "node1")

	// nothing was persisted, so the same request can be submitted again
	req.ApplicantID = "x"
	_, err = f.runner.Start(f.ctx, req)
	require.NoError(t, err)
}

func TestOptionalStepSkipped(t *testing.T) {
	f := newFixture(t)
	optional := approval("node1", domain.ApproverSpec{Strategy: domain.StrategyRole, Param: "auditor"})
	optional.Optional = true
	f.define(linear("optional", optional, approval("node2", specific("z"))))

	st := f.start("expense", "E-12", nil)
	require.Len(t, st.Records, 1)
	rec := open(t, st, "node2")
	require.Empty(t, rec.PreviousNodeID)
}

func TestConditionRouting(t *testing.T) {
	f := newFixture(t)
	f.define(&domain.WorkflowDefinition{
		ID:          "amount",
		Scope:       domain.ScopeRequestType,
		IsActive:    true,
		RequestType: "expense",
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeStart},
			{ID: "check", Type: domain.NodeCondition},
			approval("manager", domain.ApproverSpec{Strategy: domain.StrategyDirectSupervisor}),
			approval("cfo", specific("z")),
			{ID: "end", Type: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{From: "start", To: "check"},
			{From: "check", To: "cfo", SortOrder: 1, Condition: &domain.Condition{Field: "amount", Operator: domain.OpGT, Value: domain.NumberLiteral(1000)}},
			{From: "check", To: "manager", SortOrder: 2, IsDefault: true},
			{From: "manager", To: "end"},
			{From: "cfo", To: "end"},
		},
	})

	big := f.start("expense", "E-13", map[string]any{"amount": 5000.0})
	require.Equal(t, "cfo", big.Records[0].NodeID)

	small := f.start("expense", "E-14", map[string]any{"amount": 50.0})
	require.Equal(t, "manager", small.Records[0].NodeID)
}

func TestSideEffectFailuresDoNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.rec.failNotify = true
	f.rec.failCallback = true
	f.define(linear("single", approval("node1", specific("y"))))

	st := f.start("expense", "E-15", nil)
	st = f.mustDecide(st.Instance.ID, st.Records[0].ID, "y", domain.ActionApprove)
	require.Equal(t, domain.StatusApproved, st.Instance.Status)

	stored, err := f.runner.GetInstance(f.ctx, st.Instance.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, stored.Instance.Status)
	require.Len(t, f.rec.finalizations(), 1)
}

func TestConcurrentAllQuorumFinalizesOnce(t *testing.T) {
	f := newFixture(t)
	const approvers = 12
	for i := 0; i < approvers; i++ {
		f.org.Put(domain.Assignment{
			EmployeeID: approverName(i), CompanyID: company, RoleID: "board", PositionLevel: 8, IsActive: true,
		})
	}
	node := approval("board", domain.ApproverSpec{Strategy: domain.StrategyRole, Param: "board"})
	node.Quorum = domain.QuorumAll
	f.define(linear("board", node))

	st := f.start("expense", "E-16", nil)
	rec := open(t, st, "board")
	require.Len(t, rec.AssignedApproverIDs, approvers)

	var wg sync.WaitGroup
	errs := make(chan error, approvers)
	for i := 0; i < approvers; i++ {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := f.decide(st.Instance.ID, rec.ID, actor, domain.ActionApprove)
			errs <- err
		}(approverName(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	final, err := f.runner.GetInstance(f.ctx, st.Instance.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, final.Instance.Status)
	require.Len(t, final.Record(rec.ID).Decisions, approvers)
	require.Len(t, f.rec.finalizations(), 1)
}

func approverName(i int) string {
	return "board-" + string(rune('a'+i))
}
