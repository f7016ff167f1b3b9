package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/graph"
)

// maxTraversal bounds the pass-through nodes visited in one call so a
// condition cycle without approval steps cannot spin forever.
const maxTraversal = 1000

// walker advances one instance inside a single Start, Decide or Cancel call.
// It only mutates st and collects side effects; nothing leaves the process
// until the caller has committed.
type walker struct {
	r       *Runner
	g       *graph.Graph
	st      *domain.InstanceState
	now     time.Time
	fx      *effects
	visited int

	// actor and comment are reported on the finalization and audit entry
	actor   string
	comment string
}

func (r *Runner) newWalker(g *graph.Graph, st *domain.InstanceState, now time.Time) *walker {
	return &walker{r: r, g: g, st: st, now: now, fx: &effects{}}
}

// enter moves path onto nodeID and keeps routing until the path parks on an
// approval step, waits at a join, forks, or the instance finishes.
func (w *walker) enter(ctx context.Context, path *domain.Path, nodeID string) error {
	for {
		w.visited++
		if w.visited > maxTraversal {
			return errors.Newf(errors.ErrCodeGraphInvalid, "routing did not settle after %d nodes", maxTraversal)
		}
		node, ok := w.g.Node(nodeID)
		if !ok {
			return errors.Newf(errors.ErrCodeGraphInvalid, "node %q does not exist in %s", nodeID, w.g)
		}
		path.NodeID = nodeID

		switch node.Type {
		case domain.NodeStart, domain.NodeCondition:
			next, err := w.route(nodeID)
			if err != nil {
				return err
			}
			nodeID = next

		case domain.NodeApproval:
			opened, err := w.open(ctx, path, node)
			if err != nil {
				return err
			}
			if opened {
				return nil
			}
			next, err := w.route(nodeID)
			if err != nil {
				return err
			}
			nodeID = next

		case domain.NodeParallelFork:
			return w.fork(ctx, path, node)

		case domain.NodeParallelJoin:
			if path.ParentID == "" {
				next, err := w.route(nodeID)
				if err != nil {
					return err
				}
				nodeID = next
				continue
			}
			parent, resumed := w.join(path)
			if !resumed {
				return nil
			}
			next, err := w.route(nodeID)
			if err != nil {
				return err
			}
			path = parent
			nodeID = next

		case domain.NodeEnd:
			if path.ParentID != "" {
				return errors.Newf(errors.ErrCodeGraphInvalid, "END node %q reached inside a parallel branch", nodeID)
			}
			path.State = domain.PathDone
			return w.finalize(domain.StatusApproved)

		default:
			return errors.Newf(errors.ErrCodeGraphInvalid, "node %q has unknown type %q", nodeID, node.Type)
		}
	}
}

// route follows the single outgoing edge chosen for nodeID. A node without
// outgoing edges stalls the instance, which is a configuration error.
func (w *walker) route(nodeID string) (string, error) {
	next, ok := w.g.Route(nodeID, w.st.Instance.ContextData)
	if !ok {
		return "", errors.Newf(errors.ErrCodeGraphInvalid, "node %q has no outgoing edges", nodeID)
	}
	return next, nil
}

// open creates the approval record for node on path. It reports false when
// the node is optional and nobody was resolved, in which case the caller
// routes past it.
func (w *walker) open(ctx context.Context, path *domain.Path, node domain.Node) (bool, error) {
	inst := &w.st.Instance
	approvers, err := w.r.resolver.Resolve(ctx, *node.Approver, inst.ApplicantID, inst.CompanyID)
	if err != nil {
		return false, err
	}
	if len(approvers) == 0 {
		if node.Optional {
			w.r.log.Info().
				Str("instance_id", inst.ID).
				Str("node_id", node.ID).
				Msg("Optional approval step skipped, no approver resolved")
			return false, nil
		}
		return false, errors.Newf(errors.ErrCodeNoApproverResolved, "no approver resolved for node %q", node.ID)
	}

	round := 1
	for _, rec := range w.st.Records {
		if rec.NodeID == node.ID && rec.Round >= round {
			round = rec.Round + 1
		}
	}
	prev := ""
	if n := len(path.Trail); n > 0 {
		prev = path.Trail[n-1]
	}

	rec := &domain.ApprovalRecord{
		ID:                  uuid.New().String(),
		InstanceID:          inst.ID,
		NodeID:              node.ID,
		PathID:              path.ID,
		Round:               round,
		PreviousNodeID:      prev,
		Quorum:              node.QuorumOrDefault(),
		AssignedApproverIDs: approvers,
		Status:              domain.RecordPending,
		Decisions:           []domain.Decision{},
		CreatedAt:           w.now,
	}
	w.st.Records = append(w.st.Records, rec)
	inst.CurrentNodeID = node.ID

	for _, id := range approvers {
		w.fx.notify(w.r.notification(inst, id, domain.NotifyStepAssigned, node.Name))
	}
	return true, nil
}

// fork suspends path and starts one child per selected branch. Every child is
// registered before any is entered so a branch that reaches the join at once
// still sees its siblings as outstanding.
func (w *walker) fork(ctx context.Context, path *domain.Path, node domain.Node) error {
	targets := w.g.ForkTargets(node.ID, w.st.Instance.ContextData)
	if len(targets) == 0 {
		return errors.Newf(errors.ErrCodeGraphInvalid, "PARALLEL_FORK %q selected no branch", node.ID)
	}
	path.State = domain.PathForked

	children := make([]*domain.Path, len(targets))
	for i := range targets {
		children[i] = &domain.Path{
			ID:         uuid.New().String(),
			ParentID:   path.ID,
			ForkNodeID: node.ID,
			NodeID:     node.ID,
			State:      domain.PathActive,
		}
		w.st.Paths = append(w.st.Paths, children[i])
	}
	for i, child := range children {
		if w.st.Instance.Status.Terminal() {
			return nil
		}
		if err := w.enter(ctx, child, targets[i]); err != nil {
			return err
		}
	}
	return nil
}

// join parks path at a join. When it is the last outstanding sibling of its
// fork, all siblings are closed and the parent is returned for resumption.
func (w *walker) join(path *domain.Path) (*domain.Path, bool) {
	path.State = domain.PathArrived
	for _, p := range w.st.Paths {
		if p.ParentID != path.ParentID || p.ForkNodeID != path.ForkNodeID {
			continue
		}
		if p.State == domain.PathActive || p.State == domain.PathForked {
			return nil, false
		}
	}
	for _, p := range w.st.Paths {
		if p.ParentID == path.ParentID && p.ForkNodeID == path.ForkNodeID && p.State == domain.PathArrived {
			p.State = domain.PathDone
		}
	}
	parent := w.st.Path(path.ParentID)
	if parent == nil {
		return nil, false
	}
	parent.State = domain.PathActive
	parent.NodeID = path.NodeID
	return parent, true
}

// finalize moves the instance to a terminal outcome and cancels whatever is
// still open.
func (w *walker) finalize(outcome domain.InstanceStatus) error {
	inst := &w.st.Instance
	if !domain.CanTransition(inst.Status, outcome) {
		return errors.Newf(errors.ErrCodeInstanceTerminal, "instance cannot move from %s to %s", inst.Status, outcome)
	}
	before := inst.Status
	inst.Status = outcome
	completed := w.now
	inst.CompletedAt = &completed
	w.closeOpen(domain.RecordCancelled)

	kind := domain.NotifyRequestApproved
	action := domain.AuditApproved
	switch outcome {
	case domain.StatusRejected:
		kind = domain.NotifyRequestRejected
		action = domain.AuditRejected
	case domain.StatusCancelled:
		kind = domain.NotifyRequestCancelled
		action = domain.AuditCancelled
	}

	if outcome == domain.StatusApproved || outcome == domain.StatusRejected {
		w.fx.finalization = &domain.Finalization{
			InstanceID: inst.ID,
			RequestRef: inst.RequestRef,
			Outcome:    outcome,
			DeciderID:  w.actor,
			Comment:    w.comment,
			DecidedAt:  w.now,
		}
		w.fx.notify(w.r.notification(inst, inst.ApplicantID, kind, ""))
	}
	entry := &domain.AuditEntry{
		InstanceID:   inst.ID,
		Action:       action,
		PerformedBy:  w.actor,
		PerformedAt:  w.now,
		StatusBefore: before,
		StatusAfter:  outcome,
	}
	if entry.PerformedBy == "" {
		entry.PerformedBy = "system"
	}
	if w.comment != "" {
		entry.Metadata = map[string]any{"comment": w.comment}
	}
	w.fx.record(entry)
	return nil
}

// closeOpen closes every pending record with status.
func (w *walker) closeOpen(status domain.RecordStatus) []*domain.ApprovalRecord {
	open := w.st.OpenRecords()
	for _, rec := range open {
		rec.Status = status
		closed := w.now
		rec.ClosedAt = &closed
	}
	return open
}

func (w *walker) markInProgress() {
	if w.st.Instance.Status == domain.StatusPending {
		w.st.Instance.Status = domain.StatusInProgress
	}
}
