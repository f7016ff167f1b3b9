package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/quorum"
)

// StartRequest submits a business request for approval. DefinitionID is
// optional; when empty the applicable definition is selected.
type StartRequest struct {
	DefinitionID string            `json:"definition_id,omitempty"`
	RequestType  string            `json:"request_type"`
	RequestRef   domain.RequestRef `json:"request_ref"`
	ApplicantID  string            `json:"applicant_id"`
	CompanyID    string            `json:"company_id"`
	ContextData  map[string]any    `json:"context_data,omitempty"`
}

func (req StartRequest) validate() error {
	if strings.TrimSpace(req.RequestType) == "" {
		return errors.InvalidInput("request_type", "is required")
	}
	if req.RequestRef.Module == "" || req.RequestRef.ID == "" {
		return errors.InvalidInput("request_ref", "module and id are required")
	}
	if req.ApplicantID == "" {
		return errors.InvalidInput("applicant_id", "is required")
	}
	if req.CompanyID == "" {
		return errors.InvalidInput("company_id", "is required")
	}
	return nil
}

// DecideRequest is one approver decision on one approval record.
type DecideRequest struct {
	InstanceID string        `json:"instance_id"`
	RecordID   string        `json:"record_id"`
	ActorID    string        `json:"actor_id"`
	Action     domain.Action `json:"action"`
	Comment    string        `json:"comment,omitempty"`
}

func (req DecideRequest) validate() error {
	if req.InstanceID == "" {
		return errors.InvalidInput("instance_id", "is required")
	}
	if req.RecordID == "" {
		return errors.InvalidInput("record_id", "is required")
	}
	if req.ActorID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "actor is required")
	}
	if !req.Action.Valid() {
		return errors.InvalidInput("action", "must be APPROVE, REJECT or RETURN")
	}
	return nil
}

// ── Start ─────────────────────────────────────────────────────────────────────

// Start creates an instance and routes it to its first approval step. When
// the graph has no reachable approval step the instance is approved at once.
// Nothing is persisted when a required step resolves no approver.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*domain.InstanceState, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := r.now().UTC()

	def, err := r.selectDefinition(ctx, req, now)
	if err != nil {
		return nil, err
	}
	g, err := r.compile(def)
	if err != nil {
		return nil, err
	}

	st := &domain.InstanceState{
		Instance: domain.Instance{
			ID:                uuid.New().String(),
			DefinitionID:      def.ID,
			DefinitionVersion: def.Version,
			RequestType:       req.RequestType,
			RequestRef:        req.RequestRef,
			ApplicantID:       req.ApplicantID,
			CompanyID:         req.CompanyID,
			ContextData:       req.ContextData,
			CurrentNodeID:     g.Start(),
			Status:            domain.StatusPending,
			SubmittedAt:       now,
			UpdatedAt:         now,
		},
		Paths: []*domain.Path{{ID: domain.RootPathID, NodeID: g.Start(), State: domain.PathActive}},
	}
	if st.Instance.ContextData == nil {
		st.Instance.ContextData = map[string]any{}
	}

	w := r.newWalker(g, st, now)
	w.fx.record(&domain.AuditEntry{
		InstanceID:  st.Instance.ID,
		Action:      domain.AuditSubmitted,
		PerformedBy: req.ApplicantID,
		PerformedAt: now,
		StatusAfter: domain.StatusPending,
		Metadata: map[string]any{
			"definition_id":      def.ID,
			"definition_version": def.Version,
			"request_ref":        req.RequestRef.String(),
		},
	})
	if err := w.enter(ctx, st.Paths[0], g.Start()); err != nil {
		return nil, err
	}
	if err := r.instances.CreateInstance(ctx, st); err != nil {
		return nil, err
	}

	r.metrics.InstanceStarted(req.RequestType)
	r.dispatch(ctx, w.fx)

	r.log.Info().
		Str("instance_id", st.Instance.ID).
		Str("definition_id", def.ID).
		Int("definition_version", def.Version).
		Str("request_ref", req.RequestRef.String()).
		Str("status", string(st.Instance.Status)).
		Msg("Workflow instance started")
	return st, nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide records one decision and advances the instance as far as the graph
// allows, all under the instance lock. Side effects run after the commit.
func (r *Runner) Decide(ctx context.Context, req DecideRequest) (*domain.InstanceState, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var w *walker
	st, err := r.instances.Update(ctx, req.InstanceID, func(st *domain.InstanceState) error {
		now := r.now().UTC()
		g, err := r.compiled(ctx, st.Instance.DefinitionID, st.Instance.DefinitionVersion)
		if err != nil {
			return err
		}
		w = r.newWalker(g, st, now)
		w.actor, w.comment = req.ActorID, req.Comment
		if err := w.decide(ctx, req); err != nil {
			return err
		}
		st.Instance.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.dispatch(ctx, w.fx)

	r.log.Info().
		Str("instance_id", req.InstanceID).
		Str("record_id", req.RecordID).
		Str("actor_id", req.ActorID).
		Str("action", string(req.Action)).
		Str("status", string(st.Instance.Status)).
		Msg("Decision recorded")
	return st, nil
}

func (w *walker) decide(ctx context.Context, req DecideRequest) error {
	inst := &w.st.Instance
	if inst.Status.Terminal() {
		return errors.Newf(errors.ErrCodeInstanceTerminal, "instance %s is %s", inst.ID, inst.Status)
	}
	rec := w.st.Record(req.RecordID)
	if rec == nil {
		return errors.Newf(errors.ErrCodeStepMismatch, "record %s is not part of instance %s", req.RecordID, inst.ID)
	}
	path := w.st.Path(rec.PathID)
	if rec.Status != domain.RecordPending || path == nil || path.State != domain.PathActive || path.NodeID != rec.NodeID {
		return errors.Newf(errors.ErrCodeStepMismatch, "record %s is no longer the current step", rec.ID)
	}

	for _, d := range rec.Decisions {
		if d.ActorID == req.ActorID {
			return errors.Newf(errors.ErrCodeDuplicateDecision, "%s already decided on record %s", req.ActorID, rec.ID)
		}
	}
	slot, onBehalfOf, err := w.authorize(ctx, rec, req.ActorID)
	if err != nil {
		return err
	}
	if _, filled := rec.DecisionBy(slot); filled {
		return errors.Newf(errors.ErrCodeDuplicateDecision, "approval slot of %s on record %s is already filled", slot, rec.ID)
	}

	if req.Action == domain.ActionReturn && rec.PreviousNodeID == "" {
		return errors.InvalidInput("action", "there is no previous approval step to return to")
	}

	rec.Decisions = append(rec.Decisions, domain.Decision{
		ID:                  uuid.New().String(),
		ActorID:             req.ActorID,
		Action:              req.Action,
		Comment:             req.Comment,
		DecidedAt:           w.now,
		ActingAsDelegateFor: onBehalfOf,
	})
	before := inst.Status
	meta := map[string]any{"node_id": rec.NodeID, "action": string(req.Action), "round": rec.Round}
	if onBehalfOf != "" {
		meta["acting_as_delegate_for"] = onBehalfOf
	}
	if req.Comment != "" {
		meta["comment"] = req.Comment
	}

	if req.Action == domain.ActionReturn {
		return w.returnStep(ctx, rec, path, req, before, meta)
	}

	switch quorum.Evaluate(rec.Quorum, rec.AssignedApproverIDs, rec.Decisions) {
	case quorum.Failed:
		w.close(rec, domain.RecordRejected)
		w.audit(rec, req.ActorID, domain.AuditDecided, before, inst.Status, meta)
		return w.finalize(domain.StatusRejected)

	case quorum.Satisfied:
		w.close(rec, domain.RecordApproved)
		path.Trail = append(path.Trail, rec.NodeID)
		w.markInProgress()
		w.audit(rec, req.ActorID, domain.AuditDecided, before, inst.Status, meta)
		next, err := w.route(rec.NodeID)
		if err != nil {
			return err
		}
		return w.enter(ctx, path, next)

	default:
		w.markInProgress()
		w.audit(rec, req.ActorID, domain.AuditDecided, before, inst.Status, meta)
		return nil
	}
}

// returnStep closes rec as RETURNED and reopens the previous approval node on
// the same path with fresh approvers and the next round number.
func (w *walker) returnStep(ctx context.Context, rec *domain.ApprovalRecord, path *domain.Path, req DecideRequest, before domain.InstanceStatus, meta map[string]any) error {
	w.close(rec, domain.RecordReturned)
	if n := len(path.Trail); n > 0 {
		path.Trail = path.Trail[:n-1]
	}
	w.markInProgress()
	meta["returned_to"] = rec.PreviousNodeID
	w.audit(rec, req.ActorID, domain.AuditReturned, before, w.st.Instance.Status, meta)
	w.fx.notify(w.r.notification(&w.st.Instance, w.st.Instance.ApplicantID, domain.NotifyRequestReturned, ""))
	return w.enter(ctx, path, rec.PreviousNodeID)
}

// authorize finds the slot actorID fills on rec: their own assignment, or
// the assignment of a principal they are the active delegate for.
func (w *walker) authorize(ctx context.Context, rec *domain.ApprovalRecord, actorID string) (slot, onBehalfOf string, err error) {
	if rec.IsAssigned(actorID) {
		return actorID, "", nil
	}
	inst := &w.st.Instance
	if w.r.delegations != nil {
		for _, assigned := range rec.AssignedApproverIDs {
			ok, err := w.r.delegations.IsAuthorized(ctx, assigned, actorID, inst.RequestType, inst.CompanyID, w.now)
			if err != nil {
				return "", "", errors.Wrap(err, errors.ErrCodeInternal, "failed to check delegation")
			}
			if ok {
				return assigned, assigned, nil
			}
		}
	}
	return "", "", errors.Newf(errors.ErrCodeUnauthorized, "%s is not an approver of record %s", actorID, rec.ID)
}

func (w *walker) close(rec *domain.ApprovalRecord, status domain.RecordStatus) {
	rec.Status = status
	closed := w.now
	rec.ClosedAt = &closed
}

func (w *walker) audit(rec *domain.ApprovalRecord, by, action string, before, after domain.InstanceStatus, meta map[string]any) {
	w.fx.record(&domain.AuditEntry{
		InstanceID:   w.st.Instance.ID,
		RecordID:     rec.ID,
		Action:       action,
		PerformedBy:  by,
		PerformedAt:  w.now,
		StatusBefore: before,
		StatusAfter:  after,
		Metadata:     meta,
	})
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel stops a non-terminal instance. When cancelledBy is set it must be
// the applicant. No status callback is sent for cancellations.
func (r *Runner) Cancel(ctx context.Context, instanceID, cancelledBy, reason string) (*domain.InstanceState, error) {
	if instanceID == "" {
		return nil, errors.InvalidInput("instance_id", "is required")
	}

	var w *walker
	st, err := r.instances.Update(ctx, instanceID, func(st *domain.InstanceState) error {
		inst := &st.Instance
		if inst.Status.Terminal() {
			return errors.Newf(errors.ErrCodeInstanceTerminal, "instance %s is %s", inst.ID, inst.Status)
		}
		if cancelledBy != "" && cancelledBy != inst.ApplicantID {
			return errors.New(errors.ErrCodeUnauthorized, "only the applicant can cancel a request")
		}
		now := r.now().UTC()
		// cancellation never routes, so no graph is needed
		w = r.newWalker(nil, st, now)
		w.actor, w.comment = cancelledBy, reason

		notified := map[string]bool{}
		for _, rec := range st.OpenRecords() {
			for _, id := range rec.AssignedApproverIDs {
				if !notified[id] {
					notified[id] = true
					w.fx.notify(r.notification(inst, id, domain.NotifyRequestCancelled, ""))
				}
			}
		}
		if err := w.finalize(domain.StatusCancelled); err != nil {
			return err
		}
		inst.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.dispatch(ctx, w.fx)
	r.log.Info().Str("instance_id", instanceID).Str("cancelled_by", cancelledBy).Msg("Workflow instance cancelled")
	return st, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetInstance returns the instance with its records and paths.
func (r *Runner) GetInstance(ctx context.Context, id string) (*domain.InstanceState, error) {
	return r.instances.GetInstance(ctx, id)
}

// GetHistory returns the audit trail of an instance, oldest first.
func (r *Runner) GetHistory(ctx context.Context, id string) ([]*domain.AuditEntry, error) {
	if _, err := r.instances.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	if r.audit == nil {
		return []*domain.AuditEntry{}, nil
	}
	return r.audit.ListByInstance(ctx, id)
}

// GetPendingFor returns the records employeeID can act on now, either as an
// assigned approver or as the active delegate of one.
func (r *Runner) GetPendingFor(ctx context.Context, employeeID string) ([]domain.PendingItem, error) {
	if employeeID == "" {
		return nil, errors.InvalidInput("employee_id", "is required")
	}
	now := r.now().UTC()

	var delegations []*domain.Delegation
	if r.delegations != nil {
		var err error
		delegations, err = r.delegations.ActiveFor(ctx, employeeID, now)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load delegations")
		}
	}
	ids := []string{employeeID}
	for _, d := range delegations {
		ids = append(ids, d.PrincipalID)
	}

	items, err := r.instances.ListOpenRecordsFor(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]domain.PendingItem, 0, len(items))
	for _, item := range items {
		rec := &item.Record
		if hasActed(rec, employeeID) {
			continue
		}
		if rec.IsAssigned(employeeID) {
			out = append(out, item)
			continue
		}
		for _, d := range delegations {
			if !rec.IsAssigned(d.PrincipalID) || !d.InScope(item.RequestType, item.CompanyID) {
				continue
			}
			if _, filled := rec.DecisionBy(d.PrincipalID); filled {
				continue
			}
			item.OnBehalfOf = d.PrincipalID
			out = append(out, item)
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	return out, nil
}

func hasActed(rec *domain.ApprovalRecord, employeeID string) bool {
	for _, d := range rec.Decisions {
		if d.ActorID == employeeID || d.EffectiveApprover() == employeeID {
			return true
		}
	}
	return false
}
