package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-approval-engine/internal/delegation"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/engine"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
	"github.com/pesio-ai/be-approval-engine/internal/metrics"
)

// IdempotencyStore remembers the first outcome stored under a key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// DecisionRequest is a decision as submitted by an external caller.
type DecisionRequest struct {
	InstanceID     string        `json:"instance_id"`
	RecordID       string        `json:"record_id"`
	ActorID        string        `json:"actor_id"`
	Action         domain.Action `json:"action"`
	Comment        string        `json:"comment,omitempty"`
	IdempotencyKey string        `json:"-"`
}

// DecisionResult is what the caller of Decide sees. Replayed is set when the
// outcome was served from an earlier identical submission.
type DecisionResult struct {
	InstanceID    string                `json:"instance_id"`
	RecordID      string                `json:"record_id"`
	Status        domain.InstanceStatus `json:"status"`
	CurrentNodeID string                `json:"current_node_id"`
	Replayed      bool                  `json:"replayed"`
}

// DecisionProcessor is the entry point transports use. It wraps the runner
// with the idempotency guard and benign-replay detection and passes the
// remaining operations through.
type DecisionProcessor struct {
	runner      *engine.Runner
	delegations *delegation.Registry
	idempotency IdempotencyStore
	metrics     *metrics.Metrics
	log         *logger.Logger
}

// NewDecisionProcessor creates a new DecisionProcessor. idempotency and m may
// be nil.
func NewDecisionProcessor(
	runner *engine.Runner,
	delegations *delegation.Registry,
	idempotency IdempotencyStore,
	m *metrics.Metrics,
	log *logger.Logger,
) *DecisionProcessor {
	if log == nil {
		log = logger.Nop()
	}
	return &DecisionProcessor{
		runner:      runner,
		delegations: delegations,
		idempotency: idempotency,
		metrics:     m,
		log:         log,
	}
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// Decide submits one decision. With an idempotency key the first outcome is
// stored and returned again on retries by the same actor.
func (p *DecisionProcessor) Decide(ctx context.Context, req DecisionRequest) (*DecisionResult, error) {
	started := time.Now()
	result, err := p.decide(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = string(errors.CodeOf(err))
	} else if result.Replayed {
		outcome = "replayed"
	}
	p.metrics.Decision(string(req.Action), outcome, time.Since(started))
	return result, err
}

func (p *DecisionProcessor) decide(ctx context.Context, req DecisionRequest) (*DecisionResult, error) {
	key := ""
	if req.IdempotencyKey != "" && p.idempotency != nil {
		key = "decide:" + req.ActorID + ":" + req.InstanceID + ":" + req.RecordID + ":" + req.IdempotencyKey
		if stored, ok := p.lookup(ctx, key); ok {
			return stored, nil
		}
	}

	st, err := p.runner.Decide(ctx, engine.DecideRequest{
		InstanceID: req.InstanceID,
		RecordID:   req.RecordID,
		ActorID:    req.ActorID,
		Action:     req.Action,
		Comment:    req.Comment,
	})
	if err != nil {
		if errors.Is(err, errors.ErrCodeStepMismatch) || errors.Is(err, errors.ErrCodeDuplicateDecision) {
			if replay, ok := p.replay(ctx, req); ok {
				return replay, nil
			}
		}
		return nil, err
	}

	result := &DecisionResult{
		InstanceID:    st.Instance.ID,
		RecordID:      req.RecordID,
		Status:        st.Instance.Status,
		CurrentNodeID: st.Instance.CurrentNodeID,
	}
	if key != "" {
		p.remember(ctx, key, result)
	}
	return result, nil
}

// replay reports the current status when the actor already recorded the
// same action on the record.
func (p *DecisionProcessor) replay(ctx context.Context, req DecisionRequest) (*DecisionResult, bool) {
	st, err := p.runner.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, false
	}
	rec := st.Record(req.RecordID)
	if rec == nil {
		return nil, false
	}
	for _, d := range rec.Decisions {
		if d.ActorID == req.ActorID && d.Action == req.Action {
			p.log.Debug().
				Str("instance_id", req.InstanceID).
				Str("record_id", req.RecordID).
				Str("actor_id", req.ActorID).
				Msg("Decision re-submitted, returning current status")
			return &DecisionResult{
				InstanceID:    st.Instance.ID,
				RecordID:      rec.ID,
				Status:        st.Instance.Status,
				CurrentNodeID: st.Instance.CurrentNodeID,
				Replayed:      true,
			}, true
		}
	}
	return nil, false
}

func (p *DecisionProcessor) lookup(ctx context.Context, key string) (*DecisionResult, bool) {
	raw, ok, err := p.idempotency.Get(ctx, key)
	if err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("Idempotency lookup failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var result DecisionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("Stored idempotency outcome is unreadable")
		return nil, false
	}
	result.Replayed = true
	return &result, true
}

func (p *DecisionProcessor) remember(ctx context.Context, key string, result *DecisionResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := p.idempotency.Put(ctx, key, raw); err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("Failed to store idempotency outcome")
	}
}

// ── Instances ─────────────────────────────────────────────────────────────────

func (p *DecisionProcessor) Start(ctx context.Context, req engine.StartRequest) (*domain.InstanceState, error) {
	return p.runner.Start(ctx, req)
}

func (p *DecisionProcessor) Cancel(ctx context.Context, instanceID, cancelledBy, reason string) (*domain.InstanceState, error) {
	return p.runner.Cancel(ctx, instanceID, cancelledBy, reason)
}

func (p *DecisionProcessor) GetInstance(ctx context.Context, id string) (*domain.InstanceState, error) {
	return p.runner.GetInstance(ctx, id)
}

func (p *DecisionProcessor) GetHistory(ctx context.Context, id string) ([]*domain.AuditEntry, error) {
	return p.runner.GetHistory(ctx, id)
}

func (p *DecisionProcessor) GetPendingFor(ctx context.Context, employeeID string) ([]domain.PendingItem, error) {
	return p.runner.GetPendingFor(ctx, employeeID)
}

// ── Definitions ───────────────────────────────────────────────────────────────

func (p *DecisionProcessor) CreateDefinition(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	return p.runner.CreateDefinition(ctx, def)
}

func (p *DecisionProcessor) PublishVersion(ctx context.Context, id string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	return p.runner.PublishVersion(ctx, id, def)
}

func (p *DecisionProcessor) GetDefinition(ctx context.Context, id string, version int) (*domain.WorkflowDefinition, error) {
	return p.runner.GetDefinition(ctx, id, version)
}

// ── Delegations ───────────────────────────────────────────────────────────────

func (p *DecisionProcessor) CreateDelegation(ctx context.Context, requestedBy string, req delegation.CreateRequest) (*domain.Delegation, error) {
	return p.delegations.Create(ctx, requestedBy, req)
}

func (p *DecisionProcessor) UpdateDelegation(ctx context.Context, id, requestedBy string, req delegation.UpdateRequest) (*domain.Delegation, error) {
	return p.delegations.Update(ctx, id, requestedBy, req)
}

func (p *DecisionProcessor) RevokeDelegation(ctx context.Context, id, requestedBy string) error {
	return p.delegations.Revoke(ctx, id, requestedBy)
}

func (p *DecisionProcessor) ListDelegations(ctx context.Context, principalID string) ([]*domain.Delegation, error) {
	return p.delegations.ListByPrincipal(ctx, principalID)
}
