// Package quorum decides whether a multi-approver step is closed.
package quorum

import "github.com/pesio-ai/be-approval-engine/internal/domain"

// Outcome of evaluating a step's decision log.
type Outcome string

const (
	StillPending Outcome = "STILL_PENDING"
	Satisfied    Outcome = "SATISFIED"
	Failed       Outcome = "FAILED"
)

// Evaluate applies mode to the decisions recorded against the assigned set.
// Only APPROVE and REJECT are counted; a RETURN is handled by the caller
// before quorum is consulted. Any REJECT fails the step regardless of mode.
//
// A decision counts for its effective approver, so a delegate fills the
// principal's slot. Decisions from outside the assigned set are ignored, as
// are repeat decisions for a slot already filled.
func Evaluate(mode domain.QuorumMode, assigned []string, decisions []domain.Decision) Outcome {
	slots := make(map[string]bool, len(assigned))
	for _, id := range assigned {
		slots[id] = false
	}

	approvals := 0
	for _, d := range decisions {
		who := d.EffectiveApprover()
		filled, ok := slots[who]
		if !ok || filled {
			continue
		}
		switch d.Action {
		case domain.ActionReject:
			return Failed
		case domain.ActionApprove:
			slots[who] = true
			approvals++
		}
	}

	n := len(slots)
	if n == 0 {
		return StillPending
	}
	switch mode {
	case domain.QuorumAll:
		if approvals == n {
			return Satisfied
		}
	case domain.QuorumMajority:
		if approvals*2 > n {
			return Satisfied
		}
	default:
		if approvals >= 1 {
			return Satisfied
		}
	}
	return StillPending
}
