package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/metrics"
)

// refTypeInstance is the RefType carried by every engine notification.
const refTypeInstance = "approval_instance"

// effects are the side effects of one committed call.
type effects struct {
	notifications []domain.Notification
	finalization  *domain.Finalization
	audits        []*domain.AuditEntry
}

func (fx *effects) notify(n domain.Notification) {
	fx.notifications = append(fx.notifications, n)
}

func (fx *effects) record(e *domain.AuditEntry) {
	fx.audits = append(fx.audits, e)
}

// dispatch runs the side effects of a committed call. Failures are logged and
// counted, never returned: the state change is already durable.
func (r *Runner) dispatch(ctx context.Context, fx *effects) {
	if fx == nil {
		return
	}
	// the caller's deadline must not cut off delivery of a committed change
	ctx = context.WithoutCancel(ctx)

	for _, entry := range fx.audits {
		r.appendAudit(ctx, entry)
	}

	if fx.finalization != nil {
		r.metrics.InstanceFinalized(string(fx.finalization.Outcome))
		if r.callback != nil {
			if err := r.callback.OnInstanceFinalized(ctx, *fx.finalization); err != nil {
				r.metrics.SideEffectFailed(metrics.SideEffectCallback)
				r.log.Warn().Err(err).
					Str("instance_id", fx.finalization.InstanceID).
					Str("request_ref", fx.finalization.RequestRef.String()).
					Str("outcome", string(fx.finalization.Outcome)).
					Msg("Failed to deliver status callback")
			}
		}
	}

	if r.notifier == nil {
		return
	}
	for _, n := range fx.notifications {
		if err := r.notifier.Notify(ctx, n); err != nil {
			r.metrics.SideEffectFailed(metrics.SideEffectNotification)
			r.log.Warn().Err(err).
				Str("user_id", n.UserID).
				Str("kind", string(n.Kind)).
				Str("instance_id", n.RefID).
				Msg("Failed to send notification")
		}
	}
}

// appendAudit writes one audit entry. Failure is non-fatal.
func (r *Runner) appendAudit(ctx context.Context, entry *domain.AuditEntry) {
	if r.audit == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if err := r.audit.Append(ctx, entry); err != nil {
		r.metrics.SideEffectFailed(metrics.SideEffectAudit)
		r.log.Warn().Err(err).
			Str("instance_id", entry.InstanceID).
			Str("action", entry.Action).
			Msg("Failed to write audit entry")
	}
}

// notification builds a message for userID using the request-type catalog.
func (r *Runner) notification(inst *domain.Instance, userID string, kind domain.NotificationKind, stepName string) domain.Notification {
	entry, ok := r.catalog[inst.RequestType]
	label := entry.Label
	if !ok || label == "" {
		label = inst.RequestType
	}

	var title, message string
	switch kind {
	case domain.NotifyStepAssigned:
		title = fmt.Sprintf("Approval required: %s", label)
		message = fmt.Sprintf("%s request %s from %s is waiting for your decision", label, inst.RequestRef.ID, inst.ApplicantID)
		if stepName != "" {
			message += fmt.Sprintf(" (%s)", stepName)
		}
	case domain.NotifyRequestApproved:
		title = fmt.Sprintf("%s request approved", label)
		message = fmt.Sprintf("Your %s request %s has been approved", label, inst.RequestRef.ID)
	case domain.NotifyRequestRejected:
		title = fmt.Sprintf("%s request rejected", label)
		message = fmt.Sprintf("Your %s request %s has been rejected", label, inst.RequestRef.ID)
	case domain.NotifyRequestReturned:
		title = fmt.Sprintf("%s request returned", label)
		message = fmt.Sprintf("Your %s request %s was sent back to a previous approval step", label, inst.RequestRef.ID)
	case domain.NotifyRequestCancelled:
		title = fmt.Sprintf("%s request cancelled", label)
		message = fmt.Sprintf("%s request %s from %s was cancelled", label, inst.RequestRef.ID, inst.ApplicantID)
	}

	return domain.Notification{
		UserID:  userID,
		Kind:    kind,
		Title:   title,
		Message: message,
		Link:    link(entry.LinkTemplate, inst),
		RefType: refTypeInstance,
		RefID:   inst.ID,
	}
}

// link expands {module}, {ref_id} and {instance_id} in tmpl.
func link(tmpl string, inst *domain.Instance) string {
	if tmpl == "" {
		return ""
	}
	return strings.NewReplacer(
		"{module}", inst.RequestRef.Module,
		"{ref_id}", inst.RequestRef.ID,
		"{instance_id}", inst.ID,
	).Replace(tmpl)
}
