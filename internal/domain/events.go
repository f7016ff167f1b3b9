package domain

import "time"

// NotificationKind names a notification event.
type NotificationKind string

const (
	NotifyStepAssigned     NotificationKind = "STEP_ASSIGNED"
	NotifyRequestApproved  NotificationKind = "REQUEST_APPROVED"
	NotifyRequestRejected  NotificationKind = "REQUEST_REJECTED"
	NotifyRequestReturned  NotificationKind = "REQUEST_RETURNED"
	NotifyRequestCancelled NotificationKind = "REQUEST_CANCELLED"
)

// Notification is handed to the notification sink.
type Notification struct {
	UserID  string           `json:"user_id"`
	Kind    NotificationKind `json:"kind"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Link    string           `json:"link,omitempty"`
	RefType string           `json:"ref_type"`
	RefID   string           `json:"ref_id"`
}

// Finalization is delivered to the originating module exactly once, when an
// instance becomes APPROVED or REJECTED.
type Finalization struct {
	InstanceID string         `json:"instance_id"`
	RequestRef RequestRef     `json:"request_ref"`
	Outcome    InstanceStatus `json:"outcome"`
	DeciderID  string         `json:"decider_id,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	DecidedAt  time.Time      `json:"decided_at"`
}

// AuditEntry is one immutable line of an instance's history.
type AuditEntry struct {
	ID           string         `json:"id"`
	InstanceID   string         `json:"instance_id"`
	RecordID     string         `json:"record_id,omitempty"`
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore InstanceStatus `json:"status_before,omitempty"`
	StatusAfter  InstanceStatus `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Audit actions.
const (
	AuditSubmitted = "submitted"
	AuditDecided   = "decided"
	AuditReturned  = "returned"
	AuditApproved  = "approved"
	AuditRejected  = "rejected"
	AuditCancelled = "cancelled"
)
