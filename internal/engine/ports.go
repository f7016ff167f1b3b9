package engine

import (
	"context"
	"time"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
)

// DefinitionStore persists versioned workflow definitions.
type DefinitionStore interface {
	// CreateDefinition stores version 1 of a new definition.
	CreateDefinition(ctx context.Context, def *domain.WorkflowDefinition) error
	// AddVersion stores def as the next version of an existing definition
	// and sets def.Version.
	AddVersion(ctx context.Context, def *domain.WorkflowDefinition) error
	// GetDefinition returns one version; version 0 means the latest.
	GetDefinition(ctx context.Context, id string, version int) (*domain.WorkflowDefinition, error)
	// ListLatest returns the latest version of every definition owned by
	// companyID or by no company.
	ListLatest(ctx context.Context, companyID string) ([]*domain.WorkflowDefinition, error)
}

// InstanceStore persists instances together with their records and paths.
type InstanceStore interface {
	// CreateInstance fails with ACTIVE_INSTANCE_EXISTS when the request
	// already has a non-terminal instance.
	CreateInstance(ctx context.Context, st *domain.InstanceState) error
	// Update loads the instance under an exclusive per-instance lock, applies
	// fn and commits the result atomically. Nothing is written when fn
	// returns an error.
	Update(ctx context.Context, id string, fn func(st *domain.InstanceState) error) (*domain.InstanceState, error)
	GetInstance(ctx context.Context, id string) (*domain.InstanceState, error)
	// ListOpenRecordsFor returns pending records of non-terminal instances
	// assigned to any of approverIDs.
	ListOpenRecordsFor(ctx context.Context, approverIDs []string) ([]domain.PendingItem, error)
}

// AuditLog is the append-only instance history.
type AuditLog interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
	ListByInstance(ctx context.Context, instanceID string) ([]*domain.AuditEntry, error)
}

// ApproverResolver turns an approver spec into employee ids.
type ApproverResolver interface {
	Resolve(ctx context.Context, spec domain.ApproverSpec, applicantID, companyID string) ([]string, error)
}

// Authorizer answers delegation questions.
type Authorizer interface {
	IsAuthorized(ctx context.Context, assignedID, actorID, requestType, companyID string, now time.Time) (bool, error)
	ActiveFor(ctx context.Context, delegateID string, now time.Time) ([]*domain.Delegation, error)
}

// NotificationSink delivers user notifications. Delivery is best effort.
type NotificationSink interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// StatusCallback informs the originating module of a final outcome.
type StatusCallback interface {
	OnInstanceFinalized(ctx context.Context, f domain.Finalization) error
}

// RequestType is one entry of the static request-type catalog used to build
// notification titles and links.
type RequestType struct {
	Label        string
	LinkTemplate string
}

// Catalog maps request types to their display data.
type Catalog map[string]RequestType
