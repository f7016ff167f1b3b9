// Package delegation holds time-bounded transfers of approval authority and
// answers whether an actor may decide in place of an assigned approver.
package delegation

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
)

// Store persists delegations.
type Store interface {
	// Save inserts or updates d. The store serialises saves per principal and
	// calls check with the principal's other delegations before writing, so
	// the overlap rule holds under concurrent creates.
	Save(ctx context.Context, d *domain.Delegation, check func(existing []*domain.Delegation) error) error
	Get(ctx context.Context, id string) (*domain.Delegation, error)
	ListByPrincipal(ctx context.Context, principalID string) ([]*domain.Delegation, error)
	ListByDelegate(ctx context.Context, delegateID string) ([]*domain.Delegation, error)
}

// CreateRequest carries the fields of a new delegation.
type CreateRequest struct {
	PrincipalID      string    `json:"principal_id"`
	DelegateID       string    `json:"delegate_id"`
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	RequestTypeScope []string  `json:"request_type_scope,omitempty"`
	CompanyScope     []string  `json:"company_scope,omitempty"`
	Reason           string    `json:"reason,omitempty"`
}

// UpdateRequest changes the non-nil fields of an existing delegation.
type UpdateRequest struct {
	StartDate        *time.Time `json:"start_date,omitempty"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	RequestTypeScope *[]string  `json:"request_type_scope,omitempty"`
	CompanyScope     *[]string  `json:"company_scope,omitempty"`
	IsActive         *bool      `json:"is_active,omitempty"`
	Reason           *string    `json:"reason,omitempty"`
}

// Registry is safe for concurrent use.
type Registry struct {
	store Store
	now   func() time.Time
	log   *logger.Logger
}

// NewRegistry creates a Registry. now may be nil.
func NewRegistry(store Store, now func() time.Time, log *logger.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{store: store, now: now, log: log}
}

// Create validates and stores a new active delegation. When requestedBy is set
// it must be the principal.
func (r *Registry) Create(ctx context.Context, requestedBy string, req CreateRequest) (*domain.Delegation, error) {
	principalID := strings.TrimSpace(req.PrincipalID)
	if requestedBy != "" && principalID != "" && requestedBy != principalID {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only the principal can create a delegation")
	}

	ts := r.now().UTC()
	d := &domain.Delegation{
		ID:               uuid.New().String(),
		PrincipalID:      principalID,
		DelegateID:       strings.TrimSpace(req.DelegateID),
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		RequestTypeScope: req.RequestTypeScope,
		CompanyScope:     req.CompanyScope,
		IsActive:         true,
		Reason:           req.Reason,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if err := validate(d); err != nil {
		return nil, err
	}
	if err := r.store.Save(ctx, d, overlapCheck(d)); err != nil {
		return nil, err
	}

	r.log.Info().
		Str("delegation_id", d.ID).
		Str("principal_id", d.PrincipalID).
		Str("delegate_id", d.DelegateID).
		Time("start_date", d.StartDate).
		Time("end_date", d.EndDate).
		Msg("Delegation created")
	return d, nil
}

// Update applies req to delegation id. When requestedBy is set it must be the
// principal.
func (r *Registry) Update(ctx context.Context, id, requestedBy string, req UpdateRequest) (*domain.Delegation, error) {
	d, err := r.owned(ctx, id, requestedBy)
	if err != nil {
		return nil, err
	}
	if req.StartDate != nil {
		d.StartDate = *req.StartDate
	}
	if req.EndDate != nil {
		d.EndDate = *req.EndDate
	}
	if req.RequestTypeScope != nil {
		d.RequestTypeScope = *req.RequestTypeScope
	}
	if req.CompanyScope != nil {
		d.CompanyScope = *req.CompanyScope
	}
	if req.IsActive != nil {
		d.IsActive = *req.IsActive
	}
	if req.Reason != nil {
		d.Reason = *req.Reason
	}
	d.UpdatedAt = r.now().UTC()

	if err := validate(d); err != nil {
		return nil, err
	}
	if err := r.store.Save(ctx, d, overlapCheck(d)); err != nil {
		return nil, err
	}
	r.log.Info().Str("delegation_id", d.ID).Bool("is_active", d.IsActive).Msg("Delegation updated")
	return d, nil
}

// Revoke deactivates delegation id.
func (r *Registry) Revoke(ctx context.Context, id, requestedBy string) error {
	d, err := r.owned(ctx, id, requestedBy)
	if err != nil {
		return err
	}
	if !d.IsActive {
		return nil
	}
	d.IsActive = false
	d.UpdatedAt = r.now().UTC()
	if err := r.store.Save(ctx, d, nil); err != nil {
		return err
	}
	r.log.Info().Str("delegation_id", d.ID).Str("principal_id", d.PrincipalID).Msg("Delegation revoked")
	return nil
}

// Get returns one delegation.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Delegation, error) {
	return r.store.Get(ctx, id)
}

// ListByPrincipal returns every delegation granted by principalID.
func (r *Registry) ListByPrincipal(ctx context.Context, principalID string) ([]*domain.Delegation, error) {
	return r.store.ListByPrincipal(ctx, principalID)
}

// FindActiveDelegate returns the delegate currently acting for principalID
// for the given request type and company. ok is false when there is none.
func (r *Registry) FindActiveDelegate(ctx context.Context, principalID string, now time.Time, requestType, companyID string) (delegateID string, ok bool, err error) {
	list, err := r.store.ListByPrincipal(ctx, principalID)
	if err != nil {
		return "", false, err
	}
	active := filterActive(list, now, requestType, companyID)
	if len(active) == 0 {
		return "", false, nil
	}
	return active[0].DelegateID, true, nil
}

// IsAuthorized reports whether actorID may decide for assignedID: either they
// are the same person or actorID is assignedID's active delegate in scope.
// Delegation is single-hop; a delegate's own delegate is not authorized.
func (r *Registry) IsAuthorized(ctx context.Context, assignedID, actorID, requestType, companyID string, now time.Time) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	if actorID == assignedID {
		return true, nil
	}
	delegateID, ok, err := r.FindActiveDelegate(ctx, assignedID, now, requestType, companyID)
	if err != nil {
		return false, err
	}
	return ok && delegateID == actorID, nil
}

// ActiveFor returns delegations currently naming delegateID, regardless of
// scope. Callers apply the scope per request.
func (r *Registry) ActiveFor(ctx context.Context, delegateID string, now time.Time) ([]*domain.Delegation, error) {
	list, err := r.store.ListByDelegate(ctx, delegateID)
	if err != nil {
		return nil, err
	}
	var out []*domain.Delegation
	for _, d := range list {
		if d.IsActive && d.CoversTime(now) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *Registry) owned(ctx context.Context, id, requestedBy string) (*domain.Delegation, error) {
	d, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if requestedBy != "" && requestedBy != d.PrincipalID {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only the principal can change a delegation")
	}
	return d, nil
}

func validate(d *domain.Delegation) error {
	if d.PrincipalID == "" {
		return errors.InvalidInput("principal_id", "is required")
	}
	if d.DelegateID == "" {
		return errors.InvalidInput("delegate_id", "is required")
	}
	if d.PrincipalID == d.DelegateID {
		return errors.InvalidInput("delegate_id", "cannot delegate to yourself")
	}
	if d.StartDate.IsZero() || d.EndDate.IsZero() {
		return errors.InvalidInput("start_date", "start_date and end_date are required")
	}
	if d.EndDate.Before(d.StartDate) {
		return errors.InvalidInput("end_date", "must not be before start_date")
	}
	return nil
}

// overlapCheck rejects d when it is active and shares a day with another
// active delegation of the same principal.
func overlapCheck(d *domain.Delegation) func([]*domain.Delegation) error {
	return func(existing []*domain.Delegation) error {
		if !d.IsActive {
			return nil
		}
		for _, other := range existing {
			if other.ID == d.ID || !other.IsActive {
				continue
			}
			if d.Overlaps(other) {
				return errors.Newf(errors.ErrCodeDelegationOverlap,
					"principal %s already has delegation %s active in an overlapping window", d.PrincipalID, other.ID)
			}
		}
		return nil
	}
}

// filterActive keeps delegations active at now and in scope, earliest start
// first.
func filterActive(list []*domain.Delegation, now time.Time, requestType, companyID string) []*domain.Delegation {
	var out []*domain.Delegation
	for _, d := range list {
		if d.IsActive && d.CoversTime(now) && d.InScope(requestType, companyID) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
