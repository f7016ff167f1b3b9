package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// DelegationStore keeps delegations in memory. Saves are serialised by a
// single mutex, which also serialises them per principal.
type DelegationStore struct {
	mu   sync.Mutex
	byID map[string]domain.Delegation
}

func NewDelegationStore() *DelegationStore {
	return &DelegationStore{byID: make(map[string]domain.Delegation)}
}

func (s *DelegationStore) Save(_ context.Context, d *domain.Delegation, check func([]*domain.Delegation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if check != nil {
		if err := check(s.filter(func(x domain.Delegation) bool { return x.PrincipalID == d.PrincipalID })); err != nil {
			return err
		}
	}
	s.byID[d.ID] = copyDelegation(*d)
	return nil
}

func (s *DelegationStore) Get(_ context.Context, id string) (*domain.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, errors.NotFound("delegation", id)
	}
	out := copyDelegation(d)
	return &out, nil
}

func (s *DelegationStore) ListByPrincipal(_ context.Context, principalID string) ([]*domain.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(d domain.Delegation) bool { return d.PrincipalID == principalID }), nil
}

func (s *DelegationStore) ListByDelegate(_ context.Context, delegateID string) ([]*domain.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter(func(d domain.Delegation) bool { return d.DelegateID == delegateID }), nil
}

// filter must be called with s.mu held.
func (s *DelegationStore) filter(keep func(domain.Delegation) bool) []*domain.Delegation {
	out := []*domain.Delegation{}
	for _, d := range s.byID {
		if keep(d) {
			cp := copyDelegation(d)
			out = append(out, &cp)
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

func copyDelegation(d domain.Delegation) domain.Delegation {
	d.RequestTypeScope = append([]string(nil), d.RequestTypeScope...)
	d.CompanyScope = append([]string(nil), d.CompanyScope...)
	return d
}
