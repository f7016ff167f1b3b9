package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// DefinitionStore keeps every version of every definition. Definitions are
// copied on the way in and out, so callers never share graph slices with it.
type DefinitionStore struct {
	mu       sync.RWMutex
	versions map[string][]*domain.WorkflowDefinition // ascending by version
}

func NewDefinitionStore() *DefinitionStore {
	return &DefinitionStore{versions: make(map[string][]*domain.WorkflowDefinition)}
}

func (s *DefinitionStore) CreateDefinition(_ context.Context, def *domain.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.versions[def.ID]; exists {
		return errors.Newf(errors.ErrCodeConflict, "definition %q already exists", def.ID)
	}
	s.versions[def.ID] = []*domain.WorkflowDefinition{copyDefinition(def)}
	return nil
}

func (s *DefinitionStore) AddVersion(_ context.Context, def *domain.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.versions[def.ID]
	if !ok {
		return errors.NotFound("definition", def.ID)
	}
	def.Version = list[len(list)-1].Version + 1
	s.versions[def.ID] = append(list, copyDefinition(def))
	return nil
}

func (s *DefinitionStore) GetDefinition(_ context.Context, id string, version int) (*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.versions[id]
	if !ok {
		return nil, errors.NotFound("definition", id)
	}
	if version == 0 {
		return copyDefinition(list[len(list)-1]), nil
	}
	for _, def := range list {
		if def.Version == version {
			return copyDefinition(def), nil
		}
	}
	return nil, errors.NotFound("definition version", id)
}

func (s *DefinitionStore) ListLatest(_ context.Context, companyID string) ([]*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.WorkflowDefinition
	for _, list := range s.versions {
		latest := list[len(list)-1]
		if latest.CompanyID == "" || latest.CompanyID == companyID {
			out = append(out, copyDefinition(latest))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyDefinition(def *domain.WorkflowDefinition) *domain.WorkflowDefinition {
	cp := *def
	if def.EffectiveFrom != nil {
		t := *def.EffectiveFrom
		cp.EffectiveFrom = &t
	}
	if def.EffectiveTo != nil {
		t := *def.EffectiveTo
		cp.EffectiveTo = &t
	}

	cp.Nodes = append([]domain.Node(nil), def.Nodes...)
	for i := range cp.Nodes {
		if a := cp.Nodes[i].Approver; a != nil {
			spec := *a
			cp.Nodes[i].Approver = &spec
		}
	}

	cp.Edges = append([]domain.Edge(nil), def.Edges...)
	for i := range cp.Edges {
		if c := cp.Edges[i].Condition; c != nil {
			cond := *c
			cond.Value.List = append([]string(nil), c.Value.List...)
			cp.Edges[i].Condition = &cond
		}
	}
	return &cp
}
