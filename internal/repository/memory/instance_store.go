package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// InstanceStore keeps instance states in memory. Each instance has its own
// mutex; Update works on a clone and swaps it in only on success.
type InstanceStore struct {
	mu     sync.Mutex
	states map[string]*domain.InstanceState
	locks  map[string]*sync.Mutex
	active map[string]string // request key -> non-terminal instance id
}

func NewInstanceStore() *InstanceStore {
	return &InstanceStore{
		states: make(map[string]*domain.InstanceState),
		locks:  make(map[string]*sync.Mutex),
		active: make(map[string]string),
	}
}

func requestKey(inst *domain.Instance) string {
	return inst.RequestType + "|" + inst.RequestRef.String()
}

func (s *InstanceStore) CreateInstance(_ context.Context, st *domain.InstanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := requestKey(&st.Instance)
	if id, ok := s.active[key]; ok {
		return errors.Newf(errors.ErrCodeActiveInstanceExists,
			"request %s already has active instance %s", st.Instance.RequestRef, id)
	}
	s.states[st.Instance.ID] = st.Clone()
	s.locks[st.Instance.ID] = &sync.Mutex{}
	if !st.Instance.Status.Terminal() {
		s.active[key] = st.Instance.ID
	}
	return nil
}

func (s *InstanceStore) Update(_ context.Context, id string, fn func(*domain.InstanceState) error) (*domain.InstanceState, error) {
	s.mu.Lock()
	lock, ok := s.locks[id]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInstanceNotFound, "instance %s not found", id)
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	working := s.states[id].Clone()
	s.mu.Unlock()

	if err := fn(working); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.states[id] = working
	if working.Instance.Status.Terminal() {
		key := requestKey(&working.Instance)
		if s.active[key] == id {
			delete(s.active, key)
		}
	}
	s.mu.Unlock()
	return working.Clone(), nil
}

func (s *InstanceStore) GetInstance(_ context.Context, id string) (*domain.InstanceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInstanceNotFound, "instance %s not found", id)
	}
	return st.Clone(), nil
}

func (s *InstanceStore) ListOpenRecordsFor(_ context.Context, approverIDs []string) ([]domain.PendingItem, error) {
	want := make(map[string]bool, len(approverIDs))
	for _, id := range approverIDs {
		want[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PendingItem
	for _, st := range s.states {
		if st.Instance.Status.Terminal() {
			continue
		}
		for _, rec := range st.Records {
			if rec.Status != domain.RecordPending || !assignedToAny(rec, want) {
				continue
			}
			cp := st.Clone().Record(rec.ID)
			out = append(out, domain.PendingItem{
				Record:      *cp,
				InstanceID:  st.Instance.ID,
				RequestType: st.Instance.RequestType,
				RequestRef:  st.Instance.RequestRef,
				ApplicantID: st.Instance.ApplicantID,
				CompanyID:   st.Instance.CompanyID,
				SubmittedAt: st.Instance.SubmittedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.ID < out[j].Record.ID })
	return out, nil
}

func assignedToAny(rec *domain.ApprovalRecord, ids map[string]bool) bool {
	for _, a := range rec.AssignedApproverIDs {
		if ids[a] {
			return true
		}
	}
	return false
}
