// Package memory provides in-process implementations of every store. They
// back the memory storage driver and the test suites.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
)

// OrgDirectory is an in-memory organisational snapshot.
type OrgDirectory struct {
	mu          sync.RWMutex
	assignments map[string]map[string]domain.Assignment // company -> employee
}

func NewOrgDirectory() *OrgDirectory {
	return &OrgDirectory{assignments: make(map[string]map[string]domain.Assignment)}
}

// Put adds or replaces an employee's assignment in a company.
func (d *OrgDirectory) Put(a domain.Assignment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	company, ok := d.assignments[a.CompanyID]
	if !ok {
		company = make(map[string]domain.Assignment)
		d.assignments[a.CompanyID] = company
	}
	company[a.EmployeeID] = a
}

func (d *OrgDirectory) GetActiveAssignment(_ context.Context, employeeID, companyID string) (*domain.Assignment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.assignments[companyID][employeeID]
	if !ok || !a.IsActive {
		return nil, nil
	}
	return &a, nil
}

func (d *OrgDirectory) ListAssignments(_ context.Context, companyID string, filter domain.AssignmentFilter) ([]domain.Assignment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []domain.Assignment
	for _, a := range d.assignments[companyID] {
		if filter.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out, nil
}
