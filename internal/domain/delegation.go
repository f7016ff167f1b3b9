package domain

import "time"

// Delegation transfers approval authority from a principal to a delegate for
// an inclusive window of calendar days. Empty scopes are unrestricted.
type Delegation struct {
	ID               string    `json:"id"`
	PrincipalID      string    `json:"principal_id"`
	DelegateID       string    `json:"delegate_id"`
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	RequestTypeScope []string  `json:"request_type_scope,omitempty"`
	CompanyScope     []string  `json:"company_scope,omitempty"`
	IsActive         bool      `json:"is_active"`
	Reason           string    `json:"reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CoversTime reports whether t falls on a day from StartDate to EndDate. The
// whole end day is covered whatever time of day EndDate carries.
func (d *Delegation) CoversTime(t time.Time) bool {
	from, until := d.window()
	return !t.Before(from) && t.Before(until)
}

// Overlaps reports whether both windows share at least one day.
func (d *Delegation) Overlaps(other *Delegation) bool {
	from, until := d.window()
	otherFrom, otherUntil := other.window()
	return from.Before(otherUntil) && otherFrom.Before(until)
}

// window returns [start of StartDate's day, start of the day after EndDate).
func (d *Delegation) window() (time.Time, time.Time) {
	return startOfDay(d.StartDate), startOfDay(d.EndDate).AddDate(0, 0, 1)
}

func startOfDay(t time.Time) time.Time {
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, t.Location())
}

// InScope reports whether the request type and company pass the filters.
// An empty argument only matches an unrestricted scope.
func (d *Delegation) InScope(requestType, companyID string) bool {
	return scopeMatches(d.RequestTypeScope, requestType) && scopeMatches(d.CompanyScope, companyID)
}

func scopeMatches(scope []string, value string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == value {
			return true
		}
	}
	return false
}
