package domain

// Assignment is an employee's placement in a company's organisation.
type Assignment struct {
	EmployeeID    string `json:"employee_id"`
	CompanyID     string `json:"company_id"`
	DepartmentID  string `json:"department_id"`
	PositionID    string `json:"position_id"`
	PositionLevel int    `json:"position_level"`
	RoleID        string `json:"role_id"`
	SupervisorID  string `json:"supervisor_id,omitempty"`
	IsActive      bool   `json:"is_active"`
}

// AssignmentFilter narrows ListAssignments. Zero values do not filter.
type AssignmentFilter struct {
	DepartmentID string
	PositionID   string
	RoleID       string
	MinLevel     int
}

// Matches reports whether a passes the filter. Inactive assignments never match.
func (f AssignmentFilter) Matches(a Assignment) bool {
	if !a.IsActive {
		return false
	}
	if f.DepartmentID != "" && a.DepartmentID != f.DepartmentID {
		return false
	}
	if f.PositionID != "" && a.PositionID != f.PositionID {
		return false
	}
	if f.RoleID != "" && a.RoleID != f.RoleID {
		return false
	}
	if f.MinLevel > 0 && a.PositionLevel < f.MinLevel {
		return false
	}
	return true
}
