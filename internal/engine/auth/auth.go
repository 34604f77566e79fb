// Package auth decides what a principal may do. Every check is local and
// synchronous; callers run it before touching the store.
package auth

import (
	"fmt"

	"taskhub/internal/domain"
)

type Action string

const (
	ViewEmployees      Action = "employee.read"
	ManageEmployees    Action = "employee.write"
	ViewKPIs           Action = "kpi.read"
	ManageKPIs         Action = "kpi.write"
	ViewTasks          Action = "task.read"
	CreateTask         Action = "task.create"
	EditTaskDetails    Action = "task.update"
	UpdateTaskProgress Action = "task.progress"
	DeleteTask         Action = "task.delete"
	ViewAudit          Action = "audit.read"
)

// ForbiddenError indicates a denied action. It is raised before any store call.
type ForbiddenError struct {
	Action Action
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s forbidden: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("%s forbidden", e.Action)
}

// scope says how far a granted action reaches.
type scope int

const (
	none scope = iota
	assignedOnly
	all
)

var capabilities = map[domain.Role]map[Action]scope{
	domain.RoleAdmin: {
		ViewEmployees:      all,
		ManageEmployees:    all,
		ViewKPIs:           all,
		ManageKPIs:         all,
		ViewTasks:          all,
		CreateTask:         all,
		EditTaskDetails:    all,
		UpdateTaskProgress: all,
		DeleteTask:         all,
		ViewAudit:          all,
	},
	domain.RoleManager: {
		ViewEmployees:      all,
		ManageEmployees:    all,
		ViewTasks:          all,
		CreateTask:         all,
		EditTaskDetails:    all,
		UpdateTaskProgress: all,
		DeleteTask:         all,
	},
	domain.RoleEmployee: {
		ViewTasks:          assignedOnly,
		UpdateTaskProgress: assignedOnly,
	},
}

// grantable lists the roles each role may assign to others.
var grantable = map[domain.Role][]domain.Role{
	domain.RoleAdmin:   {domain.RoleEmployee, domain.RoleManager, domain.RoleAdmin},
	domain.RoleManager: {domain.RoleEmployee, domain.RoleManager},
}

var sections = map[domain.Role][]domain.Section{
	domain.RoleAdmin:    {domain.SectionDashboard, domain.SectionEmployees, domain.SectionTasks, domain.SectionSettings},
	domain.RoleManager:  {domain.SectionDashboard, domain.SectionEmployees, domain.SectionTasks},
	domain.RoleEmployee: {domain.SectionDashboard, domain.SectionTasks},
}

func scopeOf(p *domain.User, action Action) scope {
	if p == nil || !p.IsActive {
		return none
	}
	return capabilities[p.Role][action]
}

// Authorize checks an action that does not target a specific task.
// Scoped grants count as permitted; the caller narrows the result.
func Authorize(p *domain.User, action Action) error {
	if p == nil {
		return ForbiddenError{Action: action, Reason: "not authenticated"}
	}
	if !p.IsActive {
		return ForbiddenError{Action: action, Reason: "account is deactivated"}
	}
	if scopeOf(p, action) == none {
		return ForbiddenError{Action: action, Reason: fmt.Sprintf("role %s", p.Role)}
	}
	return nil
}

// AuthorizeTask checks an action against one task.
func AuthorizeTask(p *domain.User, action Action, t domain.Task) error {
	if err := Authorize(p, action); err != nil {
		return err
	}
	if scopeOf(p, action) == assignedOnly && !assignedTo(t, p.ID) {
		return ForbiddenError{Action: action, Reason: "task is not assigned to you"}
	}
	return nil
}

// RestrictsToAssigned reports whether p only sees tasks assigned to itself.
func RestrictsToAssigned(p *domain.User) bool {
	return scopeOf(p, ViewTasks) == assignedOnly
}

func CanReadTask(p *domain.User, t domain.Task) bool {
	return AuthorizeTask(p, ViewTasks, t) == nil
}

// FilterTasks returns the subset of tasks p may see, preserving order.
func FilterTasks(p *domain.User, tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if CanReadTask(p, t) {
			out = append(out, t)
		}
	}
	return out
}

func assignedTo(t domain.Task, userID string) bool {
	return t.AssignedTo != nil && *t.AssignedTo == userID
}

// GrantableRoles returns the roles p may assign when creating or updating employees.
func GrantableRoles(p *domain.User) []domain.Role {
	if scopeOf(p, ManageEmployees) == none {
		return nil
	}
	return grantable[p.Role]
}

// AuthorizeRoleGrant checks that p may give role to an employee record.
func AuthorizeRoleGrant(p *domain.User, role domain.Role) error {
	if err := Authorize(p, ManageEmployees); err != nil {
		return err
	}
	for _, r := range grantable[p.Role] {
		if r == role {
			return nil
		}
	}
	return ForbiddenError{Action: ManageEmployees, Reason: fmt.Sprintf("role %s cannot grant role %s", p.Role, role)}
}

// AuthorizeEmployeeChange checks that p may modify target. Managers cannot
// touch admin records and nobody changes their own role.
func AuthorizeEmployeeChange(p *domain.User, target domain.User, newRole *domain.Role) error {
	if err := Authorize(p, ManageEmployees); err != nil {
		return err
	}
	if target.Role == domain.RoleAdmin && p.Role != domain.RoleAdmin {
		return ForbiddenError{Action: ManageEmployees, Reason: "only admins can modify admin accounts"}
	}
	if newRole == nil || *newRole == target.Role {
		return nil
	}
	if target.ID == p.ID {
		return ForbiddenError{Action: ManageEmployees, Reason: "cannot change your own role"}
	}
	return AuthorizeRoleGrant(p, *newRole)
}

// VisibleSections maps a role to the application areas it can reach.
func VisibleSections(role domain.Role) []domain.Section {
	return append([]domain.Section(nil), sections[role]...)
}
