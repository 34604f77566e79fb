package engine

import (
	"context"
	"errors"
	"sort"
	"strings"

	"taskhub/internal/domain"
	"taskhub/internal/engine/auth"
	"taskhub/internal/events"
	"taskhub/internal/identity"
	"taskhub/internal/store"
)

// staffRoles are the roles listed on the employees screen and offered as assignees.
var staffRoles = []domain.Role{domain.RoleEmployee, domain.RoleManager}

type EmployeeFilter struct {
	Role       domain.Role
	ActiveOnly bool
}

// ListEmployees returns employees and managers ordered by name.
func (e Engine) ListEmployees(ctx context.Context, p *domain.User, f EmployeeFilter) ([]domain.User, error) {
	if err := auth.Authorize(p, auth.ViewEmployees); err != nil {
		return nil, err
	}
	if f.Role != "" && !f.Role.Valid() {
		return nil, invalid("role", "unknown role %q", f.Role)
	}
	q := store.Where(store.In("role", staffRoles...))
	if f.Role != "" {
		q = store.Where(store.Eq("role", f.Role))
	}
	if f.ActiveOnly {
		q = q.And(store.Eq("is_active", true))
	}
	return e.selectUsers(ctx, q.OrderBy("full_name", store.Asc))
}

// AssignableUsers lists active employees and managers a task may be assigned to.
func (e Engine) AssignableUsers(ctx context.Context, p *domain.User) ([]domain.User, error) {
	if err := auth.Authorize(p, auth.CreateTask); err != nil {
		return nil, err
	}
	q := store.Where(store.In("role", staffRoles...), store.Eq("is_active", true))
	return e.selectUsers(ctx, q.OrderBy("full_name", store.Asc))
}

func (e Engine) selectUsers(ctx context.Context, q store.Query) ([]domain.User, error) {
	recs, err := e.Store.Select(ctx, store.Users, q)
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[domain.User](recs)
}

func (e Engine) loadUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	rec, err := store.First(ctx, e.Store, store.Users, "id", id)
	if err != nil {
		return u, err
	}
	err = store.Decode(rec, &u)
	return u, err
}

func (e Engine) GetEmployee(ctx context.Context, p *domain.User, id string) (domain.User, error) {
	if err := auth.Authorize(p, auth.ViewEmployees); err != nil {
		return domain.User{}, err
	}
	return e.loadUser(ctx, id)
}

type EmployeeCreateOptions struct {
	Email      string
	Password   string
	FullName   string
	Role       domain.Role
	Department *string
}

// CreatedEmployee carries the temporary password, if one was generated. It is
// never stored in clear and is only returned here.
type CreatedEmployee struct {
	User              domain.User `json:"user"`
	TemporaryPassword string      `json:"temporary_password,omitempty"`
}

// CreateEmployee registers an identity and its profile. Granting a role the
// principal may not grant fails before the store is touched.
func (e Engine) CreateEmployee(ctx context.Context, p *domain.User, opts EmployeeCreateOptions) (CreatedEmployee, error) {
	if opts.Role == "" {
		opts.Role = domain.RoleEmployee
	}
	if !opts.Role.Valid() {
		return CreatedEmployee{}, invalid("role", "unknown role %q", opts.Role)
	}
	if err := auth.AuthorizeRoleGrant(p, opts.Role); err != nil {
		return CreatedEmployee{}, err
	}
	if strings.TrimSpace(opts.Email) == "" {
		return CreatedEmployee{}, invalid("email", "is required")
	}
	if strings.TrimSpace(opts.FullName) == "" {
		return CreatedEmployee{}, invalid("full_name", "is required")
	}
	if e.Identity == nil {
		return CreatedEmployee{}, errors.New("identity provider not configured")
	}
	out := CreatedEmployee{}
	password := opts.Password
	if password == "" {
		generated, err := identity.GeneratePassword()
		if err != nil {
			return CreatedEmployee{}, err
		}
		password = generated
		out.TemporaryPassword = generated
	}
	u, err := e.Identity.SignUp(ctx, opts.Email, password, identity.Attributes{
		FullName:   strings.TrimSpace(opts.FullName),
		Role:       opts.Role,
		Department: opts.Department,
	})
	if err != nil {
		return CreatedEmployee{}, err
	}
	out.User = u
	e.record(ctx, "employee.created", "user", u.ID, p, events.EventPayload{"role": u.Role})
	return out, nil
}

type EmployeeUpdateOptions struct {
	FullName   *string
	Role       *domain.Role
	Department *string
	AvatarURL  *string
	IsActive   *bool
}

func (o EmployeeUpdateOptions) empty() bool {
	return o.FullName == nil && o.Role == nil && o.Department == nil && o.AvatarURL == nil && o.IsActive == nil
}

func (e Engine) UpdateEmployee(ctx context.Context, p *domain.User, id string, opts EmployeeUpdateOptions) (domain.User, error) {
	if err := auth.Authorize(p, auth.ManageEmployees); err != nil {
		return domain.User{}, err
	}
	if opts.Role != nil {
		if !opts.Role.Valid() {
			return domain.User{}, invalid("role", "unknown role %q", *opts.Role)
		}
		if err := auth.AuthorizeRoleGrant(p, *opts.Role); err != nil {
			return domain.User{}, err
		}
	}
	if opts.FullName != nil && strings.TrimSpace(*opts.FullName) == "" {
		return domain.User{}, invalid("full_name", "cannot be empty")
	}
	if opts.IsActive != nil && !*opts.IsActive && id == p.ID {
		return domain.User{}, auth.ForbiddenError{Action: auth.ManageEmployees, Reason: "cannot deactivate your own account"}
	}
	target, err := e.loadUser(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	if err := auth.AuthorizeEmployeeChange(p, target, opts.Role); err != nil {
		return domain.User{}, err
	}
	if opts.empty() {
		return target, nil
	}
	patch := store.Record{}
	if opts.FullName != nil {
		patch["full_name"] = strings.TrimSpace(*opts.FullName)
	}
	if opts.Role != nil {
		patch["role"] = *opts.Role
	}
	if opts.Department != nil {
		patch["department"] = optional(opts.Department)
	}
	if opts.AvatarURL != nil {
		patch["avatar_url"] = optional(opts.AvatarURL)
	}
	if opts.IsActive != nil {
		patch["is_active"] = *opts.IsActive
	}
	patch["updated_at"] = store.Stamp
	rec, err := e.Store.Update(ctx, store.Users, id, patch)
	if err != nil {
		return domain.User{}, err
	}
	var u domain.User
	if err := store.Decode(rec, &u); err != nil {
		return domain.User{}, err
	}
	payload := events.EventPayload{"fields": keys(patch)}
	if u.Role != target.Role {
		payload["from_role"] = target.Role
		payload["to_role"] = u.Role
	}
	e.record(ctx, "employee.updated", "user", u.ID, p, payload)
	return u, nil
}

// DeactivateEmployee flips is_active to false. The record and its task
// history stay in place.
func (e Engine) DeactivateEmployee(ctx context.Context, p *domain.User, id string) (domain.User, error) {
	if err := auth.Authorize(p, auth.ManageEmployees); err != nil {
		return domain.User{}, err
	}
	if id == p.ID {
		return domain.User{}, auth.ForbiddenError{Action: auth.ManageEmployees, Reason: "cannot deactivate your own account"}
	}
	target, err := e.loadUser(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	if err := auth.AuthorizeEmployeeChange(p, target, nil); err != nil {
		return domain.User{}, err
	}
	if !target.IsActive {
		return target, nil
	}
	rec, err := e.Store.Update(ctx, store.Users, id, store.Record{"is_active": false})
	if err != nil {
		return domain.User{}, err
	}
	var u domain.User
	if err := store.Decode(rec, &u); err != nil {
		return domain.User{}, err
	}
	e.record(ctx, "employee.deactivated", "user", u.ID, p, nil)
	return u, nil
}

// EmployeeStats recomputes the task aggregate for one user.
func (e Engine) EmployeeStats(ctx context.Context, p *domain.User, id string) (domain.EmployeeStats, error) {
	if err := auth.Authorize(p, auth.ViewEmployees); err != nil {
		return domain.EmployeeStats{}, err
	}
	if _, err := e.loadUser(ctx, id); err != nil {
		return domain.EmployeeStats{}, err
	}
	assigned := store.Where(store.Eq("assigned_to", id))
	total, err := store.Count(ctx, e.Store, store.Tasks, assigned)
	if err != nil {
		return domain.EmployeeStats{}, err
	}
	done, err := store.Count(ctx, e.Store, store.Tasks, assigned.And(store.Eq("status", domain.StatusCompleted)))
	if err != nil {
		return domain.EmployeeStats{}, err
	}
	return domain.EmployeeStats{
		UserID:             id,
		TotalTasksAssigned: total,
		TasksCompleted:     done,
		CompletionRate:     completionRate(done, total),
	}, nil
}

func keys(r store.Record) []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
