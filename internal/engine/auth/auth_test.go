package auth_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/domain"
	"taskhub/internal/engine/auth"
)

func principal(id string, role domain.Role) *domain.User {
	return &domain.User{ID: id, Role: role, IsActive: true}
}

func task(id, assignee string) domain.Task {
	t := domain.Task{ID: id, Status: domain.StatusNotStarted}
	if assignee != "" {
		t.AssignedTo = &assignee
	}
	return t
}

func TestCapabilityTable(t *testing.T) {
	type row struct {
		action   auth.Action
		admin    bool
		manager  bool
		employee bool
	}
	rows := []row{
		{auth.ViewEmployees, true, true, false},
		{auth.ManageEmployees, true, true, false},
		{auth.ViewKPIs, true, false, false},
		{auth.ManageKPIs, true, false, false},
		{auth.ViewTasks, true, true, true},
		{auth.CreateTask, true, true, false},
		{auth.EditTaskDetails, true, true, false},
		{auth.UpdateTaskProgress, true, true, true},
		{auth.DeleteTask, true, true, false},
		{auth.ViewAudit, true, false, false},
	}
	for _, r := range rows {
		t.Run(string(r.action), func(t *testing.T) {
			assert.Equal(t, r.admin, auth.Authorize(principal("a", domain.RoleAdmin), r.action) == nil)
			assert.Equal(t, r.manager, auth.Authorize(principal("m", domain.RoleManager), r.action) == nil)
			assert.Equal(t, r.employee, auth.Authorize(principal("e", domain.RoleEmployee), r.action) == nil)
		})
	}
}

func TestNilPrincipalDeniedEverything(t *testing.T) {
	for _, action := range []auth.Action{auth.ViewTasks, auth.UpdateTaskProgress, auth.ViewEmployees, auth.ManageKPIs} {
		err := auth.Authorize(nil, action)
		var fe auth.ForbiddenError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, action, fe.Action)
	}
	assert.False(t, auth.CanReadTask(nil, task("t1", "u1")))
}

func TestDeactivatedPrincipalDenied(t *testing.T) {
	p := principal("a", domain.RoleAdmin)
	p.IsActive = false
	assert.Error(t, auth.Authorize(p, auth.ViewTasks))
}

func TestCanReadTask(t *testing.T) {
	tasks := []domain.Task{task("t1", "u1"), task("t2", "u2"), task("t3", "")}
	emp := principal("u1", domain.RoleEmployee)
	for _, tk := range tasks {
		assigned := tk.AssignedTo != nil && *tk.AssignedTo == emp.ID
		assert.Equal(t, assigned, auth.CanReadTask(emp, tk), tk.ID)
	}
	for _, role := range []domain.Role{domain.RoleAdmin, domain.RoleManager} {
		p := principal("x", role)
		for _, tk := range tasks {
			assert.True(t, auth.CanReadTask(p, tk))
		}
	}
}

func TestFilterTasksScenario(t *testing.T) {
	tasks := []domain.Task{task("t1", "u1"), task("t2", "u2")}
	visible := auth.FilterTasks(principal("u1", domain.RoleEmployee), tasks)
	require.Len(t, visible, 1)
	assert.Equal(t, "t1", visible[0].ID)

	assert.Len(t, auth.FilterTasks(principal("m1", domain.RoleManager), tasks), 2)
	assert.True(t, auth.RestrictsToAssigned(principal("u1", domain.RoleEmployee)))
	assert.False(t, auth.RestrictsToAssigned(principal("a1", domain.RoleAdmin)))
}

func TestEmployeeProgressOnlyOnOwnTasks(t *testing.T) {
	emp := principal("u1", domain.RoleEmployee)
	assert.NoError(t, auth.AuthorizeTask(emp, auth.UpdateTaskProgress, task("t1", "u1")))
	err := auth.AuthorizeTask(emp, auth.UpdateTaskProgress, task("t2", "u2"))
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Error(t, auth.AuthorizeTask(emp, auth.EditTaskDetails, task("t1", "u1")))
	assert.Error(t, auth.AuthorizeTask(emp, auth.DeleteTask, task("t1", "u1")))
}

func TestRoleGrants(t *testing.T) {
	mgr := principal("m", domain.RoleManager)
	admin := principal("a", domain.RoleAdmin)
	assert.Error(t, auth.AuthorizeRoleGrant(mgr, domain.RoleAdmin))
	assert.NoError(t, auth.AuthorizeRoleGrant(mgr, domain.RoleManager))
	assert.NoError(t, auth.AuthorizeRoleGrant(admin, domain.RoleAdmin))
	assert.Error(t, auth.AuthorizeRoleGrant(principal("e", domain.RoleEmployee), domain.RoleEmployee))
	assert.ElementsMatch(t, []domain.Role{domain.RoleEmployee, domain.RoleManager}, auth.GrantableRoles(mgr))
	assert.Nil(t, auth.GrantableRoles(principal("e", domain.RoleEmployee)))
}

func TestEmployeeChange(t *testing.T) {
	mgr := principal("m", domain.RoleManager)
	admin := principal("a", domain.RoleAdmin)
	target := domain.User{ID: "e1", Role: domain.RoleEmployee, IsActive: true}
	adminTarget := domain.User{ID: "a2", Role: domain.RoleAdmin, IsActive: true}
	toAdmin := domain.RoleAdmin
	toManager := domain.RoleManager

	assert.NoError(t, auth.AuthorizeEmployeeChange(mgr, target, nil))
	assert.NoError(t, auth.AuthorizeEmployeeChange(mgr, target, &toManager))
	assert.Error(t, auth.AuthorizeEmployeeChange(mgr, target, &toAdmin))
	assert.Error(t, auth.AuthorizeEmployeeChange(mgr, adminTarget, nil))
	assert.NoError(t, auth.AuthorizeEmployeeChange(admin, target, &toAdmin))
	assert.Error(t, auth.AuthorizeEmployeeChange(admin, *admin, &toManager))
	assert.NoError(t, auth.AuthorizeEmployeeChange(admin, *admin, &toAdmin))
}

func TestVisibleSections(t *testing.T) {
	assert.Equal(t, []domain.Section{domain.SectionDashboard, domain.SectionEmployees, domain.SectionTasks, domain.SectionSettings},
		auth.VisibleSections(domain.RoleAdmin))
	assert.Equal(t, []domain.Section{domain.SectionDashboard, domain.SectionEmployees, domain.SectionTasks},
		auth.VisibleSections(domain.RoleManager))
	assert.Equal(t, []domain.Section{domain.SectionDashboard, domain.SectionTasks},
		auth.VisibleSections(domain.RoleEmployee))
	assert.Empty(t, auth.VisibleSections("intern"))
}
