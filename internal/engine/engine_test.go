package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"taskhub/internal/db"
	"taskhub/internal/domain"
	"taskhub/internal/engine"
	"taskhub/internal/engine/auth"
	"taskhub/internal/events"
	"taskhub/internal/identity"
	"taskhub/internal/migrate"
	"taskhub/internal/store"
)

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

// countingStore counts every call that reaches the backend.
type countingStore struct {
	store.Store
	calls atomic.Int64
}

func (c *countingStore) Select(ctx context.Context, collection string, q store.Query) ([]store.Record, error) {
	c.calls.Add(1)
	return c.Store.Select(ctx, collection, q)
}

func (c *countingStore) Insert(ctx context.Context, collection string, rec store.Record) (store.Record, error) {
	c.calls.Add(1)
	return c.Store.Insert(ctx, collection, rec)
}

func (c *countingStore) Update(ctx context.Context, collection, id string, patch store.Record) (store.Record, error) {
	c.calls.Add(1)
	return c.Store.Update(ctx, collection, id, patch)
}

func (c *countingStore) Delete(ctx context.Context, collection, id string) error {
	c.calls.Add(1)
	return c.Store.Delete(ctx, collection, id)
}

type testEnv struct {
	Engine engine.Engine
	Store  *countingStore
	Ident  *identity.Local
	Ctx    context.Context
	Admin  *domain.User
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	sql := store.NewSQLStore(conn)
	var mu sync.Mutex
	tick := fixedNow
	sql.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Millisecond)
		return tick
	}
	cs := &countingStore{Store: sql}
	ident, err := identity.NewLocal(cs, identity.LocalConfig{Secret: "test-secret"})
	require.NoError(t, err)
	ident.WithBcryptCost(bcrypt.MinCost)

	eng := engine.New(cs, ident, nil)
	eng.Now = func() time.Time { return fixedNow }
	env := testEnv{Engine: eng, Store: cs, Ident: ident, Ctx: context.Background()}
	env.Admin = env.user(t, "admin@example.com", "Admin", domain.RoleAdmin)
	return env
}

func (env testEnv) user(t *testing.T, email, name string, role domain.Role) *domain.User {
	t.Helper()
	u, err := env.Ident.SignUp(env.Ctx, email, "correct-horse", identity.Attributes{FullName: name, Role: role})
	require.NoError(t, err)
	return &u
}

func (env testEnv) task(t *testing.T, title string, assignee *domain.User) domain.Task {
	t.Helper()
	opts := engine.TaskCreateOptions{Title: title}
	if assignee != nil {
		opts.AssignedTo = &assignee.ID
	}
	tk, err := env.Engine.CreateTask(env.Ctx, env.Admin, opts)
	require.NoError(t, err)
	return tk
}

func requireForbidden(t *testing.T, err error) {
	t.Helper()
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe), "want ForbiddenError, got %v", err)
}

func ptr[T any](v T) *T { return &v }

func TestApplyStatusCompletedAtLaw(t *testing.T) {
	earlier := "2024-01-01T00:00:00Z"
	for _, from := range domain.TaskStatuses {
		for _, to := range domain.TaskStatuses {
			tk := domain.Task{Status: from}
			if from == domain.StatusCompleted {
				tk.CompletedAt = &earlier
			}
			got := engine.ApplyStatus(tk, to, fixedNow)
			assert.Equal(t, to, got.Status)
			switch {
			case to != domain.StatusCompleted:
				assert.Nil(t, got.CompletedAt, "%s -> %s", from, to)
			case from == domain.StatusCompleted:
				require.NotNil(t, got.CompletedAt)
				assert.Equal(t, earlier, *got.CompletedAt)
			default:
				require.NotNil(t, got.CompletedAt)
				assert.Equal(t, fixedNow.Format(time.RFC3339), *got.CompletedAt)
			}
		}
	}
}

func TestStatusScenarioInProgressCompletedOnHold(t *testing.T) {
	env := newTestEnv(t)
	tk, err := env.Engine.CreateTask(env.Ctx, env.Admin, engine.TaskCreateOptions{Title: "Ship it", Status: domain.StatusInProgress})
	require.NoError(t, err)
	assert.Nil(t, tk.CompletedAt)

	tk, err = env.Engine.SetTaskStatus(env.Ctx, env.Admin, tk.ID, domain.StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, tk.CompletedAt)
	assert.Equal(t, fixedNow.Format(time.RFC3339), *tk.CompletedAt)

	tk, err = env.Engine.SetTaskStatus(env.Ctx, env.Admin, tk.ID, domain.StatusOnHold)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnHold, tk.Status)
	assert.Nil(t, tk.CompletedAt)
}

func TestCreateCompletedTaskSetsCompletedAt(t *testing.T) {
	env := newTestEnv(t)
	tk, err := env.Engine.CreateTask(env.Ctx, env.Admin, engine.TaskCreateOptions{Title: "Done already", Status: domain.StatusCompleted})
	require.NoError(t, err)
	require.NotNil(t, tk.CompletedAt)
	assert.Equal(t, domain.PriorityMedium, tk.Priority)
	assert.Equal(t, 0, tk.ProgressPercentage)
	assert.Equal(t, env.Admin.ID, tk.CreatedBy)
}

func TestEmployeeSeesOnlyAssignedTasks(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.user(t, "u1@example.com", "U One", domain.RoleEmployee)
	u2 := env.user(t, "u2@example.com", "U Two", domain.RoleEmployee)
	mgr := env.user(t, "m@example.com", "Manager", domain.RoleManager)
	t1 := env.task(t, "t1", u1)
	t2 := env.task(t, "t2", u2)
	env.task(t, "unassigned", nil)

	visible, err := env.Engine.ListTasks(env.Ctx, u1, engine.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, t1.ID, visible[0].ID)

	got, err := env.Engine.GetTask(env.Ctx, u1, t2.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = env.Engine.GetTask(env.Ctx, u1, t1.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	all, err := env.Engine.ListTasks(env.Ctx, mgr, engine.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "unassigned", all[0].Title, "newest first")

	_, err = env.Engine.ListTasks(env.Ctx, nil, engine.TaskFilter{})
	requireForbidden(t, err)
}

func TestEmployeeProgressOnlyOnOwnTask(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.user(t, "u1@example.com", "U One", domain.RoleEmployee)
	u2 := env.user(t, "u2@example.com", "U Two", domain.RoleEmployee)
	t1 := env.task(t, "t1", u1)
	t2 := env.task(t, "t2", u2)

	tk, err := env.Engine.UpdateTask(env.Ctx, u1, t1.ID, engine.TaskUpdateOptions{
		Status:             ptr(domain.StatusInProgress),
		ProgressPercentage: ptr(40),
		Notes:              ptr("halfway"),
	})
	require.NoError(t, err)
	assert.Equal(t, 40, tk.ProgressPercentage)
	require.NotNil(t, tk.Notes)

	_, err = env.Engine.SetTaskStatus(env.Ctx, u1, t2.ID, domain.StatusCompleted)
	requireForbidden(t, err)

	before := env.Store.calls.Load()
	_, err = env.Engine.UpdateTask(env.Ctx, u1, t1.ID, engine.TaskUpdateOptions{Title: ptr("renamed")})
	requireForbidden(t, err)
	assert.Equal(t, before, env.Store.calls.Load())

	requireForbidden(t, env.Engine.DeleteTask(env.Ctx, u1, t1.ID))
	_, err = env.Engine.CreateTask(env.Ctx, u1, engine.TaskCreateOptions{Title: "mine"})
	requireForbidden(t, err)
}

func TestTaskValidationHappensBeforeStore(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "t1", nil)
	before := env.Store.calls.Load()

	cases := []engine.TaskUpdateOptions{
		{ProgressPercentage: ptr(101)},
		{ProgressPercentage: ptr(-1)},
		{Status: ptr(domain.TaskStatus("done"))},
		{Priority: ptr(domain.Priority("asap"))},
		{DueDate: ptr("10/03/2024")},
		{Title: ptr("  ")},
	}
	for _, opts := range cases {
		_, err := env.Engine.UpdateTask(env.Ctx, env.Admin, tk.ID, opts)
		var ve engine.ValidationError
		require.True(t, errors.As(err, &ve), "got %v", err)
	}
	_, err := env.Engine.CreateTask(env.Ctx, env.Admin, engine.TaskCreateOptions{})
	var ve engine.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "title", ve.Field)
	assert.Equal(t, before, env.Store.calls.Load())
}

func TestAssigneeMustBeActiveUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, env.Admin, engine.TaskCreateOptions{Title: "x", AssignedTo: ptr("nobody")})
	var ve engine.ValidationError
	require.True(t, errors.As(err, &ve))

	gone := env.user(t, "gone@example.com", "Gone", domain.RoleEmployee)
	_, err = env.Engine.DeactivateEmployee(env.Ctx, env.Admin, gone.ID)
	require.NoError(t, err)
	_, err = env.Engine.CreateTask(env.Ctx, env.Admin, engine.TaskCreateOptions{Title: "x", AssignedTo: &gone.ID})
	require.True(t, errors.As(err, &ve))

	tk := env.task(t, "unassign me", env.user(t, "e@example.com", "E", domain.RoleEmployee))
	tk, err = env.Engine.UpdateTask(env.Ctx, env.Admin, tk.ID, engine.TaskUpdateOptions{AssignedTo: ptr("")})
	require.NoError(t, err)
	assert.Nil(t, tk.AssignedTo)
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "t1", nil)
	require.NoError(t, env.Engine.DeleteTask(env.Ctx, env.Admin, tk.ID))
	_, err := env.Engine.GetTask(env.Ctx, env.Admin, tk.ID)
	assert.True(t, engine.IsNotFound(err))
	var se *store.Error
	assert.True(t, errors.As(err, &se))
}

func TestManagerCannotCreateAdminWithoutStoreCall(t *testing.T) {
	env := newTestEnv(t)
	mgr := env.user(t, "m@example.com", "Manager", domain.RoleManager)
	before := env.Store.calls.Load()

	_, err := env.Engine.CreateEmployee(env.Ctx, mgr, engine.EmployeeCreateOptions{
		Email: "boss@example.com", FullName: "Boss", Role: domain.RoleAdmin,
	})
	requireForbidden(t, err)
	assert.Equal(t, before, env.Store.calls.Load())

	_, err = env.Engine.UpdateEmployee(env.Ctx, mgr, mgr.ID, engine.EmployeeUpdateOptions{Role: ptr(domain.RoleAdmin)})
	requireForbidden(t, err)
	assert.Equal(t, before, env.Store.calls.Load())
}

func TestCreateEmployee(t *testing.T) {
	env := newTestEnv(t)
	mgr := env.user(t, "m@example.com", "Manager", domain.RoleManager)

	created, err := env.Engine.CreateEmployee(env.Ctx, mgr, engine.EmployeeCreateOptions{
		Email: "new@example.com", FullName: "New Hire", Department: ptr("Ops"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleEmployee, created.User.Role)
	assert.NotEmpty(t, created.TemporaryPassword)

	_, err = env.Ident.Authenticate(env.Ctx, "new@example.com", created.TemporaryPassword)
	require.NoError(t, err)

	created, err = env.Engine.CreateEmployee(env.Ctx, env.Admin, engine.EmployeeCreateOptions{
		Email: "lead@example.com", Password: "chosen-pass", FullName: "Lead", Role: domain.RoleManager,
	})
	require.NoError(t, err)
	assert.Empty(t, created.TemporaryPassword)
	assert.Equal(t, domain.RoleManager, created.User.Role)

	_, err = env.Engine.CreateEmployee(env.Ctx, env.Admin, engine.EmployeeCreateOptions{
		Email: "lead@example.com", FullName: "Lead again",
	})
	var ae *identity.AuthError
	assert.True(t, errors.As(err, &ae))

	emp := env.user(t, "e@example.com", "E", domain.RoleEmployee)
	_, err = env.Engine.CreateEmployee(env.Ctx, emp, engine.EmployeeCreateOptions{Email: "x@example.com", FullName: "X"})
	requireForbidden(t, err)
}

func TestDeactivateChangesOnlyIsActive(t *testing.T) {
	env := newTestEnv(t)
	emp := env.user(t, "e@example.com", "Eve", domain.RoleEmployee)
	tk := env.task(t, "kept", emp)

	before, err := env.Engine.GetEmployee(env.Ctx, env.Admin, emp.ID)
	require.NoError(t, err)
	require.True(t, before.IsActive)

	after, err := env.Engine.DeactivateEmployee(env.Ctx, env.Admin, emp.ID)
	require.NoError(t, err)
	assert.False(t, after.IsActive)

	expected := before
	expected.IsActive = false
	assert.Equal(t, expected, after)

	still, err := env.Engine.GetTask(env.Ctx, env.Admin, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.Equal(t, emp.ID, *still.AssignedTo)
}

func TestEmployeeManagementRules(t *testing.T) {
	env := newTestEnv(t)
	mgr := env.user(t, "m@example.com", "Manager", domain.RoleManager)
	other := env.user(t, "a2@example.com", "Second Admin", domain.RoleAdmin)
	emp := env.user(t, "e@example.com", "Eve", domain.RoleEmployee)

	_, err := env.Engine.DeactivateEmployee(env.Ctx, mgr, other.ID)
	requireForbidden(t, err)
	_, err = env.Engine.DeactivateEmployee(env.Ctx, env.Admin, env.Admin.ID)
	requireForbidden(t, err)
	_, err = env.Engine.UpdateEmployee(env.Ctx, env.Admin, env.Admin.ID, engine.EmployeeUpdateOptions{Role: ptr(domain.RoleManager)})
	requireForbidden(t, err)

	u, err := env.Engine.UpdateEmployee(env.Ctx, mgr, emp.ID, engine.EmployeeUpdateOptions{
		FullName: ptr("Eve Adams"), Role: ptr(domain.RoleManager), Department: ptr("Sales"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Eve Adams", u.FullName)
	assert.Equal(t, domain.RoleManager, u.Role)
	require.NotNil(t, u.Department)
	assert.Equal(t, "Sales", *u.Department)

	u, err = env.Engine.UpdateEmployee(env.Ctx, mgr, emp.ID, engine.EmployeeUpdateOptions{Department: ptr("")})
	require.NoError(t, err)
	assert.Nil(t, u.Department)

	_, err = env.Engine.ListEmployees(env.Ctx, emp, engine.EmployeeFilter{})
	requireForbidden(t, err)

	_, err = env.Engine.GetEmployee(env.Ctx, env.Admin, "missing")
	assert.True(t, engine.IsNotFound(err))
}

func TestListEmployeesExcludesAdminsAndSortsByName(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "zed@example.com", "Zed", domain.RoleEmployee)
	env.user(t, "amy@example.com", "Amy", domain.RoleManager)
	gone := env.user(t, "bob@example.com", "Bob", domain.RoleEmployee)
	_, err := env.Engine.DeactivateEmployee(env.Ctx, env.Admin, gone.ID)
	require.NoError(t, err)

	list, err := env.Engine.ListEmployees(env.Ctx, env.Admin, engine.EmployeeFilter{})
	require.NoError(t, err)
	var names []string
	for _, u := range list {
		names = append(names, u.FullName)
	}
	assert.Equal(t, []string{"Amy", "Bob", "Zed"}, names)

	active, err := env.Engine.ListEmployees(env.Ctx, env.Admin, engine.EmployeeFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	managers, err := env.Engine.ListEmployees(env.Ctx, env.Admin, engine.EmployeeFilter{Role: domain.RoleManager})
	require.NoError(t, err)
	require.Len(t, managers, 1)
	assert.Equal(t, "Amy", managers[0].FullName)

	assignable, err := env.Engine.AssignableUsers(env.Ctx, env.Admin)
	require.NoError(t, err)
	assert.Len(t, assignable, 2)
}

func TestEmployeeStats(t *testing.T) {
	env := newTestEnv(t)
	emp := env.user(t, "e@example.com", "Eve", domain.RoleEmployee)
	for i := 0; i < 4; i++ {
		tk := env.task(t, "t", emp)
		if i == 0 {
			_, err := env.Engine.SetTaskStatus(env.Ctx, env.Admin, tk.ID, domain.StatusCompleted)
			require.NoError(t, err)
		}
	}
	stats, err := env.Engine.EmployeeStats(env.Ctx, env.Admin, emp.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalTasksAssigned)
	assert.Equal(t, 1, stats.TasksCompleted)
	assert.InDelta(t, 25.0, stats.CompletionRate, 0.001)

	empty := env.user(t, "idle@example.com", "Idle", domain.RoleEmployee)
	stats, err = env.Engine.EmployeeStats(env.Ctx, env.Admin, empty.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.CompletionRate)
}

func TestKPIsAreAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	mgr := env.user(t, "m@example.com", "Manager", domain.RoleManager)

	_, err := env.Engine.ListKPIs(env.Ctx, mgr, engine.KPIFilter{})
	requireForbidden(t, err)
	_, err = env.Engine.CreateKPI(env.Ctx, mgr, engine.KPICreateOptions{MetricName: "sales"})
	requireForbidden(t, err)

	k, err := env.Engine.CreateKPI(env.Ctx, env.Admin, engine.KPICreateOptions{MetricName: "sales", MetricValue: ptr(12.5), MetricDate: "2024-03-01"})
	require.NoError(t, err)
	assert.Equal(t, domain.PeriodDaily, k.Period)
	assert.Equal(t, domain.SourceGoogleSheets, k.DataSource)

	today, err := env.Engine.CreateKPI(env.Ctx, env.Admin, engine.KPICreateOptions{MetricName: "orders", Period: domain.PeriodWeekly})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-10", today.MetricDate)
	assert.Nil(t, today.MetricValue)

	_, err = env.Engine.CreateKPI(env.Ctx, env.Admin, engine.KPICreateOptions{MetricName: "x", DataSource: "excel"})
	var ve engine.ValidationError
	require.True(t, errors.As(err, &ve))

	list, err := env.Engine.ListKPIs(env.Ctx, env.Admin, engine.KPIFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, today.ID, list[0].ID)

	ranged, err := env.Engine.ListKPIs(env.Ctx, env.Admin, engine.KPIFilter{From: "2024-03-01", To: "2024-03-01"})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, k.ID, ranged[0].ID)

	k, err = env.Engine.UpdateKPI(env.Ctx, env.Admin, k.ID, engine.KPIUpdateOptions{ClearValue: true, Period: ptr(domain.PeriodMonthly)})
	require.NoError(t, err)
	assert.Nil(t, k.MetricValue)
	assert.Equal(t, domain.PeriodMonthly, k.Period)

	require.NoError(t, env.Engine.DeleteKPI(env.Ctx, env.Admin, k.ID))
	err = env.Engine.DeleteKPI(env.Ctx, env.Admin, k.ID)
	assert.True(t, engine.IsNotFound(err))
}

func TestDashboardStats(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.user(t, "u1@example.com", "U One", domain.RoleEmployee)
	env.user(t, "u2@example.com", "U Two", domain.RoleEmployee)
	env.user(t, "m@example.com", "Manager", domain.RoleManager)

	t1 := env.task(t, "done", u1)
	_, err := env.Engine.SetTaskStatus(env.Ctx, env.Admin, t1.ID, domain.StatusCompleted)
	require.NoError(t, err)
	_, err = env.Engine.CreateTask(env.Ctx, env.Admin, engine.TaskCreateOptions{Title: "late", AssignedTo: &u1.ID, DueDate: ptr("2024-03-01")})
	require.NoError(t, err)
	_, err = env.Engine.CreateTask(env.Ctx, env.Admin, engine.TaskCreateOptions{Title: "future", DueDate: ptr("2024-04-01")})
	require.NoError(t, err)
	_, err = env.Engine.CreateTask(env.Ctx, env.Admin, engine.TaskCreateOptions{Title: "late but done", Status: domain.StatusCompleted, DueDate: ptr("2024-03-01")})
	require.NoError(t, err)

	stats, err := env.Engine.DashboardStats(env.Ctx, env.Admin)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEmployees)
	assert.Equal(t, 4, stats.TotalTasks)
	assert.Equal(t, 2, stats.CompletedTasks)
	assert.Equal(t, 1, stats.OverdueTasks)
	assert.InDelta(t, 50.0, stats.AverageCompletionRate, 0.001)
	assert.Empty(t, stats.Degraded)

	mine, err := env.Engine.DashboardStats(env.Ctx, u1)
	require.NoError(t, err)
	assert.Equal(t, 2, mine.TotalTasks)
	assert.Equal(t, 1, mine.CompletedTasks)
	assert.Equal(t, 1, mine.OverdueTasks)

	_, err = env.Engine.DashboardStats(env.Ctx, nil)
	requireForbidden(t, err)
}

// failingStore fails selects that match fail.
type failingStore struct {
	store.Store
	fail func(collection string, q store.Query) bool
}

func (f failingStore) Select(ctx context.Context, collection string, q store.Query) ([]store.Record, error) {
	if f.fail(collection, q) {
		return nil, &store.Error{Op: "select", Collection: collection, Err: errors.New("connection reset")}
	}
	return f.Store.Select(ctx, collection, q)
}

func hasCondition(q store.Query, field string) bool {
	for _, c := range q.Conditions {
		if c.Field == field {
			return true
		}
	}
	return false
}

func TestDashboardFailedMetricsFallBackToZero(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.user(t, "u1@example.com", "U One", domain.RoleEmployee)
	for i := 0; i < 3; i++ {
		env.task(t, "t", u1)
	}

	eng := env.Engine
	eng.Store = failingStore{Store: env.Store.Store, fail: func(collection string, q store.Query) bool {
		return collection == store.Users || hasCondition(q, "status")
	}}
	stats, err := eng.DashboardStats(env.Ctx, env.Admin)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEmployees)
	assert.Equal(t, 3, stats.TotalTasks)
	assert.Equal(t, 0, stats.CompletedTasks)
	assert.Equal(t, 0, stats.OverdueTasks)
	assert.Zero(t, stats.AverageCompletionRate)
	assert.ElementsMatch(t, []string{engine.MetricEmployees, engine.MetricCompleted, engine.MetricOverdue}, stats.Degraded)

	eng.Store = failingStore{Store: env.Store.Store, fail: func(string, store.Query) bool { return true }}
	stats, err = eng.DashboardStats(env.Ctx, env.Admin)
	require.NoError(t, err)
	assert.Equal(t, domain.DashboardStats{Degraded: stats.Degraded}, stats)
	assert.Len(t, stats.Degraded, 4)
}

func TestReduceDashboard(t *testing.T) {
	metrics := []engine.Metric{
		{Name: engine.MetricEmployees},
		{Name: engine.MetricTasks},
		{Name: engine.MetricCompleted},
		{Name: engine.MetricOverdue, Fallback: 7},
	}
	boom := errors.New("boom")
	cases := []struct {
		name    string
		results []engine.MetricResult
		want    domain.DashboardStats
	}{
		{
			name: "all ok",
			results: []engine.MetricResult{
				{Name: engine.MetricEmployees, Value: 5},
				{Name: engine.MetricTasks, Value: 8},
				{Name: engine.MetricCompleted, Value: 2},
				{Name: engine.MetricOverdue, Value: 1},
			},
			want: domain.DashboardStats{TotalEmployees: 5, TotalTasks: 8, CompletedTasks: 2, OverdueTasks: 1, AverageCompletionRate: 25},
		},
		{
			name: "tasks failed",
			results: []engine.MetricResult{
				{Name: engine.MetricEmployees, Value: 5},
				{Name: engine.MetricTasks, Value: 8, Err: boom},
				{Name: engine.MetricCompleted, Value: 2},
				{Name: engine.MetricOverdue, Err: boom},
			},
			want: domain.DashboardStats{TotalEmployees: 5, CompletedTasks: 2, OverdueTasks: 7,
				Degraded: []string{engine.MetricTasks, engine.MetricOverdue}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, engine.ReduceDashboard(metrics, tc.results))
		})
	}
}

func TestFetchMetricsRunsEveryMetric(t *testing.T) {
	var ran atomic.Int32
	metrics := []engine.Metric{
		{Name: "a", Fetch: func(context.Context) (int, error) { ran.Add(1); return 0, errors.New("down") }},
		{Name: "b", Fetch: func(context.Context) (int, error) { ran.Add(1); return 3, nil }},
	}
	results := engine.FetchMetrics(context.Background(), metrics)
	assert.EqualValues(t, 2, ran.Load())
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.Equal(t, 3, results[1].Value)
}

func TestMutationsAreAudited(t *testing.T) {
	env := newTestEnv(t)
	tk := env.task(t, "audited", nil)
	_, err := env.Engine.SetTaskStatus(env.Ctx, env.Admin, tk.ID, domain.StatusCompleted)
	require.NoError(t, err)

	evts, err := events.Latest(env.Ctx, env.Store, events.Filter{EntityKind: "task", EntityID: tk.ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "task.updated", evts[0].Type)
	assert.Equal(t, "task.created", evts[1].Type)
	assert.Equal(t, env.Admin.ID, evts[0].ActorID)
	assert.Contains(t, evts[0].Payload, `"to_status":"completed"`)
}

func TestListEventsIsAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	mgr := env.user(t, "m@example.com", "Manager", domain.RoleManager)
	for i := 0; i < 3; i++ {
		env.task(t, "t", nil)
	}
	_, err := env.Engine.ListEvents(env.Ctx, mgr, events.Filter{})
	requireForbidden(t, err)

	page, err := env.Engine.ListEvents(env.Ctx, env.Admin, events.Filter{Type: "task.created", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	rest, err := env.Engine.ListEvents(env.Ctx, env.Admin, events.Filter{Type: "task.created", Before: page[1].Seq})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Less(t, rest[0].Seq, page[1].Seq)
}
