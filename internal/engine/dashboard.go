package engine

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskhub/internal/domain"
	"taskhub/internal/engine/auth"
	"taskhub/internal/store"
)

// Metric is one independently fetched dashboard figure. Fallback stands in
// for the value when Fetch fails.
type Metric struct {
	Name     string
	Fallback int
	Fetch    func(ctx context.Context) (int, error)
}

type MetricResult struct {
	Name  string
	Value int
	Err   error
}

// Or returns the fetched value, or fallback if the fetch failed.
func (r MetricResult) Or(fallback int) int {
	if r.Err != nil {
		return fallback
	}
	return r.Value
}

const (
	MetricEmployees = "total_employees"
	MetricTasks     = "total_tasks"
	MetricCompleted = "completed_tasks"
	MetricOverdue   = "overdue_tasks"
)

// FetchMetrics runs every metric concurrently and waits for all of them. A
// failing metric never cancels the others.
func FetchMetrics(ctx context.Context, metrics []Metric) []MetricResult {
	results := make([]MetricResult, len(metrics))
	var g errgroup.Group
	for i, m := range metrics {
		g.Go(func() error {
			v, err := m.Fetch(ctx)
			results[i] = MetricResult{Name: m.Name, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ReduceDashboard folds metric results into the dashboard aggregate. Failed
// metrics contribute their fallback and are listed in Degraded.
func ReduceDashboard(metrics []Metric, results []MetricResult) domain.DashboardStats {
	values := map[string]int{}
	var stats domain.DashboardStats
	for i, r := range results {
		values[r.Name] = r.Or(metrics[i].Fallback)
		if r.Err != nil {
			stats.Degraded = append(stats.Degraded, r.Name)
		}
	}
	stats.TotalEmployees = values[MetricEmployees]
	stats.TotalTasks = values[MetricTasks]
	stats.CompletedTasks = values[MetricCompleted]
	stats.OverdueTasks = values[MetricOverdue]
	stats.AverageCompletionRate = completionRate(stats.CompletedTasks, stats.TotalTasks)
	return stats
}

func completionRate(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

// DashboardMetrics are the four counts behind the dashboard, with task
// counts narrowed to what p can see.
func (e Engine) DashboardMetrics(p *domain.User) []Metric {
	tasks := e.visibleTasks(p)
	count := func(collection string, q store.Query) func(context.Context) (int, error) {
		return func(ctx context.Context) (int, error) {
			return store.Count(ctx, e.Store, collection, q)
		}
	}
	return []Metric{
		{Name: MetricEmployees, Fetch: count(store.Users, store.Where(store.Eq("role", domain.RoleEmployee)))},
		{Name: MetricTasks, Fetch: count(store.Tasks, tasks)},
		{Name: MetricCompleted, Fetch: count(store.Tasks, tasks.And(store.Eq("status", domain.StatusCompleted)))},
		{Name: MetricOverdue, Fetch: count(store.Tasks, tasks.And(overdue(e.today())...))},
	}
}

// DashboardStats never fails on a store error: the affected figures fall
// back to zero. Only an unauthenticated principal is refused.
func (e Engine) DashboardStats(ctx context.Context, p *domain.User) (domain.DashboardStats, error) {
	if err := auth.Authorize(p, auth.ViewTasks); err != nil {
		return domain.DashboardStats{}, err
	}
	metrics := e.DashboardMetrics(p)
	results := FetchMetrics(ctx, metrics)
	for _, r := range results {
		if r.Err != nil {
			e.log().Warn("dashboard metric failed", zap.String("metric", r.Name), zap.Error(r.Err))
		}
	}
	return ReduceDashboard(metrics, results), nil
}
