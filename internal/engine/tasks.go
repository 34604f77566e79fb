package engine

import (
	"context"
	"strings"
	"time"

	"taskhub/internal/domain"
	"taskhub/internal/engine/auth"
	"taskhub/internal/events"
	"taskhub/internal/store"
)

// ApplyStatus moves t to status s and keeps completed_at in step with it:
// set to now when entering completed, kept when already completed, cleared
// for every other status.
func ApplyStatus(t domain.Task, s domain.TaskStatus, now time.Time) domain.Task {
	if s == domain.StatusCompleted {
		if t.Status != domain.StatusCompleted || t.CompletedAt == nil {
			ts := now.UTC().Format(time.RFC3339)
			t.CompletedAt = &ts
		}
	} else {
		t.CompletedAt = nil
	}
	t.Status = s
	return t
}

type TaskFilter struct {
	Status     domain.TaskStatus
	Priority   domain.Priority
	AssignedTo string
	Overdue    bool
}

// ListTasks returns the tasks p may see, newest first. Employees only get
// tasks assigned to them: the condition is sent to the store and checked
// again on the result.
func (e Engine) ListTasks(ctx context.Context, p *domain.User, f TaskFilter) ([]domain.Task, error) {
	if err := auth.Authorize(p, auth.ViewTasks); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("status", "unknown status %q", f.Status)
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, invalid("priority", "unknown priority %q", f.Priority)
	}
	q := e.visibleTasks(p)
	if f.Status != "" {
		q = q.And(store.Eq("status", f.Status))
	}
	if f.Priority != "" {
		q = q.And(store.Eq("priority", f.Priority))
	}
	if f.AssignedTo != "" {
		q = q.And(store.Eq("assigned_to", f.AssignedTo))
	}
	if f.Overdue {
		q = q.And(overdue(e.today())...)
	}
	recs, err := e.Store.Select(ctx, store.Tasks, q.OrderBy("created_at", store.Desc))
	if err != nil {
		return nil, err
	}
	tasks, err := store.DecodeAll[domain.Task](recs)
	if err != nil {
		return nil, err
	}
	return auth.FilterTasks(p, tasks), nil
}

// visibleTasks narrows a task query to what p can read.
func (e Engine) visibleTasks(p *domain.User) store.Query {
	if auth.RestrictsToAssigned(p) {
		return store.Where(store.Eq("assigned_to", p.ID))
	}
	return store.Query{}
}

func overdue(today string) []store.Condition {
	return []store.Condition{
		store.Neq("status", domain.StatusCompleted),
		store.Neq("due_date", nil),
		store.Lt("due_date", today),
	}
}

func (e Engine) loadTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	rec, err := store.First(ctx, e.Store, store.Tasks, "id", id)
	if err != nil {
		return t, err
	}
	err = store.Decode(rec, &t)
	return t, err
}

// GetTask returns nil without error when the task exists but p cannot see it.
func (e Engine) GetTask(ctx context.Context, p *domain.User, id string) (*domain.Task, error) {
	if err := auth.Authorize(p, auth.ViewTasks); err != nil {
		return nil, err
	}
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.CanReadTask(p, t) {
		return nil, nil
	}
	return &t, nil
}

type TaskCreateOptions struct {
	Title              string
	Description        *string
	AssignedTo         *string
	Status             domain.TaskStatus
	Priority           domain.Priority
	DueDate            *string
	ProgressPercentage *int
	Notes              *string
}

func (o TaskCreateOptions) validate() error {
	if strings.TrimSpace(o.Title) == "" {
		return invalid("title", "is required")
	}
	if o.Status != "" && !o.Status.Valid() {
		return invalid("status", "unknown status %q", o.Status)
	}
	if o.Priority != "" && !o.Priority.Valid() {
		return invalid("priority", "unknown priority %q", o.Priority)
	}
	if o.DueDate != nil && *o.DueDate != "" {
		if err := validDate("due_date", *o.DueDate); err != nil {
			return err
		}
	}
	return validProgress(o.ProgressPercentage)
}

func validProgress(v *int) error {
	if v != nil && (*v < 0 || *v > 100) {
		return invalid("progress_percentage", "must be between 0 and 100")
	}
	return nil
}

func (e Engine) CreateTask(ctx context.Context, p *domain.User, opts TaskCreateOptions) (domain.Task, error) {
	if err := auth.Authorize(p, auth.CreateTask); err != nil {
		return domain.Task{}, err
	}
	if err := opts.validate(); err != nil {
		return domain.Task{}, err
	}
	if opts.Status == "" {
		opts.Status = domain.StatusNotStarted
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	progress := 0
	if opts.ProgressPercentage != nil {
		progress = *opts.ProgressPercentage
	}
	if err := e.checkAssignee(ctx, opts.AssignedTo); err != nil {
		return domain.Task{}, err
	}
	t := ApplyStatus(domain.Task{}, opts.Status, e.now())
	rec, err := e.Store.Insert(ctx, store.Tasks, store.Record{
		"title":               strings.TrimSpace(opts.Title),
		"description":         optional(opts.Description),
		"assigned_to":         optional(opts.AssignedTo),
		"created_by":          p.ID,
		"status":              t.Status,
		"priority":            opts.Priority,
		"due_date":            optional(opts.DueDate),
		"completed_at":        t.CompletedAt,
		"progress_percentage": progress,
		"notes":               optional(opts.Notes),
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := store.Decode(rec, &t); err != nil {
		return domain.Task{}, err
	}
	e.record(ctx, "task.created", "task", t.ID, p, events.EventPayload{"status": t.Status, "assigned_to": t.AssignedTo})
	return t, nil
}

// checkAssignee rejects assignment to unknown or deactivated users.
func (e Engine) checkAssignee(ctx context.Context, id *string) error {
	if id == nil || *id == "" {
		return nil
	}
	u, err := e.loadUser(ctx, *id)
	if err != nil {
		if IsNotFound(err) {
			return invalid("assigned_to", "unknown user %s", *id)
		}
		return err
	}
	if !u.IsActive {
		return invalid("assigned_to", "user %s is deactivated", *id)
	}
	return nil
}

// TaskUpdateOptions patches a task. Detail fields need the edit capability;
// status, progress and notes need the progress capability, which employees
// hold on their own tasks. An empty string clears a nullable field.
type TaskUpdateOptions struct {
	Title       *string
	Description *string
	AssignedTo  *string
	Priority    *domain.Priority
	DueDate     *string

	Status             *domain.TaskStatus
	ProgressPercentage *int
	Notes              *string
}

func (o TaskUpdateOptions) touchesDetails() bool {
	return o.Title != nil || o.Description != nil || o.AssignedTo != nil || o.Priority != nil || o.DueDate != nil
}

func (o TaskUpdateOptions) touchesProgress() bool {
	return o.Status != nil || o.ProgressPercentage != nil || o.Notes != nil
}

func (o TaskUpdateOptions) validate() error {
	if o.Title != nil && strings.TrimSpace(*o.Title) == "" {
		return invalid("title", "cannot be empty")
	}
	if o.Priority != nil && !o.Priority.Valid() {
		return invalid("priority", "unknown priority %q", *o.Priority)
	}
	if o.Status != nil && !o.Status.Valid() {
		return invalid("status", "unknown status %q", *o.Status)
	}
	if o.DueDate != nil && *o.DueDate != "" {
		if err := validDate("due_date", *o.DueDate); err != nil {
			return err
		}
	}
	return validProgress(o.ProgressPercentage)
}

func (e Engine) UpdateTask(ctx context.Context, p *domain.User, id string, opts TaskUpdateOptions) (domain.Task, error) {
	details, progress := opts.touchesDetails(), opts.touchesProgress()
	if details {
		if err := auth.Authorize(p, auth.EditTaskDetails); err != nil {
			return domain.Task{}, err
		}
	}
	if progress || !details {
		if err := auth.Authorize(p, auth.UpdateTaskProgress); err != nil {
			return domain.Task{}, err
		}
	}
	if err := opts.validate(); err != nil {
		return domain.Task{}, err
	}
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if details {
		if err := auth.AuthorizeTask(p, auth.EditTaskDetails, t); err != nil {
			return domain.Task{}, err
		}
	}
	if progress || !details {
		if err := auth.AuthorizeTask(p, auth.UpdateTaskProgress, t); err != nil {
			return domain.Task{}, err
		}
	}
	if opts.AssignedTo != nil {
		if err := e.checkAssignee(ctx, opts.AssignedTo); err != nil {
			return domain.Task{}, err
		}
	}

	patch := store.Record{}
	if opts.Title != nil {
		patch["title"] = strings.TrimSpace(*opts.Title)
	}
	if opts.Description != nil {
		patch["description"] = optional(opts.Description)
	}
	if opts.AssignedTo != nil {
		patch["assigned_to"] = optional(opts.AssignedTo)
	}
	if opts.Priority != nil {
		patch["priority"] = *opts.Priority
	}
	if opts.DueDate != nil {
		patch["due_date"] = optional(opts.DueDate)
	}
	if opts.ProgressPercentage != nil {
		patch["progress_percentage"] = *opts.ProgressPercentage
	}
	if opts.Notes != nil {
		patch["notes"] = optional(opts.Notes)
	}
	if opts.Status != nil {
		next := ApplyStatus(t, *opts.Status, e.now())
		patch["status"] = next.Status
		patch["completed_at"] = next.CompletedAt
	}
	if len(patch) == 0 {
		return t, nil
	}
	patch["updated_at"] = store.Stamp
	rec, err := e.Store.Update(ctx, store.Tasks, id, patch)
	if err != nil {
		return domain.Task{}, err
	}
	var out domain.Task
	if err := store.Decode(rec, &out); err != nil {
		return domain.Task{}, err
	}
	payload := events.EventPayload{"fields": keys(patch)}
	if out.Status != t.Status {
		payload["from_status"] = t.Status
		payload["to_status"] = out.Status
	}
	e.record(ctx, "task.updated", "task", out.ID, p, payload)
	return out, nil
}

// SetTaskStatus is the quick status change offered next to each task.
func (e Engine) SetTaskStatus(ctx context.Context, p *domain.User, id string, s domain.TaskStatus) (domain.Task, error) {
	return e.UpdateTask(ctx, p, id, TaskUpdateOptions{Status: &s})
}

func (e Engine) DeleteTask(ctx context.Context, p *domain.User, id string) error {
	if err := auth.Authorize(p, auth.DeleteTask); err != nil {
		return err
	}
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return err
	}
	if err := auth.AuthorizeTask(p, auth.DeleteTask, t); err != nil {
		return err
	}
	if err := e.Store.Delete(ctx, store.Tasks, id); err != nil {
		return err
	}
	e.record(ctx, "task.deleted", "task", id, p, events.EventPayload{"title": t.Title})
	return nil
}
