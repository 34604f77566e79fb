package domain

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
)

// Roles lists every role in ascending privilege order.
var Roles = []Role{RoleEmployee, RoleManager, RoleAdmin}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleEmployee:
		return true
	}
	return false
}

type TaskStatus string

const (
	StatusNotStarted TaskStatus = "not_started"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusOnHold     TaskStatus = "on_hold"
	StatusCancelled  TaskStatus = "cancelled"
)

var TaskStatuses = []TaskStatus{StatusNotStarted, StatusInProgress, StatusCompleted, StatusOnHold, StatusCancelled}

func (s TaskStatus) Valid() bool {
	for _, v := range TaskStatuses {
		if v == s {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
)

func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodYearly:
		return true
	}
	return false
}

type DataSource string

const (
	SourceGoogleSheets DataSource = "google_sheets"
	SourceAmazonAPI    DataSource = "amazon_api"
	SourceManual       DataSource = "manual"
	SourceOther        DataSource = "other"
)

func (d DataSource) Valid() bool {
	switch d {
	case SourceGoogleSheets, SourceAmazonAPI, SourceManual, SourceOther:
		return true
	}
	return false
}

// Section is a top-level area of the application a role can reach.
type Section string

const (
	SectionDashboard Section = "dashboard"
	SectionEmployees Section = "employees"
	SectionTasks     Section = "tasks"
	SectionSettings  Section = "settings"
)

// User is an authenticated principal.
type User struct {
	ID         string  `json:"id"`
	Email      string  `json:"email"`
	FullName   string  `json:"full_name"`
	Role       Role    `json:"role" enum:"admin,manager,employee"`
	Department *string `json:"department,omitempty"`
	AvatarURL  *string `json:"avatar_url,omitempty"`
	IsActive   bool    `json:"is_active"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        *string    `json:"description,omitempty"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
	CreatedBy          string     `json:"created_by"`
	Status             TaskStatus `json:"status" enum:"not_started,in_progress,completed,on_hold,cancelled"`
	Priority           Priority   `json:"priority" enum:"low,medium,high,urgent"`
	DueDate            *string    `json:"due_date,omitempty" format:"date"`
	CompletedAt        *string    `json:"completed_at,omitempty" format:"date-time"`
	ProgressPercentage int        `json:"progress_percentage" minimum:"0" maximum:"100"`
	Notes              *string    `json:"notes,omitempty"`
	CreatedAt          string     `json:"created_at" format:"date-time"`
	UpdatedAt          string     `json:"updated_at" format:"date-time"`
}

type KPI struct {
	ID          string     `json:"id"`
	MetricName  string     `json:"metric_name"`
	MetricValue *float64   `json:"metric_value,omitempty"`
	MetricDate  string     `json:"metric_date" format:"date"`
	Period      Period     `json:"period" enum:"daily,weekly,monthly,yearly"`
	DataSource  DataSource `json:"data_source" enum:"google_sheets,amazon_api,manual,other"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

// EmployeeStats is derived from task rows and never stored.
type EmployeeStats struct {
	UserID             string  `json:"user_id"`
	TotalTasksAssigned int     `json:"total_tasks_assigned"`
	TasksCompleted     int     `json:"tasks_completed"`
	CompletionRate     float64 `json:"completion_rate"`
}

type DashboardStats struct {
	TotalEmployees        int      `json:"total_employees"`
	TotalTasks            int      `json:"total_tasks"`
	CompletedTasks        int      `json:"completed_tasks"`
	OverdueTasks          int      `json:"overdue_tasks"`
	AverageCompletionRate float64  `json:"average_completion_rate"`
	Degraded              []string `json:"degraded,omitempty"`
}

type Event struct {
	Seq        int64  `json:"seq"`
	ID         string `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
