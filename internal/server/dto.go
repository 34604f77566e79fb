package server

import (
	"encoding/json"
	"time"

	"taskhub/internal/domain"
	"taskhub/internal/identity"
)

// Request payloads

type SignupRequest struct {
	Email      string  `json:"email" format:"email"`
	Password   string  `json:"password" minLength:"1"`
	FullName   string  `json:"full_name,omitempty"`
	Department *string `json:"department,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password" minLength:"1"`
}

type CreateEmployeeRequest struct {
	Email      string  `json:"email" format:"email"`
	FullName   string  `json:"full_name"`
	Role       string  `json:"role,omitempty" enum:"admin,manager,employee"`
	Department *string `json:"department,omitempty"`
	Password   *string `json:"password,omitempty"`
}

type UpdateEmployeeRequest struct {
	FullName   *string `json:"full_name,omitempty"`
	Role       *string `json:"role,omitempty" enum:"admin,manager,employee"`
	Department *string `json:"department,omitempty"`
	AvatarURL  *string `json:"avatar_url,omitempty"`
	IsActive   *bool   `json:"is_active,omitempty"`
}

type CreateTaskRequest struct {
	Title              string  `json:"title"`
	Description        *string `json:"description,omitempty"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	Status             string  `json:"status,omitempty" enum:"not_started,in_progress,completed,on_hold,cancelled"`
	Priority           string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate            *string `json:"due_date,omitempty" format:"date"`
	ProgressPercentage *int    `json:"progress_percentage,omitempty" minimum:"0" maximum:"100"`
	Notes              *string `json:"notes,omitempty"`
}

// UpdateTaskRequest is a partial update. An explicit null clears nullable fields.
type UpdateTaskRequest struct {
	Title              *string `json:"title,omitempty"`
	Description        *string `json:"description,omitempty" nullable:"true"`
	AssignedTo         *string `json:"assigned_to,omitempty" nullable:"true"`
	Status             *string `json:"status,omitempty" enum:"not_started,in_progress,completed,on_hold,cancelled"`
	Priority           *string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate            *string `json:"due_date,omitempty" nullable:"true"`
	ProgressPercentage *int    `json:"progress_percentage,omitempty" minimum:"0" maximum:"100"`
	Notes              *string `json:"notes,omitempty" nullable:"true"`
}

type SetTaskStatusRequest struct {
	Status string `json:"status" enum:"not_started,in_progress,completed,on_hold,cancelled"`
}

type CreateKPIRequest struct {
	MetricName  string   `json:"metric_name"`
	MetricValue *float64 `json:"metric_value,omitempty"`
	MetricDate  string   `json:"metric_date,omitempty" format:"date"`
	Period      string   `json:"period,omitempty" enum:"daily,weekly,monthly,yearly"`
	DataSource  string   `json:"data_source,omitempty" enum:"google_sheets,amazon_api,manual,other"`
}

type UpdateKPIRequest struct {
	MetricName  *string  `json:"metric_name,omitempty"`
	MetricValue *float64 `json:"metric_value,omitempty" nullable:"true"`
	MetricDate  *string  `json:"metric_date,omitempty" format:"date"`
	Period      *string  `json:"period,omitempty" enum:"daily,weekly,monthly,yearly"`
	DataSource  *string  `json:"data_source,omitempty" enum:"google_sheets,amazon_api,manual,other"`
}

// Response payloads

type TokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type" example:"Bearer"`
	ExpiresAt   string       `json:"expires_at" format:"date-time"`
	User        *domain.User `json:"user,omitempty"`
}

type MeResponse struct {
	User     domain.User      `json:"user"`
	Sections []domain.Section `json:"sections"`
	Grants   []domain.Role    `json:"grantable_roles"`
}

type CreatedEmployeeResponse struct {
	User              domain.User `json:"user"`
	TemporaryPassword string      `json:"temporary_password,omitempty"`
}

type EventResponse struct {
	Seq        int64          `json:"seq"`
	ID         string         `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type listUsers struct {
	Items []domain.User `json:"items"`
}

type listTasks struct {
	Items []domain.Task `json:"items"`
}

type listKPIs struct {
	Items []domain.KPI `json:"items"`
}

type listEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func tokenResponse(s *identity.Session, u *domain.User) TokenResponse {
	return TokenResponse{
		AccessToken: s.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   s.ExpiresAt.UTC().Format(time.RFC3339),
		User:        u,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		Seq:        e.Seq,
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// clearIfNull turns an explicit JSON null for field into an empty string,
// which the engine reads as "clear".
func clearIfNull(raw map[string]json.RawMessage, field string, dst **string) {
	if *dst == nil && isNullRaw(raw[field]) {
		empty := ""
		*dst = &empty
	}
}

func optionalRole(v *string) *domain.Role {
	if v == nil {
		return nil
	}
	r := domain.Role(*v)
	return &r
}
