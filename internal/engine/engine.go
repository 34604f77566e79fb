package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskhub/internal/domain"
	"taskhub/internal/events"
	"taskhub/internal/identity"
	"taskhub/internal/store"
)

// Engine runs every operation on behalf of an explicit principal. It checks
// authorization and input before calling the store.
type Engine struct {
	Store    store.Store
	Identity identity.Provider
	Events   events.Writer
	Now      func() time.Time
	Log      *zap.Logger
}

func New(s store.Store, id identity.Provider, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		Store:    s,
		Identity: id,
		Events:   events.Writer{Store: s},
		Now:      time.Now,
		Log:      log,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) today() string {
	return e.now().UTC().Format(dateLayout)
}

const dateLayout = "2006-01-02"

// ValidationError reports bad input. Like authorization, it is raised before
// any store call.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func validDate(field, v string) error {
	if _, err := time.Parse(dateLayout, v); err != nil {
		return invalid(field, "must be a date formatted YYYY-MM-DD")
	}
	return nil
}

// record emits an audit event. The mutation already happened, so a failure
// is logged rather than returned.
func (e Engine) record(ctx context.Context, evtType, entityKind, entityID string, p *domain.User, payload events.EventPayload) {
	actor := ""
	if p != nil {
		actor = p.ID
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	if err := w.Append(ctx, evtType, entityKind, entityID, actor, payload); err != nil {
		e.log().Warn("append event", zap.String("type", evtType), zap.String("entity_id", entityID), zap.Error(err))
	}
}

// optional maps "" to nil so the column is cleared.
func optional(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
