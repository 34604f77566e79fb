package engine

import (
	"context"

	"taskhub/internal/domain"
	"taskhub/internal/engine/auth"
	"taskhub/internal/events"
)

// ListEvents pages through the audit log, newest first.
func (e Engine) ListEvents(ctx context.Context, p *domain.User, f events.Filter) ([]domain.Event, error) {
	if err := auth.Authorize(p, auth.ViewAudit); err != nil {
		return nil, err
	}
	switch {
	case f.Limit <= 0:
		f.Limit = 50
	case f.Limit > 200:
		f.Limit = 200
	}
	return events.Latest(ctx, e.Store, f)
}
