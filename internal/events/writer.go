package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskhub/internal/domain"
	"taskhub/internal/store"
)

type Writer struct {
	Store store.Store
	Now   func() time.Time
}

type EventPayload map[string]any

// Append records an audit event after a successful mutation.
func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Store == nil {
		return nil
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.Store.Insert(ctx, store.Events, store.Record{
		"id":           uuid.NewString(),
		"ts":           w.Now().UTC().Format(time.RFC3339),
		"type":         evtType,
		"entity_kind":  entityKind,
		"entity_id":    nullable(entityID),
		"actor_id":     actorID,
		"payload_json": string(data),
	})
	return err
}

// After returns up to limit events with seq greater than cursor, oldest first.
func After(ctx context.Context, s store.Store, cursor int64, limit int) ([]domain.Event, error) {
	recs, err := s.Select(ctx, store.Events, store.Where(store.Gt("seq", cursor)).OrderBy("seq", store.Asc).WithLimit(limit))
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[domain.Event](recs)
}

// Filter narrows Latest. Before pages backwards by seq; zero means newest.
type Filter struct {
	Type       string
	EntityKind string
	EntityID   string
	Before     int64
	Limit      int
}

// Latest returns the newest events matching f, newest first.
func Latest(ctx context.Context, s store.Store, f Filter) ([]domain.Event, error) {
	var q store.Query
	if f.Type != "" {
		q = q.And(store.Eq("type", f.Type))
	}
	if f.EntityKind != "" {
		q = q.And(store.Eq("entity_kind", f.EntityKind))
	}
	if f.EntityID != "" {
		q = q.And(store.Eq("entity_id", f.EntityID))
	}
	if f.Before > 0 {
		q = q.And(store.Lt("seq", f.Before))
	}
	recs, err := s.Select(ctx, store.Events, q.OrderBy("seq", store.Desc).WithLimit(f.Limit))
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[domain.Event](recs)
}

// LatestSeq returns the highest seq written so far, or 0.
func LatestSeq(ctx context.Context, s store.Store) (int64, error) {
	evts, err := Latest(ctx, s, Filter{Limit: 1})
	if err != nil || len(evts) == 0 {
		return 0, err
	}
	return evts[0].Seq, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
