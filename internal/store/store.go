// Package store is the generic record store the engine consumes: named
// collections of flat records with select/insert/update/delete.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

const (
	Users       = "users"
	Credentials = "credentials"
	Tasks       = "tasks"
	KPIs        = "amazon_kpis"
	Events      = "events"
)

// Record is one row keyed by column name.
type Record map[string]any

// Store executes record operations against a backend.
type Store interface {
	Select(ctx context.Context, collection string, q Query) ([]Record, error)
	Insert(ctx context.Context, collection string, rec Record) (Record, error)
	Update(ctx context.Context, collection, id string, patch Record) (Record, error)
	Delete(ctx context.Context, collection, id string) error
}

var ErrNotFound = errors.New("not found")

type stamp struct{}

// Stamp as a patch value is replaced with the store's current time on Update.
// Update never touches updated_at unless the patch asks for it.
var Stamp any = stamp{}

// Error is a failure reported by the store backend. It is surfaced to callers
// unchanged and never retried.
type Error struct {
	Op         string
	Collection string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Collection: collection, Err: err}
}

// Direction orders a select.
type Direction int

const (
	Asc Direction = iota
	Desc
)

type Op string

const (
	OpEq  Op = "="
	OpNeq Op = "!="
	OpLt  Op = "<"
	OpGt  Op = ">"
	OpIn  Op = "IN"
)

type Condition struct {
	Field string
	Op    Op
	Value any
}

type Order struct {
	Field     string
	Direction Direction
}

// Query narrows and orders a select. The zero value selects everything.
type Query struct {
	Conditions []Condition
	Orders     []Order
	Limit      int
}

// Where starts a query from conditions.
func Where(conds ...Condition) Query {
	return Query{Conditions: conds}
}

func (q Query) And(conds ...Condition) Query {
	out := q
	out.Conditions = append(append([]Condition(nil), q.Conditions...), conds...)
	return out
}

func (q Query) OrderBy(field string, dir Direction) Query {
	out := q
	out.Orders = append(append([]Order(nil), q.Orders...), Order{Field: field, Direction: dir})
	return out
}

func (q Query) WithLimit(n int) Query {
	out := q
	out.Limit = n
	return out
}

func Eq(field string, v any) Condition  { return Condition{Field: field, Op: OpEq, Value: v} }
func Neq(field string, v any) Condition { return Condition{Field: field, Op: OpNeq, Value: v} }
func Lt(field string, v any) Condition  { return Condition{Field: field, Op: OpLt, Value: v} }
func Gt(field string, v any) Condition  { return Condition{Field: field, Op: OpGt, Value: v} }

// In matches any of values. An empty list matches nothing.
func In[T any](field string, values ...T) Condition {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return Condition{Field: field, Op: OpIn, Value: vals}
}

// Decode copies a record into out, matching keys to json tags. A nil value
// clears the matching field.
func Decode(rec Record, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(rec))
}

// DecodeAll decodes every record into a fresh T.
func DecodeAll[T any](recs []Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := Decode(rec, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// First returns the single record matching field=value.
func First(ctx context.Context, s Store, collection, field string, value any) (Record, error) {
	recs, err := s.Select(ctx, collection, Where(Eq(field, value)).WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &Error{Op: "select", Collection: collection, Err: ErrNotFound}
	}
	return recs[0], nil
}

// Count returns the number of records matching q.
func Count(ctx context.Context, s Store, collection string, q Query) (int, error) {
	if c, ok := s.(interface {
		Count(ctx context.Context, collection string, q Query) (int, error)
	}); ok {
		return c.Count(ctx, collection, q)
	}
	recs, err := s.Select(ctx, collection, q)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}
