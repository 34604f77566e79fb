package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// columns whitelists the fields each collection accepts in records and queries.
var columns = map[string][]string{
	Users:       {"id", "email", "full_name", "role", "department", "avatar_url", "is_active", "created_at", "updated_at"},
	Credentials: {"id", "user_id", "email", "password_hash", "created_at", "updated_at"},
	Tasks: {"id", "title", "description", "assigned_to", "created_by", "status", "priority", "due_date",
		"completed_at", "progress_percentage", "notes", "created_at", "updated_at"},
	KPIs:   {"id", "metric_name", "metric_value", "metric_date", "period", "data_source", "created_at", "updated_at"},
	Events: {"seq", "id", "ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json"},
}

// SQLStore maps collections onto SQLite tables of the same name.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db, Now: time.Now}
}

// timestampLayout is fixed width so stored timestamps sort as strings.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *SQLStore) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(timestampLayout)
	}
	return time.Now().UTC().Format(timestampLayout)
}

func hasColumn(collection, field string) bool {
	for _, c := range columns[collection] {
		if c == field {
			return true
		}
	}
	return false
}

func checkCollection(collection string) error {
	if _, ok := columns[collection]; !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}
	return nil
}

func checkField(collection, field string) error {
	if !hasColumn(collection, field) {
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}

func buildWhere(collection string, conds []Condition) (string, []any, error) {
	if len(conds) == 0 {
		return "", nil, nil
	}
	var (
		clauses []string
		args    []any
	)
	for _, c := range conds {
		if err := checkField(collection, c.Field); err != nil {
			return "", nil, err
		}
		switch c.Op {
		case OpEq, OpNeq, OpLt, OpGt:
			if c.Value == nil {
				if c.Op == OpEq {
					clauses = append(clauses, c.Field+" IS NULL")
					continue
				}
				if c.Op == OpNeq {
					clauses = append(clauses, c.Field+" IS NOT NULL")
					continue
				}
			}
			clauses = append(clauses, fmt.Sprintf("%s %s ?", c.Field, c.Op))
			args = append(args, sqlValue(c.Value))
		case OpIn:
			vals, _ := c.Value.([]any)
			if len(vals) == 0 {
				clauses = append(clauses, "1=0")
				continue
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", c.Field, strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")))
			for _, v := range vals {
				args = append(args, sqlValue(v))
			}
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// sqlValue flattens pointers, bools and named string types into driver values.
func sqlValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		if t {
			return 1
		}
		return 0
	case string, int, int64, float64, []byte:
		return t
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		return sqlValue(rv.Elem().Interface())
	}
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return rv.Int()
	case reflect.Float32:
		return rv.Float()
	}
	return v
}

func (s *SQLStore) Select(ctx context.Context, collection string, q Query) ([]Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, wrap("select", collection, err)
	}
	where, args, err := buildWhere(collection, q.Conditions)
	if err != nil {
		return nil, wrap("select", collection, err)
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(columns[collection], ","), collection, where)
	if len(q.Orders) > 0 {
		var parts []string
		for _, o := range q.Orders {
			if err := checkField(collection, o.Field); err != nil {
				return nil, wrap("select", collection, err)
			}
			dir := "ASC"
			if o.Direction == Desc {
				dir = "DESC"
			}
			parts = append(parts, o.Field+" "+dir)
		}
		query += " ORDER BY " + strings.Join(parts, ", ")
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("select", collection, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, wrap("select", collection, err)
	}
	var res []Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrap("select", collection, err)
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				rec[c] = string(b)
				continue
			}
			rec[c] = vals[i]
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("select", collection, err)
	}
	return res, nil
}

// Count runs SELECT count(*) instead of materializing rows.
func (s *SQLStore) Count(ctx context.Context, collection string, q Query) (int, error) {
	if err := checkCollection(collection); err != nil {
		return 0, wrap("count", collection, err)
	}
	where, args, err := buildWhere(collection, q.Conditions)
	if err != nil {
		return 0, wrap("count", collection, err)
	}
	var n int
	if err := s.DB.QueryRowContext(ctx, "SELECT count(*) FROM "+collection+where, args...).Scan(&n); err != nil {
		return 0, wrap("count", collection, err)
	}
	return n, nil
}

func sortedKeys(rec Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *SQLStore) Insert(ctx context.Context, collection string, rec Record) (Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, wrap("insert", collection, err)
	}
	row := make(Record, len(rec)+3)
	for k, v := range rec {
		row[k] = v
	}
	if id, _ := row["id"].(string); id == "" {
		row["id"] = uuid.NewString()
	}
	now := s.now()
	for _, ts := range []string{"created_at", "updated_at"} {
		if hasColumn(collection, ts) {
			if v, _ := row[ts].(string); v == "" {
				row[ts] = now
			}
		}
	}
	keys := sortedKeys(row)
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		if err := checkField(collection, k); err != nil {
			return nil, wrap("insert", collection, err)
		}
		args = append(args, sqlValue(row[k]))
	}
	query := fmt.Sprintf("INSERT INTO %s(%s) VALUES (%s)", collection, strings.Join(keys, ","),
		strings.TrimSuffix(strings.Repeat("?,", len(keys)), ","))
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return nil, wrap("insert", collection, err)
	}
	return First(ctx, s, collection, "id", row["id"])
}

func (s *SQLStore) Update(ctx context.Context, collection, id string, patch Record) (Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, wrap("update", collection, err)
	}
	if strings.TrimSpace(id) == "" {
		return nil, wrap("update", collection, errors.New("id required"))
	}
	row := make(Record, len(patch)+1)
	for k, v := range patch {
		if k == "id" || k == "created_at" {
			continue
		}
		if v == Stamp {
			v = s.now()
		}
		row[k] = v
	}
	if len(row) == 0 {
		return First(ctx, s, collection, "id", id)
	}
	keys := sortedKeys(row)
	fields := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		if err := checkField(collection, k); err != nil {
			return nil, wrap("update", collection, err)
		}
		fields = append(fields, k+"=?")
		args = append(args, sqlValue(row[k]))
	}
	args = append(args, id)
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE id=?", collection, strings.Join(fields, ",")), args...)
	if err != nil {
		return nil, wrap("update", collection, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, wrap("update", collection, ErrNotFound)
	}
	return First(ctx, s, collection, "id", id)
}

func (s *SQLStore) Delete(ctx context.Context, collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return wrap("delete", collection, err)
	}
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id=?", collection), id)
	if err != nil {
		return wrap("delete", collection, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap("delete", collection, ErrNotFound)
	}
	return nil
}
