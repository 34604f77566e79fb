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

type KPIFilter struct {
	MetricName string
	Period     domain.Period
	From       string
	To         string
}

// ListKPIs returns metric records, most recent metric_date first.
func (e Engine) ListKPIs(ctx context.Context, p *domain.User, f KPIFilter) ([]domain.KPI, error) {
	if err := auth.Authorize(p, auth.ViewKPIs); err != nil {
		return nil, err
	}
	if f.Period != "" && !f.Period.Valid() {
		return nil, invalid("period", "unknown period %q", f.Period)
	}
	var q store.Query
	if f.MetricName != "" {
		q = q.And(store.Eq("metric_name", f.MetricName))
	}
	if f.Period != "" {
		q = q.And(store.Eq("period", f.Period))
	}
	if f.From != "" {
		if err := validDate("from", f.From); err != nil {
			return nil, err
		}
		q = q.And(store.Gt("metric_date", shiftDate(f.From, -1)))
	}
	if f.To != "" {
		if err := validDate("to", f.To); err != nil {
			return nil, err
		}
		q = q.And(store.Lt("metric_date", shiftDate(f.To, 1)))
	}
	recs, err := e.Store.Select(ctx, store.KPIs, q.OrderBy("metric_date", store.Desc).OrderBy("created_at", store.Desc))
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[domain.KPI](recs)
}

type KPICreateOptions struct {
	MetricName  string
	MetricValue *float64
	MetricDate  string
	Period      domain.Period
	DataSource  domain.DataSource
}

func (e Engine) CreateKPI(ctx context.Context, p *domain.User, opts KPICreateOptions) (domain.KPI, error) {
	if err := auth.Authorize(p, auth.ManageKPIs); err != nil {
		return domain.KPI{}, err
	}
	if strings.TrimSpace(opts.MetricName) == "" {
		return domain.KPI{}, invalid("metric_name", "is required")
	}
	if opts.MetricDate == "" {
		opts.MetricDate = e.today()
	}
	if err := validDate("metric_date", opts.MetricDate); err != nil {
		return domain.KPI{}, err
	}
	if opts.Period == "" {
		opts.Period = domain.PeriodDaily
	}
	if !opts.Period.Valid() {
		return domain.KPI{}, invalid("period", "unknown period %q", opts.Period)
	}
	if opts.DataSource == "" {
		opts.DataSource = domain.SourceGoogleSheets
	}
	if !opts.DataSource.Valid() {
		return domain.KPI{}, invalid("data_source", "unknown data source %q", opts.DataSource)
	}
	rec, err := e.Store.Insert(ctx, store.KPIs, store.Record{
		"metric_name":  strings.TrimSpace(opts.MetricName),
		"metric_value": opts.MetricValue,
		"metric_date":  opts.MetricDate,
		"period":       opts.Period,
		"data_source":  opts.DataSource,
	})
	if err != nil {
		return domain.KPI{}, err
	}
	var k domain.KPI
	if err := store.Decode(rec, &k); err != nil {
		return domain.KPI{}, err
	}
	e.record(ctx, "kpi.created", "kpi", k.ID, p, events.EventPayload{"metric_name": k.MetricName})
	return k, nil
}

// KPIUpdateOptions patches a metric record. ClearValue sets metric_value to null.
type KPIUpdateOptions struct {
	MetricName  *string
	MetricValue *float64
	ClearValue  bool
	MetricDate  *string
	Period      *domain.Period
	DataSource  *domain.DataSource
}

func (e Engine) UpdateKPI(ctx context.Context, p *domain.User, id string, opts KPIUpdateOptions) (domain.KPI, error) {
	if err := auth.Authorize(p, auth.ManageKPIs); err != nil {
		return domain.KPI{}, err
	}
	patch := store.Record{}
	if opts.MetricName != nil {
		if strings.TrimSpace(*opts.MetricName) == "" {
			return domain.KPI{}, invalid("metric_name", "cannot be empty")
		}
		patch["metric_name"] = strings.TrimSpace(*opts.MetricName)
	}
	if opts.ClearValue {
		patch["metric_value"] = nil
	} else if opts.MetricValue != nil {
		patch["metric_value"] = *opts.MetricValue
	}
	if opts.MetricDate != nil {
		if err := validDate("metric_date", *opts.MetricDate); err != nil {
			return domain.KPI{}, err
		}
		patch["metric_date"] = *opts.MetricDate
	}
	if opts.Period != nil {
		if !opts.Period.Valid() {
			return domain.KPI{}, invalid("period", "unknown period %q", *opts.Period)
		}
		patch["period"] = *opts.Period
	}
	if opts.DataSource != nil {
		if !opts.DataSource.Valid() {
			return domain.KPI{}, invalid("data_source", "unknown data source %q", *opts.DataSource)
		}
		patch["data_source"] = *opts.DataSource
	}
	if len(patch) == 0 {
		var k domain.KPI
		rec, err := store.First(ctx, e.Store, store.KPIs, "id", id)
		if err != nil {
			return k, err
		}
		err = store.Decode(rec, &k)
		return k, err
	}
	patch["updated_at"] = store.Stamp
	rec, err := e.Store.Update(ctx, store.KPIs, id, patch)
	if err != nil {
		return domain.KPI{}, err
	}
	var k domain.KPI
	if err := store.Decode(rec, &k); err != nil {
		return domain.KPI{}, err
	}
	e.record(ctx, "kpi.updated", "kpi", k.ID, p, events.EventPayload{"fields": keys(patch)})
	return k, nil
}

func (e Engine) DeleteKPI(ctx context.Context, p *domain.User, id string) error {
	if err := auth.Authorize(p, auth.ManageKPIs); err != nil {
		return err
	}
	if err := e.Store.Delete(ctx, store.KPIs, id); err != nil {
		return err
	}
	e.record(ctx, "kpi.deleted", "kpi", id, p, nil)
	return nil
}

// shiftDate moves a validated YYYY-MM-DD date by days so the store's strict
// comparisons can express inclusive bounds.
func shiftDate(date string, days int) string {
	d, _ := time.Parse(dateLayout, date)
	return d.AddDate(0, 0, days).Format(dateLayout)
}
