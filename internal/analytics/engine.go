// Package analytics computes period metrics, persists them as upserted
// MetricPoints and classifies period-over-period trends.
package analytics

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"listing-bot/internal/clock"
	"listing-bot/internal/errors"
	"listing-bot/internal/logger"
	"listing-bot/internal/metrics"
	"listing-bot/internal/models"
)

// Metric names.
const (
	MetricNewProperties       = "new_properties"
	MetricNewEnquiries        = "new_enquiries"
	MetricNewUsers            = "new_users"
	MetricActiveProperties    = "active_properties"
	MetricExpiredProperties   = "expired_properties"
	MetricAveragePrice        = "average_price"
	MetricEnquiriesPerListing = "enquiries_per_listing"
)

// DefaultTTL bounds how long a cached report is served.
const DefaultTTL = 24 * time.Hour

// Store is the slice of the database the engine reads and writes.
type Store interface {
	CountPropertiesCreated(ctx context.Context, from, to time.Time) (int, error)
	CountEnquiriesCreated(ctx context.Context, from, to time.Time) (int, error)
	CountUsersCreated(ctx context.Context, from, to time.Time) (int, error)
	CountActiveProperties(ctx context.Context, at time.Time) (int, error)
	CountPropertiesExpiring(ctx context.Context, from, to time.Time) (int, error)
	AveragePriceCreated(ctx context.Context, from, to time.Time) (float64, error)
	UpsertMetric(ctx context.Context, p models.MetricPoint, now time.Time) error
	MetricValue(ctx context.Context, metric string, period models.PeriodKind, date string) (float64, bool, error)
}

// Report is the metrics and trends of one period.
type Report struct {
	Period      models.PeriodKind      `json:"period"`
	Anchor      string                 `json:"anchor"`
	Metrics     map[string]float64     `json:"metrics"`
	Trends      map[string]TrendResult `json:"trends"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// Engine computes and caches period analytics.
type Engine struct {
	store   Store
	clock   clock.Clock
	cache   Cache
	ttl     time.Duration
	log     logger.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) Option { return func(e *Engine) { e.cache = c } }

// WithTTL sets the cache lifetime.
func WithTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ttl = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMetrics records cache hits and misses.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// New builds an Engine.
func New(store Store, clk clock.Clock, opts ...Option) *Engine {
	e := &Engine{store: store, clock: clk, ttl: DefaultTTL, log: logger.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = NewMemoryCache(clk)
	}
	return e
}

// CacheKey identifies a period's report.
func CacheKey(kind models.PeriodKind, anchor time.Time) string {
	return "analytics:" + string(kind) + ":" + Anchor(kind, anchor).Format(DateLayout)
}

// ComputeMetrics evaluates every metric over the period containing anchor.
func (e *Engine) ComputeMetrics(ctx context.Context, kind models.PeriodKind, anchor time.Time) (map[string]float64, error) {
	from, to := Window(kind, Anchor(kind, anchor))

	newProps, err := e.store.CountPropertiesCreated(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, MetricNewProperties)
	}
	newEnquiries, err := e.store.CountEnquiriesCreated(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, MetricNewEnquiries)
	}
	newUsers, err := e.store.CountUsersCreated(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, MetricNewUsers)
	}
	active, err := e.store.CountActiveProperties(ctx, to)
	if err != nil {
		return nil, errors.Wrap(err, MetricActiveProperties)
	}
	expired, err := e.store.CountPropertiesExpiring(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, MetricExpiredProperties)
	}
	avgPrice, err := e.store.AveragePriceCreated(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, MetricAveragePrice)
	}

	perListing := 0.0
	if active > 0 {
		perListing = round2(float64(newEnquiries) / float64(active))
	}

	return map[string]float64{
		MetricNewProperties:       float64(newProps),
		MetricNewEnquiries:        float64(newEnquiries),
		MetricNewUsers:            float64(newUsers),
		MetricActiveProperties:    float64(active),
		MetricExpiredProperties:   float64(expired),
		MetricAveragePrice:        round2(avgPrice),
		MetricEnquiriesPerListing: perListing,
	}, nil
}

// Persist upserts each metric under (metric, kind, anchor date).
func (e *Engine) Persist(ctx context.Context, values map[string]float64, kind models.PeriodKind, anchor time.Time) error {
	start := Anchor(kind, anchor)
	from, to := Window(kind, start)
	date := start.Format(DateLayout)
	now := e.clock.Now()

	for _, name := range sortedKeys(values) {
		p := models.MetricPoint{
			Metric:     name,
			Period:     kind,
			PeriodDate: date,
			Value:      values[name],
			Metadata: models.JSONMap{
				"window_start": from.Format(DateLayout),
				"window_end":   to.Format(DateLayout),
			},
		}
		if err := e.store.UpsertMetric(ctx, p, now); err != nil {
			return err
		}
	}
	return nil
}

// ComputeTrends compares values with the previous period's stored points.
// A metric with no stored previous point compares against 0.
func (e *Engine) ComputeTrends(ctx context.Context, values map[string]float64, kind models.PeriodKind, anchor time.Time) (map[string]TrendResult, error) {
	prevDate := PreviousAnchor(kind, Anchor(kind, anchor)).Format(DateLayout)
	trends := make(map[string]TrendResult, len(values))
	for _, name := range sortedKeys(values) {
		prev, _, err := e.store.MetricValue(ctx, name, kind, prevDate)
		if err != nil {
			return nil, err
		}
		trends[name] = Trend(values[name], prev)
	}
	return trends, nil
}

// Process computes, persists and trends a period, then refreshes its cache entry.
func (e *Engine) Process(ctx context.Context, kind models.PeriodKind, anchor time.Time) (Report, error) {
	values, err := e.ComputeMetrics(ctx, kind, anchor)
	if err != nil {
		return Report{}, err
	}
	if err := e.Persist(ctx, values, kind, anchor); err != nil {
		return Report{}, err
	}
	report, err := e.report(ctx, values, kind, anchor)
	if err != nil {
		return Report{}, err
	}
	if err := e.cache.Set(ctx, CacheKey(kind, anchor), report, e.ttl); err != nil {
		e.log.Warn("Analytics cache write failed", logger.String("key", CacheKey(kind, anchor)), logger.Error(err))
	}
	return report, nil
}

// Preview computes a period's report without writing anything.
func (e *Engine) Preview(ctx context.Context, kind models.PeriodKind, anchor time.Time) (Report, error) {
	values, err := e.ComputeMetrics(ctx, kind, anchor)
	if err != nil {
		return Report{}, err
	}
	return e.report(ctx, values, kind, anchor)
}

// Trends serves a period's report from cache, computing it at most once per
// key across concurrent callers on a miss.
func (e *Engine) Trends(ctx context.Context, kind models.PeriodKind, anchor time.Time) (Report, error) {
	key := CacheKey(kind, anchor)
	if r, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		e.observeCache("hit")
		return r, nil
	} else if err != nil {
		e.log.Warn("Analytics cache read failed", logger.String("key", key), logger.Error(err))
	}
	e.observeCache("miss")

	v, err, _ := e.group.Do(key, func() (any, error) {
		r, err := e.Preview(ctx, kind, anchor)
		if err != nil {
			return Report{}, err
		}
		if err := e.cache.Set(ctx, key, r, e.ttl); err != nil {
			e.log.Warn("Analytics cache write failed", logger.String("key", key), logger.Error(err))
		}
		return r, nil
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

// Invalidate drops a period's cached report.
func (e *Engine) Invalidate(ctx context.Context, kind models.PeriodKind, anchor time.Time) error {
	return e.cache.Delete(ctx, CacheKey(kind, anchor))
}

func (e *Engine) report(ctx context.Context, values map[string]float64, kind models.PeriodKind, anchor time.Time) (Report, error) {
	trends, err := e.ComputeTrends(ctx, values, kind, anchor)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Period:      kind,
		Anchor:      Anchor(kind, anchor).Format(DateLayout),
		Metrics:     values,
		Trends:      trends,
		GeneratedAt: e.clock.Now(),
	}, nil
}

func (e *Engine) observeCache(result string) {
	if e.metrics != nil {
		e.metrics.AnalyticsCache.WithLabelValues(result).Inc()
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
