// Package forecast coordinates the hourly refresh of provider series, the
// derived metrics, and the regression-based price forecast with its periodic
// refit.
//
// The fitted model and its metrics live in one immutable ModelSnapshot that is
// swapped atomically; the published series live in one immutable Outputs
// value swapped the same way. Readers never take a lock.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nedcast/forecast-engine/internal/history"
	"github.com/nedcast/forecast-engine/internal/metrics"
	"github.com/nedcast/forecast-engine/internal/model"
	"github.com/nedcast/forecast-engine/internal/provider"
	"github.com/nedcast/forecast-engine/internal/regression"
	"github.com/nedcast/forecast-engine/internal/series"
)

var (
	// ErrRefreshInProgress is returned when a refresh is already running.
	ErrRefreshInProgress = errors.New("forecast: refresh already in progress")
	// ErrRefitInProgress is returned when a refit is already running.
	ErrRefitInProgress = errors.New("forecast: refit already in progress")
	// ErrNoPriceSource is returned by Refit when no price entity is
	// configured, so there is nothing to train against.
	ErrNoPriceSource = errors.New("forecast: no price entity configured")
)

// Fetcher is the provider fetch collaborator.
type Fetcher interface {
	Fetch(ctx context.Context, typeID, activity, horizonHours int) ([]model.RawRecord, error)
}

// History is the historical-state collaborator: it serves training windows
// and receives the current value of each series after a refresh.
type History interface {
	history.Source
	RecordStates(ctx context.Context, entityID string, changes []model.StateChange) error
}

// Notifier receives coordinator events (the WebSocket hub in production).
type Notifier interface {
	Notify(Event)
}

// Event types.
const (
	EventForecastRefreshed = "forecast_refreshed"
	EventModelRefit        = "model_refit"
)

// Event is published after a successful refresh or refit.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Params configures a Coordinator.
type Params struct {
	HorizonHours int
	UnitDivisor  float64

	// PriceEntity is the history id of the price series. Empty disables
	// the regression model.
	PriceEntity string
	// HistoryEntities maps canonical series keys to history ids.
	HistoryEntities map[string]string
	Window          time.Duration
	MinDatapoints   int
	MaxModelAge     time.Duration
	RefitHour       int
	RefitMinute     int

	GridFraction  float64
	FallbackAlpha float64
	FallbackBeta  float64
	PriceMin      float64
	PriceMax      float64
	FeedInFactor  float64
}

// State is the coordinator lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateNoModel
	StateModelFitted
)

func (s State) String() string {
	switch s {
	case StateNoModel:
		return "ready_no_model"
	case StateModelFitted:
		return "ready_model_fitted"
	default:
		return "uninitialized"
	}
}

// ModelSnapshot is a fitted model with the metrics of that fit. It is never
// mutated after publication.
type ModelSnapshot struct {
	RunID       string
	Model       *regression.OLS
	Metrics     model.ModelMetrics
	Diagnostics history.Diagnostics
}

// Outputs is the published series map of one refresh cycle.
type Outputs struct {
	RunID       string
	UpdatedAt   time.Time
	PriceSource string
	Series      map[string]model.Series
}

// Lookup returns the named series.
func (o *Outputs) Lookup(key string) (model.Series, bool) {
	if o == nil {
		return model.Series{}, false
	}
	s, ok := o.Series[key]
	return s, ok
}

// Option configures optional collaborators.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithNotifier attaches an event sink.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// Coordinator owns the model and output snapshots.
type Coordinator struct {
	fetcher  Fetcher
	history  History
	params   Params
	now      func() time.Time
	notifier Notifier

	snapshot atomic.Pointer[ModelSnapshot]
	outputs  atomic.Pointer[Outputs]
	lastDiag atomic.Pointer[history.Diagnostics]

	refreshMu sync.Mutex
	refitMu   sync.Mutex
}

// NewCoordinator creates a coordinator in the uninitialized state.
func NewCoordinator(fetcher Fetcher, hist History, params Params, opts ...Option) *Coordinator {
	c := &Coordinator{
		fetcher: fetcher,
		history: hist,
		params:  params,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the lifecycle state.
func (c *Coordinator) State() State {
	switch {
	case c.outputs.Load() == nil:
		return StateUninitialized
	case c.snapshot.Load() == nil:
		return StateNoModel
	default:
		return StateModelFitted
	}
}

// Outputs returns the latest published series, or nil before the first
// successful refresh.
func (c *Coordinator) Outputs() *Outputs { return c.outputs.Load() }

// Snapshot returns the current model, or nil when none has been fitted.
func (c *Coordinator) Snapshot() *ModelSnapshot { return c.snapshot.Load() }

// LastDiagnostics returns the diagnostics of the most recent training-set
// build, successful or not.
func (c *Coordinator) LastDiagnostics() *history.Diagnostics { return c.lastDiag.Load() }

// NeedsRefit reports whether a price entity is configured and the model is
// missing or older than MaxModelAge.
func (c *Coordinator) NeedsRefit() bool {
	if c.params.PriceEntity == "" {
		return false
	}
	snap := c.snapshot.Load()
	if snap == nil {
		return true
	}
	return c.now().Sub(snap.Metrics.FitTime) > c.params.MaxModelAge
}

// Refresh runs fetch → normalize → derive → predict and publishes a new
// Outputs value. Credential faults from the provider and cancellation of
// ctx fail a refresh; the previous outputs are then kept.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if !c.refreshMu.TryLock() {
		metrics.RefreshTotal.WithLabelValues("skipped").Inc()
		return ErrRefreshInProgress
	}
	defer c.refreshMu.Unlock()

	runID := uuid.NewString()
	log := slog.With("run_id", runID)
	now := c.now()

	canonical, err := c.fetchAll(ctx, log)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues("failed").Inc()
		log.Error("refresh failed, keeping previous outputs", "err", err)
		return fmt.Errorf("refresh: %w", err)
	}

	// The model is trained on history only, so a missing live series does
	// not hold back the refit.
	if c.NeedsRefit() {
		if _, err := c.Refit(ctx); err != nil && !errors.Is(err, ErrRefitInProgress) {
			log.Warn("refit before prediction failed", "err", err)
		}
	}

	out := &Outputs{
		RunID:     runID,
		UpdatedAt: now,
		Series:    make(map[string]model.Series, 8),
	}
	for key, s := range canonical {
		out.Series[key] = s
	}

	derived, err := series.Derive(canonical, c.params.GridFraction)
	if err != nil {
		log.Warn("derived metrics skipped this cycle", "err", err)
	} else {
		out.Series[model.KeyTotalRenewable] = derived.TotalRenewable
		out.Series[model.KeyCoveragePercentage] = derived.Coverage

		price, source := c.predictPrices(derived.Points, c.snapshot.Load())
		out.PriceSource = source
		out.Series[model.KeyPriceForecast] = price
		out.Series[model.KeyFeedInTariff] = series.Scale(price, model.KeyFeedInTariff, model.UnitPrice, c.params.FeedInFactor)
	}

	c.outputs.Store(out)
	for key, s := range out.Series {
		metrics.SeriesLength.WithLabelValues(key).Set(float64(s.Len()))
	}
	metrics.RefreshTotal.WithLabelValues("ok").Inc()
	log.Info("refresh complete", "series", len(out.Series), "price_source", out.PriceSource, "state", c.State().String())

	c.recordCurrent(ctx, canonical, now, log)
	c.notify(EventForecastRefreshed, now, map[string]any{
		"run_id":       runID,
		"series":       len(out.Series),
		"price_source": out.PriceSource,
	})
	return nil
}

// fetchAll fetches the four canonical types concurrently. A recoverable
// failure yields an empty series for that type; a credential fault cancels
// the remaining fetches and is returned. Cancellation of ctx is returned
// rather than read as a set of empty series.
func (c *Coordinator) fetchAll(ctx context.Context, log *slog.Logger) (map[string]model.Series, error) {
	results := make([]model.Series, len(provider.DataTypes))
	g, gctx := errgroup.WithContext(ctx)

	for i, dt := range provider.DataTypes {
		g.Go(func() error {
			start := time.Now()
			records, err := c.fetcher.Fetch(gctx, dt.TypeID, dt.Activity, c.params.HorizonHours)
			metrics.FetchLatency.WithLabelValues(dt.Key).Observe(time.Since(start).Seconds())

			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				if provider.IsFatal(err) {
					metrics.FetchErrors.WithLabelValues(dt.Key, "fatal").Inc()
					return fmt.Errorf("fetch %s: %w", dt.Key, err)
				}
				metrics.FetchErrors.WithLabelValues(dt.Key, "unavailable").Inc()
				log.Warn("fetch failed, series empty this cycle", "type", dt.Key, "err", err)
				records = nil
			}

			s, skipped := series.Normalize(dt.Key, model.UnitGigawatt, records, c.params.UnitDivisor)
			if skipped > 0 {
				log.Warn("skipped malformed records", "type", dt.Key, "skipped", skipped)
			}
			if s.Empty() {
				log.Warn("no data for type", "type", dt.Key)
			}
			results[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	canonical := make(map[string]model.Series, len(results))
	for i, dt := range provider.DataTypes {
		canonical[dt.Key] = results[i]
	}
	return canonical, nil
}

// predictPrices produces one price per aligned point. With a model the
// prediction is clamped to [PriceMin, PriceMax]; without one the fallback
// formula is used unclamped.
func (c *Coordinator) predictPrices(points []series.Point, snap *ModelSnapshot) (model.Series, string) {
	out := model.Series{Name: model.KeyPriceForecast, Unit: model.UnitPrice, Observations: make([]model.Observation, 0, len(points))}
	gf := c.params.GridFraction

	if snap != nil {
		var err error
		for _, p := range points {
			var v float64
			if v, err = snap.Model.PredictOne([]float64{p.Residual(gf)}); err != nil {
				break
			}
			out.Observations = append(out.Observations, model.Observation{
				Timestamp: p.Timestamp,
				Value:     clamp(v, c.params.PriceMin, c.params.PriceMax),
			})
		}
		if err == nil {
			return out, model.PriceSourceRegression
		}
		out.Observations = out.Observations[:0]
		slog.Error("model prediction failed, using fallback formula", "err", err)
	}

	for _, p := range points {
		out.Observations = append(out.Observations, model.Observation{
			Timestamp: p.Timestamp,
			Value:     series.FallbackPrice(p.Residual(gf), c.params.FallbackAlpha, c.params.FallbackBeta),
		})
	}
	return out, model.PriceSourceFallback
}

// Refit rebuilds the training set from history and fits a new model. On any
// failure the previous snapshot stays published unchanged.
func (c *Coordinator) Refit(ctx context.Context) (*ModelSnapshot, error) {
	if c.params.PriceEntity == "" {
		return nil, ErrNoPriceSource
	}
	if !c.refitMu.TryLock() {
		metrics.RefitTotal.WithLabelValues("skipped").Inc()
		return nil, ErrRefitInProgress
	}
	defer c.refitMu.Unlock()

	runID := uuid.NewString()
	log := slog.With("run_id", runID)
	now := c.now()

	entities := make(map[string]string, len(c.params.HistoryEntities)+1)
	for key, id := range c.params.HistoryEntities {
		entities[key] = id
	}
	entities[history.StreamPrice] = c.params.PriceEntity

	streams, err := history.Collect(ctx, c.history, entities, c.params.Window, now)
	if err != nil {
		metrics.RefitTotal.WithLabelValues("error").Inc()
		log.Error("refit: history query failed, keeping previous model", "err", err)
		return nil, fmt.Errorf("refit: %w", err)
	}

	builder := history.Builder{GridFraction: c.params.GridFraction, MinDatapoints: c.params.MinDatapoints}
	set, err := builder.Build(streams)
	if set != nil {
		diag := set.Diagnostics
		c.lastDiag.Store(&diag)
	}
	if err != nil {
		metrics.RefitTotal.WithLabelValues("insufficient").Inc()
		log.Warn("refit skipped, keeping previous model", "err", err)
		return nil, fmt.Errorf("refit: %w", err)
	}

	ols := &regression.OLS{}
	if err := ols.Fit(set.X, set.Y); err != nil {
		outcome := "error"
		if errors.Is(err, regression.ErrSingularMatrix) {
			outcome = "singular"
		}
		metrics.RefitTotal.WithLabelValues(outcome).Inc()
		log.Warn("refit failed, keeping previous model", "rows", len(set.X), "err", err)
		return nil, fmt.Errorf("refit: %w", err)
	}

	r2, err := ols.Score(set.X, set.Y)
	if err != nil {
		return nil, fmt.Errorf("refit: %w", err)
	}

	snap := &ModelSnapshot{
		RunID: runID,
		Model: ols,
		Metrics: model.ModelMetrics{
			RSquared:       r2,
			DatapointCount: len(set.X),
			FitTime:        now,
		},
		Diagnostics: set.Diagnostics,
	}
	c.snapshot.Store(snap)

	metrics.RefitTotal.WithLabelValues("ok").Inc()
	metrics.ModelRSquared.Set(r2)
	metrics.ModelDatapoints.Set(float64(len(set.X)))
	metrics.ModelFitTimestamp.Set(float64(now.Unix()))
	log.Info("model refit",
		"r_squared", r2,
		"datapoints", len(set.X),
		"intercept", ols.Intercept(),
		"coefficients", ols.Coefficients(),
	)

	c.notify(EventModelRefit, now, snap.Metrics)
	return snap, nil
}

// recordCurrent writes the resolved current value of each canonical series
// to history so the service accumulates its own training data.
func (c *Coordinator) recordCurrent(ctx context.Context, canonical map[string]model.Series, now time.Time, log *slog.Logger) {
	if c.history == nil {
		return
	}
	for key, entityID := range c.params.HistoryEntities {
		if entityID == "" {
			continue
		}
		res := series.Resolve(canonical[key], now)
		if res.Current == nil {
			continue
		}
		change := model.StateChange{
			Timestamp: now,
			State:     strconv.FormatFloat(res.Current.Value, 'f', -1, 64),
		}
		if err := c.history.RecordStates(ctx, entityID, []model.StateChange{change}); err != nil {
			log.Warn("recording history failed", "entity", entityID, "err", err)
		}
	}
}

func (c *Coordinator) notify(kind string, at time.Time, data any) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(Event{ID: uuid.NewString(), Type: kind, Time: at, Data: data})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
