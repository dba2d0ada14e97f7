// Package api provides the HTTP handlers for reading the published forecast
// series, inspecting and refitting the price model, triggering refreshes and
// ingesting historical states.
//
// Values are rounded for presentation with shopspring/decimal: power and
// percentages to one decimal, prices to three.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/nedcast/forecast-engine/internal/forecast"
	"github.com/nedcast/forecast-engine/internal/history"
	"github.com/nedcast/forecast-engine/internal/model"
	"github.com/nedcast/forecast-engine/internal/provider"
	"github.com/nedcast/forecast-engine/internal/regression"
	"github.com/nedcast/forecast-engine/internal/series"
	"github.com/nedcast/forecast-engine/internal/store"
)

// Engine is the coordinator surface the handlers use.
type Engine interface {
	State() forecast.State
	Outputs() *forecast.Outputs
	Snapshot() *forecast.ModelSnapshot
	LastDiagnostics() *history.Diagnostics
	NeedsRefit() bool
	Refresh(ctx context.Context) error
	Refit(ctx context.Context) (*forecast.ModelSnapshot, error)
}

// Service serves the forecast API.
type Service struct {
	engine  Engine
	history store.Store
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock used to resolve current values.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the API service.
func NewService(engine Engine, hist store.Store, opts ...Option) *Service {
	s := &Service{
		engine:  engine,
		history: hist,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Response types ---

// SeriesSummary describes one published series.
type SeriesSummary struct {
	Key    string `json:"key"`
	Unit   string `json:"unit"`
	Length int    `json:"length"`
}

// SeriesListResponse is returned from GET /series and POST /refresh.
type SeriesListResponse struct {
	State       string          `json:"state"`
	RunID       string          `json:"run_id,omitempty"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
	PriceSource string          `json:"price_source,omitempty"`
	Series      []SeriesSummary `json:"series"`
}

// ObservationView is a rounded observation.
type ObservationView struct {
	Timestamp  *time.Time       `json:"timestamp"`
	Value      decimal.Decimal  `json:"value"`
	Percentage *decimal.Decimal `json:"percentage,omitempty"`
}

// SeriesResponse is returned from GET /series/{key}.
type SeriesResponse struct {
	Key          string            `json:"key"`
	Unit         string            `json:"unit"`
	Observations []ObservationView `json:"observations"`
}

// ForecastPoint is one entry of the forecast attribute.
type ForecastPoint struct {
	Datetime *time.Time      `json:"datetime"`
	Value    decimal.Decimal `json:"value"`
}

// CurrentAttributes mirrors the sensor attribute set.
type CurrentAttributes struct {
	LastUpdated   *time.Time       `json:"last_updated"`
	Percentage    *decimal.Decimal `json:"percentage"`
	APILastUpdate *time.Time       `json:"api_last_update"`
	Forecast      []ForecastPoint  `json:"forecast,omitempty"`
	ForecastHours int              `json:"forecast_hours,omitempty"`
	UpcomingHours int              `json:"upcoming_hours"`
}

// CurrentResponse is returned from GET /series/{key}/current. Value is null
// for an empty series.
type CurrentResponse struct {
	Key        string             `json:"key"`
	Unit       string             `json:"unit"`
	Value      *decimal.Decimal   `json:"value"`
	Attributes *CurrentAttributes `json:"attributes,omitempty"`
}

// ModelView describes a fitted model.
type ModelView struct {
	RunID          string            `json:"run_id"`
	Intercept      decimal.Decimal   `json:"intercept"`
	Coefficients   []decimal.Decimal `json:"coefficients"`
	Features       int               `json:"features"`
	RSquared       decimal.Decimal   `json:"r_squared"`
	DatapointCount int               `json:"datapoint_count"`
	FitTime        time.Time         `json:"fit_time"`
	AgeSeconds     int64             `json:"age_seconds"`
}

// ModelStatusResponse is returned from GET /model and POST /model/refit.
type ModelStatusResponse struct {
	State       string               `json:"state"`
	Source      string               `json:"source"`
	NeedsRefit  bool                 `json:"needs_refit"`
	Model       *ModelView           `json:"model"`
	Diagnostics *history.Diagnostics `json:"diagnostics,omitempty"`
}

// IngestResponse is returned from POST /history/{entityID}.
type IngestResponse struct {
	EntityID string `json:"entity_id"`
	Recorded int    `json:"recorded"`
}

// EntitiesResponse is returned from GET /history.
type EntitiesResponse struct {
	Entities []string `json:"entities"`
}

// HistoryResponse is returned from GET /history/{entityID}.
type HistoryResponse struct {
	EntityID string              `json:"entity_id"`
	From     time.Time           `json:"from"`
	To       time.Time           `json:"to"`
	States   []model.StateChange `json:"states"`
}

// --- HTTP Handlers ---

// ListSeries handles GET /api/v1/series
func (s *Service) ListSeries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.summary())
}

// GetSeries handles GET /api/v1/series/{key}
func (s *Service) GetSeries(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	ser, ok := s.engine.Outputs().Lookup(key)
	if !ok {
		writeError(w, "series not found", http.StatusNotFound)
		return
	}

	places := precision(ser.Unit)
	resp := SeriesResponse{Key: key, Unit: ser.Unit, Observations: make([]ObservationView, 0, ser.Len())}
	for _, obs := range ser.Observations {
		resp.Observations = append(resp.Observations, ObservationView{
			Timestamp:  timePtr(obs.Timestamp),
			Value:      round(obs.Value, places),
			Percentage: roundPtr(obs.Percentage, 1),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCurrent handles GET /api/v1/series/{key}/current
func (s *Service) GetCurrent(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	ser, ok := s.engine.Outputs().Lookup(key)
	if !ok {
		writeError(w, "series not found", http.StatusNotFound)
		return
	}

	resp := CurrentResponse{Key: key, Unit: ser.Unit}
	res := series.Resolve(ser, s.now())
	if res.Current != nil {
		places := precision(ser.Unit)
		v := round(res.Current.Value, places)
		resp.Value = &v

		attrs := &CurrentAttributes{
			LastUpdated:   timePtr(res.Current.Timestamp),
			Percentage:    roundPtr(res.Current.Percentage, 1),
			APILastUpdate: res.Current.SourceUpdated,
		}
		for _, obs := range res.Forecast {
			attrs.Forecast = append(attrs.Forecast, ForecastPoint{
				Datetime: timePtr(obs.Timestamp),
				Value:    round(obs.Value, places),
			})
		}
		attrs.ForecastHours = len(attrs.Forecast)
		attrs.UpcomingHours = len(res.Upcoming)
		resp.Attributes = attrs
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetModel handles GET /api/v1/model
func (s *Service) GetModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.modelStatus(s.engine.Snapshot()))
}

// Refit handles POST /api/v1/model/refit
func (s *Service) Refit(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Refit(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.modelStatus(snap))
	case errors.Is(err, forecast.ErrNoPriceSource):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, forecast.ErrRefitInProgress):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, history.ErrInsufficientData), errors.Is(err, regression.ErrSingularMatrix):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// Refresh handles POST /api/v1/refresh
func (s *Service) Refresh(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Refresh(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.summary())
	case errors.Is(err, forecast.ErrRefreshInProgress):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, err.Error(), http.StatusGatewayTimeout)
	case provider.IsFatal(err):
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// IngestHistory handles POST /api/v1/history/{entityID}
func (s *Service) IngestHistory(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	var changes []model.StateChange
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(changes) == 0 {
		writeError(w, "no states given", http.StatusBadRequest)
		return
	}
	for _, c := range changes {
		if c.Timestamp.IsZero() {
			writeError(w, "every state needs a timestamp", http.StatusBadRequest)
			return
		}
	}

	if err := s.history.RecordStates(r.Context(), entityID, changes); err != nil {
		if errors.Is(err, store.ErrEmptyEntity) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "failed to record states", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, IngestResponse{EntityID: entityID, Recorded: len(changes)})
}

// ListEntities handles GET /api/v1/history
func (s *Service) ListEntities(w http.ResponseWriter, r *http.Request) {
	ids, err := s.history.Entities(r.Context())
	if err != nil {
		writeError(w, "failed to list entities", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, EntitiesResponse{Entities: ids})
}

// GetHistory handles GET /api/v1/history/{entityID}?from=&to=
// The window defaults to the last 24 hours.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	to := s.now()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "invalid from", http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "invalid to", http.StatusBadRequest)
			return
		}
		to = t
	}
	if to.Before(from) {
		writeError(w, "to is before from", http.StatusBadRequest)
		return
	}

	states, err := s.history.StateHistory(r.Context(), entityID, from, to)
	if err != nil {
		writeError(w, "failed to read history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{EntityID: entityID, From: from, To: to, States: states})
}

// --- Helpers ---

func (s *Service) summary() SeriesListResponse {
	resp := SeriesListResponse{State: s.engine.State().String(), Series: []SeriesSummary{}}
	out := s.engine.Outputs()
	if out == nil {
		return resp
	}
	resp.RunID = out.RunID
	resp.UpdatedAt = timePtr(out.UpdatedAt)
	resp.PriceSource = out.PriceSource
	for key, ser := range out.Series {
		resp.Series = append(resp.Series, SeriesSummary{Key: key, Unit: ser.Unit, Length: ser.Len()})
	}
	sort.Slice(resp.Series, func(i, j int) bool { return resp.Series[i].Key < resp.Series[j].Key })
	return resp
}

func (s *Service) modelStatus(snap *forecast.ModelSnapshot) ModelStatusResponse {
	resp := ModelStatusResponse{
		State:       s.engine.State().String(),
		Source:      model.PriceSourceFallback,
		NeedsRefit:  s.engine.NeedsRefit(),
		Diagnostics: s.engine.LastDiagnostics(),
	}
	if snap == nil {
		return resp
	}

	resp.Source = model.PriceSourceRegression
	view := &ModelView{
		RunID:          snap.RunID,
		Intercept:      round(snap.Model.Intercept(), 6),
		Features:       snap.Model.Width(),
		RSquared:       round(snap.Metrics.RSquared, 4),
		DatapointCount: snap.Metrics.DatapointCount,
		FitTime:        snap.Metrics.FitTime,
		AgeSeconds:     int64(s.now().Sub(snap.Metrics.FitTime).Seconds()),
	}
	for _, c := range snap.Model.Coefficients() {
		view.Coefficients = append(view.Coefficients, round(c, 6))
	}
	resp.Model = view
	return resp
}

func precision(unit string) int32 {
	if unit == model.UnitPrice {
		return 3
	}
	return 1
}

func round(v float64, places int32) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(places)
}

func roundPtr(v *float64, places int32) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := round(*v, places)
	return &d
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
