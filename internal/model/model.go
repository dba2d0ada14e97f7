// Package model defines the core domain types shared across the forecast engine.
// Power values are float64 in the series unit (GW after normalization);
// rounding for presentation happens at the API boundary with shopspring/decimal.
package model

import "time"

// Canonical series keys. The first four are fetched from the provider, the
// rest are derived from them.
const (
	KeyConsumption        = "consumption"
	KeySolar              = "solar"
	KeyWindOnshore        = "wind_onshore"
	KeyWindOffshore       = "wind_offshore"
	KeyTotalRenewable     = "total_renewable"
	KeyCoveragePercentage = "coverage_percentage"
	KeyPriceForecast      = "price_forecast"
	KeyFeedInTariff       = "feed_in_tariff"
)

// Units attached to series.
const (
	UnitGigawatt = "GW"
	UnitPercent  = "%"
	UnitPrice    = "ct/kWh"
)

// Observation is one timestamped value of a series. A zero Timestamp means
// the provider record carried no timestamp.
type Observation struct {
	Timestamp     time.Time  `json:"timestamp"`
	Value         float64    `json:"value"`
	Percentage    *float64   `json:"percentage,omitempty"`
	SourceUpdated *time.Time `json:"source_updated,omitempty"`
}

// Series is a named, chronologically sorted sequence of observations.
// A Series is rebuilt wholesale on every refresh and never mutated afterwards.
type Series struct {
	Name         string        `json:"name"`
	Unit         string        `json:"unit"`
	Observations []Observation `json:"observations"`
}

// Len returns the number of observations.
func (s Series) Len() int { return len(s.Observations) }

// Empty reports whether the series has no observations.
func (s Series) Empty() bool { return len(s.Observations) == 0 }

// RawRecord is an undecoded provider record. Dynamic typing stops at the
// series normalizer.
type RawRecord map[string]any

// StateChange is one entry from the historical-state store.
type StateChange struct {
	Timestamp time.Time `json:"timestamp" db:"changed_at"`
	State     string    `json:"state" db:"state"`
}

// ModelMetrics describes the quality of the fitted regression model.
type ModelMetrics struct {
	RSquared       float64   `json:"r_squared"`
	DatapointCount int       `json:"datapoint_count"`
	FitTime        time.Time `json:"fit_time"`
}

// Price sources reported alongside the price forecast.
const (
	PriceSourceRegression = "regression"
	PriceSourceFallback   = "fallback"
)
