package series

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nedcast/forecast-engine/internal/model"
)

// ErrMissingInputs is returned when one of the four source series is absent
// or empty. It is a recoverable condition: no derived output this cycle.
var ErrMissingInputs = errors.New("series: source series missing or empty")

// SourceKeys are the canonical series every derived metric depends on.
var SourceKeys = []string{model.KeyWindOnshore, model.KeyWindOffshore, model.KeySolar, model.KeyConsumption}

// Point is the four source values matched at one timestamp.
type Point struct {
	Timestamp    time.Time
	Consumption  float64
	WindOnshore  float64
	WindOffshore float64
	Solar        float64
}

// TotalRenewable returns wind onshore + wind offshore + solar × gridFraction.
func (p Point) TotalRenewable(gridFraction float64) float64 {
	return TotalRenewable(p.WindOnshore, p.WindOffshore, p.Solar, gridFraction)
}

// Residual returns consumption minus total renewable production.
func (p Point) Residual(gridFraction float64) float64 {
	return p.Consumption - p.TotalRenewable(gridFraction)
}

// TotalRenewable applies the solar grid fraction once, at summation.
func TotalRenewable(windOnshore, windOffshore, solar, gridFraction float64) float64 {
	return windOnshore + windOffshore + solar*gridFraction
}

// CoveragePercentage returns renewable / consumption × 100, or 0 when
// consumption is not positive.
func CoveragePercentage(renewable, consumption float64) float64 {
	if consumption <= 0 {
		return 0
	}
	return renewable / consumption * 100
}

// FallbackPrice is the affine net-demand price approximation α·residual + β,
// used when no regression model is available.
func FallbackPrice(residual, alpha, beta float64) float64 {
	return alpha*residual + beta
}

// Align matches the four source series by timestamp value. The consumption
// series is the anchor; a timestamp is kept only when every other source has
// an observation with the same timestamp. Observations without a timestamp
// never match. The result is sorted ascending.
func Align(inputs map[string]model.Series) ([]Point, error) {
	var missing []string
	for _, key := range SourceKeys {
		if s, ok := inputs[key]; !ok || s.Empty() {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingInputs, strings.Join(missing, ", "))
	}

	onshore := index(inputs[model.KeyWindOnshore])
	offshore := index(inputs[model.KeyWindOffshore])
	solar := index(inputs[model.KeySolar])

	seen := make(map[int64]bool)
	var points []Point
	for _, obs := range inputs[model.KeyConsumption].Observations {
		ts := obs.Timestamp
		if ts.IsZero() || seen[ts.UnixNano()] {
			continue
		}
		on, ok1 := onshore[ts.UnixNano()]
		off, ok2 := offshore[ts.UnixNano()]
		sol, ok3 := solar[ts.UnixNano()]
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		seen[ts.UnixNano()] = true
		points = append(points, Point{
			Timestamp:    ts,
			Consumption:  obs.Value,
			WindOnshore:  on,
			WindOffshore: off,
			Solar:        sol,
		})
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

// Derived holds the composite series computed from aligned points.
type Derived struct {
	Points         []Point
	TotalRenewable model.Series
	Coverage       model.Series
}

// Derive computes total renewable and coverage percentage series.
func Derive(inputs map[string]model.Series, gridFraction float64) (*Derived, error) {
	points, err := Align(inputs)
	if err != nil {
		return nil, err
	}

	d := &Derived{
		Points:         points,
		TotalRenewable: model.Series{Name: model.KeyTotalRenewable, Unit: model.UnitGigawatt},
		Coverage:       model.Series{Name: model.KeyCoveragePercentage, Unit: model.UnitPercent},
	}
	for _, p := range points {
		total := p.TotalRenewable(gridFraction)
		coverage := CoveragePercentage(total, p.Consumption)
		d.TotalRenewable.Observations = append(d.TotalRenewable.Observations, model.Observation{
			Timestamp: p.Timestamp,
			Value:     total,
		})
		pct := coverage
		d.Coverage.Observations = append(d.Coverage.Observations, model.Observation{
			Timestamp:  p.Timestamp,
			Value:      coverage,
			Percentage: &pct,
		})
	}
	return d, nil
}

// Scale returns a copy of s with every value multiplied by factor.
func Scale(s model.Series, name, unit string, factor float64) model.Series {
	out := model.Series{Name: name, Unit: unit, Observations: make([]model.Observation, len(s.Observations))}
	for i, obs := range s.Observations {
		out.Observations[i] = model.Observation{Timestamp: obs.Timestamp, Value: obs.Value * factor}
	}
	return out
}

// index maps timestamp → value, keeping the first occurrence.
func index(s model.Series) map[int64]float64 {
	m := make(map[int64]float64, len(s.Observations))
	for _, obs := range s.Observations {
		if obs.Timestamp.IsZero() {
			continue
		}
		k := obs.Timestamp.UnixNano()
		if _, dup := m[k]; !dup {
			m[k] = obs.Value
		}
	}
	return m
}
