package series

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedcast/forecast-engine/internal/model"
)

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func hour(n int) time.Time { return base.Add(time.Duration(n) * time.Hour) }

func mkSeries(name string, values ...float64) model.Series {
	s := model.Series{Name: name, Unit: model.UnitGigawatt}
	for i, v := range values {
		s.Observations = append(s.Observations, model.Observation{Timestamp: hour(i), Value: v})
	}
	return s
}

// --- Normalize ---

func TestNormalize_SortsAndScales(t *testing.T) {
	records := []model.RawRecord{
		{"capacity": 3_000_000.0, "validfrom": "2025-03-10T14:00:00+00:00", "percentage": 0.4},
		{"capacity": 1_000_000.0, "validfrom": "2025-03-10T12:00:00+00:00", "lastupdate": "2025-03-10T06:00:00+00:00"},
		{"capacity": "2000000", "validfrom": "2025-03-10T13:00:00Z"},
	}

	s, skipped := Normalize(model.KeySolar, model.UnitGigawatt, records, 1e6)
	require.Equal(t, 0, skipped)
	require.Len(t, s.Observations, 3)

	assert.Equal(t, []float64{1, 2, 3}, []float64{s.Observations[0].Value, s.Observations[1].Value, s.Observations[2].Value})
	assert.True(t, s.Observations[0].Timestamp.Equal(hour(0)))
	require.NotNil(t, s.Observations[0].SourceUpdated)
	require.NotNil(t, s.Observations[2].Percentage)
	assert.InDelta(t, 0.4, *s.Observations[2].Percentage, 1e-12)
	assert.Nil(t, s.Observations[1].Percentage)
}

func TestNormalize_EmptyInputIsEmptySeries(t *testing.T) {
	s, skipped := Normalize(model.KeyConsumption, model.UnitGigawatt, nil, 1e6)
	assert.Equal(t, 0, skipped)
	assert.True(t, s.Empty())
	assert.Equal(t, model.KeyConsumption, s.Name)
}

func TestNormalize_SkipsOnlyMalformedRecords(t *testing.T) {
	records := []model.RawRecord{
		{"capacity": 1.0, "validfrom": "2025-03-10T13:00:00Z"},
		{"capacity": 2.0, "validfrom": "not a time"},
		{"capacity": "abc", "validfrom": "2025-03-10T14:00:00Z"},
		{"capacity": 4.0},
		{"validfrom": "2025-03-10T12:00:00Z"},
		{"capacity": json.Number("6"), "validfrom": "2025-03-10T15:00:00Z"},
		{"capacity": "NaN", "validfrom": "2025-03-10T16:00:00Z"},
		{"capacity": "Inf", "validfrom": "2025-03-10T17:00:00Z"},
		{"capacity": math.Inf(-1), "validfrom": "2025-03-10T18:00:00Z"},
	}

	s, skipped := Normalize("x", model.UnitGigawatt, records, 1)
	assert.Equal(t, 5, skipped)
	require.Len(t, s.Observations, len(records)-skipped)

	// Missing timestamp sorts first, missing capacity is zero.
	assert.True(t, s.Observations[0].Timestamp.IsZero())
	assert.Equal(t, 4.0, s.Observations[0].Value)
	assert.Equal(t, 0.0, s.Observations[1].Value)
	for i := 1; i < len(s.Observations); i++ {
		assert.False(t, s.Observations[i].Timestamp.Before(s.Observations[i-1].Timestamp), "not sorted at %d", i)
	}
	for _, obs := range s.Observations {
		assert.False(t, math.IsNaN(obs.Value) || math.IsInf(obs.Value, 0))
	}
}

func TestNormalize_NonFinitePercentageDropped(t *testing.T) {
	records := []model.RawRecord{
		{"capacity": 1.0, "percentage": "nan", "validfrom": "2025-03-10T13:00:00Z"},
	}
	s, skipped := Normalize("x", model.UnitGigawatt, records, 1)
	assert.Equal(t, 0, skipped)
	require.Len(t, s.Observations, 1)
	assert.Nil(t, s.Observations[0].Percentage)
}

func TestNormalize_StableForDuplicates(t *testing.T) {
	records := []model.RawRecord{
		{"capacity": 1.0, "validfrom": "2025-03-10T13:00:00Z"},
		{"capacity": 2.0, "validfrom": "2025-03-10T12:00:00Z"},
		{"capacity": 3.0, "validfrom": "2025-03-10T13:00:00Z"},
	}
	s, _ := Normalize("x", "", records, 1)
	require.Len(t, s.Observations, 3)
	assert.Equal(t, 2.0, s.Observations[0].Value)
	assert.Equal(t, 1.0, s.Observations[1].Value)
	assert.Equal(t, 3.0, s.Observations[2].Value)
}

// --- Derive ---

func TestDerive_EndToEndScenario(t *testing.T) {
	inputs := map[string]model.Series{
		model.KeyConsumption:  mkSeries(model.KeyConsumption, 10, 10, 10),
		model.KeyWindOnshore:  mkSeries(model.KeyWindOnshore, 2, 2, 2),
		model.KeyWindOffshore: mkSeries(model.KeyWindOffshore, 1, 1, 1),
		model.KeySolar:        mkSeries(model.KeySolar, 0, 0, 0),
	}

	d, err := Derive(inputs, 1.0)
	require.NoError(t, err)
	require.Len(t, d.Points, 3)

	for i := 0; i < 3; i++ {
		assert.InDelta(t, 3.0, d.TotalRenewable.Observations[i].Value, 1e-12)
		assert.InDelta(t, 30.0, d.Coverage.Observations[i].Value, 1e-12)
		residual := d.Points[i].Residual(1.0)
		assert.InDelta(t, 7.0, residual, 1e-12)
		assert.InDelta(t, 8.01, FallbackPrice(residual, 1.08, 0.45), 1e-9)
	}
}

func TestDerive_GridFractionAppliedToSolarOnce(t *testing.T) {
	inputs := map[string]model.Series{
		model.KeyConsumption:  mkSeries(model.KeyConsumption, 10),
		model.KeyWindOnshore:  mkSeries(model.KeyWindOnshore, 1),
		model.KeyWindOffshore: mkSeries(model.KeyWindOffshore, 1),
		model.KeySolar:        mkSeries(model.KeySolar, 4),
	}
	d, err := Derive(inputs, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, d.TotalRenewable.Observations[0].Value, 1e-12)
}

func TestDerive_MissingInputYieldsNoOutput(t *testing.T) {
	inputs := map[string]model.Series{
		model.KeyConsumption:  mkSeries(model.KeyConsumption, 10),
		model.KeyWindOnshore:  mkSeries(model.KeyWindOnshore, 1),
		model.KeyWindOffshore: mkSeries(model.KeyWindOffshore, 1),
		model.KeySolar:        {Name: model.KeySolar},
	}
	d, err := Derive(inputs, 1)
	assert.Nil(t, d)
	assert.True(t, errors.Is(err, ErrMissingInputs))
	assert.Contains(t, err.Error(), model.KeySolar)
}

func TestAlign_MatchesByTimestampNotPosition(t *testing.T) {
	consumption := mkSeries(model.KeyConsumption, 10, 11, 12)
	// Solar starts one hour later and has no observation for hour 0.
	solar := model.Series{Name: model.KeySolar, Observations: []model.Observation{
		{Timestamp: hour(1), Value: 5},
		{Timestamp: hour(2), Value: 6},
	}}
	inputs := map[string]model.Series{
		model.KeyConsumption:  consumption,
		model.KeyWindOnshore:  mkSeries(model.KeyWindOnshore, 1, 1, 1),
		model.KeyWindOffshore: mkSeries(model.KeyWindOffshore, 1, 1, 1),
		model.KeySolar:        solar,
	}
	points, err := Align(inputs)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 11.0, points[0].Consumption)
	assert.Equal(t, 5.0, points[0].Solar)
	assert.Equal(t, 12.0, points[1].Consumption)
	assert.Equal(t, 6.0, points[1].Solar)
}

func TestCoveragePercentage_NonPositiveConsumption(t *testing.T) {
	assert.Equal(t, 0.0, CoveragePercentage(5, 0))
	assert.Equal(t, 0.0, CoveragePercentage(5, -1))
}

func TestScale(t *testing.T) {
	s := Scale(mkSeries("p", 2, -4), model.KeyFeedInTariff, model.UnitPrice, 0.5)
	assert.Equal(t, model.KeyFeedInTariff, s.Name)
	assert.Equal(t, 1.0, s.Observations[0].Value)
	assert.Equal(t, -2.0, s.Observations[1].Value)
}

// --- Resolve ---

func TestResolve_PastAndFuture(t *testing.T) {
	s := mkSeries("x", 1, 2)
	now := hour(0).Add(30 * time.Minute)

	res := Resolve(s, now)
	require.NotNil(t, res.Current)
	assert.Equal(t, 1.0, res.Current.Value)
	assert.Equal(t, 0, res.Index)
	assert.Len(t, res.Upcoming, 1)
	assert.Len(t, res.Forecast, 2)
}

func TestResolve_AllFutureFallsBackToFirst(t *testing.T) {
	s := mkSeries("x", 7, 8, 9)
	res := Resolve(s, hour(-5))
	require.NotNil(t, res.Current)
	assert.Equal(t, 7.0, res.Current.Value)
	assert.Len(t, res.Upcoming, 2)
}

func TestResolve_Empty(t *testing.T) {
	res := Resolve(model.Series{}, base)
	assert.Nil(t, res.Current)
	assert.Equal(t, -1, res.Index)
	assert.Empty(t, res.Upcoming)
}

func TestResolve_AllPastPicksLast(t *testing.T) {
	s := mkSeries("x", 1, 2, 3)
	res := Resolve(s, hour(10))
	require.NotNil(t, res.Current)
	assert.Equal(t, 3.0, res.Current.Value)
	assert.Empty(t, res.Upcoming)
}

func TestResolve_ExactBoundaryIsCurrent(t *testing.T) {
	s := mkSeries("x", 1, 2, 3)
	res := Resolve(s, hour(1))
	require.NotNil(t, res.Current)
	assert.Equal(t, 2.0, res.Current.Value)
}

func TestParseTime(t *testing.T) {
	ts, err := ParseTime("2025-03-10 12:00:00")
	require.NoError(t, err)
	assert.True(t, ts.Equal(base))

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}
