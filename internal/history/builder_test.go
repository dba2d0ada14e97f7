package history

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedcast/forecast-engine/internal/model"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func states(hours []int, value func(h int) float64) []model.StateChange {
	out := make([]model.StateChange, 0, len(hours))
	for _, h := range hours {
		out = append(out, model.StateChange{
			Timestamp: t0.Add(time.Duration(h)*time.Hour + 10*time.Minute),
			State:     strconv.FormatFloat(value(h), 'f', -1, 64),
		})
	}
	return out
}

func span(from, to int) []int {
	var hs []int
	for h := from; h < to; h++ {
		hs = append(hs, h)
	}
	return hs
}

func constant(v float64) func(int) float64 { return func(int) float64 { return v } }

func fullDay() Streams {
	all := span(0, 24)
	return Streams{
		StreamConsumption:  states(all, constant(12)),
		StreamWindOnshore:  states(all, constant(2)),
		StreamWindOffshore: states(all, constant(1)),
		StreamSolar:        states(all, constant(3)),
		StreamPrice:        states(all, func(h int) float64 { return float64(h) }),
	}
}

func TestBuild_NightSolarIsImputed(t *testing.T) {
	s := fullDay()
	s[StreamSolar] = states(span(6, 20), constant(3))

	set, err := Builder{GridFraction: 1, MinDatapoints: 1}.Build(s)
	require.NoError(t, err)

	assert.Len(t, set.X, 24)
	assert.Equal(t, 10, set.Diagnostics.SolarImputed)
	assert.Equal(t, 14, set.Diagnostics.SolarReal)

	// 02:00 has no solar: residual = 12 - (2 + 1 + 0).
	assert.InDelta(t, 9.0, set.X[2][0], 1e-12)
	// 12:00 has solar: residual = 12 - (2 + 1 + 3).
	assert.InDelta(t, 6.0, set.X[12][0], 1e-12)
}

func TestBuild_MissingWindSkipsHour(t *testing.T) {
	s := fullDay()
	hours := span(0, 24)
	hours = append(hours[:5], hours[6:]...)
	s[StreamWindOnshore] = states(hours, constant(2))

	set, err := Builder{GridFraction: 1, MinDatapoints: 1}.Build(s)
	require.NoError(t, err)

	assert.Len(t, set.X, 23)
	assert.Equal(t, 1, set.Diagnostics.Skipped[StreamWindOnshore])
	for _, h := range set.Hours {
		assert.NotEqual(t, t0.Add(5*time.Hour), h)
	}
}

func TestBuild_MissingPriceSkipsHour(t *testing.T) {
	s := fullDay()
	s[StreamPrice] = states(span(0, 12), constant(20))

	set, err := Builder{GridFraction: 1, MinDatapoints: 1}.Build(s)
	require.NoError(t, err)
	assert.Len(t, set.Y, 12)
	assert.InDelta(t, 50.0, set.Diagnostics.SkippedPct(StreamPrice), 1e-9)
}

func TestBuild_AveragesWithinHour(t *testing.T) {
	s := Streams{
		StreamConsumption: {
			{Timestamp: t0.Add(5 * time.Minute), State: "10"},
			{Timestamp: t0.Add(35 * time.Minute), State: "14"},
		},
		StreamWindOnshore:  {{Timestamp: t0.Add(15 * time.Minute), State: "1"}},
		StreamWindOffshore: {{Timestamp: t0.Add(45 * time.Minute), State: "1"}},
		StreamPrice: {
			{Timestamp: t0, State: "20"},
			{Timestamp: t0.Add(59 * time.Minute), State: "30"},
			{Timestamp: t0.Add(30 * time.Minute), State: "unavailable"},
		},
	}

	set, err := Builder{GridFraction: 1, MinDatapoints: 1}.Build(s)
	require.NoError(t, err)
	require.Len(t, set.X, 1)
	assert.InDelta(t, 10.0, set.X[0][0], 1e-12)
	assert.InDelta(t, 25.0, set.Y[0], 1e-12)
	assert.Equal(t, 1, set.Diagnostics.Unparseable)
	assert.True(t, set.Hours[0].Equal(t0))
}

func TestBuild_GridFractionScalesSolar(t *testing.T) {
	set, err := Builder{GridFraction: 0.5, MinDatapoints: 1}.Build(fullDay())
	require.NoError(t, err)
	// 12 - (2 + 1 + 3*0.5)
	assert.InDelta(t, 7.5, set.X[0][0], 1e-12)
}

func TestBuild_InsufficientDataNamesWeakestInput(t *testing.T) {
	s := fullDay()
	s[StreamWindOffshore] = states(span(0, 5), constant(1))

	set, err := Builder{GridFraction: 1, MinDatapoints: 20}.Build(s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientData))

	var ide *InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, 5, ide.Rows)
	assert.Equal(t, 20, ide.Min)
	assert.Equal(t, StreamWindOffshore, ide.Diagnostics.Weakest)
	assert.Contains(t, err.Error(), StreamWindOffshore)

	require.NotNil(t, set)
	assert.Len(t, set.X, 5)
}

func TestBuild_NoAnchors(t *testing.T) {
	set, err := Builder{GridFraction: 1, MinDatapoints: 1}.Build(Streams{})
	assert.True(t, errors.Is(err, ErrInsufficientData))
	assert.Equal(t, 0, set.Diagnostics.AnchorHours)
	assert.Equal(t, StreamConsumption, set.Diagnostics.Weakest)
}

func TestBucket_FloorsToUTCHour(t *testing.T) {
	ams := time.FixedZone("CEST", 2*60*60)

	changes := []model.StateChange{
		{Timestamp: time.Date(2025, 6, 1, 2, 20, 0, 0, ams), State: "4"},
		{Timestamp: t0.Add(40 * time.Minute), State: " 6 "},
		{Timestamp: time.Time{}, State: "1"},
	}
	b, bad := Bucket(changes)
	assert.Equal(t, 1, bad)
	require.Len(t, b, 1)
	assert.InDelta(t, 5.0, b[t0.Unix()], 1e-12)
}

func TestBucket_SkipsNonFiniteStates(t *testing.T) {
	changes := []model.StateChange{
		{Timestamp: t0, State: "3"},
		{Timestamp: t0.Add(10 * time.Minute), State: "nan"},
		{Timestamp: t0.Add(20 * time.Minute), State: "NaN"},
		{Timestamp: t0.Add(30 * time.Minute), State: "Inf"},
		{Timestamp: t0.Add(40 * time.Minute), State: "-inf"},
		{Timestamp: t0.Add(50 * time.Minute), State: "5"},
	}
	b, bad := Bucket(changes)
	assert.Equal(t, 4, bad)
	require.Len(t, b, 1)
	assert.InDelta(t, 4.0, b[t0.Unix()], 1e-12)
}

type fakeSource struct {
	data  map[string][]model.StateChange
	err   error
	calls []string
}

func (f *fakeSource) StateHistory(_ context.Context, entityID string, _, _ time.Time) ([]model.StateChange, error) {
	f.calls = append(f.calls, entityID)
	if f.err != nil {
		return nil, f.err
	}
	return f.data[entityID], nil
}

func TestCollect(t *testing.T) {
	src := &fakeSource{data: map[string][]model.StateChange{
		"ned.consumption": {{Timestamp: t0, State: "10"}},
	}}
	entities := map[string]string{
		StreamConsumption: "ned.consumption",
		StreamSolar:       "ned.solar",
		StreamPrice:       "",
	}

	streams, err := Collect(context.Background(), src, entities, 30*24*time.Hour, t0)
	require.NoError(t, err)
	assert.Len(t, streams[StreamConsumption], 1)
	assert.Empty(t, streams[StreamSolar])
	assert.ElementsMatch(t, []string{"ned.consumption", "ned.solar"}, src.calls)
}

func TestCollect_PropagatesSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	_, err := Collect(context.Background(), src, map[string]string{StreamPrice: "sensor.price"}, time.Hour, t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sensor.price")
}
