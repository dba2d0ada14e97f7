// Package history turns irregular historical observation streams into
// hourly-bucketed, matched training rows for the price regression.
//
// Matching uses hour-bucket averaging: every timestamp is floored to its
// clock hour (UTC) and all values in the same hour are averaged per stream.
// The consumption stream's buckets are the anchor set. Missing solar is
// imputed as 0 (night); missing wind or price skips the hour.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/nedcast/forecast-engine/internal/model"
	"github.com/nedcast/forecast-engine/internal/series"
)

// Stream names. The four power streams share the canonical series keys.
const (
	StreamConsumption  = model.KeyConsumption
	StreamWindOnshore  = model.KeyWindOnshore
	StreamWindOffshore = model.KeyWindOffshore
	StreamSolar        = model.KeySolar
	StreamPrice        = "price"
)

// ErrInsufficientData is returned when the matched training set is smaller
// than the configured minimum. The prior model must be kept.
var ErrInsufficientData = errors.New("history: insufficient training data")

// InsufficientDataError carries the diagnostics behind ErrInsufficientData.
type InsufficientDataError struct {
	Rows        int
	Min         int
	Diagnostics Diagnostics
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: %d rows, need %d (weakest input: %s at %.1f%%)",
		ErrInsufficientData, e.Rows, e.Min, e.Diagnostics.Weakest, e.Diagnostics.WeakestCoverage)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// Source is the historical-state collaborator.
type Source interface {
	StateHistory(ctx context.Context, entityID string, start, end time.Time) ([]model.StateChange, error)
}

// Streams maps stream name to its raw state changes.
type Streams map[string][]model.StateChange

// Diagnostics reports feature coverage over the anchor set.
type Diagnostics struct {
	AnchorHours     int                `json:"anchor_hours"`
	Rows            int                `json:"rows"`
	SolarReal       int                `json:"solar_real"`
	SolarImputed    int                `json:"solar_imputed"`
	Skipped         map[string]int     `json:"skipped"`
	Buckets         map[string]int     `json:"buckets"`
	Unparseable     int                `json:"unparseable"`
	Coverage        map[string]float64 `json:"coverage_pct"`
	Weakest         string             `json:"weakest"`
	WeakestCoverage float64            `json:"weakest_coverage_pct"`
}

// SolarImputedPct returns the share of anchor hours with imputed solar.
func (d Diagnostics) SolarImputedPct() float64 { return pct(d.SolarImputed, d.AnchorHours) }

// SolarRealPct returns the share of anchor hours with real solar data.
func (d Diagnostics) SolarRealPct() float64 { return pct(d.SolarReal, d.AnchorHours) }

// SkippedPct returns the share of anchor hours skipped because the named
// feature was missing.
func (d Diagnostics) SkippedPct(stream string) float64 { return pct(d.Skipped[stream], d.AnchorHours) }

// TrainingSet is the matched feature/target set. Each row is [residual].
type TrainingSet struct {
	X           [][]float64
	Y           []float64
	Hours       []time.Time
	Diagnostics Diagnostics
}

// Builder builds training sets.
type Builder struct {
	GridFraction  float64
	MinDatapoints int
}

// Build buckets each stream by hour and matches them on the consumption
// anchor. It returns *InsufficientDataError (wrapping ErrInsufficientData)
// when fewer than MinDatapoints rows survive; the diagnostics are logged
// either way.
func (b Builder) Build(streams Streams) (*TrainingSet, error) {
	diag := Diagnostics{
		Skipped:  map[string]int{},
		Buckets:  map[string]int{},
		Coverage: map[string]float64{},
	}

	buckets := make(map[string]map[int64]float64, len(streams))
	for _, name := range []string{StreamConsumption, StreamWindOnshore, StreamWindOffshore, StreamSolar, StreamPrice} {
		bk, bad := Bucket(streams[name])
		buckets[name] = bk
		diag.Buckets[name] = len(bk)
		diag.Unparseable += bad
	}

	anchors := make([]int64, 0, len(buckets[StreamConsumption]))
	for h := range buckets[StreamConsumption] {
		anchors = append(anchors, h)
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i] < anchors[j] })
	diag.AnchorHours = len(anchors)

	present := map[string]int{}
	set := &TrainingSet{}
	for _, h := range anchors {
		consumption := buckets[StreamConsumption][h]

		solar, ok := buckets[StreamSolar][h]
		if ok {
			diag.SolarReal++
			present[StreamSolar]++
		} else {
			solar = 0
			diag.SolarImputed++
		}

		skip := false
		values := map[string]float64{}
		for _, name := range []string{StreamWindOnshore, StreamWindOffshore, StreamPrice} {
			v, ok := buckets[name][h]
			if !ok {
				diag.Skipped[name]++
				skip = true
				continue
			}
			present[name]++
			values[name] = v
		}
		if skip {
			continue
		}

		total := series.TotalRenewable(values[StreamWindOnshore], values[StreamWindOffshore], solar, b.GridFraction)
		set.X = append(set.X, []float64{consumption - total})
		set.Y = append(set.Y, values[StreamPrice])
		set.Hours = append(set.Hours, time.Unix(h, 0).UTC())
	}
	diag.Rows = len(set.X)

	diag.Weakest, diag.WeakestCoverage = StreamConsumption, 0
	if diag.AnchorHours > 0 {
		diag.WeakestCoverage = 101
		for _, name := range []string{StreamWindOnshore, StreamWindOffshore, StreamSolar, StreamPrice} {
			c := pct(present[name], diag.AnchorHours)
			diag.Coverage[name] = c
			if c < diag.WeakestCoverage {
				diag.Weakest, diag.WeakestCoverage = name, c
			}
		}
	}
	set.Diagnostics = diag

	slog.Info("training set built",
		"anchor_hours", diag.AnchorHours,
		"rows", diag.Rows,
		"solar_real_pct", round1(diag.SolarRealPct()),
		"solar_imputed_pct", round1(diag.SolarImputedPct()),
		"skipped_wind_onshore_pct", round1(diag.SkippedPct(StreamWindOnshore)),
		"skipped_wind_offshore_pct", round1(diag.SkippedPct(StreamWindOffshore)),
		"skipped_price_pct", round1(diag.SkippedPct(StreamPrice)),
		"unparseable", diag.Unparseable,
	)

	if diag.Rows < b.MinDatapoints {
		return set, &InsufficientDataError{Rows: diag.Rows, Min: b.MinDatapoints, Diagnostics: diag}
	}
	return set, nil
}

// Bucket floors each state change to its clock hour and averages the
// numeric states per hour. Non-numeric or non-finite states ("unavailable",
// "unknown", "NaN") are skipped and counted.
func Bucket(changes []model.StateChange) (map[int64]float64, int) {
	grouped := make(map[int64][]float64)
	bad := 0
	for _, c := range changes {
		v, err := strconv.ParseFloat(strings.TrimSpace(c.State), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || c.Timestamp.IsZero() {
			bad++
			continue
		}
		h := c.Timestamp.UTC().Truncate(time.Hour).Unix()
		grouped[h] = append(grouped[h], v)
	}

	out := make(map[int64]float64, len(grouped))
	for h, vs := range grouped {
		out[h] = stat.Mean(vs, nil)
	}
	return out, bad
}

// Collect queries the trailing window for every configured stream. A stream
// with no configured entity or no history is empty, not an error.
func Collect(ctx context.Context, src Source, entities map[string]string, window time.Duration, now time.Time) (Streams, error) {
	start := now.Add(-window)
	streams := make(Streams, len(entities))
	for name, entityID := range entities {
		if entityID == "" {
			continue
		}
		changes, err := src.StateHistory(ctx, entityID, start, now)
		if err != nil {
			return nil, fmt.Errorf("history for %s (%s): %w", name, entityID, err)
		}
		streams[name] = changes
	}
	return streams, nil
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
