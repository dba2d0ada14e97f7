// Package series turns raw provider records into canonical time series,
// derives composite metrics from aligned series, and resolves the current
// value of a series at a point in time.
package series

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nedcast/forecast-engine/internal/model"
)

// Provider record fields.
const (
	fieldCapacity   = "capacity"
	fieldValidFrom  = "validfrom"
	fieldPercentage = "percentage"
	fieldLastUpdate = "lastupdate"
)

var (
	errBadTimestamp = errors.New("series: malformed timestamp")
	errBadValue     = errors.New("series: non-numeric value")
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// Normalize converts raw provider records into a Series sorted ascending by
// timestamp. Capacity is divided by divisor (1e6 turns raw readings into GW).
// Records without a timestamp are kept and sort first; records with a
// malformed timestamp or a non-numeric capacity are skipped and counted.
// An empty record set yields an empty Series, not an error.
func Normalize(name, unit string, records []model.RawRecord, divisor float64) (model.Series, int) {
	s := model.Series{Name: name, Unit: unit, Observations: make([]model.Observation, 0, len(records))}
	if divisor == 0 {
		divisor = 1
	}

	skipped := 0
	for i, rec := range records {
		obs, err := normalizeRecord(rec, divisor)
		if err != nil {
			skipped++
			slog.Debug("skipping provider record", "series", name, "index", i, "err", err)
			continue
		}
		s.Observations = append(s.Observations, obs)
	}

	sort.SliceStable(s.Observations, func(i, j int) bool {
		return s.Observations[i].Timestamp.Before(s.Observations[j].Timestamp)
	})
	return s, skipped
}

func normalizeRecord(rec model.RawRecord, divisor float64) (model.Observation, error) {
	var obs model.Observation

	capacity := 0.0
	if raw, ok := rec[fieldCapacity]; ok && raw != nil {
		v, err := toFloat(raw)
		if err != nil {
			return obs, fmt.Errorf("%s: %w", fieldCapacity, err)
		}
		capacity = v
	}
	obs.Value = capacity / divisor

	switch raw := rec[fieldValidFrom].(type) {
	case nil:
	case string:
		if raw != "" {
			ts, err := parseTime(raw)
			if err != nil {
				return obs, err
			}
			obs.Timestamp = ts
		}
	default:
		return obs, fmt.Errorf("%w: %v", errBadTimestamp, raw)
	}

	if raw, ok := rec[fieldPercentage]; ok && raw != nil {
		if v, err := toFloat(raw); err == nil {
			obs.Percentage = &v
		}
	}

	if raw, ok := rec[fieldLastUpdate].(string); ok && raw != "" {
		if ts, err := parseTime(raw); err == nil {
			obs.SourceUpdated = &ts
		}
	}
	return obs, nil
}

// ParseTime accepts the timestamp formats seen in provider and history data.
func ParseTime(raw string) (time.Time, error) { return parseTime(raw) }

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", errBadTimestamp, raw)
}

func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errBadValue, n)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errBadValue, n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: %T", errBadValue, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: non-finite %v", errBadValue, v)
	}
	return f, nil
}
