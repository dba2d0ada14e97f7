package series

import (
	"time"

	"github.com/nedcast/forecast-engine/internal/model"
)

// Resolution is the point-in-time view of a series.
type Resolution struct {
	// Current is the last observation at or before now, the first
	// observation when everything is future-dated, or nil for an empty series.
	Current *model.Observation
	// Index is the position of Current in the series, -1 when absent.
	Index int
	// Forecast is the full series window.
	Forecast []model.Observation
	// Upcoming holds the observations after Current.
	Upcoming []model.Observation
}

// Resolve scans a sorted series forward, keeping the last observation whose
// timestamp is not after now and stopping at the first one that is.
// Observations without a timestamp are passed over.
func Resolve(s model.Series, now time.Time) Resolution {
	res := Resolution{Index: -1, Forecast: s.Observations}
	if s.Empty() {
		return res
	}

	for i, obs := range s.Observations {
		if obs.Timestamp.IsZero() {
			continue
		}
		if obs.Timestamp.After(now) {
			break
		}
		res.Index = i
	}
	if res.Index < 0 {
		res.Index = 0
	}

	current := s.Observations[res.Index]
	res.Current = &current
	res.Upcoming = s.Observations[res.Index+1:]
	return res
}
