// Package window computes aligned aggregation buckets and the merge law used to
// fold observations into them. Nothing here performs I/O.
package window

import (
	"time"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
)

// Align returns the start of the bucket of w that contains ts.
//
// Sub-day windows are floored on the Unix epoch grid, so they do not depend on
// the location. The daily window starts at midnight in loc (time.Local when nil).
func Align(ts time.Time, w models.TimeWindow, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	switch w {
	case models.Window1Min, models.Window5Min, models.Window1H:
		d := w.Duration()
		return time.Unix(0, ts.UnixNano()-mod(ts.UnixNano(), int64(d))).In(loc)
	case models.Window1D:
		local := ts.In(loc)
		y, m, d := local.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	default:
		return ts
	}
}

// mod is a floored modulo so instants before the epoch still round down.
func mod(a, b int64) int64 {
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}

// Observation is one event's contribution to one bucket.
type Observation struct {
	Key models.AggregateKey
	Stats
}

// Observations produces the contribution of e to every maintained window.
func Observations(e *models.Event, ex Extractor, loc *time.Location) []Observation {
	if ex == nil {
		ex = ValueExtractor{}
	}
	stats := ex.Extract(e)
	ts := e.OccurredAt()

	out := make([]Observation, 0, len(models.AllWindows))
	for _, w := range models.AllWindows {
		out = append(out, Observation{
			Key: models.AggregateKey{
				ProjectID:  e.ProjectID,
				MetricType: e.EventType,
				TimeWindow: w,
				Timestamp:  Align(ts, w, loc),
			},
			Stats: stats,
		})
	}
	return out
}
