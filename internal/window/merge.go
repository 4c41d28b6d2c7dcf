package window

import (
	"math"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
)

// Stats are the incremental statistics of a bucket. Sum, Min and Max are nil
// until a numeric value has been observed.
type Stats struct {
	Count int64
	Sum   *float64
	Min   *float64
	Max   *float64
}

// Avg is Sum/Count, or nil when there is no sum.
func (s Stats) Avg() *float64 {
	if s.Sum == nil || s.Count == 0 {
		return nil
	}
	return Float(*s.Sum / float64(s.Count))
}

// Merge combines two partial aggregates.
//
//	count = a.count + b.count
//	sum   = (a.sum ?? 0) + (b.sum ?? 0), nil only when both are nil
//	min   = min(a.min, b.min) with nil as +Inf
//	max   = max(a.max, b.max) with nil as -Inf
//
// Merge is associative and commutative, so retried or reordered merges of the
// same observations converge on the same bucket.
func Merge(a, b Stats) Stats {
	out := Stats{Count: a.Count + b.Count}

	if a.Sum != nil || b.Sum != nil {
		out.Sum = Float(deref(a.Sum, 0) + deref(b.Sum, 0))
	}
	if a.Min != nil || b.Min != nil {
		out.Min = Float(math.Min(deref(a.Min, math.Inf(1)), deref(b.Min, math.Inf(1))))
	}
	if a.Max != nil || b.Max != nil {
		out.Max = Float(math.Max(deref(a.Max, math.Inf(-1)), deref(b.Max, math.Inf(-1))))
	}
	return out
}

// StatsOf reads the statistics held by an aggregate row.
func StatsOf(m *models.MetricAggregate) Stats {
	return Stats{Count: m.Count, Sum: m.Sum, Min: m.Min, Max: m.Max}
}

// Apply folds obs into m in place and recomputes the average.
func Apply(m *models.MetricAggregate, obs Stats) {
	merged := Merge(StatsOf(m), obs)
	m.Count = merged.Count
	m.Sum = merged.Sum
	m.Min = merged.Min
	m.Max = merged.Max
	m.Avg = merged.Avg()
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func deref(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
