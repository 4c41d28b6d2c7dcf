package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimeWindow is the granularity of an aggregation bucket.
type TimeWindow string

const (
	Window1Min TimeWindow = "1min"
	Window5Min TimeWindow = "5min"
	Window1H   TimeWindow = "1h"
	Window1D   TimeWindow = "1d"
)

// AllWindows lists every window the pipeline maintains, finest first.
var AllWindows = []TimeWindow{Window1Min, Window5Min, Window1H, Window1D}

// Duration is the nominal bucket length.
func (w TimeWindow) Duration() time.Duration {
	switch w {
	case Window1Min:
		return time.Minute
	case Window5Min:
		return 5 * time.Minute
	case Window1H:
		return time.Hour
	case Window1D:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether w is one of the supported windows.
func (w TimeWindow) Valid() bool {
	return w.Duration() > 0
}

// ParseTimeWindow validates a window name.
func ParseTimeWindow(s string) (TimeWindow, error) {
	w := TimeWindow(s)
	if !w.Valid() {
		return "", fmt.Errorf("unknown time window %q", s)
	}
	return w, nil
}

// AggregateKey uniquely identifies a MetricAggregate row.
type AggregateKey struct {
	ProjectID  string
	MetricType string
	TimeWindow TimeWindow
	Timestamp  time.Time
}

// MetricAggregate holds the rolled-up statistics of one window bucket.
// Sum/Avg/Min/Max stay nil until an observation carrying a value is merged.
type MetricAggregate struct {
	ID         uuid.UUID      `json:"id"`
	ProjectID  string         `json:"projectId"`
	MetricType string         `json:"metricType"`
	TimeWindow TimeWindow     `json:"timeWindow"`
	Timestamp  time.Time      `json:"timestamp"`
	Count      int64          `json:"count"`
	Sum        *float64       `json:"sum,omitempty"`
	Avg        *float64       `json:"avg,omitempty"`
	Min        *float64       `json:"min,omitempty"`
	Max        *float64       `json:"max,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Key returns the natural key of the aggregate.
func (m *MetricAggregate) Key() AggregateKey {
	return AggregateKey{
		ProjectID:  m.ProjectID,
		MetricType: m.MetricType,
		TimeWindow: m.TimeWindow,
		Timestamp:  m.Timestamp,
	}
}

// MetricFilter narrows metric queries.
type MetricFilter struct {
	ProjectID  string
	MetricType string
	TimeWindow TimeWindow
	From       time.Time
	To         time.Time
	Limit      int
}

// MetricSummary is one row of the per-type summary over a recent horizon.
type MetricSummary struct {
	MetricType string   `json:"metricType"`
	TotalCount int64    `json:"totalCount"`
	OverallAvg *float64 `json:"overallAvg,omitempty"`
	OverallMin *float64 `json:"overallMin,omitempty"`
	OverallMax *float64 `json:"overallMax,omitempty"`
}
