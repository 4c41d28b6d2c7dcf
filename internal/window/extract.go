package window

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
)

// Extractor turns an event into the statistics it contributes. The pipeline never
// looks at payload contents itself; swapping the extractor changes what is measured.
type Extractor interface {
	Extract(e *models.Event) Stats
}

// ValueExtractor reads a numeric field (default "value") from the payload.
// Events without a usable number count once and contribute no sum/min/max.
type ValueExtractor struct {
	Field string
}

func (x ValueExtractor) Extract(e *models.Event) Stats {
	field := x.Field
	if field == "" {
		field = "value"
	}

	v, ok := number(e.Data[field])
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return Stats{Count: 1}
	}
	return Stats{Count: 1, Sum: Float(v), Min: Float(v), Max: Float(v)}
}

func number(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
