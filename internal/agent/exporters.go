package agent

import (
	"context"
	"time"
)

// Sample is one labelled scalar reading produced by an exporter.
type Sample struct {
	MetricName    string            `json:"metric_name"`
	Labels        map[string]string `json:"labels,omitempty"`
	Value         float64           `json:"value"`
	Timestamp     int64             `json:"timestamp_utc_sec"`
	ValueKindHint string            `json:"value_kind_hint,omitempty"`
}

// Exporter is the pluggable sensor contract. Implementations collect
// a snapshot of labelled samples; a failing exporter never blocks its
// siblings, the runtime isolates errors per exporter.
type Exporter interface {
	Name() string
	Collect(ctx context.Context) ([]Sample, error)
}

// IntSample and FloatSample stamp the kind hint so counter metrics
// land in the compact integer table server-side.
func IntSample(metric string, labels map[string]string, value int64, ts time.Time) Sample {
	return Sample{
		MetricName:    metric,
		Labels:        labels,
		Value:         float64(value),
		Timestamp:     ts.UTC().Unix(),
		ValueKindHint: "int",
	}
}

func FloatSample(metric string, labels map[string]string, value float64, ts time.Time) Sample {
	return Sample{
		MetricName:    metric,
		Labels:        labels,
		Value:         value,
		Timestamp:     ts.UTC().Unix(),
		ValueKindHint: "float",
	}
}
