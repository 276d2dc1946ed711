// Package query implements the read side: latest-value lookups,
// windowed time-series retrieval, counter-rate derivation and
// composite fractions. All queries batch a single SQL fetch per
// physical point table and merge in memory.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alkorolyov/dcmon/internal/labels"
	"github.com/alkorolyov/dcmon/internal/storage"
)

type Aggregation string

const (
	AggNone Aggregation = "none"
	AggMax  Aggregation = "max"
	AggMin  Aggregation = "min"
	AggAvg  Aggregation = "avg"
	AggSum  Aggregation = "sum"
	AggRaw  Aggregation = "raw"
)

func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(s) {
	case AggNone, AggMax, AggMin, AggAvg, AggSum, AggRaw:
		return Aggregation(s), nil
	case "":
		return AggNone, nil
	}
	return "", fmt.Errorf("unknown aggregation %q", s)
}

func reduce(agg Aggregation, values []float64) float64 {
	switch agg {
	case AggMin:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case AggSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	default: // max
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	}
}

// activeWindow is how recently an agent must have been seen to count
// as active when no explicit agent restriction is given.
const activeWindow = time.Hour

type Engine struct {
	store *storage.Storage
	now   func() time.Time
}

func NewEngine(store *storage.Storage) (*Engine, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &Engine{store: store, now: time.Now}, nil
}

// WithClock overrides the engine clock; tests use it to pin "now".
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// resolveSeries fetches the candidate catalog rows and applies the
// label filter to their parsed label sets.
func (e *Engine) resolveSeries(ctx context.Context, agentIDs []string, metricNames []string, filter labels.Filter) ([]storage.MetricSeries, error) {
	series, err := e.store.ListSeries(ctx, storage.SeriesQuery{
		AgentIDs:    agentIDs,
		MetricNames: metricNames,
	})
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		return series, nil
	}
	out := series[:0]
	for _, s := range series {
		set, err := labels.Parse(s.LabelsCanonical)
		if err != nil {
			return nil, fmt.Errorf("series %d has invalid labels: %w", s.ID, err)
		}
		if filter.Matches(set) {
			out = append(out, s)
		}
	}
	return out, nil
}

// LatestValue returns the newest point of every candidate series
// reduced by the aggregation, or nil when nothing matches. With
// AggNone the series with the smallest id wins deterministically.
func (e *Engine) LatestValue(ctx context.Context, agentID, metricName string, filter labels.Filter, agg Aggregation) (*float64, error) {
	series, err := e.resolveSeries(ctx, []string{agentID}, []string{metricName}, filter)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}

	ids := seriesIDs(series)
	latest, err := e.store.LatestPoints(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return nil, nil
	}

	if agg == AggNone || agg == AggRaw {
		// Candidates are already ordered by series id ascending.
		for _, s := range series {
			if p, ok := latest[s.ID]; ok {
				v := p.Value
				return &v, nil
			}
		}
		return nil, nil
	}

	values := make([]float64, 0, len(latest))
	for _, id := range ids {
		if p, ok := latest[id]; ok {
			values = append(values, p.Value)
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	v := reduce(agg, values)
	return &v, nil
}

// TimeseriesQuery selects points for the named metrics over [Start, End].
type TimeseriesQuery struct {
	MetricNames []string
	Start       int64
	End         int64
	AgentIDs    []string
	Filter      labels.Filter
	Aggregation Aggregation
	// Step rebuckets timestamps to floor(ts/Step)*Step before the
	// cross-series reduction; zero disables downsampling.
	Step int64
	// ActiveOnly restricts to recently-seen agents when no explicit
	// AgentIDs are given.
	ActiveOnly bool
}

// TimePoint is one output sample.
type TimePoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Timeseries returns per-agent ascending point lists, with multiple
// series per agent collapsed through the aggregation.
func (e *Engine) Timeseries(ctx context.Context, q TimeseriesQuery) (map[string][]TimePoint, error) {
	agentIDs := q.AgentIDs
	if len(agentIDs) == 0 && q.ActiveOnly {
		since := e.now().UTC().Add(-activeWindow).Unix()
		ids, err := e.store.ActiveAgentIDs(ctx, since)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return map[string][]TimePoint{}, nil
		}
		agentIDs = ids
	}

	series, err := e.resolveSeries(ctx, agentIDs, q.MetricNames, q.Filter)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return map[string][]TimePoint{}, nil
	}

	points, err := e.store.PointsInRange(ctx, seriesIDs(series), q.Start, q.End)
	if err != nil {
		return nil, err
	}

	agentOf := make(map[uint64]string, len(series))
	for _, s := range series {
		agentOf[s.ID] = s.AgentID
	}

	type key struct {
		agent string
		ts    int64
	}
	groups := make(map[key][]float64)
	for _, p := range points {
		ts := p.Timestamp
		if q.Step > 0 {
			ts = (ts / q.Step) * q.Step
		}
		k := key{agent: agentOf[p.SeriesID], ts: ts}
		groups[k] = append(groups[k], p.Value)
	}

	agg := q.Aggregation
	if agg == AggNone || agg == "" {
		agg = AggMax
	}

	out := make(map[string][]TimePoint)
	for k, values := range groups {
		out[k.agent] = append(out[k.agent], TimePoint{Timestamp: k.ts, Value: reduce(agg, values)})
	}
	for agent := range out {
		pts := out[agent]
		sort.Slice(pts, func(i, j int) bool { return pts[i].Timestamp < pts[j].Timestamp })
		out[agent] = pts
	}
	return out, nil
}

// SeriesSpec names one LatestValue operand for Fraction.
type SeriesSpec struct {
	MetricName  string
	Filter      labels.Filter
	Aggregation Aggregation
}

// Fraction computes latest(num)/latest(den)*multiplier, nil when the
// denominator is zero or either operand is missing.
func (e *Engine) Fraction(ctx context.Context, agentID string, num, den SeriesSpec, multiplier float64) (*float64, error) {
	n, err := e.LatestValue(ctx, agentID, num.MetricName, num.Filter, num.Aggregation)
	if err != nil {
		return nil, err
	}
	d, err := e.LatestValue(ctx, agentID, den.MetricName, den.Filter, den.Aggregation)
	if err != nil {
		return nil, err
	}
	if n == nil || d == nil || *d == 0 {
		return nil, nil
	}
	v := (*n / *d) * multiplier
	return &v, nil
}

func seriesIDs(series []storage.MetricSeries) []uint64 {
	ids := make([]uint64, 0, len(series))
	for _, s := range series {
		ids = append(ids, s.ID)
	}
	return ids
}
