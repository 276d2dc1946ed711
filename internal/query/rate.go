package query

import (
	"context"
	"sort"

	"github.com/alkorolyov/dcmon/internal/labels"
	"github.com/alkorolyov/dcmon/internal/storage"
)

// RateQuery derives per-second rates for counter metrics over
// [Start, End] using a trailing window of WindowSec seconds.
type RateQuery struct {
	MetricNames []string
	Start       int64
	End         int64
	AgentIDs    []string
	Filter      labels.Filter
	Aggregation Aggregation
	WindowSec   int64
	ActiveOnly  bool
}

// Rate computes rates per series first, then reduces across series per
// (agent, timestamp). Aggregating raw counter values before
// differentiation would corrupt results on partial series overlap, so
// the order here is load-bearing.
func (e *Engine) Rate(ctx context.Context, q RateQuery) (map[string][]TimePoint, error) {
	window := q.WindowSec
	if window <= 0 {
		window = 300
	}

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

	// Extend the fetch left by one window so the first output points
	// have full look-back context.
	points, err := e.store.PointsInRange(ctx, seriesIDs(series), q.Start-window, q.End)
	if err != nil {
		return nil, err
	}

	bySeries := make(map[uint64][]storage.Point)
	for _, p := range points {
		bySeries[p.SeriesID] = append(bySeries[p.SeriesID], p)
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

	for id, pts := range bySeries {
		sort.Slice(pts, func(i, j int) bool { return pts[i].Timestamp < pts[j].Timestamp })
		for i, p := range pts {
			if p.Timestamp < q.Start {
				continue
			}
			rate, ok := windowRate(pts[:i+1], p.Timestamp-window)
			if !ok {
				continue
			}
			k := key{agent: agentOf[id], ts: p.Timestamp}
			groups[k] = append(groups[k], rate)
		}
	}

	agg := q.Aggregation
	if agg == AggNone || agg == AggRaw || agg == "" {
		agg = AggSum
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

// windowRate computes the rate at the last point of pts from the
// samples with timestamp >= windowStart. A decrease anywhere inside
// the window is a counter reset: the calculation restarts at the
// reset point, and a reset with nothing after it yields 0 rather than
// a negative rate.
func windowRate(pts []storage.Point, windowStart int64) (float64, bool) {
	first := 0
	for first < len(pts) && pts[first].Timestamp < windowStart {
		first++
	}
	in := pts[first:]
	if len(in) < 2 {
		return 0, false
	}

	resetIdx := -1
	for i := 1; i < len(in); i++ {
		if in[i].Value < in[i-1].Value {
			resetIdx = i
		}
	}
	if resetIdx >= 0 {
		in = in[resetIdx:]
		if len(in) < 2 {
			return 0, true
		}
	}

	f, l := in[0], in[len(in)-1]
	if l.Timestamp <= f.Timestamp {
		return 0, false
	}
	if l.Value < f.Value {
		return 0, true
	}
	return (l.Value - f.Value) / float64(l.Timestamp-f.Timestamp), true
}
