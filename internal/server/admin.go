package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alkorolyov/dcmon/internal/labels"
	"github.com/alkorolyov/dcmon/internal/observability"
	"github.com/alkorolyov/dcmon/internal/query"
	"github.com/alkorolyov/dcmon/internal/storage"
)

// queryActiveWindow mirrors the query engine's notion of "recently
// seen" for the stats endpoint.
const queryActiveWindow = time.Hour

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var req enqueueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, KindBadRequest, "malformed command request")
		return
	}
	if req.AgentID == "" || req.CommandType == "" {
		writeError(w, KindBadRequest, "agent_id and type are required")
		return
	}
	if _, err := s.store.GetClient(r.Context(), req.AgentID); err != nil {
		if err == storage.ErrNotFound {
			writeError(w, KindNotFound, "unknown agent_id")
			return
		}
		s.log.WithError(err).Error("lookup agent for command")
		writeError(w, KindInternal, "command enqueue failed")
		return
	}

	cmd := &storage.Command{
		ID:          newCommandID(),
		AgentID:     req.AgentID,
		CommandType: req.CommandType,
		Payload:     string(req.Payload),
		Status:      storage.CommandPending,
		CreatedAt:   s.now().UTC().Unix(),
	}
	if err := s.store.CreateCommand(r.Context(), cmd); err != nil {
		s.log.WithError(err).Error("create command")
		writeError(w, KindInternal, "command enqueue failed")
		return
	}
	observability.CommandTransitions.WithLabelValues(storage.CommandPending).Inc()
	s.audit.AdminAction("command_create", req.CommandType+" -> "+req.AgentID, r.RemoteAddr)

	// Wake a long-poller, or push immediately over a live stream.
	if ac := s.hub.Notify(req.AgentID); ac != nil {
		s.pushPendingToStream(r, req.AgentID, ac)
	}

	writeJSON(w, http.StatusCreated, toCommandWire(*cmd))
}

func (s *Server) pushPendingToStream(r *http.Request, agentID string, ac *agentConn) {
	claimed, err := s.store.ClaimPendingCommands(r.Context(), agentID, s.now().UTC().Unix())
	if err != nil {
		s.log.WithError(err).Error("claim for stream push")
		return
	}
	for _, c := range claimed {
		observability.CommandTransitions.WithLabelValues(storage.CommandDelivered).Inc()
		if err := ac.writeJSON(toCommandWire(c)); err != nil {
			// The delivered state stands; the polling GET does not
			// re-send it, so it waits for a result or the TTL sweep.
			s.log.WithError(err).Warn("stream push failed")
			return
		}
	}
}

func (s *Server) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cmds, err := s.store.ListCommands(r.Context(), agentID, limit)
	if err != nil {
		s.log.WithError(err).Error("list commands")
		writeError(w, KindInternal, "command listing failed")
		return
	}
	out := make([]commandWire, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, toCommandWire(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commands": out})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list clients")
		writeError(w, KindInternal, "client listing failed")
		return
	}
	out := make([]clientWire, 0, len(clients))
	for _, c := range clients {
		out = append(out, clientWire{
			AgentID:      c.AgentID,
			Hostname:     c.Hostname,
			RegisteredAt: c.RegisteredAt,
			LastSeen:     c.LastSeen,
			Status:       c.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": out})
}

func (s *Server) handleRevokeClient(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if err := s.store.DeleteClient(r.Context(), agentID); err != nil {
		if err == storage.ErrNotFound {
			writeError(w, KindNotFound, "unknown agent_id")
			return
		}
		s.log.WithError(err).Error("revoke client")
		writeError(w, KindInternal, "revocation failed")
		return
	}
	s.audit.AdminAction("client_revoke", agentID, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// timeRange resolves the query window from seconds / since_timestamp /
// until_timestamp parameters, defaulting to the trailing 24 hours.
func (s *Server) timeRange(r *http.Request) (int64, int64) {
	end := s.now().UTC().Unix()
	start := end - 86400

	q := r.URL.Query()
	if v, err := strconv.ParseInt(q.Get("seconds"), 10, 64); err == nil && v > 0 {
		start = end - v
	}
	if v, err := strconv.ParseInt(q.Get("since_timestamp"), 10, 64); err == nil {
		start = v
		if u, err := strconv.ParseInt(q.Get("until_timestamp"), 10, 64); err == nil {
			end = u
		}
	}
	return start, end
}

func parseQueryCommon(r *http.Request) (metricNames []string, agentIDs []string, filter labels.Filter, activeOnly bool, err error) {
	metric := r.PathValue("metric_name")
	for _, m := range strings.Split(metric, ",") {
		if m = strings.TrimSpace(m); m != "" {
			metricNames = append(metricNames, m)
		}
	}

	q := r.URL.Query()
	for _, a := range q["agent_id"] {
		if a != "" {
			agentIDs = append(agentIDs, a)
		}
	}

	activeOnly = true
	if v := q.Get("active_only"); v != "" {
		activeOnly = v == "true" || v == "1"
	}

	if raw := q.Get("labels"); raw != "" {
		if err = json.Unmarshal([]byte(raw), &filter); err != nil {
			return nil, nil, nil, false, err
		}
	}
	return metricNames, agentIDs, filter, activeOnly, nil
}

func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	metricNames, agentIDs, filter, activeOnly, err := parseQueryCommon(r)
	if err != nil {
		writeError(w, KindBadRequest, "invalid labels filter")
		return
	}
	agg, err := query.ParseAggregation(r.URL.Query().Get("aggregation"))
	if err != nil {
		writeError(w, KindBadRequest, err.Error())
		return
	}
	start, end := s.timeRange(r)
	step, _ := strconv.ParseInt(r.URL.Query().Get("step"), 10, 64)

	data, err := s.engine.Timeseries(r.Context(), query.TimeseriesQuery{
		MetricNames: metricNames,
		Start:       start,
		End:         end,
		AgentIDs:    agentIDs,
		Filter:      filter,
		Aggregation: agg,
		Step:        step,
		ActiveOnly:  activeOnly,
	})
	if err != nil {
		s.log.WithError(err).Error("timeseries query")
		writeError(w, KindInternal, "timeseries query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       data,
		"time_range": map[string]int64{"start": start, "end": end},
		"metric":     r.PathValue("metric_name"),
		"aggregation": agg,
	})
}

func (s *Server) handleRateTimeseries(w http.ResponseWriter, r *http.Request) {
	metricNames, agentIDs, filter, activeOnly, err := parseQueryCommon(r)
	if err != nil {
		writeError(w, KindBadRequest, "invalid labels filter")
		return
	}
	aggRaw := r.URL.Query().Get("aggregation")
	if aggRaw == "" {
		aggRaw = string(query.AggSum)
	}
	agg, err := query.ParseAggregation(aggRaw)
	if err != nil {
		writeError(w, KindBadRequest, err.Error())
		return
	}
	start, end := s.timeRange(r)
	window, _ := strconv.ParseInt(r.URL.Query().Get("rate_window"), 10, 64)

	data, err := s.engine.Rate(r.Context(), query.RateQuery{
		MetricNames: metricNames,
		Start:       start,
		End:         end,
		AgentIDs:    agentIDs,
		Filter:      filter,
		Aggregation: agg,
		WindowSec:   window,
		ActiveOnly:  activeOnly,
	})
	if err != nil {
		s.log.WithError(err).Error("rate query")
		writeError(w, KindInternal, "rate query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":        data,
		"time_range":  map[string]int64{"start": start, "end": end},
		"metric":      r.PathValue("metric_name"),
		"aggregation": agg,
		"unit":        "rate",
		"rate_window": window,
	})
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lq := storage.LogQuery{
		AgentID:     q.Get("agent_id"),
		Source:      q.Get("source"),
		MaxSeverity: -1,
		Contains:    q.Get("contains"),
		Desc:        true,
	}
	if v, err := strconv.Atoi(q.Get("max_severity")); err == nil {
		lq.MaxSeverity = v
	}
	if v, err := strconv.ParseInt(q.Get("since_timestamp"), 10, 64); err == nil {
		lq.From = &v
	}
	if v, err := strconv.ParseInt(q.Get("until_timestamp"), 10, 64); err == nil {
		lq.To = &v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		lq.Limit = v
	}

	entries, err := s.store.QueryLogs(r.Context(), lq)
	if err != nil {
		s.log.WithError(err).Error("query logs")
		writeError(w, KindInternal, "log query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": entries})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	activeSince := s.now().UTC().Add(-queryActiveWindow).Unix()
	stats, err := s.store.GetStats(r.Context(), activeSince)
	if err != nil {
		s.log.WithError(err).Error("stats query")
		writeError(w, KindInternal, "stats query failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded: " + err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}
