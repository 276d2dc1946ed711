package server

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alkorolyov/dcmon/internal/auth"
	"github.com/alkorolyov/dcmon/internal/labels"
	"github.com/alkorolyov/dcmon/internal/observability"
	"github.com/alkorolyov/dcmon/internal/storage"
)

// futureSkew is how far ahead of the server clock a sample timestamp
// may run before rejection.
const futureSkew = 300

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, KindBadRequest, "malformed registration payload")
		return
	}
	if req.AgentID == "" || req.Hostname == "" || req.PublicKey == "" || req.Signature == "" {
		writeError(w, KindBadRequest, "missing required registration field")
		return
	}

	if !s.auth.VerifyAdminToken(req.AdminToken) {
		s.audit.Registration(false, req.AgentID, req.Hostname, "bad admin token", r.RemoteAddr)
		writeError(w, KindUnauthenticated, "invalid admin token")
		return
	}

	now := s.now().UTC().Unix()
	if req.Timestamp < now-auth.MaxClockSkew || req.Timestamp > now+auth.MaxClockSkew {
		s.audit.Registration(false, req.AgentID, req.Hostname, "timestamp out of range", r.RemoteAddr)
		writeError(w, KindBadRequest, "registration timestamp out of valid range")
		return
	}

	canonical := auth.CanonicalRegistrationString(req.AgentID, req.Hostname, req.Nonce, req.Timestamp)
	if err := auth.VerifyRegistrationSignature(req.PublicKey, canonical, req.Signature); err != nil {
		s.audit.Registration(false, req.AgentID, req.Hostname, "bad signature", r.RemoteAddr)
		writeError(w, KindBadRequest, "signature verification failed")
		return
	}

	existing, err := s.store.GetClient(r.Context(), req.AgentID)
	if err != nil && err != storage.ErrNotFound {
		s.log.WithError(err).Error("lookup client at registration")
		writeError(w, KindInternal, "registration failed")
		return
	}
	if existing != nil {
		// Idempotent only for the same key; a different key on a known
		// agent id needs an explicit admin purge first.
		if existing.PublicKey != req.PublicKey {
			s.audit.Registration(false, req.AgentID, req.Hostname, "public key mismatch", r.RemoteAddr)
			writeError(w, KindAlreadyRegistered, "agent_id already registered with a different public key")
			return
		}
		s.audit.Registration(true, req.AgentID, req.Hostname, "existing", r.RemoteAddr)
		writeJSON(w, http.StatusOK, registerResponse{AgentID: existing.AgentID, BearerToken: existing.BearerToken})
		return
	}

	client := &storage.Client{
		AgentID:      req.AgentID,
		Hostname:     req.Hostname,
		PublicKey:    req.PublicKey,
		BearerToken:  auth.NewBearerToken(),
		RegisteredAt: now,
		LastSeen:     now,
		Status:       storage.ClientActive,
	}
	if err := s.store.CreateClient(r.Context(), client); err != nil {
		s.log.WithError(err).Error("create client")
		writeError(w, KindInternal, "registration failed")
		return
	}

	s.audit.Registration(true, req.AgentID, req.Hostname, "new", r.RemoteAddr)
	s.log.WithFields(map[string]interface{}{
		"agent_id": req.AgentID,
		"hostname": req.Hostname,
	}).Info("registered new agent")
	writeJSON(w, http.StatusOK, registerResponse{AgentID: client.AgentID, BearerToken: client.BearerToken})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if id.Client == nil {
		writeError(w, KindForbidden, "agent credentials required")
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		AgentID:  id.Client.AgentID,
		Hostname: id.Client.Hostname,
		LastSeen: id.Client.LastSeen,
	})
}

// effectiveKind resolves the numeric kind of a sample from its hint
// and value shape.
func effectiveKind(v float64, hint string) string {
	switch hint {
	case "int":
		return storage.KindInt
	case "float":
		return storage.KindFloat
	}
	if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
		return storage.KindInt
	}
	return storage.KindFloat
}

func (s *Server) handleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)

	var req metricsBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, KindBadRequest, "malformed metrics batch")
		return
	}
	if id.Client != nil && req.AgentID != id.Client.AgentID {
		writeError(w, KindForbidden, "batch agent_id does not match bearer identity")
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		writeError(w, KindBadRequest, "agent_id is required")
		return
	}

	now := s.now().UTC().Unix()
	var resp metricsBatchResponse
	var intPoints []storage.MetricPointInt
	var floatPoints []storage.MetricPointFloat

	reject := func(i int, reason string, counter string) {
		resp.Rejected++
		resp.Errors = append(resp.Errors, sampleError{Index: i, Reason: reason})
		observability.SamplesRejected.WithLabelValues(counter).Inc()
	}

	for i, sample := range req.Samples {
		if sample.MetricName == "" {
			reject(i, "metric_name is required", "malformed")
			continue
		}
		if sample.Timestamp > now+futureSkew {
			reject(i, "timestamp too far in the future", "future_timestamp")
			continue
		}

		canonical := labels.Canonical(sample.Labels)
		kind := effectiveKind(sample.Value, sample.ValueKindHint)
		series, created, err := s.store.FindOrCreateSeries(r.Context(), agentID, sample.MetricName, canonical, labels.Hash(canonical), kind)
		if err != nil {
			s.log.WithError(err).Error("find or create series")
			reject(i, "series resolution failed", "internal")
			continue
		}
		if created {
			resp.SeriesCreated++
			observability.SeriesCreated.Inc()
		}
		// First sample fixed the kind; later disagreement rejects the
		// sample but never its batch siblings.
		if series.ValueKind != kind {
			reject(i, "value kind does not match series kind", "kind_mismatch")
			continue
		}

		if kind == storage.KindInt {
			intPoints = append(intPoints, storage.MetricPointInt{
				SeriesID:  series.ID,
				Timestamp: sample.Timestamp,
				Value:     int64(sample.Value),
			})
		} else {
			floatPoints = append(floatPoints, storage.MetricPointFloat{
				SeriesID:  series.ID,
				Timestamp: sample.Timestamp,
				Value:     sample.Value,
			})
		}
		resp.Accepted++
	}

	if err := s.store.InsertIntPoints(r.Context(), intPoints); err != nil {
		s.log.WithError(err).Error("insert int points")
		writeError(w, KindInternal, "point insertion failed")
		return
	}
	if err := s.store.InsertFloatPoints(r.Context(), floatPoints); err != nil {
		s.log.WithError(err).Error("insert float points")
		writeError(w, KindInternal, "point insertion failed")
		return
	}
	observability.SamplesIngested.Add(float64(resp.Accepted))

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)

	var req logsBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, KindBadRequest, "malformed logs batch")
		return
	}
	if id.Client != nil && req.AgentID != id.Client.AgentID {
		writeError(w, KindForbidden, "batch agent_id does not match bearer identity")
		return
	}
	if req.AgentID == "" {
		writeError(w, KindBadRequest, "agent_id is required")
		return
	}

	now := s.now().UTC().Unix()
	entries := make([]storage.LogEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		sev := e.Severity
		if sev < 0 {
			sev = 0
		}
		if sev > 7 {
			sev = 7
		}
		entries = append(entries, storage.LogEntry{
			AgentID:    req.AgentID,
			Source:     e.Source,
			Timestamp:  e.Timestamp,
			Severity:   sev,
			Message:    e.Message,
			Unit:       e.Unit,
			Identifier: e.Identifier,
			PID:        e.PID,
			ReceivedAt: now,
		})
	}
	if err := s.store.InsertLogEntries(r.Context(), entries); err != nil {
		s.log.WithError(err).Error("insert log entries")
		writeError(w, KindInternal, "log insertion failed")
		return
	}
	observability.LogEntriesIngested.Add(float64(len(entries)))

	writeJSON(w, http.StatusOK, logsBatchResponse{Received: len(req.Entries), Inserted: len(entries)})
}

const maxPollWait = 90 * time.Second

func (s *Server) handlePollCommands(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	agentID := r.PathValue("agent_id")
	if !id.IsAdmin && id.AgentID() != agentID {
		writeError(w, KindForbidden, "token does not belong to requested agent_id")
		return
	}

	wait := parseDurationSec(r.URL.Query().Get("wait"), 0)
	if wait > maxPollWait {
		wait = maxPollWait
	}

	claim := func(ctx context.Context) ([]storage.Command, error) {
		return s.store.ClaimPendingCommands(ctx, agentID, s.now().UTC().Unix())
	}

	claimed, err := claim(r.Context())
	if err != nil {
		s.log.WithError(err).Error("claim pending commands")
		writeError(w, KindInternal, "command claim failed")
		return
	}

	if len(claimed) == 0 && wait > 0 {
		// The long-poll outlives the per-request deadline; it gets its
		// own bounded context instead.
		waitCtx, cancelWait := context.WithTimeout(context.WithoutCancel(r.Context()), wait)
		notify, cancel := s.hub.Subscribe(agentID)
		defer cancel()
		defer cancelWait()
		select {
		case <-notify:
			claimed, err = claim(waitCtx)
			if err != nil {
				s.log.WithError(err).Error("claim pending commands")
				writeError(w, KindInternal, "command claim failed")
				return
			}
		case <-waitCtx.Done():
		}
	}

	observability.CommandTransitions.WithLabelValues(storage.CommandDelivered).Add(float64(len(claimed)))
	out := make([]commandWire, 0, len(claimed))
	for _, c := range claimed {
		out = append(out, toCommandWire(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commands": out})
}

func (s *Server) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if id.Client == nil {
		writeError(w, KindForbidden, "only agents may submit command results")
		return
	}

	var req commandResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, KindBadRequest, "malformed command result")
		return
	}
	if err := s.applyCommandResult(r.Context(), id.Client.AgentID, req); err != nil {
		switch err {
		case storage.ErrNotFound:
			writeError(w, KindNotFound, "command not found")
		case storage.ErrConflict:
			writeError(w, KindConflict, "command is not in a deliverable state for this agent")
		default:
			s.log.WithError(err).Error("complete command")
			writeError(w, KindInternal, "result recording failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) applyCommandResult(ctx context.Context, agentID string, req commandResultRequest) error {
	status := storage.CommandCompleted
	if req.Status == "failed" || req.Error != "" {
		status = storage.CommandFailed
	}
	err := s.store.CompleteCommand(ctx, req.CommandID, agentID,
		status, string(req.Result), req.Error, s.now().UTC().Unix())
	if err == nil {
		observability.CommandTransitions.WithLabelValues(status).Inc()
	}
	return err
}

func toCommandWire(c storage.Command) commandWire {
	return commandWire{
		ID:          c.ID,
		AgentID:     c.AgentID,
		CommandType: c.CommandType,
		Payload:     json.RawMessage(c.Payload),
		Status:      c.Status,
		CreatedAt:   c.CreatedAt,
		DeliveredAt: c.DeliveredAt,
		CompletedAt: c.CompletedAt,
		Result:      json.RawMessage(c.Result),
		Error:       c.Error,
	}
}

func newCommandID() string {
	return uuid.NewString()
}

func parseDurationSec(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	sec, err := strconv.Atoi(raw)
	if err != nil || sec < 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}
