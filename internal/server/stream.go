package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleCommandStream serves the optional push channel. The state
// machine is unchanged from the polling path; the stream only shaves
// latency. Commands delivered over a dropped connection stay
// delivered: the polling GET returns only pending commands, so they
// are not re-sent, and the TTL sweep later expires them.
func (s *Server) handleCommandStream(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	agentID := r.PathValue("agent_id")
	if !id.IsAdmin && id.AgentID() != agentID {
		writeError(w, KindForbidden, "token does not belong to requested agent_id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	ac := s.hub.Register(agentID, conn)
	defer s.hub.Unregister(agentID, ac)
	defer conn.Close()

	s.log.WithField("agent_id", agentID).Debug("command stream connected")

	// The per-request deadline does not govern the upgraded
	// connection; results recorded mid-stream need a live context.
	ctx := context.WithoutCancel(r.Context())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var res commandResultRequest
		if err := json.Unmarshal(data, &res); err != nil {
			_ = ac.writeJSON(errorBody{ErrorKind: KindBadRequest, Message: "malformed command result"})
			continue
		}
		if res.CommandID == "" {
			continue
		}
		if err := s.applyCommandResult(ctx, agentID, res); err != nil {
			s.log.WithError(err).WithField("command_id", res.CommandID).Warn("stream result rejected")
			_ = ac.writeJSON(errorBody{ErrorKind: KindConflict, Message: "result not applied"})
		}
	}
}
