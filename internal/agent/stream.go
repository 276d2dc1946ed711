package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const streamReconnectDelay = 10 * time.Second

// streamLoop keeps the optional push channel open. Commands arrive as
// JSON envelopes; results go back on the same connection, or over HTTP
// when that write fails. The regular poll loop keeps claiming pending
// commands while the stream is down; a command the server delivered
// over a connection that dropped before it arrived is not re-sent.
func (r *Runtime) streamLoop(ctx context.Context) {
	wsURL, err := websocketURL(r.cfg.ServerURL, r.cfg.AgentID)
	if err != nil {
		r.fail(fmt.Errorf("command stream: %w", err))
		return
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if r.cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = r.api.http.Transport.(*http.Transport).TLSClientConfig
	}
	header := http.Header{"Authorization": {"Bearer " + r.api.token}}

	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := dialer.DialContext(ctx, wsURL, header)
		if err != nil {
			r.log.WithError(err).Debug("command stream dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamReconnectDelay):
			}
			continue
		}

		r.log.Debug("command stream connected")
		r.streamSession(ctx, conn)
		_ = conn.Close()
	}
}

func (r *Runtime) streamSession(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd CommandEnvelope
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.ID == "" {
			continue
		}
		result := r.exec.Execute(ctx, cmd)
		if err := conn.WriteJSON(result); err != nil {
			// Fall back to the HTTP path so the result is not lost
			// with the connection.
			r.executeResultFallback(ctx, result)
			return
		}
	}
}

func (r *Runtime) executeResultFallback(ctx context.Context, result CommandResult) {
	if err := r.api.postWithBackoff(ctx, "/api/command-results", result, nil); err != nil && ctx.Err() == nil {
		r.log.WithError(err).Error("stream result fallback failed")
	}
}

func websocketURL(serverURL, agentID string) (string, error) {
	base := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "", fmt.Errorf("unsupported server URL scheme in %q", serverURL)
	}
	return base + "/ws/agent/" + agentID, nil
}
