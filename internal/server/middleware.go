package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/alkorolyov/dcmon/internal/auth"
	"github.com/alkorolyov/dcmon/internal/observability"
	"github.com/alkorolyov/dcmon/internal/storage"
)

// Identity is the authenticated principal of a request: either the
// admin, or one agent scoped to its own resources.
type Identity struct {
	IsAdmin bool
	Client  *storage.Client
}

func (id *Identity) AgentID() string {
	if id == nil || id.Client == nil {
		return ""
	}
	return id.Client.AgentID
}

type contextKey int

const identityKey contextKey = 0

func identityFrom(r *http.Request) *Identity {
	id, _ := r.Context().Value(identityKey).(*Identity)
	return id
}

// authenticate resolves the request identity from Basic admin
// credentials or an agent bearer token. Bearer lookup walks the active
// token set with constant-time comparisons.
func (s *Server) authenticate(r *http.Request) *Identity {
	if user, pass, ok := r.BasicAuth(); ok {
		if user == "admin" && s.auth.VerifyAdminToken(pass) {
			s.audit.AuthAttempt(true, "admin_basic", auth.TokenPrefix(pass), r.RemoteAddr)
			return &Identity{IsAdmin: true}
		}
		s.audit.AuthAttempt(false, "admin_basic", auth.TokenPrefix(pass), r.RemoteAddr)
		observability.AuthFailures.WithLabelValues("admin_basic").Inc()
		return nil
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil
	}
	token := strings.TrimPrefix(header, "Bearer ")

	if s.auth.VerifyAdminToken(token) {
		s.audit.AuthAttempt(true, "admin_bearer", auth.TokenPrefix(token), r.RemoteAddr)
		return &Identity{IsAdmin: true}
	}

	clients, err := s.store.ListClientTokens(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list client tokens")
		return nil
	}
	var matched *storage.Client
	for i := range clients {
		if auth.TokenEqual(clients[i].BearerToken, token) {
			matched = &clients[i]
		}
	}
	if matched == nil {
		s.audit.AuthAttempt(false, "client_bearer", auth.TokenPrefix(token), r.RemoteAddr)
		observability.AuthFailures.WithLabelValues("client_bearer").Inc()
		return nil
	}
	return &Identity{Client: matched}
}

// requireAuth wraps a handler with authentication, the per-request
// deadline, and last-seen bookkeeping for agent identities.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		r = r.WithContext(ctx)

		id := s.authenticate(r)
		if id == nil {
			writeError(w, KindUnauthenticated, "missing or invalid credentials")
			return
		}
		if id.Client != nil {
			now := s.now().UTC().Unix()
			if err := s.store.TouchLastSeen(ctx, id.Client.AgentID, now); err != nil {
				s.log.WithError(err).Warn("touch last seen")
			}
			id.Client.LastSeen = now
		}
		next(w, r.WithContext(context.WithValue(ctx, identityKey, id)))
	}
}

// requireAdmin additionally rejects non-admin identities.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		if id == nil || !id.IsAdmin {
			writeError(w, KindForbidden, "admin credentials required")
			return
		}
		next(w, r)
	})
}

// ingestBackpressure sheds load when the ingest path saturates.
// Agents honor the Retry-After hint with exponential backoff.
func (s *Server) ingestBackpressure(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.ingestLimiter != nil && !s.ingestLimiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, KindTryAgainLater, "ingest queue saturated, retry later")
			return
		}
		next(w, r)
	}
}
