package auth

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Audit writes security events as JSON lines to an append-only file.
// It also keeps an in-memory failure counter per presented-token
// prefix so repeated guessing is visible in the stats without trawling
// the log.
type Audit struct {
	logger *logrus.Logger
	closer io.Closer

	mu         sync.Mutex
	failCounts map[string]int
}

func OpenAudit(path string) (*Audit, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l := logrus.New()
	l.SetOutput(f)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return &Audit{logger: l, closer: f, failCounts: make(map[string]int)}, nil
}

// DiscardAudit returns an audit sink that drops everything; used in
// tests and when no audit path is configured.
func DiscardAudit() *Audit {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Audit{logger: l, failCounts: make(map[string]int)}
}

func (a *Audit) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

func (a *Audit) AuthAttempt(success bool, authType, tokenPrefix, remoteAddr string) {
	if a == nil {
		return
	}
	if !success {
		a.mu.Lock()
		a.failCounts[tokenPrefix]++
		a.mu.Unlock()
	}
	a.logger.WithFields(logrus.Fields{
		"event_type":   "auth_attempt",
		"success":      success,
		"auth_type":    authType,
		"token_prefix": tokenPrefix,
		"remote_addr":  remoteAddr,
	}).Info("auth attempt")
}

func (a *Audit) Registration(success bool, agentID, hostname, reason, remoteAddr string) {
	if a == nil {
		return
	}
	a.logger.WithFields(logrus.Fields{
		"event_type":  "client_registration",
		"success":     success,
		"agent_id":    agentID,
		"hostname":    hostname,
		"reason":      reason,
		"remote_addr": remoteAddr,
	}).Info("client registration")
}

func (a *Audit) AdminAction(action, detail, remoteAddr string) {
	if a == nil {
		return
	}
	a.logger.WithFields(logrus.Fields{
		"event_type":  "admin_action",
		"action":      action,
		"detail":      detail,
		"remote_addr": remoteAddr,
	}).Info("admin action")
}

// FailureCount reports accumulated failures for a token prefix.
func (a *Audit) FailureCount(tokenPrefix string) int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failCounts[tokenPrefix]
}
