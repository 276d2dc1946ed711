// Package server implements the dcmon control plane: enrollment,
// metric and log ingestion, the query API, and the command plane.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/alkorolyov/dcmon/internal/auth"
	"github.com/alkorolyov/dcmon/internal/query"
	"github.com/alkorolyov/dcmon/internal/storage"
)

type Config struct {
	Host                 string `mapstructure:"host"`
	Port                 int    `mapstructure:"port"`
	AuthDir              string `mapstructure:"auth_dir"`
	AuditLogPath         string `mapstructure:"audit_log_path"`
	UseTLS               bool   `mapstructure:"use_tls"`
	TLSCertPath          string `mapstructure:"tls_cert_path"`
	TLSKeyPath           string `mapstructure:"tls_key_path"`
	TestMode             bool   `mapstructure:"test_mode"`
	MetricsRetentionDays int    `mapstructure:"metrics_retention_days"`
	LogsRetentionDays    int    `mapstructure:"logs_retention_days"`
	CleanupIntervalSec   int    `mapstructure:"cleanup_interval_sec"`
	CommandTTLSec        int    `mapstructure:"command_ttl_sec"`
	IngestRatePerSec     int    `mapstructure:"ingest_rate_per_sec"`
	ShutdownGraceSec     int    `mapstructure:"shutdown_grace_sec"`
}

type Server struct {
	cfg    Config
	store  *storage.Storage
	auth   *auth.Service
	audit  *auth.Audit
	engine *query.Engine
	hub    *Hub
	log    *logrus.Logger

	ingestLimiter  *rate.Limiter
	requestTimeout time.Duration
	now            func() time.Time

	httpServer *http.Server
	sweeper    *Sweeper
}

func New(cfg Config, store *storage.Storage, authSvc *auth.Service, audit *auth.Audit, log *logrus.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if authSvc == nil {
		return nil, errors.New("auth service is required")
	}
	if log == nil {
		log = logrus.New()
	}
	if audit == nil {
		audit = auth.DiscardAudit()
	}

	engine, err := query.NewEngine(store)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:            cfg,
		store:          store,
		auth:           authSvc,
		audit:          audit,
		engine:         engine,
		log:            log,
		requestTimeout: 30 * time.Second,
		now:            time.Now,
	}
	if cfg.IngestRatePerSec > 0 {
		s.ingestLimiter = rate.NewLimiter(rate.Limit(cfg.IngestRatePerSec), cfg.IngestRatePerSec*2)
	}
	s.hub = NewHub()
	s.sweeper = NewSweeper(s)
	return s, nil
}

// Routes builds the HTTP handler. Method-qualified patterns dispatch
// straight from the stdlib mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/clients/register", s.handleRegister)
	mux.HandleFunc("GET /api/client/verify", s.requireAuth(s.handleVerify))
	mux.HandleFunc("POST /api/metrics", s.ingestBackpressure(s.requireAuth(s.handleIngestMetrics)))
	mux.HandleFunc("POST /api/logs", s.ingestBackpressure(s.requireAuth(s.handleIngestLogs)))
	mux.HandleFunc("GET /api/commands/{agent_id}", s.requireAuth(s.handlePollCommands))
	mux.HandleFunc("POST /api/command-results", s.requireAuth(s.handleCommandResult))
	mux.HandleFunc("GET /ws/agent/{agent_id}", s.requireAuth(s.handleCommandStream))

	mux.HandleFunc("POST /api/commands", s.requireAdmin(s.handleEnqueueCommand))
	mux.HandleFunc("GET /api/commands/{agent_id}/status", s.requireAdmin(s.handleCommandStatus))
	mux.HandleFunc("GET /api/clients", s.requireAdmin(s.handleListClients))
	mux.HandleFunc("DELETE /api/clients/{agent_id}", s.requireAdmin(s.handleRevokeClient))
	mux.HandleFunc("GET /api/timeseries/{metric_name}", s.requireAdmin(s.handleTimeseries))
	mux.HandleFunc("GET /api/timeseries/{metric_name}/rate", s.requireAdmin(s.handleRateTimeseries))
	mux.HandleFunc("GET /api/logs", s.requireAdmin(s.handleQueryLogs))
	mux.HandleFunc("GET /api/stats", s.requireAdmin(s.handleStats))
	mux.HandleFunc("GET /metrics", s.requireAdmin(promhttp.Handler().ServeHTTP))
	mux.HandleFunc("GET /health", s.requireAdmin(s.handleHealth))

	return mux
}

// Run binds the listener and serves until ctx is cancelled, then
// drains in-flight requests within the configured grace period.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.sweeper.Run(sweepCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.UseTLS {
			s.log.WithField("addr", addr).Info("listening with TLS")
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		} else {
			s.log.WithField("addr", addr).Warn("listening without TLS (dev only)")
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		cancelSweep()
		<-sweepDone
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(s.cfg.ShutdownGraceSec) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	s.hub.CloseAll()
	err := s.httpServer.Shutdown(shutdownCtx)
	cancelSweep()
	<-sweepDone
	return err
}
