// Package agent implements the dcmon edge runtime: exporter
// scheduling, batched metric pushes, incremental log shipping and the
// command plane client.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alkorolyov/dcmon/internal/agent/logship"
)

type Config struct {
	ServerURL          string `mapstructure:"server_url"`
	AgentID            string `mapstructure:"agent_id"`
	Hostname           string `mapstructure:"hostname"`
	AuthDir            string `mapstructure:"auth_dir"`
	AdminToken         string `mapstructure:"admin_token"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`

	CollectIntervalSec int      `mapstructure:"collect_interval_sec"`
	CommandPollSec     int      `mapstructure:"command_poll_sec"`
	LogShipIntervalSec int      `mapstructure:"log_ship_interval_sec"`
	LogSeverityMax     int      `mapstructure:"log_severity_max"`
	SyslogPath         string   `mapstructure:"syslog_path"`
	LogSources         []string `mapstructure:"log_sources"`
	UseCommandStream   bool     `mapstructure:"use_command_stream"`
	QueueSize          int      `mapstructure:"queue_size"`
}

func (c Config) withDefaults() Config {
	if c.CollectIntervalSec <= 0 {
		c.CollectIntervalSec = 30
	}
	if c.CommandPollSec <= 0 || c.CommandPollSec > 90 {
		c.CommandPollSec = 60
	}
	if c.LogShipIntervalSec <= 0 {
		c.LogShipIntervalSec = 60
	}
	if c.LogSeverityMax <= 0 {
		c.LogSeverityMax = logship.SevInfo
	}
	if len(c.LogSources) == 0 {
		c.LogSources = []string{"kernel", "journal", "syslog"}
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	return c
}

// Runtime owns the agent's task set. Each concern runs as its own
// goroutine sharing one outbound sample queue; the push task drains
// the queue with backoff so a flaky server never blocks collection.
type Runtime struct {
	cfg   Config
	creds *Credentials
	api   *apiClient
	exec  *Executor
	log   *logrus.Logger

	exporters []Exporter
	shipper   *logship.Shipper
	queue     chan Sample

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	runErrMu sync.Mutex
	runErr   error
}

func NewRuntime(cfg Config, log *logrus.Logger) (*Runtime, error) {
	cfg = cfg.withDefaults()
	if cfg.ServerURL == "" {
		return nil, errors.New("server_url is required")
	}
	if cfg.AgentID == "" {
		return nil, errors.New("agent_id is required")
	}
	if log == nil {
		log = logrus.New()
	}
	return &Runtime{
		cfg:   cfg,
		creds: NewCredentials(cfg.AuthDir),
		exec:  NewExecutor(),
		log:   log,
		queue: make(chan Sample, cfg.QueueSize),
	}, nil
}

func (r *Runtime) WithExporter(e Exporter) *Runtime {
	r.exporters = append(r.exporters, e)
	return r
}

// Bootstrap loads the persisted bearer, registering first when the
// agent has never enrolled.
func (r *Runtime) Bootstrap(ctx context.Context) error {
	token, err := r.creds.LoadToken()
	if err != nil {
		return err
	}
	if token == "" {
		if r.cfg.AdminToken == "" {
			return errors.New("agent is not registered and no admin_token is configured")
		}
		bootstrap := newAPIClient(r.cfg.ServerURL, "", r.cfg.InsecureSkipVerify, r.log)
		token, err = Register(ctx, r.creds, bootstrap, r.cfg.AgentID, r.cfg.Hostname, r.cfg.AdminToken)
		if err != nil {
			return err
		}
		r.log.Info("registered with server")
	}
	r.api = newAPIClient(r.cfg.ServerURL, token, r.cfg.InsecureSkipVerify, r.log)

	r.shipper = logship.NewShipper(
		logship.NewStore(r.cfg.AuthDir),
		r.shipEntries,
		r.cfg.LogSeverityMax,
		r.log,
	)
	for _, name := range r.cfg.LogSources {
		switch name {
		case "kernel":
			src, err := logship.NewDmesgSource()
			if err != nil {
				r.log.WithError(err).Warn("kernel log source unavailable")
				continue
			}
			r.shipper.AddSource(src)
		case "journal":
			r.shipper.AddSource(logship.NewJournalSource())
		case "syslog":
			r.shipper.AddSource(logship.NewSyslogSource(r.cfg.SyslogPath))
		default:
			r.log.WithField("source", name).Warn("unknown log source")
		}
	}
	return nil
}

func (r *Runtime) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("runtime already started")
	}
	if r.api == nil {
		return errors.New("runtime not bootstrapped")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.spawn(func() { r.collectLoop(runCtx) })
	r.spawn(func() { r.pushLoop(runCtx) })
	r.spawn(func() { r.logLoop(runCtx) })
	if r.cfg.UseCommandStream {
		r.spawn(func() { r.streamLoop(runCtx) })
	}
	r.spawn(func() { r.pollLoop(runCtx) })

	return nil
}

func (r *Runtime) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runtime) Wait() error {
	r.wg.Wait()
	r.runErrMu.Lock()
	defer r.runErrMu.Unlock()
	return r.runErr
}

func (r *Runtime) fail(err error) {
	r.runErrMu.Lock()
	if r.runErr == nil {
		r.runErr = err
	}
	r.runErrMu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// RunOnce performs a single collect-push-ship cycle and returns;
// installers use it to validate an enrollment end to end.
func (r *Runtime) RunOnce(ctx context.Context) error {
	if r.api == nil {
		return errors.New("runtime not bootstrapped")
	}
	samples := r.collectAll(ctx)
	if len(samples) > 0 {
		if err := r.pushBatch(ctx, samples); err != nil {
			return err
		}
	}
	r.shipper.RunCycle(ctx)
	return r.pollOnce(ctx)
}

func (r *Runtime) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.CollectIntervalSec) * time.Second)
	defer ticker.Stop()

	r.enqueueSamples(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.enqueueSamples(ctx)
		}
	}
}

func (r *Runtime) enqueueSamples(ctx context.Context) {
	for _, sample := range r.collectAll(ctx) {
		select {
		case r.queue <- sample:
		default:
			// Queue full: drop the new sample; the next cycle
			// re-reads gauges and counters catch up on their own.
			r.log.Warn("sample queue full, dropping sample")
		}
	}
}

func (r *Runtime) collectAll(ctx context.Context) []Sample {
	var out []Sample
	for _, e := range r.exporters {
		samples, err := e.Collect(ctx)
		if err != nil {
			r.log.WithError(err).WithField("exporter", e.Name()).Warn("exporter failed")
			continue
		}
		out = append(out, samples...)
	}
	return out
}

const pushFlushInterval = 10 * time.Second

func (r *Runtime) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(pushFlushInterval)
	defer ticker.Stop()

	var buf []Sample
	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := r.pushBatch(ctx, buf); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Error("metric push failed")
		}
		buf = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-r.queue:
			buf = append(buf, sample)
			if len(buf) >= 500 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type metricsBatch struct {
	AgentID        string   `json:"agent_id"`
	BatchTimestamp int64    `json:"batch_timestamp"`
	Samples        []Sample `json:"samples"`
}

func (r *Runtime) pushBatch(ctx context.Context, samples []Sample) error {
	batch := metricsBatch{
		AgentID:        r.cfg.AgentID,
		BatchTimestamp: time.Now().UTC().Unix(),
		Samples:        samples,
	}
	return r.api.postWithBackoff(ctx, "/api/metrics", batch, nil)
}

type logsBatch struct {
	AgentID string          `json:"agent_id"`
	Entries []logship.Entry `json:"entries"`
}

func (r *Runtime) shipEntries(ctx context.Context, entries []logship.Entry) error {
	return r.api.postWithBackoff(ctx, "/api/logs", logsBatch{AgentID: r.cfg.AgentID, Entries: entries}, nil)
}

func (r *Runtime) logLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.LogShipIntervalSec) * time.Second)
	defer ticker.Stop()

	r.shipper.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.shipper.RunCycle(ctx)
		}
	}
}

func (r *Runtime) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.CommandPollSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.pollOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.WithError(err).Warn("command poll failed")
			}
		}
	}
}

func (r *Runtime) pollOnce(ctx context.Context) error {
	var resp struct {
		Commands []CommandEnvelope `json:"commands"`
	}
	path := fmt.Sprintf("/api/commands/%s", r.cfg.AgentID)
	if err := r.api.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	for _, cmd := range resp.Commands {
		r.executeAndReport(ctx, cmd)
	}
	return nil
}

func (r *Runtime) executeAndReport(ctx context.Context, cmd CommandEnvelope) {
	result := r.exec.Execute(ctx, cmd)
	if err := r.api.postWithBackoff(ctx, "/api/command-results", result, nil); err != nil && ctx.Err() == nil {
		r.log.WithError(err).WithField("command_id", cmd.ID).Error("result submission failed")
	}
}
