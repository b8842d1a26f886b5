// Package app wires the network exporter together and manages its lifecycle.
//
// Collection path:
//
//	Scheduler (timer) ─┐
//	                   ├→ Orchestrator → Worker × N → ConnectionPool → Device
//	POST /collect ─────┘                     │
//	                                         └→ Extractor → exposition.Batch
//
// A completed cycle commits its batch to the exposition Sink, which GET
// /metrics serves together with the exporter's own metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	fmtjson "github.com/vpbank/network_exporter/format/json"
	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/pkg/networkexporter/config"
	"github.com/vpbank/network_exporter/pkg/networkexporter/poller"
	"github.com/vpbank/network_exporter/pkg/networkexporter/scheduler"
	"github.com/vpbank/network_exporter/pkg/networkexporter/telemetry"
	"github.com/vpbank/network_exporter/producer/metrics"
	"github.com/vpbank/network_exporter/transport/exposition"
	"github.com/vpbank/network_exporter/transport/file"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config holds the top-level settings for the exporter.
// Zero-value fields fall back to documented defaults.
type Config struct {
	// ConfigPaths are the directories for YAML configuration files.
	// Use config.PathsFromEnv() to populate from environment variables.
	ConfigPaths config.Paths

	// ListenAddr is the HTTP address for /metrics, /collect and /health.
	// Default: ":9107".
	ListenAddr string

	// Workers is the number of devices scraped concurrently. Default: 90.
	Workers int

	// ScrapeInterval applies to devices without their own scrape_interval.
	// Default: 60s.
	ScrapeInterval time.Duration

	// ScrapeTimeout bounds one device's whole scrape. Zero disables it.
	ScrapeTimeout time.Duration

	// MaxDrain is how long Stop waits for a running cycle. Default: 60s.
	MaxDrain time.Duration

	// PoolOptions configures the device connection pool.
	PoolOptions poller.PoolOptions

	// Watch reloads the inventory when its files change.
	Watch bool

	// ReportFile, when set, receives every cycle report as a JSON line.
	ReportFile       string
	ReportMaxBytes   int64
	ReportMaxBackups int

	// Transforms resolves definition transforms. nil uses the built-ins.
	Transforms *metrics.TransformRegistry
}

func (c *Config) withDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9107"
	}
	if c.Workers <= 0 {
		c.Workers = 90
	}
	if c.ScrapeInterval <= 0 {
		c.ScrapeInterval = 60 * time.Second
	}
	if c.MaxDrain <= 0 {
		c.MaxDrain = 60 * time.Second
	}
	if c.Transforms == nil {
		c.Transforms = metrics.DefaultTransforms()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// App
// ─────────────────────────────────────────────────────────────────────────────

// App owns every component of a running exporter. Create one with New, start
// it with Start and stop it with Stop.
type App struct {
	cfg    Config
	logger *slog.Logger

	loaded *config.LoadedConfig

	registry  *prometheus.Registry
	telemetry *telemetry.Metrics
	sink      *exposition.Sink
	pool      *poller.ConnectionPool
	orch      *scheduler.Orchestrator
	sched     *scheduler.Scheduler
	journal   *file.Journal
	formatter *fmtjson.JSONFormatter

	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	devices map[string]config.DeviceConfig

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an App. It does not start anything; call Start for that.
func New(cfg Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	cfg.withDefaults()
	return &App{
		cfg:       cfg,
		logger:    logger,
		formatter: fmtjson.New(fmtjson.Config{}, logger),
	}
}

// Start loads configuration, builds every component, binds the HTTP
// listener and launches the scheduler. It returns an error if configuration
// loading, the report file or the listener fails.
//
// Cancelling ctx does not stop running cycles; only Stop does, after the
// drain. The caller must eventually call Stop to release resources.
func (a *App) Start(ctx context.Context) error {
	// ── 1. Load configuration ───────────────────────────────────────────
	a.logger.Info("app: loading configuration")
	loaded, err := config.Load(a.cfg.ConfigPaths, a.cfg.Transforms, a.logger)
	if err != nil {
		return fmt.Errorf("app: load config: %w", err)
	}
	a.loaded = loaded
	a.devices = loaded.Devices
	a.logger.Info("app: configuration loaded",
		"devices", len(loaded.Devices),
		"categories", len(loaded.Definitions.Categories),
		"definitions", loaded.Definitions.Len(),
	)

	// ── 2. Metrics registry ─────────────────────────────────────────────
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.telemetry = telemetry.New(a.registry)
	a.sink = exposition.NewSink(loaded.Definitions, a.logger)
	a.registry.MustRegister(a.sink, telemetry.NewTCPStatesCollector(nil, a.logger))

	// ── 3. Report journal ───────────────────────────────────────────────
	if a.cfg.ReportFile != "" {
		a.journal, err = file.Open(file.RotateConfig{
			FilePath:   a.cfg.ReportFile,
			MaxBytes:   a.cfg.ReportMaxBytes,
			MaxBackups: a.cfg.ReportMaxBackups,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("app: open report file: %w", err)
		}
	}

	// ── 4. Collection components ────────────────────────────────────────
	poolOpts := a.cfg.PoolOptions
	poolOpts.Active = a.telemetry.ConnectionsActive
	a.pool = poller.NewConnectionPool(loaded.Devices, poolOpts, a.logger)

	worker := poller.NewWorker(a.pool, metrics.NewExtractor(a.cfg.Transforms, a.logger), loaded.Definitions, a.logger)

	a.orch = scheduler.NewOrchestrator(worker, scheduler.Options{
		Workers:       a.cfg.Workers,
		ScrapeTimeout: a.cfg.ScrapeTimeout,
		MaxDrain:      a.cfg.MaxDrain,
		Begin:         func() scheduler.Batch { return a.sink.Begin() },
		Evicter:       a.pool,
		Metrics:       a.telemetry,
		OnReport:      a.record,
	}, a.logger)

	a.sched = scheduler.New(loaded.Devices, a.orch, a.cfg.ScrapeInterval, a.logger)

	// ── 5. HTTP listener ────────────────────────────────────────────────
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		a.closeResources()
		return fmt.Errorf("app: listen %s: %w", a.cfg.ListenAddr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 6. Launch goroutines ────────────────────────────────────────────
	// Cycles outlive ctx: Stop drains them before cancelling runCtx.
	a.runCtx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("app: http server failed", "error", err.Error())
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sched.Start(a.runCtx)
	}()

	if a.cfg.Watch {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := config.Watch(a.runCtx, a.cfg.ConfigPaths, a.logger, a.applyInventory); err != nil {
				a.logger.Error("app: config watcher stopped", "error", err.Error())
			}
		}()
	}

	a.logger.Info("app: running",
		"listen", ln.Addr().String(),
		"workers", a.cfg.Workers,
		"scrape_interval", a.cfg.ScrapeInterval.String(),
		"devices", a.sched.Entries(),
		"watch", a.cfg.Watch,
	)
	return nil
}

// Addr returns the bound HTTP address. Valid after Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Handler returns the HTTP surface:
//
//	GET  /metrics  committed device samples plus self-metrics
//	POST /collect  run a cycle now and return its report
//	GET  /health   liveness
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.telemetry.InstrumentHandler("metrics",
		promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{
			ErrorLog:      slog.NewLogLogger(a.logger.Handler(), slog.LevelError),
			ErrorHandling: promhttp.ContinueOnError,
		})))
	mux.Handle("/collect", a.telemetry.InstrumentHandler("collect", http.HandlerFunc(a.handleCollect)))
	mux.Handle("/health", a.telemetry.InstrumentHandler("health", http.HandlerFunc(handleHealth)))
	return mux
}

// Collect runs one cycle over the current inventory.
func (a *App) Collect(ctx context.Context) models.CycleReport {
	a.mu.Lock()
	ids := config.DeviceNames(a.devices)
	a.mu.Unlock()
	return a.orch.RunCycle(ctx, ids)
}

// Reload re-reads the inventory and applies it. Returns an error if the new
// inventory fails to load; the previous one stays active.
func (a *App) Reload() error {
	devices, err := config.LoadDevices(a.cfg.ConfigPaths, a.logger)
	if err != nil {
		return fmt.Errorf("app: reload inventory: %w", err)
	}
	a.applyInventory(devices)
	return nil
}

// Stop shuts down in order: the HTTP server stops accepting requests, the
// running cycle drains for up to drain (Config.MaxDrain when zero), then
// the scheduler and watcher stop and connections are closed.
func (a *App) Stop(drain time.Duration) {
	a.logger.Info("app: shutting down")

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("app: http shutdown", "error", err.Error())
		}
		cancel()
	}

	if a.orch != nil {
		if !a.orch.Shutdown(drain) {
			a.logger.Warn("app: running cycle abandoned at shutdown")
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	a.wg.Wait()

	a.closeResources()
	a.logger.Info("app: shutdown complete")
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

func (a *App) handleCollect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The cycle outlives a disconnecting client; samples are still committed.
	report := a.Collect(a.runCtx)

	w.Header().Set("Content-Type", "application/json")
	if report.Skipped() {
		w.WriteHeader(http.StatusConflict)
	}
	if err := a.formatter.WriteTo(w, &report); err != nil {
		a.logger.Warn("app: write collect response", "cycle_id", report.CycleID, "error", err.Error())
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// applyInventory installs a reloaded inventory: removed and changed devices
// are evicted from the pool and the scheduler picks up the new set.
func (a *App) applyInventory(devices map[string]config.DeviceConfig) {
	a.mu.Lock()
	prev := a.devices
	a.devices = devices
	a.mu.Unlock()

	for name := range prev {
		if _, ok := devices[name]; !ok {
			a.telemetry.ForgetDevice(name)
		}
	}
	a.pool.SetInventory(devices)
	a.sched.Reload(devices)
	a.logger.Info("app: inventory applied", "devices", len(devices))
}

// record appends a cycle report to the journal, if one is configured.
func (a *App) record(report models.CycleReport) {
	if a.journal == nil {
		return
	}
	if err := a.journal.Record(report); err != nil {
		a.logger.Warn("app: record cycle report", "cycle_id", report.CycleID, "error", err.Error())
	}
}

func (a *App) closeResources() {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Warn("app: close connection pool", "error", err.Error())
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("app: close report file", "error", err.Error())
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Utilities
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
