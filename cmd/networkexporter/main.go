// Command network_exporter scrapes network devices over SSH or SNMP and
// exposes the results in the Prometheus text format.
//
// It loads YAML configuration from directories specified by environment
// variables (or command-line flags), starts the scheduler and the HTTP
// endpoint, and runs until interrupted (SIGINT / SIGTERM). On shutdown a
// running collection cycle gets -shutdown.drain to finish before it is
// abandoned.
//
// Usage:
//
//	network_exporter [flags]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/vpbank/network_exporter/pkg/networkexporter/app"
	"github.com/vpbank/network_exporter/pkg/networkexporter/config"
	"github.com/vpbank/network_exporter/pkg/networkexporter/poller"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "network_exporter: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ── Flags ────────────────────────────────────────────────────────────
	var (
		logLevel string
		logFmt   string

		listenAddr     string
		workers        int
		scrapeInterval time.Duration
		scrapeTimeout  time.Duration
		drain          time.Duration

		// Pool
		connectRetries int
		dialRate       float64
		dialBurst      int

		// Cycle report journal
		reportFile       string
		reportMaxBytes   int64
		reportMaxBackups int

		// Config path overrides (defaults read from env).
		cfgDevices     string
		cfgDefaults    string
		cfgDefinitions string
		cfgWatch       bool
	)

	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&logFmt, "log.fmt", "json", "Log format: json, text")

	flag.StringVar(&listenAddr, "web.listen-address", ":9107", "Address for /metrics, /collect and /health")
	flag.IntVar(&workers, "scrape.workers", 90, "Number of devices scraped concurrently")
	flag.DurationVar(&scrapeInterval, "scrape.interval", time.Minute, "Scrape interval for devices without scrape_interval")
	flag.DurationVar(&scrapeTimeout, "scrape.timeout", 0, "Deadline for one device's whole scrape (0=none)")
	flag.DurationVar(&drain, "shutdown.drain", time.Minute, "How long shutdown waits for a running cycle")

	flag.IntVar(&connectRetries, "pool.connect.retries", 2, "Extra connect attempts per scrape (0 disables retries)")
	flag.Float64Var(&dialRate, "pool.dial.rate", 50, "New connection attempts per second across all devices")
	flag.IntVar(&dialBurst, "pool.dial.burst", 10, "Burst size for new connection attempts")

	flag.StringVar(&reportFile, "report.file", "", "Append every cycle report to this file as JSON lines")
	flag.Int64Var(&reportMaxBytes, "report.max.bytes", 0, "Max report file size in bytes before rotation (0=disabled)")
	flag.IntVar(&reportMaxBackups, "report.max.backups", 5, "Rotated report files to keep")

	flag.StringVar(&cfgDevices, "config.devices", "", "Override NETWORK_EXPORTER_DEVICES_DIRECTORY_PATH")
	flag.StringVar(&cfgDefaults, "config.defaults", "", "Override NETWORK_EXPORTER_DEFAULTS_DIRECTORY_PATH")
	flag.StringVar(&cfgDefinitions, "config.definitions", "", "Override NETWORK_EXPORTER_DEFINITIONS_DIRECTORY_PATH")
	flag.BoolVar(&cfgWatch, "config.watch", false, "Reload the device inventory when its files change")

	flag.Parse()

	// ── Logger ───────────────────────────────────────────────────────────
	logger, err := buildLogger(logLevel, logFmt)
	if err != nil {
		return err
	}

	// ── Config paths ─────────────────────────────────────────────────────
	paths := config.PathsFromEnv()
	applyPathOverrides(&paths, cfgDevices, cfgDefaults, cfgDefinitions)

	// ── Build App ────────────────────────────────────────────────────────
	if connectRetries == 0 {
		// PoolOptions treats zero as "use the default".
		connectRetries = -1
	}
	cfg := app.Config{
		ConfigPaths:      paths,
		ListenAddr:       listenAddr,
		Workers:          workers,
		ScrapeInterval:   scrapeInterval,
		ScrapeTimeout:    scrapeTimeout,
		MaxDrain:         drain,
		Watch:            cfgWatch,
		ReportFile:       reportFile,
		ReportMaxBytes:   reportMaxBytes,
		ReportMaxBackups: reportMaxBackups,
		PoolOptions: poller.PoolOptions{
			ConnectRetries: connectRetries,
			DialRate:       rate.Limit(dialRate),
			DialBurst:      dialBurst,
		},
	}

	application := app.New(cfg, logger)

	// ── Start ────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	logger.Info("network_exporter: running", "addr", application.Addr())

	<-ctx.Done()
	logger.Info("network_exporter: received shutdown signal")

	application.Stop(drain)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unknown log level %q (expected debug|info|warn|error)", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (expected json|text)", format)
	}

	return slog.New(handler), nil
}

func applyPathOverrides(p *config.Paths, devices, defaults, definitions string) {
	if devices != "" {
		p.Devices = devices
	}
	if defaults != "" {
		p.Defaults = defaults
	}
	if definitions != "" {
		p.Definitions = definitions
	}
}
