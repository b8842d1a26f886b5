package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/pkg/networkexporter/config"
	"github.com/vpbank/network_exporter/pkg/networkexporter/poller"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helper: minimal YAML config tree with two ssh devices and one category
// ─────────────────────────────────────────────────────────────────────────────

func writeTestConfig(t *testing.T) config.Paths {
	t.Helper()
	base := t.TempDir()

	for _, d := range []string{"devices", "defaults", "definitions"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	writeYAML(t, filepath.Join(base, "defaults", "device.yml"), `
default:
  username: exporter
  password: secret
  timeout: 500
`)

	writeYAML(t, filepath.Join(base, "devices", "routers.yml"), `
router01:
  host: 192.0.2.1
router02:
  host: 192.0.2.2
`)

	writeYAML(t, filepath.Join(base, "definitions", "junos.yml"), `
categories:
  - name: bgp
    request:
      command: show bgp summary
    metrics:
      - metric: bgp_peer_count
        key: peer-count
        transform: intify
        description: Number of BGP peers
`)

	return config.Paths{
		Devices:     filepath.Join(base, "devices"),
		Defaults:    filepath.Join(base, "defaults"),
		Definitions: filepath.Join(base, "definitions"),
	}
}

func writeYAML(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Fake devices
// ─────────────────────────────────────────────────────────────────────────────

// fakeDevice answers every query with a fixed peer count. When gate is set,
// queries block until it is closed or the context ends.
type fakeDevice struct {
	name string
	gate <-chan struct{}
}

func (d *fakeDevice) Connect(context.Context) error { return nil }

func (d *fakeDevice) Query(ctx context.Context, _ models.Request, _ time.Duration) (map[string]any, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", d.name, poller.ErrTimeout)
		}
	}
	return map[string]any{"peer-count": "4"}, nil
}

func (d *fakeDevice) Disconnect() error { return nil }
func (d *fakeDevice) Healthy() bool     { return true }

func fakeFactory(gate <-chan struct{}) func(config.DeviceConfig) (poller.Device, error) {
	return func(cfg config.DeviceConfig) (poller.Device, error) {
		return &fakeDevice{name: cfg.Name, gate: gate}, nil
	}
}

func startApp(t *testing.T, cfg Config) *App {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.ScrapeInterval == 0 {
		cfg.ScrapeInterval = time.Hour
	}
	a := New(cfg, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func postCollect(t *testing.T, a *App) (int, models.CycleReport) {
	t.Helper()
	resp, err := http.Post("http://"+a.Addr()+"/collect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /collect: %v", err)
	}
	defer resp.Body.Close()
	var report models.CycleReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return resp.StatusCode, report
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestNew_defaults(t *testing.T) {
	a := New(Config{}, nil)

	if a.cfg.Workers != 90 {
		t.Errorf("Workers = %d, want 90", a.cfg.Workers)
	}
	if a.cfg.ListenAddr != ":9107" {
		t.Errorf("ListenAddr = %q, want :9107", a.cfg.ListenAddr)
	}
	if a.cfg.ScrapeInterval != time.Minute {
		t.Errorf("ScrapeInterval = %v, want 1m", a.cfg.ScrapeInterval)
	}
	if a.cfg.MaxDrain != time.Minute {
		t.Errorf("MaxDrain = %v, want 1m", a.cfg.MaxDrain)
	}
	if a.cfg.Transforms == nil {
		t.Error("Transforms should default to the built-ins")
	}
	if a.logger == nil {
		t.Error("logger should never be nil")
	}
}

func TestStartStop_emptyConfig(t *testing.T) {
	// Missing directories are skipped: an empty inventory is valid.
	a := startApp(t, Config{ConfigPaths: config.Paths{}})

	code, body := get(t, "http://"+a.Addr()+"/health")
	if code != http.StatusOK || strings.TrimSpace(body) != "ok" {
		t.Errorf("/health = %d %q", code, body)
	}
	a.Stop(time.Second)
}

func TestStart_invalidConfig(t *testing.T) {
	paths := writeTestConfig(t)
	writeYAML(t, filepath.Join(paths.Devices, "bad.yml"), "router03:\n  driver: telnet\n")

	a := New(Config{ConfigPaths: paths, ListenAddr: "127.0.0.1:0"}, nil)
	if err := a.Start(context.Background()); err == nil {
		a.Stop(time.Second)
		t.Fatal("expected Start to fail on an unknown driver")
	}
}

func TestTimerCycle_exposesSamples(t *testing.T) {
	a := startApp(t, Config{
		ConfigPaths: writeTestConfig(t),
		PoolOptions: poller.PoolOptions{NewDevice: fakeFactory(nil)},
	})
	defer a.Stop(time.Second)

	url := "http://" + a.Addr() + "/metrics"
	waitFor(t, 2*time.Second, func() bool {
		_, body := get(t, url)
		return strings.Contains(body, `bgp_peer_count{host="router02"} 4`)
	}, "first cycle to commit")

	_, body := get(t, url)
	for _, want := range []string{
		"# HELP bgp_peer_count Number of BGP peers",
		`bgp_peer_count{host="router01"} 4`,
		`network_exporter_device_up{host="router01"} 1`,
		"network_exporter_workers 90",
		"network_exporter_cycle_duration_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestCollect_returnsReport(t *testing.T) {
	a := startApp(t, Config{
		ConfigPaths: writeTestConfig(t),
		PoolOptions: poller.PoolOptions{NewDevice: fakeFactory(nil)},
	})
	defer a.Stop(time.Second)

	var (
		code   int
		report models.CycleReport
	)
	// The timer's first cycle may still hold the guard.
	waitFor(t, 2*time.Second, func() bool {
		code, report = postCollect(t, a)
		return code == http.StatusOK
	}, "collect to run")

	if report.CycleID == "" {
		t.Error("report has no cycle id")
	}
	if got := strings.Join(report.Succeeded, ","); got != "router01,router02" {
		t.Errorf("succeeded = %q", got)
	}
	if len(report.Failed) != 0 {
		t.Errorf("failed = %+v", report.Failed)
	}

	resp, err := http.Get("http://" + a.Addr() + "/collect")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /collect = %d, want 405", resp.StatusCode)
	}
}

func TestCollect_overlapIsSkipped(t *testing.T) {
	gate := make(chan struct{})
	a := startApp(t, Config{
		ConfigPaths: writeTestConfig(t),
		PoolOptions: poller.PoolOptions{NewDevice: fakeFactory(gate)},
	})
	defer a.Stop(time.Second)

	waitFor(t, 2*time.Second, func() bool { return a.orch.State().Guard }, "timer cycle to start")

	code, report := postCollect(t, a)
	if code != http.StatusConflict {
		t.Errorf("status = %d, want 409", code)
	}
	if got := strings.Join(report.SkippedDueToGuard, ","); got != "router01,router02" {
		t.Errorf("skipped_due_to_guard = %q", got)
	}
	close(gate)
}

func TestStop_abandonsAfterDrain(t *testing.T) {
	gate := make(chan struct{}) // never closed
	a := startApp(t, Config{
		ConfigPaths: writeTestConfig(t),
		PoolOptions: poller.PoolOptions{NewDevice: fakeFactory(gate)},
	})
	waitFor(t, 2*time.Second, func() bool { return a.orch.State().Guard }, "timer cycle to start")

	start := time.Now()
	a.Stop(100 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if n := a.orch.ActiveWorkers(); n != 0 {
		t.Errorf("active workers after Stop = %d, want 0", n)
	}
}

func TestStop_drainsAfterStartContextCancelled(t *testing.T) {
	gate := make(chan struct{})
	reportPath := filepath.Join(t.TempDir(), "cycles.jsonl")

	sigCtx, cancelSig := context.WithCancel(context.Background())
	defer cancelSig()
	a := New(Config{
		ConfigPaths:    writeTestConfig(t),
		ListenAddr:     "127.0.0.1:0",
		ScrapeInterval: time.Hour,
		PoolOptions:    poller.PoolOptions{NewDevice: fakeFactory(gate)},
		ReportFile:     reportPath,
	}, nil)
	if err := a.Start(sigCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return a.orch.State().Guard }, "timer cycle to start")

	// A shutdown signal cancels the start context before Stop runs.
	cancelSig()
	time.Sleep(50 * time.Millisecond)
	if !a.orch.State().Guard {
		t.Fatal("cycle ended when the start context was cancelled")
	}

	go func() {
		time.Sleep(300 * time.Millisecond)
		close(gate)
	}()
	a.Stop(5 * time.Second)

	data, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("read report file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var report models.CycleReport
	if err := json.Unmarshal([]byte(lines[0]), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if got := strings.Join(report.Succeeded, ","); got != "router01,router02" {
		t.Errorf("succeeded = %q, failed = %+v; want both devices drained", got, report.Failed)
	}
}

func TestReload_appliesInventory(t *testing.T) {
	paths := writeTestConfig(t)
	a := startApp(t, Config{
		ConfigPaths: paths,
		PoolOptions: poller.PoolOptions{NewDevice: fakeFactory(nil)},
	})
	defer a.Stop(time.Second)

	writeYAML(t, filepath.Join(paths.Devices, "routers.yml"), "router01:\n  host: 192.0.2.1\nrouter03:\n  host: 192.0.2.3\n")
	if err := a.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := a.sched.Entries(); n != 2 {
		t.Errorf("scheduler entries = %d, want 2", n)
	}
	if st := a.pool.State("router02"); st != poller.StateDisconnected {
		t.Errorf("removed device state = %s, want disconnected", st)
	}

	var report models.CycleReport
	waitFor(t, 2*time.Second, func() bool {
		var code int
		code, report = postCollect(t, a)
		return code == http.StatusOK
	}, "collect to run")
	if got := strings.Join(report.Succeeded, ","); got != "router01,router03" {
		t.Errorf("succeeded = %q", got)
	}

	writeYAML(t, filepath.Join(paths.Devices, "routers.yml"), "router04:\n  driver: telnet\n")
	if err := a.Reload(); err == nil {
		t.Error("expected Reload to fail on an invalid inventory")
	}
	if n := a.sched.Entries(); n != 2 {
		t.Errorf("failed reload must keep the previous inventory, entries = %d", n)
	}
}

func TestReportFile_recordsCycles(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "cycles.jsonl")
	a := startApp(t, Config{
		ConfigPaths: writeTestConfig(t),
		PoolOptions: poller.PoolOptions{NewDevice: fakeFactory(nil)},
		ReportFile:  reportPath,
	})

	waitFor(t, 2*time.Second, func() bool {
		code, _ := postCollect(t, a)
		return code == http.StatusOK
	}, "collect to run")
	a.Stop(time.Second)

	f, err := os.Open(reportPath)
	if err != nil {
		t.Fatalf("open report file: %v", err)
	}
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r models.CycleReport
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %d: %v", lines+1, err)
		}
		lines++
	}
	// Timer cycle plus the collect request.
	if lines < 2 {
		t.Errorf("report lines = %d, want ≥2", lines)
	}
}
