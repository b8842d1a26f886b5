package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/pkg/networkexporter/config"
	"github.com/vpbank/network_exporter/producer/metrics"
)

func tmpDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

// ── PathsFromEnv ─────────────────────────────────────────────────────────────

func TestPathsFromEnv_Defaults(t *testing.T) {
	for _, v := range []string{
		"NETWORK_EXPORTER_DEVICES_DIRECTORY_PATH",
		"NETWORK_EXPORTER_DEFAULTS_DIRECTORY_PATH",
		"NETWORK_EXPORTER_DEFINITIONS_DIRECTORY_PATH",
	} {
		t.Setenv(v, "")
	}
	p := config.PathsFromEnv()
	if p.Devices != "/etc/network_exporter/devices" {
		t.Errorf("Devices = %q", p.Devices)
	}
	if p.Definitions != "/etc/network_exporter/definitions" {
		t.Errorf("Definitions = %q", p.Definitions)
	}
}

func TestPathsFromEnv_Override(t *testing.T) {
	t.Setenv("NETWORK_EXPORTER_DEVICES_DIRECTORY_PATH", "/custom/devices")
	p := config.PathsFromEnv()
	if p.Devices != "/custom/devices" {
		t.Errorf("Devices = %q, want /custom/devices", p.Devices)
	}
}

// ── Device loading ────────────────────────────────────────────────────────────

var deviceYAML = `
router01.example.com:
  host: 192.0.2.1
  driver: ssh
  username: exporter
  password_env: TEST_ROUTER_PASSWORD
  timeout: 3000
  categories:
    - cpu_usage

switch01.example.com:
  host: 192.0.2.2
  driver: snmp
  version: "3"
  v3_credentials:
    username: network_exporter
    authentication_protocol: sha
    authentication_passphrase: efauthpassword
    privacy_protocol: aes
    privacy_passphrase: efprivpassword
`

func TestLoad_Devices(t *testing.T) {
	t.Setenv("TEST_ROUTER_PASSWORD", "s3cret")
	devDir := tmpDir(t, map[string]string{"devices.yml": deviceYAML})
	cfg, err := config.Load(config.Paths{Devices: devDir, Defaults: t.TempDir(), Definitions: t.TempDir()}, nil, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("devices count = %d, want 2", len(cfg.Devices))
	}
	assert.Equal(t, []string{"router01.example.com", "switch01.example.com"}, cfg.DeviceNames())

	r := cfg.Devices["router01.example.com"]
	assert.Equal(t, "router01.example.com", r.Name)
	assert.Equal(t, "192.0.2.1:22", r.Address())
	assert.Equal(t, "s3cret", r.Password)
	assert.Equal(t, 3*time.Second, r.QueryTimeout())
	assert.Equal(t, time.Minute, r.Interval())
	assert.Equal(t, []string{"cpu_usage"}, r.Categories)

	sw := cfg.Devices["switch01.example.com"]
	assert.Equal(t, config.DriverSNMP, sw.Driver)
	assert.Equal(t, 161, sw.Port)
	assert.Equal(t, "3", sw.Version)
	require.NotNil(t, sw.V3Credentials)
	assert.Equal(t, "sha", sw.V3Credentials.AuthenticationProtocol)
}

// ── Device defaults ───────────────────────────────────────────────────────────

var defaultsYAML = `
default:
  driver: ssh
  username: monitor
  timeout: 5000
  scrape_interval: 120
`

var minimalDeviceYAML = `
router02.example.com:
  host: 10.0.0.1
`

func TestLoad_DefaultsApplied(t *testing.T) {
	devDir := tmpDir(t, map[string]string{"devices.yml": minimalDeviceYAML})
	defDir := tmpDir(t, map[string]string{"device.yml": defaultsYAML})
	devices, err := config.LoadDevices(config.Paths{Devices: devDir, Defaults: defDir}, nil)
	if err != nil {
		t.Fatalf("LoadDevices: %v", err)
	}
	d := devices["router02.example.com"]
	if d.Timeout != 5000 {
		t.Errorf("timeout = %d, want 5000 (from defaults)", d.Timeout)
	}
	if d.ScrapeInterval != 120 {
		t.Errorf("scrape_interval = %d, want 120 (from defaults)", d.ScrapeInterval)
	}
	if d.Username != "monitor" {
		t.Errorf("username = %q, want monitor (from defaults)", d.Username)
	}
}

func TestLoad_InvalidDevices(t *testing.T) {
	devDir := tmpDir(t, map[string]string{"devices.yml": `
a:
  host: 10.0.0.1
  driver: netconf
b:
  host: 10.0.0.2
  driver: ssh
`})
	_, err := config.LoadDevices(config.Paths{Devices: devDir}, nil)
	require.Error(t, err)
	var cerr *config.ConfigError
	assert.True(t, errors.As(err, &cerr))
	assert.Contains(t, err.Error(), "unknown driver")
	assert.Contains(t, err.Error(), "requires a username")
}

func TestLoad_MissingDirsAreEmpty(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	cfg, err := config.Load(config.Paths{Devices: missing, Defaults: missing, Definitions: missing}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Devices)
	assert.Equal(t, 0, cfg.Definitions.Len())
}

// ── Definitions ───────────────────────────────────────────────────────────────

var definitionsYAML = `
categories:
  - name: cpu_usage
    request:
      command: show chassis routing-engine
    path: route-engine-information.route-engine
    iterate: true
    entity_key: slot
    entity_label: cpu
    entity_format: cpu_%s
    metrics:
      - metric: cpu_usage
        key: cpu-idle
        value_type: gauge
        transform: cpu_usage
        specific: true
        description: CPU usage in percent
  - name: interfaces
    request:
      walk:
        oper-status: 1.3.6.1.2.1.2.2.1.8
        description: 1.3.6.1.2.1.31.1.1.1.18
    path: rows
    iterate: true
    entity_label: ifindex
    entity_filter:
      - "^[0-9]+$"
    label_wrapper: [description]
    metrics:
      - metric: interface_oper_status
        key: oper-status
      - metric: interface_in_octets_total
        key: in-octets
        value_type: counter
`

func TestLoadDefinitions(t *testing.T) {
	dir := tmpDir(t, map[string]string{"junos.yml": definitionsYAML})
	table, err := config.LoadDefinitions(dir, metrics.DefaultTransforms(), nil)
	require.NoError(t, err)
	require.Len(t, table.Categories, 2)
	assert.Equal(t, 3, table.Len())

	cpu, ok := table.Category("cpu_usage")
	require.True(t, ok)
	assert.True(t, cpu.Iterate)
	assert.Equal(t, "cpu", cpu.EntityLabel)
	assert.Equal(t, "show chassis routing-engine", cpu.Request.Command)
	require.Len(t, cpu.Definitions, 1)
	assert.Equal(t, "cpu_usage", cpu.Definitions[0].Transform)
	assert.True(t, cpu.Definitions[0].Specific)

	ifs, _ := table.Category("interfaces")
	assert.Len(t, ifs.Request.Walk, 2)
	require.Len(t, ifs.EntityFilter, 1)
	assert.Equal(t, models.Gauge, ifs.Definitions[0].ValueType)
	assert.Equal(t, models.Counter, ifs.Definitions[1].ValueType)

	help, vt, ok := table.Describe("cpu_usage")
	require.True(t, ok)
	assert.Equal(t, "CPU usage in percent", help)
	assert.Equal(t, models.Gauge, vt)
}

func TestLoadDefinitions_Invalid(t *testing.T) {
	dir := tmpDir(t, map[string]string{"bad.yml": `
categories:
  - name: broken
    request:
      command: show foo
    iterate: true
    entity_label: host
    entity_filter: ["("]
    metrics:
      - metric: "bad-name"
        key: x
      - metric: ok_name
        key: y
        transform: does_not_exist
      - metric: typed
        key: z
        value_type: histogram
  - name: norequest
    metrics:
      - metric: m
        key: k
`})
	_, err := config.LoadDefinitions(dir, metrics.DefaultTransforms(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, metrics.ErrUnknownTransform))
	msg := err.Error()
	for _, want := range []string{
		`"bad-name"`,
		"does_not_exist",
		"histogram",
		"entity_filter",
		"reserved",
		"request",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestLoadDefinitions_LabelSetConflict(t *testing.T) {
	dir := tmpDir(t, map[string]string{"a.yml": `
categories:
  - name: one
    request: {command: show a}
    metrics:
      - {metric: shared, key: a}
  - name: two
    request: {command: show b}
    label_wrapper: [name]
    metrics:
      - {metric: shared, key: b}
`})
	_, err := config.LoadDefinitions(dir, metrics.DefaultTransforms(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "label set")
}

func TestLoadDefinitions_DuplicateCategory(t *testing.T) {
	dir := tmpDir(t, map[string]string{
		"a.yml": "categories:\n  - {name: dup, request: {command: x}, metrics: [{metric: m, key: k}]}\n",
		"b.yml": "categories:\n  - {name: dup, request: {command: y}, metrics: [{metric: n, key: k}]}\n",
	})
	_, err := config.LoadDefinitions(dir, metrics.DefaultTransforms(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already defined")
}

// ── Watch ─────────────────────────────────────────────────────────────────────

func TestWatch_ReloadsInventory(t *testing.T) {
	devDir := tmpDir(t, map[string]string{"devices.yml": minimalDeviceYAML})
	defDir := tmpDir(t, map[string]string{"device.yml": defaultsYAML})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan map[string]config.DeviceConfig, 4)
	done := make(chan error, 1)
	go func() {
		done <- config.Watch(ctx, config.Paths{Devices: devDir, Defaults: defDir}, nil, func(d map[string]config.DeviceConfig) {
			got <- d
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "more.yml"), []byte("router03:\n  host: 10.0.0.3\n"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case devices := <-got:
			if _, ok := devices["router03"]; ok {
				cancel()
				assert.NoError(t, <-done)
				return
			}
		case <-deadline:
			t.Fatal("inventory change not observed")
		}
	}
}
