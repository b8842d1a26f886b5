// Package config provides YAML configuration loading for the network exporter.
//
// It reads three directory trees (driven by environment variables) and
// produces a LoadedConfig value that is used by the rest of the application.
//
//	NETWORK_EXPORTER_DEVICES_DIRECTORY_PATH      → Devices map
//	NETWORK_EXPORTER_DEFAULTS_DIRECTORY_PATH     → device defaults
//	NETWORK_EXPORTER_DEFINITIONS_DIRECTORY_PATH  → metric DefinitionTable
package config

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/producer/metrics"
)

// ─────────────────────────────────────────────────────────────────────────────
// Paths
// ─────────────────────────────────────────────────────────────────────────────

// Paths holds the directory locations for every configuration tree.
type Paths struct {
	Devices     string // NETWORK_EXPORTER_DEVICES_DIRECTORY_PATH
	Defaults    string // NETWORK_EXPORTER_DEFAULTS_DIRECTORY_PATH
	Definitions string // NETWORK_EXPORTER_DEFINITIONS_DIRECTORY_PATH
}

// PathsFromEnv reads each path from its environment variable, falling back to
// the documented default when the variable is unset or empty.
func PathsFromEnv() Paths {
	return Paths{
		Devices:     envOr("NETWORK_EXPORTER_DEVICES_DIRECTORY_PATH", "/etc/network_exporter/devices"),
		Defaults:    envOr("NETWORK_EXPORTER_DEFAULTS_DIRECTORY_PATH", "/etc/network_exporter/defaults"),
		Definitions: envOr("NETWORK_EXPORTER_DEFINITIONS_DIRECTORY_PATH", "/etc/network_exporter/definitions"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ─────────────────────────────────────────────────────────────────────────────
// LoadedConfig
// ─────────────────────────────────────────────────────────────────────────────

// LoadedConfig is the fully parsed representation of all configuration trees.
type LoadedConfig struct {
	// Devices maps inventory name → resolved DeviceConfig (defaults merged in).
	Devices map[string]DeviceConfig

	// Definitions is the validated, read-only metric definition table.
	Definitions *models.DefinitionTable
}

// DeviceNames returns the inventory names in sorted order.
func (c *LoadedConfig) DeviceNames() []string {
	return DeviceNames(c.Devices)
}

// DeviceNames returns the keys of devices in sorted order.
func DeviceNames(devices map[string]DeviceConfig) []string {
	names := make([]string, 0, len(devices))
	for n := range devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ─────────────────────────────────────────────────────────────────────────────
// Load
// ─────────────────────────────────────────────────────────────────────────────

// Load reads all configuration directories specified by paths and returns a
// fully resolved LoadedConfig. Every definition is validated against
// transforms; problems from all files are accumulated and returned together so
// that operators see all of them at once.
//
// If a directory does not exist, that section is skipped silently (the
// corresponding map will be empty). This allows partial deployments.
func Load(paths Paths, transforms *metrics.TransformRegistry, logger *slog.Logger) (*LoadedConfig, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if transforms == nil {
		transforms = metrics.DefaultTransforms()
	}

	var errs error

	devices, err := LoadDevices(paths, logger)
	errs = multierr.Append(errs, err)

	table, err := LoadDefinitions(paths.Definitions, transforms, logger)
	errs = multierr.Append(errs, err)

	if errs != nil {
		return nil, fmt.Errorf("config: %d error(s): %w", len(multierr.Errors(errs)), errs)
	}

	for _, name := range DeviceNames(devices) {
		for _, cat := range devices[name].Categories {
			if _, ok := table.Category(cat); !ok {
				logger.Warn("config: device references unknown category", "device", name, "category", cat)
			}
		}
	}

	return &LoadedConfig{
		Devices:     devices,
		Definitions: table,
	}, nil
}

// LoadDevices reads the defaults and devices trees only. It is used on
// inventory reload, where the definition table stays as loaded at start.
func LoadDevices(paths Paths, logger *slog.Logger) (map[string]DeviceConfig, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	var errs error

	defaults, err := loadDeviceDefaults(paths.Defaults, logger)
	errs = multierr.Append(errs, err)

	devices, err := loadDevices(paths.Devices, defaults, logger)
	errs = multierr.Append(errs, err)

	return devices, errs
}

// ─────────────────────────────────────────────────────────────────────────────
// Device defaults
// ─────────────────────────────────────────────────────────────────────────────

type rawDefaults struct {
	Default rawDeviceEntry `yaml:"default"`
}

func loadDeviceDefaults(dir string, logger *slog.Logger) (rawDeviceEntry, error) {
	var merged rawDeviceEntry
	files, err := yamlFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return merged, nil
		}
		return merged, fmt.Errorf("list defaults dir %q: %w", dir, err)
	}

	for _, path := range files {
		var raw rawDefaults
		if err := decodeFile(path, &raw); err != nil {
			logger.Warn("config: skip malformed defaults file", "file", path, "error", err.Error())
			continue
		}
		merged = mergeDefaults(merged, raw.Default)
		logger.Debug("config: loaded device defaults", "file", path)
	}
	return merged, nil
}

// mergeDefaults fills zero fields in dst with values from src.
func mergeDefaults(dst, src rawDeviceEntry) rawDeviceEntry {
	if dst.Port == 0 {
		dst.Port = src.Port
	}
	if dst.Driver == "" {
		dst.Driver = src.Driver
	}
	if dst.ScrapeInterval == 0 {
		dst.ScrapeInterval = src.ScrapeInterval
	}
	if dst.Timeout == 0 {
		dst.Timeout = src.Timeout
	}
	if dst.Retries == 0 {
		dst.Retries = src.Retries
	}
	if dst.Username == "" {
		dst.Username = src.Username
	}
	if dst.Password == "" {
		dst.Password = src.Password
	}
	if dst.PasswordEnv == "" {
		dst.PasswordEnv = src.PasswordEnv
	}
	if dst.KeyFile == "" {
		dst.KeyFile = src.KeyFile
	}
	if dst.KnownHostsFile == "" {
		dst.KnownHostsFile = src.KnownHostsFile
	}
	if dst.Version == "" {
		dst.Version = src.Version
	}
	if dst.Community == "" {
		dst.Community = src.Community
	}
	if dst.V3Credentials == nil {
		dst.V3Credentials = src.V3Credentials
	}
	if len(dst.Categories) == 0 {
		dst.Categories = src.Categories
	}
	return dst
}

// ─────────────────────────────────────────────────────────────────────────────
// Devices
// ─────────────────────────────────────────────────────────────────────────────

func loadDevices(dir string, defaults rawDeviceEntry, logger *slog.Logger) (map[string]DeviceConfig, error) {
	result := make(map[string]DeviceConfig)
	files, err := yamlFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("list devices dir %q: %w", dir, err)
	}

	var errs error
	for _, path := range files {
		var raw map[string]rawDeviceEntry
		if err := decodeFile(path, &raw); err != nil {
			logger.Warn("config: skip malformed device file", "file", path, "error", err.Error())
			continue
		}
		for name, entry := range raw {
			dev, err := resolveDevice(name, mergeDefaults(entry, defaults))
			if err != nil {
				errs = multierr.Append(errs, &ConfigError{File: path, Field: name, Err: err})
				continue
			}
			result[name] = dev
		}
		logger.Debug("config: loaded device file", "file", path, "count", len(raw))
	}
	return result, errs
}

// resolveDevice applies hard-coded fallbacks to a defaults-merged entry and
// validates it.
func resolveDevice(name string, e rawDeviceEntry) (DeviceConfig, error) {
	host := e.Host
	if host == "" {
		host = name
	}

	driver := strings.ToLower(e.Driver)
	if driver == "" {
		driver = DriverSSH
	}
	if driver != DriverSSH && driver != DriverSNMP {
		return DeviceConfig{}, fmt.Errorf("unknown driver %q (expected ssh|snmp)", e.Driver)
	}

	port := e.Port
	if port == 0 {
		if driver == DriverSNMP {
			port = 161
		} else {
			port = 22
		}
	}

	interval := e.ScrapeInterval
	if interval < 0 {
		return DeviceConfig{}, fmt.Errorf("scrape_interval must not be negative, got %d", interval)
	}

	timeout := e.Timeout
	if timeout == 0 {
		timeout = 10000
	}

	retries := e.Retries
	if retries == 0 {
		retries = 2
	}

	version := e.Version
	if version == "" {
		version = "2c"
	}

	password := e.Password
	if password == "" && e.PasswordEnv != "" {
		password = os.Getenv(e.PasswordEnv)
	}

	if driver == DriverSSH && e.Username == "" {
		return DeviceConfig{}, fmt.Errorf("ssh device requires a username")
	}

	return DeviceConfig{
		Name:           name,
		Host:           host,
		Port:           port,
		Driver:         driver,
		ScrapeInterval: interval,
		Timeout:        timeout,
		Retries:        retries,
		Username:       e.Username,
		Password:       password,
		KeyFile:        e.KeyFile,
		KnownHostsFile: e.KnownHostsFile,
		Version:        version,
		Community:      e.Community,
		V3Credentials:  e.V3Credentials,
		Categories:     e.Categories,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// yamlFiles returns all *.yml / *.yaml files under dir, sorted by path.
func yamlFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, p)
		}
		return nil
	})
	return paths, err
}

// decodeFile opens path and unmarshals the YAML content into out.
func decodeFile(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(false) // extra keys are ignored
	return dec.Decode(out)
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
