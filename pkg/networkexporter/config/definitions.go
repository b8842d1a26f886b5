package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/prometheus/common/model"
	"go.uber.org/multierr"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/producer/metrics"
)

// HostLabel is the label every device sample carries; definitions may not
// claim it.
const HostLabel = "host"

// ConfigError is a fatal problem found while loading configuration.
type ConfigError struct {
	File  string
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.File, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ─────────────────────────────────────────────────────────────────────────────
// Definition files
// ─────────────────────────────────────────────────────────────────────────────

type rawDefinitionFile struct {
	Categories []rawCategory `yaml:"categories"`
}

type rawCategory struct {
	Name         string      `yaml:"name"`
	Request      rawRequest  `yaml:"request"`
	Path         string      `yaml:"path"`
	Iterate      bool        `yaml:"iterate"`
	EntityLabel  string      `yaml:"entity_label"`
	EntityFormat string      `yaml:"entity_format"`
	EntityKey    string      `yaml:"entity_key"`
	EntityFilter []string    `yaml:"entity_filter"`
	LabelWrapper []string    `yaml:"label_wrapper"`
	Metrics      []rawMetric `yaml:"metrics"`
}

type rawRequest struct {
	Command string            `yaml:"command"`
	Get     map[string]string `yaml:"get"`
	Walk    map[string]string `yaml:"walk"`
}

type rawMetric struct {
	Metric       string   `yaml:"metric"`
	Key          string   `yaml:"key"`
	ValueType    string   `yaml:"value_type"`
	Transform    string   `yaml:"transform"`
	Specific     bool     `yaml:"specific"`
	Description  string   `yaml:"description"`
	LabelWrapper []string `yaml:"label_wrapper"`
}

// LoadDefinitions reads every YAML file under dir into a DefinitionTable.
// Categories keep file order, then declaration order. Every rule is validated:
// names, value types, entity filters and transforms (against transforms).
func LoadDefinitions(dir string, transforms *metrics.TransformRegistry, logger *slog.Logger) (*models.DefinitionTable, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	files, err := yamlFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("config: definitions dir missing, nothing will be collected", "dir", dir)
			return models.NewDefinitionTable(nil), nil
		}
		return nil, fmt.Errorf("list definitions dir %q: %w", dir, err)
	}

	var (
		errs       error
		categories []models.Category
		seen       = make(map[string]string) // category → file
		labelSets  = make(map[string][]string)
	)
	for _, path := range files {
		var raw rawDefinitionFile
		if err := decodeFile(path, &raw); err != nil {
			errs = multierr.Append(errs, &ConfigError{File: path, Err: err})
			continue
		}
		for _, rc := range raw.Categories {
			if prev, dup := seen[rc.Name]; dup {
				errs = multierr.Append(errs, &ConfigError{File: path, Field: rc.Name, Err: fmt.Errorf("category already defined in %s", prev)})
				continue
			}
			seen[rc.Name] = path

			cat, err := convertCategory(rc, transforms, labelSets)
			if err != nil {
				errs = multierr.Append(errs, &ConfigError{File: path, Field: rc.Name, Err: err})
				continue
			}
			categories = append(categories, cat)
		}
		logger.Debug("config: loaded definitions file", "file", path, "categories", len(raw.Categories))
	}
	if errs != nil {
		return nil, errs
	}
	return models.NewDefinitionTable(categories), nil
}

// convertCategory validates one category. labelSets tracks the label names
// of every metric seen so far so a metric keeps one label set across
// categories.
func convertCategory(rc rawCategory, transforms *metrics.TransformRegistry, labelSets map[string][]string) (models.Category, error) {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if rc.Name == "" {
		fail("category name is required")
	}
	req := models.Request{Command: rc.Request.Command, Get: rc.Request.Get, Walk: rc.Request.Walk}
	if req.Empty() {
		fail("request: one of command, get or walk is required")
	}

	entityLabel := rc.EntityLabel
	if rc.Iterate {
		if entityLabel == "" {
			entityLabel = metrics.DefaultEntityLabel
		}
		if !model.LabelNameRE.MatchString(entityLabel) {
			fail("entity_label %q is not a valid label name", entityLabel)
		}
		if entityLabel == HostLabel {
			fail("entity_label %q is reserved", HostLabel)
		}
		if rc.EntityFormat != "" && strings.Count(rc.EntityFormat, "%s") != 1 {
			fail("entity_format %q must contain exactly one %%s", rc.EntityFormat)
		}
	}

	filters := make([]*regexp.Regexp, 0, len(rc.EntityFilter))
	for _, expr := range rc.EntityFilter {
		re, err := regexp.Compile(expr)
		if err != nil {
			fail("entity_filter %q: %v", expr, err)
			continue
		}
		filters = append(filters, re)
	}

	if err := validateWrapper(rc.LabelWrapper); err != nil {
		fail("label_wrapper: %v", err)
	}

	defs := make([]models.MetricDefinition, 0, len(rc.Metrics))
	for i, rm := range rc.Metrics {
		def, err := convertMetric(rc.Name, rm, transforms)
		if err != nil {
			fail("metrics[%d] %s: %w", i, rm.Metric, err)
			continue
		}

		wrapper := def.LabelWrapper
		if wrapper == nil {
			wrapper = rc.LabelWrapper
		}
		var names []string
		if rc.Iterate {
			names = append(names, entityLabel)
		}
		for _, key := range wrapper {
			names = append(names, metrics.SanitizeLabelName(key))
		}
		if slices.Contains(names, HostLabel) {
			fail("metrics[%d] %s: label %q is reserved", i, rm.Metric, HostLabel)
			continue
		}
		if len(slices.Compact(slices.Sorted(slices.Values(names)))) != len(names) {
			fail("metrics[%d] %s: duplicate label in %v", i, rm.Metric, names)
			continue
		}
		if prev, ok := labelSets[def.MetricName]; ok && !slices.Equal(prev, names) {
			fail("metrics[%d] %s: label set %v differs from earlier definition %v", i, rm.Metric, names, prev)
			continue
		}
		labelSets[def.MetricName] = names
		defs = append(defs, def)
	}

	if errs != nil {
		return models.Category{}, errs
	}
	return models.Category{
		Name:         rc.Name,
		Request:      req,
		Path:         rc.Path,
		Iterate:      rc.Iterate,
		EntityLabel:  entityLabel,
		EntityFormat: rc.EntityFormat,
		EntityKey:    rc.EntityKey,
		EntityFilter: filters,
		LabelWrapper: rc.LabelWrapper,
		Definitions:  defs,
	}, nil
}

func convertMetric(category string, rm rawMetric, transforms *metrics.TransformRegistry) (models.MetricDefinition, error) {
	if !model.MetricNameRE.MatchString(rm.Metric) {
		return models.MetricDefinition{}, fmt.Errorf("invalid metric name %q", rm.Metric)
	}

	vt := models.ValueType(strings.ToLower(rm.ValueType))
	if vt == "" {
		vt = models.Gauge
	}
	if !vt.Valid() {
		return models.MetricDefinition{}, fmt.Errorf("value_type %q (expected counter|gauge)", rm.ValueType)
	}

	if rm.Transform != "" {
		if _, err := transforms.Lookup(rm.Transform); err != nil {
			return models.MetricDefinition{}, err
		}
	}
	if rm.Specific && rm.Transform == "" {
		return models.MetricDefinition{}, errors.New("specific definitions require a transform")
	}
	if !rm.Specific && rm.Key == "" {
		return models.MetricDefinition{}, errors.New("key is required")
	}
	if err := validateWrapper(rm.LabelWrapper); err != nil {
		return models.MetricDefinition{}, fmt.Errorf("label_wrapper: %w", err)
	}

	return models.MetricDefinition{
		MetricName:   rm.Metric,
		SourceKey:    rm.Key,
		Category:     category,
		ValueType:    vt,
		Transform:    rm.Transform,
		LabelWrapper: rm.LabelWrapper,
		Specific:     rm.Specific,
		Description:  rm.Description,
	}, nil
}

func validateWrapper(keys []string) error {
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		name := metrics.SanitizeLabelName(key)
		if !model.LabelNameRE.MatchString(name) {
			return fmt.Errorf("field %q does not map to a valid label name", key)
		}
		if seen[name] {
			return fmt.Errorf("duplicate label %q", name)
		}
		seen[name] = true
	}
	return nil
}
