package metrics_test

import (
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/producer/metrics"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func cpuCategory() models.Category {
	return models.Category{
		Name:         "cpu_usage",
		Iterate:      true,
		EntityLabel:  "cpu",
		EntityFormat: "cpu_%s",
		Definitions: []models.MetricDefinition{
			{MetricName: "cpu_usage", SourceKey: "cpu-idle", Category: "cpu_usage", ValueType: models.Gauge, Transform: "cpu_usage", Specific: true},
		},
	}
}

func sensorCategory() models.Category {
	return models.Category{
		Name:        "environment",
		Iterate:     true,
		EntityLabel: "sensorname",
		Definitions: []models.MetricDefinition{
			{MetricName: "environment_status", SourceKey: "status", ValueType: models.Gauge, Transform: "is_ok"},
			{MetricName: "environment_temperature", SourceKey: "temperature", ValueType: models.Gauge, Transform: "temp"},
		},
	}
}

func newExtractor() *metrics.Extractor {
	return metrics.NewExtractor(metrics.DefaultTransforms(), nil)
}

// ─────────────────────────────────────────────────────────────────────────────
// Shapes
// ─────────────────────────────────────────────────────────────────────────────

func TestExtract_CPUUsageSlot(t *testing.T) {
	raw := map[string]any{"0": map[string]any{"cpu-idle": "73"}}

	samples, errs := newExtractor().Collect(cpuCategory(), raw)
	require.Empty(t, errs)
	require.Len(t, samples, 1)
	assert.Equal(t, models.MetricSample{
		Name:   "cpu_usage",
		Value:  27.0,
		Labels: []models.Label{{Name: "cpu", Value: "cpu_0"}},
	}, samples[0])
}

func TestExtract_RAMUsage(t *testing.T) {
	cat := models.Category{
		Name:         "ram_usage",
		Iterate:      true,
		EntityLabel:  "ram",
		EntityFormat: "ram_%s",
		Definitions: []models.MetricDefinition{
			{MetricName: "ram_usage", SourceKey: "memory-dram-size", ValueType: models.Gauge, Transform: "ram_usage", Specific: true},
		},
	}
	raw := map[string]any{"0": map[string]any{
		"memory-dram-size":          "2048MB",
		"memory-buffer-utilization": "50",
	}}

	samples, errs := newExtractor().Collect(cat, raw)
	require.Empty(t, errs)
	require.Len(t, samples, 1)
	assert.Equal(t, 1074176000.0, samples[0].Value)
	v, _ := samples[0].Label("ram")
	assert.Equal(t, "ram_0", v)
}

func TestExtract_Scalar(t *testing.T) {
	cat := models.Category{
		Name: "system",
		Definitions: []models.MetricDefinition{
			{MetricName: "uptime_seconds", SourceKey: "uptime", ValueType: models.Counter},
			{MetricName: "absent_metric", SourceKey: "not-there", ValueType: models.Gauge},
			{MetricName: "reboot", Transform: "reboot", Specific: true, ValueType: models.Gauge, LabelWrapper: []string{"last_reboot_reason"}},
		},
	}
	raw := map[string]any{
		"uptime":             "3600",
		"last_reboot_reason": "Router rebooted after a normal shutdown.",
	}

	samples, errs := newExtractor().Collect(cat, raw)
	require.Empty(t, errs)
	require.Len(t, samples, 2)
	assert.Equal(t, "uptime_seconds", samples[0].Name)
	assert.Equal(t, 3600.0, samples[0].Value)
	assert.Empty(t, samples[0].Labels)
	assert.Equal(t, "reboot", samples[1].Name)
	assert.Equal(t, 1.0, samples[1].Value)
	assert.Equal(t, []string{"last_reboot_reason"}, samples[1].LabelNames())
}

func TestExtract_PartialFailureMissingField(t *testing.T) {
	raw := map[string]any{
		"1": map[string]any{"cpu-idle": "90"},
		"2": map[string]any{"cpu-idle": "80"},
		"3": map[string]any{"memory": "x"},
		"4": map[string]any{"cpu-idle": "60"},
		"5": map[string]any{"cpu-idle": "50"},
	}

	var got []string
	for s := range newExtractor().Extract(cpuCategory(), raw) {
		v, _ := s.Label("cpu")
		got = append(got, v)
	}
	assert.Equal(t, []string{"cpu_1", "cpu_2", "cpu_4", "cpu_5"}, got)
}

func TestExtract_PartialFailureBadValue(t *testing.T) {
	raw := map[string]any{
		"fan 1": map[string]any{"status": "OK", "temperature": "40 degrees C"},
		"fan 2": map[string]any{"status": "Failed", "temperature": "hot"},
	}

	samples, errs := newExtractor().Collect(sensorCategory(), raw)
	require.Len(t, errs, 1)
	var xerr *metrics.ExtractionError
	require.True(t, errors.As(errs[0], &xerr))
	assert.Equal(t, "environment_temperature", xerr.Metric)
	assert.Equal(t, "fan 2", xerr.Entity)

	require.Len(t, samples, 3)
	assert.Equal(t, "environment_status", samples[0].Name)
	assert.Equal(t, 1.0, samples[0].Value)
	assert.Equal(t, 40.0, samples[1].Value)
	assert.Equal(t, 0.0, samples[2].Value)
}

func TestExtract_NaturalEntityOrder(t *testing.T) {
	raw := map[string]any{
		"10": map[string]any{"cpu-idle": "1"},
		"2":  map[string]any{"cpu-idle": "1"},
		"1":  map[string]any{"cpu-idle": "1"},
	}
	var got []string
	for s := range newExtractor().Extract(cpuCategory(), raw) {
		v, _ := s.Label("cpu")
		got = append(got, v)
	}
	assert.Equal(t, []string{"cpu_1", "cpu_2", "cpu_10"}, got)
}

func TestExtract_ListWithEntityKeyAndPath(t *testing.T) {
	cat := cpuCategory()
	cat.Path = "route-engine-information.route-engine"
	cat.EntityKey = "slot"
	raw := map[string]any{
		"route-engine-information": []any{map[string]any{
			"route-engine": []any{
				map[string]any{"slot": "0", "cpu-idle": "73"},
				map[string]any{"slot": "1", "cpu-idle": "99"},
			},
		}},
	}

	samples, errs := newExtractor().Collect(cat, raw)
	require.Empty(t, errs)
	require.Len(t, samples, 2)
	assert.Equal(t, 27.0, samples[0].Value)
	assert.Equal(t, 1.0, samples[1].Value)
	v, _ := samples[1].Label("cpu")
	assert.Equal(t, "cpu_1", v)
}

func TestExtract_EntityFilterAndLabelWrapper(t *testing.T) {
	cat := models.Category{
		Name:         "interfaces",
		Iterate:      true,
		EntityLabel:  "interface",
		EntityFilter: []*regexp.Regexp{regexp.MustCompile(`^(ge|xe)-`)},
		LabelWrapper: []string{"description", "admin-status"},
		Definitions: []models.MetricDefinition{
			{MetricName: "interface_up", SourceKey: "oper-status", ValueType: models.Gauge, Transform: "is_ok"},
		},
	}
	raw := map[string]any{
		"ge-0/0/0": map[string]any{"oper-status": "up", "description": "uplink", "admin-status": "up"},
		"lo0":      map[string]any{"oper-status": "up"},
		"xe-1/0/0": map[string]any{"oper-status": "down"},
	}

	samples, errs := newExtractor().Collect(cat, raw)
	require.Empty(t, errs)
	require.Len(t, samples, 2)
	assert.Equal(t, []string{"interface", "description", "admin_status"}, samples[0].LabelNames())
	assert.Equal(t, []string{"ge-0/0/0", "uplink", "up"}, samples[0].LabelValues())
	assert.Equal(t, []string{"xe-1/0/0", "", ""}, samples[1].LabelValues())
	assert.Equal(t, 0.0, samples[1].Value)
}

func TestExtract_NullHandledByTransform(t *testing.T) {
	cat := models.Category{
		Name: "optics",
		Definitions: []models.MetricDefinition{
			{MetricName: "rx_power", SourceKey: "rx", Transform: "none_to_minus_inf", ValueType: models.Gauge},
			{MetricName: "bias", SourceKey: "bias", ValueType: models.Gauge},
		},
	}
	samples, errs := newExtractor().Collect(cat, map[string]any{"rx": nil, "bias": nil})
	require.Len(t, samples, 1)
	assert.Equal(t, "rx_power", samples[0].Name)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], metrics.ErrNullValue))
}

func TestExtract_MissingPathYieldsNothing(t *testing.T) {
	cat := cpuCategory()
	cat.Path = "nope"
	samples, errs := newExtractor().Collect(cat, map[string]any{"0": map[string]any{"cpu-idle": "1"}})
	assert.Empty(t, samples)
	assert.Empty(t, errs)
}

func TestExtract_StopEarly(t *testing.T) {
	raw := map[string]any{
		"0": map[string]any{"cpu-idle": "1"},
		"1": map[string]any{"cpu-idle": "1"},
	}
	n := 0
	for range newExtractor().Extract(cpuCategory(), raw) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestSanitizeLabelName(t *testing.T) {
	assert.Equal(t, "peer_address", metrics.SanitizeLabelName("peer-address"))
	assert.Equal(t, "_1st", metrics.SanitizeLabelName("1st"))
	assert.Equal(t, "a_b_c", metrics.SanitizeLabelName("a.b/c"))
}
