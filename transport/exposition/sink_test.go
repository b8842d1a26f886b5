package exposition_test

import (
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/transport/exposition"
)

func table() *models.DefinitionTable {
	return models.NewDefinitionTable([]models.Category{{
		Name:    "cpu_usage",
		Request: models.Request{Command: "show chassis routing-engine"},
		Definitions: []models.MetricDefinition{
			{MetricName: "cpu_usage", ValueType: models.Gauge, Description: "CPU usage in percent"},
			{MetricName: "interface_in_octets_total", ValueType: models.Counter, Description: "Received octets"},
		},
	}})
}

func labels(kv ...string) []models.Label {
	out := make([]models.Label, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, models.Label{Name: kv[i], Value: kv[i+1]})
	}
	return out
}

func TestSink_CommitExposesSnapshot(t *testing.T) {
	sink := exposition.NewSink(table(), nil)
	b := sink.Begin()
	require.NoError(t, b.AddSample("cpu_usage", 27, labels("host", "r1", "cpu", "cpu_0")))
	require.NoError(t, b.AddSample("cpu_usage", 10, labels("host", "r1", "cpu", "cpu_1")))
	require.NoError(t, b.AddSample("interface_in_octets_total", 1024, labels("host", "r1")))
	require.NoError(t, b.AddSample("uptime_seconds", math.Inf(1), labels("host", "r1")))

	// Nothing is exposed before commit.
	assert.Equal(t, 0, testutil.CollectAndCount(sink))
	assert.Equal(t, 4, b.Commit())
	assert.Equal(t, 4, sink.Samples())

	expected := `
# HELP cpu_usage CPU usage in percent
# TYPE cpu_usage gauge
cpu_usage{cpu="cpu_0",host="r1"} 27
cpu_usage{cpu="cpu_1",host="r1"} 10
# HELP interface_in_octets_total Received octets
# TYPE interface_in_octets_total counter
interface_in_octets_total{host="r1"} 1024
# HELP uptime_seconds uptime_seconds
# TYPE uptime_seconds untyped
uptime_seconds{host="r1"} +Inf
`
	require.NoError(t, testutil.CollectAndCompare(sink, strings.NewReader(expected)))
}

func TestSink_NextCommitReplacesSnapshot(t *testing.T) {
	sink := exposition.NewSink(table(), nil)

	b1 := sink.Begin()
	require.NoError(t, b1.AddSample("cpu_usage", 1, labels("host", "r1")))
	require.NoError(t, b1.AddSample("cpu_usage", 2, labels("host", "r2")))
	b1.Commit()

	// r2 failed in the next cycle: its series disappear.
	b2 := sink.Begin()
	require.NoError(t, b2.AddSample("cpu_usage", 5, labels("host", "r1")))
	b2.Commit()

	assert.Equal(t, 1, testutil.CollectAndCount(sink, "cpu_usage"))
	assert.Equal(t, 1, sink.Samples())
}

func TestSink_DiscardKeepsPreviousSnapshot(t *testing.T) {
	sink := exposition.NewSink(table(), nil)
	b1 := sink.Begin()
	require.NoError(t, b1.AddSample("cpu_usage", 1, labels("host", "r1")))
	b1.Commit()

	b2 := sink.Begin()
	require.NoError(t, b2.AddSample("cpu_usage", 9, labels("host", "r1")))
	b2.Discard()
	assert.Equal(t, 0, b2.Commit(), "commit after discard is a no-op")

	err := b2.AddSample("cpu_usage", 9, labels("host", "r1"))
	assert.ErrorIs(t, err, exposition.ErrBatchClosed)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(sink))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	assert.Equal(t, dto.MetricType_GAUGE, mfs[0].GetType())
	assert.Equal(t, 1.0, mfs[0].GetMetric()[0].GetGauge().GetValue())
}

func TestBatch_Rejections(t *testing.T) {
	sink := exposition.NewSink(nil, nil)
	b := sink.Begin()
	require.NoError(t, b.AddSample("temp", 40, labels("host", "r1", "sensorname", "cpu")))

	tests := []struct {
		name   string
		metric string
		labels []models.Label
		want   error
	}{
		{"duplicate series", "temp", labels("host", "r1", "sensorname", "cpu"), exposition.ErrDuplicateSample},
		{"label mismatch", "temp", labels("host", "r1"), exposition.ErrLabelMismatch},
		{"label order mismatch", "temp", labels("sensorname", "cpu", "host", "r1"), exposition.ErrLabelMismatch},
		{"bad metric name", "temp-c", labels("host", "r1"), exposition.ErrInvalidName},
		{"bad label name", "fan", labels("fan-speed", "1"), exposition.ErrInvalidName},
		{"reserved label name", "fan", labels("__name__", "x"), exposition.ErrInvalidName},
		{"repeated label", "fan", labels("host", "a", "host", "b"), exposition.ErrInvalidName},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := b.AddSample(tc.metric, 1, tc.labels)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			var serr *exposition.SinkError
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, tc.metric, serr.Metric)
		})
	}
	assert.Equal(t, 1, b.Len())
}

func TestBatch_ConcurrentAdds(t *testing.T) {
	sink := exposition.NewSink(table(), nil)
	b := sink.Begin()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := string(rune('a'+i%26)) + string(rune('a'+i/26))
			_ = b.AddSample("cpu_usage", float64(i), labels("host", host))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, b.Commit())
	assert.Equal(t, 50, testutil.CollectAndCount(sink))
}
