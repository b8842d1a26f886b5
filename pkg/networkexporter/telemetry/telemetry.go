// Package telemetry holds the exporter's own metrics: worker occupancy,
// pooled connections, cycle timing, per-device scrape outcome, HTTP request
// latency and the host's TCP socket states.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "network_exporter"

// Metrics is the set of self-observability instruments.
type Metrics struct {
	WorkersBusy       prometheus.Gauge
	WorkersTotal      prometheus.Gauge
	ConnectionsActive prometheus.Gauge

	CycleDuration prometheus.Histogram
	CyclesSkipped prometheus.Counter

	DeviceUp             *prometheus.GaugeVec
	DeviceScrapeDuration *prometheus.GaugeVec

	HTTPDuration *prometheus.HistogramVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WorkersBusy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "used_workers",
			Help:      "Number of scrape workers currently running.",
		}),
		WorkersTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Configured scrape worker capacity.",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of device connections currently checked out of the pool.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of completed collection cycles.",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90, 120},
		}),
		CyclesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_skipped_total",
			Help:      "Collection triggers refused because a cycle was already running.",
		}),
		DeviceUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_up",
			Help:      "1 if the last scrape of the device succeeded, else 0.",
		}, []string{"host"}),
		DeviceScrapeDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_scrape_duration_seconds",
			Help:      "Duration of the last scrape of the device.",
		}, []string{"host"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests served by the exporter.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "method", "code"}),
	}
}

// ObserveDevice records the outcome of one device scrape.
func (m *Metrics) ObserveDevice(host string, ok bool, d time.Duration) {
	up := 0.0
	if ok {
		up = 1
	}
	m.DeviceUp.WithLabelValues(host).Set(up)
	m.DeviceScrapeDuration.WithLabelValues(host).Set(d.Seconds())
}

// ForgetDevice drops the per-device series of a device that left the
// inventory.
func (m *Metrics) ForgetDevice(host string) {
	m.DeviceUp.DeleteLabelValues(host)
	m.DeviceScrapeDuration.DeleteLabelValues(host)
}

// InstrumentHandler wraps h so its latency is observed under handler=name.
func (m *Metrics) InstrumentHandler(name string, h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		m.HTTPDuration.MustCurryWith(prometheus.Labels{"handler": name}), h)
}
