package telemetry

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/net"
)

// ConnectionsFunc lists the host's sockets of the given kind.
type ConnectionsFunc func(ctx context.Context, kind string) ([]net.ConnectionStat, error)

// TCPStatesCollector exposes network_exporter_tcp_states{state,protocol}:
// the number of host TCP sockets per state, split into tcp4 and tcp6.
type TCPStatesCollector struct {
	desc    *prometheus.Desc
	list    ConnectionsFunc
	timeout time.Duration
	logger  *slog.Logger
}

// NewTCPStatesCollector reads sockets through gopsutil. list may be nil.
func NewTCPStatesCollector(list ConnectionsFunc, logger *slog.Logger) *TCPStatesCollector {
	if list == nil {
		list = net.ConnectionsWithContext
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &TCPStatesCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tcp_states"),
			"Number of TCP sockets on the exporter host by state.",
			[]string{"state", "protocol"}, nil,
		),
		list:    list,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (c *TCPStatesCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *TCPStatesCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	conns, err := c.list(ctx, "tcp")
	if err != nil {
		c.logger.Warn("telemetry: list tcp sockets", "error", err.Error())
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}

	type key struct{ state, protocol string }
	counts := make(map[key]int)
	for _, conn := range conns {
		protocol := "tcp6"
		if conn.Family == uint32(syscall.AF_INET) {
			protocol = "tcp4"
		}
		state := conn.Status
		if state == "" {
			state = "NONE"
		}
		counts[key{state, protocol}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), k.state, k.protocol)
	}
}

// noopWriter discards log output.
type noopWriter struct{}

func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }
