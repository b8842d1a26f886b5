// Package poller owns the device side of a scrape: the Device drivers (SNMP
// and SSH), the per-device ConnectionPool with its connection state machine,
// and the Worker that drives one device through acquire, query, extract and
// release.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/pkg/networkexporter/config"
)

// ─────────────────────────────────────────────────────────────────────────────
// Device state machine
// ─────────────────────────────────────────────────────────────────────────────

// DeviceState is the connection state of a pooled device.
//
//	disconnected --connect ok-->          connected
//	disconnected --connect fail-->        failed
//	connected    --transport failure-->   failed (evicted)
//	connected    --release-->             connected (idle)
//	failed       --evict-->               disconnected (removed)
type DeviceState int

const (
	StateDisconnected DeviceState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s DeviceState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Device capability
// ─────────────────────────────────────────────────────────────────────────────

// Device wraps one network endpoint. Implementations are used by a single
// owner at a time, except that Disconnect may be called concurrently with
// Query to abort it.
type Device interface {
	// Connect establishes the transport session.
	Connect(ctx context.Context) error

	// Query issues req and returns the structured reply. Errors wrap one of
	// ErrTimeout, ErrTransport or ErrAuthFailed.
	Query(ctx context.Context, req models.Request, timeout time.Duration) (map[string]any, error)

	// Disconnect tears the session down. It is safe to call more than once.
	Disconnect() error

	// Healthy reports whether the session can serve another query.
	Healthy() bool
}

// NewDevice builds an unconnected Device for cfg's driver.
func NewDevice(cfg config.DeviceConfig) (Device, error) {
	switch cfg.Driver {
	case config.DriverSNMP:
		return newSNMPDevice(cfg)
	case config.DriverSSH, "":
		return newSSHDevice(cfg)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Errors
// ─────────────────────────────────────────────────────────────────────────────

var (
	// Device-level failures.
	ErrTimeout    = errors.New("timeout")
	ErrTransport  = errors.New("transport failure")
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUnavailable is the connection error kind for anything that is not an
	// authentication failure or a timeout.
	ErrUnavailable = errors.New("unavailable")

	ErrPoolClosed    = errors.New("pool closed")
	ErrUnknownDevice = errors.New("device not in inventory")
)

// ConnectionError is returned by ConnectionPool.Acquire. Kind is one of
// ErrUnavailable, ErrAuthFailed or ErrTimeout; errors.Is matches both Kind and
// the underlying cause.
type ConnectionError struct {
	Device string
	Kind   error
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v: %v", e.Device, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{e.Kind, e.Err} }

// connectionKind maps a connect failure onto a ConnectionError kind.
func connectionKind(err error) error {
	switch {
	case errors.Is(err, ErrAuthFailed):
		return ErrAuthFailed
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return ErrUnavailable
	}
}
