package poller

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/vpbank/network_exporter/pkg/networkexporter/config"
)

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// PoolOptions configures the connection pool behaviour.
type PoolOptions struct {
	// ConnectRetries is the number of extra connect attempts after the first
	// one fails (default 2). Authentication failures are never retried.
	ConnectRetries int

	// InitialBackoff and MaxBackoff bound the exponential delay between
	// connect attempts (defaults 500ms and 10s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// DialRate limits new connection attempts across all devices
	// (default 50/s, burst 10).
	DialRate  rate.Limit
	DialBurst int

	// NewDevice builds an unconnected Device. Defaults to NewDevice.
	NewDevice func(config.DeviceConfig) (Device, error)

	// Active, when set, tracks the number of devices currently checked out.
	Active prometheus.Gauge
}

func (o *PoolOptions) defaults() {
	if o.ConnectRetries < 0 {
		o.ConnectRetries = 0
	} else if o.ConnectRetries == 0 {
		o.ConnectRetries = 2
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.DialRate == 0 {
		o.DialRate = 50
	}
	if o.DialBurst <= 0 {
		o.DialBurst = 10
	}
	if o.NewDevice == nil {
		o.NewDevice = NewDevice
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Connection pool
// ─────────────────────────────────────────────────────────────────────────────

// deviceEntry is the pooled state of one device identity.
type deviceEntry struct {
	cfg config.DeviceConfig

	// lock is held (one token) while the device is connecting or checked
	// out, so acquires for the same id serialize.
	lock chan struct{}

	mu      sync.Mutex
	dev     Device
	state   DeviceState
	lastErr error
	removed bool
}

// ConnectionPool owns one Device per inventory name. Acquires for the same
// name serialize; different names proceed independently.
type ConnectionPool struct {
	opts    PoolOptions
	logger  *slog.Logger
	limiter *rate.Limiter

	mu        sync.RWMutex
	inventory map[string]config.DeviceConfig
	entries   map[string]*deviceEntry // name → entry

	active    atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConnectionPool creates a pool serving the given inventory.
func NewConnectionPool(inventory map[string]config.DeviceConfig, opts PoolOptions, logger *slog.Logger) *ConnectionPool {
	opts.defaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	inv := make(map[string]config.DeviceConfig, len(inventory))
	for k, v := range inventory {
		inv[k] = v
	}
	return &ConnectionPool{
		opts:      opts,
		logger:    logger,
		limiter:   rate.NewLimiter(opts.DialRate, opts.DialBurst),
		inventory: inv,
		entries:   make(map[string]*deviceEntry),
		closed:    make(chan struct{}),
	}
}

// Handle is a checked-out device. It must be given back exactly once with
// Release or Discard; later calls are no-ops.
type Handle struct {
	pool  *ConnectionPool
	entry *deviceEntry
	id    string
	dev   Device
	done  atomic.Bool
}

// ID returns the inventory name the handle was acquired for.
func (h *Handle) ID() string { return h.id }

// Device returns the connected device.
func (h *Handle) Device() Device { return h.dev }

// Config returns the device configuration the connection was built from.
func (h *Handle) Config() config.DeviceConfig { return h.entry.cfg }

// Acquire returns a connected device for id. A healthy idle connection is
// reused; otherwise a new one is dialled with bounded exponential backoff.
// Failures are returned as *ConnectionError and leave no entry behind, so
// the next Acquire starts from the inventory again.
func (p *ConnectionPool) Acquire(ctx context.Context, id string) (*Handle, error) {
	for {
		select {
		case <-p.closed:
			return nil, ErrPoolClosed
		default:
		}

		e, err := p.getOrCreate(id)
		if err != nil {
			return nil, &ConnectionError{Device: id, Kind: ErrUnavailable, Err: err}
		}

		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, &ConnectionError{Device: id, Kind: connectionKind(ctx.Err()), Err: ctx.Err()}
		case <-p.closed:
			return nil, ErrPoolClosed
		}

		e.mu.Lock()
		if e.removed {
			// Evicted while we waited; start over with a fresh entry.
			e.mu.Unlock()
			<-e.lock
			continue
		}
		if e.state == StateConnected && e.dev != nil && e.dev.Healthy() {
			dev := e.dev
			e.mu.Unlock()
			return p.checkout(id, e, dev), nil
		}
		if stale := e.dev; stale != nil {
			p.logger.Debug("pool: dropping unhealthy connection", "device", id)
			_ = stale.Disconnect()
			e.dev = nil
		}
		e.state = StateConnecting
		e.mu.Unlock()

		dev, err := p.connect(ctx, id, e.cfg)

		e.mu.Lock()
		if err != nil {
			e.state = StateFailed
			e.lastErr = err
			e.mu.Unlock()
			p.remove(id, e)
			<-e.lock
			p.logger.Warn("pool: connect failed", "device", id, "error", err.Error())
			return nil, &ConnectionError{Device: id, Kind: connectionKind(err), Err: err}
		}
		if e.removed {
			e.mu.Unlock()
			_ = dev.Disconnect()
			<-e.lock
			return nil, &ConnectionError{Device: id, Kind: ErrUnavailable, Err: errors.New("evicted while connecting")}
		}
		e.dev = dev
		e.state = StateConnected
		e.lastErr = nil
		e.mu.Unlock()

		p.logger.Debug("pool: connected", "device", id, "address", e.cfg.Address())
		return p.checkout(id, e, dev), nil
	}
}

// Release returns a healthy device to the pool. The connection stays open.
func (p *ConnectionPool) Release(h *Handle) {
	if h == nil || h.done.Swap(true) {
		return
	}
	p.checkin(h)
}

// Discard evicts the handle's device after a failure and gives the handle
// back. cause is recorded as the device's last error.
func (p *ConnectionPool) Discard(h *Handle, cause error) {
	if h == nil || h.done.Swap(true) {
		return
	}
	e := h.entry
	e.mu.Lock()
	if !e.removed {
		e.state = StateFailed
		e.lastErr = cause
	}
	e.mu.Unlock()
	p.evictEntry(h.id, e)
	p.checkin(h)
}

// Evict forcibly disconnects and removes id. It never blocks on a caller
// holding the device; that caller's Release or Discard becomes a plain
// give-back. The next Acquire builds a new Device from the inventory.
func (p *ConnectionPool) Evict(id string) {
	p.mu.RLock()
	e := p.entries[id]
	p.mu.RUnlock()
	if e != nil {
		p.evictEntry(id, e)
	}
}

// SetInventory replaces the inventory. Devices that were removed or whose
// configuration changed are evicted.
func (p *ConnectionPool) SetInventory(inventory map[string]config.DeviceConfig) {
	inv := make(map[string]config.DeviceConfig, len(inventory))
	for k, v := range inventory {
		inv[k] = v
	}

	p.mu.Lock()
	p.inventory = inv
	var stale []string
	for id, e := range p.entries {
		if cfg, ok := inv[id]; !ok || !reflect.DeepEqual(cfg, e.cfg) {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.logger.Info("pool: evicting device after inventory change", "device", id)
		p.Evict(id)
	}
}

// State reports the connection state of id. Devices without a pool entry are
// disconnected.
func (p *ConnectionPool) State(id string) DeviceState {
	p.mu.RLock()
	e := p.entries[id]
	p.mu.RUnlock()
	if e == nil {
		return StateDisconnected
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Active returns the number of devices currently checked out.
func (p *ConnectionPool) Active() int { return int(p.active.Load()) }

// Close disconnects every device and fails subsequent Acquire calls.
func (p *ConnectionPool) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })

	p.mu.RLock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		p.Evict(id)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

func (p *ConnectionPool) getOrCreate(id string) (*deviceEntry, error) {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if ok {
		return e, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Double-check under write lock.
	if e, ok = p.entries[id]; ok {
		return e, nil
	}
	cfg, ok := p.inventory[id]
	if !ok {
		return nil, ErrUnknownDevice
	}
	e = &deviceEntry{
		cfg:   cfg,
		lock:  make(chan struct{}, 1),
		state: StateDisconnected,
	}
	p.entries[id] = e
	return e, nil
}

// connect dials cfg with bounded retries. Every attempt waits on the shared
// dial limiter first.
func (p *ConnectionPool) connect(ctx context.Context, id string, cfg config.DeviceConfig) (Device, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.opts.InitialBackoff
	eb.MaxInterval = p.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.opts.ConnectRetries)), ctx)

	var dev Device
	op := func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		d, err := p.opts.NewDevice(cfg)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := d.Connect(ctx); err != nil {
			_ = d.Disconnect()
			if errors.Is(err, ErrAuthFailed) {
				return backoff.Permanent(err)
			}
			return err
		}
		dev = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Debug("pool: connect attempt failed, retrying",
			"device", id, "error", err.Error(), "wait", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return dev, nil
}

func (p *ConnectionPool) checkout(id string, e *deviceEntry, dev Device) *Handle {
	p.active.Add(1)
	if p.opts.Active != nil {
		p.opts.Active.Inc()
	}
	return &Handle{pool: p, entry: e, id: id, dev: dev}
}

func (p *ConnectionPool) checkin(h *Handle) {
	p.active.Add(-1)
	if p.opts.Active != nil {
		p.opts.Active.Dec()
	}
	<-h.entry.lock
}

// evictEntry disconnects e and removes it from the map if it is still the
// current entry for id.
func (p *ConnectionPool) evictEntry(id string, e *deviceEntry) {
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return
	}
	e.removed = true
	dev := e.dev
	e.dev = nil
	e.state = StateDisconnected
	e.mu.Unlock()

	p.remove(id, e)
	if dev != nil {
		if err := dev.Disconnect(); err != nil {
			p.logger.Debug("pool: disconnect error", "device", id, "error", err.Error())
		}
	}
	p.logger.Debug("pool: evicted", "device", id)
}

// remove deletes e from the map, leaving a newer entry for id untouched.
func (p *ConnectionPool) remove(id string, e *deviceEntry) {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	p.mu.Lock()
	if p.entries[id] == e {
		delete(p.entries, id)
	}
	p.mu.Unlock()
}

// noopWriter discards log output.
type noopWriter struct{}

func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }
