package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// CycleState is a point-in-time copy of a CollectionCycle.
type CycleState struct {
	Guard     bool
	Active    int
	StartedAt time.Time
	CycleID   string
	Stopping  bool
}

// CollectionCycle is the single-flight state shared by the orchestrator's
// cycles. The guard and the active worker count change together under one
// mutex: the guard is set when a cycle starts and cleared only when the
// cycle has finished or been abandoned.
type CollectionCycle struct {
	mu        sync.Mutex
	guard     bool
	active    int
	startedAt time.Time
	id        string
	gen       uint64
	stopping  bool
	running   map[string]struct{}
	cancel    context.CancelFunc
	abandoned chan struct{} // closed when the cycle is forcibly completed
	done      chan struct{} // closed when the cycle's report is final
}

// State returns a snapshot of the cycle.
func (c *CollectionCycle) State() CycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CycleState{
		Guard:     c.guard,
		Active:    c.active,
		StartedAt: c.startedAt,
		CycleID:   c.id,
		Stopping:  c.stopping,
	}
}

// begin sets the guard for a cycle of n workers. It fails when a cycle is
// already running or shutdown has begun.
func (c *CollectionCycle) begin(id string, n int, started time.Time, cancel context.CancelFunc) (gen uint64, abandoned <-chan struct{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.guard || c.stopping {
		return 0, nil, false
	}
	c.guard = true
	c.active = n
	c.startedAt = started
	c.id = id
	c.gen++
	c.running = make(map[string]struct{})
	c.cancel = cancel
	c.abandoned = make(chan struct{})
	c.done = make(chan struct{})
	return c.gen, c.abandoned, true
}

// workerStarted records that device's worker holds a capacity slot.
func (c *CollectionCycle) workerStarted(gen uint64, device string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen && c.guard {
		c.running[device] = struct{}{}
	}
}

// workerFinished decrements the active count. Late completions from an
// abandoned cycle are ignored.
func (c *CollectionCycle) workerFinished(gen uint64, device string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.guard {
		return
	}
	delete(c.running, device)
	if c.active > 0 {
		c.active--
	}
}

// end clears the guard once the report is final.
func (c *CollectionCycle) end(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.guard {
		return
	}
	c.guard = false
	c.active = 0
	c.running = nil
	c.cancel = nil
	close(c.done)
}

// stop refuses future cycles and returns the channel that closes when the
// current cycle (if any) is final.
func (c *CollectionCycle) stop() (done <-chan struct{}, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopping = true
	if !c.guard {
		return nil, false
	}
	return c.done, true
}

// abandon forcibly completes the current cycle: its context is cancelled,
// the active count drops to zero and the devices still being scraped are
// returned for eviction.
func (c *CollectionCycle) abandon() (devices []string, done <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.guard {
		return nil, nil
	}
	select {
	case <-c.abandoned:
	default:
		close(c.abandoned)
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.active = 0
	for d := range c.running {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return devices, c.done
}
