package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/pkg/networkexporter/config"
)

// ─────────────────────────────────────────────────────────────────────────────
// CycleRunner: interface for dependency injection
// ─────────────────────────────────────────────────────────────────────────────

// CycleRunner is the part of Orchestrator consumed by the scheduler.
type CycleRunner interface {
	RunCycle(ctx context.Context, ids []string) models.CycleReport
}

// ─────────────────────────────────────────────────────────────────────────────
// Scheduler
// ─────────────────────────────────────────────────────────────────────────────

// entry tracks the next-fire time for a single device.
type entry struct {
	device   string
	interval time.Duration
	nextRun  time.Time
}

// Scheduler triggers collection cycles at each device's scrape interval.
// Devices falling due together share one cycle.
type Scheduler struct {
	runner          CycleRunner
	defaultInterval time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	entries []entry

	cycles sync.WaitGroup
	done   chan struct{}
}

// New creates a Scheduler for devices. Devices without their own
// scrape_interval use defaultInterval (60s when zero). The scheduler does NOT
// start automatically; call Start to begin firing.
func New(devices map[string]config.DeviceConfig, runner CycleRunner, defaultInterval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if defaultInterval <= 0 {
		defaultInterval = 60 * time.Second
	}
	s := &Scheduler{
		runner:          runner,
		defaultInterval: defaultInterval,
		logger:          logger,
		done:            make(chan struct{}),
	}
	s.entries = s.buildEntries(devices, nil)
	return s
}

// Start runs the scheduling loop. It blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.Lock()
		if len(s.entries) == 0 {
			s.mu.Unlock()
			// Nothing to schedule; wait for cancellation or a Reload.
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
				continue
			}
		}

		sort.Slice(s.entries, func(i, j int) bool {
			return s.entries[i].nextRun.Before(s.entries[j].nextRun)
		})
		next := s.entries[0].nextRun
		s.mu.Unlock()

		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		now := time.Now()
		var due []string
		s.mu.Lock()
		for i := range s.entries {
			if s.entries[i].nextRun.After(now) {
				break
			}
			due = append(due, s.entries[i].device)
			s.entries[i].nextRun = now.Add(s.entries[i].interval)
		}
		s.mu.Unlock()

		if len(due) > 0 {
			s.fire(ctx, due)
		}
	}
}

// Stop waits for the scheduling loop and every cycle it fired to return. The
// caller must cancel the context passed to Start before calling Stop.
func (s *Scheduler) Stop() {
	<-s.done
	s.cycles.Wait()
}

// Reload replaces the inventory. New devices are scraped immediately,
// removed devices stop and unchanged devices keep their next-fire time.
func (s *Scheduler) Reload(devices map[string]config.DeviceConfig) {
	s.mu.Lock()
	s.entries = s.buildEntries(devices, s.entries)
	n := len(s.entries)
	s.mu.Unlock()
	s.logger.Info("scheduler: inventory reloaded", "devices", n)
}

// Entries returns the number of scheduled devices.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

// buildEntries creates one entry per device, carrying over the next-fire time
// of devices present in prev with the same interval.
func (s *Scheduler) buildEntries(devices map[string]config.DeviceConfig, prev []entry) []entry {
	old := make(map[string]entry, len(prev))
	for _, e := range prev {
		old[e.device] = e
	}

	now := time.Now()
	entries := make([]entry, 0, len(devices))
	for name, cfg := range devices {
		interval := cfg.Interval()
		if interval <= 0 {
			interval = s.defaultInterval
		}
		e := entry{device: name, interval: interval, nextRun: now}
		if o, ok := old[name]; ok && o.interval == interval {
			e.nextRun = o.nextRun
		}
		entries = append(entries, e)
	}
	return entries
}

// fire runs one cycle for due in the background. An overlap with a running
// cycle is resolved by the runner, which skips the devices.
func (s *Scheduler) fire(ctx context.Context, due []string) {
	sort.Strings(due)
	s.logger.Debug("scheduler: firing cycle", "devices", len(due))

	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		report := s.runner.RunCycle(ctx, due)
		if report.Skipped() {
			s.logger.Warn("scheduler: cycle skipped, previous cycle still running",
				"devices", len(report.SkippedDueToGuard))
		}
	}()
}

// ─────────────────────────────────────────────────────────────────────────────
// noopWriter discards log output when no logger is provided.
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
