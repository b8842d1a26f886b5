// Package scheduler runs collection cycles. The Orchestrator fans one worker
// out per device under a fixed capacity and refuses overlapping cycles; the
// Scheduler triggers cycles on a timer.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/pkg/networkexporter/poller"
	"github.com/vpbank/network_exporter/pkg/networkexporter/telemetry"
)

// ErrAbandoned is reported for devices whose scrape was cut short by
// shutdown.
var ErrAbandoned = errors.New("scrape abandoned at shutdown")

const statusAbandoned = "abandoned"

// ─────────────────────────────────────────────────────────────────────────────
// Collaborators
// ─────────────────────────────────────────────────────────────────────────────

// Runner scrapes one device. poller.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context, job *models.ScrapeJob, sink poller.Sink) poller.WorkerResult
}

// Batch holds one cycle's samples until the cycle completes.
type Batch interface {
	poller.Sink
	Commit() int
	Discard()
}

// Evicter drops a device's pooled connection.
type Evicter interface {
	Evict(id string)
}

// Options configures an Orchestrator.
type Options struct {
	// Workers is the number of devices scraped concurrently. Default 90.
	Workers int

	// ScrapeTimeout bounds one device's whole scrape, connect included. Zero
	// leaves only the per-query timeouts.
	ScrapeTimeout time.Duration

	// MaxDrain bounds how long Shutdown waits for running workers when called
	// with a zero drain. Default 60s.
	MaxDrain time.Duration

	// Begin opens the sample batch for a cycle. Nil drops samples.
	Begin func() Batch

	// Evicter receives the devices still running when a cycle is abandoned.
	Evicter Evicter

	// Cycle is the single-flight state. Nil allocates a private one.
	Cycle *CollectionCycle

	// OnReport, if set, receives the report of every cycle that ran.
	OnReport func(models.CycleReport)

	Metrics *telemetry.Metrics
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 90
	}
	if o.MaxDrain <= 0 {
		o.MaxDrain = 60 * time.Second
	}
	if o.Begin == nil {
		o.Begin = func() Batch { return discardBatch{} }
	}
	if o.Cycle == nil {
		o.Cycle = &CollectionCycle{}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Orchestrator
// ─────────────────────────────────────────────────────────────────────────────

// Orchestrator runs collection cycles. At most one cycle is in flight; within
// it at most Workers devices are scraped at once and the rest wait in
// submission order.
type Orchestrator struct {
	runner Runner
	opts   Options
	cycle  *CollectionCycle
	sem    *semaphore.Weighted
	busy   atomic.Int64
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(runner Runner, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	opts.defaults()
	if opts.Metrics != nil {
		opts.Metrics.WorkersTotal.Set(float64(opts.Workers))
	}
	return &Orchestrator{
		runner: runner,
		opts:   opts,
		cycle:  opts.Cycle,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		logger: logger,
	}
}

// RunCycle scrapes ids and returns the cycle's report. If another cycle is in
// flight, or shutdown has begun, it returns at once with every id in
// SkippedDueToGuard and does no work.
func (o *Orchestrator) RunCycle(ctx context.Context, ids []string) models.CycleReport {
	ids = dedupe(ids)
	started := time.Now()
	report := models.CycleReport{
		CycleID:           uuid.NewString(),
		StartedAt:         started,
		Succeeded:         []string{},
		Failed:            []models.DeviceFailure{},
		SkippedDueToGuard: []string{},
	}
	log := o.logger.With("cycle_id", report.CycleID)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gen, abandoned, ok := o.cycle.begin(report.CycleID, len(ids), started, cancel)
	if !ok {
		report.SkippedDueToGuard = append(report.SkippedDueToGuard, ids...)
		if o.opts.Metrics != nil {
			o.opts.Metrics.CyclesSkipped.Inc()
		}
		log.Info("orchestrator: cycle skipped, previous cycle still running", "devices", len(ids))
		return report
	}
	defer o.cycle.end(gen)

	log.Info("orchestrator: cycle started", "devices", len(ids), "workers", o.opts.Workers)

	batch := o.opts.Begin()
	jobs := make(map[string]*models.ScrapeJob, len(ids))
	for _, id := range ids {
		jobs[id] = &models.ScrapeJob{Device: id, CorrelationID: uuid.NewString()}
	}
	results := make(chan poller.WorkerResult, len(ids))
	go o.dispatch(cctx, gen, ids, jobs, batch, results)

	got := make(map[string]poller.WorkerResult, len(ids))
	forced := false
collect:
	for len(got) < len(ids) {
		select {
		case r := <-results:
			got[r.Device] = r
		case <-abandoned:
			forced = true
			break collect
		}
	}

	for _, id := range ids {
		r, done := got[id]
		switch {
		case !done:
			report.Failed = append(report.Failed, models.DeviceFailure{
				Device:        id,
				CorrelationID: jobs[id].CorrelationID,
				Status:        statusAbandoned,
				Error:         ErrAbandoned.Error(),
			})
			o.observe(id, false, time.Since(started))
		case r.OK():
			report.Succeeded = append(report.Succeeded, id)
			o.observe(id, true, r.Duration)
		default:
			status := r.Status.String()
			if errors.Is(r.Err, ErrAbandoned) || (forced && errors.Is(r.Err, context.Canceled)) {
				status = statusAbandoned
			}
			report.Failed = append(report.Failed, models.DeviceFailure{
				Device:        id,
				CorrelationID: r.CorrelationID,
				Status:        status,
				Error:         errString(r.Err),
			})
			o.observe(id, false, r.Duration)
		}
	}

	elapsed := time.Since(started)
	report.DurationMs = elapsed.Milliseconds()
	if o.opts.Metrics != nil {
		o.opts.Metrics.CycleDuration.Observe(elapsed.Seconds())
	}

	if forced {
		batch.Discard()
		log.Warn("orchestrator: cycle abandoned, samples discarded",
			"succeeded", len(report.Succeeded), "failed", len(report.Failed))
	} else {
		samples := batch.Commit()
		log.Info("orchestrator: cycle completed",
			"succeeded", len(report.Succeeded),
			"failed", len(report.Failed),
			"samples", samples,
			"duration_ms", report.DurationMs,
		)
	}
	if o.opts.OnReport != nil {
		o.opts.OnReport(report)
	}
	return report
}

// dispatch admits one worker per id in order, blocking while the capacity is
// exhausted.
func (o *Orchestrator) dispatch(ctx context.Context, gen uint64, ids []string, jobs map[string]*models.ScrapeJob, batch Batch, results chan<- poller.WorkerResult) {
	for _, id := range ids {
		job := jobs[id]
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.cycle.workerFinished(gen, id)
			results <- poller.WorkerResult{
				Device:        id,
				CorrelationID: job.CorrelationID,
				Status:        models.JobFailed,
				Err:           ErrAbandoned,
			}
			continue
		}
		o.cycle.workerStarted(gen, id)
		o.setBusy(o.busy.Add(1))

		go func() {
			defer o.sem.Release(1)
			jctx, cancel := ctx, context.CancelFunc(func() {})
			if o.opts.ScrapeTimeout > 0 {
				jctx, cancel = context.WithTimeout(ctx, o.opts.ScrapeTimeout)
			}
			res := o.runner.Run(jctx, job, batch)
			cancel()
			o.setBusy(o.busy.Add(-1))
			o.cycle.workerFinished(gen, id)
			results <- res
		}()
	}
}

// Shutdown stops admitting cycles and waits up to maxDrain (Options.MaxDrain
// when zero) for the running cycle to finish. Past the deadline the cycle is
// abandoned: its workers are cancelled, their devices evicted and its samples
// discarded. It reports whether the cycle drained in time.
func (o *Orchestrator) Shutdown(maxDrain time.Duration) bool {
	if maxDrain <= 0 {
		maxDrain = o.opts.MaxDrain
	}
	done, running := o.cycle.stop()
	if !running {
		o.logger.Info("orchestrator: shutdown, no cycle running")
		return true
	}

	o.logger.Info("orchestrator: draining running cycle",
		"active", o.cycle.State().Active, "max_drain", maxDrain.String())

	timer := time.NewTimer(maxDrain)
	defer timer.Stop()
	select {
	case <-done:
		o.logger.Info("orchestrator: drained")
		return true
	case <-timer.C:
	}

	devices, final := o.cycle.abandon()
	if o.opts.Evicter != nil {
		for _, id := range devices {
			o.opts.Evicter.Evict(id)
		}
	}
	if final != nil {
		<-final
	}
	o.logger.Warn("orchestrator: drain deadline reached, workers abandoned", "devices", len(devices))
	return false
}

// ActiveWorkers returns the number of workers of the current cycle that have
// not completed.
func (o *Orchestrator) ActiveWorkers() int { return o.cycle.State().Active }

// State returns a snapshot of the single-flight state.
func (o *Orchestrator) State() CycleState { return o.cycle.State() }

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

func (o *Orchestrator) setBusy(n int64) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.WorkersBusy.Set(float64(n))
	}
}

func (o *Orchestrator) observe(id string, ok bool, d time.Duration) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.ObserveDevice(id, ok, d)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type discardBatch struct{}

func (discardBatch) AddSample(string, float64, []models.Label) error { return nil }
func (discardBatch) Commit() int                                     { return 0 }
func (discardBatch) Discard()                                        {}
