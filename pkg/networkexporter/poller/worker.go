package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vpbank/network_exporter/models"
	"github.com/vpbank/network_exporter/pkg/networkexporter/config"
	"github.com/vpbank/network_exporter/producer/metrics"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborators
// ─────────────────────────────────────────────────────────────────────────────

// Sink receives the samples of a successful scrape. Errors are logged by
// the worker and never fail the device.
type Sink interface {
	AddSample(name string, value float64, labels []models.Label) error
}

// Pool is the part of ConnectionPool the worker needs.
type Pool interface {
	Acquire(ctx context.Context, id string) (*Handle, error)
	Release(h *Handle)
	Discard(h *Handle, cause error)
}

// WorkerResult is the outcome of one device scrape.
type WorkerResult struct {
	Device        string
	CorrelationID string
	Status        models.JobStatus
	Samples       int
	Duration      time.Duration
	Err           error
}

// OK reports whether the scrape succeeded.
func (r WorkerResult) OK() bool { return r.Status == models.JobSucceeded }

// ─────────────────────────────────────────────────────────────────────────────
// Worker
// ─────────────────────────────────────────────────────────────────────────────

// Worker drives one device end to end: acquire, query every planned
// category, extract, emit and release. It is stateless and safe for
// concurrent use by many goroutines.
type Worker struct {
	pool      Pool
	extractor *metrics.Extractor
	table     *models.DefinitionTable
	logger    *slog.Logger
}

// NewWorker creates a worker.
func NewWorker(pool Pool, extractor *metrics.Extractor, table *models.DefinitionTable, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Worker{pool: pool, extractor: extractor, table: table, logger: logger}
}

// Run scrapes job.Device. The pool is asked once; retries live inside the
// pool's connect. A query timeout marks the job timed out, any other failure
// marks it failed; both evict the device. Samples reach sink only after every
// category was queried, so a failed device contributes nothing.
func (w *Worker) Run(ctx context.Context, job *models.ScrapeJob, sink Sink) WorkerResult {
	if job.StartTime.IsZero() {
		job.StartTime = time.Now()
	}
	job.Status = models.JobRunning
	log := w.logger.With("device", job.Device, "correlation_id", job.CorrelationID)

	finish := func(status models.JobStatus, samples int, err error) WorkerResult {
		job.Status = status
		res := WorkerResult{
			Device:        job.Device,
			CorrelationID: job.CorrelationID,
			Status:        status,
			Samples:       samples,
			Duration:      time.Since(job.StartTime),
			Err:           err,
		}
		if err != nil {
			log.Warn("worker: scrape failed", "status", status.String(), "error", err.Error())
		} else {
			log.Debug("worker: scrape completed", "samples", samples, "duration_ms", res.Duration.Milliseconds())
		}
		return res
	}

	h, err := w.pool.Acquire(ctx, job.Device)
	if err != nil {
		return finish(failureStatus(err), 0, err)
	}

	cfg := h.Config()
	host := models.Label{Name: config.HostLabel, Value: job.Device}
	var samples []models.MetricSample

	for _, cat := range Plan(w.table, cfg, log) {
		reply, err := h.Device().Query(ctx, cat.Request, cfg.QueryTimeout())
		if err != nil {
			w.pool.Discard(h, err)
			return finish(failureStatus(err), 0, err)
		}
		for s, err := range w.extractor.Walk(cat, reply) {
			if err != nil {
				log.Warn("worker: skip field", "category", cat.Name, "error", err.Error())
				continue
			}
			samples = append(samples, s.WithLabels(host))
		}
	}
	w.pool.Release(h)

	for _, s := range samples {
		if err := sink.AddSample(s.Name, s.Value, s.Labels); err != nil {
			log.Warn("worker: sink rejected sample", "metric", s.Name, "error", err.Error())
		}
	}
	return finish(models.JobSucceeded, len(samples), nil)
}

func failureStatus(err error) models.JobStatus {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return models.JobTimedOut
	}
	return models.JobFailed
}
