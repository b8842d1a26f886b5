// Package models defines the core data structures shared across all layers of
// the network exporter. These types represent the canonical in-memory form of
// scraped data; every other package depends on this package and nothing here
// depends on any other internal package.
package models

import "time"

// Label is a single name/value dimension on a MetricSample.
type Label struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MetricSample is one typed, labeled value produced by the extractor. Label
// order is significant: the sink uses it as the series label order and the
// label-name set of a metric must stay stable within one collection.
type MetricSample struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"` // may be ±Inf
	Labels []Label `json:"labels,omitempty"`
}

// LabelNames returns the ordered label names of s.
func (s MetricSample) LabelNames() []string {
	out := make([]string, len(s.Labels))
	for i, l := range s.Labels {
		out[i] = l.Name
	}
	return out
}

// LabelValues returns the ordered label values of s.
func (s MetricSample) LabelValues() []string {
	out := make([]string, len(s.Labels))
	for i, l := range s.Labels {
		out[i] = l.Value
	}
	return out
}

// Label returns the value of the named label and whether it is present.
func (s MetricSample) Label(name string) (string, bool) {
	for _, l := range s.Labels {
		if l.Name == name {
			return l.Value, true
		}
	}
	return "", false
}

// WithLabels returns a copy of s whose labels are prefix followed by the
// sample's own labels.
func (s MetricSample) WithLabels(prefix ...Label) MetricSample {
	labels := make([]Label, 0, len(prefix)+len(s.Labels))
	labels = append(labels, prefix...)
	labels = append(labels, s.Labels...)
	s.Labels = labels
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// Scrape jobs
// ─────────────────────────────────────────────────────────────────────────────

// JobStatus is the lifecycle state of a ScrapeJob.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobTimedOut
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	case JobTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ScrapeJob is the ephemeral unit of work for one device within one cycle.
type ScrapeJob struct {
	Device        string
	CorrelationID string
	StartTime     time.Time
	Status        JobStatus
}

// ─────────────────────────────────────────────────────────────────────────────
// Cycle reports
// ─────────────────────────────────────────────────────────────────────────────

// DeviceFailure records why a device did not produce samples in a cycle.
type DeviceFailure struct {
	Device        string `json:"device"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error"`
}

// CycleReport summarises the outcome of one runCycle invocation.
type CycleReport struct {
	CycleID           string          `json:"cycle_id"`
	StartedAt         time.Time       `json:"started_at"`
	DurationMs        int64           `json:"duration_ms"`
	Succeeded         []string        `json:"succeeded"`
	Failed            []DeviceFailure `json:"failed"`
	SkippedDueToGuard []string        `json:"skipped_due_to_guard"`
}

// Skipped reports whether the whole cycle was refused by the single-flight
// guard.
func (r CycleReport) Skipped() bool {
	return len(r.SkippedDueToGuard) > 0 && len(r.Succeeded) == 0 && len(r.Failed) == 0
}
