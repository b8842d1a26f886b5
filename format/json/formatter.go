// Package json serialises collection cycle reports for the /collect control
// endpoint.
//
// The document shape is:
//
//	{
//	  "cycle_id": "7d1c…",
//	  "started_at": "2026-02-26T10:30:00.123Z",
//	  "duration_ms": 4210,
//	  "succeeded": ["router01", …],
//	  "failed": [ { "device": …, "correlation_id": …, "status": …, "error": … } ],
//	  "skipped_due_to_guard": []
//	}
package json

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/vpbank/network_exporter/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Formatter interface
// ─────────────────────────────────────────────────────────────────────────────

// Formatter serialises a models.CycleReport into a byte slice.
type Formatter interface {
	Format(report *models.CycleReport) ([]byte, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config controls JSONFormatter behaviour.
type Config struct {
	// PrettyPrint emits indented, human-readable JSON when true.
	PrettyPrint bool

	// Indent is the indent string used when PrettyPrint=true.
	// Defaults to two spaces when empty and PrettyPrint=true.
	Indent string
}

// ─────────────────────────────────────────────────────────────────────────────
// JSONFormatter
// ─────────────────────────────────────────────────────────────────────────────

// JSONFormatter implements Formatter using encoding/json. It is safe for
// concurrent use; all fields are immutable after construction.
type JSONFormatter struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs a JSONFormatter. If logger is nil, a no-op logger is
// substituted.
func New(cfg Config, logger *slog.Logger) *JSONFormatter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.PrettyPrint && cfg.Indent == "" {
		cfg.Indent = "  "
	}
	return &JSONFormatter{cfg: cfg, logger: logger}
}

// Format serialises report. Nil slices are emitted as empty arrays so
// consumers never see null.
func (f *JSONFormatter) Format(report *models.CycleReport) ([]byte, error) {
	if report == nil {
		return nil, fmt.Errorf("format/json: report must not be nil")
	}

	r := *report
	if r.Succeeded == nil {
		r.Succeeded = []string{}
	}
	if r.Failed == nil {
		r.Failed = []models.DeviceFailure{}
	}
	if r.SkippedDueToGuard == nil {
		r.SkippedDueToGuard = []string{}
	}

	var (
		data []byte
		err  error
	)
	if f.cfg.PrettyPrint {
		data, err = json.MarshalIndent(r, "", f.cfg.Indent)
	} else {
		data, err = json.Marshal(r)
	}
	if err != nil {
		f.logger.Error("format/json: marshal failed", "cycle_id", r.CycleID, "error", err.Error())
		return nil, fmt.Errorf("format/json: marshal: %w", err)
	}

	f.logger.Debug("format/json: formatted report",
		"cycle_id", r.CycleID,
		"succeeded", len(r.Succeeded),
		"failed", len(r.Failed),
		"bytes", len(data),
	)
	return data, nil
}

// WriteTo formats report and writes it to w followed by a newline.
func (f *JSONFormatter) WriteTo(w io.Writer, report *models.CycleReport) error {
	data, err := f.Format(report)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("format/json: write: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

// noopWriter discards all log output when no logger is provided.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
