// Package file appends collection cycle reports to a local journal, one JSON
// document per line, for operators who want a history of which devices failed
// and why.
package file

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	fmtjson "github.com/vpbank/network_exporter/format/json"
	"github.com/vpbank/network_exporter/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

// Config controls a Journal.
type Config struct {
	// Writer is the destination. nil defaults to os.Stdout.
	Writer io.Writer

	// Formatter serialises each report. nil uses compact JSON.
	Formatter fmtjson.Formatter

	// Newline appended after each report. Default "\n".
	Newline string
}

// ─────────────────────────────────────────────────────────────────────────────
// Journal
// ─────────────────────────────────────────────────────────────────────────────

// Journal writes cycle reports to an io.Writer. It is safe for concurrent
// use; reports are never interleaved.
type Journal struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	formatter fmtjson.Formatter
	nl        []byte
	logger    *slog.Logger
}

// New constructs a Journal over cfg.Writer. The writer is not closed by
// Close; its owner manages its lifetime.
func New(cfg Config, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	f := cfg.Formatter
	if f == nil {
		f = fmtjson.New(fmtjson.Config{}, logger)
	}
	nl := cfg.Newline
	if nl == "" {
		nl = "\n"
	}
	return &Journal{w: w, formatter: f, nl: []byte(nl), logger: logger}
}

// Open creates a Journal writing to a size-rotated file. Close closes the
// file.
func Open(rc RotateConfig, logger *slog.Logger) (*Journal, error) {
	rf, err := NewRotatingFile(rc, logger)
	if err != nil {
		return nil, err
	}
	j := New(Config{Writer: rf}, logger)
	j.closer = rf
	return j, nil
}

// Record appends report to the journal.
func (j *Journal) Record(report models.CycleReport) error {
	data, err := j.formatter.Format(&report)
	if err != nil {
		return err
	}
	return j.send(data, report.CycleID)
}

func (j *Journal) send(data []byte, cycleID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.w.Write(data); err != nil {
		j.logger.Error("transport/file: write failed", "cycle_id", cycleID, "error", err.Error())
		return fmt.Errorf("transport/file: write: %w", err)
	}
	if _, err := j.w.Write(j.nl); err != nil {
		j.logger.Error("transport/file: newline write failed", "cycle_id", cycleID, "error", err.Error())
		return fmt.Errorf("transport/file: write newline: %w", err)
	}
	j.logger.Debug("transport/file: recorded cycle", "cycle_id", cycleID, "bytes", len(data))
	return nil
}

// Close closes the journal's file when it was created by Open.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closer == nil {
		return nil
	}
	err := j.closer.Close()
	j.closer = nil
	return err
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
