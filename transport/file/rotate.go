package file

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// RotateConfig controls size-based rotation of the journal file.
type RotateConfig struct {
	// FilePath is the active file name (required).
	FilePath string

	// MaxBytes triggers rotation when a write would take the active file past
	// this size. Zero disables rotation.
	MaxBytes int64

	// MaxBackups is the number of rotated files kept as FilePath.1 (newest)
	// to FilePath.N. Zero keeps one.
	MaxBackups int
}

// RotatingFile is an io.WriteCloser that renames the active file to
// FilePath.1 once it reaches MaxBytes and continues in a fresh file. It is
// safe for concurrent use.
type RotatingFile struct {
	mu     sync.Mutex
	cfg    RotateConfig
	file   *os.File
	size   int64
	logger *slog.Logger
}

// NewRotatingFile opens (or creates) cfg.FilePath for appending, creating
// parent directories as needed.
func NewRotatingFile(cfg RotateConfig, logger *slog.Logger) (*RotatingFile, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("transport/file: rotate: FilePath is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 1
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("transport/file: rotate: mkdir: %w", err)
	}

	rf := &RotatingFile{cfg: cfg, logger: logger}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Write implements io.Writer.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.cfg.MaxBytes > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.cfg.MaxBytes {
		if err := rf.rotate(); err != nil {
			// Keep writing to whatever is open rather than drop the report.
			rf.logger.Error("transport/file: rotate failed", "file", rf.cfg.FilePath, "error", err.Error())
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the active file.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("transport/file: rotate: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("transport/file: rotate: stat: %w", err)
	}
	rf.file = f
	rf.size = info.Size()
	return nil
}

// rotate shifts FilePath.i to FilePath.i+1, dropping the oldest, moves the
// active file to FilePath.1 and reopens FilePath.
func (rf *RotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		rf.logger.Warn("transport/file: rotate: close", "error", err.Error())
	}
	rf.file = nil

	base := rf.cfg.FilePath
	backup := func(i int) string { return fmt.Sprintf("%s.%d", base, i) }

	_ = os.Remove(backup(rf.cfg.MaxBackups))
	for i := rf.cfg.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(backup(i), backup(i+1))
	}
	renameErr := os.Rename(base, backup(1))

	if err := rf.open(); err != nil {
		return err
	}
	if renameErr != nil {
		return fmt.Errorf("transport/file: rotate: rename: %w", renameErr)
	}
	rf.logger.Info("transport/file: rotated", "file", base)
	return nil
}
