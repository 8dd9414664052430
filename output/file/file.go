package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
)

// Config holds configuration for the file sink
type Config struct {
	Path       string `json:"path"`
	MaxBytes   int64  `json:"max_bytes"`
	MaxBackups int    `json:"max_backups"`
	Sync       bool   `json:"sync"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "path is required")
	}
	if c.MaxBytes < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_bytes cannot be negative")
	}
	if c.MaxBackups < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_backups cannot be negative")
	}
	return nil
}

// DefaultConfig returns default configuration for the file sink
func DefaultConfig() Config {
	return Config{
		Path:       "ruuvigw.jsonl",
		MaxBackups: 3,
	}
}

// Sink appends records to a file
type Sink struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	size int64

	recordsWritten atomic.Int64
	bytesWritten   atomic.Int64
	rotations      atomic.Int64
}

// Stats holds file sink counters
type Stats struct {
	RecordsWritten int64
	BytesWritten   int64
	Rotations      int64
}

// Create builds a file sink from its raw options.
func Create(name string, raw json.RawMessage, logger *slog.Logger) (*Sink, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "file-output", "Create", "parse options")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{name: name, cfg: cfg, logger: logger}, nil
}

// Name returns the sink name
func (s *Sink) Name() string { return s.name }

// Stats returns the sink counters
func (s *Sink) Stats() Stats {
	return Stats{
		RecordsWritten: s.recordsWritten.Load(),
		BytesWritten:   s.bytesWritten.Load(),
		Rotations:      s.rotations.Load(),
	}
}

// Connect creates the directory and opens the file for appending.
func (s *Sink) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return errors.WrapTransient(err, "file-output", "Connect", "create output directory")
	}
	return s.openLocked()
}

func (s *Sink) openLocked() error {
	f, err := os.OpenFile(s.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WrapTransient(err, "file-output", "open", "open output file")
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.WrapTransient(err, "file-output", "open", "stat output file")
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	s.size = info.Size()
	s.logger.Info("File sink opened", "path", s.cfg.Path, "size", s.size)
	return nil
}

func (s *Sink) closeLocked() error {
	if s.file == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	s.file, s.w = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Publish writes one line per record and flushes.
func (s *Sink) Publish(_ context.Context, item *message.Item) error {
	lines := make([][]byte, 0, len(item.Records))
	for _, r := range item.Records {
		b, err := json.Marshal(r)
		if err != nil {
			return errors.WrapInvalid(err, "file-output", "Publish", "marshal record")
		}
		lines = append(lines, append(b, '\n'))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "file-output", "Publish", "check file")
	}

	for _, line := range lines {
		if err := s.rotateIfNeeded(int64(len(line))); err != nil {
			return err
		}
		n, err := s.w.Write(line)
		s.size += int64(n)
		s.bytesWritten.Add(int64(n))
		if err != nil {
			return errors.WrapTransient(err, "file-output", "Publish", "write record")
		}
		s.recordsWritten.Add(1)
	}

	if err := s.w.Flush(); err != nil {
		return errors.WrapTransient(err, "file-output", "Publish", "flush")
	}
	if s.cfg.Sync {
		if err := s.file.Sync(); err != nil {
			return errors.WrapTransient(err, "file-output", "Publish", "sync")
		}
	}
	return nil
}

// rotateIfNeeded shifts the backups and reopens the file when writing n more bytes
// would exceed MaxBytes. An empty file is never rotated.
func (s *Sink) rotateIfNeeded(n int64) error {
	if s.cfg.MaxBytes == 0 || s.size == 0 || s.size+n <= s.cfg.MaxBytes {
		return nil
	}

	if err := s.closeLocked(); err != nil {
		s.logger.Warn("Failed to close file before rotation", "error", err)
	}

	if s.cfg.MaxBackups == 0 {
		if err := os.Remove(s.cfg.Path); err != nil && !os.IsNotExist(err) {
			return errors.WrapTransient(err, "file-output", "rotate", "remove file")
		}
	} else {
		for i := s.cfg.MaxBackups - 1; i >= 1; i-- {
			from := fmt.Sprintf("%s.%d", s.cfg.Path, i)
			if _, err := os.Stat(from); err == nil {
				if err := os.Rename(from, fmt.Sprintf("%s.%d", s.cfg.Path, i+1)); err != nil {
					return errors.WrapTransient(err, "file-output", "rotate", "shift backup")
				}
			}
		}
		if err := os.Rename(s.cfg.Path, s.cfg.Path+".1"); err != nil {
			return errors.WrapTransient(err, "file-output", "rotate", "rename file")
		}
	}

	s.rotations.Add(1)
	s.logger.Debug("File rotated", "path", s.cfg.Path, "rotations", s.rotations.Load())
	return s.openLocked()
}

// Ping reports whether the file is open.
func (s *Sink) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "file-output", "Ping", "check file")
	}
	if _, err := s.file.Stat(); err != nil {
		return errors.WrapTransient(err, "file-output", "Ping", "stat file")
	}
	return nil
}

// Close flushes and closes the file.
func (s *Sink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeLocked(); err != nil {
		return errors.Wrap(err, "file-output", "Close", "close file")
	}
	return nil
}
