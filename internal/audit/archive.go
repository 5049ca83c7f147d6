// Package audit persists a per-run record of every candidate outcome as a
// zstd-compressed NDJSON archive. The archive is the durable trail for
// disputes: given a user and week it answers what was charged, when, and why.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"screenpact/internal/settlement"
	"screenpact/internal/types"
)

// Compile-time assertion that Archive satisfies the engine's sink contract.
var _ settlement.AuditSink = (*Archive)(nil)

// Archive appends OutcomeRecord lines to one compressed file per calendar
// day, named outcomes-YYYY-MM-DD.ndjson.zst under the configured directory.
// Writes are serialized; the encoder is flushed per record so a crash loses
// at most the in-flight line.
type Archive struct {
	dir string

	mu      sync.Mutex
	day     string
	file    *os.File
	encoder *zstd.Encoder

	logger *slog.Logger
	now    func() time.Time
}

// NewArchive creates the archive directory if needed and returns a writer.
func NewArchive(dir string, logger *slog.Logger) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: failed to create archive dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		dir:    dir,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Write appends one record to the current day's archive file.
func (a *Archive) Write(ctx context.Context, rec types.OutcomeRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal outcome record: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.rotateLocked(); err != nil {
		return err
	}
	if _, err := a.encoder.Write(line); err != nil {
		return fmt.Errorf("audit: failed to write outcome record: %w", err)
	}
	if err := a.encoder.Flush(); err != nil {
		return fmt.Errorf("audit: failed to flush archive: %w", err)
	}
	return nil
}

// rotateLocked opens the file and encoder for the current day, closing the
// previous day's pair on the first write after midnight.
func (a *Archive) rotateLocked() error {
	day := a.now().Format("2006-01-02")
	if a.encoder != nil && day == a.day {
		return nil
	}
	if err := a.closeLocked(); err != nil {
		a.logger.Warn("failed to close previous audit archive", "error", err)
	}

	path := filepath.Join(a.dir, fmt.Sprintf("outcomes-%s.ndjson.zst", day))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: failed to open archive %s: %w", path, err)
	}
	encoder, err := zstd.NewWriter(file, zstd.WithEncoderConcurrency(1))
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: failed to create zstd encoder: %w", err)
	}

	a.day = day
	a.file = file
	a.encoder = encoder
	return nil
}

// Close flushes and closes the current archive file. The archive is unusable
// afterwards for the current day until the next Write rotates.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

func (a *Archive) closeLocked() error {
	if a.encoder == nil {
		return nil
	}
	encErr := a.encoder.Close()
	fileErr := a.file.Close()
	a.encoder = nil
	a.file = nil
	a.day = ""
	if encErr != nil {
		return encErr
	}
	return fileErr
}
