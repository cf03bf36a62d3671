// Package recorder implements the hub's durable, non-blocking,
// time-rotated append log of observed packets.
package recorder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tnumfive/termmux/internal/packet"
)

const activeFileName = "Recorder.log"

// Archiver receives the path of a file that has just been rotated out
// of active use. Implementations may upload it to cold storage; a nil
// Archiver means rotated files are simply left on disk.
type Archiver interface {
	Archive(ctx context.Context, path string) error
}

// FileRecorder is a non-blocking, single-owner-goroutine append log.
// Record enqueues a packet and returns immediately; a background
// goroutine owns the buffer, the active file handle and the rotation
// clock, so callers never observe file I/O latency and no lock is
// ever held across a disk operation.
type FileRecorder struct {
	dir      string
	interval time.Duration
	logger   *slog.Logger
	archiver Archiver

	mu         sync.Mutex
	buffer     []packet.Packet
	epochStart time.Time

	flushCh chan struct{}
	done    chan struct{}
}

// Option configures a FileRecorder at construction.
type Option func(*FileRecorder)

// WithArchiver attaches an Archiver invoked, best-effort, after every
// rotation.
func WithArchiver(a Archiver) Option {
	return func(r *FileRecorder) { r.archiver = a }
}

// New creates the recorder's record directory if needed, recovers
// epoch_start from the first line of any existing active file, and
// starts the background flush goroutine bound to ctx.
func New(ctx context.Context, dir string, interval time.Duration, logger *slog.Logger, opts ...Option) (*FileRecorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create dir: %w", err)
	}
	r := &FileRecorder{
		dir:      dir,
		interval: interval,
		logger:   logger,
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.epochStart = recoverEpochStart(filepath.Join(dir, activeFileName), logger)
	go r.run(ctx)
	return r, nil
}

func recoverEpochStart(path string, logger *slog.Logger) time.Time {
	f, err := os.Open(path)
	if err != nil {
		return time.Now()
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return time.Now()
	}
	p, err := packet.DecodeRecord(scanner.Bytes())
	if err != nil {
		logger.Warn("recorder: could not recover epoch start from active file, starting fresh", "error", err)
		return time.Now()
	}
	return time.UnixMilli(p.RouteTime)
}

// Record enqueues p for durable logging. It takes ownership of p and
// returns before any disk I/O happens; the actual write is performed
// by the background flush goroutine, in enqueue order.
func (r *FileRecorder) Record(p packet.Packet) {
	r.mu.Lock()
	r.buffer = append(r.buffer, p)
	r.mu.Unlock()
	select {
	case r.flushCh <- struct{}{}:
	default:
	}
}

func (r *FileRecorder) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-r.flushCh:
			r.flushOnce(ctx)
		case <-ctx.Done():
			r.flushOnce(ctx)
			return
		}
	}
}

func (r *FileRecorder) flushOnce(ctx context.Context) {
	r.mu.Lock()
	buf := r.buffer
	r.buffer = nil
	r.mu.Unlock()
	if len(buf) == 0 {
		return
	}

	r.rotateIfShould(ctx)

	path := filepath.Join(r.dir, activeFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger.Error("recorder: open active file", "error", err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, p := range buf {
		line, err := packet.EncodeRecord(p)
		if err != nil {
			r.logger.Error("recorder: encode record", "error", err)
			continue
		}
		if _, err := w.Write(line); err != nil {
			r.logger.Error("recorder: write record", "error", err)
			return
		}
		if _, err := w.WriteString("\n"); err != nil {
			r.logger.Error("recorder: write newline", "error", err)
			return
		}
	}
	if err := w.Flush(); err != nil {
		r.logger.Error("recorder: flush", "error", err)
	}
}

// rotateIfShould renames the active file to a timestamped name derived
// from the current epoch_start when the rotation interval has
// elapsed, then advances epoch_start regardless of whether the rename
// succeeded, matching the original recorder's try/finally semantics.
func (r *FileRecorder) rotateIfShould(ctx context.Context) {
	now := time.Now()
	if now.Sub(r.epochStart) <= r.interval {
		return
	}
	oldEpoch := r.epochStart
	active := filepath.Join(r.dir, activeFileName)
	rotated := filepath.Join(r.dir, fmt.Sprintf("Recorder.%s.log", oldEpoch.Format("20060102_150405")))
	if _, err := os.Stat(active); err == nil {
		if err := os.Rename(active, rotated); err != nil {
			r.logger.Error("recorder: rotate", "error", err)
		} else if r.archiver != nil {
			go func() {
				if err := r.archiver.Archive(ctx, rotated); err != nil {
					r.logger.Warn("recorder: archive rotated file", "path", rotated, "error", err)
				}
			}()
		}
	}
	r.epochStart = now
}

// Shutdown waits, up to the given context's deadline, for the
// background flush goroutine started by New to observe ctx.Done and
// perform its final flush.
func (r *FileRecorder) Shutdown(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return errors.New("recorder: shutdown: timed out waiting for final flush")
	}
}
