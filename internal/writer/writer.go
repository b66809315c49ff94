// Package writer serializes store mutations. One Writer runs per record
// kind, so identity and feature writes never contend with each other.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/track-harvester/internal/crawler"
	"github.com/JakeFAU/track-harvester/internal/metrics"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("writer closed")

// Config controls one writer.
type Config struct {
	// MaxAttempts bounds how often a storage error is retried per record.
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	// Buffer is the number of records Submit accepts before it blocks.
	Buffer int `mapstructure:"buffer"`
	// WriteTimeout bounds one upsert.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DeadLetterer stores records the backing store refused.
type DeadLetterer interface {
	Put(kind, key string, record any, attempts int, cause error) (string, error)
}

// Recorder receives dead-letter notifications, normally the session.
type Recorder interface {
	RecordDeadLetter(kind, key, path string)
}

// WriteFunc persists one record.
type WriteFunc[T any] func(ctx context.Context, record T) error

type request[T any] struct {
	record T
	ack    chan error
}

// Writer is a single goroutine draining a buffered channel of records.
type Writer[T any] struct {
	name     string
	write    WriteFunc[T]
	key      func(T) string
	retry    *crawler.RetryPolicy
	dead     DeadLetterer
	recorder Recorder
	timeout  time.Duration
	logger   *zap.Logger

	in     chan request[T]
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New constructs a writer named after the record kind. dead and recorder
// may be nil.
func New[T any](
	name string,
	write WriteFunc[T],
	key func(T) string,
	cfg Config,
	dead DeadLetterer,
	recorder Recorder,
	logger *zap.Logger,
) *Writer[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	metrics.Init()
	retry := crawler.NewRetryPolicy(crawler.RetryConfig{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
	}).WithRetryable(func(err error) bool {
		return errors.Is(err, crawler.ErrStorage)
	})
	return &Writer[T]{
		name:     name,
		write:    write,
		key:      key,
		retry:    retry,
		dead:     dead,
		recorder: recorder,
		timeout:  cfg.WriteTimeout,
		logger:   logger.Named(name + "_writer"),
		in:       make(chan request[T], cfg.Buffer),
		done:     make(chan struct{}),
	}
}

// Submit hands record to the writer. The returned channel yields one value:
// nil once the record is committed, or the final error after the record was
// dead-lettered. Submit blocks while the buffer is full.
func (w *Writer[T]) Submit(ctx context.Context, record T) (<-chan error, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrClosed
	}
	ack := make(chan error, 1)
	select {
	case w.in <- request[T]{record: record, ack: ack}:
		return ack, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("submit to %s writer: %w", w.name, ctx.Err())
	}
}

// Write submits record and waits for its acknowledgement.
func (w *Writer[T]) Write(ctx context.Context, record T) error {
	ack, err := w.Submit(ctx, record)
	if err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return fmt.Errorf("await %s writer: %w", w.name, ctx.Err())
	}
}

// Run persists records until Close has been called and the buffer is empty.
// Cancelling ctx does not stop it: buffered records are still flushed.
func (w *Writer[T]) Run(ctx context.Context) {
	defer close(w.done)
	base := context.WithoutCancel(ctx)
	for req := range w.in {
		req.ack <- w.persist(base, req.record)
	}
	w.logger.Debug("writer drained")
}

// Close stops accepting records. Run returns once the buffer is drained.
func (w *Writer[T]) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.in)
}

// Done is closed when Run has returned.
func (w *Writer[T]) Done() <-chan struct{} {
	return w.done
}

func (w *Writer[T]) persist(ctx context.Context, record T) error {
	key := w.key(record)
	attempts, err := w.retry.Do(ctx, func(ctx context.Context) error {
		writeCtx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		return w.write(writeCtx, record)
	})
	if err == nil {
		if attempts > 1 {
			metrics.ObserveWriter(w.name, "retried")
		}
		metrics.ObserveWriter(w.name, "ok")
		return nil
	}

	metrics.ObserveWriter(w.name, "dead_letter")
	fields := []zap.Field{zap.String("key", key), zap.Int("attempts", attempts), zap.Error(err)}
	if w.dead == nil {
		w.logger.Error("record dropped after storage failure", fields...)
		return fmt.Errorf("%s writer: %w", w.name, err)
	}
	path, dlErr := w.dead.Put(w.name, key, record, attempts, err)
	if dlErr != nil {
		w.logger.Error("dead-letter write failed", append(fields, zap.NamedError("dead_letter_error", dlErr))...)
		return fmt.Errorf("%s writer: %w (dead letter failed: %w)", w.name, err, dlErr)
	}
	if w.recorder != nil {
		w.recorder.RecordDeadLetter(w.name, key, path)
	}
	w.logger.Warn("record dead-lettered", append(fields, zap.String("path", path))...)
	return fmt.Errorf("%s writer: record %s dead-lettered: %w", w.name, key, err)
}
