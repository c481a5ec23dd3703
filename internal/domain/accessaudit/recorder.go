package accessaudit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/crossfacility/internal/platform/metrics"
)

var (
	ErrRecorderFull   = errors.New("audit recorder buffer full")
	ErrRecorderClosed = errors.New("audit recorder closed")
)

// WriteError is sent on Errors() for every entry that did not reach the
// store, whether it was dropped at enqueue or failed on write.
type WriteError struct {
	Entry *Entry
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit entry for actor %s: %v", e.Entry.ActorID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type RecorderConfig struct {
	BufferSize   int
	Workers      int
	WriteTimeout time.Duration
}

// Recorder writes audit entries off the request path. Each write runs on a
// background context with its own timeout, so a cancelled request never
// cancels its audit entry. A failed write is logged, counted and sent on
// Errors(); it never reaches the caller, and reporting it never blocks.
type Recorder struct {
	svc     *Service
	metrics *metrics.Metrics
	logger  zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan *Entry
	errs   chan error
	wg     sync.WaitGroup
}

func NewRecorder(cfg RecorderConfig, svc *Service, m *metrics.Metrics, logger zerolog.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	r := &Recorder{
		svc:     svc,
		metrics: m,
		logger:  logger,
		timeout: cfg.WriteTimeout,
		queue:   make(chan *Entry, cfg.BufferSize),
		errs:    make(chan error, cfg.BufferSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
	return r
}

// Errors carries a *WriteError per lost entry. Unread errors are dropped once
// the buffer fills.
func (r *Recorder) Errors() <-chan error {
	return r.errs
}

// Record enqueues e without waiting for the write. An entry that cannot be
// queued is reported the same way as a failed write.
func (r *Recorder) Record(e *Entry) error {
	err := r.enqueue(e)
	if err != nil {
		r.metrics.AuditWrite(false)
		r.fail(e, err)
	}
	return err
}

func (r *Recorder) enqueue(e *Entry) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	select {
	case r.queue <- e:
		r.metrics.AuditQueueDepth(len(r.queue))
		return nil
	default:
		return ErrRecorderFull
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		r.metrics.AuditQueueDepth(len(r.queue))
		r.write(e)
	}
}

func (r *Recorder) write(e *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.svc.LogAccess(ctx, e); err != nil {
		r.fail(e, err)
	}
}

func (r *Recorder) fail(e *Entry, err error) {
	r.logger.Error().Err(err).
		Str("actor_id", e.ActorID).
		Str("patient_uuid", e.PatientUUID).
		Str("request_id", e.RequestID).
		Msg("access audit write failed")

	select {
	case r.errs <- &WriteError{Entry: e, Err: err}:
	default:
		r.logger.Warn().Msg("audit error channel full, dropping report")
	}
}

// Close stops accepting entries and waits for the queue to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
