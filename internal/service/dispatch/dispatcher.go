// Package dispatch multiplexes utterances from many sessions onto a
// shared transcription engine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"turn-transcription-service/internal/observability/logging"
	"turn-transcription-service/internal/observability/metrics"
	"turn-transcription-service/internal/service/stt"
)

// Errors resolving futures or rejecting submissions.
var (
	ErrBackpressure = errors.New("transcription queue is full")
	ErrClosed       = errors.New("dispatcher is closed")
	ErrJobTimeout   = errors.New("transcription job timed out")
	ErrJobCancelled = errors.New("transcription job cancelled")
	ErrEnginePanic  = errors.New("transcription engine panicked")
)

// Config controls the worker pool.
type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// DefaultConfig returns a single worker in front of one engine.
func DefaultConfig() Config {
	return Config{
		Workers:    1,
		QueueSize:  64,
		JobTimeout: 30 * time.Second,
	}
}

// Job is one utterance to transcribe.
type Job struct {
	SessionID   string
	UtteranceID string
	Audio       stt.Audio
	Options     stt.Options
	// OnComplete runs on the worker after the future resolves and before
	// the session's next job may start, so per-session callbacks run in
	// submission order. It must not block for long.
	OnComplete func(Outcome)
}

type entry struct {
	job        Job
	future     *Future
	enqueuedAt time.Time
}

// Dispatcher owns the engine. Jobs wait in one FIFO shared by all
// sessions; a worker takes the oldest job whose session has nothing in
// flight, so each session has at most one job at the engine and its jobs
// complete in the order submitted.
type Dispatcher struct {
	engine  stt.Engine
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*entry
	inflight map[string]bool
	closed   bool

	wg sync.WaitGroup
}

// New starts cfg.Workers workers over engine. A nil m uses the default
// metrics.
func New(engine stt.Engine, cfg Config, m *metrics.Metrics) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		engine:   engine,
		cfg:      cfg,
		metrics:  m,
		logger:   logging.WithComponent("dispatcher"),
		baseCtx:  ctx,
		cancel:   cancel,
		inflight: make(map[string]bool),
	}
	d.cond = sync.NewCond(&d.mu)

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.logger.Info().
		Str("engine", engine.Name()).
		Int("workers", cfg.Workers).
		Int("queueSize", cfg.QueueSize).
		Dur("jobTimeout", cfg.JobTimeout).
		Msg("Dispatcher started")
	return d
}

// Submit enqueues a job without blocking. It fails with ErrBackpressure
// when the queue is at capacity and ErrClosed after Stop.
func (d *Dispatcher) Submit(job Job) (*Future, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if len(d.queue) >= d.cfg.QueueSize {
		d.metrics.RecordBackpressure()
		return nil, fmt.Errorf("%w (depth %d)", ErrBackpressure, len(d.queue))
	}

	e := &entry{job: job, future: newFuture(), enqueuedAt: time.Now()}
	d.queue = append(d.queue, e)
	d.metrics.RecordJobSubmitted()
	d.metrics.SetQueueDepth(len(d.queue))
	d.cond.Signal()
	return e.future, nil
}

// CancelSession drops queued jobs for the session. A job already at the
// engine is left to finish. Returns the number of jobs dropped.
func (d *Dispatcher) CancelSession(sessionID string) int {
	d.mu.Lock()
	var dropped []*entry
	kept := d.queue[:0]
	for _, e := range d.queue {
		if e.job.SessionID == sessionID {
			dropped = append(dropped, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(d.queue); i++ {
		d.queue[i] = nil
	}
	d.queue = kept
	d.metrics.SetQueueDepth(len(d.queue))
	d.mu.Unlock()

	for _, e := range dropped {
		d.abandon(e, ErrJobCancelled)
	}
	if len(dropped) > 0 {
		d.logger.Debug().
			Str("sessionId", sessionID).
			Int("dropped", len(dropped)).
			Msg("Cancelled queued jobs")
	}
	return len(dropped)
}

// QueueDepth returns the number of jobs waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stop rejects new jobs, cancels queued ones and waits for running jobs
// to finish. If ctx ends first, running engine calls are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := d.queue
	d.queue = nil
	d.metrics.SetQueueDepth(0)
	d.cond.Broadcast()
	d.mu.Unlock()

	for _, e := range pending {
		d.abandon(e, ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info().Int("cancelled", len(pending)).Msg("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		e := d.next()
		if e == nil {
			return
		}
		d.run(e)

		d.mu.Lock()
		delete(d.inflight, e.job.SessionID)
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

// next blocks until an eligible job exists, or returns nil once closed.
func (d *Dispatcher) next() *entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if d.closed {
			return nil
		}
		for i, e := range d.queue {
			if d.inflight[e.job.SessionID] {
				continue
			}
			copy(d.queue[i:], d.queue[i+1:])
			d.queue[len(d.queue)-1] = nil
			d.queue = d.queue[:len(d.queue)-1]
			d.inflight[e.job.SessionID] = true
			d.metrics.SetQueueDepth(len(d.queue))
			return e
		}
		d.cond.Wait()
	}
}

type engineResult struct {
	res stt.Result
	err error
}

// run executes one job. The engine call runs on its own goroutine so a
// hung engine only holds the worker until the job timeout; its late
// result is discarded.
func (d *Dispatcher) run(e *entry) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.JobTimeout)
	defer cancel()

	ch := make(chan engineResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- engineResult{err: fmt.Errorf("%w: %v", ErrEnginePanic, r)}
			}
		}()
		res, err := d.engine.Transcribe(ctx, e.job.Audio, e.job.Options)
		ch <- engineResult{res: res, err: err}
	}()

	var out engineResult
	select {
	case out = <-ch:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.err = fmt.Errorf("%w after %v: %v", ErrJobTimeout, d.cfg.JobTimeout, out.err)
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.err = fmt.Errorf("%w after %v", ErrJobTimeout, d.cfg.JobTimeout)
		} else {
			out.err = fmt.Errorf("%w: %v", ErrJobCancelled, ctx.Err())
		}
	}

	o := Outcome{
		SessionID:   e.job.SessionID,
		UtteranceID: e.job.UtteranceID,
		Result:      out.res,
		Err:         out.err,
		Wait:        started.Sub(e.enqueuedAt),
		Run:         time.Since(started),
	}
	d.metrics.RecordJobResult(d.engine.Name(), outcomeLabel(o.Err), o.Wait.Seconds(), o.Run.Seconds())

	jobLogger := logging.WithEngine(o.SessionID, d.engine.Name())
	if o.Err != nil {
		jobLogger.Warn().
			Err(o.Err).
			Str("utteranceId", o.UtteranceID).
			Dur("run", o.Run).
			Msg("Transcription job failed")
	} else {
		jobLogger.Debug().
			Str("utteranceId", o.UtteranceID).
			Dur("wait", o.Wait).
			Dur("run", o.Run).
			Int("chars", len(o.Result.Text)).
			Msg("Transcription job completed")
	}

	d.complete(e, o)
}

// abandon resolves a job that never reached the engine.
func (d *Dispatcher) abandon(e *entry, err error) {
	d.metrics.RecordJobCancelled()
	d.complete(e, Outcome{
		SessionID:   e.job.SessionID,
		UtteranceID: e.job.UtteranceID,
		Err:         err,
		Wait:        time.Since(e.enqueuedAt),
	})
}

func (d *Dispatcher) complete(e *entry, o Outcome) {
	e.future.resolve(o)
	if e.job.OnComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Str("sessionId", o.SessionID).
				Msg("Job completion callback panicked")
		}
	}()
	e.job.OnComplete(o)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrJobTimeout):
		return "timeout"
	case errors.Is(err, ErrEnginePanic):
		return "panic"
	case errors.Is(err, ErrJobCancelled):
		return "cancelled"
	default:
		return "error"
	}
}
