package dispatch

import (
	"context"
	"time"

	"turn-transcription-service/internal/service/stt"
)

// Outcome is the resolved state of a job.
type Outcome struct {
	SessionID   string
	UtteranceID string
	Result      stt.Result
	Err         error
	// Wait is the time spent queued, Run the time spent at the engine.
	Wait time.Duration
	Run  time.Duration
}

// Future resolves once, when its job completes, fails, times out or is
// cancelled.
type Future struct {
	done    chan struct{}
	outcome Outcome
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(o Outcome) {
	f.outcome = o
	close(f.done)
}

// Done is closed when the outcome is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the job resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (stt.Result, error) {
	select {
	case <-f.done:
		return f.outcome.Result, f.outcome.Err
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	}
}

// Outcome returns the resolved outcome. Only valid after Done is closed.
func (f *Future) Outcome() Outcome {
	<-f.done
	return f.outcome
}
