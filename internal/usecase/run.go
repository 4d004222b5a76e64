package usecase

import (
	"context"

	"catalog-agent/internal/domain"
)

// runDeltaBuffer is how many deltas a Run holds before the engine waits for
// the consumer.
const runDeltaBuffer = 64

// InvokeResult is the outcome of an asynchronous invocation.
type InvokeResult struct {
	State *domain.State
	Err   error
}

// InvokeAsync runs Invoke in a new goroutine. The returned channel receives
// exactly one result and is then closed.
func (e *Engine) InvokeAsync(ctx context.Context, threadID, text string) <-chan InvokeResult {
	ch := make(chan InvokeResult, 1)
	go func() {
		defer close(ch)
		state, err := e.Invoke(ctx, threadID, text)
		ch <- InvokeResult{State: state, Err: err}
	}()
	return ch
}

// Run is a streaming invocation in progress. A Run cannot be restarted;
// calling StreamAsync again runs the whole loop again.
type Run struct {
	deltas chan domain.Delta
	done   chan struct{}
	cancel context.CancelFunc

	state *domain.State
	err   error
}

// StreamAsync starts a streaming invocation in a new goroutine and returns
// immediately. Deltas arrive on Run.Deltas; the outcome on Run.Wait.
func (e *Engine) StreamAsync(ctx context.Context, threadID, text string) *Run {
	ctx, cancel := context.WithCancel(ctx)
	r := &Run{
		deltas: make(chan domain.Delta, runDeltaBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(r.done)
		defer cancel()
		state, err := e.execute(ctx, "Engine.StreamAsync", threadID, text, func(d domain.Delta) error {
			select {
			case r.deltas <- d:
				return nil
			case <-ctx.Done():
				return domain.Cancelled("Engine.StreamAsync", ctx.Err())
			}
		})
		r.state, r.err = state, err
		close(r.deltas)
	}()
	return r
}

// Deltas returns the channel of deltas. It is closed when the run ends.
func (r *Run) Deltas() <-chan domain.Delta { return r.deltas }

// Done is closed once the outcome is available.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel aborts the run. Wait then reports a cancellation error.
func (r *Run) Cancel() { r.cancel() }

// Wait blocks until the run ends and returns its final state. Deltas not yet
// received are discarded.
func (r *Run) Wait() (*domain.State, error) {
	for {
		select {
		case <-r.done:
			return r.state, r.err
		case _, ok := <-r.deltas:
			if !ok {
				<-r.done
				return r.state, r.err
			}
		}
	}
}
