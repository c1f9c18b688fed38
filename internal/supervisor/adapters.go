package supervisor

import (
	"context"
	"fmt"
	"time"
)

// adapterPollTimeout is the drain timeout used when an adapter has to poll
// for itself because no event loop is running.
const adapterPollTimeout = 10 * time.Millisecond

// RunOnceAndWait starts a single execution and blocks until the engine
// reports completion. The returned bool is true when the run succeeded.
// When the registry's event loop is running the call simply waits; otherwise
// it polls on the caller's behalf until the completion event arrives. A
// context without a deadline is bounded by the registry's run-once timeout.
func (s *Session) RunOnceAndWait(ctx context.Context) (bool, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.reg.runOnceTimeout)
		defer cancel()
	}

	done := make(chan bool, 1)

	s.mu.Lock()
	s.runWaiters = append(s.runWaiters, done)
	s.mu.Unlock()

	if err := s.RunOnce(); err != nil {
		s.removeWaiter(done)
		return false, err
	}
	return s.reg.await(ctx, done)
}

// Inputs fetches the current inputs of the workflow as a name to entry map.
func (s *Session) Inputs(ctx context.Context) (map[string]Entry, error) {
	return s.collect(ctx, CategoryInputs)
}

// Outputs fetches the current outputs of the workflow.
func (s *Session) Outputs(ctx context.Context) (map[string]Entry, error) {
	return s.collect(ctx, CategoryOutputs)
}

// GlobalNames fetches the current global names of the workflow.
func (s *Session) GlobalNames(ctx context.Context) (map[string]Entry, error) {
	return s.collect(ctx, CategoryGlobalNames)
}

func (s *Session) collect(ctx context.Context, category string) (map[string]Entry, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.reg.runOnceTimeout)
		defer cancel()
	}

	reply := make(chan *WatchList, 1)
	err := s.list(category, func(_ *Session, wl *WatchList) bool {
		reply <- wl
		return true
	})
	if err != nil {
		return nil, err
	}

	wl, err := s.reg.awaitList(ctx, reply)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", category, err)
	}
	return wl.Category(category), nil
}

func (s *Session) removeWaiter(done chan bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.runWaiters {
		if w == done {
			s.runWaiters = append(s.runWaiters[:i], s.runWaiters[i+1:]...)
			return
		}
	}
}

// await blocks until the waiter resolves. Without an event loop the adapter
// drives the registry itself, so these calls work in single-threaded use.
func (r *Registry) await(ctx context.Context, done chan bool) (bool, error) {
	if r.loopRunning() {
		select {
		case ok := <-done:
			return ok, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	for {
		select {
		case ok := <-done:
			return ok, nil
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		r.Poll(adapterPollTimeout)
	}
}

func (r *Registry) awaitList(ctx context.Context, reply chan *WatchList) (*WatchList, error) {
	if r.loopRunning() {
		select {
		case wl := <-reply:
			return wl, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for {
		select {
		case wl := <-reply:
			return wl, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		r.Poll(adapterPollTimeout)
	}
}
