package batching

import (
	"context"
	"fmt"
	"sync"
)

// sink is the write-once cell behind a Future.
type sink struct {
	mu    sync.Mutex
	done  chan struct{}
	fired bool
	resp  *Response
	err   error
	conts []func(*Response, error)

	// onDone observes every resolution; set before the sink is shared.
	onDone func(error)
}

func newSink() *sink {
	return &sink{done: make(chan struct{})}
}

// complete resolves the sink and panics if it was already resolved.
func (s *sink) complete(resp *Response, err error) {
	if !s.resolve(resp, err) {
		panic(fmt.Sprintf("batching: response sink resolved twice (err=%v)", err))
	}
}

// resolve stores the outcome and runs continuations on the calling
// goroutine. It reports false if the sink was already resolved.
func (s *sink) resolve(resp *Response, err error) bool {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return false
	}
	s.fired = true
	s.resp, s.err = resp, err
	conts := s.conts
	s.conts = nil
	close(s.done)
	s.mu.Unlock()

	if s.onDone != nil {
		s.onDone(err)
	}
	for _, fn := range conts {
		runContinuation(fn, resp, err)
	}
	return true
}

func (s *sink) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func runContinuation(fn func(*Response, error), resp *Response, err error) {
	defer func() { _ = recover() }()
	fn(resp, err)
}

// Future is the caller's handle on a submitted request.
type Future struct {
	s *sink
}

// Done is closed once the request has an outcome.
func (f *Future) Done() <-chan struct{} { return f.s.done }

// Wait blocks until the request resolves or ctx is done. A ctx error does
// not cancel the request.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.s.done:
		return f.s.resp, f.s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether the request has an outcome without blocking.
func (f *Future) Resolved() bool { return f.s.isDone() }

// OnComplete registers fn to run once with the outcome. If the request has
// already resolved, fn runs immediately on the calling goroutine; otherwise
// it runs on whichever goroutine resolves it. Panics in fn are swallowed.
func (f *Future) OnComplete(fn func(*Response, error)) {
	s := f.s
	s.mu.Lock()
	if !s.fired {
		s.conts = append(s.conts, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	runContinuation(fn, s.resp, s.err)
}
