package k8090

import (
	"context"
	"sync"
)

type requestStatus uint8

const (
	requestQueued requestStatus = iota
	requestInFlight
	requestClaimed // The engine is completing it; it can no longer be cancelled.
	requestDone
)

// A Request is a command handed to the engine. It completes exactly once,
// with the response frames or with an error.
type Request struct {
	entry Entry
	frame Frame
	done  chan struct{}

	mu     sync.Mutex
	status requestStatus
	frames []Frame
	err    error
}

func newRequest(entry Entry, f Frame) *Request {
	return &Request{
		entry: entry,
		frame: f,
		done:  make(chan struct{}),
	}
}

// Frame returns the command frame.
func (r *Request) Frame() Frame {
	return r.frame
}

// Done returns a channel closed once the request completes.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result returns the response frames and error of a completed request.
// It must only be called after Done is closed.
func (r *Request) Result() ([]Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames, r.err
}

// Wait blocks until the request completes or ctx is done. Giving up on the
// wait does not cancel the request.
func (r *Request) Wait(ctx context.Context) ([]Frame, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels the request. A queued request is never sent; an in-flight
// one has its response discarded. Cancel reports false when the request
// already completed.
func (r *Request) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == requestClaimed || r.status == requestDone {
		return false
	}
	r.status = requestDone
	r.err = ErrCancelled
	close(r.done)
	return true
}

// Cancelled reports whether the request was cancelled.
func (r *Request) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == requestDone && r.err == ErrCancelled
}

// start marks a queued request as written on the wire. It returns false if
// the request was cancelled meanwhile.
func (r *Request) start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != requestQueued {
		return false
	}
	r.status = requestInFlight
	return true
}

// claim takes ownership of the completion. The caller must then call
// finish. It returns false if the request was cancelled.
func (r *Request) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == requestClaimed || r.status == requestDone {
		return false
	}
	r.status = requestClaimed
	return true
}

func (r *Request) finish(frames []Frame, err error) {
	r.mu.Lock()
	r.status = requestDone
	r.frames = frames
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

// fail completes the request with err unless it already completed.
func (r *Request) fail(err error) {
	if r.claim() {
		r.finish(nil, err)
	}
}

// A Future is a typed handle on a request.
type Future[T any] struct {
	req   *Request
	parse func([]Frame) (T, error)
}

func newFuture[T any](req *Request, parse func([]Frame) (T, error)) *Future[T] {
	return &Future[T]{req: req, parse: parse}
}

// Request returns the underlying request.
func (f *Future[T]) Request() *Request {
	return f.req
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.req.Done()
}

func (f *Future[T]) Cancel() bool {
	return f.req.Cancel()
}

// Wait blocks until the request completes or ctx is done and returns the
// typed response.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	frames, err := f.req.Wait(ctx)
	if err != nil {
		return zero, err
	}
	return f.parse(frames)
}
