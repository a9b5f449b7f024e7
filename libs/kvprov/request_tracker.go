package kvprov

import (
	"context"
	"sync"

	"github.com/xinkaiwang/gathercomm/libs/xklib/kcommon"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
)

// requestTracker runs async requests and lets Wait collect their outcome exactly once.
// A Wait that gives up on ctx forgets the request as well.
type requestTracker struct {
	mu      sync.Mutex
	nextId  RequestId
	pending map[RequestId]*pendingRequest
}

type pendingRequest struct {
	name string
	done chan struct{}
	err  error
}

func newRequestTracker() *requestTracker {
	return &requestTracker{
		pending: map[RequestId]*pendingRequest{},
	}
}

// Submit runs fn in its own goroutine. fn reports failure by panicking with a *kerror.Kerror.
func (rt *requestTracker) Submit(ctx context.Context, name string, fn func()) RequestId {
	req := &pendingRequest{
		name: name,
		done: make(chan struct{}),
	}
	rt.mu.Lock()
	rt.nextId++
	id := rt.nextId
	rt.pending[id] = req
	rt.mu.Unlock()

	go func() {
		defer close(req.done)
		req.err = kcommon.AsError(kcommon.TryCatchRun(ctx, fn))
	}()
	return id
}

func (rt *requestTracker) Wait(ctx context.Context, id RequestId) error {
	rt.mu.Lock()
	req, ok := rt.pending[id]
	rt.mu.Unlock()
	if !ok {
		return kerror.Create("UnknownRequest", "request id unknown or already waited").
			With("requestId", id).
			WithErrorCode(kerror.EC_NOT_FOUND)
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		// the request is abandoned: it still runs to completion but nobody can wait on it again
		rt.mu.Lock()
		delete(rt.pending, id)
		rt.mu.Unlock()
		return kerror.Wrap(ctx.Err(), "WaitCanceled", "wait canceled before request completed", false).
			With("requestId", id).
			With("request", req.name).
			WithErrorCode(kerror.EC_TIMEOUT)
	}

	rt.mu.Lock()
	delete(rt.pending, id)
	rt.mu.Unlock()
	return req.err
}

func (rt *requestTracker) PendingCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.pending)
}
