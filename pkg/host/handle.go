package host

import (
	"context"
	"sync"
	"time"

	"github.com/gaborcsardi/mirai/pkg/protocol"
	"github.com/gaborcsardi/mirai/pkg/utils"
)

// Handle states as seen by the caller.
type HandleState int

const (
	Pending HandleState = iota
	Resolved
	Canceled
)

func (s HandleState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// A caller-held reference to a pending or resolved task. Reads are
// thread-safe; the completion path is the single writer and resolves
// the handle exactly once. Once resolved, the result never changes.
type Handle struct {
	mu sync.RWMutex

	id      string
	profile string

	result *protocol.Result
	done   chan struct{}
	timer  *time.Timer
}

func newHandle(id, profile string) *Handle {
	return &Handle{
		id:      id,
		profile: profile,
		done:    make(chan struct{}),
	}
}

// ID returns the task identifier.
func (h *Handle) ID() string {
	return h.id
}

// Profile returns the profile the task was submitted against.
func (h *Handle) Profile() string {
	return h.profile
}

// State returns the current handle state.
func (h *Handle) State() HandleState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch {
	case h.result == nil:
		return Pending
	case h.result.Kind == protocol.ResultCanceled:
		return Canceled
	default:
		return Resolved
	}
}

// Poll returns the result if the task has resolved. Poll after
// resolution keeps returning the same result.
func (h *Handle) Poll() (*protocol.Result, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.result, h.result != nil
}

// Done is closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Await blocks until the handle resolves or the context deadline
// passes.
func (h *Handle) Await(ctx context.Context) (*protocol.Result, error) {
	select {
	case <-h.done:
		result, _ := h.Poll()
		return result, nil
	case <-ctx.Done():
		return nil, utils.ErrTimeout
	}
}

// resolve records the result. Only the first resolution wins; later
// attempts, including a late daemon reply after cancel or timeout,
// are dropped.
func (h *Handle) resolve(result *protocol.Result) bool {
	h.mu.Lock()
	if h.result != nil {
		h.mu.Unlock()
		return false
	}
	h.result = result
	timer := h.timer
	h.timer = nil
	h.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	close(h.done)
	return true
}

// startTimer arms the host-side timeout. The daemon is not told; the
// task keeps running there unless the caller also cancels.
func (h *Handle) startTimer(timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.result != nil {
		return
	}
	h.timer = time.AfterFunc(timeout, func() {
		h.resolve(&protocol.Result{Kind: protocol.ResultTimeout})
	})
}
