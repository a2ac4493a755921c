package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaborcsardi/mirai/pkg/protocol"
)

// A task queued for dispatch. Immutable once submitted; the frame
// carries the opaque payload and its extension table.
type Task struct {
	// Opaque unique task identifier.
	ID string

	// The wire frame sent to the daemon.
	Frame *protocol.Frame

	// Name of the profile the task was submitted against.
	Profile string

	// Submission time.
	SubmittedAt time.Time

	// Completion callback, invoked exactly once by the dispatch
	// backend. Repeated resolution attempts are swallowed here so
	// backends may report overlapping failures.
	OnComplete func(*protocol.Result)

	canceled atomic.Bool
	once     sync.Once
}

// Cancel marks the task so that backends skip it if it has not been
// sent yet.
func (t *Task) Cancel() {
	t.canceled.Store(true)
}

// Canceled reports whether the task was canceled before dispatch.
func (t *Task) Canceled() bool {
	return t.canceled.Load()
}

func (t *Task) complete(result *protocol.Result) {
	t.once.Do(func() {
		if t.OnComplete != nil {
			t.OnComplete(result)
		}
	})
}
