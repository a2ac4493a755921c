package host

import (
	"context"
	"sync"

	"github.com/gaborcsardi/mirai/pkg/codec"
	"github.com/gaborcsardi/mirai/pkg/dispatch"
	"github.com/gaborcsardi/mirai/pkg/tlsutil"
)

// Name of the profile used when none is given.
const DefaultProfile = "default"

type pendingTask struct {
	handle *Handle
	task   *dispatch.Task
}

// A named, independent configuration of dispatcher, daemon set and
// transport. No task or daemon crosses profiles.
type profile struct {
	mu sync.RWMutex

	name     string
	direct   bool
	daemons  int
	backend  dispatch.Backend
	cancel   context.CancelFunc
	material *tlsutil.Material
	registry *codec.Registry

	// The sticky setup payload, replayed on every fresh daemon.
	sticky []byte

	// Unresolved tasks by id.
	pending map[string]*pendingTask
}

func newProfile(name string) *profile {
	return &profile{
		name:     name,
		registry: codec.NewRegistry(),
		pending:  map[string]*pendingTask{},
	}
}

func (p *profile) addPending(id string, handle *Handle, task *dispatch.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[id] = &pendingTask{handle: handle, task: task}
}

func (p *profile) removePending(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
}

func (p *profile) getPending(id string) *pendingTask {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pending[id]
}

func (p *profile) numPending() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

func (p *profile) getBackend() dispatch.Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend
}

// teardown closes the backend. Pending tasks resolve as canceled
// through their completion callbacks.
func (p *profile) teardown() {
	p.mu.Lock()
	backend := p.backend
	cancel := p.cancel
	p.backend = nil
	p.cancel = nil
	p.mu.Unlock()

	if backend != nil {
		backend.Close()
	}
	if cancel != nil {
		cancel()
	}
}
