package dispatch

import (
	"context"
	"sync"

	"github.com/gaborcsardi/mirai/pkg/log"
	"github.com/gaborcsardi/mirai/pkg/protocol"
	"github.com/gaborcsardi/mirai/pkg/tlsutil"
	"github.com/gaborcsardi/mirai/pkg/transport"
	"github.com/gaborcsardi/mirai/pkg/utils"
)

// Buffered submissions waiting for a daemon to pull.
const directQueueSize = 4096

// The direct backend. There is no central queue and no roster: all
// daemons dial one shared URL and pull tasks as they become free.
// Dispatch order is whatever the pull order happens to be, neither
// FIFO nor least-loaded. Callers pick this mode to avoid the
// intermediary.
type DirectHub struct {
	mu sync.Mutex

	listener transport.Listener
	url      string

	sticky    []byte
	codecTags string

	// Tasks waiting to be pulled.
	submissions chan *Task

	// Connected daemons, and the task each one is executing.
	conns    map[transport.Conn]bool
	inflight map[string]*directInflight

	events *utils.Broadcast[DaemonEvent]

	closed  bool
	closeCh chan struct{}
}

// NewDirectHub opens the shared pull socket.
func NewDirectHub(url string, material *tlsutil.Material) (*DirectHub, error) {
	listener, err := transport.Listen(url, material)
	if err != nil {
		return nil, err
	}

	return &DirectHub{
		listener:    listener,
		url:         listener.URL(),
		submissions: make(chan *Task, directQueueSize),
		conns:       map[transport.Conn]bool{},
		inflight:    map[string]*directInflight{},
		events:      utils.NewBroadcast[DaemonEvent](),
		closeCh:     make(chan struct{}),
	}, nil
}

// One task being executed by one pulled connection.
type directInflight struct {
	task *Task
	conn transport.Conn
}

// URL returns the effective pull URL.
func (h *DirectHub) URL() string {
	return h.url
}

// Run accepts daemon connections until the context is done or Close
// is called.
func (h *DirectHub) Run(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			h.Close()
		case <-h.closeCh:
		}
	}()

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}

		go h.serveConn(conn)
	}
}

// Submit hands a task to whichever daemon pulls first.
func (h *DirectHub) Submit(task *Task) {
	select {
	case h.submissions <- task:
	case <-h.closeCh:
		task.complete(&protocol.Result{Kind: protocol.ResultCanceled})
	}
}

// Cancel returns true for a task no daemon is executing; the pulling
// worker skips it once Task.Cancel has flagged it. For a task in
// flight it sends a cancel control frame to the daemon executing it.
func (h *DirectHub) Cancel(taskID string) bool {
	h.mu.Lock()
	var conn transport.Conn
	if entry := h.inflight[taskID]; entry != nil {
		conn = entry.conn
	}
	h.mu.Unlock()

	if conn == nil {
		// Still queued; the pulling worker skips flagged tasks.
		return true
	}

	frame := &protocol.Frame{Kind: protocol.FrameCancel, Payload: []byte(taskID)}
	if err := conn.Send(frame.Encode()); err != nil {
		log.Debug("cancel frame not delivered:", err)
	}
	return false
}

// Everywhere stores the sticky setup payload and replays it on every
// connected daemon.
func (h *DirectHub) Everywhere(payload []byte) {
	h.mu.Lock()
	h.sticky = payload
	conns := make([]transport.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	frame := &protocol.Frame{Kind: protocol.FrameSetup, Payload: payload}
	msg := frame.Encode()

	for _, conn := range conns {
		if err := conn.Send(msg); err != nil {
			log.Debug("setup frame not delivered:", err)
		}
	}
}

// SetCodecTags records the registered codec classes.
func (h *DirectHub) SetCodecTags(tags string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.codecTags = tags
}

// Status reports the connection count and the shared pull URL.
func (h *DirectHub) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Status{
		Connections: len(h.conns),
		URLs:        []string{h.url},
	}
}

// Events returns a consumer of membership changes.
func (h *DirectHub) Events() *utils.BroadcastConsumer[DaemonEvent] {
	return h.events.NewConsumer()
}

// Close drains unpulled tasks as canceled and shuts everything down.
func (h *DirectHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true

	conns := make([]transport.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	tasks := make([]*Task, 0, len(h.inflight))
	for _, entry := range h.inflight {
		tasks = append(tasks, entry.task)
	}
	h.inflight = map[string]*directInflight{}
	h.mu.Unlock()

	close(h.closeCh)
	h.listener.Close()

	shutdown := (&protocol.Frame{Kind: protocol.FrameShutdown}).Encode()
	for _, conn := range conns {
		conn.Send(shutdown)
		conn.Close()
	}

	for _, task := range tasks {
		task.complete(&protocol.Result{Kind: protocol.ResultCanceled})
	}

	for {
		select {
		case task := <-h.submissions:
			task.complete(&protocol.Result{Kind: protocol.ResultCanceled})
		default:
			h.events.Close()
			return
		}
	}
}

// One connected daemon: handshake, then pull tasks until the
// connection is lost.
func (h *DirectHub) serveConn(conn transport.Conn) {
	defer conn.Close()

	h.mu.Lock()
	sticky := h.sticky
	h.mu.Unlock()

	setup := &protocol.Frame{Kind: protocol.FrameSetup, Payload: sticky}
	if err := conn.Send(setup.Encode()); err != nil {
		return
	}

	msg, err := conn.Recv()
	if err != nil {
		return
	}
	ack, err := protocol.Decode(msg)
	if err != nil || ack.Kind != protocol.FrameSetup {
		log.Debug("bad handshake ack from", conn.RemoteAddr())
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.conns[conn] = true
	count := len(h.conns)
	h.mu.Unlock()

	log.Infof("new - daemon - remote: %s, connections: %d", conn.RemoteAddr(), count)
	h.events.Send(DaemonEvent{URL: h.url, Online: true})

	h.pullLoop(conn)

	h.mu.Lock()
	delete(h.conns, conn)
	count = len(h.conns)
	h.mu.Unlock()

	log.Infof("del - daemon - remote: %s, connections: %d", conn.RemoteAddr(), count)
	h.events.Send(DaemonEvent{URL: h.url, Online: false})
}

func (h *DirectHub) pullLoop(conn transport.Conn) {
	pushedCodecs := ""

	for {
		var task *Task

		select {
		case task = <-h.submissions:
		case <-conn.Done():
			return
		case <-h.closeCh:
			return
		}

		if task.Canceled() {
			task.complete(&protocol.Result{Kind: protocol.ResultCanceled})
			continue
		}

		h.mu.Lock()
		h.inflight[task.ID] = &directInflight{task: task, conn: conn}
		codecTags := h.codecTags
		h.mu.Unlock()

		frame := task.Frame
		if pushedCodecs != codecTags && codecTags != "" {
			frame = withCodecTags(frame, codecTags)
			pushedCodecs = codecTags
		}

		result := h.exchange(conn, frame)

		h.mu.Lock()
		delete(h.inflight, task.ID)
		h.mu.Unlock()

		task.complete(result)

		if result.Kind == protocol.ResultTransportLost {
			return
		}
	}
}

// Send one task and wait for its result on the same connection.
func (h *DirectHub) exchange(conn transport.Conn, frame *protocol.Frame) *protocol.Result {
	if err := conn.Send(frame.Encode()); err != nil {
		return &protocol.Result{Kind: protocol.ResultTransportLost}
	}

	for {
		msg, err := conn.Recv()
		if err != nil {
			return &protocol.Result{Kind: protocol.ResultTransportLost}
		}

		reply, err := protocol.Decode(msg)
		if err != nil {
			log.Debug(err)
			continue
		}

		switch reply.Kind {
		case protocol.FrameResultOk, protocol.FrameResultErr, protocol.FrameResultInterrupt:
			result, err := protocol.FrameResult(reply)
			if err != nil {
				log.Debug(err)
				continue
			}
			return result

		case protocol.FrameSetup:
			// Ack of a replayed sticky setup.

		default:
			log.Debugf("unexpected %v frame from %s", reply.Kind, conn.RemoteAddr())
		}
	}
}

var (
	_ Backend = (*Dispatcher)(nil)
	_ Backend = (*DirectHub)(nil)
)
