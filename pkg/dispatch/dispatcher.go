package dispatch

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gaborcsardi/mirai/pkg/codec"
	"github.com/gaborcsardi/mirai/pkg/log"
	"github.com/gaborcsardi/mirai/pkg/protocol"
	"github.com/gaborcsardi/mirai/pkg/tlsutil"
	"github.com/gaborcsardi/mirai/pkg/transport"
	"github.com/gaborcsardi/mirai/pkg/utils"
)

// A dispatch backend accepts tasks from the host and delivers results
// through each task's completion callback.
type Backend interface {
	// Submit queues a task for delivery.
	Submit(task *Task)

	// Cancel removes a queued task. Returns true when the task had
	// not been sent yet. In-flight tasks get a cancel control frame
	// instead, which interrupts evaluation on the daemon if the
	// evaluator honors cancellation.
	Cancel(taskID string) bool

	// Everywhere replaces the sticky setup payload and replays it on
	// every connected daemon. New daemons receive it on connect.
	Everywhere(payload []byte)

	// SetCodecTags announces the registered codec classes. Daemons
	// receive the set piggybacked on the next task frame.
	SetCodecTags(tags string)

	// Status reports connections and the daemon matrix.
	Status() Status

	// Events returns a consumer of membership changes.
	Events() *utils.BroadcastConsumer[DaemonEvent]

	// Close flushes pending tasks as canceled and shuts down all
	// sockets and daemons.
	Close()
}

// How long a freshly accepted daemon may take to ack the setup
// handshake before its connection is dropped.
const handshakeTimeout = 30 * time.Second

// One daemon slot: a listen URL, at most one connection, and the
// bookkeeping the dispatch rule needs. All fields are guarded by the
// dispatcher mutex.
type slot struct {
	index    int
	url      string
	listener transport.Listener
	conn     transport.Conn

	online   bool
	instance int
	assigned int64
	complete int64
	inflight *Task

	machineID    string
	pushedCodecs string

	// Bumped on URL regeneration to invalidate stale connections.
	gen int
}

// The intermediary scheduler. Maintains the FIFO task queue and the
// daemon roster, and enforces least-loaded-then-lowest-index dispatch
// with at most one task in flight per daemon.
type Dispatcher struct {
	mu sync.RWMutex

	material *tlsutil.Material
	slots    []*slot

	// FIFO queue of pending tasks, with an index by task id for
	// cancellation.
	queue *list.List
	byID  map[string]*list.Element

	// Slot currently executing a task, by task id.
	inflightByID map[string]*slot

	// Idle online slots, ordered by the dispatch rule.
	idle *utils.PriorityQueue[*slot]

	sticky    []byte
	codecTags string

	events *utils.Broadcast[DaemonEvent]

	// Channel used to trigger a dispatch pass.
	wakeChan chan bool

	closed  bool
	closeCh chan struct{}
}

// Orders idle slots least-loaded first, ties broken by lower index.
func slotPriorityFunc(a, b any) int {
	sa := a.(*slot)
	sb := b.(*slot)

	if sa.assigned < sb.assigned {
		return -1
	} else if sa.assigned > sb.assigned {
		return 1
	}

	if sa.index < sb.index {
		return -1
	} else if sa.index > sb.index {
		return 1
	}

	return 0
}

func slotEqualityFunc(a, b any) bool {
	return a.(*slot).index == b.(*slot).index
}

// NewDispatcher opens one listening socket per daemon URL. TLS URLs
// require material. The dispatcher does not accept connections until
// Run is called.
func NewDispatcher(urls []string, material *tlsutil.Material) (*Dispatcher, error) {
	d := &Dispatcher{
		material:     material,
		queue:        list.New(),
		byID:         map[string]*list.Element{},
		inflightByID: map[string]*slot{},
		idle:         utils.NewPriorityQueue[*slot](slotPriorityFunc, slotEqualityFunc),
		events:       utils.NewBroadcast[DaemonEvent](),
		wakeChan:     make(chan bool, 1),
		closeCh:      make(chan struct{}),
	}

	for i, url := range urls {
		listener, err := transport.Listen(url, material)
		if err != nil {
			for _, s := range d.slots {
				s.listener.Close()
			}
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}

		d.slots = append(d.slots, &slot{
			index:    i,
			url:      listener.URL(),
			listener: listener,
		})
	}

	return d, nil
}

// URLs returns the effective listen URL of every slot.
func (d *Dispatcher) URLs() []string {
	d.RLock()
	defer d.RUnlock()

	urls := make([]string, len(d.slots))
	for i, s := range d.slots {
		urls[i] = s.url
	}
	return urls
}

func (d *Dispatcher) Lock()    { d.mu.Lock() }
func (d *Dispatcher) Unlock()  { d.mu.Unlock() }
func (d *Dispatcher) RLock()   { d.mu.RLock() }
func (d *Dispatcher) RUnlock() { d.mu.RUnlock() }

// Run accepts daemon connections and dispatches queued tasks until
// the context is done or Close is called.
func (d *Dispatcher) Run(ctx context.Context) {
	for _, s := range d.slots {
		go d.acceptLoop(s)
	}

	// Periodic wakeup in case of no activity.
	tickerPeriod := time.Minute
	ticker := time.NewTicker(tickerPeriod)
	defer ticker.Stop()

	log.Debug("dispatcher starting")
	for {
		select {
		case <-ctx.Done():
			d.Close()
			return

		case <-d.closeCh:
			return

		case <-ticker.C:
			d.wake()

		case <-d.wakeChan:
			ticker.Reset(tickerPeriod)
			d.dispatchPending()
		}
	}
}

// Request a dispatch pass.
func (d *Dispatcher) wake() {
	select {
	case d.wakeChan <- true:
	default:
	}
}

// Submit queues a task at the back of the FIFO queue.
func (d *Dispatcher) Submit(task *Task) {
	d.Lock()

	if d.closed {
		d.Unlock()
		task.complete(&protocol.Result{Kind: protocol.ResultCanceled})
		return
	}

	elem := d.queue.PushBack(task)
	d.byID[task.ID] = elem
	d.Unlock()

	log.Tracef("new - task - id: %s", task.ID)
	d.wake()
}

// Cancel removes a queued task, or sends a cancel control frame for
// an in-flight one. The daemon interrupts evaluation cooperatively and
// still replies; that result is dropped by the already resolved handle.
func (d *Dispatcher) Cancel(taskID string) bool {
	d.Lock()

	if elem, ok := d.byID[taskID]; ok {
		d.queue.Remove(elem)
		delete(d.byID, taskID)
		d.Unlock()
		log.Tracef("int - task - id: %s, dequeued", taskID)
		return true
	}

	var conn transport.Conn
	if s, ok := d.inflightByID[taskID]; ok && s.conn != nil {
		conn = s.conn
	}
	d.Unlock()

	if conn != nil {
		frame := &protocol.Frame{Kind: protocol.FrameCancel, Payload: []byte(taskID)}
		if err := conn.Send(frame.Encode()); err != nil {
			log.Debug("cancel frame not delivered:", err)
		}
		log.Tracef("int - task - id: %s, in flight", taskID)
	}

	return false
}

// Everywhere stores the sticky setup payload and replays it on every
// connected daemon.
func (d *Dispatcher) Everywhere(payload []byte) {
	d.Lock()
	d.sticky = payload

	conns := make([]transport.Conn, 0, len(d.slots))
	for _, s := range d.slots {
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	d.Unlock()

	frame := &protocol.Frame{Kind: protocol.FrameSetup, Payload: payload}
	msg := frame.Encode()

	for _, conn := range conns {
		if err := conn.Send(msg); err != nil {
			log.Debug("setup frame not delivered:", err)
		}
	}
}

// SetCodecTags records the registered codec classes. The set is
// pushed to each daemon with its next task frame.
func (d *Dispatcher) SetCodecTags(tags string) {
	d.Lock()
	defer d.Unlock()
	d.codecTags = tags
}

// Saisei regenerates the listen URL of a slot. The instance counter
// goes negative until a fresh daemon connects on the new URL.
func (d *Dispatcher) Saisei(index int) (string, error) {
	d.RLock()
	if index < 0 || index >= len(d.slots) {
		d.RUnlock()
		return "", utils.ErrNotFound
	}
	s := d.slots[index]
	uri, err := transport.Parse(s.url)
	d.RUnlock()

	if err != nil {
		return "", err
	}

	listener, err := transport.Listen(uri.Regenerate().String(), d.material)
	if err != nil {
		return "", err
	}

	d.Lock()
	if d.closed {
		d.Unlock()
		listener.Close()
		return "", utils.ErrClosed
	}

	oldListener := s.listener
	oldConn := s.conn

	s.gen++
	s.listener = listener
	s.url = listener.URL()
	s.conn = nil
	s.online = false
	if s.instance > 0 {
		s.instance = -s.instance
	}
	d.idle.Remove(s)

	task := s.inflight
	s.inflight = nil
	if task != nil {
		delete(d.inflightByID, task.ID)
	}

	event := DaemonEvent{Index: s.index, URL: s.url, Online: false, Instance: s.instance}
	d.Unlock()

	oldListener.Close()
	if oldConn != nil {
		oldConn.Close()
	}

	if task != nil {
		task.complete(&protocol.Result{Kind: protocol.ResultTransportLost})
	}

	log.Infof("new - url - slot: %d, url: %s", index, listener.URL())
	d.events.Send(event)
	return listener.URL(), nil
}

// Status reports a consistent snapshot of every slot.
func (d *Dispatcher) Status() Status {
	d.RLock()
	defer d.RUnlock()

	status := Status{}
	for _, s := range d.slots {
		record := DaemonRecord{
			URL:       s.url,
			Index:     s.index,
			Instance:  s.instance,
			Assigned:  s.assigned,
			Complete:  s.complete,
			MachineID: s.machineID,
		}
		if s.online {
			record.Online = 1
			status.Connections++
		}
		if s.inflight != nil {
			record.InflightTaskID = s.inflight.ID
		}
		status.Daemons = append(status.Daemons, record)
		status.URLs = append(status.URLs, s.url)
	}
	return status
}

// Events returns a consumer of membership changes.
func (d *Dispatcher) Events() *utils.BroadcastConsumer[DaemonEvent] {
	return d.events.NewConsumer()
}

// Pending returns the number of queued tasks.
func (d *Dispatcher) Pending() int {
	d.RLock()
	defer d.RUnlock()
	return d.queue.Len()
}

// Close flushes the queue as canceled, asks every daemon to shut
// down and closes all sockets.
func (d *Dispatcher) Close() {
	d.Lock()
	if d.closed {
		d.Unlock()
		return
	}
	d.closed = true

	tasks := []*Task{}
	for elem := d.queue.Front(); elem != nil; elem = elem.Next() {
		tasks = append(tasks, elem.Value.(*Task))
	}
	d.queue.Init()
	d.byID = map[string]*list.Element{}

	conns := []transport.Conn{}
	listeners := []transport.Listener{}
	for _, s := range d.slots {
		if s.conn != nil {
			conns = append(conns, s.conn)
			s.conn = nil
		}
		listeners = append(listeners, s.listener)
		s.online = false
		if s.inflight != nil {
			tasks = append(tasks, s.inflight)
			s.inflight = nil
		}
	}
	d.inflightByID = map[string]*slot{}
	d.Unlock()

	shutdown := (&protocol.Frame{Kind: protocol.FrameShutdown}).Encode()
	for _, conn := range conns {
		conn.Send(shutdown)
		conn.Close()
	}
	for _, listener := range listeners {
		listener.Close()
	}

	for _, task := range tasks {
		task.complete(&protocol.Result{Kind: protocol.ResultCanceled})
	}

	close(d.closeCh)
	d.events.Close()
	log.Debug("dispatcher closed")
}

// Accept connections for one slot, one at a time. Survives URL
// regeneration by re-reading the slot's listener.
func (d *Dispatcher) acceptLoop(s *slot) {
	for {
		d.RLock()
		listener := s.listener
		gen := s.gen
		closed := d.closed
		d.RUnlock()

		if closed || listener == nil {
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			// Listener gone: regenerated or shut down.
			d.RLock()
			stale := s.gen != gen
			closed = d.closed
			d.RUnlock()

			if closed {
				return
			}
			if stale {
				continue
			}
			return
		}

		d.serveConn(s, gen, conn)
	}
}

// Handshake with a connected daemon and pump its frames until the
// connection is lost.
func (d *Dispatcher) serveConn(s *slot, gen int, conn transport.Conn) {
	defer conn.Close()

	d.RLock()
	sticky := d.sticky
	d.RUnlock()

	// One-time handshake: deliver the sticky setup payload, possibly
	// empty, and wait for the daemon's ack.
	setup := &protocol.Frame{Kind: protocol.FrameSetup, Payload: sticky}
	if err := conn.Send(setup.Encode()); err != nil {
		return
	}

	// A daemon that never acks would wedge the slot's accept loop.
	acks := make(chan []byte, 1)
	go func() {
		if msg, err := conn.Recv(); err == nil {
			acks <- msg
		} else {
			close(acks)
		}
	}()

	var msg []byte
	var ok bool
	select {
	case msg, ok = <-acks:
		if !ok {
			return
		}
	case <-time.After(handshakeTimeout):
		log.Debugf("slot %d: handshake timeout", s.index)
		return
	}

	ack, err := protocol.Decode(msg)
	if err != nil || ack.Kind != protocol.FrameSetup {
		log.Debugf("slot %d: bad handshake ack", s.index)
		return
	}
	machineID := string(ack.Extension(protocol.ExtDaemonID))

	d.Lock()
	if d.closed || s.gen != gen {
		d.Unlock()
		return
	}

	s.conn = conn
	s.online = true
	s.machineID = machineID
	s.pushedCodecs = ""
	if s.instance < 0 {
		s.instance = -s.instance + 1
	} else {
		s.instance++
	}
	d.idle.Push(s)

	event := DaemonEvent{Index: s.index, URL: s.url, Online: true, Instance: s.instance}
	d.Unlock()

	log.Infof("new - daemon - slot: %d, instance: %d, machine: %s", s.index, event.Instance, machineID)
	d.events.Send(event)
	d.wake()

	for {
		msg, err := conn.Recv()
		if err != nil {
			break
		}

		frame, err := protocol.Decode(msg)
		if err != nil {
			log.Debugf("slot %d: %v", s.index, err)
			continue
		}

		switch frame.Kind {
		case protocol.FrameResultOk, protocol.FrameResultErr, protocol.FrameResultInterrupt:
			d.onResult(s, frame)

		case protocol.FrameSetup:
			// Ack of a replayed sticky setup.

		default:
			log.Debugf("slot %d: unexpected %v frame", s.index, frame.Kind)
		}
	}

	d.onDisconnect(s, gen, conn)
}

// A result arrived for the slot's in-flight task.
func (d *Dispatcher) onResult(s *slot, frame *protocol.Frame) {
	result, err := protocol.FrameResult(frame)
	if err != nil {
		log.Debug(err)
		return
	}

	d.Lock()
	task := s.inflight
	s.inflight = nil
	if task != nil {
		delete(d.inflightByID, task.ID)
		s.complete++
		if s.online && s.conn != nil {
			d.idle.Push(s)
		}
	}
	d.Unlock()

	if task == nil {
		log.Debugf("slot %d: result with no task in flight", s.index)
		return
	}

	log.Tracef("end - task - id: %s, slot: %d, result: %v", task.ID, s.index, result.Kind)
	task.complete(result)
	d.wake()
}

// The slot's connection was lost. An in-flight task surfaces the
// loss; it is not requeued.
func (d *Dispatcher) onDisconnect(s *slot, gen int, conn transport.Conn) {
	d.Lock()
	if s.conn != conn || s.gen != gen {
		d.Unlock()
		return
	}

	s.conn = nil
	s.online = false
	d.idle.Remove(s)

	task := s.inflight
	s.inflight = nil
	if task != nil {
		delete(d.inflightByID, task.ID)
	}

	event := DaemonEvent{Index: s.index, URL: s.url, Online: false, Instance: s.instance}
	d.Unlock()

	log.Infof("del - daemon - slot: %d", s.index)

	if task != nil {
		task.complete(&protocol.Result{Kind: protocol.ResultTransportLost})
	}

	d.events.Send(event)
}

// Assign queued tasks to idle daemons, least-loaded first, ties
// broken by lower index. Assignment order follows submission order.
func (d *Dispatcher) dispatchPending() {
	for {
		d.Lock()
		if d.closed || d.queue.Len() == 0 || d.idle.Len() == 0 {
			d.Unlock()
			return
		}

		d.idle.Reorder()
		s := d.idle.Pop()
		if s.conn == nil || !s.online {
			d.Unlock()
			continue
		}

		elem := d.queue.Front()
		task := elem.Value.(*Task)
		d.queue.Remove(elem)
		delete(d.byID, task.ID)

		if task.Canceled() {
			d.idle.Push(s)
			d.Unlock()
			continue
		}

		s.inflight = task
		s.assigned++
		d.inflightByID[task.ID] = s

		frame := task.Frame
		if s.pushedCodecs != d.codecTags && d.codecTags != "" {
			frame = withCodecTags(frame, d.codecTags)
			s.pushedCodecs = d.codecTags
		}
		conn := s.conn
		d.Unlock()

		log.Tracef("run - task - id: %s, slot: %d", task.ID, s.index)

		if err := conn.Send(frame.Encode()); err != nil {
			log.Debugf("slot %d: task not delivered: %v", s.index, err)

			d.Lock()
			if s.inflight == task {
				s.inflight = nil
			}
			delete(d.inflightByID, task.ID)
			d.Unlock()

			task.complete(&protocol.Result{Kind: protocol.ResultTransportLost})
		}
	}
}

// withCodecTags returns a copy of the frame with the codec class set
// appended to its extension table.
func withCodecTags(frame *protocol.Frame, tags string) *protocol.Frame {
	clone := *frame
	clone.Extensions = append(append([]protocol.Extension{}, frame.Extensions...),
		protocol.Extension{Tag: codec.TagsExtension, Blob: []byte(tags)})
	return &clone
}
