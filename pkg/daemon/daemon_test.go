package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/gaborcsardi/mirai/pkg/protocol"
	"github.com/gaborcsardi/mirai/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A minimal host side: listen, accept one daemon, run the handshake.
type testHost struct {
	listener transport.Listener
	conn     transport.Conn
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()

	listener, err := transport.Listen("tcp://127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	return &testHost{listener: listener}
}

func (h *testHost) acceptAndHandshake(t *testing.T, sticky string) {
	t.Helper()

	conn, err := h.listener.Accept()
	require.NoError(t, err)
	h.conn = conn

	setup := &protocol.Frame{Kind: protocol.FrameSetup, Payload: []byte(sticky)}
	require.NoError(t, conn.Send(setup.Encode()))

	ack := h.recv(t)
	require.Equal(t, protocol.FrameSetup, ack.Kind)
	require.NotEmpty(t, ack.Extension(IDExtension))
}

func (h *testHost) send(t *testing.T, frame *protocol.Frame) {
	t.Helper()
	require.NoError(t, h.conn.Send(frame.Encode()))
}

func (h *testHost) recv(t *testing.T) *protocol.Frame {
	t.Helper()

	msg, err := h.conn.Recv()
	require.NoError(t, err)

	frame, err := protocol.Decode(msg)
	require.NoError(t, err)
	return frame
}

func startDaemon(t *testing.T, config *Config) (*EchoEvaluator, chan error) {
	t.Helper()

	eval := &EchoEvaluator{}
	d := New(config, eval)

	errs := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		errs <- d.Run(ctx)
	}()
	return eval, errs
}

func taskFrame(id, payload string) *protocol.Frame {
	return &protocol.Frame{
		Kind:    protocol.FrameTask,
		Payload: []byte(payload),
		Extensions: []protocol.Extension{
			{Tag: TaskIDExtension, Blob: []byte(id)},
		},
	}
}

func TestHandshakeAppliesSticky(t *testing.T) {
	host := newTestHost(t)
	eval, _ := startDaemon(t, &Config{URL: host.listener.URL(), Autoexit: true})

	host.acceptAndHandshake(t, "options(digits = 3)")
	assert.Equal(t, "options(digits = 3)", string(eval.Sticky))
}

func TestEvaluateAndReply(t *testing.T) {
	host := newTestHost(t)
	startDaemon(t, &Config{URL: host.listener.URL(), Autoexit: true})
	host.acceptAndHandshake(t, "")

	host.send(t, taskFrame("t1", "hello"))

	reply := host.recv(t)
	assert.Equal(t, protocol.FrameResultOk, reply.Kind)
	assert.Equal(t, []byte("hello"), reply.Payload)

	// Carrier extensions are stripped before evaluation
	assert.Nil(t, reply.Extension(TaskIDExtension))
}

func TestEvaluationErrorCarriesStack(t *testing.T) {
	host := newTestHost(t)
	startDaemon(t, &Config{URL: host.listener.URL(), Autoexit: true})
	host.acceptAndHandshake(t, "")

	host.send(t, taskFrame("t1", "panic:lost object"))

	reply := host.recv(t)
	require.Equal(t, protocol.FrameResultErr, reply.Kind)

	result, err := protocol.FrameResult(reply)
	require.NoError(t, err)
	assert.Equal(t, "lost object", result.Message)
	assert.NotEmpty(t, result.Stack)
}

func TestCancelMatchingTaskInterrupts(t *testing.T) {
	host := newTestHost(t)
	startDaemon(t, &Config{URL: host.listener.URL(), Autoexit: true})
	host.acceptAndHandshake(t, "")

	host.send(t, taskFrame("t1", "sleep:10s"))

	// A cancel for a different task is ignored
	host.send(t, &protocol.Frame{Kind: protocol.FrameCancel, Payload: []byte("other")})
	// The matching cancel interrupts evaluation
	host.send(t, &protocol.Frame{Kind: protocol.FrameCancel, Payload: []byte("t1")})

	reply := host.recv(t)
	assert.Equal(t, protocol.FrameResultInterrupt, reply.Kind)
}

func TestSetupFrameReappliesSticky(t *testing.T) {
	host := newTestHost(t)
	eval, _ := startDaemon(t, &Config{URL: host.listener.URL(), Autoexit: true})
	host.acceptAndHandshake(t, "first")

	host.send(t, &protocol.Frame{Kind: protocol.FrameSetup, Payload: []byte("second")})

	ack := host.recv(t)
	assert.Equal(t, protocol.FrameSetup, ack.Kind)
	assert.Equal(t, "second", string(eval.Sticky))
}

func TestShutdownExitsCleanly(t *testing.T) {
	host := newTestHost(t)
	_, errs := startDaemon(t, &Config{URL: host.listener.URL(), Autoexit: true})
	host.acceptAndHandshake(t, "")

	host.send(t, &protocol.Frame{Kind: protocol.FrameShutdown})

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit")
	}
}

func TestAutoexitOnTransportLoss(t *testing.T) {
	host := newTestHost(t)
	_, errs := startDaemon(t, &Config{URL: host.listener.URL(), Autoexit: true})
	host.acceptAndHandshake(t, "")

	host.conn.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrTransportLost)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit")
	}
}

func TestReconnectWithoutAutoexit(t *testing.T) {
	host := newTestHost(t)
	_, errs := startDaemon(t, &Config{URL: host.listener.URL(), Autoexit: false})
	host.acceptAndHandshake(t, "")

	host.conn.Close()

	// The daemon redials instead of exiting
	host.acceptAndHandshake(t, "")

	host.send(t, taskFrame("t1", "back"))
	reply := host.recv(t)
	assert.Equal(t, protocol.FrameResultOk, reply.Kind)

	select {
	case <-errs:
		t.Fatal("daemon exited")
	default:
	}
}

func TestMaxTasks(t *testing.T) {
	host := newTestHost(t)
	_, errs := startDaemon(t, &Config{URL: host.listener.URL(), Autoexit: true, MaxTasks: 2})
	host.acceptAndHandshake(t, "")

	host.send(t, taskFrame("t1", "one"))
	host.recv(t)
	host.send(t, taskFrame("t2", "two"))
	host.recv(t)

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit after max tasks")
	}
}

func TestIdleTimeout(t *testing.T) {
	host := newTestHost(t)
	_, errs := startDaemon(t, &Config{
		URL:         host.listener.URL(),
		Autoexit:    true,
		IdleTimeout: 100 * time.Millisecond,
	})
	host.acceptAndHandshake(t, "")

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit after idle timeout")
	}
}

func TestSeededRandomness(t *testing.T) {
	a := New(&Config{URL: "tcp://127.0.0.1:1", Seed: 42}, &EchoEvaluator{})
	b := New(&Config{URL: "tcp://127.0.0.1:1", Seed: 42}, &EchoEvaluator{})

	for i := 0; i < 16; i++ {
		assert.Equal(t, a.Rand().Int63(), b.Rand().Int63())
	}
}
