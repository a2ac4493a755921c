package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gaborcsardi/mirai/pkg/utils"
)

// Maximum accepted message size.
const maxMessageSize = 1 << 30

// A message-oriented socket connection. Send and Recv operate on whole
// messages. Poll reports whether a message is ready without consuming
// it. The contract is deliver-or-lose-with-signal: when the peer is
// gone, Recv and Send fail and Done is closed.
type Conn interface {
	Send(msg []byte) error
	Recv() ([]byte, error)
	Poll() bool
	Close() error
	Done() <-chan struct{}
	RemoteAddr() string
}

// The raw message carrier under a Conn. Implemented for byte streams
// (length-prefix framing) and for websockets (native messages).
type messageReadWriter interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
	RemoteAddr() string
}

type conn struct {
	rw messageReadWriter

	sendMu sync.Mutex

	recvMu sync.Mutex
	peeked []byte
	inbox  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(rw messageReadWriter) *conn {
	c := &conn{
		rw:    rw,
		inbox: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	defer close(c.inbox)
	defer c.Close()

	for {
		msg, err := c.rw.ReadMessage()
		if err != nil {
			return
		}

		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return utils.ErrClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.rw.WriteMessage(msg)
}

func (c *conn) Recv() ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.peeked != nil {
		msg := c.peeked
		c.peeked = nil
		return msg, nil
	}

	msg, ok := <-c.inbox
	if !ok {
		return nil, utils.ErrClosed
	}
	return msg, nil
}

func (c *conn) Poll() bool {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.peeked != nil {
		return true
	}

	select {
	case msg, ok := <-c.inbox:
		if !ok {
			return false
		}
		c.peeked = msg
		return true
	default:
		return false
	}
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.rw.Close()
	})
	return err
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) RemoteAddr() string {
	return c.rw.RemoteAddr()
}

// Length-prefix framing over a byte stream. Messages are prefixed
// with their size as a big-endian uint32.
type streamReadWriter struct {
	nc net.Conn
}

func (s *streamReadWriter) ReadMessage() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(s.nc, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes", utils.ErrParse, size)
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(s.nc, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *streamReadWriter) WriteMessage(msg []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(msg)))

	if _, err := s.nc.Write(header[:]); err != nil {
		return err
	}
	_, err := s.nc.Write(msg)
	return err
}

func (s *streamReadWriter) Close() error {
	return s.nc.Close()
}

func (s *streamReadWriter) RemoteAddr() string {
	return s.nc.RemoteAddr().String()
}

// NewStreamConn wraps a byte-stream connection in message framing.
func NewStreamConn(nc net.Conn) Conn {
	return newConn(&streamReadWriter{nc: nc})
}
