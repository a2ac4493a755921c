package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/gaborcsardi/mirai/pkg/codec"
	"github.com/gaborcsardi/mirai/pkg/log"
	"github.com/gaborcsardi/mirai/pkg/protocol"
	"github.com/gaborcsardi/mirai/pkg/transport"
	"github.com/google/uuid"
)

// Extension tags carrying the task identifier and the daemon
// identity, shared with the host side.
const (
	TaskIDExtension = protocol.ExtTaskID
	IDExtension     = protocol.ExtDaemonID
)

// Returned by Run when the connection to the host is lost and the
// daemon is configured to exit.
var ErrTransportLost = errors.New("Connection to host lost")

type Config struct {
	// URL of the host socket to dial.
	URL string

	// PEM certificate for tls+ and wss URLs.
	CertPEM []byte

	// Exit on transport loss. When false the daemon waits
	// indefinitely for reconnection.
	Autoexit bool

	// Exit after this long without receiving a task. Zero disables.
	IdleTimeout time.Duration

	// Exit after completing this many tasks. Zero disables.
	MaxTasks int

	// Seed for the daemon's random source. Zero picks a random seed.
	Seed int64
}

// A long-lived worker process. Dials the host, performs the sticky
// setup handshake and then evaluates one task at a time until shut
// down.
type Daemon struct {
	config *Config
	eval   Evaluator
	id     string
	rng    *rand.Rand

	completed int
}

func New(config *Config, eval Evaluator) *Daemon {
	id, err := machineid.ProtectedID("mirai")
	if err != nil {
		uid, _ := uuid.NewRandom()
		id = uid.String()
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Daemon{
		config: config,
		eval:   eval,
		id:     id[:16],
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// ID returns the stable daemon identity reported to the host.
func (d *Daemon) ID() string {
	return d.id
}

// Rand returns the daemon's seeded random source, for evaluators that
// need reproducible randomness across the cluster.
func (d *Daemon) Rand() *rand.Rand {
	return d.rng
}

// Run dials the host and serves tasks until a shutdown frame, the
// context ending, or transport loss with autoexit enabled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Info("Starting, dialing", d.config.URL)

	for {
		conn, err := transport.DialRetry(ctx, d.config.URL, d.config.CertPEM)
		if err != nil {
			return err
		}

		err = d.session(ctx, conn)
		conn.Close()

		switch {
		case ctx.Err() != nil:
			return nil

		case err == nil:
			log.Info("Terminating")
			return nil

		case d.config.Autoexit:
			log.Info("Connection lost, exiting")
			return ErrTransportLost

		default:
			log.Info("Connection lost, reconnecting")
		}
	}
}

// One connection to the host: handshake then the task loop. A nil
// return means clean shutdown, ErrTransportLost means the peer went
// away.
func (d *Daemon) session(ctx context.Context, conn transport.Conn) error {
	// One-time handshake: receive the sticky setup payload, apply
	// it, ack with the daemon identity.
	msg, err := conn.Recv()
	if err != nil {
		return ErrTransportLost
	}

	frame, err := protocol.Decode(msg)
	if err != nil || frame.Kind != protocol.FrameSetup {
		return fmt.Errorf("unexpected handshake frame")
	}

	if err := d.applySetup(ctx, conn, frame.Payload); err != nil {
		return err
	}

	log.Debug("Connected to host")

	frames := make(chan *protocol.Frame)
	go func() {
		defer close(frames)
		for {
			msg, err := conn.Recv()
			if err != nil {
				return
			}

			frame, err := protocol.Decode(msg)
			if err != nil {
				log.Debug(err)
				continue
			}

			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			}
		}
	}()

	var currentID string
	var currentCancel context.CancelFunc
	var currentDone chan *protocol.Result

	var idleTimer *time.Timer
	var idleCh <-chan time.Time
	if d.config.IdleTimeout > 0 {
		idleTimer = time.NewTimer(d.config.IdleTimeout)
		defer idleTimer.Stop()
		idleCh = idleTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			if currentCancel != nil {
				currentCancel()
			}
			return nil

		case <-idleCh:
			if currentID == "" {
				log.Info("Idle timeout reached")
				return nil
			}
			idleTimer.Reset(d.config.IdleTimeout)

		case frame, ok := <-frames:
			if !ok {
				if currentCancel != nil {
					currentCancel()
				}
				return ErrTransportLost
			}

			switch frame.Kind {
			case protocol.FrameTask:
				if currentID != "" {
					log.Warn("Task received while busy, dropped")
					continue
				}

				currentID = string(frame.Extension(TaskIDExtension))
				if tags := frame.Extension(codec.TagsExtension); tags != nil {
					log.Debug("Codec classes in use:", string(tags))
				}

				var evalCtx context.Context
				evalCtx, currentCancel = context.WithCancel(ctx)
				currentDone = make(chan *protocol.Result, 1)

				go func(frame *protocol.Frame, done chan *protocol.Result) {
					done <- d.evaluate(evalCtx, frame)
				}(frame, currentDone)

				log.Debugf("run - task - id: %s", currentID)

			case protocol.FrameSetup:
				if err := d.applySetup(ctx, conn, frame.Payload); err != nil {
					return err
				}

			case protocol.FrameCancel:
				if currentID != "" && string(frame.Payload) == currentID {
					log.Debugf("int - task - id: %s", currentID)
					currentCancel()
				}

			case protocol.FrameShutdown:
				if currentCancel != nil {
					currentCancel()
				}
				return nil

			default:
				log.Debugf("Unexpected %v frame", frame.Kind)
			}

		case result := <-currentDone:
			reply, err := protocol.ResultFrame(result)
			if err != nil {
				log.Debug(err)
				reply, _ = protocol.ResultFrame(protocol.EvalErrorResult(err.Error(), nil))
			}

			log.Debugf("end - task - id: %s, result: %v", currentID, result.Kind)

			currentID = ""
			currentCancel()
			currentCancel = nil
			currentDone = nil

			if err := conn.Send(reply.Encode()); err != nil {
				return ErrTransportLost
			}

			d.completed++
			if d.config.MaxTasks > 0 && d.completed >= d.config.MaxTasks {
				log.Infof("Completed %d tasks, exiting", d.completed)
				return nil
			}

			if idleTimer != nil {
				idleTimer.Reset(d.config.IdleTimeout)
			}
		}
	}
}

// Apply a sticky setup payload and ack it.
func (d *Daemon) applySetup(ctx context.Context, conn transport.Conn, payload []byte) error {
	if err := d.eval.Setup(ctx, payload); err != nil {
		log.Error("Setup failed:", err)
	}

	ack := &protocol.Frame{
		Kind: protocol.FrameSetup,
		Extensions: []protocol.Extension{
			{Tag: IDExtension, Blob: []byte(d.id)},
		},
	}
	if err := conn.Send(ack.Encode()); err != nil {
		return ErrTransportLost
	}
	return nil
}

// Evaluate one task. Panics and errors become evaluation error
// results with captured stack frames; context cancellation becomes
// an interrupt result.
func (d *Daemon) evaluate(ctx context.Context, frame *protocol.Frame) (result *protocol.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = protocol.EvalErrorResult(fmt.Sprint(r), captureStack())
		}
	}()

	// Strip carrier extensions; the evaluator sees only user data.
	var extensions []protocol.Extension
	for _, ext := range frame.Extensions {
		if ext.Tag == TaskIDExtension || ext.Tag == codec.TagsExtension {
			continue
		}
		extensions = append(extensions, ext)
	}

	payload, replyExts, err := d.eval.Evaluate(ctx, frame.Payload, extensions)

	if ctx.Err() != nil {
		return &protocol.Result{Kind: protocol.ResultInterrupt}
	}

	if err != nil {
		return protocol.EvalErrorResult(err.Error(), errorStack(err))
	}

	return protocol.OkResult(payload, replyExts)
}

// captureStack returns the current goroutine's stack as a list of
// string frames.
func captureStack() []string {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, false)

	var frames []string
	for _, line := range strings.Split(string(buf[:n]), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			frames = append(frames, line)
		}
	}
	return frames
}

// errorStack renders an error's unwrap chain as stack frames.
func errorStack(err error) []string {
	var frames []string
	for err != nil {
		frames = append(frames, err.Error())
		err = errors.Unwrap(err)
	}
	return frames
}
