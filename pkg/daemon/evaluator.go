package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gaborcsardi/mirai/pkg/protocol"
)

// Evaluates task payloads. The payload format is owned by the
// application; the daemon treats it as opaque bytes plus the
// extension table. Setup receives the sticky payload on connect and
// whenever the host replays it; state it establishes persists across
// tasks. Evaluate runs one task at a time and should honor context
// cancellation for cooperative interrupts.
type Evaluator interface {
	Setup(ctx context.Context, payload []byte) error
	Evaluate(ctx context.Context, payload []byte, extensions []protocol.Extension) ([]byte, []protocol.Extension, error)
}

// A diagnostic evaluator used by the bundled daemon binary and the
// tests. It echoes the payload and extension table back, with a few
// directives for exercising failure paths:
//
//	sleep:<duration>  sleep, then echo the payload
//	error:<message>   fail evaluation
//	panic:<message>   panic during evaluation
type EchoEvaluator struct {
	// The last sticky setup payload received.
	Sticky []byte
}

func (e *EchoEvaluator) Setup(ctx context.Context, payload []byte) error {
	e.Sticky = payload
	return nil
}

func (e *EchoEvaluator) Evaluate(ctx context.Context, payload []byte, extensions []protocol.Extension) ([]byte, []protocol.Extension, error) {
	directive := string(payload)

	switch {
	case strings.HasPrefix(directive, "sleep:"):
		duration, err := time.ParseDuration(directive[len("sleep:"):])
		if err != nil {
			return nil, nil, err
		}

		select {
		case <-time.After(duration):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

	case strings.HasPrefix(directive, "error:"):
		return nil, nil, fmt.Errorf("%s", directive[len("error:"):])

	case strings.HasPrefix(directive, "panic:"):
		panic(directive[len("panic:"):])
	}

	return payload, extensions, nil
}
