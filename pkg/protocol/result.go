package protocol

import (
	"fmt"
	"strings"
)

var ErrFrame = fmt.Errorf("Malformed frame")

// The outcome of a task, delivered to the caller through its handle.
type ResultKind int

const (
	ResultOk ResultKind = iota
	ResultEvalError
	ResultInterrupt
	ResultTimeout
	ResultCanceled
	ResultTransportLost
)

func (k ResultKind) String() string {
	switch k {
	case ResultOk:
		return "ok"
	case ResultEvalError:
		return "error"
	case ResultInterrupt:
		return "interrupt"
	case ResultTimeout:
		return "timeout"
	case ResultCanceled:
		return "canceled"
	case ResultTransportLost:
		return "transport lost"
	default:
		return "unknown"
	}
}

// Numeric sentinel values surfaced to callers that need
// transport-level error codes.
const (
	ErrorValueTimeout   = 5
	ErrorValueConnReset = 7
	ErrorValueAborted   = 19
	ErrorValueCanceled  = 20
)

// The result of a task. Ok results carry the reply payload and its
// extension table. Evaluation errors carry the message and the stack
// frames captured on the daemon. Interrupt results, reported by the
// daemon, carry neither; the remaining kinds are host-side conditions
// and likewise carry neither.
type Result struct {
	Kind       ResultKind
	Payload    []byte
	Extensions []Extension
	Message    string
	Stack      []string
}

// Extension tag used to carry stack frames in result_err frames.
const stackTag = "trace"

// IsEvalError reports whether the result is a remote evaluation error.
func (r *Result) IsEvalError() bool {
	return r.Kind == ResultEvalError
}

// IsInterrupt reports whether evaluation was interrupted on the daemon.
func (r *Result) IsInterrupt() bool {
	return r.Kind == ResultInterrupt
}

// IsErrorValue reports whether the result is anything other than Ok.
// This is the union predicate over all failure kinds.
func (r *Result) IsErrorValue() bool {
	return r.Kind != ResultOk
}

// ErrorValue returns the numeric sentinel for the result, or 0 when
// the result has no transport-level code.
func (r *Result) ErrorValue() int {
	switch r.Kind {
	case ResultTimeout:
		return ErrorValueTimeout
	case ResultTransportLost:
		return ErrorValueConnReset
	case ResultInterrupt:
		return ErrorValueAborted
	case ResultCanceled:
		return ErrorValueCanceled
	default:
		return 0
	}
}

func (r *Result) String() string {
	switch r.Kind {
	case ResultOk:
		return fmt.Sprintf("ok (%d bytes)", len(r.Payload))
	case ResultEvalError:
		return fmt.Sprintf("error: %s", r.Message)
	default:
		return r.Kind.String()
	}
}

// OkResult builds an Ok result.
func OkResult(payload []byte, extensions []Extension) *Result {
	return &Result{
		Kind:       ResultOk,
		Payload:    payload,
		Extensions: extensions,
	}
}

// EvalErrorResult builds an evaluation error result.
func EvalErrorResult(message string, stack []string) *Result {
	return &Result{
		Kind:    ResultEvalError,
		Message: message,
		Stack:   stack,
	}
}

// ResultFrame encodes a result into its wire frame. Only the kinds a
// daemon produces can be encoded; host-side kinds never travel.
func ResultFrame(r *Result) (*Frame, error) {
	switch r.Kind {
	case ResultOk:
		return &Frame{
			Kind:       FrameResultOk,
			Payload:    r.Payload,
			Extensions: r.Extensions,
		}, nil

	case ResultEvalError:
		extensions := make([]Extension, 0, len(r.Stack))
		for _, frame := range r.Stack {
			extensions = append(extensions, Extension{Tag: stackTag, Blob: []byte(frame)})
		}
		return &Frame{
			Kind:       FrameResultErr,
			Payload:    []byte(r.Message),
			Extensions: extensions,
		}, nil

	case ResultInterrupt:
		return &Frame{Kind: FrameResultInterrupt}, nil

	default:
		return nil, fmt.Errorf("result kind %v cannot travel", r.Kind)
	}
}

// FrameResult decodes a result frame back into a result.
func FrameResult(f *Frame) (*Result, error) {
	switch f.Kind {
	case FrameResultOk:
		return OkResult(f.Payload, f.Extensions), nil

	case FrameResultErr:
		var stack []string
		for _, ext := range f.Extensions {
			if ext.Tag == stackTag {
				stack = append(stack, string(ext.Blob))
			}
		}
		return EvalErrorResult(string(f.Payload), stack), nil

	case FrameResultInterrupt:
		return &Result{Kind: ResultInterrupt}, nil

	default:
		return nil, fmt.Errorf("frame kind %v is not a result", f.Kind)
	}
}

// FormatStack renders captured stack frames for display.
func FormatStack(stack []string) string {
	return strings.Join(stack, "\n")
}
