package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Frame kinds carried in the envelope.
type FrameKind uint8

const (
	FrameTask            FrameKind = 0
	FrameSetup           FrameKind = 1
	FrameCancel          FrameKind = 2
	FrameResultOk        FrameKind = 3
	FrameResultErr       FrameKind = 4
	FrameResultInterrupt FrameKind = 5
	FrameShutdown        FrameKind = 6
)

func (k FrameKind) String() string {
	switch k {
	case FrameTask:
		return "task"
	case FrameSetup:
		return "setup"
	case FrameCancel:
		return "cancel"
	case FrameResultOk:
		return "result_ok"
	case FrameResultErr:
		return "result_err"
	case FrameResultInterrupt:
		return "result_interrupt"
	case FrameShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Envelope magic, first four bytes of every frame.
var Magic = [4]byte{'M', 'R', 'A', 'I'}

// Payloads at or above this size are compressed on the wire.
const CompressThreshold = 4096

// Flag bits stored in the first reserved byte.
const flagZstd = 0x01

// Maximum accepted sizes when decoding. Anything larger is rejected
// as a corrupt frame rather than allocated.
const (
	maxPayloadLen = 1 << 34
	maxExtCount   = 1 << 20
)

// Carrier extension tags used by the dispatch machinery. Task frames
// carry their identifier out-of-band so cancel frames can name it;
// handshake acks carry the daemon identity.
const (
	ExtTaskID   = "task.id"
	ExtDaemonID = "daemon.id"
)

// An out-of-band extension entry, carrying codec side-channel data
// alongside the opaque payload.
type Extension struct {
	Tag  string
	Blob []byte
}

// The wire envelope exchanged between host, dispatcher and daemons.
//
//	[magic:4][frame_kind:1][reserved:3][payload_len:8][payload:N]
//	[ext_count:4]{[tag_len:2][tag:L][blob_len:8][blob:B]}*
//
// All integers are big-endian.
type Frame struct {
	Kind       FrameKind
	Payload    []byte
	Extensions []Extension
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Encode serializes the frame into envelope bytes.
func (f *Frame) Encode() []byte {
	payload := f.Payload
	var flags byte

	if len(payload) >= CompressThreshold {
		payload = zstdEncoder.EncodeAll(payload, nil)
		flags |= flagZstd
	}

	size := 4 + 1 + 3 + 8 + len(payload) + 4
	for _, ext := range f.Extensions {
		size += 2 + len(ext.Tag) + 8 + len(ext.Blob)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, Magic[:]...)
	buf = append(buf, byte(f.Kind), flags, 0, 0)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Extensions)))

	for _, ext := range f.Extensions {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(ext.Tag)))
		buf = append(buf, ext.Tag...)
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(ext.Blob)))
		buf = append(buf, ext.Blob...)
	}

	return buf
}

// Decode parses envelope bytes into a frame.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < 4+1+3+8 {
		return nil, fmt.Errorf("%w: frame too short", ErrFrame)
	}

	if [4]byte(buf[:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrFrame)
	}

	kind := FrameKind(buf[4])
	if kind > FrameShutdown {
		return nil, fmt.Errorf("%w: unknown frame kind %d", ErrFrame, kind)
	}
	flags := buf[5]
	buf = buf[8:]

	payloadLen := binary.BigEndian.Uint64(buf)
	if payloadLen > maxPayloadLen || uint64(len(buf)-8) < payloadLen {
		return nil, fmt.Errorf("%w: truncated payload", ErrFrame)
	}
	buf = buf[8:]

	payload := buf[:payloadLen]
	buf = buf[payloadLen:]

	if flags&flagZstd != 0 {
		var err error
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFrame, err)
		}
	} else {
		// Detach from the input buffer.
		payload = append([]byte(nil), payload...)
	}

	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: truncated extension count", ErrFrame)
	}
	extCount := binary.BigEndian.Uint32(buf)
	if extCount > maxExtCount {
		return nil, fmt.Errorf("%w: too many extensions", ErrFrame)
	}
	buf = buf[4:]

	var extensions []Extension
	for i := uint32(0); i < extCount; i++ {
		if len(buf) < 2 {
			return nil, fmt.Errorf("%w: truncated extension tag", ErrFrame)
		}
		tagLen := binary.BigEndian.Uint16(buf)
		buf = buf[2:]

		if len(buf) < int(tagLen)+8 {
			return nil, fmt.Errorf("%w: truncated extension tag", ErrFrame)
		}
		tag := string(buf[:tagLen])
		buf = buf[tagLen:]

		blobLen := binary.BigEndian.Uint64(buf)
		if blobLen > maxPayloadLen || uint64(len(buf)-8) < blobLen {
			return nil, fmt.Errorf("%w: truncated extension blob", ErrFrame)
		}
		buf = buf[8:]

		blob := append([]byte(nil), buf[:blobLen]...)
		buf = buf[blobLen:]

		extensions = append(extensions, Extension{Tag: tag, Blob: blob})
	}

	return &Frame{
		Kind:       kind,
		Payload:    payload,
		Extensions: extensions,
	}, nil
}

// Extension returns the first extension with the given tag, or nil.
func (f *Frame) Extension(tag string) []byte {
	for _, ext := range f.Extensions {
		if ext.Tag == tag {
			return ext.Blob
		}
	}
	return nil
}
