// Package protocol implements the binary frame protocol used by the TCP transport.
//
// TCP is a byte stream, so every envelope is preceded by a fixed 10-byte header
// carrying its body length. The receiver reads the header first, then exactly
// that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│kd│ bodyLen │    body ...    │
//	│ mlk  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// ct is the codec of the body, kd the envelope kind (or heartbeat).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "mlk" (msglink).
// Used to reject non-protocol connections early (e.g. an HTTP client on the TCP port).
const (
	MagicNumber byte   = 0x6d // 'm'
	MagicByte2  byte   = 0x6c // 'l'
	MagicByte3  byte   = 0x6b // 'k'
	Version     byte   = 0x01
	HeaderSize  int    = 10       // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)
	MaxBodyLen  uint32 = 16 << 20 // 16 MiB
)

// MsgType mirrors message.Kind on the wire and adds the heartbeat frame.
type MsgType byte

const (
	MsgTypeEvent     MsgType = 1
	MsgTypeStream    MsgType = 2
	MsgTypeRequest   MsgType = 3
	MsgTypeResponse  MsgType = 4
	MsgTypeHeartbeat MsgType = 5 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from codec package to avoid an import cycle
// with the transport layer.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
	CodecTypeCBOR   byte = 2
)

// ErrInvalidFrame is wrapped by every header validation failure.
var ErrInvalidFrame = errors.New("invalid frame")

// Header represents the fixed 10-byte frame header.
type Header struct {
	CodecType byte    // Serialization format of the body
	MsgType   MsgType // Envelope kind or heartbeat
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w in a single Write.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different senders would interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return fmt.Errorf("%w: body of %d bytes exceeds %d", ErrInvalidFrame, len(body), MaxBodyLen)
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body size.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: magic number %x", ErrInvalidFrame, headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFrame, headerBuf[3])
	}

	codecType := headerBuf[4]
	if codecType != CodecTypeJSON && codecType != CodecTypeBinary && codecType != CodecTypeCBOR {
		return nil, nil, fmt.Errorf("%w: unsupported codec type %d", ErrInvalidFrame, codecType)
	}

	msgType := MsgType(headerBuf[5])
	if msgType < MsgTypeEvent || msgType > MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("%w: unsupported message type %d", ErrInvalidFrame, msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrInvalidFrame, bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	return &Header{
		CodecType: codecType,
		MsgType:   msgType,
		BodyLen:   bodyLen,
	}, body, nil
}
