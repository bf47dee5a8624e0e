package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"msglink/codec"
	"msglink/message"
	"msglink/protocol"
)

// FrameConn carries envelopes over a net.Conn using protocol frames.
//
// Reads are sequential: TCP is a byte stream, so only one goroutine may parse
// frame boundaries. Writes from many goroutines are serialized by the sending
// mutex so a frame is never interleaved with another one.
type FrameConn struct {
	conn       net.Conn
	opts       *options
	structured codec.Codec
	sending    sync.Mutex
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
	writeErr   atomic.Pointer[error] // set before the close a failed write causes
}

var _ Conn = (*FrameConn)(nil)

// NewFrameConn wraps an accepted or dialed net.Conn.
func NewFrameConn(conn net.Conn, opts ...Option) *FrameConn {
	o := buildOptions(opts)
	return &FrameConn{
		conn:       conn,
		opts:       o,
		structured: codec.GetCodec(o.codec),
	}
}

// DialTCP connects to a framed TCP endpoint.
func DialTCP(ctx context.Context, addr string, opts ...Option) (*FrameConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set no delay: %w", err)
		}
	}
	return NewFrameConn(conn, opts...), nil
}

// Receive reads frames until one carries an envelope. Heartbeat frames are
// consumed here and never surface.
func (c *FrameConn) Receive(ctx context.Context) (*message.Envelope, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case c.closed.Load():
				if werr := c.writeErr.Load(); werr != nil {
					return nil, *werr
				}
				return nil, ErrClosed
			case errors.Is(err, protocol.ErrInvalidFrame):
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			case errors.Is(err, io.EOF):
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		env, err := decodeEnvelope(codec.CodecType(header.CodecType), body)
		if err != nil {
			return nil, err
		}
		if msgTypeOf(env.Kind) != header.MsgType {
			return nil, fmt.Errorf("%w: header says %d, body is %s", ErrMalformed, header.MsgType, env.Kind)
		}
		return env, nil
	}
}

// Send writes env as a single frame.
func (c *FrameConn) Send(ctx context.Context, env *message.Envelope) error {
	ct, body, err := encodeEnvelope(c.structured, env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	return c.writeFrame(ctx, &protocol.Header{
		CodecType: byte(ct),
		MsgType:   msgTypeOf(env.Kind),
	}, body)
}

// Ping writes a heartbeat frame. The peer's transport swallows it; a failed
// write means the connection is gone.
func (c *FrameConn) Ping(ctx context.Context) error {
	return c.writeFrame(ctx, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
}

func (c *FrameConn) writeFrame(ctx context.Context, header *protocol.Header, body []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := c.opts.writeContext(ctx)
	defer cancel()

	c.sending.Lock()
	defer c.sending.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := protocol.Encode(c.conn, header, body); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		// part of the frame may be on the wire already
		werr := fmt.Errorf("%w: write frame: %w", ErrWriteFailed, err)
		c.writeErr.Store(&werr)
		_ = c.Close()
		return werr
	}
	return nil
}

func (c *FrameConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *FrameConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Pipe returns two in-process connections joined back to back, for embedding
// both peers in one process.
func Pipe(opts ...Option) (Conn, Conn) {
	a, b := net.Pipe()
	return NewFrameConn(a, opts...), NewFrameConn(b, opts...)
}
