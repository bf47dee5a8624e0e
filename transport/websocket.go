package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"msglink/codec"
	"msglink/message"
)

// WSConn carries envelopes over a WebSocket: JSON text frames for structured
// envelopes and binary frames for streams.
type WSConn struct {
	ws        *websocket.Conn
	opts      *options
	remote    string
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*WSConn)(nil)

var jsonCodec = &codec.JSONCodec{}

// AcceptWebSocket completes the upgrade of an HTTP request (server side).
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, opts ...Option) (*WSConn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	return newWSConn(ws, r.RemoteAddr, opts), nil
}

// DialWebSocket opens a WebSocket to url, e.g. ws://host:4399/ws (client side).
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*WSConn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return newWSConn(ws, url, opts), nil
}

func newWSConn(ws *websocket.Conn, remote string, opts []Option) *WSConn {
	o := buildOptions(opts)
	ws.SetReadLimit(o.readLimit)
	return &WSConn{ws: ws, opts: o, remote: remote}
}

func (c *WSConn) Receive(ctx context.Context) (*message.Envelope, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.closed.Load() {
			return nil, ErrClosed
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}

	switch typ {
	case websocket.MessageBinary:
		return decodeEnvelope(codec.CodecTypeBinary, data)
	default:
		return decodeEnvelope(codec.CodecTypeJSON, data)
	}
}

func (c *WSConn) Send(ctx context.Context, env *message.Envelope) error {
	ct, body, err := encodeEnvelope(jsonCodec, env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	typ := websocket.MessageText
	if ct == codec.CodecTypeBinary {
		typ = websocket.MessageBinary
	}

	if c.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := c.opts.writeContext(ctx)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, typ, body); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Ping sends a WebSocket ping and waits for the pong. It needs a concurrent
// Receive to read the pong.
func (c *WSConn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.ws.Ping(ctx)
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return c.closeErr
}

func (c *WSConn) RemoteAddr() string {
	return c.remote
}
