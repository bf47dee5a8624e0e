// Package transport normalizes an established bidirectional connection into a
// channel of envelopes.
//
// Two wire transports implement Conn:
//
//	WSConn     WebSocket, accepted by an HTTP handler or dialed by a client.
//	           Structured envelopes travel as JSON text frames, streams as binary frames.
//	FrameConn  raw TCP (or any net.Conn) using the protocol package framing.
//
// Neither retries: a read or write failure is terminal and is left to the
// connection manager.
package transport

import (
	"context"
	"errors"
	"time"

	"msglink/codec"
	"msglink/message"
)

var (
	// ErrClosed is returned by operations on a connection closed locally.
	ErrClosed = errors.New("transport: connection closed")
	// ErrMalformed wraps every frame that cannot be decoded into a valid envelope.
	ErrMalformed = errors.New("transport: malformed frame")
	// ErrWriteFailed wraps a write that failed part way. The connection has
	// been closed since the peer can no longer find frame boundaries; Receive
	// returns it too so the loop reports the failure.
	ErrWriteFailed = errors.New("transport: write failed")
)

// Conn is one established connection to the peer.
//
// Receive must be called from a single goroutine. It returns io.EOF when the
// peer closes cleanly; cancelling ctx closes the connection. Send and Ping are
// safe for concurrent use; each envelope is written as one atomic frame.
type Conn interface {
	Receive(ctx context.Context) (*message.Envelope, error)
	Send(ctx context.Context, env *message.Envelope) error
	Ping(ctx context.Context) error
	Close() error
	RemoteAddr() string
}

const (
	DefaultReadLimit    int64 = 4 << 20
	DefaultWriteTimeout       = 10 * time.Second
)

type options struct {
	codec        codec.CodecType // structured codec for FrameConn
	readLimit    int64
	writeTimeout time.Duration
}

func defaultOptions() *options {
	return &options{
		codec:        codec.CodecTypeJSON,
		readLimit:    DefaultReadLimit,
		writeTimeout: DefaultWriteTimeout,
	}
}

type Option func(*options)

// WithCodec selects the structured codec used by FrameConn. WebSocket text
// frames are always JSON.
func WithCodec(ct codec.CodecType) Option {
	return func(o *options) {
		o.codec = ct
	}
}

// WithReadLimit caps the size of an inbound WebSocket message.
func WithReadLimit(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.readLimit = n
		}
	}
}

// WithWriteTimeout bounds a Send whose context carries no deadline.
// Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if codec.GetCodec(o.codec) == nil || o.codec == codec.CodecTypeBinary {
		o.codec = codec.CodecTypeJSON
	}
	return o
}

// writeContext applies the default write timeout when ctx has no deadline.
func (o *options) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || o.writeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.writeTimeout)
}
