// Package manager owns the single active connection to the peer.
//
// Lifecycle of one connection:
//
//	Init(conn) → ProcessMessages(ctx) → Dispose()
//
// ProcessMessages is the only reader. Each envelope is routed by kind:
//
//	Event    → Events() registry, inline
//	Stream   → Streams() registry, inline (order per tag is the wire order)
//	Request  → rpc engine, one goroutine per request
//	Response → rpc engine, resolves the pending call
//
// Handler registrations and commands belong to the Manager and survive
// reconnects; only the pending-call table is reset by Dispose.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"msglink/handler"
	"msglink/message"
	"msglink/rpc"
	"msglink/transport"
)

var (
	ErrNotConnected = rpc.ErrNotConnected
	// ErrAlreadyInstalled is returned by Init while a connection is installed
	// or still being disposed.
	ErrAlreadyInstalled = errors.New("manager: connection already installed")
	// ErrLoopRunning is returned by a second ProcessMessages on one connection.
	ErrLoopRunning = errors.New("manager: receive loop already running")
	// ErrKeepalive ends the loop when the peer stopped answering pings.
	ErrKeepalive = errors.New("manager: keepalive failed")
)

// session is the state scoped to one installed connection.
type session struct {
	conn      transport.Conn
	ctx       context.Context // canceled by Dispose
	cancel    context.CancelFunc
	running   bool
	disposing bool
	disposed  chan struct{} // closed once Dispose has finished

	failMu  sync.Mutex
	failErr error
}

// fail records the first reason the connection was torn down from inside.
func (s *session) fail(err error) {
	s.failMu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.failMu.Unlock()
}

func (s *session) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

type Manager struct {
	opts    options
	logger  *zap.Logger
	events  handler.Registry[json.RawMessage]
	streams handler.Registry[*message.Stream]
	engine  *rpc.Engine

	mu   sync.Mutex
	sess *session
}

func New(opts ...Option) *Manager {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Manager{opts: o, logger: o.logger}
	rpcOpts := append([]rpc.Option{
		rpc.WithLogger(o.logger.Named("rpc")),
		rpc.WithMetrics(o.metrics),
		rpc.WithDefaultTimeout(o.callTimeout),
	}, o.rpcOpts...)
	m.engine = rpc.NewEngine(m, rpcOpts...)
	return m
}

// Events is the handler registry for inbound Event payloads.
func (m *Manager) Events() *handler.Registry[json.RawMessage] {
	return &m.events
}

// Streams is the handler registry for inbound Stream envelopes.
func (m *Manager) Streams() *handler.Registry[*message.Stream] {
	return &m.streams
}

// RPC is the engine used for commands and outbound calls.
func (m *Manager) RPC() *rpc.Engine {
	return m.engine
}

// Init installs conn as the current connection.
func (m *Manager) Init(conn transport.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return ErrAlreadyInstalled
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.sess = &session{conn: conn, ctx: ctx, cancel: cancel, disposed: make(chan struct{})}
	m.opts.metrics.SetConnected(true)
	m.logger.Info("connection installed", zap.String("remote", conn.RemoteAddr()))
	return nil
}

// Current returns the installed connection. It implements rpc.ConnSource.
func (m *Manager) Current() (transport.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.disposing {
		return nil, ErrNotConnected
	}
	return m.sess.conn, nil
}

func (m *Manager) Connected() bool {
	_, err := m.Current()
	return err == nil
}

// ProcessMessages reads and dispatches envelopes until the connection ends.
// It returns nil when the peer closed cleanly or the connection was disposed,
// the error wrapping transport.ErrMalformed for a bad frame, ErrKeepalive
// when pings stopped getting through, ctx.Err() when ctx was canceled, and
// the transport error otherwise. It never disposes the connection itself.
func (m *Manager) ProcessMessages(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	switch {
	case s == nil || s.disposing:
		m.mu.Unlock()
		return ErrNotConnected
	case s.running:
		m.mu.Unlock()
		return ErrLoopRunning
	}
	s.running = true
	m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if m.opts.keepalive > 0 {
		go m.keepalive(loopCtx, s)
	}

	for {
		env, err := s.conn.Receive(loopCtx)
		if err != nil {
			return m.loopError(ctx, s, err)
		}
		m.opts.metrics.EnvelopeReceived(env.Kind.String())
		m.dispatch(loopCtx, s, env)
	}
}

func (m *Manager) loopError(ctx context.Context, s *session, err error) error {
	remote := zap.String("remote", s.conn.RemoteAddr())
	if ferr := s.failure(); ferr != nil {
		m.logger.Warn("connection lost", remote, zap.Error(ferr))
		return ferr
	}
	switch {
	case s.ctx.Err() != nil, errors.Is(err, transport.ErrClosed):
		m.logger.Info("connection disposed", remote)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, io.EOF):
		m.logger.Info("peer closed connection", remote)
		return nil
	}
	m.logger.Warn("receive loop ended", remote, zap.Error(err))
	return err
}

func (m *Manager) dispatch(ctx context.Context, s *session, env *message.Envelope) {
	switch env.Kind {
	case message.KindEvent:
		if _, err := m.events.Dispatch(ctx, env.Event.Payload); err != nil {
			m.logger.Warn("event handler failed", zap.Error(err))
		}
	case message.KindStream:
		if _, err := m.streams.Dispatch(ctx, env.Stream); err != nil {
			m.logger.Warn("stream handler failed", zap.String("tag", env.Stream.Tag), zap.Error(err))
		}
	case message.KindRequest:
		req := env.Request
		go func() {
			if err := m.engine.HandleRequest(ctx, s.conn, req); err != nil {
				m.logger.Warn("response not sent", zap.String("command", req.Command), zap.Error(err))
			}
		}()
	case message.KindResponse:
		m.engine.HandleResponse(env.Response)
	}
}

func (m *Manager) keepalive(ctx context.Context, s *session) {
	ticker := time.NewTicker(m.opts.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.opts.keepalive)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.fail(fmt.Errorf("%w: %v", ErrKeepalive, err))
				_ = s.conn.Close()
				return
			}
		}
	}
}

// SendEvent sends payload as an Event. payload may be a json.RawMessage or
// any value encoding/json can marshal.
func (m *Manager) SendEvent(ctx context.Context, payload any) error {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("manager: marshal event: %w", err)
		}
	}
	return m.send(ctx, message.NewEvent(raw))
}

// SendStream sends one Stream chunk. timeout > 0 bounds the write; there is
// no reply to wait for.
func (m *Manager) SendStream(ctx context.Context, tag string, data []byte, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return m.send(ctx, message.NewStream(tag, data))
}

func (m *Manager) send(ctx context.Context, env *message.Envelope) error {
	conn, err := m.Current()
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, env); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return rpc.ErrConnectionLost
		}
		return fmt.Errorf("manager: send %s: %w", env.Kind, err)
	}
	m.opts.metrics.EnvelopeSent(env.Kind.String())
	return nil
}

// CallRemote is shorthand for RPC().CallRemote.
func (m *Manager) CallRemote(ctx context.Context, command string, params any, timeout time.Duration) (json.RawMessage, error) {
	return m.engine.CallRemote(ctx, command, params, timeout)
}

// Dispose closes the current connection, fails every pending call with
// rpc.ErrConnectionLost and releases the slot for the next Init. Disposing
// with nothing installed is a no-op; a concurrent Dispose waits for the one
// in progress.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	if s.disposing {
		m.mu.Unlock()
		<-s.disposed
		return nil
	}
	s.disposing = true
	m.mu.Unlock()
	defer close(s.disposed)

	err := s.conn.Close()
	s.cancel()
	failed := m.engine.FailAll(rpc.ErrConnectionLost)

	m.mu.Lock()
	m.sess = nil
	m.mu.Unlock()

	m.opts.metrics.SetConnected(false)
	m.logger.Info("connection disposed",
		zap.String("remote", s.conn.RemoteAddr()),
		zap.Int("failed_calls", failed))
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

// Run installs conn, processes it until it ends and disposes it.
func (m *Manager) Run(ctx context.Context, conn transport.Conn) error {
	if err := m.Init(conn); err != nil {
		return err
	}
	err := m.ProcessMessages(ctx)
	if derr := m.Dispose(); derr != nil {
		m.logger.Debug("close after loop", zap.Error(derr))
	}
	return err
}
