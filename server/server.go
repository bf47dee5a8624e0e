// Package server accepts peer connections and hands them, one at a time, to
// a manager.
//
// Acceptance pipeline:
//
//	WebSocket upgrade (ServeHTTP) or TCP Accept (ServeTCP)
//	  → reconnect throttle (token bucket, excess refused)
//	  → wait for the single slot (previous connection fully disposed)
//	  → manager.Run: Init → ProcessMessages → Dispose
//	  → release the slot
//
// Connections are processed serially: a second peer waits until the first
// one's processing has completed and been disposed.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"msglink/manager"
	"msglink/rpc"
	"msglink/transport"
)

// Version is answered to get_version unless WithVersion overrides it.
const Version = "0.1.0"

// CommandGetVersion returns the server version as a JSON string.
const CommandGetVersion = "get_version"

type Server struct {
	mgr     *manager.Manager
	opts    options
	logger  *zap.Logger
	limiter atomic.Pointer[rate.Limiter] // nil when throttling is disabled
	slot    chan struct{} // capacity 1: the connection being processed

	ctx    context.Context // canceled by Shutdown
	cancel context.CancelFunc
	wg     sync.WaitGroup // connections being processed

	shutdown   atomic.Bool
	mu         sync.Mutex
	listeners  []net.Listener
	registered bool
}

// New wraps mgr and registers get_version on its engine.
func New(mgr *manager.Manager, opts ...Option) *Server {
	o := options{
		logger:      zap.NewNop(),
		version:     Version,
		acceptRate:  2,
		acceptBurst: 4,
		ttl:         10,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		mgr:    mgr,
		opts:   o,
		logger: o.logger,
		slot:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	s.SetAcceptRate(o.acceptRate, o.acceptBurst)

	version := o.version
	mgr.RPC().AddCommand(CommandGetVersion, rpc.Command(func(context.Context, struct{}) (string, error) {
		return version, nil
	}))
	return s
}

// Manager returns the manager connections are handed to.
func (s *Server) Manager() *manager.Manager {
	return s.mgr
}

// SetAcceptRate changes the reconnect throttle while the server runs.
// r <= 0 disables it. A changed rate starts from a full bucket.
func (s *Server) SetAcceptRate(r float64, burst int) {
	if r <= 0 {
		s.limiter.Store(nil)
		return
	}
	if burst < 1 {
		burst = 1
	}
	if l := s.limiter.Load(); l != nil && l.Limit() == rate.Limit(r) && l.Burst() == burst {
		return
	}
	s.limiter.Store(rate.NewLimiter(rate.Limit(r), burst))
}

func (s *Server) allow() bool {
	if l := s.limiter.Load(); l == nil || l.Allow() {
		return true
	}
	s.opts.metrics.ConnectionThrottled()
	return false
}

// acquire waits for the slot. It fails when ctx is done or the server shuts
// down first.
func (s *Server) acquire(ctx context.Context) bool {
	select {
	case s.slot <- struct{}{}:
		if s.shutdown.Load() {
			<-s.slot
			return false
		}
		return true
	case <-ctx.Done():
		return false
	case <-s.ctx.Done():
		return false
	}
}

func (s *Server) release() {
	<-s.slot
}

// ServeHTTP upgrades the request to a WebSocket and processes it once the
// slot is free. Mount it on the websocket path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.allow() {
		s.logger.Warn("reconnect throttled", zap.String("remote", r.RemoteAddr))
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if !s.acquire(r.Context()) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.release()

	conn, err := transport.AcceptWebSocket(w, r, s.opts.transportOpts...)
	if err != nil {
		s.logger.Warn("websocket handshake failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	_ = s.handle(r.Context(), conn)
}

// ServeTCP accepts framed TCP connections from ln one at a time. It returns
// nil after Shutdown and the Accept error otherwise.
func (s *Server) ServeTCP(ln net.Listener) error {
	if !s.track(ln) {
		_ = ln.Close()
		return nil
	}
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		if !s.allow() {
			s.logger.Warn("reconnect throttled", zap.String("remote", raw.RemoteAddr().String()))
			_ = raw.Close()
			continue
		}
		if !s.acquire(s.ctx) {
			_ = raw.Close()
			return nil
		}
		if tcp, ok := raw.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		_ = s.handle(s.ctx, transport.NewFrameConn(raw, s.opts.transportOpts...))
		s.release()
	}
}

// ListenAndServeTCP listens on addr and calls ServeTCP.
func (s *Server) ListenAndServeTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.ServeTCP(ln)
}

func (s *Server) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.listeners = append(s.listeners, ln)
	return true
}

// handle runs one connection to completion. Shutdown cancels it.
func (s *Server) handle(ctx context.Context, conn transport.Conn) error {
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// on shutdown, dispose first so the peer sees a clean close
	stop := context.AfterFunc(s.ctx, func() {
		_ = s.mgr.Dispose()
		cancel()
	})
	defer stop()

	remote := zap.String("remote", conn.RemoteAddr())
	s.opts.metrics.ConnectionAccepted()
	s.logger.Info("peer connected", remote)
	start := time.Now()

	err := s.mgr.Run(ctx, conn)
	switch {
	case errors.Is(err, manager.ErrAlreadyInstalled):
		// an embedding host installed its own connection
		s.logger.Warn("manager busy, dropping peer", remote)
		_ = conn.Close()
	case err != nil && !errors.Is(err, context.Canceled):
		s.logger.Warn("peer connection failed", remote, zap.Duration("after", time.Since(start)), zap.Error(err))
	default:
		s.logger.Info("peer disconnected", remote, zap.Duration("after", time.Since(start)))
	}
	return err
}

// Register advertises the server in the configured registry, if any.
func (s *Server) Register(ctx context.Context) error {
	if s.opts.registry == nil {
		return nil
	}
	if err := s.opts.registry.Register(ctx, s.opts.service, s.opts.instance, s.opts.ttl); err != nil {
		return err
	}
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
	return nil
}

// Shutdown stops the server gracefully:
//  1. deregister, so devices stop being sent here
//  2. stop accepting (listeners closed, pending upgrades refused)
//  3. end the active connection, which disposes it and fails its pending calls
//  4. wait for connection processing and in-flight commands, bounded by ctx
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	registered := s.registered
	s.registered = false
	s.shutdown.Store(true)
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	var errs []error
	if registered {
		if err := s.opts.registry.Deregister(ctx, s.opts.service, s.opts.instance.Addr); err != nil {
			errs = append(errs, fmt.Errorf("server: deregister: %w", err))
		}
	}
	for _, ln := range listeners {
		_ = ln.Close()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(append(errs, fmt.Errorf("server: waiting for connection: %w", ctx.Err()))...)
	}
	if err := s.mgr.RPC().Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
