// Package rpc correlates outbound Requests with their Responses and
// dispatches inbound Requests to registered commands.
//
// Outbound call lifecycle:
//
//	CallRemote → register slot → Send Request → wait
//	  Response with same id   → resolved (data or remote *message.Error)
//	  deadline                → ErrTimeout, slot removed
//	  FailAll (disposal)      → ErrConnectionLost
//
// A slot lives in the pending map until exactly one of the three removes it.
// Removal under the lock is the only resolution point, so a late Response
// finds nothing and is dropped.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"msglink/message"
	"msglink/middleware"
	"msglink/transport"
)

// ConnSource yields the connection outbound calls are sent on.
type ConnSource interface {
	Current() (transport.Conn, error)
}

type result struct {
	data json.RawMessage
	err  error
}

type call struct {
	done chan result // buffered, written once by whoever removed the slot
}

type Engine struct {
	src  ConnSource
	opts options

	cmdMu       sync.RWMutex
	commands    map[string]middleware.HandlerFunc
	middlewares []middleware.Middleware

	mu      sync.Mutex
	pending map[string]*call

	dropped  atomic.Uint64
	inflight sync.WaitGroup
}

func NewEngine(src ConnSource, opts ...Option) *Engine {
	return &Engine{
		src:      src,
		opts:     buildOptions(opts),
		commands: make(map[string]middleware.HandlerFunc),
		pending:  make(map[string]*call),
	}
}

// AddCommand registers h for name, replacing any earlier handler.
func (e *Engine) AddCommand(name string, h middleware.HandlerFunc) {
	e.cmdMu.Lock()
	e.commands[name] = h
	e.cmdMu.Unlock()
}

func (e *Engine) RemoveCommand(name string) {
	e.cmdMu.Lock()
	delete(e.commands, name)
	e.cmdMu.Unlock()
}

// Commands lists the registered command names.
func (e *Engine) Commands() []string {
	e.cmdMu.RLock()
	defer e.cmdMu.RUnlock()
	names := make([]string, 0, len(e.commands))
	for name := range e.commands {
		names = append(names, name)
	}
	return names
}

// Use appends middlewares to the inbound chain. The first one added is the
// outermost after the built-in panic recovery.
func (e *Engine) Use(mws ...middleware.Middleware) {
	e.cmdMu.Lock()
	e.middlewares = append(e.middlewares, mws...)
	e.cmdMu.Unlock()
}

// CallRemote sends command to the peer and waits for its Response.
//
// params may be nil, a json.RawMessage sent as is, or any value encoding/json
// can marshal.
// timeout <= 0 uses the default. The returned error is a *message.Error when
// the peer answered with one, ErrTimeout, ErrConnectionLost, ErrNotConnected,
// or ctx.Err().
func (e *Engine) CallRemote(ctx context.Context, command string, params any, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	data, err := e.callRemote(ctx, command, params, timeout)
	e.opts.metrics.CallFinished(command, outcome(err), time.Since(start))
	return data, err
}

func (e *Engine) callRemote(ctx context.Context, command string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal params for %s: %w", command, err)
	}
	if timeout <= 0 {
		timeout = e.opts.defaultTimeout
	}

	conn, err := e.src.Current()
	if err != nil {
		return nil, err
	}

	id, c := e.register()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	err = conn.Send(sendCtx, message.NewRequest(id, command, raw, timeout))
	expired := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if !e.remove(id) {
			r := <-c.done
			return r.data, r.err
		}
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, transport.ErrClosed):
			return nil, ErrConnectionLost
		case expired, errors.Is(err, os.ErrDeadlineExceeded):
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("rpc: send %s: %w", command, err)
	}
	e.opts.metrics.EnvelopeSent(message.KindRequest.String())

	select {
	case r := <-c.done:
		return r.data, r.err
	case <-deadline.C:
		if e.remove(id) {
			return nil, ErrTimeout
		}
	case <-ctx.Done():
		if e.remove(id) {
			return nil, ctx.Err()
		}
	}
	// lost the race to a Response or FailAll, which already wrote the result
	r := <-c.done
	return r.data, r.err
}

// Call is CallRemote followed by decoding the Response data into reply.
// reply may be nil to discard the data.
func (e *Engine) Call(ctx context.Context, command string, params, reply any, timeout time.Duration) error {
	data, err := e.CallRemote(ctx, command, params, timeout)
	if err != nil {
		return err
	}
	if reply == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, reply); err != nil {
		return fmt.Errorf("rpc: decode %s reply: %w", command, err)
	}
	return nil
}

func (e *Engine) register() (string, *call) {
	c := &call{done: make(chan result, 1)}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.opts.newID()
	for {
		if _, taken := e.pending[id]; !taken {
			break
		}
		id = e.opts.newID()
	}
	e.pending[id] = c
	e.opts.metrics.SetPending(len(e.pending))
	return id, c
}

// take removes and returns the slot for id.
func (e *Engine) take(id string) (*call, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
		e.opts.metrics.SetPending(len(e.pending))
	}
	return c, ok
}

func (e *Engine) remove(id string) bool {
	_, ok := e.take(id)
	return ok
}

// HandleResponse resolves the pending call matching resp.ID. It reports
// false when no call is waiting (already timed out, failed or unknown), in
// which case resp is dropped.
func (e *Engine) HandleResponse(resp *message.Response) bool {
	c, ok := e.take(resp.ID)
	if !ok {
		e.dropped.Add(1)
		e.opts.metrics.ResponseDropped()
		e.opts.logger.Debug("dropping response for unknown call", zap.String("id", resp.ID))
		return false
	}
	if resp.Error != nil {
		c.done <- result{err: resp.Error}
	} else {
		c.done <- result{data: resp.Data}
	}
	return true
}

// FailAll fails every pending call with err and empties the table. It returns
// the number of calls failed.
func (e *Engine) FailAll(err error) int {
	e.mu.Lock()
	calls := e.pending
	e.pending = make(map[string]*call)
	e.opts.metrics.SetPending(0)
	e.mu.Unlock()

	for _, c := range calls {
		c.done <- result{err: err}
	}
	if len(calls) > 0 {
		e.opts.logger.Info("failed pending calls", zap.Int("count", len(calls)), zap.Error(err))
	}
	return len(calls)
}

func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Dropped counts Responses that matched no pending call.
func (e *Engine) Dropped() uint64 {
	return e.dropped.Load()
}

// HandleRequest runs the command named by req and sends exactly one Response
// on conn, the connection req arrived on.
func (e *Engine) HandleRequest(ctx context.Context, conn transport.Conn, req *message.Request) error {
	e.inflight.Add(1)
	defer e.inflight.Done()

	data, err := e.handler(req.Command)(ctx, req)

	var resp *message.Envelope
	if err != nil {
		resp = message.NewErrorResponse(req.ID, toWireError(err))
	} else {
		resp = message.NewSuccessResponse(req.ID, data)
	}
	if err := conn.Send(ctx, resp); err != nil {
		return fmt.Errorf("rpc: respond to %s (%s): %w", req.Command, req.ID, err)
	}
	e.opts.metrics.EnvelopeSent(message.KindResponse.String())
	return nil
}

func (e *Engine) handler(command string) middleware.HandlerFunc {
	e.cmdMu.RLock()
	h, ok := e.commands[command]
	mws := make([]middleware.Middleware, 0, len(e.middlewares)+1)
	mws = append(mws, middleware.Recovery(e.opts.logger))
	mws = append(mws, e.middlewares...)
	e.cmdMu.RUnlock()

	if !ok {
		h = func(context.Context, *message.Request) (json.RawMessage, error) {
			return nil, message.UnknownCommand(command)
		}
	}
	return middleware.Chain(mws...)(h)
}

// Drain waits until every inbound Request being handled has been answered,
// or ctx is done.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rpc: waiting for in-flight commands: %w", ctx.Err())
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(params)
}
