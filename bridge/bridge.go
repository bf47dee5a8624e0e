// Package bridge exposes the controller side of the link to an embedding
// host over HTTP JSON-RPC 2.0.
//
// Methods (service "link"):
//
//	link.Call        call any command on the device
//	link.RunShell    run_shell on the device
//	link.SendEvent   push an Event
//	link.SendStream  push a Stream chunk (e.g. "play" audio)
//	link.Status      connection state and call counters
//	link.NextEvents  long-poll for device events and record audio
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"

	"msglink/manager"
	"msglink/message"
	"msglink/rpc"
	"msglink/shell"
)

// MaxWait bounds how long link.NextEvents holds a request open.
const MaxWait = 30 * time.Second

type Option func(*Link)

// WithInbox serves link.NextEvents from in. Without it the method fails.
func WithInbox(in *Inbox) Option {
	return func(l *Link) {
		l.inbox = in
	}
}

// NewHandler returns the JSON-RPC endpoint bound to mgr.
func NewHandler(mgr *manager.Manager, logger *zap.Logger, opts ...Option) (http.Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Link{mgr: mgr, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	s := gorillarpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(l, "link"); err != nil {
		return nil, err
	}
	return s, nil
}

type Link struct {
	mgr    *manager.Manager
	inbox  *Inbox
	logger *zap.Logger
}

func millis(ms uint64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// rpcError maps a link error onto a JSON-RPC error. The device's own error,
// if any, travels in Data.
func rpcError(err error) error {
	var remote *message.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &remote):
		return &json2.Error{Code: json2.E_SERVER, Message: remote.Message, Data: remote}
	case errors.Is(err, rpc.ErrTimeout):
		return &json2.Error{Code: json2.E_SERVER, Message: "timeout"}
	case errors.Is(err, rpc.ErrConnectionLost), errors.Is(err, rpc.ErrNotConnected):
		return &json2.Error{Code: json2.E_SERVER, Message: "not connected"}
	}
	return &json2.Error{Code: json2.E_INTERNAL, Message: err.Error()}
}

type CallArgs struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout uint64          `json:"timeout,omitempty"` // milliseconds
}

type CallReply struct {
	Data json.RawMessage `json:"data,omitempty"`
}

func (l *Link) Call(r *http.Request, args *CallArgs, reply *CallReply) error {
	if args.Command == "" {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "command is required"}
	}
	data, err := l.mgr.CallRemote(r.Context(), args.Command, args.Params, millis(args.Timeout))
	if err != nil {
		l.logger.Debug("bridged call failed", zap.String("command", args.Command), zap.Error(err))
		return rpcError(err)
	}
	reply.Data = data
	return nil
}

func (l *Link) RunShell(r *http.Request, args *shell.Request, reply *shell.Result) error {
	if args.Script == "" {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "script is required"}
	}
	// the call waits a little longer than the script may run
	timeout := millis(args.Timeout)
	if timeout > 0 {
		timeout += time.Second
	}
	return rpcError(l.mgr.RPC().Call(r.Context(), shell.CommandRunShell, args, reply, timeout))
}

type SendEventArgs struct {
	Payload json.RawMessage `json:"payload"`
}

type Empty struct{}

func (l *Link) SendEvent(r *http.Request, args *SendEventArgs, _ *Empty) error {
	payload := args.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return rpcError(l.mgr.SendEvent(r.Context(), payload))
}

type SendStreamArgs struct {
	Tag     string `json:"tag"`
	Data    []byte `json:"data"` // base64 in JSON
	Timeout uint64 `json:"timeout,omitempty"`
}

func (l *Link) SendStream(r *http.Request, args *SendStreamArgs, _ *Empty) error {
	if args.Tag == "" {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "tag is required"}
	}
	return rpcError(l.mgr.SendStream(r.Context(), args.Tag, args.Data, millis(args.Timeout)))
}

type StatusReply struct {
	Connected bool     `json:"connected"`
	Pending   int      `json:"pending"`
	Dropped   uint64   `json:"dropped"`
	Commands  []string `json:"commands"`
}

func (l *Link) Status(_ *http.Request, _ *Empty, reply *StatusReply) error {
	engine := l.mgr.RPC()
	reply.Connected = l.mgr.Connected()
	reply.Pending = engine.Pending()
	reply.Dropped = engine.Dropped()
	reply.Commands = engine.Commands()
	sort.Strings(reply.Commands)
	return nil
}

type NextEventsArgs struct {
	Max  int    `json:"max,omitempty"`  // 0 returns everything queued
	Wait uint64 `json:"wait,omitempty"` // milliseconds to wait when empty, capped at MaxWait
}

type NextEventsReply struct {
	Items   []Item `json:"items"`
	Dropped uint64 `json:"dropped"`
}

func (l *Link) NextEvents(r *http.Request, args *NextEventsArgs, reply *NextEventsReply) error {
	if l.inbox == nil {
		return &json2.Error{Code: json2.E_SERVER, Message: "no inbox configured"}
	}
	wait := millis(args.Wait)
	if wait > MaxWait {
		wait = MaxWait
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	reply.Items = l.inbox.Next(ctx, args.Max)
	if reply.Items == nil {
		reply.Items = []Item{}
	}
	reply.Dropped = l.inbox.Dropped()
	return nil
}
