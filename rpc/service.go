package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"msglink/message"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	s := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no exported method of the form M([ctx,] *Args, *Reply) error", s.name)
	}
	return s, nil
}

// registerMethods keeps the exported methods shaped
// M(*Args, *Reply) error or M(context.Context, *Args, *Reply) error.
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		first := 1
		withCtx := false
		switch mt.NumIn() {
		case 3:
		case 4:
			if mt.In(1) != contextType {
				continue
			}
			first, withCtx = 2, true
		default:
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

func (s *service) call(ctx context.Context, m *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr}
	if m.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv, replyv)
	results := m.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

func (s *service) handler(m *methodType) func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
	return func(ctx context.Context, req *message.Request) (json.RawMessage, error) {
		argv := reflect.New(m.ArgType)
		replyv := reflect.New(m.ReplyType)
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, argv.Interface()); err != nil {
				return nil, message.NewError(message.ErrorCodeInvalidArgument,
					fmt.Sprintf("decode params for %s: %v", req.Command, err))
			}
		}
		if err := s.call(ctx, m, argv, replyv); err != nil {
			return nil, err
		}
		return json.Marshal(replyv.Interface())
	}
}

// AddService registers every suitable exported method of rcvr as the command
// "Type.Method", e.g. (*Shell).Run becomes "Shell.Run". It returns the names
// registered.
func (e *Engine) AddService(rcvr any) ([]string, error) {
	s, err := newService(rcvr)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.method))
	for name, m := range s.method {
		command := s.name + "." + name
		e.AddCommand(command, s.handler(m))
		names = append(names, command)
	}
	return names, nil
}
