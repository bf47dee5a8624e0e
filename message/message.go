// Package message defines the envelopes exchanged between the two peers of a link.
//
// Envelope is the "union" carried by every frame. Exactly one of its payload
// pointers is set, and which one is named by Kind:
//
//	Event     one-shot notification, no reply
//	Stream    tagged binary chunk ("play", "record", ...), no reply
//	Request   call expecting exactly one Response with the same ID
//	Response  reply to a Request, carrying Data or Error
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the envelope discriminator.
type Kind uint8

const (
	KindEvent    Kind = 1
	KindStream   Kind = 2
	KindRequest  Kind = 3
	KindResponse Kind = 4
)

var kindNames = map[Kind]string{
	KindEvent:    "event",
	KindStream:   "stream",
	KindRequest:  "request",
	KindResponse: "response",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText writes the kind as its lowercase name, e.g. "event".
func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("message: unknown kind %d", uint8(k))
	}
	return []byte(name), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("message: unknown kind %q", text)
}

// Event is a fire-and-forget notification. Payload is opaque JSON.
type Event struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Stream is an opaque binary chunk labelled by an application tag.
type Stream struct {
	Tag   string `json:"tag"`
	Bytes []byte `json:"bytes"`
}

// Request asks the peer to run Command. ID must be unique among the
// sender's outstanding requests.
type Request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout uint64          `json:"timeout,omitempty"` // milliseconds, 0 = unspecified
}

// TimeoutDuration returns the timeout annotation, or 0 when none was sent.
func (r *Request) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Millisecond
}

// Response answers the Request with the same ID. Error is non-nil if the
// remote handler failed or the command is unknown.
type Response struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Envelope is one discrete unit of the wire protocol.
type Envelope struct {
	Kind     Kind      `json:"type"`
	Event    *Event    `json:"event,omitempty"`
	Stream   *Stream   `json:"stream,omitempty"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}

func NewEvent(payload json.RawMessage) *Envelope {
	return &Envelope{Kind: KindEvent, Event: &Event{Payload: payload}}
}

func NewStream(tag string, data []byte) *Envelope {
	return &Envelope{Kind: KindStream, Stream: &Stream{Tag: tag, Bytes: data}}
}

func NewRequest(id, command string, params json.RawMessage, timeout time.Duration) *Envelope {
	return &Envelope{Kind: KindRequest, Request: &Request{
		ID:      id,
		Command: command,
		Params:  params,
		Timeout: timeoutMillis(timeout),
	}}
}

// timeoutMillis rounds up so a positive timeout never reads as unspecified.
func timeoutMillis(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64((d + time.Millisecond - 1) / time.Millisecond)
}

// NewSuccessResponse builds the reply for a handler that returned data.
func NewSuccessResponse(id string, data json.RawMessage) *Envelope {
	return &Envelope{Kind: KindResponse, Response: &Response{ID: id, Data: data}}
}

// NewErrorResponse builds the reply for a failed or unknown command.
func NewErrorResponse(id string, err *Error) *Envelope {
	return &Envelope{Kind: KindResponse, Response: &Response{ID: id, Error: err}}
}

// Validate checks that exactly the payload named by Kind is present and that
// correlated kinds carry the fields needed to route them.
func (e *Envelope) Validate() error {
	set := 0
	for _, present := range []bool{e.Event != nil, e.Stream != nil, e.Request != nil, e.Response != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("message: envelope carries %d payloads, want 1", set)
	}

	switch e.Kind {
	case KindEvent:
		if e.Event == nil {
			return fmt.Errorf("message: %s envelope without event payload", e.Kind)
		}
	case KindStream:
		if e.Stream == nil {
			return fmt.Errorf("message: %s envelope without stream payload", e.Kind)
		}
	case KindRequest:
		if e.Request == nil {
			return fmt.Errorf("message: %s envelope without request payload", e.Kind)
		}
		if e.Request.ID == "" || e.Request.Command == "" {
			return fmt.Errorf("message: request requires id and command")
		}
	case KindResponse:
		if e.Response == nil {
			return fmt.Errorf("message: %s envelope without response payload", e.Kind)
		}
		if e.Response.ID == "" {
			return fmt.Errorf("message: response requires id")
		}
	default:
		return fmt.Errorf("message: unknown kind %d", uint8(e.Kind))
	}
	return nil
}
