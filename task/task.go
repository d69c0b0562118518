// Package task runs request/response work over a duplex channel. The initiator side dispatches requests with
// a Dispatcher; the handler side runs them with an Executor. Both travel as ordinary data payloads, so the
// channel itself knows nothing about tasks.
package task

import (
	"encoding/json"
	"errors"

	"github.com/guseggert/fsduplex/frame"
)

var (
	// ErrUnknownKind is reported in a Result when no handler is registered for the request's kind.
	ErrUnknownKind = errors.New("unknown task kind")
	// ErrChannelClosed fails requests that were pending, or issued, after the channel closed.
	ErrChannelClosed = errors.New("channel closed")
)

// Channel is the part of a duplex.Duplex the task layer uses.
type Channel interface {
	OnData(f func(payload json.RawMessage))
	OnClose(f func(reason frame.Reason))
	SendData(v any) error
}

type Request struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

type Result struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Decode unmarshals the result body into v.
func (r Result) Decode(v any) error {
	if !r.OK {
		return errors.New(r.Error)
	}
	return json.Unmarshal(r.Body, v)
}

// envelope is the data payload. Exactly one field is set; payloads with neither are not for this layer.
type envelope struct {
	Request *Request `json:"request,omitempty"`
	Result  *Result  `json:"result,omitempty"`
}

func decodeEnvelope(payload json.RawMessage) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, false
	}
	return env, env.Request != nil || env.Result != nil
}
