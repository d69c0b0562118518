package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Role is one of the two fixed parties of a connection.
type Role string

const (
	Initiator Role = "initiator"
	Handler   Role = "handler"
)

func (r Role) Valid() bool { return r == Initiator || r == Handler }

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == Initiator {
		return Handler
	}
	return Initiator
}

// Kind is the value of the "type" field.
type Kind string

const (
	KindInit   Kind = "init"
	KindAck    Kind = "ack"
	KindData   Kind = "data"
	KindPing   Kind = "ping"
	KindPong   Kind = "pong"
	KindFin    Kind = "fin"
	KindFinAck Kind = "fin_ack"
)

// Reason explains why a channel closed.
type Reason string

const (
	ReasonDone    Reason = "done"
	ReasonError   Reason = "error"
	ReasonTimeout Reason = "timeout"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonDone, ReasonError, ReasonTimeout:
		return true
	}
	return false
}

// Message is the closed set of frame bodies. Only the types in this package implement it.
type Message interface {
	Kind() Kind
	isMessage()
}

// Init opens a channel, optionally carrying the first piece of application data.
type Init struct{ Payload json.RawMessage }

// Ack acknowledges without changing channel state.
type Ack struct{}

// Data carries an opaque application payload.
type Data struct{ Payload json.RawMessage }

type Ping struct{}

type Pong struct{}

// Fin starts a graceful close.
type Fin struct{ Reason Reason }

// FinAck confirms a Fin.
type FinAck struct{}

func (Init) Kind() Kind   { return KindInit }
func (Ack) Kind() Kind    { return KindAck }
func (Data) Kind() Kind   { return KindData }
func (Ping) Kind() Kind   { return KindPing }
func (Pong) Kind() Kind   { return KindPong }
func (Fin) Kind() Kind    { return KindFin }
func (FinAck) Kind() Kind { return KindFinAck }

func (Init) isMessage()   {}
func (Ack) isMessage()    {}
func (Data) isMessage()   {}
func (Ping) isMessage()   {}
func (Pong) isMessage()   {}
func (Fin) isMessage()    {}
func (FinAck) isMessage() {}

// Frame is one unit of transport.
type Frame struct {
	From Role
	Seq  uint64
	Ack  uint64
	Msg  Message
}

func (f Frame) String() string {
	kind := Kind("<nil>")
	if f.Msg != nil {
		kind = f.Msg.Kind()
	}
	return fmt.Sprintf("%s#%d %s ack=%d", f.From, f.Seq, kind, f.Ack)
}

// ErrDecode is matched by every error returned from Decode.
var ErrDecode = errors.New("malformed frame")

// DecodeError reports a line that could not be decoded into a valid frame.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = append(line[:120:120], "..."...)
	}
	return fmt.Sprintf("decoding frame %q: %s", line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

type finPayload struct {
	Reason Reason `json:"reason"`
}

type wireFrame struct {
	From    Role            `json:"from"`
	Seq     uint64          `json:"seq"`
	Ack     *uint64         `json:"ack"`
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes f as a single line without the trailing newline.
func Encode(f Frame) ([]byte, error) {
	if !f.From.Valid() {
		return nil, fmt.Errorf("encoding frame: invalid role %q", f.From)
	}
	if f.Seq == 0 {
		return nil, errors.New("encoding frame: seq must be positive")
	}
	ack := f.Ack
	w := wireFrame{From: f.From, Seq: f.Seq, Ack: &ack}

	switch m := f.Msg.(type) {
	case Init:
		w.Type = KindInit
		w.Payload = m.Payload
	case Data:
		if len(m.Payload) == 0 {
			return nil, errors.New("encoding frame: data requires a payload")
		}
		w.Type = KindData
		w.Payload = m.Payload
	case Fin:
		if !m.Reason.Valid() {
			return nil, fmt.Errorf("encoding frame: invalid close reason %q", m.Reason)
		}
		b, err := json.Marshal(finPayload{Reason: m.Reason})
		if err != nil {
			return nil, err
		}
		w.Type = KindFin
		w.Payload = b
	case Ack, Ping, Pong, FinAck:
		w.Type = m.Kind()
	case nil:
		return nil, errors.New("encoding frame: missing message")
	default:
		return nil, fmt.Errorf("encoding frame: unknown message %T", m)
	}

	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	// encoding/json compacts raw payloads, so this only trips on a bug.
	if bytes.IndexByte(b, '\n') >= 0 {
		return nil, errors.New("encoding frame: line contains a newline")
	}
	return b, nil
}

// Decode parses and validates one line.
func Decode(line []byte) (Frame, error) {
	fail := func(err error) (Frame, error) {
		return Frame{}, &DecodeError{Line: bytes.Clone(line), Err: err}
	}

	var w wireFrame
	if err := json.Unmarshal(line, &w); err != nil {
		return fail(err)
	}
	if !w.From.Valid() {
		return fail(fmt.Errorf("unknown role %q", w.From))
	}
	if w.Seq == 0 {
		return fail(errors.New("seq must be a positive integer"))
	}
	if w.Ack == nil {
		return fail(errors.New("missing ack"))
	}

	f := Frame{From: w.From, Seq: w.Seq, Ack: *w.Ack}
	switch w.Type {
	case KindInit:
		f.Msg = Init{Payload: w.Payload}
	case KindAck:
		f.Msg = Ack{}
	case KindData:
		if len(w.Payload) == 0 {
			return fail(errors.New("data frame without payload"))
		}
		f.Msg = Data{Payload: w.Payload}
	case KindPing:
		f.Msg = Ping{}
	case KindPong:
		f.Msg = Pong{}
	case KindFin:
		var p finPayload
		if len(w.Payload) == 0 {
			return fail(errors.New("fin frame without reason"))
		}
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fail(fmt.Errorf("fin payload: %w", err))
		}
		if !p.Reason.Valid() {
			return fail(fmt.Errorf("unknown close reason %q", p.Reason))
		}
		f.Msg = Fin{Reason: p.Reason}
	case KindFinAck:
		f.Msg = FinAck{}
	default:
		return fail(fmt.Errorf("unknown type %q", w.Type))
	}
	return f, nil
}
