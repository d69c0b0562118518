package duplex

import (
	"encoding/json"

	"github.com/guseggert/fsduplex/frame"
)

type eventKind int

const (
	eventData eventKind = iota
	eventClose
	eventError
	eventState
	eventPersist
)

type event struct {
	kind    eventKind
	payload json.RawMessage
	reason  frame.Reason
	err     error
	from    State
	to      State
	seq     uint64
}

type handlers struct {
	data  []func(json.RawMessage)
	close []func(frame.Reason)
	err   []func(error)
	state []func(from, to State)
}

// OnData registers f to receive each data payload from the peer, in the peer's send order.
func (d *Duplex) OnData(f func(payload json.RawMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers.data = append(d.handlers.data, f)
}

// OnClose registers f to be called once, when the channel reaches the closed state.
func (d *Duplex) OnClose(f func(reason frame.Reason)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers.close = append(d.handlers.close, f)
}

// OnError registers f to receive malformed-frame, I/O and liveness errors.
func (d *Duplex) OnError(f func(err error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers.err = append(d.handlers.err, f)
}

// OnStateChange registers f to be called on every state transition.
func (d *Duplex) OnStateChange(f func(from, to State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers.state = append(d.handlers.state, f)
}

// emit queues ev for the loop goroutine. Callers hold d.mu.
func (d *Duplex) emit(ev event) {
	d.pending = append(d.pending, ev)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Duplex) emitError(err error) {
	d.log.Debugf("error: %s", err)
	d.emit(event{kind: eventError, err: err})
}

// flush delivers queued events in order. Only the loop goroutine calls it.
func (d *Duplex) flush() {
	for {
		d.mu.Lock()
		evs := d.pending
		d.pending = nil
		h := d.handlers
		d.mu.Unlock()
		if len(evs) == 0 {
			return
		}
		for _, ev := range evs {
			if d.stopped.Load() {
				return
			}
			if ev.kind == eventPersist {
				d.persistPeerSeq(ev.seq)
				continue
			}
			ev.dispatch(h)
		}
	}
}

func (ev event) dispatch(h handlers) {
	switch ev.kind {
	case eventData:
		for _, f := range h.data {
			f(ev.payload)
		}
	case eventClose:
		for _, f := range h.close {
			f(ev.reason)
		}
	case eventError:
		for _, f := range h.err {
			f(ev.err)
		}
	case eventState:
		for _, f := range h.state {
			f(ev.from, ev.to)
		}
	}
}
