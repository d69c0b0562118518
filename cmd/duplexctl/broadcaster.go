package main

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Event is what /events subscribers receive for everything the host channel reports.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// broadcaster fans events out to a dynamic set of subscribers. Publish never blocks the channel's event loop:
// a subscriber whose buffer is full misses the event.
type broadcaster struct {
	log    *zap.SugaredLogger
	buffer int

	m           sync.Mutex
	closed      bool
	subscribers map[chan Event]struct{}
}

func newBroadcaster(log *zap.SugaredLogger, buffer int) *broadcaster {
	return &broadcaster{
		log:         log,
		buffer:      buffer,
		subscribers: map[chan Event]struct{}{},
	}
}

// Subscribe returns a channel of events and a func that unsubscribes it. The channel is closed on unsubscribe
// or when the broadcaster is closed.
func (b *broadcaster) Subscribe() (<-chan Event, func()) {
	b.m.Lock()
	defer b.m.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[ch] = struct{}{}
	return ch, func() { b.remove(ch) }
}

func (b *broadcaster) remove(ch chan Event) {
	b.m.Lock()
	defer b.m.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

func (b *broadcaster) Publish(ev Event) {
	b.m.Lock()
	defer b.m.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.log.Debugw("subscriber is behind, dropping event", "Type", ev.Type)
		}
	}
}

func (b *broadcaster) Len() int {
	b.m.Lock()
	defer b.m.Unlock()
	return len(b.subscribers)
}

func (b *broadcaster) Close() {
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
