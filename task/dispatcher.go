package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/fsduplex/frame"
	"go.uber.org/zap"
)

// Dispatcher sends requests and matches the results that come back by ID.
type Dispatcher struct {
	log *zap.SugaredLogger
	ch  Channel

	mu      sync.Mutex
	pending map[string]chan Result
	reason  frame.Reason
	closed  chan struct{}
}

type DispatcherOption func(d *Dispatcher)

func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = l.Named("task_dispatcher").Sugar()
	}
}

// NewDispatcher registers on ch. It should be built before ch is started so no result is missed.
func NewDispatcher(ch Channel, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		log:     zap.NewNop().Sugar(),
		ch:      ch,
		pending: map[string]chan Result{},
		closed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	ch.OnData(d.onData)
	ch.OnClose(d.onClose)
	return d
}

// Do sends a request of kind with body marshaled as JSON, and waits for its result, ctx, or the channel
// closing, whichever comes first. A task that failed on the executor side is a Result with OK false, not an
// error.
func (d *Dispatcher) Do(ctx context.Context, kind string, body any) (Result, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling %s request: %w", kind, err)
	}
	req := Request{ID: uuid.NewString(), Kind: kind, Body: b}

	ch := make(chan Result, 1)
	d.mu.Lock()
	if d.reason != "" {
		reason := d.reason
		d.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrChannelClosed, reason)
	}
	d.pending[req.ID] = ch
	d.mu.Unlock()
	defer d.forget(req.ID)

	d.log.Debugw("dispatching", "ID", req.ID, "Kind", kind)
	if err := d.ch.SendData(envelope{Request: &req}); err != nil {
		return Result{}, fmt.Errorf("sending %s request: %w", kind, err)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-d.closed:
		// a result may have raced the close
		select {
		case res := <-ch:
			return res, nil
		default:
		}
		return Result{}, fmt.Errorf("%w: %s", ErrChannelClosed, d.closeReason())
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Pending returns the number of requests waiting for a result.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, id)
}

func (d *Dispatcher) closeReason() frame.Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

func (d *Dispatcher) onData(payload json.RawMessage) {
	env, ok := decodeEnvelope(payload)
	if !ok || env.Result == nil {
		return
	}
	res := *env.Result
	d.mu.Lock()
	ch, ok := d.pending[res.ID]
	delete(d.pending, res.ID)
	d.mu.Unlock()
	if !ok {
		d.log.Debugw("result for unknown request", "ID", res.ID)
		return
	}
	ch <- res
}

func (d *Dispatcher) onClose(reason frame.Reason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reason != "" {
		return
	}
	d.reason = reason
	close(d.closed)
	d.log.Debugw("channel closed, failing pending requests", "Reason", reason, "Pending", len(d.pending))
}
