package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/guseggert/fsduplex/frame"
	"go.uber.org/zap"
)

// Handler runs one kind of task. The returned value is marshaled as the result body.
type Handler interface {
	Handle(ctx context.Context, body json.RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, body json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, body json.RawMessage) (any, error) { return f(ctx, body) }

// Executor runs requests arriving on a channel and sends back their results. Each request runs on its own
// goroutine, so results can come back in a different order than the requests.
// The context handed to handlers is canceled when the channel closes.
type Executor struct {
	log *zap.SugaredLogger
	ch  Channel

	mu       sync.Mutex
	handlers map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ExecutorOption func(e *Executor)

func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		e.log = l.Named("task_executor").Sugar()
	}
}

func WithHandler(kind string, h Handler) ExecutorOption {
	return func(e *Executor) {
		e.handlers[kind] = h
	}
}

// NewExecutor registers on ch. It should be built before ch is started so no request is missed.
func NewExecutor(ch Channel, opts ...ExecutorOption) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		log:      zap.NewNop().Sugar(),
		ch:       ch,
		handlers: map[string]Handler{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(e)
	}
	ch.OnData(e.onData)
	ch.OnClose(func(frame.Reason) { e.cancel() })
	return e
}

func (e *Executor) Register(kind string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

// Wait blocks until every started task has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Stop cancels running tasks and waits for them.
func (e *Executor) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Executor) onData(payload json.RawMessage) {
	env, ok := decodeEnvelope(payload)
	if !ok || env.Request == nil {
		return
	}
	req := *env.Request
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res := e.run(req)
		if err := e.ch.SendData(envelope{Result: &res}); err != nil {
			e.log.Debugw("error sending result", "ID", req.ID, "Error", err)
		}
	}()
}

func (e *Executor) run(req Request) Result {
	e.mu.Lock()
	h, ok := e.handlers[req.Kind]
	e.mu.Unlock()
	if !ok {
		return Result{ID: req.ID, Error: fmt.Sprintf("%s: %q", ErrUnknownKind, req.Kind)}
	}

	e.log.Debugw("running task", "ID", req.ID, "Kind", req.Kind)
	out, err := h.Handle(e.ctx, req.Body)
	if err != nil {
		e.log.Debugw("task failed", "ID", req.ID, "Kind", req.Kind, "Error", err)
		return Result{ID: req.ID, Error: err.Error()}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return Result{ID: req.ID, Error: fmt.Sprintf("marshaling result: %s", err)}
	}
	return Result{ID: req.ID, OK: true, Body: b}
}
