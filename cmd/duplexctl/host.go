package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/fsduplex/adapter"
	"github.com/guseggert/fsduplex/duplex"
	"github.com/guseggert/fsduplex/frame"
	"github.com/guseggert/fsduplex/task"
	"github.com/julienschmidt/httprouter"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxTaskBody = 8 << 20

func hostCommand() *cli.Command {
	return &cli.Command{
		Name:  "host",
		Usage: "run the initiator side of a channel and serve a local HTTP API for it",
		Flags: append(channelFlags(),
			&cli.StringFlag{
				Name:     "prefix",
				Usage:    "Path prefix of the channel files.",
				EnvVars:  []string{"FSDUPLEX_PREFIX"},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "127.0.0.1:8080",
			},
			&cli.StringFlag{
				Name:  "init-payload",
				Usage: "JSON payload carried by the init frame.",
			},
		),
		Action: func(ctx *cli.Context) error {
			logger, err := buildLogger(ctx)
			if err != nil {
				return err
			}
			cfg, err := buildConfig(ctx, logger)
			if err != nil {
				return err
			}
			var initPayload json.RawMessage
			if s := ctx.String("init-payload"); s != "" {
				if !json.Valid([]byte(s)) {
					return errors.New("init-payload is not valid JSON")
				}
				initPayload = json.RawMessage(s)
			}

			prefix := ctx.String("prefix")
			wmOpts, closeMarks, err := watermarkOptions(ctx, logger, prefix)
			if err != nil {
				return err
			}
			defer closeMarks()

			ch, err := adapter.NewHost(prefix, cfg, wmOpts...)
			if err != nil {
				return fmt.Errorf("building host: %w", err)
			}

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			listener, err := net.Listen("tcp", ctx.String("listen-addr"))
			if err != nil {
				return fmt.Errorf("listening TCP: %w", err)
			}
			return newHostServer(logger, ch, cfg.CloseGrace).run(sigCtx, listener, initPayload)
		},
	}
}

type channel interface {
	Start() error
	Stop() error
	Send(msg frame.Message) error
	Close(reason frame.Reason) error
	Done() <-chan struct{}
	Role() frame.Role
	Reason() frame.Reason
	Stats() duplex.Stats

	OnData(f func(json.RawMessage))
	OnClose(f func(frame.Reason))
	OnError(f func(error))
	OnStateChange(f func(from, to duplex.State))
	SendData(v any) error
}

var _ channel = (*adapter.Channel)(nil)

// hostServer exposes a host channel over HTTP: its status, task dispatch, and a WebSocket stream of its events.
type hostServer struct {
	log        *zap.SugaredLogger
	ch         channel
	dispatcher *task.Dispatcher
	events     *broadcaster
	closeGrace time.Duration
}

func newHostServer(logger *zap.Logger, ch channel, closeGrace time.Duration) *hostServer {
	log := logger.Named("host").Sugar()
	h := &hostServer{
		log:        log,
		ch:         ch,
		dispatcher: task.NewDispatcher(ch, task.WithDispatcherLogger(logger)),
		events:     newBroadcaster(log.Named("events"), 64),
		closeGrace: closeGrace,
	}
	ch.OnData(func(p json.RawMessage) {
		h.events.Publish(Event{Type: "data", Payload: p})
	})
	ch.OnStateChange(func(from, to duplex.State) {
		h.events.Publish(Event{Type: "state", From: from.String(), To: to.String()})
	})
	ch.OnClose(func(reason frame.Reason) {
		h.events.Publish(Event{Type: "close", Reason: string(reason)})
	})
	ch.OnError(func(err error) {
		h.events.Publish(Event{Type: "error", Error: err.Error()})
	})
	return h
}

func (h *hostServer) router() http.Handler {
	router := httprouter.New()
	router.GET("/status", h.status)
	router.POST("/tasks/:kind", h.postTask)
	router.GET("/events", h.eventsWS)
	return router
}

// run opens the channel and serves HTTP on listener until the channel closes or ctx is done. When ctx ends
// first, the channel is closed gracefully with reason "done".
func (h *hostServer) run(ctx context.Context, listener net.Listener, initPayload json.RawMessage) error {
	if err := h.ch.Start(); err != nil {
		return fmt.Errorf("starting channel: %w", err)
	}
	defer h.ch.Stop()

	if h.ch.Stats().State == duplex.Opening {
		if err := h.ch.Send(frame.Init{Payload: initPayload}); err != nil {
			return fmt.Errorf("sending init: %w", err)
		}
	}

	server := &http.Server{Handler: h.router()}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		h.log.Infow("serving", "Addr", listener.Addr().String())
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		select {
		case <-h.ch.Done():
		case <-groupCtx.Done():
			h.log.Info("closing channel")
			if err := h.ch.Close(frame.ReasonDone); err != nil {
				h.log.Warnw("error closing channel", "Error", err)
			}
			select {
			case <-h.ch.Done():
			case <-time.After(h.closeGrace + time.Second):
				h.log.Warn("channel did not close in time")
			}
		}
		h.log.Infow("channel closed", "Reason", h.ch.Reason())
		h.events.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

type statusResponse struct {
	Role        frame.Role
	State       duplex.State
	Reason      frame.Reason `json:",omitempty"`
	LocalSeq    uint64
	PeerSeq     uint64
	PeerAck     uint64
	Pending     int
	Subscribers int
}

func (h *hostServer) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	stats := h.ch.Stats()
	writeJSON(w, http.StatusOK, statusResponse{
		Role:        h.ch.Role(),
		State:       stats.State,
		Reason:      h.ch.Reason(),
		LocalSeq:    stats.LocalSeq,
		PeerSeq:     stats.PeerSeq,
		PeerAck:     stats.PeerAck,
		Pending:     h.dispatcher.Pending(),
		Subscribers: h.events.Len(),
	})
}

// postTask dispatches the request body as a task of the given kind and responds with its result.
func (h *hostServer) postTask(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	kind := params.ByName("kind")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTaskBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		body = []byte("null")
	}
	if !json.Valid(body) {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}

	res, err := h.dispatcher.Do(r.Context(), kind, json.RawMessage(body))
	if err != nil {
		h.log.Debugw("task failed", "Kind", kind, "Error", err)
		http.Error(w, err.Error(), taskErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func taskErrorStatus(err error) int {
	switch {
	case errors.Is(err, duplex.ErrNotOpen):
		return http.StatusConflict
	case errors.Is(err, task.ErrChannelClosed), errors.Is(err, duplex.ErrClosed), errors.Is(err, duplex.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// eventsWS streams channel events to a WebSocket client until either side goes away.
func (h *hostServer) eventsWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	h.log.Debug("accepted events subscriber")

	events, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	// the client never sends anything; CloseRead notices when it goes away
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				h.log.Debugf("error writing event: %s", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
