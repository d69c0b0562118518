package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/fsduplex/frame"
	"github.com/guseggert/fsduplex/watermark"
	"go.uber.org/zap"
)

var (
	// ErrNotOpen is returned when sending a message the current state does not permit yet.
	ErrNotOpen = errors.New("channel is not open")
	// ErrClosed is returned when sending on a channel that is closing or closed.
	ErrClosed = errors.New("channel is closing or closed")
	// ErrPeerTimeout is reported through OnError when the peer's heartbeat goes stale.
	ErrPeerTimeout = errors.New("peer heartbeat timed out")
	// ErrStopped is returned by Send and Close after Stop.
	ErrStopped = errors.New("duplex stopped")
	// ErrBadMessage is returned when a message kind can never be sent from this role or through Send.
	ErrBadMessage = errors.New("message not allowed")
)

// Log is the append-only log pair a Duplex reads and writes. See package linelog.
type Log interface {
	Start() error
	Stop() error
	Append(line []byte) error
	ReadNewLines() ([][]byte, error)
}

// LivenessReader judges whether the peer is still stamping its heartbeat.
type LivenessReader interface {
	IsAlive(timeout time.Duration) (bool, error)
}

// LivenessWriter stamps this party's heartbeat while started. Stamp failures go to the func passed to
// SetErrorHandler, which the Duplex sets to report them through OnError.
type LivenessWriter interface {
	Start()
	Stop()
	SetErrorHandler(f func(error))
}

type sizer interface {
	Size() (int64, error)
}

// Duplex is one party of a channel. It owns the sequence counters and the connection state, and turns the
// peer's log into events.
//
// All ticks run on a single goroutine. Event handlers are called from that goroutine without any lock held,
// so they may call Send and Close. They must not call Stop synchronously, since Stop waits for the loop.
type Duplex struct {
	log  *zap.SugaredLogger
	role frame.Role

	lines           Log
	livenessReader  LivenessReader
	livenessWriter  LivenessWriter
	livenessTimeout time.Duration
	livenessCheck   time.Duration
	pollInterval    time.Duration
	closeGrace      time.Duration
	sizeWarning     int64

	marks       watermark.Store
	channelName string

	mu            sync.Mutex
	state         State
	reason        frame.Reason
	closeReason   frame.Reason
	closeDeadline time.Time
	localSeq      uint64
	peerSeq       uint64
	peerAck       uint64
	saved         watermark.Mark
	warnedSize    bool
	pending       []event
	handlers      handlers

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
	stopErr   error
	started   atomic.Bool
	stopped   atomic.Bool
	wake      chan struct{}
	loopDone  chan struct{}
	done      chan struct{}
}

// New builds a Duplex for role over lines. It does nothing until Start is called.
func New(role frame.Role, lines Log, opts ...Option) (*Duplex, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	if lines == nil {
		return nil, errors.New("nil log")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Duplex{
		log:             zap.NewNop().Sugar(),
		role:            role,
		lines:           lines,
		pollInterval:    DefaultPollInterval,
		livenessTimeout: DefaultHeartbeatTimeout,
		closeGrace:      DefaultCloseGrace,
		sizeWarning:     DefaultLogSizeWarning,
		ctx:             ctx,
		cancel:          cancel,
		wake:            make(chan struct{}, 1),
		loopDone:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.livenessCheck <= 0 {
		d.livenessCheck = d.livenessTimeout / 2
	}
	if d.pollInterval <= 0 || d.livenessCheck <= 0 {
		cancel()
		return nil, errors.New("poll and heartbeat intervals must be positive")
	}
	d.log = d.log.With("Role", role)
	if d.livenessWriter != nil {
		d.livenessWriter.SetErrorHandler(d.stampFailed)
	}
	return d, nil
}

// Role is the role this party plays in the handshake.
func (d *Duplex) Role() frame.Role { return d.role }

// State returns the current connection state.
func (d *Duplex) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reason returns the close reason, or "" while the channel is not closed.
func (d *Duplex) Reason() frame.Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

// Done is closed when the channel reaches the closed state.
func (d *Duplex) Done() <-chan struct{} { return d.done }

// Stats is a snapshot of the sequence bookkeeping.
type Stats struct {
	State    State
	LocalSeq uint64
	PeerSeq  uint64
	PeerAck  uint64
}

// Stats returns the current state and sequence counters.
func (d *Duplex) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{State: d.state, LocalSeq: d.localSeq, PeerSeq: d.peerSeq, PeerAck: d.peerAck}
}

// Start restores persisted watermarks if configured, opens the logs, starts the heartbeat writer if this
// party has one, and begins polling. Calling Start again returns the first call's result.
func (d *Duplex) Start() error {
	d.startOnce.Do(func() {
		if d.stopped.Load() {
			d.startErr = ErrStopped
			return
		}
		if err := d.restore(); err != nil {
			d.startErr = err
			return
		}
		if err := d.lines.Start(); err != nil {
			d.startErr = fmt.Errorf("starting log: %w", err)
			return
		}
		if d.livenessWriter != nil {
			d.livenessWriter.Start()
		}
		d.started.Store(true)
		d.log.Debugw("started", "PollInterval", d.pollInterval, "HeartbeatTimeout", d.livenessTimeout)
		go d.run()
	})
	return d.startErr
}

// Stop halts both timers and releases the log and heartbeat resources. It does not change the connection
// state, and no handler is called after it returns.
func (d *Duplex) Stop() error {
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		d.cancel()
		if !d.started.Load() {
			return
		}
		<-d.loopDone
		if d.livenessWriter != nil {
			d.livenessWriter.Stop()
		}
		d.stopErr = d.lines.Stop()
		d.log.Debug("stopped")
	})
	return d.stopErr
}

// Send appends msg to the outbound log. Init is only valid while opening and only from the initiator; Data,
// Ack, Ping and Pong require the open state. Fin and FinAck are driven by Close and by the protocol itself.
// A write failure is returned and reported through OnError but leaves the state unchanged.
func (d *Duplex) Send(msg frame.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped.Load() {
		return ErrStopped
	}
	if d.state == Closing || d.state == Closed {
		return ErrClosed
	}
	switch msg.(type) {
	case frame.Init:
		if d.role != frame.Initiator {
			return fmt.Errorf("%w: only the initiator sends init", ErrBadMessage)
		}
		if d.state != Opening {
			return fmt.Errorf("%w: init on an open channel", ErrBadMessage)
		}
	case frame.Data, frame.Ack, frame.Ping, frame.Pong:
		if d.state != Open {
			return ErrNotOpen
		}
	case frame.Fin, frame.FinAck:
		return fmt.Errorf("%w: use Close to end the channel", ErrBadMessage)
	default:
		return fmt.Errorf("%w: %T", ErrBadMessage, msg)
	}

	if err := d.sendLocked(msg); err != nil {
		d.emitError(err)
		return err
	}
	return nil
}

// SendData marshals v as JSON and sends it as a data frame.
func (d *Duplex) SendData(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	return d.Send(frame.Data{Payload: b})
}

// Close starts a graceful close. From open it sends fin and waits up to the grace period for fin_ack (or the
// peer's own fin) before closing anyway. From opening the channel closes at once; if init was already written,
// a fin follows it so the peer does not open a channel nobody is on. Closing a channel that is already closing
// or closed is a no-op.
func (d *Duplex) Close(reason frame.Reason) error {
	if !reason.Valid() {
		return fmt.Errorf("invalid close reason %q", reason)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped.Load() {
		return ErrStopped
	}

	switch d.state {
	case Opening:
		var err error
		if d.localSeq > 0 {
			if err = d.sendLocked(frame.Fin{Reason: reason}); err != nil {
				d.emitError(err)
			}
		}
		d.closeLocked(reason)
		return err
	case Open:
		d.closeReason = reason
		if err := d.sendLocked(frame.Fin{Reason: reason}); err != nil {
			d.emitError(err)
			d.closeLocked(reason)
			return err
		}
		d.transition(Closing)
		d.closeDeadline = time.Now().Add(d.closeGrace)
		return nil
	default:
		return nil
	}
}

// sendLocked writes msg with the next local seq. The seq is only consumed once the write succeeds.
func (d *Duplex) sendLocked(msg frame.Message) error {
	seq := d.localSeq + 1
	line, err := frame.Encode(frame.Frame{From: d.role, Seq: seq, Ack: d.peerSeq, Msg: msg})
	if err != nil {
		return err
	}
	if d.marks != nil && seq > d.saved.LocalSeq {
		// reserve the seq before writing so a restart never reuses it
		if err := d.saveLocked(watermark.Mark{PeerSeq: d.saved.PeerSeq, LocalSeq: seq}); err != nil {
			return err
		}
	}
	if err := d.lines.Append(line); err != nil {
		return fmt.Errorf("writing %s frame: %w", msg.Kind(), err)
	}
	d.localSeq = seq
	d.log.Debugw("sent frame", "Seq", seq, "Type", msg.Kind())
	return nil
}

func (d *Duplex) run() {
	defer close(d.loopDone)

	poll := time.NewTicker(d.pollInterval)
	defer poll.Stop()

	var livenessC <-chan time.Time
	if d.livenessReader != nil {
		t := time.NewTicker(d.livenessCheck)
		defer t.Stop()
		livenessC = t.C
	}

	d.poll()
	d.flush()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-poll.C:
			d.poll()
		case <-livenessC:
			d.checkLiveness()
		case <-d.wake:
		}
		d.flush()
	}
}

// poll consumes the peer log and enforces the close grace period.
func (d *Duplex) poll() {
	lines, err := d.lines.ReadNewLines()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped.Load() {
		return
	}
	if err != nil {
		d.emitError(fmt.Errorf("reading peer log: %w", err))
	}

	for _, line := range lines {
		f, err := frame.Decode(line)
		if err != nil {
			d.emitError(err)
			continue
		}
		if f.From != d.role.Peer() {
			d.emitError(fmt.Errorf("%w: frame from %s in the %s log", frame.ErrDecode, f.From, d.role.Peer()))
			continue
		}
		if f.Seq <= d.peerSeq {
			d.log.Debugw("dropping already seen frame", "Seq", f.Seq, "Watermark", d.peerSeq)
			continue
		}
		if f.Seq != d.peerSeq+1 {
			d.log.Debugw("gap in peer sequence", "Expected", d.peerSeq+1, "Got", f.Seq)
		}
		d.peerSeq = f.Seq
		d.peerAck = max(d.peerAck, f.Ack)
		d.handleFrame(f)
	}

	if d.state == Closing && time.Now().After(d.closeDeadline) {
		d.log.Debugw("close grace period elapsed without fin_ack", "Grace", d.closeGrace)
		d.closeLocked(d.closeReason)
	}

	if d.marks != nil && d.peerSeq > d.saved.PeerSeq {
		// saved by flush once the handlers have seen everything up to peerSeq
		d.emit(event{kind: eventPersist, seq: d.peerSeq})
	}
	d.checkSizeLocked()
}

func (d *Duplex) handleFrame(f frame.Frame) {
	if d.state == Closed {
		d.log.Debugw("ignoring frame after close", "Frame", f)
		return
	}

	switch m := f.Msg.(type) {
	case frame.Init:
		if d.state != Opening {
			d.log.Debugw("ignoring init", "State", d.state)
			return
		}
		d.transition(Open)
		if d.role == frame.Handler {
			d.reply(frame.Ack{})
		}
		if len(m.Payload) > 0 {
			d.emit(event{kind: eventData, payload: m.Payload})
		}
	case frame.Ack:
		if d.state == Opening {
			d.transition(Open)
		}
	case frame.Data:
		if d.state != Open {
			d.log.Debugw("ignoring data", "State", d.state, "Seq", f.Seq)
			return
		}
		d.emit(event{kind: eventData, payload: m.Payload})
	case frame.Ping:
		if d.state == Open {
			d.reply(frame.Pong{})
		}
	case frame.Pong:
	case frame.Fin:
		switch d.state {
		case Closing:
			// both sides sent fin; the peer's fin confirms ours
			d.closeLocked(d.closeReason)
		default:
			d.reply(frame.FinAck{})
			d.closeLocked(m.Reason)
		}
	case frame.FinAck:
		if d.state == Closing {
			d.closeLocked(frame.ReasonDone)
		}
	}
}

func (d *Duplex) reply(msg frame.Message) {
	if err := d.sendLocked(msg); err != nil {
		d.emitError(err)
	}
}

func (d *Duplex) checkLiveness() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Open || d.stopped.Load() {
		return
	}
	alive, err := d.livenessReader.IsAlive(d.livenessTimeout)
	if err != nil {
		d.emitError(fmt.Errorf("checking peer heartbeat: %w", err))
		return
	}
	if !alive {
		d.log.Debugw("peer heartbeat is stale, closing", "Timeout", d.livenessTimeout)
		d.emitError(ErrPeerTimeout)
		d.closeLocked(frame.ReasonTimeout)
	}
}

func (d *Duplex) checkSizeLocked() {
	if d.warnedSize || d.sizeWarning <= 0 {
		return
	}
	s, ok := d.lines.(sizer)
	if !ok {
		return
	}
	size, err := s.Size()
	if err != nil || size < d.sizeWarning {
		return
	}
	d.warnedSize = true
	d.log.Warnw("outbound log is large; logs are never compacted", "Bytes", size, "Threshold", d.sizeWarning)
}

func (d *Duplex) transition(to State) {
	from := d.state
	if from == to {
		return
	}
	d.state = to
	d.log.Debugw("state change", "From", from, "To", to)
	d.emit(event{kind: eventState, from: from, to: to})
}

// closeLocked moves to the terminal state. It is the only place that closes done and emits OnClose.
func (d *Duplex) closeLocked(reason frame.Reason) {
	if d.state == Closed {
		return
	}
	d.transition(Closed)
	d.reason = reason
	close(d.done)
	if d.marks != nil {
		if err := d.saveLocked(watermark.Mark{PeerSeq: d.saved.PeerSeq, LocalSeq: d.localSeq, Closed: reason}); err != nil {
			d.emitError(err)
		}
	}
	d.emit(event{kind: eventClose, reason: reason})
}

// persistPeerSeq records that every frame up to seq has been delivered.
func (d *Duplex) persistPeerSeq(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped.Load() || seq <= d.saved.PeerSeq {
		return
	}
	if err := d.saveLocked(watermark.Mark{PeerSeq: seq, LocalSeq: d.localSeq}); err != nil {
		d.emitError(err)
	}
}

func (d *Duplex) stampFailed(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped.Load() {
		return
	}
	d.emitError(fmt.Errorf("stamping heartbeat: %w", err))
}

func (d *Duplex) saveLocked(m watermark.Mark) error {
	if err := d.marks.Save(d.ctx, d.channelName, d.role, m); err != nil {
		return fmt.Errorf("persisting watermark: %w", err)
	}
	d.saved.PeerSeq = max(d.saved.PeerSeq, m.PeerSeq)
	d.saved.LocalSeq = max(d.saved.LocalSeq, m.LocalSeq)
	return nil
}

// restore seeds the counters from the watermark store. A channel whose handshake had completed resumes open;
// one that had closed stays closed.
func (d *Duplex) restore() error {
	if d.marks == nil {
		return nil
	}
	m, err := d.marks.Load(d.ctx, d.channelName, d.role)
	if err != nil {
		return fmt.Errorf("loading watermark: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerSeq = m.PeerSeq
	d.localSeq = m.LocalSeq
	d.saved = m
	switch {
	case m.Closed != "":
		d.closeLocked(m.Closed)
	case m.PeerSeq > 0 && m.LocalSeq > 0:
		d.transition(Open)
	}
	d.log.Debugw("restored watermark", "PeerSeq", m.PeerSeq, "LocalSeq", m.LocalSeq, "State", d.state)
	return nil
}
