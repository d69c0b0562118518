package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/fsduplex/frame"
	"github.com/guseggert/fsduplex/heartbeat"
	"github.com/guseggert/fsduplex/internal/fsys"
	"github.com/guseggert/fsduplex/linelog"
	"github.com/guseggert/fsduplex/watermark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var log *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l
}

// fakeLog is an in-memory Log. Lines pushed with push are returned by ReadNewLines; appended lines are kept.
type fakeLog struct {
	mu        sync.Mutex
	in        [][]byte
	out       [][]byte
	appendErr error
	readErr   error
	stopped   bool
}

func (l *fakeLog) Start() error { return nil }

func (l *fakeLog) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	return nil
}

func (l *fakeLog) Append(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return l.appendErr
	}
	l.out = append(l.out, append([]byte(nil), line...))
	return nil
}

func (l *fakeLog) ReadNewLines() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	lines := l.in
	l.in = nil
	return lines, nil
}

func (l *fakeLog) push(lines ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range lines {
		l.in = append(l.in, []byte(line))
	}
}

func (l *fakeLog) pushFrame(t *testing.T, f frame.Frame) {
	b, err := frame.Encode(f)
	require.NoError(t, err)
	l.push(string(b))
}

func (l *fakeLog) setAppendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendErr = err
}

func (l *fakeLog) setReadErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readErr = err
}

func (l *fakeLog) written(t *testing.T) []frame.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	var frames []frame.Frame
	for _, line := range l.out {
		f, err := frame.Decode(line)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

func kinds(frames []frame.Frame) []frame.Kind {
	var ks []frame.Kind
	for _, f := range frames {
		ks = append(ks, f.Msg.Kind())
	}
	return ks
}

type recorder struct {
	mu     sync.Mutex
	data   []string
	closes []frame.Reason
	errs   []error
}

func record(d *Duplex) *recorder {
	r := &recorder{}
	d.OnData(func(p json.RawMessage) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.data = append(r.data, string(p))
	})
	d.OnClose(func(reason frame.Reason) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closes = append(r.closes, reason)
	})
	d.OnError(func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, err)
	})
	return r
}

func (r *recorder) Data() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data...)
}

func (r *recorder) Closes() []frame.Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame.Reason(nil), r.closes...)
}

func (r *recorder) Errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func newFake(t *testing.T, role frame.Role, opts ...Option) (*Duplex, *fakeLog, *recorder) {
	t.Helper()
	l := &fakeLog{}
	opts = append([]Option{WithLogger(log), WithPollInterval(tick)}, opts...)
	d, err := New(role, l, opts...)
	require.NoError(t, err)
	r := record(d)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Stop() })
	return d, l, r
}

// openFake brings an initiator to the open state by faking the handler's ack.
func openFake(t *testing.T, opts ...Option) (*Duplex, *fakeLog, *recorder) {
	t.Helper()
	d, l, r := newFake(t, frame.Initiator, opts...)
	require.NoError(t, d.Send(frame.Init{}))
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 1, Ack: 1, Msg: frame.Ack{}})
	require.Eventually(t, func() bool { return d.State() == Open }, waitFor, tick)
	return d, l, r
}

func newFilePair(t *testing.T, initOpts, handlerOpts []Option) (*Duplex, *Duplex) {
	t.Helper()
	dir := t.TempDir()
	out := filepath.Join(dir, "p.out.jsonl")
	in := filepath.Join(dir, "p.in.jsonl")

	initiator, err := New(frame.Initiator, linelog.New(fsys.OS(), out, in),
		append([]Option{WithLogger(log.Named("initiator")), WithPollInterval(tick)}, initOpts...)...)
	require.NoError(t, err)
	handler, err := New(frame.Handler, linelog.New(fsys.OS(), in, out),
		append([]Option{WithLogger(log.Named("handler")), WithPollInterval(tick)}, handlerOpts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		initiator.Stop()
		handler.Stop()
	})
	return initiator, handler
}

func TestHandshakeDataAndClose(t *testing.T) {
	initiator, handler := newFilePair(t, nil, nil)
	ir := record(initiator)
	hr := record(handler)

	require.NoError(t, initiator.Start())
	require.NoError(t, handler.Start())

	require.NoError(t, initiator.Send(frame.Init{}))
	require.Eventually(t, func() bool {
		return initiator.State() == Open && handler.State() == Open
	}, waitFor, tick)

	for i := 1; i <= 3; i++ {
		require.NoError(t, initiator.SendData(map[string]int{"n": i}))
	}
	require.Eventually(t, func() bool { return len(hr.Data()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, hr.Data())

	require.NoError(t, initiator.Close(frame.ReasonDone))
	assert.Equal(t, Closing, initiator.State())

	require.Eventually(t, func() bool { return initiator.State() == Closed }, waitFor, tick)
	require.Eventually(t, func() bool { return len(hr.Closes()) == 1 }, waitFor, tick)
	assert.Equal(t, []frame.Reason{frame.ReasonDone}, hr.Closes())
	require.Eventually(t, func() bool { return len(ir.Closes()) == 1 }, waitFor, tick)
	assert.Equal(t, []frame.Reason{frame.ReasonDone}, ir.Closes())
	assert.Empty(t, ir.Errs())
	assert.Empty(t, hr.Errs())

	select {
	case <-initiator.Done():
	default:
		t.Fatal("Done should be closed")
	}
	assert.Equal(t, frame.ReasonDone, handler.Reason())
}

func TestDataBothWays(t *testing.T) {
	initiator, handler := newFilePair(t, nil, nil)
	ir := record(initiator)
	hr := record(handler)

	// echo everything back
	handler.OnData(func(p json.RawMessage) {
		assert.NoError(t, handler.Send(frame.Data{Payload: p}))
	})

	require.NoError(t, initiator.Start())
	require.NoError(t, handler.Start())
	require.NoError(t, initiator.Send(frame.Init{Payload: json.RawMessage(`"first"`)}))
	require.Eventually(t, func() bool { return initiator.State() == Open }, waitFor, tick)

	var want []string
	want = append(want, `"first"`)
	for i := 0; i < 20; i++ {
		p := json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
		require.NoError(t, initiator.Send(frame.Data{Payload: p}))
		want = append(want, string(p))
	}

	require.Eventually(t, func() bool { return len(ir.Data()) == len(want) }, waitFor, tick)
	assert.Equal(t, want, hr.Data())
	assert.Equal(t, want, ir.Data())

	stats := initiator.Stats()
	assert.Equal(t, uint64(21), stats.LocalSeq)
	assert.Equal(t, uint64(22), stats.PeerSeq)
	assert.Equal(t, uint64(21), stats.PeerAck)
}

func TestSendRejected(t *testing.T) {
	d, _, _ := newFake(t, frame.Initiator)
	assert.ErrorIs(t, d.Send(frame.Data{Payload: json.RawMessage(`1`)}), ErrNotOpen)
	assert.ErrorIs(t, d.Send(frame.Ping{}), ErrNotOpen)
	assert.ErrorIs(t, d.Send(frame.Fin{Reason: frame.ReasonDone}), ErrBadMessage)
	assert.ErrorIs(t, d.Send(frame.FinAck{}), ErrBadMessage)

	h, _, _ := newFake(t, frame.Handler)
	assert.ErrorIs(t, h.Send(frame.Init{}), ErrBadMessage)

	o, _, _ := openFake(t)
	assert.ErrorIs(t, o.Send(frame.Init{}), ErrBadMessage)
	require.NoError(t, o.Close(frame.ReasonDone))
	assert.ErrorIs(t, o.Send(frame.Data{Payload: json.RawMessage(`1`)}), ErrClosed)

	assert.Error(t, o.Close("whatever"))
}

func TestInitPayloadIsFirstData(t *testing.T) {
	h, l, r := newFake(t, frame.Handler)
	l.pushFrame(t, frame.Frame{From: frame.Initiator, Seq: 1, Msg: frame.Init{Payload: json.RawMessage(`{"task":"eval"}`)}})
	l.pushFrame(t, frame.Frame{From: frame.Initiator, Seq: 2, Msg: frame.Data{Payload: json.RawMessage(`2`)}})

	require.Eventually(t, func() bool { return len(r.Data()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{`{"task":"eval"}`, `2`}, r.Data())
	assert.Equal(t, Open, h.State())

	// the handler answers init with an ack that carries the init's seq
	written := l.written(t)
	require.Len(t, written, 1)
	assert.Equal(t, frame.KindAck, written[0].Msg.Kind())
	assert.Equal(t, uint64(1), written[0].Seq)
	assert.Equal(t, uint64(1), written[0].Ack)
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	_, l, r := openFake(t)
	l.push(
		`not json`,
		`{"from":"handler","seq":2,"ack":1,"type":"data","payload":"ok"}`,
		`{"from":"handler","seq":3,"ack":1,"type":"bogus"}`,
		`{"from":"initiator","seq":4,"ack":1,"type":"data","payload":"echo"}`,
		`{"from":"handler","seq":5,"ack":1,"type":"data","payload":"after gap"}`,
	)
	require.Eventually(t, func() bool { return len(r.Data()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{`"ok"`, `"after gap"`}, r.Data())

	errs := r.Errs()
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, frame.ErrDecode)
	}
}

func TestDuplicateFramesDropped(t *testing.T) {
	_, l, r := openFake(t)
	data := func(seq uint64, p string) frame.Frame {
		return frame.Frame{From: frame.Handler, Seq: seq, Ack: 1, Msg: frame.Data{Payload: json.RawMessage(p)}}
	}
	l.pushFrame(t, data(2, `"a"`))
	l.pushFrame(t, data(3, `"b"`))
	l.pushFrame(t, data(3, `"b again"`))
	l.pushFrame(t, data(2, `"a again"`))
	l.pushFrame(t, data(4, `"c"`))

	require.Eventually(t, func() bool { return len(r.Data()) == 3 }, waitFor, tick)
	time.Sleep(5 * tick)
	assert.Equal(t, []string{`"a"`, `"b"`, `"c"`}, r.Data())
}

func TestPingAnsweredWithPong(t *testing.T) {
	d, l, r := openFake(t)
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 2, Ack: 1, Msg: frame.Ping{}})

	require.Eventually(t, func() bool { return len(l.written(t)) == 2 }, waitFor, tick)
	written := l.written(t)
	assert.Equal(t, []frame.Kind{frame.KindInit, frame.KindPong}, kinds(written))
	assert.Equal(t, uint64(2), written[1].Ack)
	assert.Empty(t, r.Data())

	require.NoError(t, d.Send(frame.Ping{}))
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 3, Ack: 3, Msg: frame.Pong{}})
	require.Eventually(t, func() bool { return d.Stats().PeerAck == 3 }, waitFor, tick)
	assert.Equal(t, Open, d.State())
}

func TestPeerFin(t *testing.T) {
	d, l, r := openFake(t)
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 2, Ack: 1, Msg: frame.Fin{Reason: frame.ReasonError}})

	require.Eventually(t, func() bool { return d.State() == Closed }, waitFor, tick)
	assert.Equal(t, frame.ReasonError, d.Reason())
	require.Eventually(t, func() bool { return len(r.Closes()) == 1 }, waitFor, tick)
	assert.Equal(t, []frame.Reason{frame.ReasonError}, r.Closes())
	assert.Equal(t, []frame.Kind{frame.KindInit, frame.KindFinAck}, kinds(l.written(t)))

	// frames after close are ignored
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 3, Ack: 1, Msg: frame.Data{Payload: json.RawMessage(`1`)}})
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 4, Ack: 1, Msg: frame.Fin{Reason: frame.ReasonDone}})
	time.Sleep(5 * tick)
	assert.Empty(t, r.Data())
	assert.Len(t, r.Closes(), 1)
}

func TestCloseConfirmedByPeerFin(t *testing.T) {
	d, l, r := openFake(t, WithCloseGrace(time.Hour))
	require.NoError(t, d.Close(frame.ReasonError))
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 2, Ack: 1, Msg: frame.Fin{Reason: frame.ReasonDone}})

	require.Eventually(t, func() bool { return len(r.Closes()) == 1 }, waitFor, tick)
	assert.Equal(t, []frame.Reason{frame.ReasonError}, r.Closes())
}

func TestSimultaneousClose(t *testing.T) {
	initiator, handler := newFilePair(t, []Option{WithCloseGrace(time.Hour)}, []Option{WithCloseGrace(time.Hour)})
	require.NoError(t, initiator.Start())
	require.NoError(t, handler.Start())
	require.NoError(t, initiator.Send(frame.Init{}))
	require.Eventually(t, func() bool {
		return initiator.State() == Open && handler.State() == Open
	}, waitFor, tick)

	// each side either sees the other's fin while closing, or answers it with fin_ack first
	require.NoError(t, initiator.Close(frame.ReasonDone))
	require.NoError(t, handler.Close(frame.ReasonDone))

	for _, d := range []*Duplex{initiator, handler} {
		select {
		case <-d.Done():
		case <-time.After(waitFor):
			t.Fatalf("%s did not close", d.Role())
		}
		assert.Equal(t, frame.ReasonDone, d.Reason())
	}
}

func TestCloseGraceFallback(t *testing.T) {
	d, _, r := openFake(t, WithCloseGrace(50*time.Millisecond))
	start := time.Now()
	require.NoError(t, d.Close(frame.ReasonError))
	assert.Equal(t, Closing, d.State())

	<-d.Done()
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Eventually(t, func() bool { return len(r.Closes()) == 1 }, waitFor, tick)
	assert.Equal(t, []frame.Reason{frame.ReasonError}, r.Closes())

	// a second close is a no-op
	require.NoError(t, d.Close(frame.ReasonDone))
	time.Sleep(5 * tick)
	assert.Len(t, r.Closes(), 1)
}

func TestCloseAfterInitSendsFin(t *testing.T) {
	d, l, r := newFake(t, frame.Initiator)
	require.NoError(t, d.Send(frame.Init{}))
	require.NoError(t, d.Close(frame.ReasonError))

	assert.Equal(t, Closed, d.State())
	assert.Equal(t, []frame.Kind{frame.KindInit, frame.KindFin}, kinds(l.written(t)))
	require.Eventually(t, func() bool { return len(r.Closes()) == 1 }, waitFor, tick)
	assert.Equal(t, []frame.Reason{frame.ReasonError}, r.Closes())
}

func TestCloseBeforeAckReachesHandler(t *testing.T) {
	initiator, handler := newFilePair(t, nil, nil)
	hr := record(handler)

	require.NoError(t, initiator.Start())
	require.NoError(t, initiator.Send(frame.Init{}))
	// the handler is not running yet, so no ack can have arrived
	require.NoError(t, initiator.Close(frame.ReasonDone))
	assert.Equal(t, Closed, initiator.State())

	require.NoError(t, handler.Start())
	select {
	case <-handler.Done():
	case <-time.After(waitFor):
		t.Fatal("handler never learned the channel was closed")
	}
	assert.Equal(t, frame.ReasonDone, handler.Reason())
	require.Eventually(t, func() bool { return len(hr.Closes()) == 1 }, waitFor, tick)
}

func TestPeerSeqSavedAfterDelivery(t *testing.T) {
	marks := watermark.NewMemoryStore()
	h, l, _ := newFake(t, frame.Handler, WithWatermarks(marks, "w"))

	var seen []uint64
	var mu sync.Mutex
	h.OnData(func(json.RawMessage) {
		m, err := marks.Load(context.Background(), "w", frame.Handler)
		assert.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, m.PeerSeq)
	})

	initLine, err := frame.Encode(frame.Frame{From: frame.Initiator, Seq: 1, Msg: frame.Init{}})
	require.NoError(t, err)
	dataLine, err := frame.Encode(frame.Frame{From: frame.Initiator, Seq: 2, Msg: frame.Data{Payload: json.RawMessage(`"x"`)}})
	require.NoError(t, err)
	l.push(string(initLine), string(dataLine))

	require.Eventually(t, func() bool {
		m, err := marks.Load(context.Background(), "w", frame.Handler)
		return err == nil && m.PeerSeq == 2
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Less(t, seen[0], uint64(2))
}

func TestCloseWhileOpening(t *testing.T) {
	d, l, r := newFake(t, frame.Initiator)
	require.NoError(t, d.Close(frame.ReasonError))
	assert.Equal(t, Closed, d.State())
	require.Eventually(t, func() bool { return len(r.Closes()) == 1 }, waitFor, tick)
	assert.Empty(t, l.written(t))
}

func TestFinWriteFailureForcesClose(t *testing.T) {
	d, l, r := openFake(t)
	l.setAppendErr(errors.New("disk full"))
	err := d.Close(frame.ReasonDone)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, Closed, d.State())
	require.Eventually(t, func() bool { return len(r.Closes()) == 1 && len(r.Errs()) == 1 }, waitFor, tick)
}

func TestWriteFailureKeepsChannelOpen(t *testing.T) {
	d, l, r := openFake(t)
	l.setAppendErr(errors.New("disk full"))

	err := d.Send(frame.Data{Payload: json.RawMessage(`1`)})
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, Open, d.State())
	require.Eventually(t, func() bool { return len(r.Errs()) == 1 }, waitFor, tick)

	// the failed write did not use up a seq
	l.setAppendErr(nil)
	require.NoError(t, d.Send(frame.Data{Payload: json.RawMessage(`2`)}))
	written := l.written(t)
	require.Len(t, written, 2)
	assert.Equal(t, uint64(2), written[1].Seq)
}

func TestReadFailureRetried(t *testing.T) {
	d, l, r := openFake(t)
	l.setReadErr(errors.New("EIO"))
	require.Eventually(t, func() bool { return len(r.Errs()) > 0 }, waitFor, tick)
	assert.Equal(t, Open, d.State())

	l.setReadErr(nil)
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 2, Ack: 1, Msg: frame.Data{Payload: json.RawMessage(`"late"`)}})
	require.Eventually(t, func() bool { return len(r.Data()) == 1 }, waitFor, tick)
}

type fakeLiveness struct{ alive atomic.Bool }

func (f *fakeLiveness) IsAlive(time.Duration) (bool, error) { return f.alive.Load(), nil }

func TestLivenessTimeout(t *testing.T) {
	live := &fakeLiveness{}
	live.alive.Store(true)
	d, _, r := openFake(t, WithLivenessReader(live, 40*time.Millisecond))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Open, d.State())

	live.alive.Store(false)
	require.Eventually(t, func() bool { return d.State() == Closed }, waitFor, tick)
	assert.Equal(t, frame.ReasonTimeout, d.Reason())
	require.Eventually(t, func() bool { return len(r.Closes()) == 1 }, waitFor, tick)

	errs := r.Errs()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrPeerTimeout)
}

func TestLivenessIgnoredWhileOpening(t *testing.T) {
	live := &fakeLiveness{}
	d, _, r := newFake(t, frame.Initiator, WithLivenessReader(live, 20*time.Millisecond))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Opening, d.State())
	assert.Empty(t, r.Errs())
}

func TestHeartbeatFileTimeout(t *testing.T) {
	dir := t.TempDir()
	hbPath := filepath.Join(dir, "p.heartbeat.json")
	timeout := 200 * time.Millisecond

	writer := heartbeat.NewWriter(fsys.OS(), hbPath, timeout/2)
	reader := heartbeat.NewReader(fsys.OS(), hbPath)
	initiator, handler := newFilePair(t,
		[]Option{WithLivenessReader(reader, timeout)},
		[]Option{WithLivenessWriter(writer)},
	)
	ir := record(initiator)

	require.NoError(t, handler.Start())
	require.NoError(t, initiator.Start())
	require.NoError(t, initiator.Send(frame.Init{}))
	require.Eventually(t, func() bool { return initiator.State() == Open }, waitFor, tick)

	// the handler stays healthy for several timeouts
	time.Sleep(3 * timeout)
	require.Equal(t, Open, initiator.State())

	// the handler vanishes
	require.NoError(t, handler.Stop())
	lastBeat, ok, err := reader.LastBeat()
	require.NoError(t, err)
	require.True(t, ok)

	// closed no later than one check interval after the heartbeat went stale
	<-initiator.Done()
	elapsed := time.Since(lastBeat)
	assert.Equal(t, frame.ReasonTimeout, initiator.Reason())
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+timeout/2+50*time.Millisecond)

	require.Eventually(t, func() bool { return len(ir.Closes()) == 1 }, waitFor, tick)
	errs := ir.Errs()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrPeerTimeout)
}

func TestStartIdempotentAndStop(t *testing.T) {
	l := &fakeLog{}
	d, err := New(frame.Initiator, l, WithPollInterval(tick))
	require.NoError(t, err)
	r := record(d)

	require.NoError(t, d.Start())
	require.NoError(t, d.Start())
	require.NoError(t, d.Send(frame.Init{}))
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 1, Ack: 1, Msg: frame.Ack{}})
	require.Eventually(t, func() bool { return d.State() == Open }, waitFor, tick)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	l.mu.Lock()
	assert.True(t, l.stopped)
	l.mu.Unlock()

	// stop does not change protocol state, and nothing is delivered afterwards
	assert.Equal(t, Open, d.State())
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 2, Ack: 1, Msg: frame.Data{Payload: json.RawMessage(`1`)}})
	time.Sleep(5 * tick)
	assert.Empty(t, r.Data())
	assert.ErrorIs(t, d.Send(frame.Data{Payload: json.RawMessage(`1`)}), ErrStopped)
	assert.NoError(t, d.Start())
}

func TestStateChanges(t *testing.T) {
	l := &fakeLog{}
	d, err := New(frame.Initiator, l, WithPollInterval(tick), WithCloseGrace(time.Hour))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	d.OnStateChange(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, from.String()+">"+to.String())
	})
	require.NoError(t, d.Start())
	defer d.Stop()

	require.NoError(t, d.Send(frame.Init{}))
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 1, Ack: 1, Msg: frame.Ack{}})
	require.Eventually(t, func() bool { return d.State() == Open }, waitFor, tick)
	require.NoError(t, d.Close(frame.ReasonDone))
	l.pushFrame(t, frame.Frame{From: frame.Handler, Seq: 2, Ack: 2, Msg: frame.FinAck{}})
	<-d.Done()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, waitFor, tick)
	assert.Equal(t, []string{"opening>open", "open>closing", "closing>closed"}, seen)
	assert.Equal(t, frame.ReasonDone, d.Reason())
}

func TestWatermarksSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "p.out.jsonl")
	in := filepath.Join(dir, "p.in.jsonl")
	marks := watermark.NewMemoryStore()

	newHandler := func() (*Duplex, *recorder) {
		h, err := New(frame.Handler, linelog.New(fsys.OS(), in, out),
			WithLogger(log.Named("handler")), WithPollInterval(tick), WithWatermarks(marks, "p"))
		require.NoError(t, err)
		return h, record(h)
	}

	initiator, err := New(frame.Initiator, linelog.New(fsys.OS(), out, in), WithLogger(log.Named("initiator")), WithPollInterval(tick))
	require.NoError(t, err)
	ir := record(initiator)
	t.Cleanup(func() { initiator.Stop() })

	handler, hr := newHandler()
	require.NoError(t, handler.Start())
	require.NoError(t, initiator.Start())
	require.NoError(t, initiator.Send(frame.Init{}))
	require.Eventually(t, func() bool { return initiator.State() == Open }, waitFor, tick)
	require.NoError(t, initiator.SendData(1))
	require.NoError(t, initiator.SendData(2))
	require.Eventually(t, func() bool { return len(hr.Data()) == 2 }, waitFor, tick)
	require.NoError(t, handler.SendData("before restart"))
	require.Eventually(t, func() bool {
		m, err := marks.Load(context.Background(), "p", frame.Handler)
		return err == nil && m.PeerSeq == 3
	}, waitFor, tick)
	require.NoError(t, handler.Stop())

	// a restarted handler re-reads the whole log but delivers nothing it already processed
	restarted, rr := newHandler()
	t.Cleanup(func() { restarted.Stop() })
	require.NoError(t, restarted.Start())
	assert.Equal(t, Open, restarted.State())

	require.NoError(t, initiator.SendData(3))
	require.Eventually(t, func() bool { return len(rr.Data()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{`3`}, rr.Data())

	// and it keeps numbering where it left off, so the initiator does not drop its frames as duplicates
	require.NoError(t, restarted.SendData("after restart"))
	require.Eventually(t, func() bool { return len(ir.Data()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{`"before restart"`, `"after restart"`}, ir.Data())
}

func TestWatermarksRememberClose(t *testing.T) {
	marks := watermark.NewMemoryStore()
	d, _, _ := openFake(t, WithWatermarks(marks, "c"), WithCloseGrace(time.Millisecond))
	require.NoError(t, d.Close(frame.ReasonError))
	<-d.Done()

	again, err := New(frame.Initiator, &fakeLog{}, WithPollInterval(tick), WithWatermarks(marks, "c"))
	require.NoError(t, err)
	ar := record(again)
	require.NoError(t, again.Start())
	defer again.Stop()

	assert.Equal(t, Closed, again.State())
	assert.Equal(t, frame.ReasonError, again.Reason())
	require.Eventually(t, func() bool { return len(ar.Closes()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, again.Send(frame.Init{}), ErrClosed)
}

func TestNewValidates(t *testing.T) {
	_, err := New("observer", &fakeLog{})
	assert.Error(t, err)
	_, err = New(frame.Initiator, nil)
	assert.Error(t, err)
	_, err = New(frame.Initiator, &fakeLog{}, WithPollInterval(0))
	assert.Error(t, err)
}

func TestStateText(t *testing.T) {
	for _, s := range []State{Opening, Open, Closing, Closed} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("half-open")))
}
