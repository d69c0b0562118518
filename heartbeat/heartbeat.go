// Package heartbeat implements out-of-band liveness over a shared directory. The party that may vanish without
// warning runs a Writer, which keeps replacing a small file with the current time; the party that must notice
// runs a Reader and judges how stale that time is.
package heartbeat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/fsduplex/internal/fsys"
	"go.uber.org/zap"
)

// Writer stamps the heartbeat file on an interval.
type Writer struct {
	log      *zap.SugaredLogger
	fs       fsys.FS
	path     string
	interval time.Duration
	now      func() time.Time
	onError  func(error)

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type WriterOption func(w *Writer)

func WithWriterLogger(l *zap.Logger) WriterOption {
	return func(w *Writer) {
		w.log = l.Named("heartbeat_writer").Sugar()
	}
}

// WithErrorHandler receives stamp failures from the background loop. Failures are otherwise only logged.
func WithErrorHandler(f func(error)) WriterOption {
	return func(w *Writer) {
		w.onError = f
	}
}

func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		w.now = now
	}
}

func NewWriter(filesystem fsys.FS, path string, interval time.Duration, opts ...WriterOption) *Writer {
	w := &Writer{
		log:      zap.NewNop().Sugar(),
		fs:       filesystem,
		path:     path,
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Stamp replaces the heartbeat file with the current time in milliseconds since the epoch.
// The new content is written to a temporary file and renamed into place, so a reader never sees a partial value.
func (w *Writer) Stamp() error {
	b, err := json.Marshal(w.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}
	tmp := w.path + ".tmp"
	f, err := w.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temporary heartbeat file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		w.fs.Remove(tmp)
		return fmt.Errorf("writing temporary heartbeat file: %w", err)
	}
	if err := f.Close(); err != nil {
		w.fs.Remove(tmp)
		return fmt.Errorf("closing temporary heartbeat file: %w", err)
	}
	if err := w.fs.Rename(tmp, w.path); err != nil {
		w.fs.Remove(tmp)
		return fmt.Errorf("renaming heartbeat file into place: %w", err)
	}
	return nil
}

// SetErrorHandler replaces the handler given with WithErrorHandler. It must be called before Start.
func (w *Writer) SetErrorHandler(f func(error)) {
	w.onError = f
}

func (w *Writer) stamp() {
	if err := w.Stamp(); err != nil {
		w.log.Debugf("heartbeat stamp error: %s", err)
		if w.onError != nil {
			w.onError(err)
		}
	}
}

// Start stamps immediately and then on every interval until Stop is called. Subsequent calls are no-ops.
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		w.stamp()
		go func() {
			defer close(w.done)
			ticker := time.NewTicker(w.interval)
			defer ticker.Stop()
			for {
				select {
				case <-w.stop:
					return
				case <-ticker.C:
				}
				w.stamp()
			}
		}()
	})
}

// Stop halts stamping and waits for the background loop to exit. The file is left in place.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	started := true
	w.startOnce.Do(func() { started = false })
	if started {
		<-w.done
	}
}

// Reader judges the staleness of a heartbeat file written by the peer.
type Reader struct {
	fs   fsys.FS
	path string
	now  func() time.Time
}

type ReaderOption func(r *Reader)

func WithReaderClock(now func() time.Time) ReaderOption {
	return func(r *Reader) {
		r.now = now
	}
}

func NewReader(filesystem fsys.FS, path string, opts ...ReaderOption) *Reader {
	r := &Reader{fs: filesystem, path: path, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// LastBeat returns the last stamped time. ok is false when the file is missing, unreadable or corrupt;
// err is only set for unexpected I/O failures.
func (r *Reader) LastBeat() (t time.Time, ok bool, err error) {
	b, err := r.fs.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading heartbeat file: %w", err)
	}
	ms, err := strconv.ParseInt(string(bytes.TrimSpace(b)), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// IsAlive reports whether the peer stamped the file less than timeout ago. It fails closed.
func (r *Reader) IsAlive(timeout time.Duration) (bool, error) {
	last, ok, err := r.LastBeat()
	if err != nil || !ok {
		return false, err
	}
	return r.now().Sub(last) < timeout, nil
}
