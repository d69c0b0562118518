// Package linelog implements the append-only, newline-delimited log pair that a party uses to talk to its
// peer: one file it appends to, and one file it tails.
package linelog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/guseggert/fsduplex/internal/fsys"
	"go.uber.org/zap"
)

// defaultReadChunk bounds how much of the peer log is read per call, so one poll never stalls on a huge backlog.
const defaultReadChunk = 1 << 20

var (
	ErrNotStarted = errors.New("log not started")
	ErrNewline    = errors.New("line contains a newline")
)

// Log appends lines to one file and reads new lines from another.
// Lines returned by ReadNewLines are never partial and never returned twice by the same Log.
type Log struct {
	log *zap.SugaredLogger
	fs  fsys.FS

	outPath   string
	inPath    string
	readChunk int

	mu      sync.Mutex
	out     *os.File
	offset  int64
	partial []byte
}

type Option func(l *Log)

func WithLogger(l *zap.Logger) Option {
	return func(lg *Log) {
		lg.log = l.Named("linelog").Sugar()
	}
}

// WithStartOffset makes the reader resume at byte offset n of the peer log instead of its beginning.
func WithStartOffset(n int64) Option {
	return func(l *Log) {
		l.offset = n
	}
}

func WithReadChunk(n int) Option {
	return func(l *Log) {
		l.readChunk = n
	}
}

// New builds a Log that appends to outPath and tails inPath, both resolved through filesystem.
func New(filesystem fsys.FS, outPath, inPath string, opts ...Option) *Log {
	l := &Log{
		log:       zap.NewNop().Sugar(),
		fs:        filesystem,
		outPath:   outPath,
		inPath:    inPath,
		readChunk: defaultReadChunk,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start opens (creating if needed) the outbound file. Calling Start on a started Log is a no-op.
func (l *Log) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out != nil {
		return nil
	}
	f, err := l.fs.OpenFile(l.outPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening outbound log %q: %w", l.outPath, err)
	}
	l.out = f
	l.log.Debugw("started", "Out", l.outPath, "In", l.inPath, "Offset", l.offset)
	return nil
}

func (l *Log) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

// Append writes line plus a trailing newline with a single write on an O_APPEND handle.
func (l *Log) Append(line []byte) error {
	if bytes.IndexByte(line, '\n') >= 0 {
		return ErrNewline
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return ErrNotStarted
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := l.out.Write(buf); err != nil {
		return fmt.Errorf("appending to %q: %w", l.outPath, err)
	}
	return nil
}

// ReadNewLines returns the complete lines appended to the peer log since the previous call. A peer log that
// does not exist yet yields no lines. Blank lines are dropped.
func (l *Log) ReadNewLines() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fs.OpenFile(l.inPath, os.O_RDONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening peer log %q: %w", l.inPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat peer log: %w", err)
	}
	if info.Size() < l.offset {
		return nil, fmt.Errorf("peer log %q shrank from %d to %d bytes", l.inPath, l.offset, info.Size())
	}
	if info.Size() == l.offset {
		return nil, nil
	}

	chunk := make([]byte, min(int64(l.readChunk), info.Size()-l.offset))
	n, err := f.ReadAt(chunk, l.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading peer log: %w", err)
	}
	l.offset += int64(n)

	data := append(l.partial, chunk[:n]...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(data[:i], "\r")
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		data = data[i+1:]
	}
	l.partial = bytes.Clone(data)
	return lines, nil
}

// Offset is the byte offset just past the last complete line returned by ReadNewLines.
// Passing it to WithStartOffset resumes reading after that line.
func (l *Log) Offset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset - int64(len(l.partial))
}

// Size reports the current size of the outbound log.
func (l *Log) Size() (int64, error) {
	info, err := l.fs.Stat(l.outPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
