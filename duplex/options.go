package duplex

import (
	"time"

	"github.com/guseggert/fsduplex/watermark"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultCloseGrace       = 5 * time.Second
	DefaultLogSizeWarning   = 64 << 20
)

type Option func(d *Duplex)

func WithLogger(l *zap.Logger) Option {
	return func(d *Duplex) {
		d.log = l.Named("duplex").Sugar()
	}
}

// WithPollInterval sets how often the peer log is read.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Duplex) {
		d.pollInterval = interval
	}
}

// WithLivenessReader makes this party the liveness-reader: while open, the peer's heartbeat is checked every
// timeout/2 and a heartbeat older than timeout closes the channel with reason "timeout".
func WithLivenessReader(r LivenessReader, timeout time.Duration) Option {
	return func(d *Duplex) {
		d.livenessReader = r
		d.livenessTimeout = timeout
	}
}

// WithLivenessCheckInterval overrides the default check interval of half the heartbeat timeout.
func WithLivenessCheckInterval(interval time.Duration) Option {
	return func(d *Duplex) {
		d.livenessCheck = interval
	}
}

// WithLivenessWriter makes this party the liveness-writer. w is started and stopped with the Duplex.
func WithLivenessWriter(w LivenessWriter) Option {
	return func(d *Duplex) {
		d.livenessWriter = w
	}
}

// WithCloseGrace bounds how long Close waits for the peer's fin_ack.
func WithCloseGrace(grace time.Duration) Option {
	return func(d *Duplex) {
		d.closeGrace = grace
	}
}

// WithWatermarks persists the sequence bookkeeping under channel, so a restarted party does not re-deliver
// frames it already processed or reuse sequence numbers.
func WithWatermarks(store watermark.Store, channel string) Option {
	return func(d *Duplex) {
		d.marks = store
		d.channelName = channel
	}
}

// WithLogSizeWarning logs a single warning once the outbound log reaches n bytes. Zero disables it.
func WithLogSizeWarning(n int64) Option {
	return func(d *Duplex) {
		d.sizeWarning = n
	}
}
