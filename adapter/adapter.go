// Package adapter wires a duplex.Duplex to the files of a channel for each side of a sandbox boundary.
//
// The host side runs outside the sandbox with an unrestricted filesystem and watches the peer's heartbeat.
// The peer side runs inside the sandbox; its file access is confined to the shared directory and it stamps
// the heartbeat.
package adapter

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/fsduplex/duplex"
	"github.com/guseggert/fsduplex/frame"
	"github.com/guseggert/fsduplex/heartbeat"
	"github.com/guseggert/fsduplex/internal/fsys"
	"github.com/guseggert/fsduplex/linelog"
	"go.uber.org/zap"
)

// Files are the paths of one channel, from the point of view of one role.
type Files struct {
	Out       string
	In        string
	Heartbeat string
}

// Paths derives the channel files from prefix. The initiator writes P.out.jsonl and reads P.in.jsonl; the
// handler is the mirror image. Both share P.heartbeat.json.
func Paths(prefix string, role frame.Role) Files {
	out, in := prefix+".out.jsonl", prefix+".in.jsonl"
	if role == frame.Handler {
		out, in = in, out
	}
	return Files{Out: out, In: in, Heartbeat: prefix + ".heartbeat.json"}
}

// Config overrides the defaults of an adapter. Zero values mean "use the default".
type Config struct {
	Role             frame.Role
	PollInterval     time.Duration
	HeartbeatTimeout time.Duration
	CloseGrace       time.Duration
	Logger           *zap.Logger
}

func (c Config) withDefaults(role frame.Role) Config {
	if c.Role == "" {
		c.Role = role
	}
	if c.PollInterval == 0 {
		c.PollInterval = duplex.DefaultPollInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = duplex.DefaultHeartbeatTimeout
	}
	if c.CloseGrace == 0 {
		c.CloseGrace = duplex.DefaultCloseGrace
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c Config) validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("invalid role %q", c.Role)
	}
	if c.PollInterval < 0 || c.HeartbeatTimeout < 0 || c.CloseGrace < 0 {
		return errors.New("intervals must not be negative")
	}
	return nil
}

func (c Config) options() []duplex.Option {
	return []duplex.Option{
		duplex.WithLogger(c.Logger),
		duplex.WithPollInterval(c.PollInterval),
		duplex.WithCloseGrace(c.CloseGrace),
	}
}

// Channel is a configured Duplex plus whatever the adapter has to release when it stops.
type Channel struct {
	*duplex.Duplex
	Files Files

	root *os.Root
}

// Stop stops the Duplex and releases the confined directory, if any.
func (c *Channel) Stop() error {
	err := c.Duplex.Stop()
	if c.root != nil {
		if cerr := c.root.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// NewHost builds the privileged side of the channel at prefix. It is the initiator unless cfg says otherwise,
// and it closes the channel with reason "timeout" once the peer's heartbeat is older than cfg.HeartbeatTimeout.
// Extra options are applied after the ones derived from cfg.
func NewHost(prefix string, cfg Config, opts ...duplex.Option) (*Channel, error) {
	cfg = cfg.withDefaults(frame.Initiator)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		return nil, errors.New("empty channel prefix")
	}
	filesystem := fsys.OS()
	files := Paths(prefix, cfg.Role)
	lines := linelog.New(filesystem, files.Out, files.In, linelog.WithLogger(cfg.Logger))

	options := append(cfg.options(),
		duplex.WithLivenessReader(heartbeat.NewReader(filesystem, files.Heartbeat), cfg.HeartbeatTimeout))
	d, err := duplex.New(cfg.Role, lines, append(options, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("building host duplex: %w", err)
	}
	return &Channel{Duplex: d, Files: files}, nil
}

// NewPeer builds the sandboxed side of channel name inside dir. Every file it touches is resolved within dir
// and cannot escape it. It is the handler unless cfg says otherwise, and it stamps the heartbeat every
// cfg.HeartbeatTimeout/2 while started.
func NewPeer(dir, name string, cfg Config, opts ...duplex.Option) (*Channel, error) {
	cfg = cfg.withDefaults(frame.Handler)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("empty channel name")
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening channel directory: %w", err)
	}
	files := Paths(name, cfg.Role)
	lines := linelog.New(root, files.Out, files.In, linelog.WithLogger(cfg.Logger))
	writer := heartbeat.NewWriter(root, files.Heartbeat, cfg.HeartbeatTimeout/2,
		heartbeat.WithWriterLogger(cfg.Logger))

	options := append(cfg.options(), duplex.WithLivenessWriter(writer))
	d, err := duplex.New(cfg.Role, lines, append(options, opts...)...)
	if err != nil {
		root.Close()
		return nil, fmt.Errorf("building peer duplex: %w", err)
	}
	return &Channel{Duplex: d, Files: files, root: root}, nil
}
