package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/guseggert/fsduplex/adapter"
	"github.com/guseggert/fsduplex/duplex"
	"github.com/guseggert/fsduplex/watermark"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "duplexctl",
		Usage: "run either side of a file-based duplex channel, or inspect its logs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			hostCommand(),
			peerCommand(),
			tailCommand(),
		},
	}
}

// channelFlags are shared by the host and peer commands.
func channelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "poll-interval",
			Usage: "How often the peer log is read.",
			Value: duplex.DefaultPollInterval.String(),
		},
		&cli.StringFlag{
			Name:  "heartbeat-timeout",
			Usage: "Heartbeat age after which the peer is considered gone. The peer stamps every half of this.",
			Value: duplex.DefaultHeartbeatTimeout.String(),
		},
		&cli.StringFlag{
			Name:  "close-grace",
			Usage: "How long a close waits for the peer to confirm.",
			Value: duplex.DefaultCloseGrace.String(),
		},
		&cli.StringFlag{
			Name:  "watermarks",
			Usage: "Path of a SQLite database for persisting sequence watermarks across restarts.",
		},
	}
}

func buildLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.WithOptions(zap.IncreaseLevel(level)), nil
}

func parseDuration(ctx *cli.Context, name string) (time.Duration, error) {
	d, err := time.ParseDuration(ctx.String(name))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}

func buildConfig(ctx *cli.Context, logger *zap.Logger) (adapter.Config, error) {
	poll, err := parseDuration(ctx, "poll-interval")
	if err != nil {
		return adapter.Config{}, err
	}
	timeout, err := parseDuration(ctx, "heartbeat-timeout")
	if err != nil {
		return adapter.Config{}, err
	}
	grace, err := parseDuration(ctx, "close-grace")
	if err != nil {
		return adapter.Config{}, err
	}
	return adapter.Config{
		PollInterval:     poll,
		HeartbeatTimeout: timeout,
		CloseGrace:       grace,
		Logger:           logger,
	}, nil
}

// watermarkOptions opens the watermark store named by --watermarks, if any. The returned close func is never nil.
func watermarkOptions(ctx *cli.Context, logger *zap.Logger, channel string) ([]duplex.Option, func() error, error) {
	path := ctx.String("watermarks")
	if path == "" {
		return nil, func() error { return nil }, nil
	}
	store, err := watermark.OpenSQLite(path, watermark.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("opening watermark store: %w", err)
	}
	return []duplex.Option{duplex.WithWatermarks(store, channel)}, store.Close, nil
}
