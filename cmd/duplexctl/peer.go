package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/fsduplex/adapter"
	"github.com/guseggert/fsduplex/frame"
	"github.com/guseggert/fsduplex/task"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func peerCommand() *cli.Command {
	return &cli.Command{
		Name:  "peer",
		Usage: "run the handler side of a channel confined to a directory, executing tasks until the channel closes",
		Flags: append(channelFlags(),
			&cli.StringFlag{
				Name:     "dir",
				Usage:    "The shared directory. No file outside it is touched.",
				EnvVars:  []string{"FSDUPLEX_DIR"},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Channel name; files are <dir>/<name>.*",
				Value: "channel",
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
			name := ctx.String("name")
			wmOpts, closeMarks, err := watermarkOptions(ctx, logger, name)
			if err != nil {
				return err
			}
			defer closeMarks()

			ch, err := adapter.NewPeer(ctx.String("dir"), name, cfg, wmOpts...)
			if err != nil {
				return fmt.Errorf("building peer: %w", err)
			}

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPeer(sigCtx, logger, ch, cfg.CloseGrace)
		},
	}
}

// runPeer executes tasks arriving on ch until it closes, or until ctx is done, in which case ch is closed
// gracefully first.
func runPeer(ctx context.Context, logger *zap.Logger, ch *adapter.Channel, closeGrace time.Duration) error {
	log := logger.Named("peer").Sugar()
	executor := task.NewExecutor(ch.Duplex,
		task.WithExecutorLogger(logger),
		task.WithHandler(task.KindExec, task.NewExecHandler(logger)),
		task.WithHandler(task.KindFetch, task.NewFetchHandler(logger)),
	)
	ch.OnError(func(err error) { log.Warnw("channel error", "Error", err) })

	if err := ch.Start(); err != nil {
		return fmt.Errorf("starting channel: %w", err)
	}
	defer ch.Stop()
	defer executor.Stop()
	log.Infow("waiting for the initiator", "Files", ch.Files)

	select {
	case <-ch.Done():
	case <-ctx.Done():
		log.Info("closing channel")
		if err := ch.Close(frame.ReasonDone); err != nil {
			log.Warnw("error closing channel", "Error", err)
		}
		select {
		case <-ch.Done():
		case <-time.After(closeGrace + time.Second):
			log.Warn("channel did not close in time")
		}
	}
	log.Infow("channel closed", "Reason", ch.Reason())
	return nil
}
