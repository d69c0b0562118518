package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/guseggert/fsduplex/frame"
	"github.com/guseggert/fsduplex/internal/fsys"
	"github.com/guseggert/fsduplex/linelog"
	"github.com/urfave/cli/v2"
)

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "decode and print the frames of a channel log",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Usage:    "The log file to read.",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "follow",
				Usage: "Keep printing frames as they are appended.",
			},
			&cli.StringFlag{
				Name:  "poll-interval",
				Usage: "How often to check for new frames with --follow.",
				Value: "250ms",
			},
		},
		Action: func(ctx *cli.Context) error {
			interval, err := parseDuration(ctx, "poll-interval")
			if err != nil {
				return err
			}
			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
			defer stop()
			t := &tailer{
				w:        ctx.App.Writer,
				path:     ctx.String("file"),
				follow:   ctx.Bool("follow"),
				interval: interval,
			}
			return t.run(sigCtx)
		},
	}
}

type tailer struct {
	w        io.Writer
	path     string
	follow   bool
	interval time.Duration

	lineNo    int
	malformed int
}

// run prints every complete line of the log. Without follow it stops at the end of the file; with follow it
// stops when ctx is done.
func (t *tailer) run(ctx context.Context) error {
	var opts []linelog.Option
	if !t.follow {
		// read everything present in one call
		info, err := os.Stat(t.path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", t.path, err)
		}
		opts = append(opts, linelog.WithReadChunk(int(info.Size())+1))
	}
	// only the reading half of the log is used
	log := linelog.New(fsys.OS(), "", t.path, opts...)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		lines, err := log.ReadNewLines()
		if err != nil {
			return err
		}
		for _, line := range lines {
			t.print(line)
		}
		if !t.follow {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	if t.malformed > 0 {
		return fmt.Errorf("%d malformed lines out of %d", t.malformed, t.lineNo)
	}
	return nil
}

func (t *tailer) print(line []byte) {
	t.lineNo++
	f, err := frame.Decode(line)
	if err != nil {
		t.malformed++
		fmt.Fprintf(t.w, "line %d: %s\n", t.lineNo, err)
		return
	}
	switch m := f.Msg.(type) {
	case frame.Init:
		if len(m.Payload) > 0 {
			fmt.Fprintf(t.w, "%s %s\n", f, m.Payload)
			return
		}
	case frame.Data:
		fmt.Fprintf(t.w, "%s %s\n", f, m.Payload)
		return
	case frame.Fin:
		fmt.Fprintf(t.w, "%s reason=%s\n", f, m.Reason)
		return
	}
	fmt.Fprintf(t.w, "%s\n", f)
}
