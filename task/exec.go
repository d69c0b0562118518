package task

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const KindExec = "exec"

type ExecRequest struct {
	Command    string
	Args       []string
	Stdin      string
	Env        []string
	WorkingDir string
}

// ExecResult describes a process that ran to completion. A non-zero exit code is still a successful task.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimeMS   int64
}

// ExecHandler runs a command and collects its output. The process is killed if the task context is canceled.
type ExecHandler struct {
	log *zap.SugaredLogger
}

func NewExecHandler(l *zap.Logger) *ExecHandler {
	return &ExecHandler{log: l.Named("exec").Sugar()}
}

func (h *ExecHandler) Handle(ctx context.Context, body json.RawMessage) (any, error) {
	var req ExecRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decoding exec request: %w", err)
	}
	if req.Command == "" {
		return nil, errors.New("request contained no command")
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.WorkingDir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", req.Command, err)
	}
	err := cmd.Wait()
	timeMS := time.Since(start).Milliseconds()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("waiting for %s: %w", req.Command, err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s killed: %w", req.Command, ctx.Err())
		}
	}

	h.log.Debugw("process exited", "Pid", cmd.Process.Pid, "ExitCode", cmd.ProcessState.ExitCode(), "TimeMS", timeMS)
	return ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimeMS:   timeMS,
	}, nil
}
