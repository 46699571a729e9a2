package pipeline

import (
	"context"
	"fmt"
	"time"

	"webforge/internal/sandbox"
)

// processStarter launches a long-running process in the project's sandbox.
type processStarter interface {
	Start(ctx context.Context, line string, port int) (sandbox.Probe, error)
}

// RuntimeChecker boots the dev server and waits for it to answer.
type RuntimeChecker struct {
	command  string
	port     int
	window   time.Duration
	interval time.Duration
}

func NewRuntimeChecker(command string, port int, window, interval time.Duration) *RuntimeChecker {
	if window <= 0 {
		window = 45 * time.Second
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &RuntimeChecker{command: command, port: port, window: window, interval: interval}
}

// Check starts the dev command and polls until the process answers on its
// port, exits, or the boot window closes. The process is always stopped
// before Check returns; the sandbox itself is left running.
func (r *RuntimeChecker) Check(ctx context.Context, start processStarter) error {
	probe, err := start.Start(ctx, r.command, r.port)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = probe.Stop(stopCtx)
	}()

	window := time.NewTimer(r.window)
	defer window.Stop()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var last sandbox.ProbeStatus
	for {
		st, err := probe.Check(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		last = st
		if !st.Running {
			return runtimeFailure(fmt.Sprintf("dev server exited with code %d before it was ready", st.ExitCode), st.StderrTail)
		}
		if st.Responsive {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-window.C:
			return runtimeFailure(fmt.Sprintf("dev server did not respond on port %d within %s", probe.Port(), r.window), last.StderrTail)
		case <-ticker.C:
		}
	}
}

func runtimeFailure(msg, stderrTail string) *StageError {
	return &StageError{
		Stage:    StatusBooting,
		Category: CategoryRuntime,
		Message:  msg,
		Feedback: &Feedback{
			Category:   CategoryRuntime,
			Summary:    msg,
			StderrTail: sandbox.Tail(stderrTail, outputTailBytes),
		},
	}
}
