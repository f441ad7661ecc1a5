//go:build unix

package processmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/config"
	"github.com/goliatone/go-runcontrol/logging"
)

// ExecLauncher runs the system ssh binary in a new session so that the
// whole remote invocation can be signalled as one process group.
type ExecLauncher struct {
	binary  string
	options []string
	logger  logging.Logger
}

func NewExecLauncher(cfg config.SSH, logger logging.Logger) *ExecLauncher {
	binary := cfg.Binary
	if binary == "" {
		binary = "ssh"
	}
	options := []string{"-o", "StrictHostKeyChecking=no"}
	if cfg.Port != 0 && cfg.Port != 22 {
		options = append(options, "-p", strconv.Itoa(cfg.Port))
	}
	if cfg.IdentityFile != "" {
		options = append(options, "-i", cfg.IdentityFile)
	}
	options = append(options, cfg.Options...)
	return &ExecLauncher{binary: binary, options: options, logger: logging.Named(logger, "ssh")}
}

func (l *ExecLauncher) args(target Target, tty bool, line string) []string {
	args := []string{target.UserHost()}
	if tty {
		args = append(args, "-tt")
	}
	args = append(args, l.options...)
	return append(args, line)
}

func (l *ExecLauncher) Launch(_ context.Context, target Target) (Handle, error) {
	cmd := exec.Command(l.binary, l.args(target, true, target.Line)...)
	cmd.SysProcAttr = sysProcAttr()
	l.logger.Debug("ssh %s", target.UserHost())
	if err := cmd.Start(); err != nil {
		return nil, runcontrol.NewError(runcontrol.ErrLaunchFailed,
			fmt.Sprintf("could not start ssh to %s: %v", target.UserHost(), err), err,
			map[string]any{"host": target.Host})
	}
	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go h.reap()
	return h, nil
}

// Tail runs tail on the remote host. The session is not detached: it is
// bounded by ctx.
func (l *ExecLauncher) Tail(ctx context.Context, target Target, path string, lines int) ([]string, error) {
	line := fmt.Sprintf("tail -n %d %s", lines, path)
	cmd := exec.CommandContext(ctx, l.binary, l.args(target, false, line)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", line, err, bytes.TrimSpace(out))
	}
	return splitLines(out), nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code *int
	err  error
}

func (h *execHandle) reap() {
	err := h.cmd.Wait()
	code := h.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}
	h.mu.Lock()
	h.code = &code
	h.mu.Unlock()
	close(h.done)
}

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) Signal(sig Signal) error {
	if !h.Alive() {
		return nil
	}
	s, ok := unixSignals[sig]
	if !ok {
		return fmt.Errorf("unsupported signal %s", sig)
	}
	// negative pid addresses the process group created by Setsid
	return syscall.Kill(-h.cmd.Process.Pid, s)
}

func (h *execHandle) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.code, h.err
}

func (h *execHandle) ExitCode() *int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.code == nil {
		return nil
	}
	code := *h.code
	return &code
}

var unixSignals = map[Signal]syscall.Signal{
	SignalQuit: syscall.SIGQUIT,
	SignalKill: syscall.SIGKILL,
	SignalTerm: syscall.SIGTERM,
}
