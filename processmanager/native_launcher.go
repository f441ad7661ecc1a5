package processmanager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/config"
	"github.com/goliatone/go-runcontrol/logging"
)

const nativeDialTimeout = 10 * time.Second

// NativeLauncher speaks SSH in process. Each launch opens its own client
// connection with a pseudo terminal so that closing the session hangs up
// the remote process group.
type NativeLauncher struct {
	port   int
	auth   []ssh.AuthMethod
	logger logging.Logger
}

func NewNativeLauncher(cfg config.SSH, logger logging.Logger) (*NativeLauncher, error) {
	signers, err := loadSigners(cfg.IdentityFile)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	return &NativeLauncher{
		port:   port,
		auth:   []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		logger: logging.Named(logger, "ssh"),
	}, nil
}

func loadSigners(identity string) ([]ssh.Signer, error) {
	candidates := []string{identity}
	if identity == "" {
		home, _ := os.UserHomeDir()
		candidates = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}
	var signers []ssh.Signer
	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err != nil {
			if identity != "" {
				return nil, invalidIdentity(path, err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, invalidIdentity(path, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, runcontrol.NewError(runcontrol.ErrInvalidConfiguration,
			"no usable ssh identity found for the native launcher", nil, nil)
	}
	return signers, nil
}

func invalidIdentity(path string, err error) error {
	return runcontrol.NewError(runcontrol.ErrInvalidConfiguration,
		fmt.Sprintf("cannot load ssh identity %s", path), err, map[string]any{"identity_file": path})
}

func (l *NativeLauncher) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	name := target.User
	if name == "" {
		if current, err := user.Current(); err == nil {
			name = current.Username
		}
	}
	address := net.JoinHostPort(target.Host, strconv.Itoa(l.port))
	cfg := &ssh.ClientConfig{
		User:            name,
		Auth:            l.auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         nativeDialTimeout,
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, cfg)
		done <- result{client, err}
	}()
	select {
	case r := <-done:
		return r.client, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *NativeLauncher) Launch(ctx context.Context, target Target) (Handle, error) {
	client, err := l.dial(ctx, target)
	if err != nil {
		return nil, launchFailed(target, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, launchFailed(target, err)
	}
	if err := session.RequestPty("xterm", 40, 80, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
		l.logger.Warn("no pty on %s: %v", target.Host, err)
	}
	if err := session.Start(target.Line); err != nil {
		session.Close()
		client.Close()
		return nil, launchFailed(target, err)
	}
	l.logger.Debug("ssh %s", target.UserHost())

	h := &nativeHandle{client: client, session: session, done: make(chan struct{})}
	go h.reap()
	return h, nil
}

func launchFailed(target Target, err error) error {
	return runcontrol.NewError(runcontrol.ErrLaunchFailed,
		fmt.Sprintf("could not start ssh to %s: %v", target.UserHost(), err), err,
		map[string]any{"host": target.Host})
}

func (l *NativeLauncher) Tail(ctx context.Context, target Target, path string, lines int) ([]string, error) {
	client, err := l.dial(ctx, target)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()
	out, err := session.CombinedOutput(fmt.Sprintf("tail -n %d %s", lines, path))
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", path, err)
	}
	return splitLines(out), nil
}

type nativeHandle struct {
	client  *ssh.Client
	session *ssh.Session
	done    chan struct{}

	mu   sync.Mutex
	code *int
	err  error
}

func (h *nativeHandle) reap() {
	err := h.session.Wait()
	code := 0
	var (
		exitErr    *ssh.ExitError
		missingErr *ssh.ExitMissingError
	)
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		code = exitErr.ExitStatus()
	case errors.As(err, &missingErr):
		// connection dropped before an exit status arrived, as when killed
		code = -1
	default:
		code = -1
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}
	h.client.Close()
	h.mu.Lock()
	h.code = &code
	h.mu.Unlock()
	close(h.done)
}

func (h *nativeHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *nativeHandle) Signal(sig Signal) error {
	if !h.Alive() {
		return nil
	}
	err := h.session.Signal(ssh.Signal(sig))
	if sig == SignalKill {
		// servers that ignore signal requests still hang up the pty
		return h.session.Close()
	}
	return err
}

func (h *nativeHandle) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.code, h.err
}

func (h *nativeHandle) ExitCode() *int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.code == nil {
		return nil
	}
	code := *h.code
	return &code
}
