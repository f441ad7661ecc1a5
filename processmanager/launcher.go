package processmanager

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	runcontrol "github.com/goliatone/go-runcontrol"
	"github.com/goliatone/go-runcontrol/config"
	"github.com/goliatone/go-runcontrol/logging"
)

// Signal names a POSIX signal without the SIG prefix, as carried by the
// SSH protocol.
type Signal string

const (
	SignalQuit Signal = "QUIT"
	SignalKill Signal = "KILL"
	SignalTerm Signal = "TERM"
)

func (s Signal) String() string { return "SIG" + string(s) }

// Target is one launch attempt on one host.
type Target struct {
	Host string
	User string
	// Line is the complete remote shell line, redirections included.
	Line string
}

// UserHost is user@host, or host alone when no user is set.
func (t Target) UserHost() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// Handle is a launched remote process.
type Handle interface {
	Alive() bool
	// Signal delivers sig to the whole remote process group.
	Signal(sig Signal) error
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// ExitCode is nil while the process runs or when no code was observed.
	ExitCode() *int
}

// Launcher starts processes on remote hosts and reads their logs.
type Launcher interface {
	Launch(ctx context.Context, target Target) (Handle, error)
	// Tail returns the last lines of path on the target host.
	Tail(ctx context.Context, target Target, path string, lines int) ([]string, error)
}

// NewLauncher builds the launcher selected by cfg.Launcher.
func NewLauncher(cfg config.SSH, logger logging.Logger) (Launcher, error) {
	switch cfg.Launcher {
	case "", "exec":
		return NewExecLauncher(cfg, logger), nil
	case "native":
		launcher, err := NewNativeLauncher(cfg, logger)
		if err != nil {
			return nil, err
		}
		return launcher, nil
	}
	return nil, runcontrol.NewError(runcontrol.ErrInvalidConfiguration,
		fmt.Sprintf("unknown ssh launcher %q", cfg.Launcher), nil, map[string]any{"launcher": cfg.Launcher})
}

// CommandLine renders the shell line that starts desc: a banner, the
// exported environment, the working directory, then every executable with
// its arguments, separated by semicolons.
func CommandLine(desc runcontrol.ProcessDescription) string {
	var b strings.Builder
	b.WriteString(`echo "SSHPM: Starting process $$ on host $HOSTNAME as user $USER";`)

	keys := make([]string, 0, len(desc.Env))
	for k := range desc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	exports := make([]string, 0, len(keys))
	for _, k := range keys {
		exports = append(exports, fmt.Sprintf("export %s=%q", k, desc.Env[k]))
	}
	if len(exports) > 0 {
		b.WriteString(strings.Join(exports, ";"))
		b.WriteString(";")
	}

	if dir := desc.ProcessExecutionDirectory; dir != "" {
		fmt.Fprintf(&b, "cd %s ; ", dir)
	}
	for _, exe := range desc.ExecutableAndArguments {
		b.WriteString(exe.Exec)
		for _, arg := range exe.Args {
			b.WriteString(" ")
			b.WriteString(arg)
		}
		b.WriteString(";")
	}
	return strings.TrimSuffix(b.String(), ";")
}

// RemoteLine wraps the command line so that stdout and stderr go to the
// process log file.
func RemoteLine(desc runcontrol.ProcessDescription) string {
	line := CommandLine(desc)
	if desc.ProcessLogsPath == "" {
		return fmt.Sprintf("{ %s ; }", line)
	}
	return fmt.Sprintf("{ %s ; } &> %s", line, desc.ProcessLogsPath)
}

func splitLines(out []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
