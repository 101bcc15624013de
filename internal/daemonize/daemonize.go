// Package daemonize backgrounds the process and installs the signal
// handlers of spec.md section 4.7/6: SIGTERM/SIGINT trigger clean
// shutdown, SIGHUP is logged and ignored (reload is not supported).
package daemonize

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/mcastsnoop/mcastbridged/internal/applog"
)

// reexecEnv marks a re-executed child so it does not fork again.
const reexecEnv = "MCASTBRIDGED_DAEMONIZED=1"

// Daemonize re-execs the current process detached from its controlling
// terminal, in a new session, when foreground is false. It returns true
// in the parent (which should exit 0 immediately) and false in the
// process that should continue running — either the re-exec'd child, or
// the original process when foreground was requested.
func Daemonize(foreground bool) (isParent bool, err error) {
	if foreground || os.Getenv("MCASTBRIDGED_DAEMONIZED") == "1" {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("daemonize: resolve executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnv)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("daemonize: re-exec: %w", err)
	}
	return true, nil
}

// Shutdown is the reason the run loop should stop.
type Shutdown int

const (
	ShutdownNone Shutdown = iota
	ShutdownRequested
)

// WaitForSignal blocks until SIGTERM or SIGINT arrives, logging and
// discarding any SIGHUP received meanwhile (reload is not supported, per
// spec.md section 9's open question on -s/reload semantics).
func WaitForSignal() Shutdown {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for s := range sigs {
		switch s {
		case syscall.SIGHUP:
			applog.WithFields(applog.Fields{"signal": "SIGHUP"}).Warn("reload is not supported; ignoring")
			continue
		default:
			return ShutdownRequested
		}
	}
	return ShutdownNone
}
