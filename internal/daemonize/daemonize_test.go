package daemonize

import (
	"os"
	"syscall"
	"testing"
	"time"
)

func TestDaemonizeSkipsReexecInForeground(t *testing.T) {
	isParent, err := Daemonize(true)
	if err != nil {
		t.Fatalf("Daemonize: %v", err)
	}
	if isParent {
		t.Fatal("Daemonize(true) reported isParent, want false (no re-exec)")
	}
}

func TestDaemonizeSkipsReexecWhenAlreadyDaemonized(t *testing.T) {
	os.Setenv("MCASTBRIDGED_DAEMONIZED", "1")
	defer os.Unsetenv("MCASTBRIDGED_DAEMONIZED")

	isParent, err := Daemonize(false)
	if err != nil {
		t.Fatalf("Daemonize: %v", err)
	}
	if isParent {
		t.Fatal("Daemonize: re-exec child reported isParent, want false")
	}
}

func TestWaitForSignalIgnoresSIGHUPThenReturnsOnSIGTERM(t *testing.T) {
	done := make(chan Shutdown, 1)
	go func() { done <- WaitForSignal() }()

	time.Sleep(20 * time.Millisecond)
	syscall.Kill(os.Getpid(), syscall.SIGHUP)
	time.Sleep(20 * time.Millisecond)
	syscall.Kill(os.Getpid(), syscall.SIGTERM)

	select {
	case got := <-done:
		if got != ShutdownRequested {
			t.Fatalf("WaitForSignal returned %v, want ShutdownRequested", got)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForSignal did not return after SIGTERM")
	}
}
