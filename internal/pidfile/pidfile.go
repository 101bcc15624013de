// Package pidfile writes and exclusively locks the daemon's pidfile, per
// spec.md section 6 ("ASCII decimal pid + newline, exclusively locked").
// gofrs/flock appears only as an indirect dependency in the retrieval
// pack (balyuyiop-gvisor's go.mod); it is promoted to direct here for the
// one thing it does well, see DESIGN.md.
package pidfile

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// PIDFile holds the exclusive lock acquired by Acquire, released by Release.
type PIDFile struct {
	path string
	lock *flock.Flock
}

// Acquire creates (or opens) path, takes an exclusive, non-blocking lock
// on it, and writes the calling process's pid as an ASCII decimal number
// followed by a newline. It fails if another process already holds the
// lock, per spec.md section 7's resource-acquisition-errors-are-fatal
// rule.
func Acquire(path string) (*PIDFile, error) {
	lock := flock.New(path)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("pidfile: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("pidfile: %s is already locked by another process", path)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("pidfile: open %s: %w", path, err)
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if werr != nil {
		lock.Unlock()
		return nil, fmt.Errorf("pidfile: write %s: %w", path, werr)
	}
	if cerr != nil {
		lock.Unlock()
		return nil, fmt.Errorf("pidfile: close %s: %w", path, cerr)
	}

	return &PIDFile{path: path, lock: lock}, nil
}

// Release unlocks and removes the pidfile. Errors removing the file are
// not fatal: the lock release is what matters for correctness.
func (p *PIDFile) Release() error {
	err := p.lock.Unlock()
	os.Remove(p.path)
	return err
}
