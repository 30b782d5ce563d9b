// Package lock enforces a single tgvaultd instance per vault directory.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Holder describes the process recorded in the lock file.
type Holder struct {
	PID     int
	Started time.Time
}

// LockHeldError reports that another daemon owns the vault.
type LockHeldError struct {
	Path   string
	Holder Holder
}

func (e *LockHeldError) Error() string {
	if e.Holder.PID == 0 {
		return fmt.Sprintf("vault is locked by another process (%s)", e.Path)
	}
	return fmt.Sprintf("vault is locked by pid %d since %s (%s)",
		e.Holder.PID, e.Holder.Started.Format(time.RFC3339), e.Path)
}

// Lock is the held single-instance lock. The flock is tied to the open
// file descriptor and dies with the process, so a crash never leaves
// the vault locked.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the vault lock under root. The directory must already
// exist. On contention the returned LockHeldError carries whatever the
// holder recorded about itself.
func Acquire(root string) (*Lock, error) {
	path := filepath.Join(root, "LOCK")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(f)
		_ = f.Close()
		return nil, &LockHeldError{Path: path, Holder: holder}
	}
	if err := writeHolder(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record lock holder: %w", err)
	}
	return &Lock{f: f, path: path}, nil
}

// Release removes the lock file and drops the flock. Nil-safe and
// idempotent.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.f.Close()
	l.f = nil
	return err
}

// writeHolder records pid and start time for operators inspecting the
// vault and for the LockHeldError of a competing daemon.
func writeHolder(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	body := fmt.Sprintf("pid %d\nstarted %s\n",
		os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	_, err := f.WriteAt([]byte(body), 0)
	return err
}

func readHolder(f *os.File) Holder {
	var h Holder
	buf := make([]byte, 256)
	n, _ := f.ReadAt(buf, 0)
	for _, line := range strings.Split(string(buf[:n]), "\n") {
		field, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		switch field {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "started":
			h.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h
}
