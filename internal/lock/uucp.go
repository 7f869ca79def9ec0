// Package lock implements the classic UUCP-style serial device
// lockfile convention: a "LCK..<device>" file under a lock directory
// (traditionally /var/lock) holding the locking process's PID, with
// stale-lock detection via a liveness check on that PID. Disabled
// entirely when the lock directory is empty (the --nolock path).
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrHeld is returned by Acquire when a live process already holds the
// lock for this device.
var ErrHeld = errors.New("lock: device already locked")

// Lock is a held UUCP lockfile. The zero value (and a nil *Lock) is a
// no-op lock, used when locking is disabled (--nolock).
type Lock struct {
	path string
}

// Name builds the "LCK..<device>" lockfile path the same way
// uucp_lockname does: strip the first path segment (e.g. "/dev/") from
// an absolute device path, replace any remaining '/' with '_'.
func Name(dir, device string) string {
	name := device
	if rest := strings.TrimPrefix(device, "/"); rest != device {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name = rest[i+1:]
		} else {
			name = device
		}
	}
	name = strings.ReplaceAll(name, "/", "_")
	return filepath.Join(dir, "LCK.."+name)
}

// Acquire takes the UUCP lock for device under dir. dir == "" disables
// locking entirely (the --nolock path) and always succeeds.
func Acquire(dir, device string) (*Lock, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("lock: lock directory: %w", err)
	}

	path := Name(dir, device)

	if pid, ok := readLockedPID(path); ok {
		if processAlive(pid) {
			return nil, ErrHeld
		}
		// Stale lock: grace period mirrors the original's sleep(1)
		// before removing, giving a genuinely-exiting process time to
		// clean up its own lockfile first.
		time.Sleep(time.Second)
		_ = os.Remove(path)
	}

	old := syscall.Umask(0o022)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	syscall.Umask(old)
	if err != nil {
		return nil, fmt.Errorf("lock: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%04d\n", os.Getpid()); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("lock: write %s: %w", path, err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lockfile. Safe to call on a nil Lock (the
// --nolock / disabled case).
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	return os.Remove(l.path)
}

func readLockedPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, syscall.ESRCH)
}
