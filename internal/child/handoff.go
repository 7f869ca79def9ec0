package child

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// maxCommandLine bounds the joined command and argument list to a
// fixed 512-byte buffer, truncating if it doesn't fit.
const maxCommandLine = 512

// TTYRestorer is the subset of internal/tda.Registry the Custodian
// needs to hand the controlling terminal to a child program and take
// it back afterward. Restore (not Deregister) is what gives the
// terminal back to the child: it writes the saved kernel attributes
// without forgetting the fd's record, so the deferred Apply below can
// still find it and reassert raw mode.
type TTYRestorer interface {
	Restore(fd int) error
	Apply(fd int) error
}

// Custodian runs external send/receive helpers with the serial fd
// wired to their stdin/stdout.
type Custodian struct {
	TTY       TTYRestorer
	ControlFD int
	SerialFD  int
	Guard     *SignalGuard
}

// Run executes cmd (plus any args, space-joined) under the platform
// shell with the serial fd duplicated onto its stdin and stdout.
// Terminal state: kernel termios is shared by the fd regardless of
// which process issues the ioctl, so restoring canonical mode on
// ControlFD before exec, and re-asserting raw mode after, has the same
// observable effect as the original's child-side/parent-side split.
func (c *Custodian) Run(cmd string, args ...string) (exitStatus int, err error) {
	c.Guard.Block()
	defer c.Guard.Unblock()

	if err := c.TTY.Restore(c.ControlFD); err != nil {
		return 0, fmt.Errorf("child: restore canonical mode: %w", err)
	}
	defer func() {
		if applyErr := c.TTY.Apply(c.ControlFD); applyErr != nil && err == nil {
			err = fmt.Errorf("child: reassert raw mode: %w", applyErr)
		}
	}()

	if err := unix.SetNonblock(c.SerialFD, false); err != nil {
		return 0, fmt.Errorf("child: clear O_NONBLOCK on serial fd: %w", err)
	}

	line := joinCommandLine(cmd, args)

	// Dup the fd before wrapping it in an *os.File: os.File closes its
	// fd via a GC finalizer, and the serial fd must outlive this call.
	dupFD, err := unix.Dup(c.SerialFD)
	if err != nil {
		return 0, fmt.Errorf("child: dup serial fd: %w", err)
	}
	serial := os.NewFile(uintptr(dupFD), "serial")
	defer serial.Close()

	sh := exec.Command("/bin/sh", "-c", line)
	sh.Stdin = serial
	sh.Stdout = serial
	sh.Stderr = os.Stderr

	runErr := sh.Run()
	if runErr == nil {
		return 0, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		if exitErr.ExitCode() >= 0 {
			return exitErr.ExitCode(), nil
		}
	}
	// Abnormal termination (signal, failed to start, etc.).
	return 128, nil
}

func joinCommandLine(cmd string, args []string) string {
	line := strings.Join(append([]string{cmd}, args...), " ")
	if len(line) > maxCommandLine-1 {
		line = line[:maxCommandLine-1]
	}
	return line
}
