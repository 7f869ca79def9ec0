// Package ioloop implements the single readiness wait that drives the
// whole session once terminals are registered and configured.
package ioloop

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/NagyAttila/picocom/internal/command"
	"github.com/NagyAttila/picocom/internal/queue"
	"github.com/NagyAttila/picocom/internal/timestamp"
)

// ErrFatal marks an error that must drive the teardown path: restore
// both terminals, release the device lock, print "FATAL: ..." and
// exit non-zero. Use errors.Is(err, ErrFatal) to recognize it.
var ErrFatal = errors.New("ioloop: fatal")

func fatalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrFatal)...)
}

// ExitReason distinguishes the two ways Run can return without error.
type ExitReason int

const (
	// ExitNormal is Ctrl-X: caller restores both terminals.
	ExitNormal ExitReason = iota
	// ExitQuitWithoutReset is Ctrl-Q: the CI has already erased the
	// serial fd from the TDA; the caller must not restore it.
	ExitQuitWithoutReset
)

// Loop is the event core tying the controlling terminal, the serial
// device, and the Command Interpreter together.
type Loop struct {
	// ControlIn is the raw fd to poll and read controlling-terminal
	// input from (one byte at a time).
	ControlIn int
	// ControlOut receives bytes read from the serial port (after
	// timestamp annotation) and the Command Interpreter's status and
	// confirmation text.
	ControlOut io.Writer
	// SerialFD is the raw fd to poll/read/write the serial device.
	SerialFD int

	Queue *queue.Queue
	CI    *command.Interpreter
	TS    *timestamp.Annotator
}

// Run performs one unix.Poll wait per iteration over {ControlIn
// (always), SerialFD-in (always), SerialFD-out (only while
// Queue.Len() > 0)}, servicing whichever of the three is ready, until
// the Command Interpreter requests an exit or a fatal error occurs.
func (l *Loop) Run(ctx context.Context) (ExitReason, error) {
	for {
		select {
		case <-ctx.Done():
			return ExitNormal, ctx.Err()
		default:
		}

		wantOut := l.Queue.Len() > 0
		fds := []unix.PollFd{
			{Fd: int32(l.ControlIn), Events: unix.POLLIN},
			{Fd: int32(l.SerialFD), Events: unix.POLLIN},
		}
		if wantOut {
			fds = append(fds, unix.PollFd{Fd: int32(l.SerialFD), Events: unix.POLLOUT})
		}

		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return ExitNormal, fatalf("ioloop: poll")
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			reason, done, err := l.serviceControlIn()
			if err != nil {
				return ExitNormal, err
			}
			if done {
				return reason, nil
			}
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			if err := l.serviceSerialIn(); err != nil {
				return ExitNormal, err
			}
		}
		if wantOut && fds[2].Revents&unix.POLLOUT != 0 {
			if err := l.serviceSerialOut(); err != nil {
				return ExitNormal, err
			}
		}
	}
}

func (l *Loop) serviceControlIn() (ExitReason, bool, error) {
	b, err := readOneByte(l.ControlIn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ExitNormal, false, fatalf("ioloop: stdin closed")
		}
		return ExitNormal, false, fatalf("ioloop: controlling-terminal read: %v", err)
	}

	res, err := l.CI.Dispatch(b)
	if err != nil {
		return ExitNormal, false, err
	}
	switch res {
	case command.ResultExit:
		return ExitNormal, true, nil
	case command.ResultQuitWithoutReset:
		return ExitQuitWithoutReset, true, nil
	default:
		return ExitNormal, false, nil
	}
}

func (l *Loop) serviceSerialIn() error {
	b, err := readOneByte(l.SerialFD)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fatalf("ioloop: port closed")
		}
		return fatalf("ioloop: serial read: %v", err)
	}
	if err := l.TS.Process(b); err != nil {
		return fatalf("ioloop: timestamp write: %v", err)
	}
	return writeAllRetry(l.ControlOut, []byte{b})
}

func (l *Loop) serviceSerialOut() error {
	data := l.Queue.Bytes()
	n, err := unix.Write(l.SerialFD, data)
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return nil
		}
		return fatalf("ioloop: serial write: %v", err)
	}
	l.Queue.Drain(n)
	return nil
}

// readOneByte reads exactly one byte from fd, retrying on EINTR.
// A zero-length read is reported as io.EOF.
func readOneByte(fd int) (byte, error) {
	var buf [1]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return buf[0], nil
	}
}

// writeAllRetry writes data to out, retrying transient errors. Go's
// io.Writer contract already requires Write to either consume all of
// data or return an error, so a short write without an error is
// treated as a hard failure.
func writeAllRetry(out io.Writer, data []byte) error {
	for {
		n, err := out.Write(data)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				data = data[n:]
				continue
			}
			return fatalf("ioloop: controlling-terminal write: %v", err)
		}
		if n != len(data) {
			return fatalf("ioloop: controlling-terminal short write")
		}
		return nil
	}
}
