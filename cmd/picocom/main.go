// Command picocom bridges a controlling terminal to a serial device:
// raw bidirectional passthrough, gated by an escape-byte command
// table for reconfiguring the line and handing off to file-transfer
// helpers.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/NagyAttila/picocom/internal/child"
	"github.com/NagyAttila/picocom/internal/command"
	"github.com/NagyAttila/picocom/internal/ioloop"
	"github.com/NagyAttila/picocom/internal/lock"
	"github.com/NagyAttila/picocom/internal/queue"
	"github.com/NagyAttila/picocom/internal/session"
	"github.com/NagyAttila/picocom/internal/tda"
	"github.com/NagyAttila/picocom/internal/timestamp"
	"github.com/NagyAttila/picocom/serial"
)

// uucpLockDir is where HDB UUCP-style device lockfiles live; --nolock
// disables locking entirely regardless of this path's existence.
const uucpLockDir = "/var/lock"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := session.Default()
	var flowStr, parityStr, escapeStr, logLevel string
	var enableTimestamp bool

	cmd := &cobra.Command{
		Use:           "picocom [flags] <device>",
		Short:         "Minimal dumb-terminal program bridging a controlling terminal to a serial device",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		PreRunE: func(*cobra.Command, []string) error {
			flow, err := parseFlow(flowStr)
			if err != nil {
				return err
			}
			cfg.Flow = flow

			parity, err := parseParity(parityStr)
			if err != nil {
				return err
			}
			cfg.Parity = parity

			if len(escapeStr) != 1 {
				return fmt.Errorf("--escape must be a single letter, got %q", escapeStr)
			}
			esc, err := session.ParseEscape(escapeStr[0])
			if err != nil {
				return err
			}
			cfg.Escape = esc
			return nil
		},
		RunE: func(_ *cobra.Command, args []string) error {
			return run(args[0], &cfg, enableTimestamp, logLevel)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&cfg.Baud, "baud", "b", cfg.Baud, "bits per second")
	flags.StringVarP(&flowStr, "flow", "f", "n", "flow control: x (xon/xoff), h (rts/cts), n (none)")
	flags.StringVarP(&parityStr, "parity", "p", "n", "parity: o (odd), e (even), n (none)")
	flags.IntVarP(&cfg.DataBits, "databits", "d", cfg.DataBits, "data bits (5-8)")
	flags.StringVarP(&escapeStr, "escape", "e", "a", "escape character letter")
	flags.BoolVarP(&cfg.NoInit, "noinit", "i", false, "don't touch serial port state on open")
	flags.BoolVarP(&cfg.NoReset, "noreset", "r", false, "don't restore serial port state on exit")
	flags.BoolVarP(&cfg.NoLock, "nolock", "l", false, "don't lock the serial device")
	flags.StringVarP(&cfg.SendCmd, "send-cmd", "s", cfg.SendCmd, "command to execute for Ctrl-S (file send)")
	flags.StringVarP(&cfg.ReceiveCmd, "receive-cmd", "v", cfg.ReceiveCmd, "command to execute for Ctrl-R (file receive)")
	flags.BoolVarP(&enableTimestamp, "timestamp", "t", false, "annotate received lines with elapsed time")
	flags.BoolVar(&cfg.ReceiveUsesSendCmd, "picocom-compat-receive", false, "reproduce the original Ctrl-R filename bug instead of the fix")
	flags.StringVar(&logLevel, "log-level", "warn", "ambient diagnostic log level (never touches the terminal screen protocol)")

	return cmd
}

func parseFlow(s string) (session.Flow, error) {
	switch strings.ToLower(s) {
	case "n", "none":
		return session.FlowNone, nil
	case "h", "rtscts", "rts/cts":
		return session.FlowRTSCTS, nil
	case "x", "xonxoff", "xon/xoff":
		return session.FlowXonXoff, nil
	default:
		return 0, fmt.Errorf("--flow must be one of x|h|n, got %q", s)
	}
}

func parseParity(s string) (session.Parity, error) {
	switch strings.ToLower(s) {
	case "n", "none":
		return session.ParityNone, nil
	case "e", "even":
		return session.ParityEven, nil
	case "o", "odd":
		return session.ParityOdd, nil
	default:
		return 0, fmt.Errorf("--parity must be one of o|e|n, got %q", s)
	}
}

// run implements the startup/shutdown ordering: acquire the device
// lock, open and configure the serial port, put the controlling
// terminal into raw mode, run the I/O loop, then unwind it all.
func run(device string, cfg *session.Config, enableTimestamp bool, logLevelStr string) error {
	logLevel, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		return err
	}
	log := logrus.New()
	log.SetLevel(logLevel)
	entry := log.WithField("device", device)

	var deviceLock *lock.Lock
	killProcessGroup := func() {
		// The async SIGTERM path deliberately does not restore
		// terminals, unlike the fatal(...) path.
		unix.Kill(0, syscall.SIGTERM)
		time.Sleep(time.Second)
		deviceLock.Release()
		os.Exit(1)
	}
	guard := child.InstallSignals(killProcessGroup)

	registry := tda.New(tda.PosixDriver{})

	lockDir := uucpLockDir
	if cfg.NoLock {
		lockDir = ""
	}
	deviceLock, err = lock.Acquire(lockDir, device)
	if err != nil {
		return fmt.Errorf("picocom: %w", err)
	}
	entry.Debug("device lock acquired")

	port, err := serial.Open(device, &serial.Options{OpenMode: syscall.O_RDWR | syscall.O_NOCTTY | syscall.O_NONBLOCK})
	if err != nil {
		deviceLock.Release()
		return fmt.Errorf("picocom: open %s: %w", device, err)
	}
	serialFD := port.Fd()

	controlFD := int(os.Stdin.Fd())
	serialErased := false

	teardown := func() {
		if !serialErased {
			registry.Deregister(serialFD)
		}
		registry.Deregister(controlFD)
		port.Close()
		deviceLock.Release()
	}

	fatal := func(cause error) {
		teardown()
		fmt.Fprintf(os.Stdout, "\r\nFATAL: %v\r\n", cause)
		entry.WithError(cause).Error("fatal condition, tearing down")
		time.Sleep(time.Second)
		os.Exit(1)
	}

	if err := registry.Register(serialFD); err != nil {
		fatal(err)
	}
	if !cfg.NoInit {
		if err := registry.InitialConfigure(serialFD, *cfg, true, !cfg.NoReset); err != nil {
			fatal(err)
		}
		if err := registry.Apply(serialFD); err != nil {
			fatal(err)
		}
	}

	if err := registry.Register(controlFD); err != nil {
		fatal(err)
	}
	if err := registry.SetRaw(controlFD); err != nil {
		fatal(err)
	}
	if err := registry.Apply(controlFD); err != nil {
		fatal(err)
	}

	screen := os.Stdout
	ts := timestamp.New(screen)
	if enableTimestamp {
		ts.Enable()
	}
	q := &queue.Queue{}

	custodian := &child.Custodian{TTY: registry, ControlFD: controlFD, SerialFD: serialFD, Guard: guard}
	runHandoff := func(args []string) (int, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("picocom: empty command")
		}
		return custodian.Run(args[0], args[1:]...)
	}

	readByte := func() (byte, error) {
		var buf [1]byte
		n, err := unix.Read(controlFD, buf[:])
		if err != nil {
			if err == unix.EINTR {
				return 0, command.ErrInterrupted
			}
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("controlling terminal closed")
		}
		return buf[0], nil
	}

	ci := command.New(screen, readByte, q, registry, serialFD, cfg, ts, runHandoff)

	loop := &ioloop.Loop{
		ControlIn:  controlFD,
		ControlOut: screen,
		SerialFD:   serialFD,
		Queue:      q,
		CI:         ci,
		TS:         ts,
	}

	reason, err := loop.Run(context.Background())
	if err != nil {
		fatal(err)
		return err
	}

	if reason == ioloop.ExitQuitWithoutReset {
		serialErased = true
	}
	if cfg.NoReset {
		serialErased = true
	}
	teardown()
	return nil
}
