// Package command implements the Command Interpreter: a two-state
// machine (Transparent, Command) driven by bytes read from the
// controlling terminal.
package command

import (
	"errors"
	"fmt"
	"io"

	"github.com/NagyAttila/picocom/internal/queue"
	"github.com/NagyAttila/picocom/internal/session"
	"github.com/NagyAttila/picocom/internal/tda"
	"github.com/NagyAttila/picocom/internal/timestamp"
)

// Control bytes recognized in Command state.
const (
	keyExit      = 0x18 // Ctrl-X
	keyQuit      = 0x11 // Ctrl-Q
	keyPulse     = 0x10 // Ctrl-P
	keyToggle    = 0x14 // Ctrl-T
	keyBaudUp    = 0x15 // Ctrl-U
	keyBaudDown  = 0x04 // Ctrl-D
	keyFlow      = 0x06 // Ctrl-F
	keyParity    = 0x19 // Ctrl-Y
	keyBits      = 0x02 // Ctrl-B
	keyStatus    = 0x16 // Ctrl-V
	keySend      = 0x13 // Ctrl-S
	keyReceive   = 0x12 // Ctrl-R
	keyBreak     = 0x1c // Ctrl-\
	keyTimestamp = 0x09 // Ctrl-I
)

const maxFilenameLen = 128

// ErrInterrupted is returned from readLine when the prompt is
// cancelled mid-read; Dispatch treats it as "return to Transparent",
// not as a fatal condition.
var ErrInterrupted = errors.New("command: filename prompt interrupted")

// State is the CI's two states.
type State int

const (
	Transparent State = iota
	Command
)

// Result tells the Loop what Dispatch wants it to do next.
type Result int

const (
	ResultContinue Result = iota
	ResultExit
	ResultQuitWithoutReset
)

// TTYDriver is the subset of internal/tda.Registry the interpreter
// needs, isolated as an interface so tests don't have to drive a real
// termios driver (or sit through PulseDTR's one-second sleep).
type TTYDriver interface {
	SetBaud(fd, baud int) error
	SetFlow(fd int, flow session.Flow) error
	SetParity(fd int, parity session.Parity) error
	SetDataBits(fd, bits int) error
	SetHUPCL(fd int, on bool) error
	Flush(fd int) error
	Apply(fd int) error
	Break(fd int) error
	RaiseDTR(fd int) error
	LowerDTR(fd int) error
	PulseDTR(fd int) error
	Erase(fd int)
}

// Handoff runs an external program with the serial fd wired to its
// stdin/stdout. Returns the command's exit status, or an error if the
// hand-off itself failed (e.g. the terminals could not be prepared).
type Handoff func(args []string) (exitStatus int, err error)

// Interpreter is the Command Interpreter.
type Interpreter struct {
	state State

	Out      io.Writer // controlling-terminal out: status/confirmation lines, BEL
	ReadByte func() (byte, error)

	Queue    *queue.Queue
	TTY      TTYDriver
	SerialFD int
	Config   *session.Config
	TS       *timestamp.Annotator
	Run      Handoff

	dtrUp bool
}

// New constructs an Interpreter in the initial Transparent state.
func New(out io.Writer, readByte func() (byte, error), q *queue.Queue, tty TTYDriver, serialFD int, cfg *session.Config, ts *timestamp.Annotator, run Handoff) *Interpreter {
	return &Interpreter{
		state:    Transparent,
		Out:      out,
		ReadByte: readByte,
		Queue:    q,
		TTY:      tty,
		SerialFD: serialFD,
		Config:   cfg,
		TS:       ts,
		Run:      run,
	}
}

// State reports the interpreter's current state, for status display.
func (ci *Interpreter) State() State { return ci.state }

// DTRUp reports whether DTR was last asserted by this interpreter.
func (ci *Interpreter) DTRUp() bool { return ci.dtrUp }

func (ci *Interpreter) bell() {
	fmt.Fprint(ci.Out, "\x07")
}

func (ci *Interpreter) printf(format string, args ...any) {
	fmt.Fprintf(ci.Out, format, args...)
}

// Dispatch feeds one byte read from the controlling terminal through
// the state machine.
func (ci *Interpreter) Dispatch(b byte) (Result, error) {
	if ci.state == Transparent {
		return ci.dispatchTransparent(b)
	}
	return ci.dispatchCommand(b)
}

func (ci *Interpreter) dispatchTransparent(b byte) (Result, error) {
	if b == ci.Config.Escape {
		ci.state = Command
		return ResultContinue, nil
	}
	if !ci.Queue.Push(b) {
		ci.bell()
	}
	return ResultContinue, nil
}

func (ci *Interpreter) dispatchCommand(b byte) (Result, error) {
	ci.state = Transparent

	if b == ci.Config.Escape {
		if !ci.Queue.Push(b) {
			ci.bell()
		}
		return ResultContinue, nil
	}

	switch b {
	case keyExit:
		return ResultExit, nil
	case keyQuit:
		return ci.quitWithoutReset()
	case keyStatus:
		ci.printStatus()
	case keyPulse:
		ci.printf("\r\n*** pulse DTR ***\r\n")
		if err := ci.TTY.PulseDTR(ci.SerialFD); err != nil {
			ci.printf("*** FAILED\r\n")
		}
	case keyToggle:
		ci.toggleDTR()
	case keyBaudUp:
		ci.reconfigureBaud(true)
	case keyBaudDown:
		ci.reconfigureBaud(false)
	case keyFlow:
		ci.reconfigureFlow()
	case keyParity:
		ci.reconfigureParity()
	case keyBits:
		ci.reconfigureDataBits()
	case keySend:
		return ci.sendFile()
	case keyReceive:
		return ci.receiveFile()
	case keyBreak:
		if err := ci.TTY.Break(ci.SerialFD); err != nil {
			return ResultContinue, err
		}
		ci.printf("\r\n*** break sent ***\r\n")
	case keyTimestamp:
		ci.toggleTimestamp()
	default:
		// Unrecognized command byte: ignored, already back in Transparent.
	}
	return ResultContinue, nil
}

func (ci *Interpreter) quitWithoutReset() (Result, error) {
	if err := ci.TTY.SetHUPCL(ci.SerialFD, false); err != nil {
		return ResultContinue, err
	}
	if err := ci.TTY.Flush(ci.SerialFD); err != nil {
		return ResultContinue, err
	}
	if err := ci.TTY.Apply(ci.SerialFD); err != nil {
		return ResultContinue, err
	}
	ci.TTY.Erase(ci.SerialFD)
	return ResultQuitWithoutReset, nil
}

func (ci *Interpreter) printStatus() {
	ci.printf("\r\n")
	ci.printf("*** baud: %d\r\n", ci.Config.Baud)
	ci.printf("*** flow: %s\r\n", ci.Config.Flow)
	ci.printf("*** parity: %s\r\n", ci.Config.Parity)
	ci.printf("*** databits: %d\r\n", ci.Config.DataBits)
	ci.printf("*** dtr: %s\r\n", dtrString(ci.dtrUp))
	ci.printf("*** timestamp: %s\r\n", onOff(ci.TS.Enabled()))
}

func dtrString(up bool) string {
	if up {
		return "up"
	}
	return "down"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (ci *Interpreter) toggleDTR() {
	var err error
	if ci.dtrUp {
		err = ci.TTY.LowerDTR(ci.SerialFD)
	} else {
		err = ci.TTY.RaiseDTR(ci.SerialFD)
	}
	if err == nil {
		ci.dtrUp = !ci.dtrUp
	}
	ci.printf("\r\n*** DTR: %s ***\r\n", dtrString(ci.dtrUp))
}

// reconfigure runs the common "Reconfigure" sequence: push desired via
// mutate, flush the kernel, clear the outbound queue, apply; commit
// and confirm on success, otherwise leave config untouched and print
// nothing (the tty driver abstraction has already rolled desired back).
func (ci *Interpreter) reconfigure(mutate func() error, commit func(), confirm func()) error {
	if err := mutate(); err != nil {
		return err
	}
	if err := ci.TTY.Flush(ci.SerialFD); err != nil {
		return err
	}
	ci.Queue.Clear()
	if err := ci.TTY.Apply(ci.SerialFD); err != nil {
		return nil // DriverNack: recovered locally, no confirmation line
	}
	commit()
	confirm()
	return nil
}

func (ci *Interpreter) reconfigureBaud(up bool) {
	newBaud := ci.Config.Baud
	if up {
		newBaud = tda.BaudUp(newBaud)
	} else {
		newBaud = tda.BaudDown(newBaud)
	}
	_ = ci.reconfigure(
		func() error { return ci.TTY.SetBaud(ci.SerialFD, newBaud) },
		func() { ci.Config.Baud = newBaud },
		func() { ci.printf("\r\n*** baud: %d ***\r\n", ci.Config.Baud) },
	)
}

func (ci *Interpreter) reconfigureFlow() {
	newFlow := ci.Config.Flow.Next()
	_ = ci.reconfigure(
		func() error { return ci.TTY.SetFlow(ci.SerialFD, newFlow) },
		func() { ci.Config.Flow = newFlow },
		func() { ci.printf("\r\n*** flow: %s ***\r\n", ci.Config.Flow) },
	)
}

func (ci *Interpreter) reconfigureParity() {
	newParity := ci.Config.Parity.Next()
	_ = ci.reconfigure(
		func() error { return ci.TTY.SetParity(ci.SerialFD, newParity) },
		func() { ci.Config.Parity = newParity },
		func() { ci.printf("\r\n*** parity: %s ***\r\n", ci.Config.Parity) },
	)
}

func (ci *Interpreter) reconfigureDataBits() {
	newBits := session.NextDataBits(ci.Config.DataBits)
	_ = ci.reconfigure(
		func() error { return ci.TTY.SetDataBits(ci.SerialFD, newBits) },
		func() { ci.Config.DataBits = newBits },
		func() { ci.printf("\r\n*** databits: %d ***\r\n", ci.Config.DataBits) },
	)
}

func (ci *Interpreter) toggleTimestamp() {
	if ci.TS.Enabled() {
		ci.TS.Disable()
		ci.printf("\r\n*** Time Stamp Disable ***\r\n")
		return
	}
	ci.TS.Enable()
	ci.printf("\r\n*** Time Stamp Enable ***\r\n")
}

func (ci *Interpreter) sendFile() (Result, error) {
	ci.printf("\r\n*** file: ")
	fname, err := ci.readLine()
	ci.printf("\r\n")
	if errors.Is(err, ErrInterrupted) {
		return ResultContinue, nil
	}
	if err != nil {
		return ResultContinue, err
	}
	if _, err := ci.Run(buildArgs(ci.Config.SendCmd, fname)); err != nil {
		return ResultContinue, err
	}
	return ResultContinue, nil
}

func (ci *Interpreter) receiveFile() (Result, error) {
	ci.printf("*** file: ")
	fname, err := ci.readLine()
	ci.printf("\r\n")
	if errors.Is(err, ErrInterrupted) {
		return ResultContinue, nil
	}
	if err != nil {
		return ResultContinue, err
	}

	var args []string
	switch {
	case fname == "":
		args = buildArgs(ci.Config.ReceiveCmd)
	case ci.Config.ReceiveUsesSendCmd:
		// Reproduces a historical bug, for anyone who wants
		// byte-for-byte compatible behavior.
		args = buildArgs(ci.Config.SendCmd, fname)
	default:
		args = buildArgs(ci.Config.ReceiveCmd, fname)
	}
	if _, err := ci.Run(args); err != nil {
		return ResultContinue, err
	}
	return ResultContinue, nil
}

func buildArgs(cmd string, extra ...string) []string {
	return append([]string{cmd}, extra...)
}

// readLine implements the filename prompt: single byte reads with
// local echo, backspace erase, CR terminates, buffer full rings the
// bell and drops the byte.
func (ci *Interpreter) readLine() (string, error) {
	buf := make([]byte, 0, maxFilenameLen)
	for {
		b, err := ci.ReadByte()
		if err != nil {
			return "", err
		}
		switch b {
		case 0x08: // backspace
			if len(buf) > 0 {
				buf = buf[:len(buf)-1]
				fmt.Fprint(ci.Out, "\b \b")
			} else {
				ci.bell()
			}
		case '\r':
			return string(buf), nil
		default:
			if len(buf) < maxFilenameLen-1 {
				buf = append(buf, b)
				fmt.Fprintf(ci.Out, "%c", b)
			} else {
				ci.bell()
			}
		}
	}
}
