// Package timestamp implements a stateful transducer on the
// serial-to-screen path that prefixes the first non-newline byte of
// each line with an elapsed time, while timestamping is enabled.
package timestamp

import (
	"fmt"
	"io"
	"time"
)

type state int

const (
	// stateReset is the pre-first-byte state: the next non-newline
	// byte (re-)establishes the reference clock.
	stateReset state = iota
	// stateAwaitingFirstByte is ready to annotate the next non-newline
	// byte against the current reference clock.
	stateAwaitingFirstByte
	// stateQuiescent has already annotated this line; no more prefixes
	// until the next line end.
	stateQuiescent
)

// Annotator inserts "\x1b[36mM:SS.mmm \x1b[0m" before the first
// non-newline byte of each received line, while enabled.
type Annotator struct {
	out     io.Writer
	now     func() time.Time
	enabled bool
	state   state
	tref    time.Time
}

// New returns a disabled Annotator writing prefixes to out.
func New(out io.Writer) *Annotator {
	return &Annotator{out: out, now: time.Now, state: stateReset}
}

// Enabled reports whether timestamping is on.
func (a *Annotator) Enabled() bool { return a.enabled }

// Enable turns timestamping on and resets the reference clock to now.
func (a *Annotator) Enable() {
	a.enabled = true
	a.tref = a.now()
	a.state = stateAwaitingFirstByte
}

// Disable turns timestamping off. No further prefixes are emitted
// until Enable is called again.
func (a *Annotator) Disable() {
	a.enabled = false
	a.state = stateReset
}

// Process feeds one byte received from the serial port through the
// annotator, writing a prefix to out when this byte starts a new line
// and timestamping is enabled. It never consumes or drops the byte
// itself — the caller still writes b to the controlling terminal.
func (a *Annotator) Process(b byte) error {
	if !a.enabled {
		return nil
	}
	if b == '\n' || b == '\r' {
		a.state = stateAwaitingFirstByte
		return nil
	}
	switch a.state {
	case stateReset:
		a.tref = a.now()
		a.state = stateAwaitingFirstByte
		fallthrough
	case stateAwaitingFirstByte:
		if err := a.writePrefix(); err != nil {
			return err
		}
		a.state = stateQuiescent
	case stateQuiescent:
		// Already annotated this line; nothing to do.
	}
	return nil
}

func (a *Annotator) writePrefix() error {
	now := a.now()

	// Separate-fields subtraction with a manual borrow, matching the
	// naive "sec, then millis" arithmetic this is grounded on: avoids
	// relying on signed Duration overflow semantics.
	sec := now.Unix() - a.tref.Unix()
	nsec := now.Nanosecond() - a.tref.Nanosecond()
	if nsec < 0 {
		sec--
		nsec += int(time.Second)
	}
	millis := nsec / int(time.Millisecond)
	minutes := sec / 60
	seconds := sec % 60

	_, err := fmt.Fprintf(a.out, "\x1b[36m%d:%02d.%03d \x1b[0m", minutes, seconds, millis)
	return err
}
