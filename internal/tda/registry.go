// Package tda is the tty driver abstraction: a registry mapping an
// open file descriptor to its saved (original) and desired (pending)
// kernel attributes, with primitives to mutate desired, commit it to
// the kernel, and restore saved at teardown.
package tda

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NagyAttila/picocom/internal/session"
	"github.com/NagyAttila/picocom/serial"
)

var (
	ErrAlreadyRegistered = errors.New("tda: fd already registered")
	ErrNotRegistered     = errors.New("tda: fd not registered")
	// ErrDriverNack is returned by Apply when the kernel only partially
	// accepted the desired attributes; desired has already been rolled
	// back to what the kernel actually holds.
	ErrDriverNack = errors.New("tda: driver rejected attributes")
)

type record struct {
	fd      int
	saved   serial.Termios
	desired serial.Termios
}

// Registry is the TDA: one registry manages every fd the program owns
// (the serial port and the controlling terminal).
type Registry struct {
	mu      sync.Mutex
	driver  Driver
	records map[int]*record
}

func New(driver Driver) *Registry {
	return &Registry{driver: driver, records: map[int]*record{}}
}

// Register captures the kernel attributes of fd into saved, copies
// them into desired. Registering a known fd is an error.
func (r *Registry) Register(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[fd]; ok {
		return ErrAlreadyRegistered
	}
	attrs, err := r.driver.GetAttr(fd)
	if err != nil {
		return fmt.Errorf("tda: register fd %d: %w", fd, err)
	}
	r.records[fd] = &record{fd: fd, saved: attrs, desired: attrs}
	return nil
}

// Deregister writes saved back to the kernel and forgets the record.
// Safe to call during signal-driven teardown: a missing record is not
// an error, and the kernel write is best-effort.
func (r *Registry) Deregister(fd int) error {
	r.mu.Lock()
	rec, ok := r.records[fd]
	if ok {
		delete(r.records, fd)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.driver.SetAttr(fd, serial.TCSANOW, rec.saved)
}

// Restore writes saved back to the kernel without forgetting the
// record, unlike Deregister. Used when the fd must stay tracked across
// a window where the kernel attrs are temporarily reverted — e.g.
// handing the controlling terminal to a child program and reasserting
// raw mode via Apply once it returns.
func (r *Registry) Restore(fd int) error {
	r.mu.Lock()
	rec, ok := r.records[fd]
	r.mu.Unlock()
	if !ok {
		return ErrNotRegistered
	}
	return r.driver.SetAttr(fd, serial.TCSANOW, rec.saved)
}

// Erase forgets the record without touching the kernel — used by the
// Ctrl-Q "quit without reset" command, which must leave the serial
// port's current settings in place.
func (r *Registry) Erase(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, fd)
}

func (r *Registry) mutate(fd int, fn func(*serial.Termios)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[fd]
	if !ok {
		return ErrNotRegistered
	}
	fn(&rec.desired)
	return nil
}

// SetRaw mutates desired only; it does not touch the kernel.
func (r *Registry) SetRaw(fd int) error {
	return r.mutate(fd, func(t *serial.Termios) { t.MakeRaw() })
}

// SetBaud mutates desired only. Out-of-ladder values are snapped via
// ClampBaud, the same clamp rule the baud walker uses.
func (r *Registry) SetBaud(fd int, baud int) error {
	cflag, ok := baudToCFlag[ClampBaud(baud)]
	if !ok {
		return fmt.Errorf("tda: no CBAUD encoding for %d", baud)
	}
	return r.mutate(fd, func(t *serial.Termios) { t.SetSpeed(cflag) })
}

func (r *Registry) SetFlow(fd int, flow session.Flow) error {
	return r.mutate(fd, func(t *serial.Termios) {
		t.Cflag &^= serial.CRTSCTS
		t.Iflag &^= serial.IXON | serial.IXOFF
		switch flow {
		case session.FlowRTSCTS:
			t.Cflag |= serial.CRTSCTS
		case session.FlowXonXoff:
			t.Iflag |= serial.IXON | serial.IXOFF
		}
	})
}

func (r *Registry) SetParity(fd int, parity session.Parity) error {
	return r.mutate(fd, func(t *serial.Termios) {
		t.Cflag &^= serial.PARENB | serial.PARODD
		switch parity {
		case session.ParityEven:
			t.Cflag |= serial.PARENB
		case session.ParityOdd:
			t.Cflag |= serial.PARENB | serial.PARODD
		}
	})
}

var dataBitsToCFlag = map[int]serial.CFlag{
	5: serial.CS5,
	6: serial.CS6,
	7: serial.CS7,
	8: serial.CS8,
}

func (r *Registry) SetDataBits(fd int, bits int) error {
	cflag, ok := dataBitsToCFlag[bits]
	if !ok {
		return fmt.Errorf("tda: unsupported databits %d", bits)
	}
	return r.mutate(fd, func(t *serial.Termios) {
		t.Cflag &^= serial.CSIZE
		t.Cflag |= cflag
	})
}

func (r *Registry) SetHUPCL(fd int, on bool) error {
	return r.mutate(fd, func(t *serial.Termios) {
		if on {
			t.Cflag |= serial.HUPCL
		} else {
			t.Cflag &^= serial.HUPCL
		}
	})
}

// Apply atomically pushes desired to the kernel. It returns success
// only when the kernel acknowledges every requested bit; on partial
// failure desired is rolled back to what the kernel actually holds, so
// a subsequent Apply with no further mutation is a no-op rather than a
// retry-forever.
func (r *Registry) Apply(fd int) error {
	r.mu.Lock()
	rec, ok := r.records[fd]
	if !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	want := rec.desired
	r.mu.Unlock()

	if err := r.driver.SetAttr(fd, serial.TCSANOW, want); err != nil {
		return fmt.Errorf("tda: apply fd %d: %w", fd, err)
	}
	got, err := r.driver.GetAttr(fd)
	if err != nil {
		return fmt.Errorf("tda: apply fd %d: readback: %w", fd, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok = r.records[fd]
	if !ok {
		return ErrNotRegistered
	}
	rec.desired = got
	if got != want {
		return ErrDriverNack
	}
	return nil
}

// Flush discards pending input and output at the driver.
func (r *Registry) Flush(fd int) error {
	return r.driver.Flush(fd, serial.TCIOFLUSH)
}

// Break sends a line break.
func (r *Registry) Break(fd int) error {
	return r.driver.SendBreak(fd)
}

func (r *Registry) RaiseDTR(fd int) error {
	return r.driver.EnableModemLines(fd, serial.TIOCM_DTR)
}

func (r *Registry) LowerDTR(fd int) error {
	lines, err := r.driver.GetModemLines(fd)
	if err != nil {
		return err
	}
	return r.driver.SetModemLines(fd, lines&^serial.TIOCM_DTR)
}

// PulseDTR lowers DTR, sleeps at least a second, then raises it again.
func (r *Registry) PulseDTR(fd int) error {
	if err := r.LowerDTR(fd); err != nil {
		return err
	}
	time.Sleep(time.Second)
	return r.RaiseDTR(fd)
}

// DTRUp reports whether DTR is currently asserted.
func (r *Registry) DTRUp(fd int) (bool, error) {
	lines, err := r.driver.GetModemLines(fd)
	if err != nil {
		return false, err
	}
	return lines&serial.TIOCM_DTR != 0, nil
}

// InitialConfigure combines raw-mode, the session config fields, and
// the HUPCL/local-mode flags into one first-time setup of fd. The
// caller still has to call Apply.
func (r *Registry) InitialConfigure(fd int, cfg session.Config, localMode, hupcl bool) error {
	if err := r.SetRaw(fd); err != nil {
		return err
	}
	if err := r.SetBaud(fd, cfg.Baud); err != nil {
		return err
	}
	if err := r.SetFlow(fd, cfg.Flow); err != nil {
		return err
	}
	if err := r.SetParity(fd, cfg.Parity); err != nil {
		return err
	}
	if err := r.SetDataBits(fd, cfg.DataBits); err != nil {
		return err
	}
	if err := r.SetHUPCL(fd, hupcl); err != nil {
		return err
	}
	return r.mutate(fd, func(t *serial.Termios) {
		if localMode {
			t.Cflag |= serial.CLOCAL
		} else {
			t.Cflag &^= serial.CLOCAL
		}
		t.Cflag |= serial.CREAD
	})
}
