package tda

import "github.com/NagyAttila/picocom/serial"

// Driver is the small abstract tty interface a POSIX termios
// implementation (PosixDriver, backed by serial.Port) or a test fake
// can satisfy. The Registry above it owns the saved/desired
// bookkeeping; the Driver only knows how to talk to one fd at a time.
type Driver interface {
	GetAttr(fd int) (serial.Termios, error)
	SetAttr(fd int, when serial.Action, attrs serial.Termios) error
	Flush(fd int, q serial.Queue) error
	SendBreak(fd int) error
	GetModemLines(fd int) (serial.ModemLine, error)
	SetModemLines(fd int, line serial.ModemLine) error
	EnableModemLines(fd int, line serial.ModemLine) error
}

// PosixDriver is the real driver, backed by the ioctl/termios wrapper
// in the serial package.
type PosixDriver struct{}

func (PosixDriver) GetAttr(fd int) (serial.Termios, error) {
	t, err := serial.FromFd(fd, nil).GetAttr()
	if err != nil {
		return serial.Termios{}, err
	}
	return *t, nil
}

func (PosixDriver) SetAttr(fd int, when serial.Action, attrs serial.Termios) error {
	return serial.FromFd(fd, nil).SetAttr(when, &attrs)
}

func (PosixDriver) Flush(fd int, q serial.Queue) error {
	return serial.FromFd(fd, nil).Flush(q)
}

func (PosixDriver) SendBreak(fd int) error {
	return serial.FromFd(fd, nil).SendBreak(0)
}

func (PosixDriver) GetModemLines(fd int) (serial.ModemLine, error) {
	return serial.FromFd(fd, nil).GetModemLines()
}

func (PosixDriver) SetModemLines(fd int, line serial.ModemLine) error {
	return serial.FromFd(fd, nil).SetModemLines(line)
}

func (PosixDriver) EnableModemLines(fd int, line serial.ModemLine) error {
	return serial.FromFd(fd, nil).EnableModemLines(line)
}
