package serial

import (
	"fmt"
	"syscall"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

type Winsize struct {
	Row    uint16
	Col    uint16
	Xpixel uint16
	Ypixel uint16
}

// OpenPTY finds an available pseudoterminal and returns a master and slave port.
// If termp is non-nil, the slave port will be configured with the given termios.
// If winp is non-nil, the slave port will be configured with the given window size.
//
// Used by internal/tda's pty-backed test to stand a pty pair in for a
// real serial device and drive PosixDriver against real ioctls.
func OpenPTY(termp *Termios, winp *Winsize) (*Port, *Port, error) {
	master, err := Open("/dev/ptmx", nil)
	if err != nil {
		return nil, nil, err
	}
	if err := master.SetLockPT(false); err != nil {
		master.Close()
		return nil, nil, err
	}
	slave, err := master.GetPTPeer()
	if err != nil {
		master.Close()
		return nil, nil, err
	}
	if termp != nil {
		if err := slave.SetAttr(TCSANOW, termp); err != nil {
			master.Close()
			slave.Close()
			return nil, nil, err
		}
	}
	if winp != nil {
		if err := slave.SetWinSize(winp); err != nil {
			master.Close()
			slave.Close()
			return nil, nil, err
		}
	}
	return master, slave, nil
}

// SetLockPT sets or clears the pty lock flag for the master side of a
// /dev/ptmx descriptor; the slave cannot be opened while locked.
func (p *Port) SetLockPT(locked bool) error {
	var v int32
	if locked {
		v = 1
	}
	return ioctl.Ioctl(uintptr(p.f), tiocsptlck, uintptr(unsafe.Pointer(&v)))
}

// GetPTPeer opens the slave end of the pty whose master is p.
func (p *Port) GetPTPeer() (*Port, error) {
	var n uint32
	if err := ioctl.Ioctl(uintptr(p.f), tiocgptn, uintptr(unsafe.Pointer(&n))); err != nil {
		return nil, err
	}
	fd, err := syscall.Open(fmt.Sprintf("/dev/pts/%d", n), syscall.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}
	return FromFd(fd, nil), nil
}

func (p *Port) SetWinSize(w *Winsize) error {
	return ioctl.Ioctl(uintptr(p.f), tiocswinsz, uintptr(unsafe.Pointer(w)))
}

func (p *Port) GetWinSize() (*Winsize, error) {
	w := &Winsize{}
	if err := ioctl.Ioctl(uintptr(p.f), tiocgwinsz, uintptr(unsafe.Pointer(w))); err != nil {
		return nil, err
	}
	return w, nil
}
