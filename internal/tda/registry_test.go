package tda_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NagyAttila/picocom/internal/session"
	"github.com/NagyAttila/picocom/internal/tda"
	"github.com/NagyAttila/picocom/serial"
)

// fakeDriver is an in-memory Driver: no kernel, no ioctls. partial, if
// set, masks out bits the "kernel" refuses to accept on SetAttr, so
// tests can exercise the rollback path.
type fakeDriver struct {
	mu      sync.Mutex
	kernel  map[int]serial.Termios
	partial serial.CFlag // Cflag bits this fake kernel will never hold
	modem   map[int]serial.ModemLine
	flushed map[int]int
	breaks  map[int]int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		kernel:  map[int]serial.Termios{},
		modem:   map[int]serial.ModemLine{},
		flushed: map[int]int{},
		breaks:  map[int]int{},
	}
}

func (f *fakeDriver) GetAttr(fd int) (serial.Termios, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kernel[fd], nil
}

func (f *fakeDriver) SetAttr(fd int, _ serial.Action, attrs serial.Termios) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	attrs.Cflag &^= f.partial
	f.kernel[fd] = attrs
	return nil
}

func (f *fakeDriver) Flush(fd int, _ serial.Queue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed[fd]++
	return nil
}

func (f *fakeDriver) SendBreak(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breaks[fd]++
	return nil
}

func (f *fakeDriver) GetModemLines(fd int) (serial.ModemLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modem[fd], nil
}

func (f *fakeDriver) SetModemLines(fd int, line serial.ModemLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modem[fd] = line
	return nil
}

func (f *fakeDriver) EnableModemLines(fd int, line serial.ModemLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modem[fd] |= line
	return nil
}

func TestRegisterDeregisterRoundTrip(t *testing.T) {
	drv := newFakeDriver()
	drv.kernel[3] = serial.Termios{Cflag: serial.CS8 | serial.CREAD, Lflag: serial.ICANON | serial.ECHO}
	r := tda.New(drv)

	require.NoError(t, r.Register(3))
	require.NoError(t, r.SetRaw(3))
	require.NoError(t, r.Apply(3))
	assert.NotEqual(t, serial.Termios{Cflag: serial.CS8 | serial.CREAD, Lflag: serial.ICANON | serial.ECHO}, drv.kernel[3])

	require.NoError(t, r.Deregister(3))
	assert.Equal(t, serial.Termios{Cflag: serial.CS8 | serial.CREAD, Lflag: serial.ICANON | serial.ECHO}, drv.kernel[3])
}

func TestRegisterTwiceFails(t *testing.T) {
	drv := newFakeDriver()
	r := tda.New(drv)
	require.NoError(t, r.Register(3))
	assert.ErrorIs(t, r.Register(3), tda.ErrAlreadyRegistered)
}

func TestEraseForgetsWithoutRestoring(t *testing.T) {
	drv := newFakeDriver()
	drv.kernel[3] = serial.Termios{Cflag: serial.CS8}
	r := tda.New(drv)
	require.NoError(t, r.Register(3))
	require.NoError(t, r.SetHUPCL(3, false))
	require.NoError(t, r.Apply(3))

	r.Erase(3)
	// Erase must not have touched the kernel attrs at all.
	assert.Equal(t, serial.Termios{Cflag: serial.CS8}, drv.kernel[3])
	// And Deregister on an erased fd is a harmless no-op.
	assert.NoError(t, r.Deregister(3))
}

func TestApplySuccessCommitsDesired(t *testing.T) {
	drv := newFakeDriver()
	r := tda.New(drv)
	require.NoError(t, r.Register(5))
	require.NoError(t, r.SetBaud(5, 9600))
	require.NoError(t, r.Apply(5))
	assert.Equal(t, serial.B9600, drv.kernel[5].Cflag&serial.CBAUD)
}

func TestApplyPartialFailureRollsBack(t *testing.T) {
	drv := newFakeDriver()
	drv.partial = serial.PARENB // kernel refuses to hold parity
	r := tda.New(drv)
	require.NoError(t, r.Register(7))
	require.NoError(t, r.SetParity(7, session.ParityEven))

	err := r.Apply(7)
	assert.ErrorIs(t, err, tda.ErrDriverNack)

	// A second Apply with no further mutation must be a no-op: desired
	// already equals what the kernel holds, so it must not error again.
	assert.NoError(t, r.Apply(7))
}

func TestSetRawIdempotent(t *testing.T) {
	drv := newFakeDriver()
	r := tda.New(drv)
	require.NoError(t, r.Register(1))
	require.NoError(t, r.SetRaw(1))
	require.NoError(t, r.Apply(1))
	first := drv.kernel[1]
	require.NoError(t, r.SetRaw(1))
	require.NoError(t, r.Apply(1))
	assert.Equal(t, first, drv.kernel[1])
}

func TestBaudLadder(t *testing.T) {
	assert.Equal(t, 115200, tda.BaudUp(115200))
	assert.Equal(t, 300, tda.BaudDown(300))
	assert.Equal(t, 300, tda.BaudUp(200))
	assert.Equal(t, 57600, tda.BaudUp(38400))
	assert.Equal(t, 38400, tda.BaudDown(57600))
}

func TestBaudUpDownRoundTrip(t *testing.T) {
	for _, b := range session.BaudLadder {
		if b == 300 || b == 115200 {
			continue
		}
		assert.Equal(t, b, tda.BaudUp(tda.BaudDown(b)), "baud %d", b)
	}
}

func TestDataBitsCycle(t *testing.T) {
	assert.Equal(t, 6, session.NextDataBits(5))
	assert.Equal(t, 7, session.NextDataBits(6))
	assert.Equal(t, 8, session.NextDataBits(7))
	assert.Equal(t, 5, session.NextDataBits(8))
}

func TestRaiseDTRPreservesOtherModemLines(t *testing.T) {
	drv := newFakeDriver()
	drv.modem[3] = serial.TIOCM_RTS
	r := tda.New(drv)
	require.NoError(t, r.Register(3))

	require.NoError(t, r.RaiseDTR(3))
	assert.Equal(t, serial.TIOCM_RTS|serial.TIOCM_DTR, drv.modem[3])
}

func TestFlowAndParityCycles(t *testing.T) {
	assert.Equal(t, session.FlowRTSCTS, session.FlowNone.Next())
	assert.Equal(t, session.FlowXonXoff, session.FlowRTSCTS.Next())
	assert.Equal(t, session.FlowNone, session.FlowXonXoff.Next())

	assert.Equal(t, session.ParityEven, session.ParityNone.Next())
	assert.Equal(t, session.ParityOdd, session.ParityEven.Next())
	assert.Equal(t, session.ParityNone, session.ParityOdd.Next())
}
