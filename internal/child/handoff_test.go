package child_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/NagyAttila/picocom/internal/child"
	"github.com/NagyAttila/picocom/internal/tda"
	"github.com/NagyAttila/picocom/serial"
)

type fakeTTY struct {
	restored bool
	applied  bool
	restoreOrder, applyOrder int
	seq *int
}

func (f *fakeTTY) Restore(fd int) error {
	f.restored = true
	*f.seq++
	f.restoreOrder = *f.seq
	return nil
}

func (f *fakeTTY) Apply(fd int) error {
	f.applied = true
	*f.seq++
	f.applyOrder = *f.seq
	return nil
}

// fakeTermiosDriver is an in-memory tda.Driver, just enough to drive a
// real *tda.Registry through Custodian.Run without a kernel.
type fakeTermiosDriver struct {
	kernel map[int]serial.Termios
}

func (f *fakeTermiosDriver) GetAttr(fd int) (serial.Termios, error) { return f.kernel[fd], nil }
func (f *fakeTermiosDriver) SetAttr(fd int, _ serial.Action, attrs serial.Termios) error {
	f.kernel[fd] = attrs
	return nil
}
func (f *fakeTermiosDriver) Flush(fd int, _ serial.Queue) error { return nil }
func (f *fakeTermiosDriver) SendBreak(fd int) error              { return nil }
func (f *fakeTermiosDriver) GetModemLines(fd int) (serial.ModemLine, error) {
	return 0, nil
}
func (f *fakeTermiosDriver) SetModemLines(fd int, line serial.ModemLine) error    { return nil }
func (f *fakeTermiosDriver) EnableModemLines(fd int, line serial.ModemLine) error { return nil }

func newPipePair(t *testing.T) (int, func()) {
	t.Helper()
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return pair[1], func() { unix.Close(pair[0]); unix.Close(pair[1]) }
}

func TestRunSucceedsAndRestoresRawModeAfter(t *testing.T) {
	serialFD, cleanup := newPipePair(t)
	defer cleanup()

	seq := 0
	tty := &fakeTTY{seq: &seq}
	guard := child.InstallSignals(func() { t.Fatal("deadly handler must not fire") })
	t.Cleanup(guard.Stop)
	c := &child.Custodian{TTY: tty, ControlFD: int(os.Stdin.Fd()), SerialFD: serialFD, Guard: guard}

	status, err := c.Run("true")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.True(t, tty.restored)
	assert.True(t, tty.applied)
	assert.Less(t, tty.restoreOrder, tty.applyOrder)
}

// TestRunReassertsRawModeThroughRealRegistry exercises Custodian.Run
// against a real *tda.Registry (not the independent-no-op fakeTTY
// above) to prove the deferred Apply can still find the ControlFD's
// record after Restore: Restore must not forget it the way Deregister
// does, or Apply fails with tda.ErrNotRegistered on every hand-off.
func TestRunReassertsRawModeThroughRealRegistry(t *testing.T) {
	serialFD, cleanup := newPipePair(t)
	defer cleanup()

	controlFD := int(os.Stdin.Fd())
	drv := &fakeTermiosDriver{kernel: map[int]serial.Termios{
		controlFD: {Cflag: serial.CS8 | serial.CREAD},
	}}
	registry := tda.New(drv)
	require.NoError(t, registry.Register(controlFD))
	require.NoError(t, registry.SetRaw(controlFD))
	require.NoError(t, registry.Apply(controlFD))

	guard := child.InstallSignals(func() { t.Fatal("deadly handler must not fire") })
	t.Cleanup(guard.Stop)
	c := &child.Custodian{TTY: registry, ControlFD: controlFD, SerialFD: serialFD, Guard: guard}

	status, err := c.Run("true")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestRunReportsNonZeroExitStatus(t *testing.T) {
	serialFD, cleanup := newPipePair(t)
	defer cleanup()

	seq := 0
	tty := &fakeTTY{seq: &seq}
	guard := child.InstallSignals(func() {})
	t.Cleanup(guard.Stop)
	c := &child.Custodian{TTY: tty, ControlFD: int(os.Stdin.Fd()), SerialFD: serialFD, Guard: guard}

	status, err := c.Run("false")
	require.NoError(t, err)
	assert.Equal(t, 1, status)
}

func TestRunJoinsCommandAndArgsWithSpaces(t *testing.T) {
	serialFD, cleanup := newPipePair(t)
	defer cleanup()

	seq := 0
	tty := &fakeTTY{seq: &seq}
	guard := child.InstallSignals(func() {})
	t.Cleanup(guard.Stop)
	c := &child.Custodian{TTY: tty, ControlFD: int(os.Stdin.Fd()), SerialFD: serialFD, Guard: guard}

	// "test -e <path>" exits 0 only if the joined args form a valid path.
	status, err := c.Run("test", "-e", "/bin/sh")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}
