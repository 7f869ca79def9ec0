// Package session holds the mutable line-configuration record shared
// by the Tty Driver Abstraction, the Command Interpreter and the CLI
// startup path.
package session

import "fmt"

type Flow int

const (
	FlowNone Flow = iota
	FlowRTSCTS
	FlowXonXoff
)

func (f Flow) String() string {
	switch f {
	case FlowRTSCTS:
		return "rts/cts"
	case FlowXonXoff:
		return "xon/xoff"
	default:
		return "none"
	}
}

// Next advances the flow cycle None -> RtsCts -> XonXoff -> None.
func (f Flow) Next() Flow {
	switch f {
	case FlowNone:
		return FlowRTSCTS
	case FlowRTSCTS:
		return FlowXonXoff
	default:
		return FlowNone
	}
}

type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return "none"
	}
}

// Next advances the parity cycle None -> Even -> Odd -> None.
func (p Parity) Next() Parity {
	switch p {
	case ParityNone:
		return ParityEven
	case ParityEven:
		return ParityOdd
	default:
		return ParityNone
	}
}

// NextDataBits cycles 5 -> 6 -> 7 -> 8 -> 5.
func NextDataBits(bits int) int {
	if bits >= 8 {
		return 5
	}
	return bits + 1
}

// BaudLadder is the allowed set of baud rates, ascending.
var BaudLadder = []int{300, 600, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// Config is the mutable session configuration: passed to the tty
// driver abstraction's InitialConfigure at startup, and updated by the
// Command Interpreter after each successful reconfiguration.
type Config struct {
	Baud     int
	Flow     Flow
	Parity   Parity
	DataBits int
	// Escape is the single byte that gates the Command Interpreter.
	Escape byte

	NoInit  bool
	NoReset bool
	NoLock  bool

	SendCmd    string
	ReceiveCmd string

	// ReceiveUsesSendCmd reproduces a historical bug where Ctrl-R with a
	// non-empty filename invoked SendCmd instead of ReceiveCmd. Default
	// false: the fixed behavior.
	ReceiveUsesSendCmd bool
}

// Default returns the session defaults used by the original program.
func Default() Config {
	return Config{
		Baud:       115200,
		Flow:       FlowNone,
		Parity:     ParityNone,
		DataBits:   8,
		Escape:     0x01,
		SendCmd:    "sz -vv",
		ReceiveCmd: "rz -vv",
	}
}

// ParseEscape turns a single ASCII letter into its control-byte
// equivalent: lowercased, then letter-'a'+1.
func ParseEscape(letter byte) (byte, error) {
	l := letter
	if l >= 'A' && l <= 'Z' {
		l = l - 'A' + 'a'
	}
	if l < 'a' || l > 'z' {
		return 0, fmt.Errorf("escape must be a letter, got %q", letter)
	}
	return l - 'a' + 1, nil
}
