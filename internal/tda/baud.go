package tda

import (
	"github.com/NagyAttila/picocom/internal/session"
	"github.com/NagyAttila/picocom/serial"
)

// BaudUp steps to the next higher rate on the allowed ladder.
func BaudUp(b int) int {
	switch {
	case b < 300:
		b = 300
	case b == 38400:
		b = 57600
	default:
		b *= 2
	}
	if b > 115200 {
		b = 115200
	}
	return b
}

// BaudDown steps to the next lower rate on the allowed ladder.
func BaudDown(b int) int {
	switch {
	case b > 115200:
		b = 115200
	case b == 57600:
		b = 38400
	default:
		b /= 2
	}
	if b < 300 {
		b = 300
	}
	return b
}

// ClampBaud snaps an arbitrary requested baud onto the allowed ladder,
// using the same bound logic as the walker: out-of-range values clamp
// to the nearest endpoint, in-range-but-off-ladder values snap to the
// nearest ladder member (ties rounding down).
func ClampBaud(b int) int {
	if b < 300 {
		return 300
	}
	if b > 115200 {
		return 115200
	}
	best := session.BaudLadder[0]
	bestDiff := diff(b, best)
	for _, v := range session.BaudLadder[1:] {
		d := diff(b, v)
		if d < bestDiff || (d == bestDiff && v < best) {
			best, bestDiff = v, d
		}
	}
	return best
}

func diff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

var baudToCFlag = map[int]serial.CFlag{
	300:    serial.B300,
	600:    serial.B600,
	1200:   serial.B1200,
	2400:   serial.B2400,
	4800:   serial.B4800,
	9600:   serial.B9600,
	19200:  serial.B19200,
	38400:  serial.B38400,
	57600:  serial.B57600,
	115200: serial.B115200,
}
