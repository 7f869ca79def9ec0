package serial

var (
	tcgets = uintptr(0x5401)
	tcsets = uintptr(0x5402)

	tcsbrk = uintptr(0x5409)

	tcflsh = uintptr(0x540B)

	tcxonc = uintptr(0x540A)

	tiocmget = uintptr(0x5415) // get status
	tiocmbis = uintptr(0x5416) // set indicated bits
	tiocmbic = uintptr(0x5417) // clear indicated bits
	tiocmset = uintptr(0x5418) // set status

	tiocswinsz = uintptr(0x5414)
	tiocgwinsz = uintptr(0x5413)

	tiocgptn    = uintptr(0x80045430)
	tiocsptlck  = uintptr(0x40045431)
	tiocgptpeer = uintptr(0x5441)
)
