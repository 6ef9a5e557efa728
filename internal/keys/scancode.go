package keys

// Scancodes are XT set-1 make codes. Extended (0xE0-prefixed) keys are folded
// into a single byte by setting the high bit, the numbering QEMU uses for
// "number" key values and the one most PC emulators accept directly.
var scancodes = map[Key]uint16{
	Escape:       0x01,
	Digit1:       0x02,
	Digit2:       0x03,
	Digit3:       0x04,
	Digit4:       0x05,
	Digit5:       0x06,
	Digit6:       0x07,
	Digit7:       0x08,
	Digit8:       0x09,
	Digit9:       0x0a,
	Digit0:       0x0b,
	Minus:        0x0c,
	Equal:        0x0d,
	Backspace:    0x0e,
	Tab:          0x0f,
	Q:            0x10,
	W:            0x11,
	E:            0x12,
	R:            0x13,
	T:            0x14,
	Y:            0x15,
	U:            0x16,
	I:            0x17,
	O:            0x18,
	P:            0x19,
	LeftBracket:  0x1a,
	RightBracket: 0x1b,
	Enter:        0x1c,
	Ctrl:         0x1d,
	A:            0x1e,
	S:            0x1f,
	D:            0x20,
	F:            0x21,
	G:            0x22,
	H:            0x23,
	J:            0x24,
	K:            0x25,
	L:            0x26,
	Semicolon:    0x27,
	Apostrophe:   0x28,
	Grave:        0x29,
	Shift:        0x2a,
	Backslash:    0x2b,
	Z:            0x2c,
	X:            0x2d,
	C:            0x2e,
	V:            0x2f,
	B:            0x30,
	N:            0x31,
	M:            0x32,
	Comma:        0x33,
	Period:       0x34,
	Slash:        0x35,
	Alt:          0x38,
	Space:        0x39,
	CapsLock:     0x3a,
	F1:           0x3b,
	F2:           0x3c,
	F3:           0x3d,
	F4:           0x3e,
	F5:           0x3f,
	F6:           0x40,
	F7:           0x41,
	F8:           0x42,
	F9:           0x43,
	F10:          0x44,
	NumLock:      0x45,
	ScrollLock:   0x46,
	F11:          0x57,
	F12:          0x58,
	PrintScreen:  0xb7,
	Pause:        0xc6,
	Home:         0xc7,
	Up:           0xc8,
	PageUp:       0xc9,
	Left:         0xcb,
	Right:        0xcd,
	End:          0xcf,
	Down:         0xd0,
	PageDown:     0xd1,
	Insert:       0xd2,
	Delete:       0xd3,
}

// Scancode translates a key into its set-1 make code.
func Scancode(k Key) (uint16, bool) {
	code, ok := scancodes[k]
	return code, ok
}
