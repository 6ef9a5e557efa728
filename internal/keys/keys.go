// Package keys defines a platform-neutral key vocabulary for the emulated keyboard.
//
// Keys are plain identifiers. Translation to the native codes of a particular
// machine adapter happens only at the device boundary (see Scancode).
package keys

import (
	"strconv"
	"strings"
)

// Key identifies a physical key on the emulated keyboard.
type Key int

const (
	Unknown Key = iota

	A
	B
	C
	D
	E
	F
	G
	H
	I
	J
	K
	L
	M
	N
	O
	P
	Q
	R
	S
	T
	U
	V
	W
	X
	Y
	Z

	Digit0
	Digit1
	Digit2
	Digit3
	Digit4
	Digit5
	Digit6
	Digit7
	Digit8
	Digit9

	Escape
	Enter
	Space
	Tab
	Backspace
	Delete
	Insert

	F1
	F2
	F3
	F4
	F5
	F6
	F7
	F8
	F9
	F10
	F11
	F12

	Up
	Down
	Left
	Right

	PageUp
	PageDown
	Home
	End

	PrintScreen
	ScrollLock
	Pause
	NumLock
	CapsLock

	Shift
	Ctrl
	Alt

	Minus
	Equal
	LeftBracket
	RightBracket
	Semicolon
	Apostrophe
	Grave
	Backslash
	Comma
	Period
	Slash

	numKeys
)

var keyNames = [numKeys]string{
	Unknown:      "UNKNOWN",
	Escape:       "ESC",
	Enter:        "ENTER",
	Space:        "SPACE",
	Tab:          "TAB",
	Backspace:    "BACKSPACE",
	Delete:       "DELETE",
	Insert:       "INSERT",
	Up:           "UP",
	Down:         "DOWN",
	Left:         "LEFT",
	Right:        "RIGHT",
	PageUp:       "PAGEUP",
	PageDown:     "PAGEDOWN",
	Home:         "HOME",
	End:          "END",
	PrintScreen:  "PRINTSCREEN",
	ScrollLock:   "SCROLLLOCK",
	Pause:        "PAUSE",
	NumLock:      "NUMLOCK",
	CapsLock:     "CAPSLOCK",
	Shift:        "SHIFT",
	Ctrl:         "CTRL",
	Alt:          "ALT",
	Minus:        "MINUS",
	Equal:        "EQUAL",
	LeftBracket:  "LBRACKET",
	RightBracket: "RBRACKET",
	Semicolon:    "SEMICOLON",
	Apostrophe:   "APOSTROPHE",
	Grave:        "GRAVE",
	Backslash:    "BACKSLASH",
	Comma:        "COMMA",
	Period:       "PERIOD",
	Slash:        "SLASH",
}

func init() {
	for k := A; k <= Z; k++ {
		keyNames[k] = string(rune('A' + int(k-A)))
	}
	for k := Digit0; k <= Digit9; k++ {
		keyNames[k] = string(rune('0' + int(k-Digit0)))
	}
	for k := F1; k <= F12; k++ {
		keyNames[k] = "F" + strconv.Itoa(int(k-F1)+1)
	}
}

// String returns the canonical upper-case name of the key.
func (k Key) String() string {
	if k < 0 || k >= numKeys {
		return keyNames[Unknown]
	}
	return keyNames[k]
}

// IsModifier reports whether the key is one of the toggleable modifiers.
func (k Key) IsModifier() bool {
	return k == Shift || k == Ctrl || k == Alt
}

// aliases maps every accepted command name onto a key. Only names an operator
// may type are listed; letters and digits go through the single-character path.
var aliases = map[string]Key{
	"ESC":         Escape,
	"ESCAPE":      Escape,
	"ENTER":       Enter,
	"RETURN":      Enter,
	"SPACE":       Space,
	"TAB":         Tab,
	"BACKSPACE":   Backspace,
	"BS":          Backspace,
	"DELETE":      Delete,
	"DEL":         Delete,
	"INSERT":      Insert,
	"INS":         Insert,
	"F1":          F1,
	"F2":          F2,
	"F3":          F3,
	"F4":          F4,
	"F5":          F5,
	"F6":          F6,
	"F7":          F7,
	"F8":          F8,
	"F9":          F9,
	"F10":         F10,
	"F11":         F11,
	"F12":         F12,
	"UP":          Up,
	"DOWN":        Down,
	"LEFT":        Left,
	"RIGHT":       Right,
	"PAGEUP":      PageUp,
	"PGUP":        PageUp,
	"PAGEDOWN":    PageDown,
	"PGDN":        PageDown,
	"HOME":        Home,
	"END":         End,
	"PRINTSCREEN": PrintScreen,
	"PRTSC":       PrintScreen,
	"SCROLLLOCK":  ScrollLock,
	"PAUSE":       Pause,
	"BREAK":       Pause,
	"NUMLOCK":     NumLock,
	"CAPSLOCK":    CapsLock,
	"SHIFT":       Shift,
	"CTRL":        Ctrl,
	"CONTROL":     Ctrl,
	"ALT":         Alt,
}

// Lookup resolves an operator-facing key name (case-insensitive).
func Lookup(name string) (Key, bool) {
	k, ok := aliases[strings.ToUpper(strings.TrimSpace(name))]
	return k, ok
}

// IsCtrlAltDel reports whether name is the composite Ctrl+Alt+Delete alias.
func IsCtrlAltDel(name string) bool {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "CTRLALTDEL", "CAD":
		return true
	}
	return false
}
