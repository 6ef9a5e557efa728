// Package device owns the emulated keyboard and mouse state and forwards it to
// whichever machine adapters are attached.
package device

import "mapkvm/internal/keys"

// Keyboard receives set-1 scancodes from the facade.
type Keyboard interface {
	PressKey(code uint16) error
	ReleaseKey(code uint16) error
}

// SecureAttention is implemented by keyboards that can deliver Ctrl+Alt+Delete
// as a single event.
type SecureAttention interface {
	SendCtrlAltDelete() error
}

// Mouse receives relative motion and button state.
type Mouse interface {
	MoveBy(dx, dy int) error
	SetButton(index int, pressed bool) error
}

// Button is a logical mouse button.
type Button int

const (
	Primary Button = iota
	Secondary
	Tertiary
)

// Index maps the logical button to the adapter's button index.
func (b Button) Index() int {
	switch b {
	case Secondary:
		return 2
	case Tertiary:
		return 1
	}
	return 0
}

func (b Button) String() string {
	switch b {
	case Secondary:
		return "right"
	case Tertiary:
		return "middle"
	}
	return "left"
}

// Modifier is one of the three toggleable modifier keys.
type Modifier int

const (
	ModShift Modifier = iota
	ModCtrl
	ModAlt
	numModifiers
)

var modifierKeys = [numModifiers]keys.Key{keys.Shift, keys.Ctrl, keys.Alt}

// Key returns the physical key behind the modifier.
func (m Modifier) Key() keys.Key {
	return modifierKeys[m]
}

func (m Modifier) String() string {
	return m.Key().String()
}

// ModifierFor returns the modifier a key toggles, if any.
func ModifierFor(k keys.Key) (Modifier, bool) {
	for m, mk := range modifierKeys {
		if mk == k {
			return Modifier(m), true
		}
	}
	return 0, false
}
