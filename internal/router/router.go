// Package router maps an actor's profile and decoded intent onto device calls.
package router

import (
	"mapkvm/internal/device"
	"mapkvm/internal/input"
	"mapkvm/internal/keys"
)

// Device is the subset of the device facade the profiles drive.
type Device interface {
	Tap(k keys.Key)
	Chord(c keys.Chord)
	MoveBy(dx, dy int, slow bool)
	ModifiedMoveBy(m device.Modifier, dx, dy int, slow bool)
	Click(b device.Button)
	ToggleModifier(m device.Modifier) bool
	ReleaseAllModifiers()
}

// Action is one device call sequence bound to an intent.
type Action func(Device)

// Mode is a profile's binding table.
type Mode struct {
	Name string
	Help string
	W    Action
	A    Action
	S    Action
	D    Action
	Jump Action
}

// NumProfiles is the number of selectable profiles.
const NumProfiles = 8

// scrollStep is the unit delta of a zoom-mode scroll before cursor speed.
const scrollStep = 3

func tap(k keys.Key) Action {
	return func(d Device) { d.Tap(k) }
}

func chord(spec string) Action {
	c := keys.MustChord(spec)
	return func(d Device) { d.Chord(c) }
}

func move(dx, dy int) Action {
	return func(d Device) { d.MoveBy(dx, dy, false) }
}

func click(b device.Button) Action {
	return func(d Device) { d.Click(b) }
}

func toggle(m device.Modifier) Action {
	return func(d Device) { d.ToggleModifier(m) }
}

func ctrlScroll(dx int) Action {
	return func(d Device) { d.ModifiedMoveBy(device.ModCtrl, dx, 0, false) }
}

var modes = [NumProfiles]Mode{
	{
		Name: "Mouse",
		Help: "WASD moves cursor, Jump clicks",
		W:    move(0, -1),
		A:    move(-1, 0),
		S:    move(0, 1),
		D:    move(1, 0),
		Jump: click(device.Primary),
	},
	{
		Name: "Arrow Keys",
		Help: "WASD = arrows, Jump = Enter",
		W:    tap(keys.Up),
		A:    tap(keys.Left),
		S:    tap(keys.Down),
		D:    tap(keys.Right),
		Jump: tap(keys.Enter),
	},
	{
		Name: "System",
		Help: "W=ESC, A=F1, S=F5, D=Menu, Jump=Space",
		W:    tap(keys.Escape),
		A:    tap(keys.F1),
		S:    tap(keys.F5),
		D:    tap(keys.F10),
		Jump: tap(keys.Space),
	},
	{
		Name: "Windows",
		Help: "Maximize, Tile, Next Window, Jump toggles border",
		W:    chord("ALT+M"),
		A:    chord("ALT+V"),
		S:    chord("ALT+H"),
		D:    chord("CTRL+ALT+N"),
		Jump: chord("CTRL+B"),
	},
	{
		Name: "Zoom",
		Help: "W/S toggle zoom, A/D scroll, Jump recenters",
		W:    chord("CTRL+ALT+Z"),
		A:    ctrlScroll(-scrollStep),
		S:    chord("CTRL+ALT+Z"),
		D:    ctrlScroll(scrollStep),
		Jump: chord("CTRL+RIGHT"),
	},
	{
		Name: "Terminal",
		Help: "New Terminal, Tab, Shift+Tab, Menu, Jump = Enter",
		W:    chord("CTRL+ALT+T"),
		A:    tap(keys.Tab),
		S:    chord("SHIFT+TAB"),
		D:    chord("CTRL+M"),
		Jump: tap(keys.Enter),
	},
	{
		Name: "Text Nav",
		Help: "PageUp/Down, Home/End, Jump = Space",
		W:    tap(keys.PageUp),
		A:    tap(keys.Home),
		S:    tap(keys.PageDown),
		D:    tap(keys.End),
		Jump: tap(keys.Space),
	},
	{
		Name: "Modifiers",
		Help: "Toggle Shift/Ctrl/Alt, D releases all, Jump right-clicks",
		W:    toggle(device.ModShift),
		A:    toggle(device.ModCtrl),
		S:    toggle(device.ModAlt),
		D:    func(d Device) { d.ReleaseAllModifiers() },
		Jump: click(device.Secondary),
	},
}

// Lookup returns the mode bound to profile.
func Lookup(profile int) (Mode, bool) {
	if profile < 0 || profile >= NumProfiles {
		return Mode{}, false
	}
	return modes[profile], true
}

// Modes returns the full table in profile order.
func Modes() []Mode {
	out := make([]Mode, NumProfiles)
	copy(out, modes[:])
	return out
}

// Dispatch forwards every set flag of in to the profile's bindings in W, A,
// S, D, Jump order. Unknown profiles are ignored and report false.
func Dispatch(dev Device, profile int, in input.Intent) bool {
	m, ok := Lookup(profile)
	if !ok {
		return false
	}
	run := func(set bool, a Action) {
		if set && a != nil {
			a(dev)
		}
	}
	run(in.W, m.W)
	run(in.A, m.A)
	run(in.S, m.S)
	run(in.D, m.D)
	run(in.Jump, m.Jump)
	return true
}
