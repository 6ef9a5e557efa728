package device

import (
	"log"
	"slices"
	"sync"
	"time"

	"mapkvm/internal/keys"
)

// Options tunes cursor speed, hold times and the fallback display size.
type Options struct {
	Width         int
	Height        int
	Speed         int
	SlowSpeed     int
	TapHold       time.Duration
	ClickHold     time.Duration
	ClickInterval time.Duration
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Width:         640,
		Height:        480,
		Speed:         5,
		SlowSpeed:     2,
		TapHold:       50 * time.Millisecond,
		ClickHold:     50 * time.Millisecond,
		ClickInterval: 100 * time.Millisecond,
	}
}

// State is a point-in-time copy of the facade's device state.
type State struct {
	X, Y     int
	Width    int
	Height   int
	Shift    bool
	Ctrl     bool
	Alt      bool
	Dragging bool
	Pressed  []keys.Key
	Attached bool
}

// ModifierNames lists the held modifiers in shift, ctrl, alt order.
func (s State) ModifierNames() []string {
	var names []string
	if s.Shift {
		names = append(names, "SHIFT")
	}
	if s.Ctrl {
		names = append(names, "CTRL")
	}
	if s.Alt {
		names = append(names, "ALT")
	}
	return names
}

type scheduled struct {
	timer *time.Timer
	run   func()
}

// Facade is the single owner of keyboard, modifier and mouse state.
//
// Every operation takes the facade lock, so the tick loop and the command path
// may call it concurrently. Each call is atomic; calls from different callers
// interleave in arrival order. Operations never fail when no machine is
// attached: state is still tracked and forwarding is skipped.
type Facade struct {
	mu    sync.Mutex
	opts  Options
	kbd   Keyboard
	mouse Mouse

	pressed  map[keys.Key]bool
	// taps counts the scheduled releases outstanding per key; only the
	// last one to fire lets the key go.
	taps     map[keys.Key]int
	mods     [numModifiers]bool
	x, y     int
	width    int
	height   int
	dragging bool

	// Releases scheduled with time.AfterFunc, keyed by creation order.
	pending  map[uint64]*scheduled
	nextID   uint64
	flushing bool
}

// New creates a detached facade with the cursor centred on the default display.
func New(opts Options) *Facade {
	def := DefaultOptions()
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = def.Width, def.Height
	}
	if opts.Speed <= 0 {
		opts.Speed = def.Speed
	}
	if opts.SlowSpeed <= 0 {
		opts.SlowSpeed = def.SlowSpeed
	}
	f := &Facade{
		opts:    opts,
		pressed: make(map[keys.Key]bool),
		taps:    make(map[keys.Key]int),
		pending: make(map[uint64]*scheduled),
		width:   opts.Width,
		height:  opts.Height,
	}
	f.x, f.y = f.width/2, f.height/2
	return f
}

// Attach connects the facade to a machine's adapters. Either may be nil.
func (f *Facade) Attach(kbd Keyboard, mouse Mouse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kbd = kbd
	f.mouse = mouse
}

// Detach disconnects the adapters. Pending releases still update state.
func (f *Facade) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kbd = nil
	f.mouse = nil
}

// SetDisplaySize adopts the machine's native resolution and re-clamps the cursor.
func (f *Facade) SetDisplaySize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.width, f.height = width, height
	f.x = clamp(f.x, 0, width-1)
	f.y = clamp(f.y, 0, height-1)
}

// Press holds a key down. Repeated presses are forwarded again.
func (f *Facade) Press(k keys.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressLocked(k)
}

// Release lets a key go.
func (f *Facade) Release(k keys.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseLocked(k)
}

// Tap presses a key and releases it after the configured hold.
func (f *Facade) Tap(k keys.Key) {
	f.TapFor(k, f.opts.TapHold)
}

// TapFor presses a key and schedules its release after hold.
func (f *Facade) TapFor(k keys.Key, hold time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tapLocked(k, hold)
}

func (f *Facade) tapLocked(k keys.Key, hold time.Duration) {
	f.holdLocked(k)
	f.after(hold, func() {
		if f.unholdLocked(k) {
			f.releaseLocked(k)
		}
	})
}

// TapAfter schedules a full tap to start after delay.
func (f *Facade) TapAfter(k keys.Key, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after(delay, func() { f.tapLocked(k, f.opts.TapHold) })
}

// Chord taps c.Key with c.Mods held. Modifiers already toggled on are left
// alone so the chord does not release them.
func (f *Facade) Chord(c keys.Chord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chordLocked(c)
}

func (f *Facade) chordLocked(c keys.Chord) {
	var held []keys.Key
	for _, k := range c.Mods {
		if m, ok := ModifierFor(k); ok && f.mods[m] {
			continue
		}
		f.holdLocked(k)
		held = append(held, k)
	}
	f.holdLocked(c.Key)
	f.after(f.opts.TapHold, func() {
		if f.unholdLocked(c.Key) {
			f.releaseLocked(c.Key)
		}
		for i := len(held) - 1; i >= 0; i-- {
			if !f.unholdLocked(held[i]) {
				continue
			}
			if m, ok := ModifierFor(held[i]); ok && f.mods[m] {
				continue
			}
			f.releaseLocked(held[i])
		}
	})
}

// MoveBy scales a unit delta by the cursor speed, clamps the tracked position
// and forwards the scaled delta.
func (f *Facade) MoveBy(dx, dy int, slow bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveByLocked(dx, dy, slow)
}

// ModifiedMoveBy performs MoveBy with a modifier held for its duration.
func (f *Facade) ModifiedMoveBy(m Modifier, dx, dy int, slow bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	toggled := f.mods[m]
	if !toggled {
		f.pressLocked(m.Key())
	}
	f.moveByLocked(dx, dy, slow)
	if !toggled {
		f.releaseLocked(m.Key())
	}
}

func (f *Facade) moveByLocked(dx, dy int, slow bool) {
	speed := f.opts.Speed
	if slow {
		speed = f.opts.SlowSpeed
	}
	sdx, sdy := dx*speed, dy*speed
	f.x = clamp(f.x+sdx, 0, f.width-1)
	f.y = clamp(f.y+sdy, 0, f.height-1)
	f.sendMove(sdx, sdy)
}

// MoveTo places the cursor at (x, y). The target is clamped but the delta
// forwarded is the one towards the requested point; the guest clamps its own
// pointer at the screen edge.
func (f *Facade) MoveTo(x, y int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveToLocked(x, y)
}

func (f *Facade) moveToLocked(x, y int) {
	dx, dy := x-f.x, y-f.y
	f.x = clamp(x, 0, f.width-1)
	f.y = clamp(y, 0, f.height-1)
	f.sendMove(dx, dy)
}

// Click presses and releases a button once.
func (f *Facade) Click(b Button) {
	f.ClickN(b, 1)
}

// ClickN clicks n times, spaced by the click interval.
func (f *Facade) ClickN(b Button, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.after(time.Duration(i)*f.opts.ClickInterval, func() {
			f.sendButton(b, true)
			f.after(f.opts.ClickHold, func() { f.sendButton(b, false) })
		})
	}
}

// ToggleModifier flips a modifier and returns whether it is now held.
func (f *Facade) ToggleModifier(m Modifier) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mods[m] = !f.mods[m]
	if f.mods[m] {
		f.pressLocked(m.Key())
	} else {
		f.releaseLocked(m.Key())
	}
	return f.mods[m]
}

// ReleaseAllModifiers releases every held modifier.
func (f *Facade) ReleaseAllModifiers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseModifiersLocked()
}

func (f *Facade) releaseModifiersLocked() {
	for m := range f.mods {
		if f.mods[m] {
			f.releaseLocked(modifierKeys[m])
			f.mods[m] = false
		}
	}
}

// StartDrag holds the primary button.
func (f *Facade) StartDrag() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dragging = true
	f.sendButton(Primary, true)
}

// DragTo moves with the primary button held, starting a drag if needed.
func (f *Facade) DragTo(x, y int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dragging {
		f.dragging = true
		f.sendButton(Primary, true)
	}
	f.moveToLocked(x, y)
}

// EndDrag releases the primary button.
func (f *Facade) EndDrag() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dragging = false
	f.sendButton(Primary, false)
}

// TypeText types s on a US layout and returns the number of characters sent.
// Characters without a stroke are skipped.
func (f *Facade) TypeText(s string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range s {
		st, ok := keys.ForRune(r)
		if !ok {
			continue
		}
		shift := st.Shift && !f.mods[ModShift]
		if shift {
			f.pressLocked(keys.Shift)
		}
		f.pressLocked(st.Key)
		f.releaseLocked(st.Key)
		if shift {
			f.releaseLocked(keys.Shift)
		}
		n++
	}
	return n
}

var ctrlAltDelete = keys.MustChord("CTRL+ALT+DELETE")

// CtrlAltDelete sends the secure attention sequence.
func (f *Facade) CtrlAltDelete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sa, ok := f.kbd.(SecureAttention); ok {
		if err := sa.SendCtrlAltDelete(); err != nil {
			log.Printf("Device: Ctrl+Alt+Delete failed: %v", err)
		}
		return
	}
	f.chordLocked(ctrlAltDelete)
}

// Flush runs every scheduled action now, in the order it was scheduled.
func (f *Facade) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushLocked()
}

// Pending reports how many scheduled actions have not fired yet.
func (f *Facade) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Reset completes pending releases, lets go of every key, modifier and
// button, and returns the cursor to the centre of the default display.
func (f *Facade) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushLocked()
	f.releaseModifiersLocked()
	held := make([]keys.Key, 0, len(f.pressed))
	for k := range f.pressed {
		held = append(held, k)
	}
	slices.Sort(held)
	for _, k := range held {
		f.releaseLocked(k)
	}
	if f.dragging {
		f.dragging = false
		f.sendButton(Primary, false)
	}
	f.width, f.height = f.opts.Width, f.opts.Height
	f.x, f.y = f.width/2, f.height/2
}

// Snapshot returns a copy of the current state.
func (f *Facade) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := State{
		X:        f.x,
		Y:        f.y,
		Width:    f.width,
		Height:   f.height,
		Shift:    f.mods[ModShift],
		Ctrl:     f.mods[ModCtrl],
		Alt:      f.mods[ModAlt],
		Dragging: f.dragging,
		Attached: f.kbd != nil || f.mouse != nil,
	}
	for k := range f.pressed {
		st.Pressed = append(st.Pressed, k)
	}
	slices.Sort(st.Pressed)
	return st
}

func (f *Facade) pressLocked(k keys.Key) {
	f.pressed[k] = true
	f.sendKey(k, true)
}

// holdLocked presses k for a tap that will end with unholdLocked.
func (f *Facade) holdLocked(k keys.Key) {
	f.taps[k]++
	f.pressLocked(k)
}

// unholdLocked ends one tap of k and reports whether it was the last.
func (f *Facade) unholdLocked(k keys.Key) bool {
	if f.taps[k] > 1 {
		f.taps[k]--
		return false
	}
	delete(f.taps, k)
	return true
}

func (f *Facade) releaseLocked(k keys.Key) {
	delete(f.pressed, k)
	f.sendKey(k, false)
}

// after runs fn once d has elapsed, with the facade lock held. Zero delays and
// anything scheduled during a flush run immediately.
func (f *Facade) after(d time.Duration, fn func()) {
	if d <= 0 || f.flushing {
		fn()
		return
	}
	f.nextID++
	id := f.nextID
	s := &scheduled{run: fn}
	f.pending[id] = s
	s.timer = time.AfterFunc(d, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if cur, ok := f.pending[id]; ok && cur == s {
			delete(f.pending, id)
			s.run()
		}
	})
}

func (f *Facade) flushLocked() {
	if len(f.pending) == 0 {
		return
	}
	f.flushing = true
	defer func() { f.flushing = false }()

	ids := make([]uint64, 0, len(f.pending))
	for id := range f.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s, ok := f.pending[id]
		if !ok {
			continue
		}
		s.timer.Stop()
		delete(f.pending, id)
		s.run()
	}
}

func (f *Facade) sendKey(k keys.Key, down bool) {
	if f.kbd == nil {
		return
	}
	code, ok := keys.Scancode(k)
	if !ok {
		return
	}
	var err error
	if down {
		err = f.kbd.PressKey(code)
	} else {
		err = f.kbd.ReleaseKey(code)
	}
	if err != nil {
		log.Printf("Device: Forwarding %s (down=%v) failed: %v", k, down, err)
	}
}

func (f *Facade) sendMove(dx, dy int) {
	if f.mouse == nil || (dx == 0 && dy == 0) {
		return
	}
	if err := f.mouse.MoveBy(dx, dy); err != nil {
		log.Printf("Device: Forwarding mouse move failed: %v", err)
	}
}

func (f *Facade) sendButton(b Button, down bool) {
	if f.mouse == nil {
		return
	}
	if err := f.mouse.SetButton(b.Index(), down); err != nil {
		log.Printf("Device: Forwarding %s button failed: %v", b, err)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
