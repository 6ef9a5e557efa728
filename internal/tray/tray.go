// Package tray provides the daemon's system tray menu using getlantern/systray.
package tray

import (
	"encoding/binary"
	"sync"

	"github.com/getlantern/systray"
)

// MenuItem represents a menu item
type MenuItem struct {
	ID       int
	Title    string
	Disabled bool
	Callback func()
	item     *systray.MenuItem
}

// Tray manages the system tray icon and menu
type Tray struct {
	mu      sync.Mutex
	tooltip string
	items   []*MenuItem
	quitCh  chan struct{}
	onQuit  func()
}

// New creates a new system tray
func New(tooltip string) *Tray {
	return &Tray{
		tooltip: tooltip,
		items:   make([]*MenuItem, 0),
		quitCh:  make(chan struct{}),
	}
}

// AddMenuItem adds a menu item to the tray. Items must be added before Run.
func (t *Tray) AddMenuItem(title string, callback func()) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := len(t.items)
	t.items = append(t.items, &MenuItem{ID: id, Title: title, Callback: callback})
	return id
}

// AddLabel adds a disabled item used to show state
func (t *Tray) AddLabel(title string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := len(t.items)
	t.items = append(t.items, &MenuItem{ID: id, Title: title, Disabled: true})
	return id
}

// AddSeparator adds a separator to the menu
func (t *Tray) AddSeparator() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append(t.items, nil) // nil indicates separator
}

// SetOnQuit sets the callback run when the tray exits
func (t *Tray) SetOnQuit(callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = callback
}

func (t *Tray) lookup(id int) *MenuItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.items) {
		return nil
	}
	return t.items[id]
}

// SetItemTitle changes the text of a menu item. Before Run it changes the
// initial title.
func (t *Tray) SetItemTitle(id int, title string) {
	mi := t.lookup(id)
	if mi == nil {
		return
	}
	t.mu.Lock()
	mi.Title = title
	item := mi.item
	t.mu.Unlock()
	if item != nil {
		item.SetTitle(title)
	}
}

// SetItemEnabled enables or disables a menu item
func (t *Tray) SetItemEnabled(id int, enabled bool) {
	mi := t.lookup(id)
	if mi == nil {
		return
	}
	t.mu.Lock()
	mi.Disabled = !enabled
	item := mi.item
	t.mu.Unlock()
	if item == nil {
		return
	}
	if enabled {
		item.Enable()
	} else {
		item.Disable()
	}
}

// Run starts the tray event loop (blocks)
func (t *Tray) Run() {
	systray.Run(t.setupMenu, t.exit)
}

func (t *Tray) exit() {
	close(t.quitCh)
	t.mu.Lock()
	onQuit := t.onQuit
	t.mu.Unlock()
	if onQuit != nil {
		onQuit()
	}
}

// setupMenu is called when systray is ready
func (t *Tray) setupMenu() {
	systray.SetTitle("MapKVM")
	systray.SetTooltip(t.tooltip)
	systray.SetIcon(getIcon())

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, menuItem := range t.items {
		if menuItem == nil {
			systray.AddSeparator()
			continue
		}
		item := systray.AddMenuItem(menuItem.Title, "")
		menuItem.item = item
		if menuItem.Disabled {
			item.Disable()
		}

		// Handle clicks in goroutine
		if menuItem.Callback != nil {
			go func(mi *MenuItem, item *systray.MenuItem) {
				for {
					select {
					case <-item.ClickedCh:
						mi.Callback()
					case <-t.quitCh:
						return
					}
				}
			}(menuItem, item)
		}
	}
}

// Stop stops the tray
func (t *Tray) Stop() {
	systray.Quit()
}

// getIcon renders a 16x16 32-bit ICO of a small monitor.
func getIcon() []byte {
	const (
		size       = 16
		headerSize = 6 + 16
		dibSize    = 40
		pixelBytes = size * size * 4
		maskBytes  = size * 4 // 1bpp rows padded to 32 bits
	)
	icon := make([]byte, headerSize+dibSize+pixelBytes+maskBytes)

	// ICONDIR + one ICONDIRENTRY
	binary.LittleEndian.PutUint16(icon[2:], 1)
	binary.LittleEndian.PutUint16(icon[4:], 1)
	icon[6], icon[7] = size, size
	binary.LittleEndian.PutUint16(icon[10:], 1)
	binary.LittleEndian.PutUint16(icon[12:], 32)
	binary.LittleEndian.PutUint32(icon[14:], dibSize+pixelBytes+maskBytes)
	binary.LittleEndian.PutUint32(icon[18:], headerSize)

	// BITMAPINFOHEADER; height covers image and mask
	dib := icon[headerSize:]
	binary.LittleEndian.PutUint32(dib[0:], dibSize)
	binary.LittleEndian.PutUint32(dib[4:], size)
	binary.LittleEndian.PutUint32(dib[8:], size*2)
	binary.LittleEndian.PutUint16(dib[12:], 1)
	binary.LittleEndian.PutUint16(dib[14:], 32)
	binary.LittleEndian.PutUint32(dib[20:], pixelBytes)

	// BGRA rows, bottom-up
	px := icon[headerSize+dibSize:]
	set := func(x, y int, b, g, r byte) {
		o := ((size-1-y)*size + x) * 4
		px[o], px[o+1], px[o+2], px[o+3] = b, g, r, 0xff
	}
	for y := 2; y <= 11; y++ {
		for x := 1; x <= 14; x++ {
			if y == 2 || y == 11 || x == 1 || x == 14 {
				set(x, y, 0x30, 0x30, 0x30)
			} else {
				set(x, y, 0xd0, 0x80, 0x20)
			}
		}
	}
	for x := 5; x <= 10; x++ {
		set(x, 13, 0x30, 0x30, 0x30)
	}
	set(7, 12, 0x30, 0x30, 0x30)
	set(8, 12, 0x30, 0x30, 0x30)
	return icon
}
