package tray

import (
	"encoding/binary"
	"testing"
)

// TestIconHeader tests that the generated ICO is self-consistent
func TestIconHeader(t *testing.T) {
	icon := getIcon()
	if binary.LittleEndian.Uint16(icon[2:]) != 1 || binary.LittleEndian.Uint16(icon[4:]) != 1 {
		t.Fatal("Expected a single-image ICO")
	}
	size := binary.LittleEndian.Uint32(icon[14:])
	offset := binary.LittleEndian.Uint32(icon[18:])
	if int(offset+size) != len(icon) {
		t.Errorf("Expected image to end at %d, got %d", len(icon), offset+size)
	}
}

// TestMenuBeforeRun tests item bookkeeping before the tray starts
func TestMenuBeforeRun(t *testing.T) {
	tr := New("test")
	status := tr.AddLabel("Idle")
	tr.AddSeparator()
	quit := tr.AddMenuItem("Quit", func() {})

	tr.SetItemTitle(status, "Running")
	tr.SetItemEnabled(quit, false)
	tr.SetItemTitle(42, "ignored")

	if tr.items[status].Title != "Running" || !tr.items[status].Disabled {
		t.Errorf("Unexpected status item %+v", tr.items[status])
	}
	if tr.items[1] != nil {
		t.Error("Expected separator to be nil")
	}
	if !tr.items[quit].Disabled {
		t.Error("Expected quit to be disabled")
	}
}
