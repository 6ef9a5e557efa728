package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"mapkvm/internal/device"
)

// Machine is an emulated PC the manager can boot and drive.
type Machine interface {
	Keyboard() device.Keyboard
	Mouse() device.Mouse
	// Configuration lists the machine's settable slots.
	Configuration() []ConfigEntry
	// Run executes the machine until ctx is done, Stop is called or the
	// machine fails. It blocks.
	Run(ctx context.Context) error
	Stop()
	// Stopped reports whether the machine has halted on its own or by Stop.
	Stopped() bool
}

// ConfigEntry is one settable machine slot, such as the primary IDE master.
type ConfigEntry struct {
	Category string
	Label    string
	Set      func(value string) error
}

// Display receives video callbacks from the machine's goroutine.
type Display interface {
	// OnInit hands over the machine's ARGB framebuffer and its size.
	OnInit(frame []uint32, width, height int)
	// OnRedraw signals that the framebuffer holds a complete new frame.
	OnRedraw()
}

// Factory builds a machine with the given RAM size that reports video to display.
type Factory func(ramMB int, display Display) (Machine, error)

// Medium is the storage interface an image is attached to.
type Medium int

const (
	Disk Medium = iota
	Optical
	Floppy
)

func (m Medium) String() string {
	switch m {
	case Optical:
		return "CD-ROM"
	case Floppy:
		return "Floppy"
	}
	return "HDD"
}

// Slot returns the configuration category and label the medium boots from.
func (m Medium) Slot() (category, label string) {
	switch m {
	case Optical:
		return "IDE Sec.", "Master"
	case Floppy:
		return "Floppy", "A:"
	}
	return "IDE Pri.", "Master"
}

// MediumForPath picks the medium from the file extension: .iso is optical,
// anything else a fixed disk.
func MediumForPath(path string) Medium {
	if strings.EqualFold(filepath.Ext(path), ".iso") {
		return Optical
	}
	return Disk
}

// ParseMedium parses a medium name as used in catalogs and on the command line.
func ParseMedium(s string) (Medium, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hdd", "hda", "disk", "img":
		return Disk, nil
	case "cdrom", "cd-rom", "cd", "iso", "optical":
		return Optical, nil
	case "floppy", "fda", "fd":
		return Floppy, nil
	}
	return Disk, fmt.Errorf("%w: %q", ErrUnknownMedium, s)
}

func assignImage(entries []ConfigEntry, medium Medium, path string) error {
	category, label := medium.Slot()
	for _, e := range entries {
		if e.Category != category || e.Label != label || e.Set == nil {
			continue
		}
		if err := e.Set(path); err != nil {
			return fmt.Errorf("failed to set %s %s: %w", category, label, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s %s", ErrNoBootSlot, category, label)
}
