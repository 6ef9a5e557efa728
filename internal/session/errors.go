package session

import "errors"

var (
	// ErrAlreadyRunning is returned when a machine is already running
	ErrAlreadyRunning = errors.New("machine already running")

	// ErrImageNotFound is returned when the boot image does not exist
	ErrImageNotFound = errors.New("image not found")

	// ErrNoBootSlot is returned when the machine has no slot for the boot medium
	ErrNoBootSlot = errors.New("no boot slot for medium")

	// ErrInvalidRAM is returned for a non-positive RAM size
	ErrInvalidRAM = errors.New("invalid RAM size")

	// ErrUnknownMedium is returned when a medium name cannot be parsed
	ErrUnknownMedium = errors.New("unknown boot medium")
)
