package command

import "errors"

var (
	// ErrUnknownCommand is returned for commands outside the command surface
	ErrUnknownCommand = errors.New("unknown command")

	// ErrUnknownKey is returned for key names outside the vocabulary
	ErrUnknownKey = errors.New("unknown key")

	// ErrUsage is returned when arguments are missing or malformed
	ErrUsage = errors.New("invalid arguments")

	// ErrNotRunning is returned for commands that need a running machine
	ErrNotRunning = errors.New("emulator is not running")

	// ErrNoActor is returned for commands that need an in-world actor
	ErrNoActor = errors.New("command requires an actor")
)
