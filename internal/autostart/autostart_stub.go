//go:build !windows

package autostart

import "fmt"

func enableWindows(e entry) error {
	return fmt.Errorf("registry autostart is only available on Windows")
}

func disableWindows() error {
	return fmt.Errorf("registry autostart is only available on Windows")
}

func isEnabledWindows() bool {
	return false
}
