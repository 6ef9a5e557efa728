// Package autostart registers the daemon to start at login.
package autostart

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

// Label identifies the daemon in launchd and the Windows Run key.
const Label = "com.mapkvm.daemon"

const macLaunchAgentPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <false/>
</dict>
</plist>
`

const xdgDesktopEntry = `[Desktop Entry]
Type=Application
Name=MapKVM
Comment=Drive an emulated PC from player movement
Exec={{.Command}}
X-GNOME-Autostart-enabled=true
`

type entry struct {
	Label          string
	ExecutablePath string
	Args           []string
	Command        string
}

func newEntry(args []string) (entry, error) {
	execPath, err := os.Executable()
	if err != nil {
		return entry{}, fmt.Errorf("failed to get executable path: %w", err)
	}
	return entry{Label: Label, ExecutablePath: execPath, Args: args, Command: commandLine(execPath, args)}, nil
}

// commandLine quotes arguments that contain spaces.
func commandLine(execPath string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{execPath}, args...) {
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

func render(text string, e entry) ([]byte, error) {
	tmpl, err := template.New("autostart").Parse(text)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Enable starts the daemon with args at login
func Enable(args ...string) error {
	e, err := newEntry(args)
	if err != nil {
		return err
	}
	switch runtime.GOOS {
	case "darwin":
		return writeFile(macPlistPath, macLaunchAgentPlist, e)
	case "windows":
		return enableWindows(e)
	default:
		return writeFile(xdgDesktopPath, xdgDesktopEntry, e)
	}
}

// Disable removes the login entry
func Disable() error {
	switch runtime.GOOS {
	case "darwin":
		return removeFile(macPlistPath)
	case "windows":
		return disableWindows()
	default:
		return removeFile(xdgDesktopPath)
	}
}

// IsEnabled checks if auto-start is enabled
func IsEnabled() bool {
	switch runtime.GOOS {
	case "darwin":
		return fileExists(macPlistPath)
	case "windows":
		return isEnabledWindows()
	default:
		return fileExists(xdgDesktopPath)
	}
}

func macPlistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "LaunchAgents", Label+".plist"), nil
}

func xdgDesktopPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "autostart", "mapkvm.desktop"), nil
}

func writeFile(path func() (string, error), text string, e entry) error {
	p, err := path()
	if err != nil {
		return err
	}
	data, err := render(text, e)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0644)
}

func removeFile(path func() (string, error)) error {
	p, err := path()
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func fileExists(path func() (string, error)) bool {
	p, err := path()
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}
