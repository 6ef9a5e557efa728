//go:build windows

package osutils

import (
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

// IsAdmin checks if the current process has administrative privileges
func IsAdmin() bool {
	var token windows.Token
	h, _ := windows.GetCurrentProcess()
	err := windows.OpenProcessToken(h, windows.TOKEN_QUERY, &token)
	if err != nil {
		return false
	}
	defer token.Close()

	var sid *windows.SID
	err = windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY,
		2,
		windows.SECURITY_BUILTIN_DOMAIN_RID,
		windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0,
		&sid,
	)
	if err != nil {
		return false
	}
	defer windows.FreeSid(sid)

	member, err := token.IsMember(sid)
	if err != nil {
		return false
	}

	return member
}

// EnsureFirewallRule checks that inbound rules for the daemon's ports exist,
// and if not, creates them using PowerShell with admin elevation.
func EnsureFirewallRule(ports ...Port) error {
	log.Printf("Firewall: Checking rules '%s' for %v", FirewallRuleName, ports)

	if firewallRulesPresent(ports) {
		log.Printf("Firewall: Rules already match %v. OK.", ports)
		return nil
	}

	psCommand := firewallScript(ports)

	// Execute with RunAs verb to trigger UAC if not already admin
	if !IsAdmin() {
		log.Println("Firewall: Process is not elevated. Requesting UAC elevation via ShellExecute...")

		verbPtr, _ := syscall.UTF16PtrFromString("runas")
		exePtr, _ := syscall.UTF16PtrFromString("powershell.exe")
		argPtr, _ := syscall.UTF16PtrFromString(fmt.Sprintf("-NoProfile -WindowStyle Hidden -Command \"%s\"", psCommand))

		var showCmd int32 = 0 // SW_HIDE

		if err := windows.ShellExecute(0, verbPtr, exePtr, argPtr, nil, showCmd); err != nil {
			return fmt.Errorf("failed to launch elevated powershell via ShellExecute: %w", err)
		}
		log.Println("Firewall: UAC prompt requested. Please check your screen/taskbar.")
		return nil
	}

	cmd := exec.Command("powershell", "-NoProfile", "-Command", psCommand)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create firewall rule: %w (Output: %s)", err, string(output))
	}
	log.Printf("Firewall: Applied rules for %v", ports)
	return nil
}

// firewallRulesPresent reports whether netsh lists an allow rule for every port.
func firewallRulesPresent(ports []Port) bool {
	for _, p := range ports {
		if p.Number <= 0 {
			continue
		}
		name := fmt.Sprintf("%s (%s)", FirewallRuleName, strings.ToUpper(p.Protocol))
		output, err := exec.Command("netsh", "advfirewall", "firewall", "show", "rule", "name="+name).CombinedOutput()
		out := string(output)
		if err != nil || !strings.Contains(out, strconv.Itoa(p.Number)) || !strings.Contains(out, "Allow") {
			return false
		}
	}
	return true
}
