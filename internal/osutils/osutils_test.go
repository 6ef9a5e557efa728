package osutils

import (
	"strings"
	"testing"
)

// TestFirewallScript tests one rule per protocol and skipped ports
func TestFirewallScript(t *testing.T) {
	script := firewallScript([]Port{
		{Number: 18090, Protocol: "tcp"},
		{Number: 18091, Protocol: "UDP"},
		{Number: 0, Protocol: "UDP"},
	})

	if !strings.HasPrefix(script, "Remove-NetFirewallRule -DisplayName 'MapKVM Operator API*'") {
		t.Errorf("Expected removal first, got %q", script)
	}
	for _, want := range []string{
		"-DisplayName 'MapKVM Operator API (TCP)' -Direction Inbound -LocalPort 18090 -Protocol TCP",
		"-DisplayName 'MapKVM Operator API (UDP)' -Direction Inbound -LocalPort 18091 -Protocol UDP",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("Expected %q in %q", want, script)
		}
	}
	if strings.Count(script, "New-NetFirewallRule") != 2 {
		t.Errorf("Expected two rules, got %q", script)
	}
}

// TestPortString tests port formatting for logs
func TestPortString(t *testing.T) {
	if s := (Port{Number: 18091, Protocol: "UDP"}).String(); s != "18091/UDP" {
		t.Errorf("Expected 18091/UDP, got %s", s)
	}
}
