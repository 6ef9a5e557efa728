// Package osutils holds platform glue for the daemon.
package osutils

import (
	"fmt"
	"strings"
)

// FirewallRuleName is the display name of the inbound rule the daemon manages.
const FirewallRuleName = "MapKVM Operator API"

// Port is one inbound port the daemon listens on.
type Port struct {
	Number   int
	Protocol string // "TCP" or "UDP"
}

func (p Port) String() string {
	return fmt.Sprintf("%d/%s", p.Number, p.Protocol)
}

// firewallScript builds the PowerShell that replaces the daemon's rules,
// one rule per protocol.
func firewallScript(ports []Port) string {
	byProto := map[string][]string{}
	var order []string
	for _, p := range ports {
		if p.Number <= 0 {
			continue
		}
		proto := strings.ToUpper(p.Protocol)
		if _, ok := byProto[proto]; !ok {
			order = append(order, proto)
		}
		byProto[proto] = append(byProto[proto], fmt.Sprintf("%d", p.Number))
	}

	cmds := []string{fmt.Sprintf("Remove-NetFirewallRule -DisplayName '%s*' -ErrorAction SilentlyContinue", FirewallRuleName)}
	for _, proto := range order {
		cmds = append(cmds, fmt.Sprintf(
			"New-NetFirewallRule -DisplayName '%s (%s)' -Direction Inbound -LocalPort %s -Protocol %s -Action Allow -Profile Any",
			FirewallRuleName, proto, strings.Join(byProto[proto], ","), proto,
		))
	}
	return strings.Join(cmds, "; ")
}
