// Package network carries actor samples and operator commands between game
// clients and the host, and finds hosts on the LAN.
package network

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// DiscoveredHost represents a mapkvm host found on the network
type DiscoveredHost struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Running bool   `json:"running"`
	Image   string `json:"image,omitempty"`
}

// GetLocalIP returns the primary local IP address
func GetLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

// ScanLAN scans the local /24 for mapkvm hosts, sorted by address
func ScanLAN(port int) ([]DiscoveredHost, error) {
	localIP, err := GetLocalIP()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IP: %w", err)
	}

	// Parse the local IP to get the subnet
	parts := strings.Split(localIP, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid IP address format: %s", localIP)
	}

	subnet := fmt.Sprintf("%s.%s.%s", parts[0], parts[1], parts[2])

	var hosts []DiscoveredHost
	var mu sync.Mutex
	var wg sync.WaitGroup

	// Scan IPs 1-254 in the subnet
	for i := 1; i <= 254; i++ {
		wg.Add(1)
		go func(hostNum int) {
			defer wg.Done()

			ip := fmt.Sprintf("%s.%d", subnet, hostNum)

			// Skip our own IP
			if ip == localIP {
				return
			}

			if host, ok := probeHost(ip, port); ok {
				mu.Lock()
				hosts = append(hosts, host)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	slices.SortFunc(hosts, func(a, b DiscoveredHost) int {
		return cmp.Compare(net.ParseIP(a.IP).To4()[3], net.ParseIP(b.IP).To4()[3])
	})
	return hosts, nil
}

// probeHost checks if a host answers the mapkvm health endpoint
func probeHost(ip string, port int) (DiscoveredHost, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	healthURL := fmt.Sprintf("http://%s:%d/health", ip, port)
	req, err := http.NewRequestWithContext(ctx, "GET", healthURL, nil)
	if err != nil {
		return DiscoveredHost{}, false
	}

	client := &http.Client{
		Timeout: 500 * time.Millisecond,
	}

	resp, err := client.Do(req)
	if err != nil {
		return DiscoveredHost{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DiscoveredHost{}, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return DiscoveredHost{IP: ip, Port: port}, true
	}
	return parseHealth(ip, port, body)
}

// parseHealth accepts only bodies that identify as mapkvm.
func parseHealth(ip string, port int, body []byte) (DiscoveredHost, bool) {
	if gjson.GetBytes(body, "service").String() != "mapkvm" {
		return DiscoveredHost{}, false
	}
	return DiscoveredHost{
		IP:      ip,
		Port:    port,
		Running: gjson.GetBytes(body, "running").Bool(),
		Image:   gjson.GetBytes(body, "image").String(),
	}, true
}

// GetLocalIPs returns all available local IPv4 addresses
func GetLocalIPs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue // interface down
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue // loopback interface
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			ip = ip.To4()
			if ip == nil {
				continue // not an ipv4 address
			}
			ips = append(ips, ip.String())
		}
	}
	return ips, nil
}
