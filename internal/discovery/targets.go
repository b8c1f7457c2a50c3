// Package discovery probes network targets and classifies the printers
// it finds into the fleet's controller families.
package discovery

import (
	"fmt"
	"net/netip"
	"strings"
)

// TargetType represents the type of network target
type TargetType string

const (
	TargetTypeCIDR    TargetType = "cidr"
	TargetTypeRange   TargetType = "range"
	TargetTypeSingle  TargetType = "ip"
	TargetTypeUnknown TargetType = "unknown"
)

// DetectTargetType automatically detects the type of target from its value.
//
// Examples:
//   - "192.168.1.0/24" -> "cidr"
//   - "192.168.1.1-192.168.1.50" -> "range"
//   - "192.168.1.100" -> "ip"
//   - "invalid" -> "unknown"
func DetectTargetType(value string) TargetType {
	value = strings.TrimSpace(value)

	if strings.Contains(value, "/") {
		if _, err := netip.ParsePrefix(value); err == nil {
			return TargetTypeCIDR
		}
	}

	if strings.Contains(value, "-") {
		parts := strings.Split(value, "-")
		if len(parts) == 2 {
			startIP := strings.TrimSpace(parts[0])
			endIP := strings.TrimSpace(parts[1])
			if _, err := netip.ParseAddr(startIP); err == nil {
				if _, err := netip.ParseAddr(endIP); err == nil {
					return TargetTypeRange
				}
			}
		}
	}

	if _, err := netip.ParseAddr(value); err == nil {
		return TargetTypeSingle
	}

	return TargetTypeUnknown
}

// ExpandTarget expands a network target into individual IP addresses.
// CIDR blocks expand to their usable hosts (network and broadcast
// addresses excluded for IPv4), ranges expand inclusively, and single
// IPs pass through. Expansions beyond 65536 hosts are refused.
func ExpandTarget(value string) ([]string, error) {
	switch DetectTargetType(value) {
	case TargetTypeCIDR:
		return expandCIDR(strings.TrimSpace(value))
	case TargetTypeRange:
		return expandRange(strings.TrimSpace(value))
	case TargetTypeSingle:
		return []string{strings.TrimSpace(value)}, nil
	default:
		return nil, fmt.Errorf("invalid target format: %s", value)
	}
}

func expandCIDR(cidr string) ([]string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR notation: %w", err)
	}

	bits := prefix.Bits()
	maxBits := 32
	if prefix.Addr().Is6() {
		maxBits = 128
	}
	if maxBits-bits > 16 {
		return nil, fmt.Errorf("CIDR block too large (>65536 hosts): %s", cidr)
	}

	var ips []string
	addr := prefix.Masked().Addr()

	// /31 and /32 have no separate network or broadcast address.
	skipEdges := prefix.Addr().Is4() && bits < 31
	if skipEdges {
		addr = addr.Next()
	}

	for prefix.Contains(addr) {
		ips = append(ips, addr.String())
		addr = addr.Next()
		if len(ips) > 65536 {
			return nil, fmt.Errorf("CIDR block expanded to more than 65536 hosts: %s", cidr)
		}
	}

	if skipEdges && len(ips) > 0 {
		ips = ips[:len(ips)-1]
	}

	return ips, nil
}

func expandRange(rangeStr string) ([]string, error) {
	parts := strings.Split(rangeStr, "-")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid IP range format (expected 'start-end'): %s", rangeStr)
	}

	startIP, err := netip.ParseAddr(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid start IP in range: %w", err)
	}
	endIP, err := netip.ParseAddr(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid end IP in range: %w", err)
	}

	if startIP.Is4() != endIP.Is4() {
		return nil, fmt.Errorf("IP version mismatch: %s and %s", startIP, endIP)
	}
	if startIP.Compare(endIP) > 0 {
		return nil, fmt.Errorf("start IP must be <= end IP: %s > %s", startIP, endIP)
	}

	var ips []string
	current := startIP
	for {
		ips = append(ips, current.String())
		if len(ips) > 65536 {
			return nil, fmt.Errorf("IP range too large (>65536 hosts): %s", rangeStr)
		}
		if current.Compare(endIP) == 0 {
			break
		}
		current = current.Next()
		if !current.IsValid() {
			return nil, fmt.Errorf("IP overflow while expanding range: %s", rangeStr)
		}
	}

	return ips, nil
}

// ValidateTarget checks whether a target value can be expanded.
func ValidateTarget(value string) error {
	if DetectTargetType(value) == TargetTypeUnknown {
		return fmt.Errorf("invalid target format: must be a valid IP, CIDR block, or IP range")
	}
	return nil
}
