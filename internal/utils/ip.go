package utils

import (
	"fmt"
	"net"
	"strings"
)

// IPAllowList matches client addresses against a set of CIDR blocks. An empty list allows everyone.
type IPAllowList struct {
	blocks []*net.IPNet
}

// NewIPAllowList parses cidrs. A bare address is treated as a single-host block.
func NewIPAllowList(cidrs []string) (*IPAllowList, error) {
	l := &IPAllowList{}
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil && ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed network %q: %w", cidr, err)
		}
		l.blocks = append(l.blocks, block)
	}
	return l, nil
}

func (l *IPAllowList) Empty() bool {
	return l == nil || len(l.blocks) == 0
}

// Allowed reports whether ip is inside one of the blocks.
func (l *IPAllowList) Allowed(ip string) bool {
	if l.Empty() {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, block := range l.blocks {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}
