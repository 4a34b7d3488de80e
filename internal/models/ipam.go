package models

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"
)

// Validation errors shared by the IPAM types.
var (
	ErrInvalidCIDR = errors.New("invalid CIDR notation")
	ErrInvalidIP   = errors.New("invalid IP address")
)

// Entry status values. Status is an open string so operators can invent
// their own labels; these are the ones the application assigns itself.
const (
	StatusUnknown   = "Unknown"
	StatusActive    = "Active"
	StatusReserved  = "Reserved"
	StatusAvailable = "Available"
)

// IPAMEntry represents a single tracked address in the inventory.
// SessionName is a soft reference to a Session by name; nothing enforces
// that the session still exists, callers resolve it at display time.
type IPAMEntry struct {
	IP          string     `json:"ip"`
	Subnet      string     `json:"subnet"`
	Hostname    string     `json:"hostname"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	SessionName string     `json:"session_name"`
	LastSeen    *time.Time `json:"last_seen"`
}

// Subnet represents a registered network block. CIDR is stored in canonical
// masked form; construction goes through NewSubnet so a subnet held by the
// repository always parses.
type Subnet struct {
	CIDR        string `json:"cidr"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NewSubnet validates cidr and returns a subnet with the canonical masked
// form of the prefix.
func NewSubnet(cidr, name, description string) (Subnet, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return Subnet{}, fmt.Errorf("%w: %q", ErrInvalidCIDR, cidr)
	}
	return Subnet{
		CIDR:        prefix.Masked().String(),
		Name:        name,
		Description: description,
	}, nil
}

// ParseIP parses s as an IP address, mapping failures to ErrInvalidIP.
func ParseIP(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidIP, s)
	}
	return addr, nil
}

// Prefix returns the parsed network prefix. Subnets built through NewSubnet
// always parse; a hand-built subnet with a bad CIDR returns ErrInvalidCIDR.
func (s Subnet) Prefix() (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s.CIDR)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidCIDR, s.CIDR)
	}
	return prefix.Masked(), nil
}

// Contains reports whether addr falls inside the subnet.
func (s Subnet) Contains(addr netip.Addr) bool {
	prefix, err := s.Prefix()
	if err != nil {
		return false
	}
	return prefix.Contains(addr)
}

// AddressCount returns the total number of addresses in the block,
// saturating at MaxUint64 for IPv6 blocks wider than /64.
func (s Subnet) AddressCount() uint64 {
	prefix, err := s.Prefix()
	if err != nil {
		return 0
	}
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits >= 64 {
		return math.MaxUint64
	}
	return 1 << uint(hostBits)
}

// UsableCount returns the number of assignable addresses. IPv4 blocks with
// more than two addresses lose the network and broadcast addresses; IPv6
// blocks and point-to-point IPv4 blocks keep every address.
func (s Subnet) UsableCount() uint64 {
	prefix, err := s.Prefix()
	if err != nil {
		return 0
	}
	total := s.AddressCount()
	if prefix.Addr().Is4() && total > 2 {
		return total - 2
	}
	return total
}

// ContainsUsable reports whether addr falls inside the subnet's usable
// range, excluding the IPv4 network and broadcast addresses where those
// exist.
func (s Subnet) ContainsUsable(addr netip.Addr) bool {
	prefix, err := s.Prefix()
	if err != nil || !prefix.Contains(addr) {
		return false
	}
	if prefix.Addr().Is4() && s.AddressCount() > 2 {
		if addr == prefix.Addr() || addr == lastAddr(prefix) {
			return false
		}
	}
	return true
}

// Hosts enumerates the usable addresses of the block in order. It fails when
// the block holds more usable addresses than limit, so callers never
// materialize an unboundedly large slice.
func (s Subnet) Hosts(limit uint64) ([]netip.Addr, error) {
	prefix, err := s.Prefix()
	if err != nil {
		return nil, err
	}
	usable := s.UsableCount()
	if usable > limit {
		return nil, fmt.Errorf("subnet %s has %d usable addresses, limit is %d", s.CIDR, usable, limit)
	}
	skipEdges := prefix.Addr().Is4() && s.AddressCount() > 2
	last := lastAddr(prefix)
	hosts := make([]netip.Addr, 0, usable)
	for addr := prefix.Addr(); addr.IsValid() && prefix.Contains(addr); addr = addr.Next() {
		if !skipEdges || (addr != prefix.Addr() && addr != last) {
			hosts = append(hosts, addr)
		}
		if addr == last {
			break
		}
	}
	return hosts, nil
}

// lastAddr returns the final address of the block, the broadcast address for
// IPv4 prefixes.
func lastAddr(prefix netip.Prefix) netip.Addr {
	raw := prefix.Addr().AsSlice()
	for i := prefix.Bits(); i < len(raw)*8; i++ {
		raw[i/8] |= 1 << uint(7-i%8)
	}
	addr, _ := netip.AddrFromSlice(raw)
	return addr
}

// UsageStats summarizes address consumption for one subnet. Utilization is a
// percentage rounded to two decimal places.
type UsageStats struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	Utilization float64 `json:"utilization"`
}
