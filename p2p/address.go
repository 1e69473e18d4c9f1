package p2p

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Address is a dialable endpoint for a node. Host may be an IPv4 or IPv6
// literal, a DNS name, or a .onion address. Equality ignores LastConnected.
type Address struct {
	Host          string    `json:"host"`
	Port          uint16    `json:"port"`
	LastConnected time.Time `json:"lastConnected,omitempty"`
}

// ParseAddress parses "host:port" into an Address.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: invalid port: %w", s, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("parse address %q: empty host", s)
	}
	return Address{Host: host, Port: uint16(port)}, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// Equal compares host and port only.
func (a Address) Equal(other Address) bool {
	return a.Port == other.Port && strings.EqualFold(a.Host, other.Host)
}

// IsOnion reports whether the host is a tor hidden service address.
func (a Address) IsOnion() bool {
	return strings.HasSuffix(strings.ToLower(a.Host), ".onion")
}

// sortByLastConnected orders addresses most-recently-connected first. The sort
// is stable so untried addresses keep their advertised order.
func sortByLastConnected(addrs []Address) {
	sort.SliceStable(addrs, func(i, j int) bool {
		return addrs[i].LastConnected.After(addrs[j].LastConnected)
	})
}

// dedupeAddresses removes host+port duplicates, keeping the first occurrence.
func dedupeAddresses(addrs []Address) []Address {
	out := make([]Address, 0, len(addrs))
	for _, addr := range addrs {
		dup := false
		for _, kept := range out {
			if kept.Equal(addr) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, addr)
		}
	}
	return out
}

// mergeLastConnected carries LastConnected stamps from old entries onto
// matching new entries, so replacing an address set never loses dial history.
func mergeLastConnected(updated, existing []Address) []Address {
	out := make([]Address, len(updated))
	copy(out, updated)
	for i := range out {
		if !out[i].LastConnected.IsZero() {
			continue
		}
		for _, old := range existing {
			if old.Equal(out[i]) {
				out[i].LastConnected = old.LastConnected
				break
			}
		}
	}
	return out
}

// isSelfAddress reports whether the address points back at this host: a
// loopback or unspecified IP, or an IP assigned to a local interface.
func isSelfAddress(addr Address, listenPort uint16) bool {
	if addr.Port != listenPort {
		return false
	}
	ip := net.ParseIP(addr.Host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, ia := range ifaceAddrs {
		if ipNet, ok := ia.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
			return true
		}
	}
	return false
}
