// Package domain holds the address-family value types used by the firewall
// package.
package domain

import "strings"

// IsIPv6 reports whether addr is an IPv6 address, using the presence of ':'
// as the family discriminator (spec's rule, not a strict net.ParseIP check,
// so malformed addresses already on a blocklist still partition correctly).
func IsIPv6(addr string) bool {
	return strings.Contains(addr, ":")
}

// AddressList partitions addresses by family the same way the firewall
// adapter must batch them: IPv4 entries first, IPv6 entries last.
type AddressList struct {
	V4 []string
	V6 []string
}

// NewAddressList returns an empty, ready-to-use AddressList.
func NewAddressList() *AddressList {
	return &AddressList{
		V4: make([]string, 0),
		V6: make([]string, 0),
	}
}

// Add appends addr to the list matching its family.
func (l *AddressList) Add(addr string) {
	if IsIPv6(addr) {
		l.V6 = append(l.V6, addr)
	} else {
		l.V4 = append(l.V4, addr)
	}
}

// Len returns the total number of addresses held.
func (l *AddressList) Len() int {
	return len(l.V4) + len(l.V6)
}
