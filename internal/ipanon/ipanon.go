// Package ipanon truncates client IP addresses before they are persisted.
package ipanon

import "net/netip"

// Anonymize zeroes the host part of an address: the last octet of an IPv4 address,
// or the last 80 bits of an IPv6 address (the first 48 bits are kept). Input that does
// not parse as an IP literal is returned unchanged.
func Anonymize(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	addr = addr.WithZone("")
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.Is4() {
		b := addr.As4()
		b[3] = 0
		return netip.AddrFrom4(b).String()
	}
	b := addr.As16()
	for i := 6; i < len(b); i++ {
		b[i] = 0
	}
	return netip.AddrFrom16(b).String()
}

// Apply anonymizes ip when enabled is true and returns it untouched otherwise.
func Apply(ip string, enabled bool) string {
	if !enabled {
		return ip
	}
	return Anonymize(ip)
}
