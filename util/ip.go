package util

import (
	"encoding/binary"
	"fmt"
	"net"
)

// PackIPv4 converts a dotted-quad address into the 32-bit network-order
// form carried in the SST joiner_ips column.
func PackIPv4(addr string) (uint32, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return 0, fmt.Errorf("util: %q is not an IP address", addr)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("util: %q is not an IPv4 address", addr)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// UnpackIPv4 is the inverse of PackIPv4.
func UnpackIPv4(packed uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], packed)
	return net.IP(b[:]).String()
}

// SplitHostPort splits an address, tolerating a bare host.
func SplitHostPort(addr string) (host string, port string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return host, port
}
