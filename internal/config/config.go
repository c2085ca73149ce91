// Package config models the compile-time configuration record spec §6
// requires: own IP, subnet mask, default gateway, own Ethernet address.
// On the real target these are #define-style constants burned into the
// image (original_source/code/choices.h); here they are a typed struct
// built once at startup, mirroring the teacher's internal/config.Config
// constructor shape while dropping its runtime file-watching (the
// device has no filesystem to reload from).
package config

import (
	"fmt"
	"net"
)

// Config is the network identity and routing rule for this node.
type Config struct {
	OwnIP          uint32 // big-endian-on-the-wire IPv4 address, host-order here
	SubnetMask     uint32 // 0 means "apply classful defaults" (spec §4.7)
	DefaultGateway uint32
	OwnEther       [6]byte
}

// New validates and returns a Config. SubnetMask of 0 is valid and
// means "infer classful mask from OwnIP at routing time".
func New(ownIP, subnetMask, defaultGateway uint32, ownEther [6]byte) (*Config, error) {
	if ownIP == 0 {
		return nil, fmt.Errorf("bmz: own IP must be non-zero")
	}
	return &Config{OwnIP: ownIP, SubnetMask: subnetMask, DefaultGateway: defaultGateway, OwnEther: ownEther}, nil
}

// IPv4 packs four octets into a uint32 in host order (matching the
// host-order representation Config stores internally; wire encoding
// happens in internal/ip).
func IPv4(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

// ParseIPv4 parses a dotted-quad string the same way, for use from
// flags/CLI glue.
func ParseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("bmz: invalid IPv4 address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("bmz: not an IPv4 address %q", s)
	}
	return IPv4(ip4[0], ip4[1], ip4[2], ip4[3]), nil
}

// String renders an IPv4 host-order value in dotted-quad form.
func String(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}
