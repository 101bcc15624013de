// Package model holds the bridge instance / bridge interface data model of
// spec.md section 3: the shapes shared by config loading, snooping,
// activation and forwarding.
package model

import (
	"net"
	"sync/atomic"
)

// Family distinguishes an IPv4 bridge instance from an IPv6 one.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "ipv6"
	}
	return "ipv4"
}

// Direction selects which of a BridgeInterface's two independent
// configurations (inbound, outbound) is being referred to.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// Config is the per-direction, per-interface configuration enum from
// spec.md section 3.
type Config int

const (
	ConfigNone Config = iota
	ConfigDynamic
	ConfigStatic
	ConfigForced
)

func (c Config) String() string {
	switch c {
	case ConfigDynamic:
		return "dynamic"
	case ConfigStatic:
		return "static"
	case ConfigForced:
		return "forced"
	default:
		return "none"
	}
}

// BridgeInterface is one OS network interface participating in a bridge
// instance, per spec.md section 3.
type BridgeInterface struct {
	Instance *BridgeInstance

	Name  string
	Index int
	MAC   net.HardwareAddr

	// Addr is the interface's best address in the instance's family:
	// global-scope preferred, falling back to link-local, per spec.md
	// section 3.
	Addr net.IP

	// LinkLocal is the interface's IPv6 link-local address, cached
	// separately because query/report emission always sources from it
	// regardless of which address activates the group.
	LinkLocal net.IP

	Inbound  Config
	Outbound Config

	// InboundActive and OutboundActive are the two cross-thread flags from
	// spec.md section 5, flipped only through internal/activation.
	InboundActive  atomic.Bool
	OutboundActive atomic.Bool

	// Socket is the UDP socket file descriptor bound to (family, port) on
	// this interface, owned by internal/forwarder.
	Socket int
}

// BridgeInstance is one (family, port) bridge, per spec.md section 3.
type BridgeInstance struct {
	Family  Family
	Port    uint16
	Group   net.IP
	Ifaces  []*BridgeInterface
}

// InboundInterfaces returns every interface configured (dynamic, static or
// forced) as inbound.
func (b *BridgeInstance) InboundInterfaces() []*BridgeInterface {
	var out []*BridgeInterface
	for _, ifc := range b.Ifaces {
		if ifc.Inbound != ConfigNone {
			out = append(out, ifc)
		}
	}
	return out
}

// OutboundInterfaces returns every interface configured (dynamic, static or
// forced) as outbound.
func (b *BridgeInstance) OutboundInterfaces() []*BridgeInterface {
	var out []*BridgeInterface
	for _, ifc := range b.Ifaces {
		if ifc.Outbound != ConfigNone {
			out = append(out, ifc)
		}
	}
	return out
}
