// Package netif resolves a configured interface name to the index, MAC and
// best-scoped addresses a bridge interface needs, per spec.md section 3.
// Resolution goes over NETLINK_ROUTE (RTM_GETLINK / RTM_GETADDR), the same
// request/attribute shape as the teacher's address.go/link.go, but driven
// to completion against the real mdlayher/netlink.Conn rather than left as
// a stubbed Execute.
package netif

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

const (
	rtmGetLink = 18
	rtmGetAddr = 22

	afUnspec = 0
	afInet   = unix.AF_INET
	afInet6  = unix.AF_INET6

	iflaAddress = 1
	iflaIfname  = 3

	ifaAddress = 1
	ifaLocal   = 2
	ifaLabel   = 3

	rtScopeUniverse = 0
	rtScopeLink     = 253

	ifinfomsgLen = 16
	ifaddrmsgLen = 8
)

// Resolved is one OS interface's identity as seen by the kernel at the
// moment of resolution: never refreshed afterwards, per spec.md section 5
// ("Bridge interface objects ... are immutable after initialization").
type Resolved struct {
	Index int
	MAC   net.HardwareAddr

	// V4 is the first global IPv4 address, falling back to the first
	// link-local one. V6 is the first global (or ULA) IPv6 address and
	// V6LinkLocal the first link-local one; V6 has no fallback.
	V4          net.IP
	V6          net.IP
	V6LinkLocal net.IP
}

// rtConn is the subset of *netlink.Conn this package drives, broken out so
// tests can substitute a fake without a real NETLINK_ROUTE socket.
type rtConn interface {
	Execute(m netlink.Message) ([]netlink.Message, error)
	Close() error
}

// Resolver holds one NETLINK_ROUTE connection, reused across every
// interface resolved during startup.
type Resolver struct {
	conn rtConn
}

// NewResolver dials a NETLINK_ROUTE connection.
func NewResolver() (*Resolver, error) {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, fmt.Errorf("netif: dial netlink_route: %w", err)
	}
	return &Resolver{conn: conn}, nil
}

func newResolverWithConn(conn rtConn) *Resolver {
	return &Resolver{conn: conn}
}

// Close releases the underlying netlink socket.
func (r *Resolver) Close() error {
	return r.conn.Close()
}

// Resolve looks up name's index and MAC via RTM_GETLINK, then its best
// IPv4/IPv6 addresses via RTM_GETADDR, per spec.md section 3's "cached
// interface MAC, IPv4 address (best global; fall back to link-local),
// IPv6 global-or-ULA, IPv6 link-local".
func (r *Resolver) Resolve(name string) (*Resolved, error) {
	index, mac, err := r.getLink(name)
	if err != nil {
		return nil, err
	}

	v4, v6, v6ll, err := r.getAddrs(index)
	if err != nil {
		return nil, err
	}

	return &Resolved{Index: index, MAC: mac, V4: v4, V6: v6, V6LinkLocal: v6ll}, nil
}

func (r *Resolver) getLink(name string) (int, net.HardwareAddr, error) {
	req := netlink.Message{
		Header: netlink.Header{
			Type:  rtmGetLink,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: ifinfomsg(afUnspec, 0, 0),
	}

	msgs, err := r.conn.Execute(req)
	if err != nil {
		return 0, nil, fmt.Errorf("netif: RTM_GETLINK: %w", err)
	}

	for _, m := range msgs {
		if len(m.Data) < ifinfomsgLen {
			continue
		}
		index := int(int32(binary.LittleEndian.Uint32(m.Data[4:8])))

		ad, err := netlink.NewAttributeDecoder(m.Data[ifinfomsgLen:])
		if err != nil {
			continue
		}
		var ifname string
		var mac net.HardwareAddr
		for ad.Next() {
			switch ad.Type() {
			case iflaIfname:
				ifname = ad.String()
			case iflaAddress:
				mac = append(net.HardwareAddr(nil), ad.Bytes()...)
			}
		}
		if err := ad.Err(); err != nil {
			continue
		}
		if ifname == name {
			return index, mac, nil
		}
	}
	return 0, nil, fmt.Errorf("netif: no such interface %q", name)
}

func (r *Resolver) getAddrs(index int) (v4, v6, v6ll net.IP, err error) {
	req := netlink.Message{
		Header: netlink.Header{
			Type:  rtmGetAddr,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: ifaddrmsg(afUnspec, 0, 0, 0, 0),
	}

	msgs, err := r.conn.Execute(req)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("netif: RTM_GETADDR: %w", err)
	}

	var v4ll net.IP
	for _, m := range msgs {
		if len(m.Data) < ifaddrmsgLen {
			continue
		}
		family := m.Data[0]
		scope := m.Data[3]
		msgIndex := int(binary.LittleEndian.Uint32(m.Data[4:8]))
		if msgIndex != index {
			continue
		}

		ad, derr := netlink.NewAttributeDecoder(m.Data[ifaddrmsgLen:])
		if derr != nil {
			continue
		}
		var addr net.IP
		for ad.Next() {
			switch ad.Type() {
			case ifaLocal, ifaAddress:
				if addr == nil {
					addr = append(net.IP(nil), ad.Bytes()...)
				}
			}
		}
		if err := ad.Err(); err != nil || addr == nil {
			continue
		}

		switch family {
		case afInet:
			if scope == rtScopeUniverse && v4 == nil {
				v4 = addr
			}
			if scope == rtScopeLink && v4ll == nil {
				v4ll = addr
			}
		case afInet6:
			switch {
			case scope == rtScopeLink:
				if v6ll == nil {
					v6ll = addr
				}
			case scope == rtScopeUniverse:
				if v6 == nil {
					v6 = addr
				}
			}
		}
	}
	if v4 == nil {
		v4 = v4ll
	}
	return v4, v6, v6ll, nil
}

// ifinfomsg encodes the fixed 16-byte struct ifinfomsg header: family, a
// pad byte, device type, index, flags, change mask.
func ifinfomsg(family uint8, index int32, devType uint16) []byte {
	b := make([]byte, ifinfomsgLen)
	b[0] = family
	binary.LittleEndian.PutUint16(b[2:4], devType)
	binary.LittleEndian.PutUint32(b[4:8], uint32(index))
	return b
}

// ifaddrmsg encodes the fixed 8-byte struct ifaddrmsg header, the same
// field shape as the teacher's AddressMessage (address.go).
func ifaddrmsg(family, prefixLen, flags, scope uint8, index uint32) []byte {
	b := make([]byte, ifaddrmsgLen)
	b[0] = family
	b[1] = prefixLen
	b[2] = flags
	b[3] = scope
	binary.LittleEndian.PutUint32(b[4:8], index)
	return b
}
