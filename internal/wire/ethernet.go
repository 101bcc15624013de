package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// EthernetHeaderLen is the size of an Ethernet II header: destination MAC,
// source MAC, and EtherType, per spec.md section 4.2.
const EthernetHeaderLen = 14

const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeIPv6 uint16 = 0x86dd
)

var errShortEthernetFrame = errors.New("wire: ethernet frame shorter than header")

// EthernetHeader is the fixed 14-byte Ethernet II header.
type EthernetHeader struct {
	Dst       net.HardwareAddr // 6 bytes
	Src       net.HardwareAddr // 6 bytes
	EtherType uint16
}

// MarshalBinary encodes the header in network byte order.
func (h EthernetHeader) MarshalBinary() ([]byte, error) {
	if len(h.Dst) != 6 || len(h.Src) != 6 {
		return nil, fmt.Errorf("wire: ethernet header requires 6-byte MACs")
	}
	b := make([]byte, EthernetHeaderLen)
	copy(b[0:6], h.Dst)
	copy(b[6:12], h.Src)
	binary.BigEndian.PutUint16(b[12:14], h.EtherType)
	return b, nil
}

// UnmarshalBinary decodes an Ethernet II header from the front of b.
func (h *EthernetHeader) UnmarshalBinary(b []byte) error {
	if len(b) < EthernetHeaderLen {
		return errShortEthernetFrame
	}
	h.Dst = append(net.HardwareAddr(nil), b[0:6]...)
	h.Src = append(net.HardwareAddr(nil), b[6:12]...)
	h.EtherType = binary.BigEndian.Uint16(b[12:14])
	return nil
}

// IPv4MulticastMAC derives the destination MAC for an IPv4 multicast group
// per spec.md section 4.2: 01:00:5e:XX:YY:ZZ from the low 23 bits of the
// group address.
func IPv4MulticastMAC(group net.IP) net.HardwareAddr {
	ip4 := group.To4()
	mac := make(net.HardwareAddr, 6)
	mac[0], mac[1], mac[2] = 0x01, 0x00, 0x5e
	mac[3] = ip4[1] & 0x7f
	mac[4] = ip4[2]
	mac[5] = ip4[3]
	return mac
}

// IPv6MulticastMAC derives the destination MAC for an IPv6 multicast group
// per spec.md section 4.2: 33:33:AA:BB:CC:DD from the low 32 bits of the
// group address.
func IPv6MulticastMAC(group net.IP) net.HardwareAddr {
	ip6 := group.To16()
	mac := make(net.HardwareAddr, 6)
	mac[0], mac[1] = 0x33, 0x33
	copy(mac[2:6], ip6[12:16])
	return mac
}
