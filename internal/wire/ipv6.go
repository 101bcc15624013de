package wire

import (
	"encoding/binary"
	"errors"
	"net"
)

// ICMPv6 is the IPv6 next-header value used for MLD, carried either
// directly as the IPv6 NextHeader (no extension headers) or as the
// Hop-by-Hop option's NextHeader (this snooper always uses Hop-by-Hop).
const ICMPv6 = 58

// ipv6HopByHop is the IPv6 NextHeader value for the Hop-by-Hop Options
// extension header.
const ipv6HopByHop = 0

const ipv6BaseHeaderLen = 40

// ipv6HopByHopLen is the fixed 8-byte Hop-by-Hop extension header this
// snooper always emits: 2 bytes of (NextHeader, HdrExtLen) + 4-byte
// Router Alert option + 2-byte PadN, per spec.md section 4.2.
const ipv6HopByHopLen = 8

var (
	errShortIPv6Header   = errors.New("wire: ipv6 header shorter than minimum length")
	errIPv6NoHopByHop    = errors.New("wire: ipv6 packet missing hop-by-hop extension header")
	errIPv6NoRouterAlert = errors.New("wire: ipv6 hop-by-hop header missing router alert option")
)

// IPv6Header is an IPv6 header with the Hop-by-Hop Router Alert extension
// this snooper always emits, per spec.md section 4.2 (HopLimit=1,
// NextHeader=ICMPv6 carried inside the Hop-by-Hop header).
type IPv6Header struct {
	TrafficClass uint8
	FlowLabel    uint32 // low 20 bits significant
	PayloadLen   uint16
	HopLimit     uint8
	Src          net.IP // 16 bytes
	Dst          net.IP // 16 bytes
}

// MarshalBinary encodes the IPv6 header followed by the Hop-by-Hop Router
// Alert + PadN extension header. PayloadLen must already account for the
// 8-byte extension header.
func (h IPv6Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, ipv6BaseHeaderLen+ipv6HopByHopLen)

	vtcfl := uint32(6)<<28 | uint32(h.TrafficClass)<<20 | (h.FlowLabel & 0xfffff)
	binary.BigEndian.PutUint32(b[0:4], vtcfl)
	binary.BigEndian.PutUint16(b[4:6], h.PayloadLen)
	b[6] = ipv6HopByHop
	b[7] = h.HopLimit
	copy(b[8:24], h.Src.To16())
	copy(b[24:40], h.Dst.To16())

	hbh := b[ipv6BaseHeaderLen:]
	hbh[0] = ICMPv6
	hbh[1] = 0 // HdrExtLen: (0+1)*8 == 8 bytes total
	hbh[2] = 5 // Router Alert option type
	hbh[3] = 2 // option data length
	hbh[4] = 0
	hbh[5] = 0 // value 0: packet contains MLD message
	hbh[6] = 1 // PadN option type
	hbh[7] = 0 // PadN data length 0

	return b, nil
}

// UnmarshalBinary decodes an IPv6 header and its Hop-by-Hop Router Alert
// extension from the front of b, per spec.md section 4.3.4 step 4. The
// Router Alert option may appear before or after the PadN within the
// Hop-by-Hop options area; both orderings are accepted.
func (h *IPv6Header) UnmarshalBinary(b []byte) error {
	if len(b) < ipv6BaseHeaderLen {
		return errShortIPv6Header
	}
	vtcfl := binary.BigEndian.Uint32(b[0:4])
	h.TrafficClass = uint8(vtcfl >> 20 & 0xff)
	h.FlowLabel = vtcfl & 0xfffff
	h.PayloadLen = binary.BigEndian.Uint16(b[4:6])
	nextHeader := b[6]
	h.HopLimit = b[7]
	h.Src = append(net.IP(nil), b[8:24]...)
	h.Dst = append(net.IP(nil), b[24:40]...)

	if nextHeader != ipv6HopByHop {
		return errIPv6NoHopByHop
	}
	rest := b[ipv6BaseHeaderLen:]
	if len(rest) < 2 {
		return errShortIPv6Header
	}
	extLen := (int(rest[1]) + 1) * 8
	if len(rest) < extLen {
		return errShortIPv6Header
	}
	if !hasIPv6RouterAlert(rest[2:extLen]) {
		return errIPv6NoRouterAlert
	}
	return nil
}

func hasIPv6RouterAlert(options []byte) bool {
	for i := 0; i < len(options); {
		opt := options[i]
		if opt == 0 { // Pad1
			i++
			continue
		}
		if i+1 >= len(options) {
			break
		}
		length := int(options[i+1])
		if i+2+length > len(options) {
			break
		}
		if opt == 5 && length == 2 {
			return true
		}
		i += 2 + length
	}
	return false
}

// ICMPv6HeaderLen returns the byte offset into an unmarshalled IPv6+HbH
// packet where the ICMPv6 (MLD) payload begins.
func ICMPv6HeaderLen() int {
	return ipv6BaseHeaderLen + ipv6HopByHopLen
}
