package wire

import (
	"encoding/binary"
	"errors"
	"net"
)

// IPProtoIGMP is the IP protocol number for IGMP.
const IPProtoIGMP = 2

// ipv4BaseHeaderLen is the fixed portion of an IPv4 header (no options).
const ipv4BaseHeaderLen = 20

// RouterAlertOption is the 4-byte IPv4 Router Alert option, type 0x94,
// length 4, value 0, per spec.md section 4.2 and RFC 2113.
var RouterAlertOption = [4]byte{0x94, 0x04, 0x00, 0x00}

// IPv4HeaderLen is the header length this package always emits: the base
// 20-byte header plus the 4-byte Router Alert option.
const IPv4HeaderLen = ipv4BaseHeaderLen + len(RouterAlertOption)

// TOSInternetworkControl is the IPv4 TOS byte used for all IGMP traffic
// emitted by this snooper: 0xc0 (internetwork control), per spec.md
// section 4.2.
const TOSInternetworkControl = 0xc0

var (
	errShortIPv4Header    = errors.New("wire: ipv4 header shorter than minimum length")
	errIPv4ChecksumFailed = errors.New("wire: ipv4 header checksum does not verify")
	errIPv4NotIGMP        = errors.New("wire: ipv4 packet is not IGMP")
	errIPv4NoRouterAlert  = errors.New("wire: ipv4 packet missing router alert option")
)

// IPv4Header is an IPv4 header carrying exactly the Router Alert option,
// as emitted and expected by this snooper (spec.md section 4.2: TTL=1, DF
// set, TOS=0xc0).
type IPv4Header struct {
	TOS         uint8
	TotalLength uint16
	ID          uint16
	DF          bool
	TTL         uint8
	Protocol    uint8
	Checksum    uint16
	Src         net.IP // 4 bytes
	Dst         net.IP // 4 bytes
}

// MarshalBinary encodes the header with a freshly computed checksum.
func (h IPv4Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, IPv4HeaderLen)
	ihl := uint8(IPv4HeaderLen / 4)
	b[0] = (4 << 4) | (ihl & 0x0f)
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	var flags uint16
	if h.DF {
		flags |= 1 << 14
	}
	binary.BigEndian.PutUint16(b[6:8], flags)
	b[8] = h.TTL
	b[9] = h.Protocol
	// b[10:12] checksum left zero for the sum below.
	copy(b[12:16], h.Src.To4())
	copy(b[16:20], h.Dst.To4())
	copy(b[20:24], RouterAlertOption[:])

	sum := Checksum(b)
	b[10] = byte(sum >> 8)
	b[11] = byte(sum)
	return b, nil
}

// UnmarshalBinary decodes an IPv4 header from the front of b, verifying
// the header checksum and the presence of the Router Alert option per
// spec.md section 4.3.4's validation sequence (steps 3-4). The source
// address validation against "our own" is left to the caller, which knows
// the interface's configured address.
func (h *IPv4Header) UnmarshalBinary(b []byte) error {
	if len(b) < ipv4BaseHeaderLen {
		return errShortIPv4Header
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < ipv4BaseHeaderLen || len(b) < ihl {
		return errShortIPv4Header
	}
	if Checksum(b[:ihl]) != 0 {
		return errIPv4ChecksumFailed
	}

	h.TOS = b[1]
	h.TotalLength = binary.BigEndian.Uint16(b[2:4])
	h.ID = binary.BigEndian.Uint16(b[4:6])
	flags := binary.BigEndian.Uint16(b[6:8])
	h.DF = flags&(1<<14) != 0
	h.TTL = b[8]
	h.Protocol = b[9]
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	h.Src = append(net.IP(nil), b[12:16]...)
	h.Dst = append(net.IP(nil), b[16:20]...)

	if int(h.TotalLength) > len(b) {
		return errShortIPv4Header
	}
	if !hasIPv4RouterAlert(b[ipv4BaseHeaderLen:ihl]) {
		return errIPv4NoRouterAlert
	}
	return nil
}

func hasIPv4RouterAlert(options []byte) bool {
	for i := 0; i+1 < len(options); {
		opt := options[i]
		if opt == 0x00 { // end of options list
			break
		}
		if opt == 0x01 { // NOP
			i++
			continue
		}
		if i+1 >= len(options) {
			break
		}
		length := int(options[i+1])
		if length < 2 || i+length > len(options) {
			break
		}
		if opt == RouterAlertOption[0] && length == len(RouterAlertOption) {
			return true
		}
		i += length
	}
	return false
}
