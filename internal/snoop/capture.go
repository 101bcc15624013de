package snoop

import (
	"errors"
	"net"

	"github.com/mcastsnoop/mcastbridged/internal/model"
	"github.com/mcastsnoop/mcastbridged/internal/wire"
)

// Validation errors from the receive pipeline of spec.md section 4.3.4.
// Every one of these is a drop-the-packet condition, never fatal to the
// process.
var (
	ErrFrameTooShort     = errors.New("snoop: frame shorter than its ethertype's minimum length")
	ErrEthertypeMismatch = errors.New("snoop: ethertype does not match this snooper's family")
	ErrOwnEcho           = errors.New("snoop: dropping a frame sourced from our own address")
	ErrIPHeaderInvalid   = errors.New("snoop: ip header invalid (length/checksum/router alert)")
	ErrNotIGMPOrMLD      = errors.New("snoop: ip payload is not igmp/mld")
	ErrPayloadChecksum   = errors.New("snoop: igmp/mld payload checksum does not verify")
)

// Decoded is the result of successfully validating and parsing one
// captured frame: exactly one of IGMP/MLD is populated, matching the
// Family the capture socket was opened for.
type Decoded struct {
	SourceIP net.IP
	IGMP     *wire.IGMPMessage
	MLD      *wire.MLDMessage

	// Solicitation is set instead of MLD when the captured frame is an MRD
	// Solicitation (ICMPv6 type 152): not an MLD variant, but part of this
	// family's capture filter per SPEC_FULL.md section 10.
	Solicitation bool
}

// ParseFrame runs the validation sequence of spec.md section 4.3.4 over a
// raw captured Ethernet frame and, on success, returns the decoded
// IGMP/MLD message. ownAddr is this interface's own L3 address, used to
// drop our own emitted traffic (step 2).
func ParseFrame(frame []byte, family model.Family, ownAddr net.IP) (*Decoded, error) {
	if len(frame) < wire.EthernetHeaderLen {
		return nil, ErrFrameTooShort
	}
	var eth wire.EthernetHeader
	if err := eth.UnmarshalBinary(frame[:wire.EthernetHeaderLen]); err != nil {
		return nil, ErrFrameTooShort
	}
	payload := frame[wire.EthernetHeaderLen:]

	if family == model.FamilyV4 {
		return parseIGMPFrame(eth, payload, ownAddr)
	}
	return parseMLDFrame(eth, payload, ownAddr)
}

func parseIGMPFrame(eth wire.EthernetHeader, payload []byte, ownAddr net.IP) (*Decoded, error) {
	if eth.EtherType != wire.EtherTypeIPv4 {
		return nil, ErrEthertypeMismatch
	}
	if len(payload) < wire.IPv4HeaderLen {
		return nil, ErrFrameTooShort
	}

	// UnmarshalBinary validates the header checksum, the total-length
	// bound, and the Router Alert option's presence (spec.md section
	// 4.3.4 steps 3-4) in one pass.
	var ip wire.IPv4Header
	if err := ip.UnmarshalBinary(payload); err != nil {
		return nil, ErrIPHeaderInvalid
	}
	if ip.Src.Equal(ownAddr) {
		return nil, ErrOwnEcho
	}
	if ip.Protocol != wire.IPProtoIGMP {
		return nil, ErrNotIGMPOrMLD
	}

	if int(ip.TotalLength) < wire.IPv4HeaderLen || int(ip.TotalLength) > len(payload) {
		return nil, ErrIPHeaderInvalid
	}
	igmpPayload := payload[wire.IPv4HeaderLen:ip.TotalLength]

	var msg wire.IGMPMessage
	if err := msg.UnmarshalBinary(igmpPayload); err != nil {
		return nil, ErrPayloadChecksum
	}

	return &Decoded{SourceIP: ip.Src, IGMP: &msg}, nil
}

func parseMLDFrame(eth wire.EthernetHeader, payload []byte, ownAddr net.IP) (*Decoded, error) {
	if eth.EtherType != wire.EtherTypeIPv6 {
		return nil, ErrEthertypeMismatch
	}
	hdrLen := wire.ICMPv6HeaderLen()
	if len(payload) < hdrLen {
		return nil, ErrFrameTooShort
	}

	// UnmarshalBinary validates the Hop-by-Hop next-header and the
	// Router Alert option's presence within it (spec.md section 4.3.4
	// step 4).
	var ip wire.IPv6Header
	if err := ip.UnmarshalBinary(payload); err != nil {
		return nil, ErrIPHeaderInvalid
	}
	if ip.Src.Equal(ownAddr) {
		return nil, ErrOwnEcho
	}

	icmpv6 := payload[hdrLen:]
	if int(ip.PayloadLen) < len(icmpv6)+8 {
		return nil, ErrIPHeaderInvalid
	}
	if wire.ChecksumWithPseudoHeader(to16(ip.Src), to16(ip.Dst), uint32(len(icmpv6)), wire.ICMPv6, icmpv6) != 0 {
		return nil, ErrPayloadChecksum
	}

	if icmpv6[0] == wire.MRDTypeSolicitation {
		return &Decoded{SourceIP: ip.Src, Solicitation: true}, nil
	}

	var msg wire.MLDMessage
	if err := msg.UnmarshalBinary(icmpv6); err != nil {
		return nil, ErrPayloadChecksum
	}

	return &Decoded{SourceIP: ip.Src, MLD: &msg}, nil
}

func to16(ip net.IP) [16]byte {
	var out [16]byte
	copy(out[:], ip.To16())
	return out
}
