package snoop

import (
	"net"

	"github.com/mcastsnoop/mcastbridged/internal/model"
	"github.com/mcastsnoop/mcastbridged/internal/wire"
)

// Templates builds the on-demand messages of spec.md section 4.3.3: general
// query, group-specific query and MRD advertisement. Each call returns the
// IGMP/MLD/MRD payload only, built afresh on every emission; Transmitter
// adds the Ethernet and IP headers, the destination address and, for MLD
// and IPv6 MRD, the ICMPv6 checksum.
type Templates struct {
	Family model.Family

	OwnMAC        net.HardwareAddr
	OwnAddr       net.IP
	LinkLocalAddr net.IP
}

// BuildGeneralQuery constructs a general query message (IGMP or MLD
// depending on t.Family) with an unspecified group, with QRV/QQIC/
// maxRespCode set from the interface's current parameters.
func (t *Templates) BuildGeneralQuery(qrv uint8, qqic uint8, maxRespCode uint8) ([]byte, error) {
	if t.Family == model.FamilyV4 {
		msg := wire.IGMPMessage{
			Kind:        wire.IGMPKindQuery,
			Group:       net.IPv4zero,
			MaxRespCode: maxRespCode,
			QRV:         qrv,
			QQIC:        qqic,
		}
		return msg.MarshalBinary()
	}
	msg := wire.MLDMessage{
		Kind:             wire.MLDKindQuery,
		MulticastAddress: net.IPv6unspecified,
		MaxRespDelay:     uint16(maxRespCode) * 100,
		QRV:              qrv,
		QQIC:             qqic,
	}
	return msg.MarshalBinary()
}

// BuildGroupSpecificQuery constructs a group-specific query naming addr.
// sflag is the Suppress Router-Side Processing flag: false on the first
// query of a leave-processing burst, true on its retransmissions, per
// spec.md section 8 scenario 6.
func (t *Templates) BuildGroupSpecificQuery(addr net.IP, qrv uint8, qqic uint8, maxRespCode uint8, sflag bool) ([]byte, error) {
	if t.Family == model.FamilyV4 {
		msg := wire.IGMPMessage{
			Kind:        wire.IGMPKindQuery,
			Group:       addr,
			MaxRespCode: maxRespCode,
			QRV:         qrv,
			QQIC:        qqic,
			SFlag:       sflag,
		}
		return msg.MarshalBinary()
	}
	msg := wire.MLDMessage{
		Kind:             wire.MLDKindQuery,
		MulticastAddress: addr,
		MaxRespDelay:     uint16(maxRespCode) * 100,
		QRV:              qrv,
		QQIC:             qqic,
		SFlag:            sflag,
	}
	return msg.MarshalBinary()
}

// BuildMRDAdvertisement constructs an MRD advertisement message, per RFC
// 4286, carrying the interface's current query interval and robustness.
// For IPv4 it is an IGMP message (type 0x30) with its checksum in place.
func (t *Templates) BuildMRDAdvertisement(queryInterval uint16, robustness uint8) ([]byte, error) {
	adv := wire.MRDAdvertisement{QueryInterval: queryInterval, RobustnessVariable: uint16(robustness)}
	b, err := adv.MarshalBinary()
	if err != nil || t.Family != model.FamilyV4 {
		return b, err
	}
	b[0] = 0x30 // IGMP type of the RFC 4286 advertisement
	sum := wire.Checksum(b)
	b[2], b[3] = byte(sum>>8), byte(sum)
	return b, nil
}
