package wire

import (
	"encoding/binary"
	"errors"
	"net"
)

// ICMPv6 type octets relevant to multicast listener discovery and
// multicast router discovery, per spec.md section 4.3.4's capture filter.
const (
	MLDTypeListenerQuery  uint8 = 130
	MLDTypeV1Report       uint8 = 131
	MLDTypeV1Done         uint8 = 132
	MLDTypeV2Report       uint8 = 143
	// MRDTypeSolicitation (152) also appears in this capture filter: an
	// incoming solicitation resets the MRD advertisement cadence, see
	// SPEC_FULL.md section 10. Defined in mrd.go.
)

// MLDKind distinguishes the variants folded into one MLDMessage value.
type MLDKind int

const (
	MLDKindQuery MLDKind = iota
	MLDKindV1Report
	MLDKindV1Done
	MLDKindV2Report
)

var (
	errShortMLD         = errors.New("wire: mld message shorter than minimum length")
	errMLDChecksum      = errors.New("wire: mld checksum does not verify")
	errMLDUnknownType   = errors.New("wire: unrecognized mld message type")
	errMLDShortV2Query  = errors.New("wire: mld v2 query shorter than its declared source count")
	errMLDShortV2Report = errors.New("wire: mld v2 report shorter than its declared record count")
)

const mldCommonLen = 24 // type, code, checksum, max resp delay, reserved, group
const mldV2QueryMinLen = 28

// MLDMessage is the tagged union of every MLD variant this snooper parses
// or emits.
type MLDMessage struct {
	Kind MLDKind

	// MulticastAddress is the queried/reported group; the unspecified
	// address (::) for a general query.
	MulticastAddress net.IP

	// MaxRespDelay is the raw wire value (milliseconds, or an MLDv2
	// floating-point timecode decoded with DecodeTimecode16 when >= 32768).
	MaxRespDelay uint16

	// V2 query fields.
	SFlag   bool
	QRV     uint8
	QQIC    uint8
	Sources []net.IP

	// V2 report field.
	Records []GroupRecord
}

// MarshalBinary encodes the message. The ICMPv6 checksum is computed by
// the caller via ChecksumWithPseudoHeader once the IPv6 source/destination
// are known (MLD checksums cover a pseudo-header, unlike IGMP's).
func (m MLDMessage) MarshalBinary() ([]byte, error) {
	var b []byte
	switch m.Kind {
	case MLDKindQuery:
		if len(m.Sources) == 0 && !m.SFlag && m.QRV == 0 && m.QQIC == 0 {
			b = make([]byte, mldCommonLen)
			b[0] = MLDTypeListenerQuery
			binary.BigEndian.PutUint16(b[4:6], m.MaxRespDelay)
			putGroup16(b[8:24], m.MulticastAddress)
		} else {
			b = make([]byte, mldV2QueryMinLen+16*len(m.Sources))
			b[0] = MLDTypeListenerQuery
			binary.BigEndian.PutUint16(b[4:6], m.MaxRespDelay)
			putGroup16(b[8:24], m.MulticastAddress)
			var rsqrv uint8
			if m.SFlag {
				rsqrv |= 0x08
			}
			rsqrv |= m.QRV & 0x07
			b[24] = rsqrv
			b[25] = m.QQIC
			binary.BigEndian.PutUint16(b[26:28], uint16(len(m.Sources)))
			for i, s := range m.Sources {
				putGroup16(b[mldV2QueryMinLen+16*i:mldV2QueryMinLen+16*i+16], s)
			}
		}
	case MLDKindV1Report:
		b = make([]byte, mldCommonLen)
		b[0] = MLDTypeV1Report
		putGroup16(b[8:24], m.MulticastAddress)
	case MLDKindV1Done:
		b = make([]byte, mldCommonLen)
		b[0] = MLDTypeV1Done
		putGroup16(b[8:24], m.MulticastAddress)
	case MLDKindV2Report:
		total := 8
		for _, r := range m.Records {
			total += 20 + 16*len(r.Sources)
		}
		b = make([]byte, total)
		b[0] = MLDTypeV2Report
		binary.BigEndian.PutUint16(b[6:8], uint16(len(m.Records)))
		off := 8
		for _, r := range m.Records {
			b[off] = r.Type
			b[off+1] = 0
			binary.BigEndian.PutUint16(b[off+2:off+4], uint16(len(r.Sources)))
			putGroup16(b[off+4:off+20], r.MulticastAddress)
			off += 20
			for _, s := range r.Sources {
				putGroup16(b[off:off+16], s)
				off += 16
			}
		}
	default:
		return nil, errMLDUnknownType
	}
	return b, nil
}

// UnmarshalBinary decodes an ICMPv6 payload (b) into the appropriate
// MLDMessage variant. The checksum must already have been verified by the
// caller with ChecksumWithPseudoHeader, since that requires the enclosing
// IPv6 addresses which this function does not have.
func (m *MLDMessage) UnmarshalBinary(b []byte) error {
	if len(b) < mldCommonLen {
		return errShortMLD
	}
	typ := b[0]
	switch typ {
	case MLDTypeListenerQuery:
		m.Kind = MLDKindQuery
		m.MaxRespDelay = binary.BigEndian.Uint16(b[4:6])
		m.MulticastAddress = getGroup16(b[8:24])
		if len(b) == mldCommonLen {
			m.SFlag, m.QRV, m.QQIC, m.Sources = false, 0, 0, nil
			return nil
		}
		if len(b) < mldV2QueryMinLen {
			return errShortMLD
		}
		m.SFlag = b[24]&0x08 != 0
		m.QRV = b[24] & 0x07
		m.QQIC = b[25]
		numSrc := int(binary.BigEndian.Uint16(b[26:28]))
		if len(b) < mldV2QueryMinLen+16*numSrc {
			return errMLDShortV2Query
		}
		m.Sources = make([]net.IP, numSrc)
		for i := 0; i < numSrc; i++ {
			m.Sources[i] = getGroup16(b[mldV2QueryMinLen+16*i : mldV2QueryMinLen+16*i+16])
		}
		return nil
	case MLDTypeV1Report:
		m.Kind = MLDKindV1Report
		m.MulticastAddress = getGroup16(b[8:24])
		return nil
	case MLDTypeV1Done:
		m.Kind = MLDKindV1Done
		m.MulticastAddress = getGroup16(b[8:24])
		return nil
	case MLDTypeV2Report:
		m.Kind = MLDKindV2Report
		numRecords := int(binary.BigEndian.Uint16(b[6:8]))
		off := 8
		records := make([]GroupRecord, 0, numRecords)
		for i := 0; i < numRecords; i++ {
			if off+20 > len(b) {
				return errMLDShortV2Report
			}
			recType := b[off]
			numSrc := int(binary.BigEndian.Uint16(b[off+2 : off+4]))
			group := getGroup16(b[off+4 : off+20])
			off += 20
			if off+16*numSrc > len(b) {
				return errMLDShortV2Report
			}
			sources := make([]net.IP, numSrc)
			for j := 0; j < numSrc; j++ {
				sources[j] = getGroup16(b[off : off+16])
				off += 16
			}
			records = append(records, GroupRecord{Type: recType, MulticastAddress: group, Sources: sources})
		}
		m.Records = records
		return nil
	default:
		return errMLDUnknownType
	}
}

func putGroup16(b []byte, ip net.IP) {
	if ip == nil {
		return
	}
	copy(b, ip.To16())
}

func getGroup16(b []byte) net.IP {
	ip := make(net.IP, 16)
	copy(ip, b)
	return ip
}
