// Package wire implements the fixed on-wire layouts this snooper parses
// and emits: Ethernet, IPv4/IPv6, IGMPv1/v2/v3, MLDv1/v2 and MRD, plus
// their checksums and timecodes, per spec.md section 4.2. Each message is
// a tagged variant rather than a raw type byte dispatched at every call
// site, per spec.md section 9's design notes.
package wire

import (
	"encoding/binary"
	"errors"
	"net"
)

// IGMP message type octets, RFC 2236 / RFC 3376.
const (
	IGMPTypeMembershipQuery   uint8 = 0x11
	IGMPTypeV1Report          uint8 = 0x12
	IGMPTypeDVMRP             uint8 = 0x13
	IGMPTypeV2Report          uint8 = 0x16
	IGMPTypeV2Leave           uint8 = 0x17
	IGMPTypeV3Report          uint8 = 0x22
)

// Group-record types shared by IGMPv3 and MLDv2, per spec.md section
// 4.3.2.
const (
	RecordModeIsInclude    uint8 = 1
	RecordModeIsExclude    uint8 = 2
	RecordChangeToInclude  uint8 = 3
	RecordChangeToExclude  uint8 = 4
	RecordAllowNewSources  uint8 = 5
	RecordBlockOldSources  uint8 = 6
)

// IGMPKind distinguishes the variants folded into one IGMPMessage value.
type IGMPKind int

const (
	IGMPKindQuery IGMPKind = iota
	IGMPKindV1Report
	IGMPKindV2Report
	IGMPKindV2Leave
	IGMPKindV3Report
)

var (
	errShortIGMP          = errors.New("wire: igmp message shorter than minimum length")
	errIGMPChecksum       = errors.New("wire: igmp checksum does not verify")
	errIGMPUnknownType    = errors.New("wire: unrecognized igmp message type")
	errIGMPShortV3Query   = errors.New("wire: igmp v3 query shorter than its declared source count")
	errIGMPShortV3Report  = errors.New("wire: igmp v3 report shorter than its declared record count")
)

const igmpCommonLen = 8    // type, max resp code, checksum, group
const igmpV3QueryMinLen = 12 // common header + resv/s/qrv, qqic, numsrc

// GroupRecord is one entry of an IGMPv3/MLDv2 membership report: a group
// address, the record type, and a source list this snooper ignores for
// everything except whether it is empty (spec.md section 4.3.2).
type GroupRecord struct {
	Type             uint8
	MulticastAddress net.IP
	Sources          []net.IP
}

// IGMPMessage is the tagged union of every IGMP variant this snooper
// parses or emits.
type IGMPMessage struct {
	Kind IGMPKind

	// Group is the queried/reported/left group. Zero-value (nil) for a
	// general query.
	Group net.IP

	// MaxRespCode is the raw wire byte for Query messages; callers decode
	// it with DecodeTimecode8 (V3) or interpret it directly in tenths of a
	// second (V1/V2, where 0 means the V1 default of 100).
	MaxRespCode uint8

	// V3 query fields.
	SFlag   bool
	QRV     uint8
	QQIC    uint8
	Sources []net.IP

	// V3 report field.
	Records []GroupRecord
}

// MarshalBinary encodes the message per its Kind.
func (m IGMPMessage) MarshalBinary() ([]byte, error) {
	var b []byte
	switch m.Kind {
	case IGMPKindQuery:
		if len(m.Sources) == 0 && !m.SFlag && m.QRV == 0 && m.QQIC == 0 {
			// Plain v1/v2-compatible query: 8-byte common header only.
			b = make([]byte, igmpCommonLen)
			b[0] = IGMPTypeMembershipQuery
			b[1] = m.MaxRespCode
			putGroup(b[4:8], m.Group)
		} else {
			b = make([]byte, igmpV3QueryMinLen+4*len(m.Sources))
			b[0] = IGMPTypeMembershipQuery
			b[1] = m.MaxRespCode
			putGroup(b[4:8], m.Group)
			var rsqrv uint8
			if m.SFlag {
				rsqrv |= 0x08
			}
			rsqrv |= m.QRV & 0x07
			b[8] = rsqrv
			b[9] = m.QQIC
			binary.BigEndian.PutUint16(b[10:12], uint16(len(m.Sources)))
			for i, s := range m.Sources {
				putGroup(b[igmpV3QueryMinLen+4*i:igmpV3QueryMinLen+4*i+4], s)
			}
		}
	case IGMPKindV1Report:
		b = make([]byte, igmpCommonLen)
		b[0] = IGMPTypeV1Report
		putGroup(b[4:8], m.Group)
	case IGMPKindV2Report:
		b = make([]byte, igmpCommonLen)
		b[0] = IGMPTypeV2Report
		putGroup(b[4:8], m.Group)
	case IGMPKindV2Leave:
		b = make([]byte, igmpCommonLen)
		b[0] = IGMPTypeV2Leave
		putGroup(b[4:8], m.Group)
	case IGMPKindV3Report:
		total := 8
		for _, r := range m.Records {
			total += 8 + 4*len(r.Sources)
		}
		b = make([]byte, total)
		b[0] = IGMPTypeV3Report
		binary.BigEndian.PutUint16(b[6:8], uint16(len(m.Records)))
		off := 8
		for _, r := range m.Records {
			b[off] = r.Type
			b[off+1] = 0
			binary.BigEndian.PutUint16(b[off+2:off+4], uint16(len(r.Sources)))
			putGroup(b[off+4:off+8], r.MulticastAddress)
			off += 8
			for _, s := range r.Sources {
				putGroup(b[off:off+4], s)
				off += 4
			}
		}
	default:
		return nil, errIGMPUnknownType
	}

	sum := Checksum(b)
	b[2] = byte(sum >> 8)
	b[3] = byte(sum)
	return b, nil
}

// UnmarshalBinary decodes b into the appropriate IGMPMessage variant,
// verifying the checksum first (spec.md section 4.3.4 step 5).
func (m *IGMPMessage) UnmarshalBinary(b []byte) error {
	if len(b) < igmpCommonLen {
		return errShortIGMP
	}
	if Checksum(b) != 0 {
		return errIGMPChecksum
	}

	typ := b[0]
	switch typ {
	case IGMPTypeMembershipQuery:
		m.Kind = IGMPKindQuery
		m.MaxRespCode = b[1]
		m.Group = getGroup(b[4:8])
		if len(b) == igmpCommonLen {
			m.SFlag, m.QRV, m.QQIC, m.Sources = false, 0, 0, nil
			return nil
		}
		if len(b) < igmpV3QueryMinLen {
			return errShortIGMP
		}
		m.SFlag = b[8]&0x08 != 0
		m.QRV = b[8] & 0x07
		m.QQIC = b[9]
		numSrc := int(binary.BigEndian.Uint16(b[10:12]))
		if len(b) < igmpV3QueryMinLen+4*numSrc {
			return errIGMPShortV3Query
		}
		m.Sources = make([]net.IP, numSrc)
		for i := 0; i < numSrc; i++ {
			m.Sources[i] = getGroup(b[igmpV3QueryMinLen+4*i : igmpV3QueryMinLen+4*i+4])
		}
		return nil
	case IGMPTypeV1Report:
		m.Kind = IGMPKindV1Report
		m.Group = getGroup(b[4:8])
		return nil
	case IGMPTypeV2Report:
		m.Kind = IGMPKindV2Report
		m.Group = getGroup(b[4:8])
		return nil
	case IGMPTypeV2Leave:
		m.Kind = IGMPKindV2Leave
		m.Group = getGroup(b[4:8])
		return nil
	case IGMPTypeV3Report:
		m.Kind = IGMPKindV3Report
		numRecords := int(binary.BigEndian.Uint16(b[6:8]))
		off := 8
		records := make([]GroupRecord, 0, numRecords)
		for i := 0; i < numRecords; i++ {
			if off+8 > len(b) {
				return errIGMPShortV3Report
			}
			recType := b[off]
			numSrc := int(binary.BigEndian.Uint16(b[off+2 : off+4]))
			group := getGroup(b[off+4 : off+8])
			off += 8
			if off+4*numSrc > len(b) {
				return errIGMPShortV3Report
			}
			sources := make([]net.IP, numSrc)
			for j := 0; j < numSrc; j++ {
				sources[j] = getGroup(b[off : off+4])
				off += 4
			}
			records = append(records, GroupRecord{Type: recType, MulticastAddress: group, Sources: sources})
		}
		m.Records = records
		return nil
	default:
		return errIGMPUnknownType
	}
}

func putGroup(b []byte, ip net.IP) {
	if ip == nil {
		return
	}
	copy(b, ip.To4())
}

func getGroup(b []byte) net.IP {
	ip := make(net.IP, 4)
	copy(ip, b)
	return ip
}
