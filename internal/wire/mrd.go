package wire

import (
	"encoding/binary"
	"errors"
)

// Multicast Router Discovery ICMPv6 type octets, RFC 4286.
const (
	MRDTypeAdvertisement uint8 = 151
	MRDTypeSolicitation  uint8 = 152
	MRDTypeTermination   uint8 = 153
)

var errShortMRD = errors.New("wire: mrd message shorter than minimum length")

// MRDAdvertisement is the RFC 4286 Multicast Router Advertisement: a
// 2-byte Query Interval (seconds) and a 2-byte Robustness Variable,
// following the common Type/Code/Checksum fields.
type MRDAdvertisement struct {
	QueryInterval      uint16
	RobustnessVariable uint16
}

const mrdAdvertisementLen = 8

// MarshalBinary encodes the advertisement with the ICMPv6 type and a zero
// checksum, which the caller places (via ChecksumWithPseudoHeader for
// ICMPv6, same as MLD).
func (a MRDAdvertisement) MarshalBinary() ([]byte, error) {
	b := make([]byte, mrdAdvertisementLen)
	b[0] = MRDTypeAdvertisement
	binary.BigEndian.PutUint16(b[4:6], a.QueryInterval)
	binary.BigEndian.PutUint16(b[6:8], a.RobustnessVariable)
	return b, nil
}

// UnmarshalBinary decodes an advertisement from b.
func (a *MRDAdvertisement) UnmarshalBinary(b []byte) error {
	if len(b) < mrdAdvertisementLen {
		return errShortMRD
	}
	a.QueryInterval = binary.BigEndian.Uint16(b[4:6])
	a.RobustnessVariable = binary.BigEndian.Uint16(b[6:8])
	return nil
}

const mrdSignalLen = 4

// MarshalMRDSolicitation encodes a bare MRD Solicitation (Type/Code/
// Checksum only).
func MarshalMRDSolicitation() []byte {
	b := make([]byte, mrdSignalLen)
	b[0] = MRDTypeSolicitation
	return b
}

// MarshalMRDTermination encodes a bare MRD Termination (Type/Code/
// Checksum only).
func MarshalMRDTermination() []byte {
	b := make([]byte, mrdSignalLen)
	b[0] = MRDTypeTermination
	return b
}
