package wire

import "encoding/binary"

// Checksum computes the one's-complement sum of 16-bit big-endian words
// over b, folded and complemented, per spec.md section 4.2. It is used for
// the IPv4 header checksum and the IGMP checksum directly, and for the
// ICMPv6 (MLD) checksum through ChecksumWithPseudoHeader below.
func Checksum(b []byte) uint16 {
	return finish(partial(0, b))
}

// ChecksumWithPseudoHeader computes the IPv6/ICMPv6 checksum: the one's
// complement sum over the 40-byte ICMPv6 pseudo-header (src|dst|upper
// layer length as 32 bits|three zero bytes|next header) concatenated with
// the upper-layer payload, per spec.md section 4.2.
func ChecksumWithPseudoHeader(src, dst [16]byte, upperLayerLength uint32, nextHeader uint8, upperLayer []byte) uint16 {
	var pseudo [40]byte
	copy(pseudo[0:16], src[:])
	copy(pseudo[16:32], dst[:])
	binary.BigEndian.PutUint32(pseudo[32:36], upperLayerLength)
	pseudo[39] = nextHeader

	sum := partial(0, pseudo[:])
	sum = partial(sum, upperLayer)
	return finish(sum)
}

// partial folds b into an accumulating 32-bit one's-complement sum,
// without the final fold-and-complement step, so callers can concatenate
// several byte ranges (e.g. pseudo-header + payload) before finishing.
func partial(sum uint32, b []byte) uint32 {
	n := len(b)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if i < n {
		sum += uint32(b[i]) << 8
	}
	return sum
}

// finish folds a 32-bit accumulator down to 16 bits and complements it.
// Verification succeeds iff finish(partial(0, coveredBytes)) == 0, i.e. the
// checksum field was included (not zeroed) when summing.
func finish(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
