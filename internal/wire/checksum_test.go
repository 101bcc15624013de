package wire

import "testing"

func TestChecksumVerifiesToZero(t *testing.T) {
	b := []byte{0x45, 0x00, 0x00, 0x1c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x02, 0x00, 0x00, 10, 0, 0, 1, 239, 0, 75, 0}
	// Zero the checksum field (bytes 10:12), compute, place, then verify.
	b[10], b[11] = 0, 0
	sum := Checksum(b)
	b[10] = byte(sum >> 8)
	b[11] = byte(sum)

	if got := Checksum(b); got != 0 {
		t.Fatalf("Checksum() after placement = %#x, want 0", got)
	}
}

func TestChecksumOddLength(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03}
	// Known-good: sum(0x0102, 0x0300) = 0x0402, complement = 0xfbfd
	if got, want := Checksum(b), uint16(0xfbfd); got != want {
		t.Fatalf("Checksum() = %#x, want %#x", got, want)
	}
}

func TestChecksumWithPseudoHeaderVerifiesToZero(t *testing.T) {
	var src, dst [16]byte
	src[15] = 1
	dst[0] = 0xff
	dst[1] = 0x02
	dst[15] = 1

	payload := []byte{130, 0, 0, 0, 0, 0, 0, 0}
	sum := ChecksumWithPseudoHeader(src, dst, uint32(len(payload)), 58, payload)
	payload[2] = byte(sum >> 8)
	payload[3] = byte(sum)

	if got := ChecksumWithPseudoHeader(src, dst, uint32(len(payload)), 58, payload); got != 0 {
		t.Fatalf("ChecksumWithPseudoHeader() after placement = %#x, want 0", got)
	}
}
