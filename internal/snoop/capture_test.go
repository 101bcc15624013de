package snoop

import (
	"net"
	"testing"

	"github.com/mcastsnoop/mcastbridged/internal/model"
	"github.com/mcastsnoop/mcastbridged/internal/wire"
)

func buildIGMPFrame(t *testing.T, src, dst net.HardwareAddr, srcIP, dstIP net.IP, igmp []byte) []byte {
	t.Helper()
	eth, err := wire.EthernetHeader{Dst: dst, Src: src, EtherType: wire.EtherTypeIPv4}.MarshalBinary()
	if err != nil {
		t.Fatalf("ethernet marshal: %v", err)
	}
	ip, err := wire.IPv4Header{
		TOS:         wire.TOSInternetworkControl,
		TotalLength: uint16(wire.IPv4HeaderLen + len(igmp)),
		TTL:         1,
		DF:          true,
		Protocol:    wire.IPProtoIGMP,
		Src:         srcIP,
		Dst:         dstIP,
	}.MarshalBinary()
	if err != nil {
		t.Fatalf("ipv4 marshal: %v", err)
	}
	return append(append(eth, ip...), igmp...)
}

func buildMLDFrame(t *testing.T, src, dst net.HardwareAddr, srcIP, dstIP net.IP, mld []byte) []byte {
	t.Helper()
	eth, err := wire.EthernetHeader{Dst: dst, Src: src, EtherType: wire.EtherTypeIPv6}.MarshalBinary()
	if err != nil {
		t.Fatalf("ethernet marshal: %v", err)
	}
	ip, err := wire.IPv6Header{
		HopLimit:   1,
		PayloadLen: uint16(8 + len(mld)),
		Src:        srcIP,
		Dst:        dstIP,
	}.MarshalBinary()
	if err != nil {
		t.Fatalf("ipv6 marshal: %v", err)
	}
	sum := wire.ChecksumWithPseudoHeader(to16(srcIP), to16(dstIP), uint32(len(mld)), wire.ICMPv6, mld)
	mld[2], mld[3] = byte(sum>>8), byte(sum)
	return append(append(eth, ip...), mld...)
}

func TestParseFrameTooShort(t *testing.T) {
	_, err := ParseFrame(make([]byte, 4), model.FamilyV4, net.ParseIP("10.0.0.1"))
	if err != ErrFrameTooShort {
		t.Fatalf("err = %v, want ErrFrameTooShort", err)
	}
}

func TestParseFrameEthertypeMismatch(t *testing.T) {
	igmp, _ := wire.IGMPMessage{Kind: wire.IGMPKindV2Report, Group: net.ParseIP("239.1.1.1")}.MarshalBinary()
	frame := buildIGMPFrame(t, macAddr("02:00:00:00:00:01"), macAddr("01:00:5e:01:01:01"), net.ParseIP("10.0.0.2"), net.ParseIP("239.1.1.1"), igmp)

	_, err := ParseFrame(frame, model.FamilyV6, net.ParseIP("10.0.0.1"))
	if err != ErrEthertypeMismatch {
		t.Fatalf("err = %v, want ErrEthertypeMismatch", err)
	}
}

func TestParseFrameOwnEchoDropped(t *testing.T) {
	igmp, _ := wire.IGMPMessage{Kind: wire.IGMPKindV2Report, Group: net.ParseIP("239.1.1.1")}.MarshalBinary()
	own := net.ParseIP("10.0.0.1")
	frame := buildIGMPFrame(t, macAddr("02:00:00:00:00:01"), macAddr("01:00:5e:01:01:01"), own, net.ParseIP("239.1.1.1"), igmp)

	_, err := ParseFrame(frame, model.FamilyV4, own)
	if err != ErrOwnEcho {
		t.Fatalf("err = %v, want ErrOwnEcho", err)
	}
}

func TestParseFrameIPv4BadChecksumRejected(t *testing.T) {
	igmp, _ := wire.IGMPMessage{Kind: wire.IGMPKindV2Report, Group: net.ParseIP("239.1.1.1")}.MarshalBinary()
	frame := buildIGMPFrame(t, macAddr("02:00:00:00:00:01"), macAddr("01:00:5e:01:01:01"), net.ParseIP("10.0.0.2"), net.ParseIP("239.1.1.1"), igmp)
	frame[wire.EthernetHeaderLen+1] ^= 0xff // corrupt TOS byte, invalidating the ipv4 header checksum

	_, err := ParseFrame(frame, model.FamilyV4, net.ParseIP("10.0.0.1"))
	if err != ErrIPHeaderInvalid {
		t.Fatalf("err = %v, want ErrIPHeaderInvalid", err)
	}
}

func TestParseFrameIPv4MissingRouterAlertRejected(t *testing.T) {
	igmp, _ := wire.IGMPMessage{Kind: wire.IGMPKindV2Report, Group: net.ParseIP("239.1.1.1")}.MarshalBinary()
	frame := buildIGMPFrame(t, macAddr("02:00:00:00:00:01"), macAddr("01:00:5e:01:01:01"), net.ParseIP("10.0.0.2"), net.ParseIP("239.1.1.1"), igmp)

	// Replace the router alert option with NOPs, then recompute the header
	// checksum so the only remaining defect is the missing option.
	optOff := wire.EthernetHeaderLen + 20
	frame[optOff], frame[optOff+1], frame[optOff+2], frame[optOff+3] = 0x01, 0x01, 0x01, 0x01
	ihOff := wire.EthernetHeaderLen
	frame[ihOff+10], frame[ihOff+11] = 0, 0
	sum := wire.Checksum(frame[ihOff : ihOff+wire.IPv4HeaderLen])
	frame[ihOff+10], frame[ihOff+11] = byte(sum>>8), byte(sum)

	_, err := ParseFrame(frame, model.FamilyV4, net.ParseIP("10.0.0.1"))
	if err != ErrIPHeaderInvalid {
		t.Fatalf("err = %v, want ErrIPHeaderInvalid", err)
	}
}

func TestParseFrameIGMPBadChecksumRejected(t *testing.T) {
	igmp, _ := wire.IGMPMessage{Kind: wire.IGMPKindV2Report, Group: net.ParseIP("239.1.1.1")}.MarshalBinary()
	igmp[2] ^= 0xff
	frame := buildIGMPFrame(t, macAddr("02:00:00:00:00:01"), macAddr("01:00:5e:01:01:01"), net.ParseIP("10.0.0.2"), net.ParseIP("239.1.1.1"), igmp)

	_, err := ParseFrame(frame, model.FamilyV4, net.ParseIP("10.0.0.1"))
	if err != ErrPayloadChecksum {
		t.Fatalf("err = %v, want ErrPayloadChecksum", err)
	}
}

func TestParseFrameIGMPSuccess(t *testing.T) {
	igmp, _ := wire.IGMPMessage{Kind: wire.IGMPKindV2Report, Group: net.ParseIP("239.1.1.1")}.MarshalBinary()
	frame := buildIGMPFrame(t, macAddr("02:00:00:00:00:01"), macAddr("01:00:5e:01:01:01"), net.ParseIP("10.0.0.2"), net.ParseIP("239.1.1.1"), igmp)

	d, err := ParseFrame(frame, model.FamilyV4, net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if d.IGMP == nil || d.IGMP.Kind != wire.IGMPKindV2Report {
		t.Fatalf("decoded = %+v, want IGMPKindV2Report", d)
	}
	if !d.SourceIP.Equal(net.ParseIP("10.0.0.2")) {
		t.Fatalf("SourceIP = %v, want 10.0.0.2", d.SourceIP)
	}
}

func TestParseFrameMLDSuccess(t *testing.T) {
	mld, _ := wire.MLDMessage{Kind: wire.MLDKindV1Report, MulticastAddress: net.ParseIP("ff15::1")}.MarshalBinary()
	frame := buildMLDFrame(t, macAddr("02:00:00:00:00:01"), macAddr("33:33:00:00:00:01"), net.ParseIP("fe80::2"), net.ParseIP("ff15::1"), mld)

	d, err := ParseFrame(frame, model.FamilyV6, net.ParseIP("fe80::1"))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if d.MLD == nil || d.MLD.Kind != wire.MLDKindV1Report {
		t.Fatalf("decoded = %+v, want MLDKindV1Report", d)
	}
}

func TestParseFrameMLDBadChecksumRejected(t *testing.T) {
	mld, _ := wire.MLDMessage{Kind: wire.MLDKindV1Report, MulticastAddress: net.ParseIP("ff15::1")}.MarshalBinary()
	frame := buildMLDFrame(t, macAddr("02:00:00:00:00:01"), macAddr("33:33:00:00:00:01"), net.ParseIP("fe80::2"), net.ParseIP("ff15::1"), mld)
	frame[len(frame)-1] ^= 0xff // corrupt a payload byte covered by the pseudo-header checksum

	_, err := ParseFrame(frame, model.FamilyV6, net.ParseIP("fe80::1"))
	if err != ErrPayloadChecksum {
		t.Fatalf("err = %v, want ErrPayloadChecksum", err)
	}
}

func TestParseFrameMLDSolicitation(t *testing.T) {
	sol := wire.MarshalMRDSolicitation()
	frame := buildMLDFrame(t, macAddr("02:00:00:00:00:01"), macAddr("33:33:00:00:00:02"), net.ParseIP("fe80::2"), net.ParseIP("ff02::2"), sol)

	d, err := ParseFrame(frame, model.FamilyV6, net.ParseIP("fe80::1"))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if !d.Solicitation || d.MLD != nil {
		t.Fatalf("decoded = %+v, want Solicitation=true, MLD=nil", d)
	}
}

func macAddr(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}
