//go:build linux

package snoop

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/mcastsnoop/mcastbridged/internal/applog"
	"github.com/mcastsnoop/mcastbridged/internal/model"
	"github.com/mcastsnoop/mcastbridged/internal/wire"
)

// Transmitter wraps a raw AF_PACKET capture socket with the framing needed
// to emit the on-demand queries and MRD advertisements Templates builds:
// an Ethernet header addressed to the group's multicast MAC, wrapping an
// IPv4/IPv6 header with the Router Alert option Templates.Family implies.
// Errors are logged and swallowed, matching spec.md section 4.3.4's rule
// that transmit failures never bring down the snooper.
type Transmitter struct {
	FD        int
	Ifindex   int
	Templates *Templates

	// Params returns the querier state's current QRV/QQIC/max-response-code
	// triple, read fresh on every send since the querier's own parameters
	// can change between emissions (e.g. on querier handoff).
	Params func() (qrv uint8, qqic uint8, maxRespCode uint8)
}

func (tx *Transmitter) sendFrame(dst net.IP, payload []byte) {
	frame, err := tx.buildFrame(dst, payload)
	if err != nil {
		applog.Warnf("snoop: build frame to %s: %v", dst, err)
		return
	}

	dstMAC := wire.IPv4MulticastMAC(dst)
	if tx.Templates.Family == model.FamilyV6 {
		dstMAC = wire.IPv6MulticastMAC(dst)
	}
	addr := &unix.SockaddrLinklayer{Ifindex: tx.Ifindex, Halen: 6}
	copy(addr.Addr[:6], dstMAC)

	if err := unix.Sendto(tx.FD, frame, 0, addr); err != nil {
		applog.WithFields(applog.Fields{"dst": dst.String(), "error": err}).Warn("snoop: sendto failed")
	}
}

func (tx *Transmitter) buildFrame(dst net.IP, payload []byte) ([]byte, error) {
	t := tx.Templates
	if t.Family == model.FamilyV6 {
		eth, err := wire.EthernetHeader{Dst: wire.IPv6MulticastMAC(dst), Src: t.OwnMAC, EtherType: wire.EtherTypeIPv6}.MarshalBinary()
		if err != nil {
			return nil, err
		}
		ip, err := wire.IPv6Header{
			HopLimit:   1,
			PayloadLen: uint16(8 + len(payload)),
			Src:        t.LinkLocalAddr,
			Dst:        dst,
		}.MarshalBinary()
		if err != nil {
			return nil, err
		}
		sum := wire.ChecksumWithPseudoHeader(to16(t.LinkLocalAddr), to16(dst), uint32(len(payload)), wire.ICMPv6, payload)
		payload[2], payload[3] = byte(sum>>8), byte(sum)
		return append(append(eth, ip...), payload...), nil
	}

	eth, err := wire.EthernetHeader{Dst: wire.IPv4MulticastMAC(dst), Src: t.OwnMAC, EtherType: wire.EtherTypeIPv4}.MarshalBinary()
	if err != nil {
		return nil, err
	}
	ip, err := wire.IPv4Header{
		TOS:         wire.TOSInternetworkControl,
		TotalLength: uint16(wire.IPv4HeaderLen + len(payload)),
		TTL:         1,
		DF:          true,
		Protocol:    wire.IPProtoIGMP,
		Src:         t.OwnAddr,
		Dst:         dst,
	}.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(append(eth, ip...), payload...), nil
}

// allSystemsGroup is the general-query destination: 224.0.0.1 for IGMP,
// ff02::1 for MLD.
func (tx *Transmitter) allSystemsGroup() net.IP {
	if tx.Templates.Family == model.FamilyV6 {
		return net.ParseIP("ff02::1")
	}
	return net.ParseIP("224.0.0.1")
}

// allSnoopersGroup is the MRD advertisement destination (RFC 4286):
// 224.0.0.106 for IGMP, ff02::6a for MLD.
func (tx *Transmitter) allSnoopersGroup() net.IP {
	if tx.Templates.Family == model.FamilyV6 {
		return net.ParseIP("ff02::6a")
	}
	return net.ParseIP("224.0.0.106")
}

// SendGeneralQuery builds and emits a general query to the all-systems
// group, matching the func() signature Interface.Start requires.
func (tx *Transmitter) SendGeneralQuery() {
	qrv, qqic, maxRespCode := tx.Params()
	payload, err := tx.Templates.BuildGeneralQuery(qrv, qqic, maxRespCode)
	if err != nil {
		applog.Warnf("snoop: build general query: %v", err)
		return
	}
	tx.sendFrame(tx.allSystemsGroup(), payload)
}

// SendGroupSpecificQuery builds and emits a group-specific query addressed
// to the group itself, matching the func(net.IP, bool) signature
// Interface.Start requires. sflag is false on the first query of a
// leave-processing burst and true on its retransmissions.
func (tx *Transmitter) SendGroupSpecificQuery(group net.IP, sflag bool) {
	qrv, qqic, maxRespCode := tx.Params()
	payload, err := tx.Templates.BuildGroupSpecificQuery(group, qrv, qqic, maxRespCode, sflag)
	if err != nil {
		applog.Warnf("snoop: build group-specific query for %s: %v", group, err)
		return
	}
	tx.sendFrame(group, payload)
}

// SendMRDAdvertisement builds and emits one MRD advertisement to the
// all-snoopers group, using queryInterval/robustness captured from the
// querier's current parameters at construction time.
func (tx *Transmitter) SendMRDAdvertisement(queryInterval uint16, robustness uint8) func() {
	return func() {
		payload, err := tx.Templates.BuildMRDAdvertisement(queryInterval, robustness)
		if err != nil {
			applog.Warnf("snoop: build MRD advertisement: %v", err)
			return
		}
		tx.sendFrame(tx.allSnoopersGroup(), payload)
	}
}
