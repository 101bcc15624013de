//go:build linux

package snoop

import (
	"fmt"
	"net"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/mcastsnoop/mcastbridged/internal/model"
)

// htons converts a host-order uint16 to the network byte order the kernel
// expects in AF_PACKET's protocol argument and in sockaddr_ll.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// ethIPProtoOffset/ethIPv6NextHdrOffset locate the IP protocol / IPv6
// next-header octet within a captured Ethernet frame: 14-byte Ethernet
// header, then the fixed field position within the base IP header.
const (
	ethIPProtoOffset     = 14 + 9
	ethIPv6NextHdrOffset = 14 + 6
	igmpProtocolNumber   = 2 // IPPROTO_IGMP
	ipv6HopByHopProtoNum = 0 // IPPROTO_HOPOPTS, carrying the Router Alert option ahead of MLD
)

// OpenCaptureSocket opens a non-blocking AF_PACKET raw socket bound to
// ifaceName, narrowed with a classic BPF filter to the frames this
// snooper cares about (IGMP for IPv4, IPv6 Hop-by-Hop-carried traffic for
// MLD/MRD) per spec.md section 4.3.4's "capture narrowed at the kernel"
// design note. Full protocol-level validation still happens in
// userspace via ParseFrame; the kernel filter only avoids copying
// obviously irrelevant traffic across the syscall boundary.
func OpenCaptureSocket(ifaceName string, family model.Family) (int, error) {
	ethertype := uint16(unix.ETH_P_IP)
	if family == model.FamilyV6 {
		ethertype = unix.ETH_P_IPV6
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK, int(htons(ethertype)))
	if err != nil {
		return -1, fmt.Errorf("snoop: socket(AF_PACKET): %w", err)
	}

	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("snoop: interface %q: %w", ifaceName, err)
	}

	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(ethertype),
		Ifindex:  ifi.Index,
	}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("snoop: bind to %q: %w", ifaceName, err)
	}

	mreq := unix.PacketMreq{
		Ifindex: int32(ifi.Index),
		Type:    unix.PACKET_MR_PROMISC,
	}
	if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("snoop: PACKET_ADD_MEMBERSHIP on %q: %w", ifaceName, err)
	}

	if err := attachFilter(fd, family); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("snoop: attach filter on %q: %w", ifaceName, err)
	}

	return fd, nil
}

func attachFilter(fd int, family model.Family) error {
	var insts []bpf.Instruction
	if family == model.FamilyV4 {
		insts = []bpf.Instruction{
			bpf.LoadAbsolute{Off: ethIPProtoOffset, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: igmpProtocolNumber, SkipFalse: 1},
			bpf.RetConstant{Val: 1 << 16},
			bpf.RetConstant{Val: 0},
		}
	} else {
		insts = []bpf.Instruction{
			bpf.LoadAbsolute{Off: ethIPv6NextHdrOffset, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: ipv6HopByHopProtoNum, SkipFalse: 1},
			bpf.RetConstant{Val: 1 << 16},
			bpf.RetConstant{Val: 0},
		}
	}

	raw, err := bpf.Assemble(insts)
	if err != nil {
		return fmt.Errorf("assemble bpf program: %w", err)
	}

	filter := make([]unix.SockFilter, len(raw))
	for i, r := range raw {
		filter[i] = unix.SockFilter{Code: r.Op, Jt: r.Jt, Jf: r.Jf, K: r.K}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog)
}
