// Package forwarder implements the UDP datapath of spec.md section 4.5:
// one cooperative worker per bridge instance, reading each interface's
// socket and fanning datagrams out to every other interface whose
// outbound flag is set. It uses golang.org/x/net/ipv4 and
// golang.org/x/net/ipv6 for the per-packet IPv6 scope-id control message,
// the same dependency promotion spec.md section 4.2's capture path makes
// for parsing.
package forwarder

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/mcastsnoop/mcastbridged/internal/applog"
	"github.com/mcastsnoop/mcastbridged/internal/evm"
	"github.com/mcastsnoop/mcastbridged/internal/model"
)

// scratchSize is the per-worker receive buffer, sized for the largest
// legal UDP payload (spec.md section 1: "no jumbograms above 65535
// bytes").
const scratchSize = 65535

// pconn is the per-interface read/write/close surface a Worker drives,
// broken out so tests can substitute a fake instead of a real bound
// socket.
type pconn interface {
	readFrom(b []byte) (int, error)
	writeTo(b []byte, viaIfIndex int) (int, error)
	joinGroup(group net.IP) error
	leaveGroup(group net.IP) error
	close() error
}

// ifaceConn is the one socket a Worker owns per bridge interface: a
// bound, dup'd file plus the golang.org/x/net wrapper used to read and
// write on it.
type ifaceConn struct {
	ifc  *model.BridgeInterface
	file *os.File
	v4   *ipv4.PacketConn
	v6   *ipv6.PacketConn
	dst  *net.UDPAddr
}

func (c *ifaceConn) readFrom(b []byte) (int, error) {
	if c.v4 != nil {
		n, _, _, err := c.v4.ReadFrom(b)
		return n, err
	}
	n, _, _, err := c.v6.ReadFrom(b)
	return n, err
}

func (c *ifaceConn) writeTo(b []byte, viaIfIndex int) (int, error) {
	if c.v4 != nil {
		return c.v4.WriteTo(b, nil, c.dst)
	}
	cm := &ipv6.ControlMessage{IfIndex: viaIfIndex}
	return c.v6.WriteTo(b, cm, c.dst)
}

func (c *ifaceConn) joinGroup(group net.IP) error {
	ifi := &net.Interface{Index: c.ifc.Index, Name: c.ifc.Name}
	if c.v4 != nil {
		return c.v4.JoinGroup(ifi, &net.UDPAddr{IP: group})
	}
	return c.v6.JoinGroup(ifi, &net.UDPAddr{IP: group})
}

func (c *ifaceConn) leaveGroup(group net.IP) error {
	ifi := &net.Interface{Index: c.ifc.Index, Name: c.ifc.Name}
	if c.v4 != nil {
		return c.v4.LeaveGroup(ifi, &net.UDPAddr{IP: group})
	}
	return c.v6.LeaveGroup(ifi, &net.UDPAddr{IP: group})
}

func (c *ifaceConn) close() error {
	if c.v4 != nil {
		c.v4.Close()
	}
	if c.v6 != nil {
		c.v6.Close()
	}
	return c.file.Close()
}

// Worker owns one bridge instance's EVM, one socket per participating
// interface, and the scratch buffer packets are read into.
type Worker struct {
	instance *model.BridgeInstance
	evm      *evm.EVM
	scratch  []byte
	conns    map[*model.BridgeInterface]pconn
}

// NewWorker opens a socket for every interface in instance (inbound,
// outbound, or both), binds it to that interface's address and device,
// and registers it with a fresh EVM for readability.
func NewWorker(instance *model.BridgeInstance, clock evm.Clock, logf func(string, ...interface{})) (*Worker, error) {
	e, err := evm.New(len(instance.Ifaces), 0, clock, logf)
	if err != nil {
		return nil, fmt.Errorf("forwarder: new evm: %w", err)
	}

	w := &Worker{
		instance: instance,
		evm:      e,
		scratch:  make([]byte, scratchSize),
		conns:    make(map[*model.BridgeInterface]pconn),
	}

	for _, ifc := range instance.Ifaces {
		c, err := openSocket(instance, ifc)
		if err != nil {
			return nil, fmt.Errorf("forwarder: open socket on %s: %w", ifc.Name, err)
		}
		ifc.Socket = int(c.file.Fd())
		w.conns[ifc] = c

		ifc := ifc
		if err := e.AddSocket(int(c.file.Fd()), func(int) { w.onReadable(ifc) }); err != nil {
			return nil, fmt.Errorf("forwarder: register socket for %s: %w", ifc.Name, err)
		}
	}

	return w, nil
}

// newWorkerWithConns builds a Worker around caller-supplied conns,
// bypassing real socket creation so tests can drive onReadable directly.
func newWorkerWithConns(instance *model.BridgeInstance, conns map[*model.BridgeInterface]pconn) *Worker {
	return &Worker{
		instance: instance,
		scratch:  make([]byte, scratchSize),
		conns:    conns,
	}
}

// Join implements activation.Membership, joining group on ifc's inbound
// socket. group is always this worker's own instance group; the
// interface{} parameter matches activation.Membership's signature, which
// is family-agnostic by design.
func (w *Worker) Join(ifc *model.BridgeInterface, group interface{}) error {
	c, ok := w.conns[ifc]
	if !ok {
		return fmt.Errorf("forwarder: no socket open for %s", ifc.Name)
	}
	return c.joinGroup(group.(net.IP))
}

// Leave implements activation.Membership, the inverse of Join.
func (w *Worker) Leave(ifc *model.BridgeInterface, group interface{}) error {
	c, ok := w.conns[ifc]
	if !ok {
		return fmt.Errorf("forwarder: no socket open for %s", ifc.Name)
	}
	return c.leaveGroup(group.(net.IP))
}

// Run blocks forever, dispatching the worker's EVM.
func (w *Worker) Run() error {
	return w.evm.Run()
}

// Close releases every socket this worker owns.
func (w *Worker) Close() error {
	var first error
	for _, c := range w.conns {
		if err := c.close(); err != nil && first == nil {
			first = err
		}
	}
	if err := w.evm.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// onReadable implements spec.md section 4.5's fan-out exactly: drop if
// the reading interface's inbound flag is clear, else replicate to every
// other interface in the instance whose outbound flag is set. One peer's
// send failure is logged and does not stop the fan-out to the rest.
func (w *Worker) onReadable(src *model.BridgeInterface) {
	c := w.conns[src]
	n, err := c.readFrom(w.scratch)
	if err != nil {
		applog.WithFields(applog.Fields{"interface": src.Name, "err": err}).Warn("forwarder: read failed")
		return
	}
	if !src.InboundActive.Load() {
		return
	}

	for _, dst := range w.instance.Ifaces {
		if dst == src || !dst.OutboundActive.Load() {
			continue
		}
		dc := w.conns[dst]
		if _, err := dc.writeTo(w.scratch[:n], dst.Index); err != nil {
			applog.WithFields(applog.Fields{"interface": dst.Name, "err": err}).Warn("forwarder: send failed")
		}
	}
}

func openSocket(instance *model.BridgeInstance, ifc *model.BridgeInterface) (*ifaceConn, error) {
	if instance.Family == model.FamilyV4 {
		return openV4Socket(instance, ifc)
	}
	return openV6Socket(instance, ifc)
}

func openV4Socket(instance *model.BridgeInstance, ifc *model.BridgeInterface) (*ifaceConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := setCommonOpts(fd, ifc.Name); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IP_MULTICAST_LOOP: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IP_MULTICAST_TTL: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: int(instance.Port)}
	copy(sa.Addr[:], ifc.Addr.To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}

	file := os.NewFile(uintptr(fd), "mcastbridged-v4-"+ifc.Name)
	pc, err := net.FilePacketConn(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("FilePacketConn: %w", err)
	}

	return &ifaceConn{
		ifc:  ifc,
		file: file,
		v4:   ipv4.NewPacketConn(pc),
		dst:  &net.UDPAddr{IP: instance.Group, Port: int(instance.Port)},
	}, nil
}

func openV6Socket(instance *model.BridgeInstance, ifc *model.BridgeInterface) (*ifaceConn, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := setCommonOpts(fd, ifc.Name); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IPV6_V6ONLY: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IPV6_MULTICAST_LOOP: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IPV6_MULTICAST_HOPS: %w", err)
	}

	sa := &unix.SockaddrInet6{Port: int(instance.Port), ZoneId: uint32(ifc.Index)}
	copy(sa.Addr[:], ifc.Addr.To16())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}

	file := os.NewFile(uintptr(fd), "mcastbridged-v6-"+ifc.Name)
	pc, err := net.FilePacketConn(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("FilePacketConn: %w", err)
	}
	v6 := ipv6.NewPacketConn(pc)
	if err := v6.SetControlMessage(ipv6.FlagInterface, true); err != nil {
		file.Close()
		return nil, fmt.Errorf("SetControlMessage: %w", err)
	}

	return &ifaceConn{
		ifc:  ifc,
		file: file,
		v6:   v6,
		dst:  &net.UDPAddr{IP: instance.Group, Port: int(instance.Port)},
	}, nil
}

// setCommonOpts applies the socket/device options spec.md section 5 lists
// for every bridge interface socket regardless of family.
func setCommonOpts(fd int, device string) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("SO_REUSEPORT: %w", err)
	}
	if err := unix.BindToDevice(fd, device); err != nil {
		return fmt.Errorf("SO_BINDTODEVICE: %w", err)
	}
	return nil
}
