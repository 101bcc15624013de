// Command mcastbridged snoops IGMP/MLD membership traffic across a set of
// bridge interfaces and forwards UDP-encapsulated multicast traffic only
// to the interfaces that currently have listeners, per spec.md.
package main

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/jessevdk/go-flags"
	"golang.org/x/sys/unix"

	"github.com/mcastsnoop/mcastbridged/internal/activation"
	"github.com/mcastsnoop/mcastbridged/internal/applog"
	"github.com/mcastsnoop/mcastbridged/internal/config"
	"github.com/mcastsnoop/mcastbridged/internal/daemonize"
	"github.com/mcastsnoop/mcastbridged/internal/evm"
	"github.com/mcastsnoop/mcastbridged/internal/forwarder"
	"github.com/mcastsnoop/mcastbridged/internal/model"
	"github.com/mcastsnoop/mcastbridged/internal/netif"
	"github.com/mcastsnoop/mcastbridged/internal/pidfile"
	"github.com/mcastsnoop/mcastbridged/internal/snoop"
	"github.com/mcastsnoop/mcastbridged/internal/wire"
)

// options is the CLI surface of spec.md section 6, parsed with
// github.com/jessevdk/go-flags (named in etrirepo-25G-Simulator's go.mod;
// no pack repo exercises this library directly, so its own struct-tag
// convention is followed as-is, per DESIGN.md).
type options struct {
	Foreground bool   `short:"f" long:"foreground" description:"run in the foreground instead of daemonizing"`
	Syslog     bool   `short:"s" long:"syslog" description:"send log output to syslog instead of stderr"`
	ConfigPath string `short:"c" long:"config" description:"path to the configuration file" default:"/etc/mcastbridged.conf" value-name:"PATH"`
	PIDPath    string `short:"p" long:"pidfile" description:"path to the pidfile" default:"/var/run/mcastbridged.pid" value-name:"PATH"`
	IGMPMode   string `short:"I" long:"igmp-querier" description:"IGMP querier mode" default:"quick" choice:"never" choice:"quick" choice:"delay" choice:"defer"`
	MLDMode    string `short:"M" long:"mld-querier" description:"MLD querier mode" default:"quick" choice:"never" choice:"quick" choice:"delay" choice:"defer"`
	Debug      int    `short:"D" long:"debug" description:"debug verbosity, 0..4" default:"0"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1) // go-flags already printed the usage/error text.
	}

	if err := applog.Setup(applog.ParseLevel(opts.Debug), opts.Syslog); err != nil {
		fmt.Fprintf(os.Stderr, "mcastbridged: %v\n", err)
		os.Exit(1)
	}

	igmpMode, err := model.ParseQuerierMode(opts.IGMPMode)
	if err != nil {
		applog.Fatalf("mcastbridged: -I: %v", err)
	}
	mldMode, err := model.ParseQuerierMode(opts.MLDMode)
	if err != nil {
		applog.Fatalf("mcastbridged: -M: %v", err)
	}

	isParent, err := daemonize.Daemonize(opts.Foreground)
	if err != nil {
		applog.Fatalf("mcastbridged: daemonize: %v", err)
	}
	if isParent {
		return
	}

	pf, err := pidfile.Acquire(opts.PIDPath)
	if err != nil {
		applog.Fatalf("mcastbridged: pidfile: %v", err)
	}
	defer pf.Release()

	resolver, err := netif.NewResolver()
	if err != nil {
		applog.Fatalf("mcastbridged: netlink: %v", err)
	}
	defer resolver.Close()

	instances, err := config.Load(opts.ConfigPath, resolver)
	if err != nil {
		applog.Fatalf("mcastbridged: %v", err)
	}

	run(instances, igmpMode, mldMode)
}

// run wires every loaded bridge instance into its forwarder worker and
// snooper interfaces and blocks until a termination signal arrives, per
// spec.md section 5's "one thread per role" concurrency model: one IGMP
// snooper, one MLD snooper, one forwarder per bridge instance.
func run(instances []*model.BridgeInstance, igmpMode, mldMode model.QuerierMode) {
	membership := newSharedMembership()

	var workers []*forwarder.Worker
	for _, inst := range instances {
		w, err := forwarder.NewWorker(inst, evm.SystemClock, applog.Debugf)
		if err != nil {
			applog.Fatalf("mcastbridged: forwarder for port %d: %v", inst.Port, err)
		}
		membership.registerInstance(inst, w)
		workers = append(workers, w)
		activateStaticAndForced(inst, membership)
		go runForwarder(w)
	}

	igmpIfaces := groupByPhysicalInterface(instances, model.FamilyV4)
	mldIfaces := groupByPhysicalInterface(instances, model.FamilyV6)

	if len(igmpIfaces) > 0 {
		go runSnooperFamily(model.FamilyV4, igmpMode, igmpIfaces, membership)
	}
	if len(mldIfaces) > 0 {
		go runSnooperFamily(model.FamilyV6, mldMode, mldIfaces, membership)
	}

	if daemonize.WaitForSignal() == daemonize.ShutdownRequested {
		applog.WithFields(applog.Fields{}).Warn("mcastbridged: shutting down")
		for _, w := range workers {
			w.Close()
		}
	}
}

// activateStaticAndForced joins group membership and marks the outbound
// flag for every interface configured static or forced, once at startup:
// these directions never wait for a dynamic report, per spec.md section
// 3's static/forced configuration semantics.
func activateStaticAndForced(inst *model.BridgeInstance, membership activation.Membership) {
	for _, ifc := range inst.Ifaces {
		if ifc.Inbound == model.ConfigStatic || ifc.Inbound == model.ConfigForced {
			if err := membership.Join(ifc, inst.Group); err != nil {
				applog.Fatalf("mcastbridged: join group on %s: %v", ifc.Name, err)
			}
			ifc.InboundActive.Store(true)
		}
		if ifc.Outbound == model.ConfigStatic || ifc.Outbound == model.ConfigForced {
			ifc.OutboundActive.Store(true)
		}
	}
}

func runForwarder(w *forwarder.Worker) {
	runtime.LockOSThread()
	if err := w.Run(); err != nil {
		applog.Fatalf("mcastbridged: forwarder exited: %v", err)
	}
}

// physicalInterface collects everything one OS interface needs from every
// bridge instance of one family that names it: the group(s) to register as
// fixed, and this interface's own per-instance *model.BridgeInterface (the
// object ActivateOutbound is called on when a report arrives here, per
// spec.md section 4.4's "the interface that observed the join activates
// its own outbound path" contract).
type physicalInterface struct {
	name        string
	index       int
	mac         net.HardwareAddr
	addr        net.IP
	linkLocal   net.IP
	fixedGroups []net.IP
	fixedIfaces [][]*model.BridgeInterface
}

// groupByPhysicalInterface collects, for one address family, every OS
// interface appearing in any of instances and the fixed groups/activation
// targets each one needs, keyed by interface name since the same physical
// NIC may serve more than one bridge instance of the same family.
func groupByPhysicalInterface(instances []*model.BridgeInstance, family model.Family) map[string]*physicalInterface {
	out := make(map[string]*physicalInterface)
	for _, inst := range instances {
		if inst.Family != family {
			continue
		}
		for _, ifc := range inst.Ifaces {
			p, ok := out[ifc.Name]
			if !ok {
				p = &physicalInterface{
					name:      ifc.Name,
					index:     ifc.Index,
					mac:       ifc.MAC,
					addr:      ifc.Addr,
					linkLocal: ifc.LinkLocal,
				}
				out[ifc.Name] = p
			}
			p.fixedGroups = append(p.fixedGroups, inst.Group)
			p.fixedIfaces = append(p.fixedIfaces, []*model.BridgeInterface{ifc})
		}
	}
	return out
}

// sharedMembership implements activation.Membership by dispatching each
// Join/Leave to the forwarder.Worker that actually owns the named
// BridgeInterface's socket, since a bridge interface's membership lives on
// its forwarder's socket, not on the snooper's own capture socket.
type sharedMembership struct {
	owner map[*model.BridgeInterface]*forwarder.Worker
}

func newSharedMembership() *sharedMembership {
	return &sharedMembership{owner: make(map[*model.BridgeInterface]*forwarder.Worker)}
}

func (m *sharedMembership) registerInstance(inst *model.BridgeInstance, w *forwarder.Worker) {
	for _, ifc := range inst.Ifaces {
		m.owner[ifc] = w
	}
}

func (m *sharedMembership) Join(ifc *model.BridgeInterface, group interface{}) error {
	w, ok := m.owner[ifc]
	if !ok {
		return fmt.Errorf("mcastbridged: no forwarder owns %s", ifc.Name)
	}
	return w.Join(ifc, group)
}

func (m *sharedMembership) Leave(ifc *model.BridgeInterface, group interface{}) error {
	w, ok := m.owner[ifc]
	if !ok {
		return fmt.Errorf("mcastbridged: no forwarder owns %s", ifc.Name)
	}
	return w.Leave(ifc, group)
}

// runSnooperFamily runs the single IGMP or MLD snooper thread, owning one
// EVM, one raw capture socket and one snoop.Interface per physical
// interface named by any bridge instance of this family.
func runSnooperFamily(family model.Family, mode model.QuerierMode, ifaces map[string]*physicalInterface, membership activation.Membership) {
	runtime.LockOSThread()

	// Each interface arms at most one general-query timer, one
	// other-querier-present timer, one delay timer and one MRD
	// advertisement timer, plus up to three timers per group (membership,
	// v1-host-present, group-specific-query retransmit) across its fixed
	// and dynamic groups; sized generously since a capacity miss only
	// drops a protocol beat, not a packet.
	const timersPerInterface = 4 + 3*(64+8)
	params := model.DefaultQuerierParams(mode)
	e, err := evm.New(len(ifaces), len(ifaces)*timersPerInterface, evm.SystemClock, applog.Debugf)
	if err != nil {
		applog.Fatalf("mcastbridged: %s evm: %v", family, err)
	}

	for _, p := range ifaces {
		startSnooperInterface(e, family, mode, params, p, membership)
	}

	if err := e.Run(); err != nil {
		applog.Fatalf("mcastbridged: %s snooper exited: %v", family, err)
	}
}

func startSnooperInterface(e *evm.EVM, family model.Family, mode model.QuerierMode, params model.QuerierParams, p *physicalInterface, membership activation.Membership) {
	ownAddr := p.addr
	if family == model.FamilyV6 && p.linkLocal != nil {
		ownAddr = p.linkLocal
	}

	ifc := snoop.NewInterface(snoop.Config{
		Name:        p.name,
		Family:      family,
		OwnMAC:      p.mac,
		OwnAddr:     ownAddr,
		Mode:        mode,
		Params:      params,
		FixedGroups: p.fixedGroups,
		FixedIfaces: p.fixedIfaces,
		MaxDynamic:  64,
		Membership:  membership,
		Rand:        rand.New(rand.NewSource(int64(p.index))),
		Log:         applog.Debugf,
	})

	fd, err := snoop.OpenCaptureSocket(p.name, family)
	if err != nil {
		applog.Fatalf("mcastbridged: capture socket on %s: %v", p.name, err)
	}

	qqic := wire.EncodeTimecode8(uint32(params.QueryInterval / time.Second))
	maxRespCode := wire.EncodeTimecode8(uint32(params.ResponseInterval / (100 * time.Millisecond)))

	tx := &snoop.Transmitter{
		FD:      fd,
		Ifindex: p.index,
		Templates: &snoop.Templates{
			Family:        family,
			OwnMAC:        p.mac,
			OwnAddr:       p.addr,
			LinkLocalAddr: p.linkLocal,
		},
		Params: func() (uint8, uint8, uint8) {
			return params.Robustness, qqic, maxRespCode
		},
	}

	ifc.Start(e, tx.SendGeneralQuery, tx.SendGroupSpecificQuery,
		tx.SendMRDAdvertisement(uint16(params.QueryInterval/time.Second), params.Robustness))

	scratch := make([]byte, 65535)
	if err := e.AddSocket(fd, func(int) {
		n, err := unix.Read(fd, scratch)
		if err != nil || n <= 0 {
			return
		}
		d, err := snoop.ParseFrame(scratch[:n], family, ownAddr)
		if err != nil {
			applog.WithFields(applog.Fields{"interface": p.name, "error": err}).Debug("snoop: dropped frame")
			return
		}
		ifc.OnFrame(e, d)
	}); err != nil {
		applog.Fatalf("mcastbridged: register capture socket on %s: %v", p.name, err)
	}
}
