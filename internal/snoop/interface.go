package snoop

import (
	"math/rand"
	"net"

	"github.com/mcastsnoop/mcastbridged/internal/activation"
	"github.com/mcastsnoop/mcastbridged/internal/evm"
	"github.com/mcastsnoop/mcastbridged/internal/model"
	"github.com/mcastsnoop/mcastbridged/internal/wire"
)

// Interface is one monitored OS interface's full snooper state: querier
// election, the group table and membership state machine, packet
// templates and the MRD advertisement cadence, per spec.md section 4.3's
// "identical shape for IGMP and MLD" note. One Interface is created per
// (family, OS interface) pair the configuration names.
type Interface struct {
	Name   string
	Family model.Family

	Querier    *QuerierState
	Membership *MembershipTable
	Templates  *Templates
	MRD        *MRDScheduler

	// Socket is a slot for the raw capture/transmit descriptor of this
	// interface. Nothing in this package sets it; it stays zero unless the
	// caller assigns it.
	Socket int

	sendGeneralQuery func()
}

// Config bundles the inputs needed to build one Interface.
type Config struct {
	Name        string
	Family      model.Family
	OwnMAC      net.HardwareAddr
	OwnAddr     net.IP
	Mode        model.QuerierMode
	Params      model.QuerierParams
	FixedGroups []net.IP
	FixedIfaces [][]*model.BridgeInterface
	MaxDynamic  int
	Membership  activation.Membership
	Rand        *rand.Rand
	Log         func(format string, args ...interface{})
}

// NewInterface wires a Config into a ready-to-Start Interface.
func NewInterface(cfg Config) *Interface {
	ifc := &Interface{
		Name:   cfg.Name,
		Family: cfg.Family,
		Templates: &Templates{
			Family:  cfg.Family,
			OwnMAC:  cfg.OwnMAC,
			OwnAddr: cfg.OwnAddr,
		},
	}
	ifc.Querier = NewQuerierState(cfg.Mode, cfg.OwnAddr, cfg.Params)

	gt := NewGroupTable(cfg.FixedGroups, cfg.FixedIfaces, cfg.MaxDynamic)
	ifc.Membership = &MembershipTable{
		Groups: gt,
		Params: cfg.Params,
		Activate: &activation.Activator{
			Membership: cfg.Membership,
			Log:        cfg.Log,
		},
		IsQuerier: func() bool { return ifc.Querier.IsQuerier },
		Log:       cfg.Log,
	}

	ifc.MRD = NewMRDScheduler(cfg.Params, cfg.Rand, nil) // Send wired in Start, once the send callback closes over e.
	return ifc
}

// Start arms the querier state machine and the MRD advertisement
// cadence, and wires the membership table's group-specific query sender.
// The three callbacks take no frame: each builds and transmits its own
// general query, group-specific query or MRD advertisement.
func (ifc *Interface) Start(e *evm.EVM, sendGeneralQuery func(), sendGroupSpecificQuery func(net.IP, bool), sendMRDAdvertisement func()) {
	ifc.sendGeneralQuery = sendGeneralQuery
	ifc.Querier.Start(e, sendGeneralQuery)
	ifc.Membership.SendGroupSpecificQuery = sendGroupSpecificQuery
	ifc.MRD.Send = sendMRDAdvertisement
	ifc.MRD.Start(e)
}

// OnSolicitation resets the MRD advertisement cadence, per SPEC_FULL.md
// section 10.
func (ifc *Interface) OnSolicitation(e *evm.EVM) {
	ifc.MRD.Reset(e)
}

// OnFrame dispatches one successfully decoded capture (see capture.go's
// ParseFrame) into the querier election and membership state machines,
// per spec.md section 4.3.4's "then dispatch" final step. Decode/validate
// errors never reach here: ParseFrame returns them to its caller instead
// of a Decoded.
func (ifc *Interface) OnFrame(e *evm.EVM, d *Decoded) {
	switch {
	case d.Solicitation:
		ifc.OnSolicitation(e)
	case d.IGMP != nil:
		ifc.onIGMP(e, d)
	case d.MLD != nil:
		ifc.onMLD(e, d)
	}
}

func (ifc *Interface) onIGMP(e *evm.EVM, d *Decoded) {
	m := d.IGMP
	switch m.Kind {
	case wire.IGMPKindQuery:
		ifc.Querier.OnReceiveQuery(e, d.SourceIP, ifc.sendGeneralQuery)
	case wire.IGMPKindV1Report:
		ifc.Membership.OnReport(e, m.Group, true)
	case wire.IGMPKindV2Report:
		ifc.Membership.OnReport(e, m.Group, false)
	case wire.IGMPKindV2Leave:
		ifc.Membership.OnLeave(e, m.Group)
	case wire.IGMPKindV3Report:
		for _, rec := range m.Records {
			if err := ifc.Membership.OnGroupRecord(e, rec.MulticastAddress, rec.Type, len(rec.Sources)); err != nil {
				break
			}
		}
	}
}

func (ifc *Interface) onMLD(e *evm.EVM, d *Decoded) {
	m := d.MLD
	switch m.Kind {
	case wire.MLDKindQuery:
		ifc.Querier.OnReceiveQuery(e, d.SourceIP, ifc.sendGeneralQuery)
	case wire.MLDKindV1Report:
		ifc.Membership.OnReport(e, m.MulticastAddress, false)
	case wire.MLDKindV1Done:
		ifc.Membership.OnLeave(e, m.MulticastAddress)
	case wire.MLDKindV2Report:
		for _, rec := range m.Records {
			if err := ifc.Membership.OnGroupRecord(e, rec.MulticastAddress, rec.Type, len(rec.Sources)); err != nil {
				break
			}
		}
	}
}
