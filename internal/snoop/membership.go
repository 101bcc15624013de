package snoop

import (
	"fmt"
	"net"
	"time"

	"github.com/mcastsnoop/mcastbridged/internal/activation"
	"github.com/mcastsnoop/mcastbridged/internal/evm"
	"github.com/mcastsnoop/mcastbridged/internal/model"
	"github.com/mcastsnoop/mcastbridged/internal/wire"
)

// GroupSpecificQuerySender emits a group-specific query for addr with the
// given Suppress Router-Side Processing flag (false on the first query of
// a leave-processing burst, true on its retransmissions). It only sends:
// MembershipTable arms the retransmit timers itself, LastMemberInterval
// apart.
type GroupSpecificQuerySender func(addr net.IP, sflag bool)

// MembershipTable drives the per-group report/leave state machine of
// spec.md section 4.3.2 for one snooper interface. It owns a GroupTable
// and an Activator wired to the bridge instance the snooper interface
// belongs to.
type MembershipTable struct {
	Groups   *GroupTable
	Params   model.QuerierParams
	Activate *activation.Activator

	// IsQuerier reports whether leave/timeout processing should run:
	// spec.md section 4.3.2 only acts on leave traffic while we are the
	// active querier.
	IsQuerier func() bool

	SendGroupSpecificQuery GroupSpecificQuerySender

	Log func(format string, args ...interface{})
}

func (m *MembershipTable) logf(format string, args ...interface{}) {
	if m.Log != nil {
		m.Log(format, args...)
	}
}

// OnReport processes a membership report naming group addr, per spec.md
// section 4.3.2 steps 1-4. isV1 marks an IGMPv1-style report, which also
// arms the v1-host-present timer.
func (m *MembershipTable) OnReport(e *evm.EVM, addr net.IP, isV1 bool) error {
	if model.IsLinkLocalScope(addr) {
		return fmt.Errorf("membership: refusing link-local scope group %s", addr)
	}

	idx, err := m.Groups.FindOrCreate(addr)
	if err != nil {
		m.logf("membership: %v for group %s", err, addr)
		return err
	}
	g := m.Groups.At(idx)

	if g.Active {
		if g.membershipArmed {
			e.DelTimer(g.MembershipTimer)
			g.membershipArmed = false
		}
	} else {
		g.Active = true
		if g.IsFixed() && m.Activate != nil {
			for _, ifc := range g.BridgeIfaces {
				m.Activate.ActivateOutbound(ifc)
			}
		}
	}

	m.armMembershipTimer(e, idx, m.Params.MembershipInterval())

	if isV1 {
		m.armV1HostPresent(e, idx)
	}
	return nil
}

func (m *MembershipTable) armMembershipTimer(e *evm.EVM, idx int, d time.Duration) {
	g := m.Groups.At(idx)
	if g.membershipArmed {
		e.DelTimer(g.MembershipTimer)
	}
	g.MembershipTimer, g.membershipArmed = e.AddTimer(d, func() {
		m.onMembershipExpired(e, idx)
	})
}

func (m *MembershipTable) armV1HostPresent(e *evm.EVM, idx int) {
	g := m.Groups.At(idx)
	if g.v1Armed {
		e.DelTimer(g.V1Timer)
	}
	g.V1HostPresent = true
	g.V1Timer, g.v1Armed = e.AddTimer(m.Params.MembershipInterval(), func() {
		g2 := m.Groups.At(idx)
		g2.v1Armed = false
		g2.V1HostPresent = false
	})
}

func (m *MembershipTable) onMembershipExpired(e *evm.EVM, idx int) {
	g := m.Groups.At(idx)
	g.membershipArmed = false
	m.deactivate(e, idx, g)
}

func (m *MembershipTable) deactivate(e *evm.EVM, idx int, g *Group) {
	g.Active = false
	if g.IsFixed() {
		if m.Activate != nil {
			for _, ifc := range g.BridgeIfaces {
				m.Activate.DeactivateOutbound(ifc)
			}
		}
	} else {
		m.Groups.Release(idx)
	}
}

// OnLeave processes a leave (IGMPv2 Leave, or an IGMPv3/MLDv2
// change-to-include/block-old-sources report naming zero sources) for
// group addr, per spec.md section 4.3.2's leave-processing rules. It is a
// no-op unless we are the active querier.
func (m *MembershipTable) OnLeave(e *evm.EVM, addr net.IP) {
	if m.IsQuerier != nil && !m.IsQuerier() {
		return
	}
	idx, ok := m.Groups.Lookup(addr)
	if !ok {
		return
	}
	g := m.Groups.At(idx)
	if !g.Active || g.V1HostPresent || g.GroupQueriesRemaining > 0 {
		return
	}

	if g.membershipArmed {
		e.DelTimer(g.MembershipTimer)
	}
	m.armMembershipTimer(e, idx, m.Params.LastMemberQueryInterval())

	g.GroupQueriesRemaining = m.Params.Robustness
	m.emitGroupSpecificQuery(e, idx, addr)
}

func (m *MembershipTable) emitGroupSpecificQuery(e *evm.EVM, idx int, addr net.IP) {
	g := m.Groups.At(idx)
	sflag := g.GroupQueriesRemaining < m.Params.Robustness
	if m.SendGroupSpecificQuery != nil {
		m.SendGroupSpecificQuery(addr, sflag)
	}
	if g.GroupQueriesRemaining == 0 {
		return
	}
	g.GroupQueriesRemaining--
	if g.GroupQueriesRemaining == 0 {
		return
	}
	g.GSQTimer, g.gsqArmed = e.AddTimer(m.Params.LastMemberInterval, func() {
		g2 := m.Groups.At(idx)
		g2.gsqArmed = false
		m.emitGroupSpecificQuery(e, idx, addr)
	})
}

// OnGroupRecord applies the IGMPv3/MLDv2 group-record interpretation
// table of spec.md section 4.3.2 (sources are ignored; group granularity
// only).
func (m *MembershipTable) OnGroupRecord(e *evm.EVM, addr net.IP, mode uint8, numSrcs int) error {
	switch mode {
	case wire.RecordModeIsInclude, wire.RecordChangeToInclude:
		if numSrcs > 0 {
			return m.OnReport(e, addr, false)
		}
		m.OnLeave(e, addr)
		return nil
	case wire.RecordModeIsExclude, wire.RecordChangeToExclude, wire.RecordAllowNewSources:
		return m.OnReport(e, addr, false)
	case wire.RecordBlockOldSources:
		if numSrcs == 0 {
			m.OnLeave(e, addr)
		}
		return nil
	default:
		err := fmt.Errorf("membership: unrecognized group record mode %d", mode)
		m.logf("membership: %v for group %s, aborting report", err, addr)
		return err
	}
}
