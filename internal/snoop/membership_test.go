package snoop

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/mcastsnoop/mcastbridged/internal/activation"
	"github.com/mcastsnoop/mcastbridged/internal/evm"
	"github.com/mcastsnoop/mcastbridged/internal/model"
)

func newTestMembershipTable(t *testing.T, clock *fakeClock, fixed []net.IP, fixedIfaces [][]*model.BridgeInterface) (*MembershipTable, *evm.EVM) {
	t.Helper()
	e := newTestEVM(t, clock)
	gt := NewGroupTable(fixed, fixedIfaces, 8)
	mt := &MembershipTable{
		Groups:    gt,
		Params:    model.DefaultQuerierParams(model.QuerierModeQuick),
		IsQuerier: func() bool { return true },
	}
	return mt, e
}

func TestMembershipReportActivatesFixedGroup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	inst := &model.BridgeInstance{Family: model.FamilyV4}
	a := &model.BridgeInterface{Instance: inst, Name: "A", Inbound: model.ConfigDynamic}
	b := &model.BridgeInterface{Instance: inst, Name: "B", Outbound: model.ConfigDynamic}
	inst.Ifaces = []*model.BridgeInterface{a, b}

	fixed := []net.IP{net.ParseIP("239.1.1.1")}
	fixedIfaces := [][]*model.BridgeInterface{{b}}

	mt, e := newTestMembershipTable(t, clock, fixed, fixedIfaces)
	mt.Activate = &activation.Activator{}

	if err := mt.OnReport(e, net.ParseIP("239.1.1.1"), false); err != nil {
		t.Fatalf("OnReport: %v", err)
	}

	g := mt.Groups.At(0)
	if !g.Active {
		t.Fatal("group not marked active after report")
	}
	if !b.OutboundActive.Load() {
		t.Fatal("fixed group's bridge interface was not activated")
	}
}

func TestMembershipReportRejectsLinkLocalGroup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	mt, e := newTestMembershipTable(t, clock, nil, nil)

	err := mt.OnReport(e, net.ParseIP("224.0.0.5"), false)
	if err == nil {
		t.Fatal("OnReport: expected error for link-local scope group")
	}
}

func TestMembershipDynamicGroupExpiresAndCompacts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	mt, e := newTestMembershipTable(t, clock, nil, nil)

	addr := net.ParseIP("239.5.5.5")
	if err := mt.OnReport(e, addr, false); err != nil {
		t.Fatalf("OnReport: %v", err)
	}
	if mt.Groups.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", mt.Groups.Len())
	}

	clock.advance(mt.Params.MembershipInterval())
	e.FireDue()

	if mt.Groups.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after expiry compaction", mt.Groups.Len())
	}
}

func TestMembershipLeaveArmsShortenedTimerAndQueriesBurst(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	mt, e := newTestMembershipTable(t, clock, nil, nil)

	addr := net.ParseIP("239.6.6.6")
	if err := mt.OnReport(e, addr, false); err != nil {
		t.Fatalf("OnReport: %v", err)
	}

	var queried []string
	var sflags []bool
	mt.SendGroupSpecificQuery = func(a net.IP, sflag bool) {
		queried = append(queried, a.String())
		sflags = append(sflags, sflag)
	}

	mt.OnLeave(e, addr)

	if len(queried) != 1 {
		t.Fatalf("queried = %v, want 1 immediate group-specific query", queried)
	}
	if sflags[0] {
		t.Fatal("sflags[0] = true, want false on the first group-specific query")
	}

	idx, _ := mt.Groups.Lookup(addr)
	g := mt.Groups.At(idx)
	if g.GroupQueriesRemaining != mt.Params.Robustness-1 {
		t.Fatalf("GroupQueriesRemaining = %d, want %d", g.GroupQueriesRemaining, mt.Params.Robustness-1)
	}

	clock.advance(mt.Params.LastMemberInterval)
	e.FireDue()
	if len(queried) != 2 {
		t.Fatalf("queried = %v, want 2 after one retransmit interval", queried)
	}
	if !sflags[1] {
		t.Fatal("sflags[1] = false, want true on the retransmission")
	}
}

func TestMembershipLeaveIgnoredWhileV1HostPresent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	mt, e := newTestMembershipTable(t, clock, nil, nil)

	addr := net.ParseIP("239.7.7.7")
	if err := mt.OnReport(e, addr, true); err != nil {
		t.Fatalf("OnReport: %v", err)
	}

	var queried int
	mt.SendGroupSpecificQuery = func(net.IP, bool) { queried++ }
	mt.OnLeave(e, addr)

	if queried != 0 {
		t.Fatal("leave must be ignored while the v1-host-present timer is live")
	}
}

func TestOnGroupRecordUnrecognizedModeLogsAndErrors(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	mt, e := newTestMembershipTable(t, clock, nil, nil)

	var logged []string
	mt.Log = func(format string, args ...interface{}) { logged = append(logged, fmt.Sprintf(format, args...)) }

	addr := net.ParseIP("239.9.9.9")
	err := mt.OnGroupRecord(e, addr, 0, 0)
	if err == nil {
		t.Fatal("OnGroupRecord: expected error for unrecognized record mode")
	}
	if len(logged) != 1 {
		t.Fatalf("logged = %v, want exactly one log line for the unrecognized mode", logged)
	}
}

func TestMembershipLeaveNoOpWhenNotQuerier(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	mt, e := newTestMembershipTable(t, clock, nil, nil)
	mt.IsQuerier = func() bool { return false }

	addr := net.ParseIP("239.8.8.8")
	if err := mt.OnReport(e, addr, false); err != nil {
		t.Fatalf("OnReport: %v", err)
	}

	var queried int
	mt.SendGroupSpecificQuery = func(net.IP, bool) { queried++ }
	mt.OnLeave(e, addr)

	if queried != 0 {
		t.Fatal("leave processing must be skipped when we are not the active querier")
	}
}
