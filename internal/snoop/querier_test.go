package snoop

import (
	"net"
	"testing"
	"time"

	"github.com/mcastsnoop/mcastbridged/internal/evm"
	"github.com/mcastsnoop/mcastbridged/internal/model"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time       { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestEVM(t *testing.T, clock *fakeClock) *evm.EVM {
	t.Helper()
	e, err := evm.New(4, 32, clock, nil)
	if err != nil {
		t.Fatalf("evm.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func ip(s string) net.IP { return net.ParseIP(s) }

func TestQuerierQuickSelfPromotesImmediately(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEVM(t, clock)
	q := NewQuerierState(model.QuerierModeQuick, ip("10.0.0.1"), model.DefaultQuerierParams(model.QuerierModeQuick))

	sent := 0
	q.Start(e, func() { sent++ })

	if !q.IsQuerier {
		t.Fatal("IsQuerier = false, want true: quick mode self-promotes at startup")
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1 (first query sent immediately)", sent)
	}
}

func TestQuerierNeverNeverSelfPromotes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEVM(t, clock)
	q := NewQuerierState(model.QuerierModeNever, ip("10.0.0.1"), model.DefaultQuerierParams(model.QuerierModeNever))

	sent := 0
	q.Start(e, func() { sent++ })
	clock.advance(365 * 24 * time.Hour)
	e.FireDue()

	if q.IsQuerier {
		t.Fatal("IsQuerier = true, want false: never mode must not self-promote")
	}
	if sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
}

func TestQuerierDelayModeSelfPromotesAfterTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEVM(t, clock)
	q := NewQuerierState(model.QuerierModeDelay, ip("10.0.0.1"), model.DefaultQuerierParams(model.QuerierModeDelay))

	sent := 0
	q.Start(e, func() { sent++ })

	if q.IsQuerier {
		t.Fatal("IsQuerier = true, want false: delay mode waits before self-promoting")
	}
	if !q.QuerierAddr.Equal(net.IPv4(255, 255, 255, 255)) {
		t.Fatalf("QuerierAddr = %v, want all-ones placeholder", q.QuerierAddr)
	}

	clock.advance(model.DelayModeTimeout)
	e.FireDue()

	if !q.IsQuerier {
		t.Fatal("IsQuerier = false, want true after delay timeout elapses")
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
}

func TestQuerierQuickYieldsToLowerAddress(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEVM(t, clock)
	q := NewQuerierState(model.QuerierModeQuick, ip("10.0.0.5"), model.DefaultQuerierParams(model.QuerierModeQuick))

	sent := 0
	q.Start(e, func() { sent++ })

	q.OnReceiveQuery(e, ip("10.0.0.1"), func() { sent++ })

	if q.IsQuerier {
		t.Fatal("IsQuerier = true, want false: lower peer address must win")
	}
	if !q.QuerierAddr.Equal(ip("10.0.0.1")) {
		t.Fatalf("QuerierAddr = %v, want 10.0.0.1", q.QuerierAddr)
	}
}

func TestQuerierQuickRemainsQuerierAgainstHigherAddress(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEVM(t, clock)
	q := NewQuerierState(model.QuerierModeQuick, ip("10.0.0.1"), model.DefaultQuerierParams(model.QuerierModeQuick))

	q.Start(e, func() {})
	q.OnReceiveQuery(e, ip("10.0.0.5"), func() {})

	if !q.IsQuerier {
		t.Fatal("IsQuerier = false, want true: our lower address must win")
	}
	if !q.QuerierAddr.Equal(ip("10.0.0.1")) {
		t.Fatalf("QuerierAddr = %v, want own address", q.QuerierAddr)
	}
}

func TestQuerierDeferAlwaysYields(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEVM(t, clock)
	q := NewQuerierState(model.QuerierModeDefer, ip("10.0.0.1"), model.DefaultQuerierParams(model.QuerierModeDefer))

	q.Start(e, func() {})
	clock.advance(model.DelayModeTimeout)
	e.FireDue()
	if !q.IsQuerier {
		t.Fatal("expected self-promotion after delay timeout")
	}

	q.OnReceiveQuery(e, ip("255.255.255.255"), func() {})
	if q.IsQuerier {
		t.Fatal("IsQuerier = true, want false: defer mode always yields, regardless of address")
	}
}

func TestQuerierOtherQuerierTimeoutReentersStartup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEVM(t, clock)
	params := model.DefaultQuerierParams(model.QuerierModeQuick)
	q := NewQuerierState(model.QuerierModeQuick, ip("10.0.0.5"), params)

	q.Start(e, func() {})
	q.OnReceiveQuery(e, ip("10.0.0.1"), func() {}) // yield

	clock.advance(params.OtherQuerierPresentInterval())
	e.FireDue()

	if !q.IsQuerier {
		t.Fatal("IsQuerier = false, want true: absent querier must self-promote again")
	}
}

func TestQuerierStartupBurstUsesQuarterInterval(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEVM(t, clock)
	params := model.DefaultQuerierParams(model.QuerierModeQuick)
	q := NewQuerierState(model.QuerierModeQuick, ip("10.0.0.1"), params)

	var sentAt []time.Time
	q.Start(e, func() { sentAt = append(sentAt, clock.now) })

	// robustness=2, so exactly one more startup-interval query is expected
	// before falling back to the steady-state query interval.
	clock.advance(params.StartupQueryInterval())
	e.FireDue()
	if len(sentAt) != 2 {
		t.Fatalf("sentAt = %v, want 2 entries after one startup interval", sentAt)
	}

	clock.advance(params.StartupQueryInterval())
	e.FireDue()
	if len(sentAt) != 2 {
		t.Fatalf("sentAt = %v, want still 2: steady-state interval is longer than startup interval", sentAt)
	}

	clock.advance(params.QueryInterval - params.StartupQueryInterval())
	e.FireDue()
	if len(sentAt) != 3 {
		t.Fatalf("sentAt = %v, want 3 after the steady-state interval elapses", sentAt)
	}
}
