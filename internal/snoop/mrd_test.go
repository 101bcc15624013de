package snoop

import (
	"math/rand"
	"testing"
	"time"

	"github.com/mcastsnoop/mcastbridged/internal/model"
)

func TestMRDSchedulerBurstStaysWithinInitialInterval(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEVM(t, clock)
	params := model.DefaultQuerierParams(model.QuerierModeQuick)

	var sends int
	s := NewMRDScheduler(params, rand.New(rand.NewSource(42)), func() { sends++ })
	s.Start(e)

	clock.advance(params.MRDInitialInterval)
	fired := e.FireDue()
	if fired != 1 {
		t.Fatalf("expected the first burst advertisement to fire within MRDInitialInterval, fired=%d", fired)
	}
	if sends != 1 {
		t.Fatalf("sends = %d, want 1", sends)
	}
}

func TestMRDSchedulerFallsBackToSteadyStateAfterBurst(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEVM(t, clock)
	params := model.DefaultQuerierParams(model.QuerierModeQuick)

	var sends int
	s := NewMRDScheduler(params, rand.New(rand.NewSource(7)), func() { sends++ })
	s.Start(e)

	for i := 0; i < params.MRDInitialCount; i++ {
		clock.advance(params.MRDInitialInterval)
		e.FireDue()
	}
	if sends != params.MRDInitialCount {
		t.Fatalf("sends = %d, want %d after the full burst", sends, params.MRDInitialCount)
	}

	// Steady state: MRDInterval plus at most 25% jitter either way.
	clock.advance(params.MRDInterval * 5 / 4)
	e.FireDue()
	if sends != params.MRDInitialCount+1 {
		t.Fatalf("sends = %d, want %d after one more steady-state interval", sends, params.MRDInitialCount+1)
	}
}

func TestMRDSchedulerResetReturnsToStartupBurst(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	e := newTestEVM(t, clock)
	params := model.DefaultQuerierParams(model.QuerierModeQuick)

	var sends int
	s := NewMRDScheduler(params, rand.New(rand.NewSource(3)), func() { sends++ })
	s.Start(e)
	for i := 0; i < params.MRDInitialCount; i++ {
		clock.advance(params.MRDInitialInterval)
		e.FireDue()
	}

	s.Reset(e)
	if s.burstRemaining != params.MRDInitialCount {
		t.Fatalf("burstRemaining = %d, want reset to %d", s.burstRemaining, params.MRDInitialCount)
	}

	clock.advance(params.MRDInitialInterval)
	e.FireDue()
	if sends != params.MRDInitialCount+1 {
		t.Fatalf("sends = %d, want a burst-cadence advertisement right after reset", sends)
	}
}
