package snoop

import (
	"math/rand"
	"time"

	"github.com/mcastsnoop/mcastbridged/internal/evm"
	"github.com/mcastsnoop/mcastbridged/internal/model"
)

// MRDScheduler drives the RFC 4286 advertisement cadence of spec.md
// section 4.3.3 and SPEC_FULL.md section 10: a startup burst of
// MRDInitialCount advertisements at random intervals in
// [0, MRDInitialInterval), then steady-state advertisements every
// MRDInterval ± 25%. A solicitation resets the cadence back to the
// startup burst immediately.
type MRDScheduler struct {
	Params model.QuerierParams
	Rand   *rand.Rand
	Send   func()

	burstRemaining int
	timer          evm.TimerID
	armed          bool
}

// NewMRDScheduler constructs a scheduler. rnd may be nil in production
// wiring, where a process-lifetime source seeded from the system clock is
// substituted; tests should pass a seeded source for determinism.
func NewMRDScheduler(params model.QuerierParams, rnd *rand.Rand, send func()) *MRDScheduler {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &MRDScheduler{
		Params:         params,
		Rand:           rnd,
		Send:           send,
		burstRemaining: params.MRDInitialCount,
	}
}

// Start arms the first advertisement of the startup burst.
func (s *MRDScheduler) Start(e *evm.EVM) {
	s.armNext(e)
}

// Reset resets the cadence back to the startup burst, per the
// solicitation-handling rule of SPEC_FULL.md section 10.
func (s *MRDScheduler) Reset(e *evm.EVM) {
	s.burstRemaining = s.Params.MRDInitialCount
	s.armNext(e)
}

func (s *MRDScheduler) armNext(e *evm.EVM) {
	d := s.nextInterval()
	if s.armed {
		e.DelTimer(s.timer)
	}
	s.timer, s.armed = e.AddTimer(d, func() {
		s.armed = false
		s.Send()
		if s.burstRemaining > 0 {
			s.burstRemaining--
		}
		s.armNext(e)
	})
}

func (s *MRDScheduler) nextInterval() time.Duration {
	if s.burstRemaining > 0 {
		return time.Duration(s.Rand.Int63n(int64(s.Params.MRDInitialInterval)))
	}
	base := s.Params.MRDInterval
	quarter := int64(base) / 4
	jitter := s.Rand.Int63n(2*quarter+1) - quarter // uniform in [-quarter, +quarter]
	return base + time.Duration(jitter)
}
