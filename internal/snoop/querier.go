package snoop

import (
	"bytes"
	"net"

	"github.com/mcastsnoop/mcastbridged/internal/evm"
	"github.com/mcastsnoop/mcastbridged/internal/model"
)

// QuerierState is the per-snooper-interface election state machine of
// spec.md section 4.3.1. It owns no socket; packet emission is delegated
// to the send callback passed to Start and OnReceiveQuery, so the state
// machine can be driven and tested with a fake clock.
type QuerierState struct {
	Mode    model.QuerierMode
	Params  model.QuerierParams
	OwnAddr net.IP

	QuerierAddr net.IP // nil until a querier (self or peer) is known
	IsQuerier   bool

	startupQueriesRemaining int

	generalQueryTimer evm.TimerID
	generalQueryArmed bool

	otherQuerierTimer evm.TimerID
	otherQuerierArmed bool

	delayTimer evm.TimerID
	delayArmed bool
}

// NewQuerierState constructs election state for one snooper interface.
func NewQuerierState(mode model.QuerierMode, ownAddr net.IP, params model.QuerierParams) *QuerierState {
	return &QuerierState{Mode: mode, OwnAddr: ownAddr, Params: params}
}

// allOnesLike returns the all-ones address of the same address family as
// addr: spec.md section 4.3.1's delay/defer placeholder for "unknown
// querier, about to self-promote".
func allOnesLike(addr net.IP) net.IP {
	if ip4 := addr.To4(); ip4 != nil {
		return net.IPv4(255, 255, 255, 255).To4()
	}
	ones := make(net.IP, net.IPv6len)
	for i := range ones {
		ones[i] = 0xff
	}
	return ones
}

// compareIP returns -1/0/1 comparing a and b as unsigned byte strings of
// matching family, for the "lowest IP wins" tie-break of spec.md section
// 4.3.1.
func compareIP(a, b net.IP) int {
	if a4, b4 := a.To4(), b.To4(); a4 != nil && b4 != nil {
		return bytes.Compare(a4, b4)
	}
	return bytes.Compare(a.To16(), b.To16())
}

// Start runs the mode's startup behavior, per spec.md section 4.3.1's
// table. send is called to emit a general query.
func (q *QuerierState) Start(e *evm.EVM, send func()) {
	switch q.Mode {
	case model.QuerierModeNever:
		// Never self-promotes; there is nothing to arm until a query is
		// observed from another host.
	case model.QuerierModeQuick:
		q.selfPromote(e, send)
	case model.QuerierModeDelay, model.QuerierModeDefer:
		q.QuerierAddr = allOnesLike(q.OwnAddr)
		q.armDelay(e, send)
	}
}

func (q *QuerierState) armDelay(e *evm.EVM, send func()) {
	if q.delayArmed {
		e.DelTimer(q.delayTimer)
	}
	q.delayTimer, q.delayArmed = e.AddTimer(model.DelayModeTimeout, func() {
		q.delayArmed = false
		q.selfPromote(e, send)
	})
}

func (q *QuerierState) selfPromote(e *evm.EVM, send func()) {
	if q.delayArmed {
		e.DelTimer(q.delayTimer)
		q.delayArmed = false
	}
	q.IsQuerier = true
	q.QuerierAddr = q.OwnAddr
	q.startupQueriesRemaining = int(q.Params.Robustness) - 1

	send()
	q.armNextGeneralQuery(e, send)
}

func (q *QuerierState) armNextGeneralQuery(e *evm.EVM, send func()) {
	interval := q.Params.QueryInterval
	if q.startupQueriesRemaining > 0 {
		interval = q.Params.StartupQueryInterval()
	}
	if q.generalQueryArmed {
		e.DelTimer(q.generalQueryTimer)
	}
	q.generalQueryTimer, q.generalQueryArmed = e.AddTimer(interval, func() {
		q.generalQueryArmed = false
		if !q.IsQuerier {
			return
		}
		send()
		if q.startupQueriesRemaining > 0 {
			q.startupQueriesRemaining--
		}
		q.armNextGeneralQuery(e, send)
	})
}

// Yield cancels our own general-query timer and clears querier status,
// per spec.md section 4.3.1 ("on yielding, cancel the outbound
// general-query timer").
func (q *QuerierState) Yield(e *evm.EVM) {
	if q.generalQueryArmed {
		e.DelTimer(q.generalQueryTimer)
		q.generalQueryArmed = false
	}
	q.IsQuerier = false
}

// OnReceiveQuery processes an observed general query from fromAddr,
// applying the mode table of spec.md section 4.3.1, then refreshes the
// other-querier-present timeout.
func (q *QuerierState) OnReceiveQuery(e *evm.EVM, fromAddr net.IP, send func()) {
	switch q.Mode {
	case model.QuerierModeNever:
		q.QuerierAddr = fromAddr
	case model.QuerierModeQuick, model.QuerierModeDelay:
		if q.IsQuerier {
			if compareIP(fromAddr, q.OwnAddr) < 0 {
				q.Yield(e)
				q.QuerierAddr = fromAddr
			}
			// else: our address is lower, remain querier, ignore.
		} else {
			if q.delayArmed {
				e.DelTimer(q.delayTimer)
				q.delayArmed = false
			}
			q.QuerierAddr = fromAddr
		}
	case model.QuerierModeDefer:
		if q.IsQuerier {
			q.Yield(e)
		}
		if q.delayArmed {
			e.DelTimer(q.delayTimer)
			q.delayArmed = false
		}
		q.QuerierAddr = fromAddr
	}

	q.armOtherQuerierTimeout(e, send)
}

func (q *QuerierState) armOtherQuerierTimeout(e *evm.EVM, send func()) {
	if q.Mode == model.QuerierModeNever {
		return
	}
	if q.otherQuerierArmed {
		e.DelTimer(q.otherQuerierTimer)
	}
	q.otherQuerierTimer, q.otherQuerierArmed = e.AddTimer(q.Params.OtherQuerierPresentInterval(), func() {
		q.otherQuerierArmed = false
		q.reenterStartup(e, send)
	})
}

func (q *QuerierState) reenterStartup(e *evm.EVM, send func()) {
	switch q.Mode {
	case model.QuerierModeQuick:
		q.selfPromote(e, send)
	case model.QuerierModeDelay, model.QuerierModeDefer:
		q.QuerierAddr = allOnesLike(q.OwnAddr)
		q.armDelay(e, send)
	}
}
