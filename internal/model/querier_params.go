package model

import (
	"fmt"
	"net"
	"time"
)

// QuerierMode selects a snooper interface's self-promotion behavior, per
// spec.md section 4.3.1.
type QuerierMode int

const (
	QuerierModeNever QuerierMode = iota
	QuerierModeQuick
	QuerierModeDelay
	QuerierModeDefer
)

// ParseQuerierMode parses the -I/-M flag values from spec.md section 6.
// The REDESIGN FLAGS item about -Q vs -I is resolved here: this repo only
// ever exposes -I (IGMP) and -M (MLD); there is no -Q.
func ParseQuerierMode(s string) (QuerierMode, error) {
	switch s {
	case "never":
		return QuerierModeNever, nil
	case "quick":
		return QuerierModeQuick, nil
	case "delay":
		return QuerierModeDelay, nil
	case "defer":
		return QuerierModeDefer, nil
	default:
		return 0, fmt.Errorf("unrecognized querier mode %q (want never|quick|delay|defer)", s)
	}
}

func (m QuerierMode) String() string {
	switch m {
	case QuerierModeNever:
		return "never"
	case QuerierModeQuick:
		return "quick"
	case QuerierModeDelay:
		return "delay"
	case QuerierModeDefer:
		return "defer"
	default:
		return "unknown"
	}
}

// QuerierParams holds the per-family-per-process tunables that govern
// querier election, membership timeouts and MRD cadence, per spec.md
// sections 4.3.1, 4.3.2 and 4.3.3.
//
// This struct is the direct descendant of the teacher's kernel bridge
// link-attribute struct (McastRouter/McastQuerier/McastLastMemberIntvl/
// McastQueryIntvl/McastStartupQueryIntvl/McastIgmpVersion/McastMldVersion):
// same vocabulary, repointed from "netlink attributes of a kernel bridge
// device" to "in-process snooper tunables", validated rather than encoded
// onto the wire.
type QuerierParams struct {
	Mode QuerierMode

	// Robustness is RFC 3376/3810's Robustness Variable (QRV); default 2.
	Robustness uint8

	// QueryInterval is the steady-state general query interval; default
	// 125s.
	QueryInterval time.Duration

	// ResponseInterval is the Max Response Time advertised in general
	// queries; default 10s.
	ResponseInterval time.Duration

	// LastMemberInterval is the Max Response Time advertised in
	// group-specific queries during the leave-processing burst; default
	// 1s.
	LastMemberInterval time.Duration

	// The other-querier-present interval is derived, not configured:
	// Robustness * QueryInterval + ResponseInterval/2, per spec.md section
	// 4.3.1. Computed by OtherQuerierPresentInterval(), not stored.

	// MRDInitialCount/MRDInitialInterval/MRDInterval are RFC 4286's
	// advertisement cadence knobs, defaults 3 / 2s / 20s.
	MRDInitialCount    int
	MRDInitialInterval time.Duration
	MRDInterval        time.Duration
}

// DefaultQuerierParams returns the RFC-default tunables for mode.
func DefaultQuerierParams(mode QuerierMode) QuerierParams {
	return QuerierParams{
		Mode:               mode,
		Robustness:         2,
		QueryInterval:      125 * time.Second,
		ResponseInterval:   10 * time.Second,
		LastMemberInterval: 1 * time.Second,
		MRDInitialCount:    3,
		MRDInitialInterval: 2 * time.Second,
		MRDInterval:        20 * time.Second,
	}
}

// Validate rejects parameter combinations that cannot produce a sane
// protocol run (zero intervals, zero robustness).
func (p QuerierParams) Validate() error {
	if p.Robustness == 0 {
		return fmt.Errorf("querier params: robustness must be >= 1")
	}
	if p.QueryInterval <= 0 || p.ResponseInterval <= 0 || p.LastMemberInterval <= 0 {
		return fmt.Errorf("querier params: intervals must be positive")
	}
	if p.MRDInitialCount < 1 {
		return fmt.Errorf("querier params: mrd initial count must be >= 1")
	}
	return nil
}

// OtherQuerierPresentInterval is the timeout after which, absent a
// refreshing query from the current querier, a non-querier interface
// re-enters its mode's startup path, per spec.md section 4.3.1.
func (p QuerierParams) OtherQuerierPresentInterval() time.Duration {
	return time.Duration(p.Robustness)*p.QueryInterval + p.ResponseInterval/2
}

// MembershipInterval is the timer armed on a join/report, per spec.md
// section 4.3.2.
func (p QuerierParams) MembershipInterval() time.Duration {
	return time.Duration(p.Robustness)*p.QueryInterval + p.ResponseInterval
}

// LastMemberQueryInterval is the shortened membership timer armed on
// entering leave processing, per spec.md section 4.3.2.
func (p QuerierParams) LastMemberQueryInterval() time.Duration {
	return time.Duration(p.Robustness) * p.LastMemberInterval
}

// StartupQueryInterval is the cadence of the first Robustness-1 general
// queries sent after self-promotion, per spec.md section 4.3.1.
func (p QuerierParams) StartupQueryInterval() time.Duration {
	return p.QueryInterval / 4
}

// DelayModeTimeout is the fixed 125.5s window spec.md section 4.3.1's
// "delay" mode waits before self-promoting, drawn from RFC 3376's
// advertised default query interval plus its allowed skew.
const DelayModeTimeout = 125*time.Second + 500*time.Millisecond

// IsLinkLocalScope reports whether group is in the scope excluded from
// this snooper's participation by spec.md's Non-goals: 224.0.0.0/24 for
// IPv4, ff02::/16 for IPv6.
func IsLinkLocalScope(group net.IP) bool {
	if ip4 := group.To4(); ip4 != nil {
		return ip4[0] == 224 && ip4[1] == 0 && ip4[2] == 0
	}
	ip6 := group.To16()
	if ip6 == nil {
		return false
	}
	return ip6[0] == 0xff && ip6[1] == 0x02
}
