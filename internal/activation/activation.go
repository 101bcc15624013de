// Package activation implements the Bridge Activation Interface of
// spec.md section 4.4: the narrow contract snoopers call on group
// membership transitions, which in turn joins/leaves multicast group
// membership on inbound sockets and flips the outbound flag the UDP
// forwarder observes.
package activation

import (
	"github.com/mcastsnoop/mcastbridged/internal/model"
)

// Membership abstracts the setsockopt-level group join/leave so the
// activation logic can be tested without real sockets, per spec.md
// section 4.4 ("joins the multicast group on the inbound socket"). group
// is always the multicast address of ifc.Instance.
type Membership interface {
	Join(ifc *model.BridgeInterface, group interface{}) error
	Leave(ifc *model.BridgeInterface, group interface{}) error
}

// Activator implements ActivateOutbound/DeactivateOutbound. It is
// stateless with respect to any one bridge instance: every method reads
// the instance to walk from the BridgeInterface argument's own back
// reference, so one Activator serves every bridge instance a process
// configures, including two instances sharing an OS interface's snooper
// but naming different groups.
type Activator struct {
	Membership Membership
	Log        func(format string, args ...interface{})
}

func (a *Activator) logf(format string, args ...interface{}) {
	if a.Log != nil {
		a.Log(format, args...)
	}
}

// ActivateOutbound marks ifc's outbound flag active and, for every other
// interface in ifc's bridge instance whose inbound configuration is
// dynamic, joins the instance's group on its inbound socket and marks it
// active. Idempotent: calling it again while already active is a no-op,
// per spec.md section 4.4 and section 8's idempotence property.
func (a *Activator) ActivateOutbound(ifc *model.BridgeInterface) {
	if ifc.OutboundActive.Load() {
		return
	}
	ifc.OutboundActive.Store(true)

	for _, peer := range ifc.Instance.Ifaces {
		if peer == ifc {
			continue
		}
		if peer.Inbound != model.ConfigDynamic {
			continue
		}
		a.activateInbound(peer)
	}
}

func (a *Activator) activateInbound(peer *model.BridgeInterface) {
	if peer.InboundActive.Load() {
		return
	}
	if a.Membership != nil {
		if err := a.Membership.Join(peer, peer.Instance.Group); err != nil {
			a.logf("activation: join group on %s failed: %v", peer.Name, err)
			return
		}
	}
	peer.InboundActive.Store(true)
}

// DeactivateOutbound clears ifc's outbound flag, unless the configuration
// is not dynamic (static/forced outputs never revoke, per spec.md
// section 4.4) or it is already inactive. For every dynamic inbound peer,
// it then checks whether any *other* interface in the instance still has
// its outbound flag set; if none does, the peer's inbound membership is
// dropped.
func (a *Activator) DeactivateOutbound(ifc *model.BridgeInterface) {
	if !ifc.OutboundActive.Load() {
		return
	}
	if ifc.Outbound != model.ConfigDynamic {
		return
	}
	ifc.OutboundActive.Store(false)

	for _, peer := range ifc.Instance.Ifaces {
		if peer == ifc {
			continue
		}
		if peer.Inbound != model.ConfigDynamic {
			continue
		}
		a.maybeDeactivateInbound(peer)
	}
}

func (a *Activator) maybeDeactivateInbound(peer *model.BridgeInterface) {
	if !peer.InboundActive.Load() {
		return
	}
	for _, other := range peer.Instance.Ifaces {
		if other == peer {
			continue
		}
		if other.OutboundActive.Load() {
			return // someone else still needs this peer joined
		}
	}
	if a.Membership != nil {
		if err := a.Membership.Leave(peer, peer.Instance.Group); err != nil {
			a.logf("activation: leave group on %s failed: %v", peer.Name, err)
			return
		}
	}
	peer.InboundActive.Store(false)
}

// PromoteStaticOutboundsDuringConfig applies the config-time rule from
// spec.md section 3: a static outbound interface forces every other
// dynamic inbound interface in the same bridge instance to ConfigForced,
// since we cannot know in advance whether it is safe to drop traffic
// toward it.
func PromoteStaticOutboundsDuringConfig(instance *model.BridgeInstance) {
	hasStaticOutbound := false
	for _, ifc := range instance.Ifaces {
		if ifc.Outbound == model.ConfigStatic {
			hasStaticOutbound = true
			break
		}
	}
	if !hasStaticOutbound {
		return
	}
	for _, ifc := range instance.Ifaces {
		if ifc.Inbound == model.ConfigDynamic {
			ifc.Inbound = model.ConfigForced
		}
	}
}
