package snoop

import (
	"errors"
	"net"

	"github.com/mcastsnoop/mcastbridged/internal/evm"
	"github.com/mcastsnoop/mcastbridged/internal/model"
)

// ErrDynamicCapReached is returned when a report names a group this
// snooper interface has never seen and the dynamic tail is already at its
// configured cap, per spec.md section 4.3.2 step 1.
var ErrDynamicCapReached = errors.New("snoop: dynamic group cap reached")

// Group is one entry of a snooper interface's group table, per spec.md
// section 3. Fixed groups are registered at init and carry the bridge
// interfaces to activate; dynamic groups are learned from traffic and
// never drive activation.
type Group struct {
	Address net.IP
	Active  bool

	// V1HostPresent is IGMP-only: while its timer is live, leaves are
	// ignored for this group, per spec.md section 4.3.2.
	V1HostPresent bool

	GroupQueriesRemaining uint8

	// BridgeIfaces is non-nil only for fixed groups: the list of bridge
	// interfaces to activate/deactivate on this group's transitions.
	BridgeIfaces []*model.BridgeInterface

	MembershipTimer evm.TimerID
	membershipArmed bool

	V1Timer evm.TimerID
	v1Armed bool

	GSQTimer evm.TimerID
	gsqArmed bool

	inUse bool // dynamic slots only: false means this index is a hole
}

func (g *Group) IsFixed() bool { return g.BridgeIfaces != nil }

func (g *Group) reset() {
	*g = Group{}
}

// GroupTable is the fixed-prefix/dynamic-tail array of spec.md section 3:
// indices [0, fixedLimit) are fixed, created at init and never removed;
// indices [fixedLimit, len) are dynamic, with holes tracked by freeList and
// the tail compacted on deactivation, per DESIGN NOTES (spec.md section 9)
// so that references are by stable index, never by pointer that array
// growth could invalidate.
type GroupTable struct {
	groups     []Group
	fixedLimit int
	maxDynamic int
	freeList   []int // indices into groups, all >= fixedLimit, all holes
}

// NewGroupTable creates a table with one fixed group per address in fixed,
// plus room to grow a dynamic tail up to maxDynamic entries.
func NewGroupTable(fixed []net.IP, fixedIfaces [][]*model.BridgeInterface, maxDynamic int) *GroupTable {
	t := &GroupTable{
		groups:     make([]Group, len(fixed), len(fixed)+maxDynamic),
		fixedLimit: len(fixed),
		maxDynamic: maxDynamic,
	}
	for i, addr := range fixed {
		t.groups[i] = Group{Address: addr, BridgeIfaces: fixedIfaces[i], inUse: true}
	}
	return t
}

// Lookup returns the index of the group for addr, if it exists (fixed or
// dynamic).
func (t *GroupTable) Lookup(addr net.IP) (int, bool) {
	for i := range t.groups {
		if t.groups[i].inUse && t.groups[i].Address.Equal(addr) {
			return i, true
		}
	}
	return -1, false
}

// At returns a pointer to the group at index i. The pointer is only valid
// until the next FindOrCreate call, which may grow (and reallocate) the
// backing slice; callers must re-resolve by index afterward.
func (t *GroupTable) At(i int) *Group {
	return &t.groups[i]
}

// FindOrCreate returns the index of the group for addr, creating a
// dynamic entry (reusing a free slot, or growing the tail) if none
// exists. Returns ErrDynamicCapReached if the dynamic tail is already at
// its cap and has no free slot, per spec.md section 4.3.2 step 1.
func (t *GroupTable) FindOrCreate(addr net.IP) (int, error) {
	if i, ok := t.Lookup(addr); ok {
		return i, nil
	}

	if len(t.freeList) > 0 {
		i := t.freeList[len(t.freeList)-1]
		t.freeList = t.freeList[:len(t.freeList)-1]
		t.groups[i] = Group{Address: addr, inUse: true}
		return i, nil
	}

	dynamicCount := len(t.groups) - t.fixedLimit
	if dynamicCount >= t.maxDynamic {
		return -1, ErrDynamicCapReached
	}
	t.groups = append(t.groups, Group{Address: addr, inUse: true})
	return len(t.groups) - 1, nil
}

// Release marks index i (which must be a dynamic group) as a hole and
// compacts the dynamic tail back to the highest still-in-use slot, per
// spec.md section 3's lifecycle description.
func (t *GroupTable) Release(i int) {
	if i < t.fixedLimit {
		return // fixed groups are never removed
	}
	t.groups[i].reset()

	for len(t.groups) > t.fixedLimit && !t.groups[len(t.groups)-1].inUse {
		t.groups = t.groups[:len(t.groups)-1]
		// Drop any free-list entries that pointed past the new end.
		kept := t.freeList[:0]
		for _, f := range t.freeList {
			if f < len(t.groups) {
				kept = append(kept, f)
			}
		}
		t.freeList = kept
	}
	if i < len(t.groups) {
		t.freeList = append(t.freeList, i)
	}
}

// Fixed iterates the fixed groups in index order.
func (t *GroupTable) Fixed() []Group {
	return t.groups[:t.fixedLimit]
}

// Len returns the current total length (fixed + dynamic tail, including
// holes counted as part of the tail's allocated span).
func (t *GroupTable) Len() int {
	return len(t.groups)
}
