package forwarder

import (
	"errors"
	"net"
	"testing"

	"github.com/mcastsnoop/mcastbridged/internal/model"
)

type fakeConn struct {
	in      []byte
	inErr   error
	sent    map[string][]byte
	sendErr map[string]error
}

func (f *fakeConn) readFrom(b []byte) (int, error) {
	if f.inErr != nil {
		return 0, f.inErr
	}
	n := copy(b, f.in)
	return n, nil
}

func (f *fakeConn) writeTo(b []byte, viaIfIndex int) (int, error) {
	return 0, errors.New("writeTo should be called on the destination's own conn, not the source's")
}

func (f *fakeConn) joinGroup(group net.IP) error  { return nil }
func (f *fakeConn) leaveGroup(group net.IP) error { return nil }
func (f *fakeConn) close() error                  { return nil }

type recordingConn struct {
	fakeConn
	name    string
	written []byte
	err     error
}

func (r *recordingConn) writeTo(b []byte, viaIfIndex int) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.written = append([]byte(nil), b...)
	return len(b), nil
}

func newInstance(names ...string) (*model.BridgeInstance, map[string]*model.BridgeInterface) {
	inst := &model.BridgeInstance{Family: model.FamilyV4, Port: 7500, Group: net.ParseIP("239.0.75.0")}
	byName := make(map[string]*model.BridgeInterface)
	for i, n := range names {
		ifc := &model.BridgeInterface{Instance: inst, Name: n, Index: i + 1}
		inst.Ifaces = append(inst.Ifaces, ifc)
		byName[n] = ifc
	}
	return inst, byName
}

func TestOnReadableFansOutToActiveOutboundsOnly(t *testing.T) {
	inst, ifc := newInstance("a", "b", "c")
	ifc["a"].InboundActive.Store(true)
	ifc["b"].OutboundActive.Store(true)
	// c left inactive.

	src := &fakeConn{in: []byte("hello")}
	dstB := &recordingConn{}
	dstC := &recordingConn{}

	w := newWorkerWithConns(inst, map[*model.BridgeInterface]pconn{
		ifc["a"]: src,
		ifc["b"]: dstB,
		ifc["c"]: dstC,
	})

	w.onReadable(ifc["a"])

	if string(dstB.written) != "hello" {
		t.Fatalf("dstB.written = %q, want %q", dstB.written, "hello")
	}
	if dstC.written != nil {
		t.Fatalf("dstC.written = %q, want nil (outbound inactive)", dstC.written)
	}
}

func TestOnReadableDropsWhenInboundInactive(t *testing.T) {
	inst, ifc := newInstance("a", "b")
	ifc["b"].OutboundActive.Store(true)
	// a.InboundActive left false.

	src := &fakeConn{in: []byte("hello")}
	dstB := &recordingConn{}

	w := newWorkerWithConns(inst, map[*model.BridgeInterface]pconn{
		ifc["a"]: src,
		ifc["b"]: dstB,
	})

	w.onReadable(ifc["a"])

	if dstB.written != nil {
		t.Fatalf("dstB.written = %q, want nil (inbound inactive)", dstB.written)
	}
}

func TestOnReadableOnePeerFailureDoesNotStopFanOut(t *testing.T) {
	inst, ifc := newInstance("a", "b", "c")
	ifc["a"].InboundActive.Store(true)
	ifc["b"].OutboundActive.Store(true)
	ifc["c"].OutboundActive.Store(true)

	src := &fakeConn{in: []byte("hello")}
	dstB := &recordingConn{err: errors.New("sendto: network unreachable")}
	dstC := &recordingConn{}

	w := newWorkerWithConns(inst, map[*model.BridgeInterface]pconn{
		ifc["a"]: src,
		ifc["b"]: dstB,
		ifc["c"]: dstC,
	})

	w.onReadable(ifc["a"])

	if string(dstC.written) != "hello" {
		t.Fatalf("dstC.written = %q, want %q despite dstB's failure", dstC.written, "hello")
	}
}

type joinLeaveConn struct {
	fakeConn
	joined, left net.IP
	joinErr      error
}

func (c *joinLeaveConn) joinGroup(group net.IP) error {
	if c.joinErr != nil {
		return c.joinErr
	}
	c.joined = group
	return nil
}

func (c *joinLeaveConn) leaveGroup(group net.IP) error {
	c.left = group
	return nil
}

func TestWorkerJoinLeaveDelegatesToConn(t *testing.T) {
	inst, ifc := newInstance("a")
	conn := &joinLeaveConn{}
	w := newWorkerWithConns(inst, map[*model.BridgeInterface]pconn{ifc["a"]: conn})

	group := net.ParseIP("239.0.75.0")
	if err := w.Join(ifc["a"], group); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !conn.joined.Equal(group) {
		t.Fatalf("joined = %v, want %v", conn.joined, group)
	}

	if err := w.Leave(ifc["a"], group); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !conn.left.Equal(group) {
		t.Fatalf("left = %v, want %v", conn.left, group)
	}
}

func TestWorkerJoinUnknownInterfaceErrors(t *testing.T) {
	inst, ifc := newInstance("a", "b")
	w := newWorkerWithConns(inst, map[*model.BridgeInterface]pconn{ifc["a"]: &fakeConn{}})

	if err := w.Join(ifc["b"], net.ParseIP("239.0.75.0")); err == nil {
		t.Fatal("expected error for interface with no open socket")
	}
}

func TestOnReadableNeverWritesBackToSource(t *testing.T) {
	inst, ifc := newInstance("a", "b")
	ifc["a"].InboundActive.Store(true)
	ifc["a"].OutboundActive.Store(true) // a is also (degenerately) outbound-active
	ifc["b"].OutboundActive.Store(true)

	src := &fakeConn{in: []byte("hello")} // writeTo on src always errors
	dstB := &recordingConn{}

	w := newWorkerWithConns(inst, map[*model.BridgeInterface]pconn{
		ifc["a"]: src,
		ifc["b"]: dstB,
	})

	w.onReadable(ifc["a"]) // must not panic/fail from writing back to src

	if string(dstB.written) != "hello" {
		t.Fatalf("dstB.written = %q, want %q", dstB.written, "hello")
	}
}
