package datapath

import (
	"testing"
	"time"

	"github.com/meshwire/meshwire/pkg/dispatch"
	"github.com/meshwire/meshwire/pkg/frame"
	"github.com/meshwire/meshwire/pkg/peer"
)

func ethernetFrame(dst, src [6]byte) *frame.Packet {
	eth := frame.EthernetFrame{DestinationMAC: dst, SourceMAC: src, EtherType: frame.EtherTypeIPv4, Payload: []byte("hi")}
	var p frame.Packet
	p.SetPayload(eth.Serialize())
	return &p
}

func newTestLoopContext(t *testing.T) (*Context, *peer.Registry) {
	t.Helper()
	reg := peer.NewRegistry()
	ctx := NewContext(reg, testLogger(t), time.Hour)
	return ctx, reg
}

// Regression test for the two halves of the learning bridge: a device-read
// frame addressed to a learned peer MAC must reach that peer through
// Dispatch (never loop back onto the device), and an inbound frame
// addressed to a learned local MAC must land on the device (never echo
// back out to the peer it came from).
func TestBridgeLearnsBothDirections(t *testing.T) {
	ctx, reg := newTestLoopContext(t)

	h := reg.NewPeer("p1", "p1.example")
	p, _ := reg.Get(h)
	p.Reachable = true
	reg.SetVia(h, h)
	reg.SetNexthop(h, h)

	var udpSentTo []peer.Handle
	var deviceWritten bool
	ctx.Dispatch = dispatch.New(reg, dispatch.Collaborators{
		WriteDevice: func(*frame.Packet) error { deviceWritten = true; return nil },
		UDPSend:     func(ph peer.Handle, _ *frame.Packet) { udpSentTo = append(udpSentTo, ph) },
		Log:         ctx.Log,
	})
	ctx.Route = ctx.RouteToDispatch

	peerMAC := [6]byte{1, 2, 3, 4, 5, 6}
	localMAC := [6]byte{6, 5, 4, 3, 2, 1}

	// An inbound frame from p1 teaches the bridge peerMAC -> p1.
	ctx.Route(h, ethernetFrame(localMAC, peerMAC))

	l := NewLoop(ctx, nil)
	deviceWritten = false
	udpSentTo = nil

	// A device-read frame addressed to peerMAC resolves to p1 and goes out
	// via Dispatch's UDP path, never back to the device. It also teaches
	// the bridge localMAC -> Myself.
	l.handleDevicePacket(ethernetFrame(peerMAC, localMAC))

	if deviceWritten {
		t.Fatal("device-read frame must not be written straight back to the device")
	}
	if len(udpSentTo) != 1 || udpSentTo[0] != h {
		t.Fatalf("expected the frame to be dispatched to peer %v, got %v", h, udpSentTo)
	}

	deviceWritten = false
	udpSentTo = nil

	// An inbound frame addressed to the now-learned localMAC lands on the
	// device instead of echoing back out.
	ctx.Route(h, ethernetFrame(localMAC, peerMAC))

	if !deviceWritten {
		t.Fatal("inbound frame addressed to a local MAC must be written to the device")
	}
	if len(udpSentTo) != 0 {
		t.Fatalf("inbound frame to a local MAC must not be re-sent to peers, got %v", udpSentTo)
	}
}

// With no learned destination, handleDevicePacket must flood rather than
// silently drop or loop back to the device.
func TestHandleDevicePacketFloodsUnknownDestination(t *testing.T) {
	ctx, reg := newTestLoopContext(t)

	other := reg.NewPeer("other", "other.example")
	op, _ := reg.Get(other)
	op.Reachable = true
	reg.SetVia(other, other)
	reg.SetNexthop(other, other)
	op.Connection = 99
	reg.SetEdges([]peer.ConnEdge{{Connection: op.Connection, Peer: other, MST: true}})

	var deviceWritten bool
	var sentTo []peer.Handle
	ctx.Dispatch = dispatch.New(reg, dispatch.Collaborators{
		WriteDevice: func(*frame.Packet) error { deviceWritten = true; return nil },
		UDPSend:     func(ph peer.Handle, _ *frame.Packet) { sentTo = append(sentTo, ph) },
		Log:         ctx.Log,
	})
	ctx.Route = ctx.RouteToDispatch

	l := NewLoop(ctx, nil)

	unknownDst := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	localMAC := [6]byte{1, 1, 1, 1, 1, 1}
	l.handleDevicePacket(ethernetFrame(unknownDst, localMAC))

	if deviceWritten {
		t.Fatal("flood of a device-read frame must not write it back to the local device")
	}
	if len(sentTo) != 1 || sentTo[0] != other {
		t.Fatalf("expected the unresolved frame to flood to every MST peer, got %v", sentTo)
	}
}
