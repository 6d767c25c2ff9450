package dispatch

import (
	"testing"

	"github.com/meshwire/meshwire/pkg/frame"
	"github.com/meshwire/meshwire/pkg/logging"
	"github.com/meshwire/meshwire/pkg/peer"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New("test", logging.DEBUG, "")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return log
}

func TestSendPacketLocalDelivery(t *testing.T) {
	reg := peer.NewRegistry()
	var written *frame.Packet

	d := New(reg, Collaborators{
		WriteDevice: func(p *frame.Packet) error { written = p; return nil },
		Log:         testLogger(t),
	})

	p := &frame.Packet{}
	p.SetPayload([]byte("hello"))
	d.SendPacket(reg.MyselfHandle(), p)

	if written != p {
		t.Fatal("expected packet to be written to the local device")
	}
}

func TestSendPacketOverwritesLocalMAC(t *testing.T) {
	reg := peer.NewRegistry()
	var written *frame.Packet
	mac := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	d := New(reg, Collaborators{
		WriteDevice:       func(p *frame.Packet) error { written = p; return nil },
		OverwriteLocalMAC: true,
		LocalMAC:          mac,
		Log:               testLogger(t),
	})

	p := &frame.Packet{}
	frameBytes := make([]byte, frame.EthernetHeaderSize)
	p.SetPayload(frameBytes)
	d.SendPacket(reg.MyselfHandle(), p)

	if written == nil {
		t.Fatal("expected local delivery")
	}
	got := written.Payload()[6:12]
	for i, b := range mac {
		if got[i] != b {
			t.Fatalf("source MAC not overwritten: got %x want %x", got, mac)
		}
	}
}

func TestSendPacketDropsUnreachablePeer(t *testing.T) {
	reg := peer.NewRegistry()
	h := reg.NewPeer("p1", "p1.example")

	udpCalled := false
	d := New(reg, Collaborators{
		UDPSend: func(peer.Handle, *frame.Packet) { udpCalled = true },
		Log:     testLogger(t),
	})

	d.SendPacket(h, &frame.Packet{})
	if udpCalled {
		t.Fatal("expected no send for an unreachable peer")
	}
}

func TestSendPacketUsesUDPForReachableDirectPeer(t *testing.T) {
	reg := peer.NewRegistry()
	h := reg.NewPeer("p1", "p1.example")
	p, _ := reg.Get(h)
	p.Reachable = true
	reg.SetVia(h, h)
	reg.SetNexthop(h, h)

	var sentTo peer.Handle
	d := New(reg, Collaborators{
		UDPSend: func(ph peer.Handle, _ *frame.Packet) { sentTo = ph },
		Log:     testLogger(t),
	})

	d.SendPacket(h, &frame.Packet{})
	if sentTo != h {
		t.Fatalf("expected UDP send to %v, got %v", h, sentTo)
	}
}

func TestSendPacketMustStayOnTCPForcesNexthop(t *testing.T) {
	reg := peer.NewRegistry()
	relay := reg.NewPeer("relay", "relay.example")
	rp, _ := reg.Get(relay)
	rp.Reachable = true
	reg.SetVia(relay, relay)
	reg.SetNexthop(relay, relay)

	dest := reg.NewPeer("dest", "dest.example")
	dp, _ := reg.Get(dest)
	dp.Reachable = true
	reg.SetVia(dest, relay) // normally reachable indirectly via relay
	reg.SetNexthop(dest, relay)

	var tcpConn peer.Handle
	var tcpCalled bool
	d := New(reg, Collaborators{
		TCPSend: func(conn peer.Handle, _ *frame.Packet) bool {
			tcpCalled = true
			tcpConn = conn
			return true
		},
		Log: testLogger(t),
	})

	p := &frame.Packet{Priority: frame.PriorityMustStayOnTCP}
	d.SendPacket(dest, p)

	if !tcpCalled {
		t.Fatal("expected TCP send for a must-stay-on-TCP packet")
	}
	if tcpConn != rp.Connection {
		t.Fatalf("expected TCP send routed via relay's connection, got %v", tcpConn)
	}
}

func TestSendPacketTerminatesConnectionOnTCPFailure(t *testing.T) {
	reg := peer.NewRegistry()
	h := reg.NewPeer("p1", "p1.example")
	p, _ := reg.Get(h)
	p.Reachable = true
	p.TCPOnly = true
	reg.SetVia(h, h)
	reg.SetNexthop(h, h)

	var terminated peer.Handle = peer.Unset
	d := New(reg, Collaborators{
		TCPSend:       func(peer.Handle, *frame.Packet) bool { return false },
		TerminateConn: func(conn peer.Handle) { terminated = conn },
		Log:           testLogger(t),
	})

	d.SendPacket(h, &frame.Packet{})
	if terminated != p.Connection {
		t.Fatalf("expected connection %v to be terminated, got %v", p.Connection, terminated)
	}
}

// SendPacketTCP is the egress pipeline's fallback for peers with no valid
// key or unconfirmed PMTU; it must go through the nexthop's connection and
// never re-enter the UDP path.
func TestSendPacketTCPUsesNexthopConnection(t *testing.T) {
	reg := peer.NewRegistry()
	relay := reg.NewPeer("relay", "relay.example")
	rp, _ := reg.Get(relay)
	rp.Connection = 7

	dest := reg.NewPeer("dest", "dest.example")
	reg.SetNexthop(dest, relay)

	var tcpConn peer.Handle
	var udpCalled bool
	d := New(reg, Collaborators{
		UDPSend: func(peer.Handle, *frame.Packet) { udpCalled = true },
		TCPSend: func(conn peer.Handle, _ *frame.Packet) bool { tcpConn = conn; return true },
		Log:     testLogger(t),
	})

	d.SendPacketTCP(dest, &frame.Packet{})

	if udpCalled {
		t.Fatal("TCP fallback must not touch the UDP path")
	}
	if tcpConn != rp.Connection {
		t.Fatalf("expected send over nexthop connection %v, got %v", rp.Connection, tcpConn)
	}
}

func TestSendPacketTCPTerminatesOnWriteFailure(t *testing.T) {
	reg := peer.NewRegistry()
	h := reg.NewPeer("p1", "p1.example")
	p, _ := reg.Get(h)
	p.Connection = 3
	reg.SetNexthop(h, h)

	var terminated peer.Handle = peer.Unset
	d := New(reg, Collaborators{
		TCPSend:       func(peer.Handle, *frame.Packet) bool { return false },
		TerminateConn: func(conn peer.Handle) { terminated = conn },
		Log:           testLogger(t),
	})

	d.SendPacketTCP(h, &frame.Packet{})
	if terminated != p.Connection {
		t.Fatalf("expected connection %v terminated, got %v", p.Connection, terminated)
	}
}

func TestBroadcastPacketSkipsInboundEdgeAndSelf(t *testing.T) {
	reg := peer.NewRegistry()

	from := reg.NewPeer("from", "from.example")
	fp, _ := reg.Get(from)
	fp.Reachable = true
	reg.SetNexthop(from, from)
	fp.Connection = 42

	other := reg.NewPeer("other", "other.example")
	op, _ := reg.Get(other)
	op.Reachable = true
	reg.SetVia(other, other)
	reg.SetNexthop(other, other)
	op.Connection = 99

	reg.SetEdges([]peer.ConnEdge{
		{Connection: fp.Connection, Peer: from, MST: true}, // inbound edge, must be skipped
		{Connection: op.Connection, Peer: other, MST: true},
		{Connection: 7, Peer: 12345, MST: false}, // not in MST, skipped
	})

	var localWritten bool
	var sentTo []peer.Handle
	d := New(reg, Collaborators{
		WriteDevice: func(*frame.Packet) error { localWritten = true; return nil },
		UDPSend:     func(ph peer.Handle, _ *frame.Packet) { sentTo = append(sentTo, ph) },
		Log:         testLogger(t),
	})

	d.BroadcastPacket(from, &frame.Packet{})

	if !localWritten {
		t.Fatal("expected local delivery for a broadcast not originated locally")
	}
	if len(sentTo) != 1 || sentTo[0] != other {
		t.Fatalf("expected broadcast only to 'other', got %v", sentTo)
	}
}

func TestBroadcastPacketTunnelServerSuppressesRelay(t *testing.T) {
	reg := peer.NewRegistry()
	from := reg.NewPeer("from", "from.example")
	other := reg.NewPeer("other", "other.example")
	op, _ := reg.Get(other)
	op.Reachable = true
	reg.SetVia(other, other)
	reg.SetNexthop(other, other)
	reg.SetEdges([]peer.ConnEdge{{Connection: 1, Peer: other, MST: true}})

	var sentTo []peer.Handle
	d := New(reg, Collaborators{
		WriteDevice:  func(*frame.Packet) error { return nil },
		UDPSend:      func(ph peer.Handle, _ *frame.Packet) { sentTo = append(sentTo, ph) },
		Log:          testLogger(t),
		TunnelServer: true,
	})

	d.BroadcastPacket(from, &frame.Packet{})
	if len(sentTo) != 0 {
		t.Fatalf("expected tunnel server to suppress relay, got sends to %v", sentTo)
	}
}
