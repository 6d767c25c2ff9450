// Package dispatch implements send_packet and broadcast_packet: routing a
// single packet to its next hop, whether that hop is this node's own TAP
// device, a UDP peer, or a relayed connection.
package dispatch

import (
	"github.com/meshwire/meshwire/pkg/frame"
	"github.com/meshwire/meshwire/pkg/logging"
	"github.com/meshwire/meshwire/pkg/peer"
)

// Collaborators groups the callbacks Dispatcher needs into the rest of the
// datapath.
type Collaborators struct {
	WriteDevice       func(p *frame.Packet) error
	UDPSend           func(ph peer.Handle, p *frame.Packet)
	TCPSend           func(connection peer.Handle, p *frame.Packet) bool
	TerminateConn     func(connection peer.Handle)
	Log               *logging.Logger
	OverwriteLocalMAC bool
	LocalMAC          [6]byte
	TunnelServer      bool
}

// Dispatcher routes outbound packets for one peer registry.
type Dispatcher struct {
	reg *peer.Registry
	c   Collaborators
}

// New builds a Dispatcher bound to reg and its collaborators.
func New(reg *peer.Registry, c Collaborators) *Dispatcher {
	return &Dispatcher{reg: reg, c: c}
}

// SendPacket delivers p to peer n (send_packet). n may be Myself, in
// which case p is written straight to the local TAP device.
func (d *Dispatcher) SendPacket(n peer.Handle, p *frame.Packet) {
	if n == d.reg.MyselfHandle() {
		if d.c.OverwriteLocalMAC {
			overwriteSourceMAC(p, d.c.LocalMAC)
		}
		if err := d.c.WriteDevice(p); err != nil {
			d.c.Log.Error("local", "failed to write packet to device", logging.Fields{"error": err.Error()})
		}
		return
	}

	np, ok := d.reg.Get(n)
	if !ok || !np.Reachable {
		d.c.Log.Debug("", "dropped packet: destination unreachable", logging.Fields{"handle": n})
		return
	}

	// Select the peer whose session/connection actually carries the bytes:
	// either np itself, or np's nexthop when np is only reachable
	// indirectly or the packet must stay on the hop it arrived on.
	viaHandle := np.Via
	if p.Priority == frame.PriorityMustStayOnTCP || np.Via == d.reg.MyselfHandle() {
		viaHandle = np.Nexthop
	}
	via, ok := d.reg.Get(viaHandle)
	if !ok {
		d.c.Log.Debug(np.Name, "dropped packet: no route via peer", logging.Fields{"via": viaHandle})
		return
	}

	self, _ := d.reg.Get(d.reg.MyselfHandle())
	if p.Priority == frame.PriorityMustStayOnTCP || via.TCPOnly || (self != nil && self.TCPOnly) {
		if !d.c.TCPSend(via.Connection, p) {
			d.c.TerminateConn(via.Connection)
		}
		return
	}

	d.c.UDPSend(viaHandle, p)
}

// SendPacketTCP forwards p to n over n's nexthop control connection,
// bypassing UDP entirely. The egress pipeline falls back to this when a
// peer has no valid key yet or PMTU discovery hasn't confirmed a usable
// datagram size; on write failure the connection is terminated.
func (d *Dispatcher) SendPacketTCP(n peer.Handle, p *frame.Packet) {
	np, ok := d.reg.Get(n)
	if !ok {
		return
	}
	nh, ok := d.reg.Get(np.Nexthop)
	if !ok {
		d.c.Log.Debug(np.Name, "dropped packet: no nexthop for TCP fallback")
		return
	}
	if !d.c.TCPSend(nh.Connection, p) {
		d.c.TerminateConn(nh.Connection)
	}
}

// overwriteSourceMAC rewrites the source MAC of an Ethernet frame before
// local delivery (the overwrite_mac daemon option).
func overwriteSourceMAC(p *frame.Packet, mac [6]byte) {
	payload := p.Payload()
	if len(payload) < frame.EthernetHeaderSize {
		return
	}
	copy(payload[6:12], mac[:])
}

// BroadcastPacket delivers p to every peer reachable via the current
// minimum spanning tree, skipping the connection it arrived on
// (broadcast_packet).
func (d *Dispatcher) BroadcastPacket(from peer.Handle, p *frame.Packet) {
	myself := d.reg.MyselfHandle()

	if from != myself {
		d.SendPacket(myself, p)
	}

	if d.c.TunnelServer && from != myself {
		return
	}

	var fromNexthopConn peer.Handle = peer.Unset
	if fp, ok := d.reg.Get(from); ok {
		if nh, ok := d.reg.Get(fp.Nexthop); ok {
			fromNexthopConn = nh.Connection
		}
	}

	for _, edge := range d.reg.Edges() {
		if !edge.MST {
			continue
		}
		if edge.Connection == fromNexthopConn {
			continue
		}
		d.SendPacket(edge.Peer, p)
	}
}
