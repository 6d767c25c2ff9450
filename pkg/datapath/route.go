package datapath

import (
	"github.com/meshwire/meshwire/pkg/frame"
	"github.com/meshwire/meshwire/pkg/peer"
)

// RouteToDispatch is the default route(peer, pkt) collaborator: record ph
// as the frame's learned source (feeding
// ResolveDestinationByBridge), then deliver by destination MAC: to the
// local TAP device, to the peer the destination was learned from, or, when
// the destination is unknown (or broadcast/multicast, which never appears
// as a source), flooded along the MST skipping the edge it arrived on. A
// daemon with a real L2/L3 forwarding table can replace Context.Route
// with its own function to consult that table first.
func (c *Context) RouteToDispatch(ph peer.Handle, p *frame.Packet) {
	c.learnFrom(ph, p)
	if dest, ok := c.ResolveDestination(p); ok {
		c.Dispatch.SendPacket(dest, p)
		return
	}
	c.Dispatch.BroadcastPacket(ph, p)
}
