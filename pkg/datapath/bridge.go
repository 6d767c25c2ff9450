package datapath

import (
	"sync"

	"github.com/meshwire/meshwire/pkg/frame"
	"github.com/meshwire/meshwire/pkg/peer"
)

// bridgeTable is a minimal learning-bridge stand-in for a full L2/L3
// forwarding layer: it remembers which peer a source MAC
// last arrived from, so a frame read off the local TAP device can be aimed
// at the right peer instead of only ever being handed back to the device
// itself. A daemon wired to a real bridging/ARP layer can replace
// Context.ResolveDestination outright; this is the fallback when none is
// configured.
type bridgeTable struct {
	mu   sync.Mutex
	seen map[[6]byte]peer.Handle
}

func newBridgeTable() *bridgeTable {
	return &bridgeTable{seen: make(map[[6]byte]peer.Handle)}
}

func (t *bridgeTable) learn(mac [6]byte, from peer.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[mac] = from
}

func (t *bridgeTable) resolve(mac [6]byte) (peer.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ph, ok := t.seen[mac]
	return ph, ok
}

// learnFrom records p's source MAC as reachable via ph, called on every
// frame delivered through route() and on every device read.
func (c *Context) learnFrom(ph peer.Handle, p *frame.Packet) {
	eth, err := frame.ParseEthernet(p.Payload())
	if err != nil {
		return
	}
	c.bridge.learn(eth.SourceMAC, ph)
}

// ResolveDestinationByBridge looks up p's destination MAC in the table
// learned from inbound traffic, reporting ok=false when the destination
// hasn't been seen yet (the caller should then flood/broadcast, the same
// fallback an Ethernet learning bridge uses for an unknown destination).
func (c *Context) ResolveDestinationByBridge(p *frame.Packet) (peer.Handle, bool) {
	eth, err := frame.ParseEthernet(p.Payload())
	if err != nil {
		return peer.Unset, false
	}
	return c.bridge.resolve(eth.DestinationMAC)
}
