// Package peer holds per-peer datapath state and the arena (Registry)
// that stores peers, edges, and connections behind stable integer handles
// instead of mutual pointers.
package peer

import (
	"net"

	"github.com/meshwire/meshwire/pkg/cryptosession"
	"github.com/meshwire/meshwire/pkg/replay"
)

// Handle identifies a peer, edge, or connection in a Registry arena.
// The zero value means "unset"; Myself is reserved as handle 1.
type Handle uint32

// Unset is the zero Handle, meaning "no target".
const Unset Handle = 0

// Myself is the reserved handle for the local node.
const Myself Handle = 1

// Peer is a logical remote endpoint, plus the Handle identifying it in a
// Registry.
type Peer struct {
	Handle   Handle
	Name     string
	Hostname string

	// Session state.
	InSession      *cryptosession.Session
	OutSession     *cryptosession.Session
	InMacLength    int
	InCompression  int // 0-11
	OutCompression int
	ValidKey       bool
	WaitingForKey  bool

	// Sequence state.
	SentSeqno uint32
	Replay    *replay.Window // received_seqno high-watermark + late bitmap

	// Address.
	Address *net.UDPAddr

	// Routing.
	Nexthop    Handle
	Via        Handle
	Connection Handle

	// MTU state.
	MTU            int
	MinMTU         int
	MaxMTU         int
	MTUProbes      int
	MTUTimerActive bool

	// Flags.
	Reachable     bool
	TCPOnly       bool
	PMTUDiscovery bool
}

// newPeer constructs a Peer with a fresh replay window and zeroed
// sequence/MTU state.
func newPeer(h Handle, name, hostname string) *Peer {
	return &Peer{
		Handle:   h,
		Name:     name,
		Hostname: hostname,
		Replay:   replay.NewWindow(replay.DefaultWindowBytes),
	}
}

// ResetSession clears sequence/crypto state on key rotation.
func (p *Peer) ResetSession() {
	p.SentSeqno = 0
	p.Replay.Reset()
	if p.InSession != nil {
		p.InSession.Reset()
	}
	if p.OutSession != nil {
		p.OutSession.Reset()
	}
	p.ValidKey = false
	p.WaitingForKey = false
}

// ResetMTU clears MTU discovery state when the peer becomes reachable.
func (p *Peer) ResetMTU() {
	p.MTU = 0
	p.MinMTU = 0
	p.MaxMTU = 0
	p.MTUProbes = 0
	p.MTUTimerActive = false
}
