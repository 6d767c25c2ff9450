package peer

import "sync"

// ConnEdge is one entry of the connection_tree/edge_weight_tree snapshot
// the graph layer publishes: a connection handle, the peer it leads to,
// and whether the edge is part of the minimum spanning tree (consumed,
// never computed, here).
type ConnEdge struct {
	Connection Handle
	Peer       Handle
	MST        bool
}

// Registry is the peer/edge/connection arena: stable integer handles in
// place of mutual pointers, so records can be resolved without cyclic
// references.
type Registry struct {
	mu    sync.Mutex
	peers []*Peer // index 0 unused; index 1 is Myself
	edges []ConnEdge
}

// NewRegistry creates an arena preloaded with the Myself entry at handle 1.
func NewRegistry() *Registry {
	r := &Registry{peers: make([]*Peer, 2)}
	r.peers[Myself] = newPeer(Myself, "myself", "")
	r.peers[Myself].Reachable = true
	return r
}

// NewPeer allocates a new peer and returns its handle.
func (r *Registry) NewPeer(name, hostname string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Handle(len(r.peers))
	r.peers = append(r.peers, newPeer(h, name, hostname))
	return h
}

// Get resolves a handle to its Peer. ok is false for Unset or unknown
// handles.
func (r *Registry) Get(h Handle) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h == Unset || int(h) >= len(r.peers) || r.peers[h] == nil {
		return nil, false
	}
	return r.peers[h], true
}

// MyselfHandle returns the local node's handle.
func (r *Registry) MyselfHandle() Handle { return Myself }

// SetNexthop sets p's forwarding peer.
func (r *Registry) SetNexthop(h, nexthop Handle) {
	if p, ok := r.Get(h); ok {
		p.Nexthop = nexthop
	}
}

// SetVia sets p's re-encryption hop.
func (r *Registry) SetVia(h, via Handle) {
	if p, ok := r.Get(h); ok {
		p.Via = via
	}
}

// SetConnection binds p's control-channel connection handle.
func (r *Registry) SetConnection(h, conn Handle) {
	if p, ok := r.Get(h); ok {
		p.Connection = conn
	}
}

// ResetSession resets a peer's crypto/sequence state (key rotation).
func (r *Registry) ResetSession(h Handle) {
	if p, ok := r.Get(h); ok {
		p.ResetSession()
	}
}

// ResetMTU resets a peer's MTU discovery state (became reachable).
func (r *Registry) ResetMTU(h Handle) {
	if p, ok := r.Get(h); ok {
		p.ResetMTU()
	}
}

// SetEdges replaces the connection_tree/edge_weight_tree snapshot the graph
// collaborator publishes. The datapath never computes this; it only walks
// the result.
func (r *Registry) SetEdges(edges []ConnEdge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append([]ConnEdge(nil), edges...)
}

// Edges returns the current connection_tree snapshot.
func (r *Registry) Edges() []ConnEdge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnEdge(nil), r.edges...)
}

// All returns every allocated peer handle except Myself, for diagnostics
// and lookup fallback (try_harder walks peers by address, which is
// effectively a walk over this set joined with Address).
func (r *Registry) All() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Handle, 0, len(r.peers))
	for h := Myself + 1; int(h) < len(r.peers); h++ {
		if r.peers[h] != nil {
			out = append(out, h)
		}
	}
	return out
}
