// Package lookup implements lookup_node_udp and its try_harder fallback:
// resolving an inbound UDP datagram's source address to the peer it came
// from.
package lookup

import (
	"net"

	"github.com/meshwire/meshwire/pkg/logging"
	"github.com/meshwire/meshwire/pkg/peer"
)

// VerifyFunc reports whether raw authenticates as having come from ph,
// i.e. its MAC verifies under ph's inbound session. try_harder uses this
// to disambiguate candidates that merely share an IP.
type VerifyFunc func(ph peer.Handle, raw []byte) bool

// Index resolves UDP source addresses to peer handles.
type Index struct {
	reg        *peer.Registry
	log        *logging.Logger
	byAddr     map[string]peer.Handle
	handleAddr map[peer.Handle]string
}

// New builds an empty index over reg.
func New(reg *peer.Registry, log *logging.Logger) *Index {
	return &Index{
		reg:        reg,
		log:        log,
		byAddr:     make(map[string]peer.Handle),
		handleAddr: make(map[peer.Handle]string),
	}
}

// Update records addr as ph's current known address (update_node_udp),
// replacing any previous mapping for ph.
func (idx *Index) Update(ph peer.Handle, addr *net.UDPAddr) {
	if old, ok := idx.handleAddr[ph]; ok {
		delete(idx.byAddr, old)
	}
	key := addr.String()
	idx.byAddr[key] = ph
	idx.handleAddr[ph] = key

	if p, ok := idx.reg.Get(ph); ok {
		p.Address = addr
	}
}

// Lookup resolves addr to a peer handle (lookup_node_udp). On an index
// miss it falls back to try_harder: scanning every peer whose last known
// address matches addr's IP (ignoring port) and accepting the first one
// whose MAC verifies over raw. A matched-by-address-but-unverified peer is
// logged as a fallback, but lookup still reports a miss; the packet is
// dropped by the caller either way.
func (idx *Index) Lookup(addr *net.UDPAddr, raw []byte, verify VerifyFunc) (peer.Handle, bool) {
	if ph, ok := idx.byAddr[addr.String()]; ok {
		return ph, true
	}
	return idx.tryHarder(addr, raw, verify)
}

func (idx *Index) tryHarder(addr *net.UDPAddr, raw []byte, verify VerifyFunc) (peer.Handle, bool) {
	var fallback peer.Handle
	haveFallback := false

	for _, ph := range idx.reg.All() {
		p, ok := idx.reg.Get(ph)
		if !ok || p.Address == nil {
			continue
		}
		if !p.Address.IP.Equal(addr.IP) {
			continue
		}
		if !haveFallback {
			fallback = ph
			haveFallback = true
		}
		if verify(ph, raw) {
			idx.Update(ph, addr)
			return ph, true
		}
	}

	if haveFallback {
		idx.log.Debug("", "try_harder matched address but MAC did not verify",
			logging.Fields{"addr": addr.String(), "fallback_handle": fallback})
	} else {
		idx.log.Debug("", "unknown UDP source, dropping",
			logging.Fields{"addr": addr.String()})
	}
	return peer.Unset, false
}
