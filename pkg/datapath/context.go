// Package datapath ties the packet-processing packages together behind
// one context object, in place of file-scope globals, and drives the
// single-threaded cooperative reactor loop that serializes all packet
// handling.
package datapath

import (
	"time"

	"github.com/meshwire/meshwire/pkg/dispatch"
	"github.com/meshwire/meshwire/pkg/frame"
	"github.com/meshwire/meshwire/pkg/logging"
	"github.com/meshwire/meshwire/pkg/lookup"
	"github.com/meshwire/meshwire/pkg/mtuprobe"
	"github.com/meshwire/meshwire/pkg/peer"
	udptransport "github.com/meshwire/meshwire/pkg/transport/udp"
)

// Device is the minimal TAP surface the reactor needs (satisfied by
// *tuntap.Device).
type Device interface {
	ReadPacket(p *frame.Packet) (bool, error)
	WritePacket(p *frame.Packet) error
}

// Context is the process-wide datapath state: the peer arena, the address
// index, the MTU prober, key lifetime bookkeeping, and the collaborator
// function values (route, regenerate_key, send_req_key,
// terminate_connection). IP_TOS state lives on pkg/transport/udp.Socket
// itself rather than here, so two sockets never share one remembered
// "last priority set" value.
type Context struct {
	Registry *peer.Registry
	Index    *lookup.Index
	Prober   *mtuprobe.Prober
	Log      *logging.Logger

	UDP      *udptransport.Pipeline
	Dispatch *dispatch.Dispatcher
	Device   Device

	// KeyLifetime governs when regenerate_key is proactively invoked,
	// independent of the MAX_SEQNO-triggered rekey already wired into
	// the ingress pipeline.
	KeyLifetime time.Duration
	keyExpires  map[peer.Handle]time.Time

	// bridge backs ResolveDestinationByBridge, the default
	// ResolveDestination implementation.
	bridge *bridgeTable

	RegenerateKey func(ph peer.Handle)
	SendReqKey    func(ph peer.Handle)
	TerminateConn func(connection peer.Handle)

	// Route is the route(peer, pkt) collaborator: delivery of an
	// already-decoded ingress frame into the L2/L3 layer. It is never
	// used for egress (device-read) destination resolution; see
	// ResolveDestination.
	Route func(ph peer.Handle, p *frame.Packet)

	// ResolveDestination picks the peer a frame just read off the local
	// TAP device should be sent to; the seam a daemon with a real
	// forwarding table hooks into. ok is false when the destination is
	// unknown, in which case Loop floods the frame instead of dropping
	// it.
	ResolveDestination func(p *frame.Packet) (ph peer.Handle, ok bool)
}

// NewContext wires a fresh Context around reg.
func NewContext(reg *peer.Registry, log *logging.Logger, keyLifetime time.Duration) *Context {
	c := &Context{
		Registry:    reg,
		Index:       lookup.New(reg, log),
		Prober:      mtuprobe.New(log),
		Log:         log,
		KeyLifetime: keyLifetime,
		keyExpires:  make(map[peer.Handle]time.Time),
		bridge:      newBridgeTable(),
	}
	c.ResolveDestination = c.ResolveDestinationByBridge
	return c
}

// ArmKeyExpiry records when ph's current session should be proactively
// rotated.
func (c *Context) ArmKeyExpiry(ph peer.Handle) {
	if c.KeyLifetime <= 0 {
		return
	}
	c.keyExpires[ph] = time.Now().Add(c.KeyLifetime)
}

// CheckKeyExpiry regenerates keys for any peer whose lifetime elapsed;
// called periodically by the reactor loop's housekeeping tick.
func (c *Context) CheckKeyExpiry(now time.Time) {
	for ph, expires := range c.keyExpires {
		if now.After(expires) {
			delete(c.keyExpires, ph)
			if c.RegenerateKey != nil {
				c.RegenerateKey(ph)
			}
		}
	}
}
