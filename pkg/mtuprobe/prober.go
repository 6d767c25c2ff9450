// Package mtuprobe implements the per-peer Path MTU discovery state
// machine: a timed probe loop that narrows in on the largest usable UDP
// payload size and the minimum confirmed size.
package mtuprobe

import (
	cryptorand "crypto/rand"
	"math/rand"
	"time"

	"github.com/meshwire/meshwire/pkg/logging"
	"github.com/meshwire/meshwire/pkg/peer"
)

// Probe cadence and termination bounds.
const (
	ProbeInterval  = time.Second
	MaxNoReply     = 10
	MaxTotal       = 30
	probesPerTick  = 3
	minProbeLen    = 64
	etherHeaderLen = 14
)

// Prober drives MTU discovery for a set of peers. It holds no per-peer
// state itself (that lives on peer.Peer), only the logger and a source of
// randomness for probe sizing.
type Prober struct {
	log  *logging.Logger
	rand *rand.Rand
}

// New creates a Prober that logs through log.
func New(log *logging.Logger) *Prober {
	return &Prober{log: log, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Tick runs one timer tick for p. send emits a single probe
// payload as a normal packet (i.e. through send_packet, so it is
// compressed/sequenced/encrypted like any other frame). Tick returns
// whether the caller should rearm the per-peer timer.
func (pr *Prober) Tick(p *peer.Peer, send func(payload []byte) error) (rearm bool) {
	p.MTUProbes++

	if p.MTUProbes >= MaxNoReply && p.MinMTU == 0 {
		pr.log.Warn(p.Name, "no response to MTU probes, giving up")
		p.MTUTimerActive = false
		return false
	}

	if p.MTUProbes >= MaxTotal || (p.MaxMTU > 0 && p.MinMTU >= p.MaxMTU) {
		p.MTU = p.MinMTU
		p.MTUTimerActive = false
		pr.log.Info(p.Name, "MTU fixed", logging.Fields{"mtu": p.MTU})
		return false
	}

	lo := p.MinMTU + 1
	if lo < minProbeLen {
		lo = minProbeLen
	}
	hi := p.MaxMTU
	if hi < lo {
		hi = lo
	}

	for i := 0; i < probesPerTick; i++ {
		length := lo
		if hi > lo {
			length = lo + pr.rand.Intn(hi-lo+1)
		}
		// The tail must not be a predictable pattern a middlebox could
		// special-case; the zeroed header is what marks it as a probe.
		payload := make([]byte, length)
		if length > etherHeaderLen {
			cryptorand.Read(payload[etherHeaderLen:])
		}
		if err := send(payload); err != nil {
			pr.log.Error(p.Name, "failed to send MTU probe", logging.Fields{"error": err.Error()})
		}
	}

	p.MTUTimerActive = true
	return true
}

// HandleProbe processes a received probe payload (already identified by the
// caller via frame.IsProbe). An outbound probe (payload[0]==0) is echoed
// back with payload[0] set to 1 via sendBack (routed through normal
// send_packet, so it may take the TCP path); a reply (payload[0]==1)
// updates MinMTU if it grew. compressionOverhead is subtracted from the
// measured length first: when the link compresses, a probe's decompressed
// payload can be larger than what actually crossed the wire, so
// MinMTU would otherwise be raised past what's really confirmed usable
// (the MTU/64+20 heuristic, via codec.OverheadEstimate; callers pass 0
// for an uncompressed link).
func (pr *Prober) HandleProbe(p *peer.Peer, payload []byte, compressionOverhead int, sendBack func([]byte) error) error {
	if len(payload) < 1 {
		return nil
	}

	if payload[0] == 0 {
		reply := append([]byte(nil), payload...)
		reply[0] = 1
		return sendBack(reply)
	}

	measured := len(payload) - compressionOverhead
	if measured > p.MinMTU {
		p.MinMTU = measured
		pr.log.Info(p.Name, "MTU probe reply raised minmtu", logging.Fields{"minmtu": p.MinMTU})
	}
	return nil
}

// HandleEMSGSIZE clamps MaxMTU/MTU after the kernel rejected a send as
// too large for the path.
func (pr *Prober) HandleEMSGSIZE(p *peer.Peer, origLen int) {
	learned := origLen - 1
	if learned < 0 {
		learned = 0
	}
	if p.MaxMTU == 0 || learned < p.MaxMTU {
		p.MaxMTU = learned
	}
	if p.MTU == 0 || learned < p.MTU {
		p.MTU = learned
	}
	pr.log.Warn(p.Name, "EMSGSIZE, clamped MTU", logging.Fields{"maxmtu": p.MaxMTU})
}

// NeedsTCP reports whether egress should use the TCP fallback instead of
// UDP because PMTU discovery is required but not yet complete for an IP
// frame.
func NeedsTCP(p *peer.Peer, etherType uint16) bool {
	return p.PMTUDiscovery && p.MinMTU == 0 && etherType != 0
}

// StartProbing (re)initializes MTU state for a peer that just became
// reachable and arms the first tick.
func StartProbing(p *peer.Peer, maxMTU int) {
	p.ResetMTU()
	p.MaxMTU = maxMTU
	p.MTUTimerActive = true
}
