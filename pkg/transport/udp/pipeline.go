// Package udp implements the UDP egress and ingress pipelines: the
// per-packet compress/sequence/encrypt/MAC path out, and the
// verify/decrypt/replay-check/decompress path in.
package udp

import (
	"encoding/binary"
	"errors"
	"syscall"

	"github.com/meshwire/meshwire/pkg/codec"
	"github.com/meshwire/meshwire/pkg/frame"
	"github.com/meshwire/meshwire/pkg/logging"
	"github.com/meshwire/meshwire/pkg/mtuprobe"
	"github.com/meshwire/meshwire/pkg/peer"
	"github.com/meshwire/meshwire/pkg/replay"
)

// Collaborators groups the cross-package callbacks the pipeline needs from
// the rest of the datapath, so this package stays free of an import cycle
// back to pkg/dispatch and pkg/datapath.
type Collaborators struct {
	TCPFallback     func(ph peer.Handle, p *frame.Packet)
	RequestKey      func(ph peer.Handle)
	Route           func(ph peer.Handle, p *frame.Packet)
	SendPacket      func(ph peer.Handle, p *frame.Packet)
	Sockets         func() []*Socket
	Prober          *mtuprobe.Prober
	Log             *logging.Logger
	PriorityInherit bool
}

// Pipeline runs the egress and ingress halves of the UDP datapath for one
// peer registry.
type Pipeline struct {
	reg *peer.Registry
	c   Collaborators
}

// New builds a Pipeline bound to reg and its collaborators.
func New(reg *peer.Registry, c Collaborators) *Pipeline {
	return &Pipeline{reg: reg, c: c}
}

func etherTypeOf(payload []byte) uint16 {
	if len(payload) < frame.EthernetHeaderSize {
		return 0
	}
	return binary.BigEndian.Uint16(payload[12:14])
}

// isEMSGSIZE reports whether err is the kernel's "message too long" error,
// the trigger for Path MTU discovery's downward correction.
func isEMSGSIZE(err error) bool {
	return errors.Is(err, syscall.EMSGSIZE)
}

// Send runs the egress pipeline for packet p addressed to
// peer ph. It always restores p.Len/p.Priority before returning, since
// callers (e.g. pkg/dispatch) may reuse p afterward.
func (pl *Pipeline) Send(ph peer.Handle, p *frame.Packet) {
	pr, ok := pl.reg.Get(ph)
	if !ok {
		return
	}

	// 1. Key gate.
	if !pr.ValidKey {
		if !pr.WaitingForKey {
			pl.c.RequestKey(ph)
			pr.WaitingForKey = true
		}
		pl.c.TCPFallback(ph, p)
		return
	}

	// 2. MTU gate: PMTU discovery incomplete for a routable frame.
	if mtuprobe.NeedsTCP(pr, etherTypeOf(p.Payload())) {
		pl.c.TCPFallback(ph, p)
		return
	}

	// 3. Save state to restore on return.
	origLen := p.Len
	origPriority := p.Priority
	defer func() {
		p.Len = origLen
		p.Priority = origPriority
	}()

	// 4. Compress.
	compressed, err := codec.Compress(pr.OutCompression, p.Payload())
	if err != nil {
		pl.c.Log.Error(pr.Name, "compression failed", logging.Fields{"error": err.Error()})
		return
	}

	var staged frame.Packet
	staged.SetPayload(compressed)

	// 5. Assign sequence number.
	pr.SentSeqno++
	binary.BigEndian.PutUint32(staged.SeqField(), pr.SentSeqno)

	signed := staged.SignedRange()

	// 6. Encrypt (seqno field is carried in clear, payload is enciphered).
	var enciphered frame.Packet
	if !pr.OutSession.Encrypt(enciphered.Raw[:len(signed)], signed) {
		pl.c.Log.Error(pr.Name, "encryption failed")
		return
	}
	enciphered.Len = staged.Len

	// 7. MAC over the full signed range (seqno + ciphertext).
	macLen := pr.OutSession.MacLength()
	wire := make([]byte, 0, len(signed)+macLen)
	wire = append(wire, enciphered.SignedRange()...)
	tag := make([]byte, macLen)
	if !pr.OutSession.MacCreate(enciphered.SignedRange(), tag) {
		pl.c.Log.Error(pr.Name, "MAC generation failed")
		return
	}
	wire = append(wire, tag...)

	// 8. Socket selection.
	sockets := pl.c.Sockets()
	sock := SelectSocket(sockets, pr.Address)
	if sock == nil {
		pl.c.Log.Error(pr.Name, "no UDP socket available")
		return
	}

	// 9. Priority inheritance: mirror the frame's own priority into this
	// socket's IP_TOS before sending, only when the daemon is configured to.
	if pl.c.PriorityInherit && sock.Family == "ipv4" && origPriority >= 0 {
		if err := sock.SetTOS(origPriority); err != nil {
			pl.c.Log.Debug(pr.Name, "TOS inheritance failed", logging.Fields{"error": err.Error()})
		}
	}

	// 10. Send, handling EMSGSIZE as PMTU feedback.
	if _, err := sock.WriteTo(wire, pr.Address); err != nil {
		if isEMSGSIZE(err) {
			pl.c.Prober.HandleEMSGSIZE(pr, origLen)
		} else {
			pl.c.Log.Error(pr.Name, "UDP send failed", logging.Fields{"error": err.Error()})
		}
		return
	}
	// 11. origLen/origPriority restored by the deferred call above.
}

// Receive runs the ingress pipeline for a datagram raw just
// received from peer ph.
func (pl *Pipeline) Receive(ph peer.Handle, raw []byte) {
	pr, ok := pl.reg.Get(ph)
	if !ok {
		return
	}

	// 1. Active-cipher gate.
	if pr.InSession == nil || !pr.InSession.IsActive() {
		pl.c.Log.Debug(pr.Name, "dropped packet: no active inbound session")
		return
	}

	// 2. Length floor: seqno field plus at least one MAC tag.
	macLen := pr.InSession.MacLength()
	if len(raw) < 4+macLen {
		pl.c.Log.Debug(pr.Name, "dropped packet: shorter than seqno+digest")
		return
	}

	signed := raw[:len(raw)-macLen]
	tag := raw[len(raw)-macLen:]

	// 3. Verify MAC before touching ciphertext.
	if !pr.InSession.MacVerify(signed, tag) {
		pl.c.Log.Debug(pr.Name, "dropped packet: MAC verification failed")
		return
	}

	// 4. Decrypt.
	var plain frame.Packet
	if !pr.InSession.Decrypt(plain.Raw[:len(signed)], signed) {
		pl.c.Log.Error(pr.Name, "decryption failed")
		return
	}
	plain.Len = len(signed) - 4

	// 5. Read sequence number, check against the replay window.
	seq := binary.BigEndian.Uint32(plain.SeqField())
	outcome, lost := pr.Replay.Check(seq)
	switch outcome {
	case replay.Rejected:
		pl.c.Log.Debug(pr.Name, "dropped packet: replay window rejected sequence", logging.Fields{"seq": seq})
		return
	case replay.AcceptedWithGap:
		pl.c.Log.Warn(pr.Name, "lost packets", logging.Fields{"lost": lost})
	}

	// 6. Regenerate keys once received_seqno exceeds MaxSeqno, a strict
	// bound: the rotation fires one packet past the ceiling, not at it.
	if pr.Replay.ReceivedSeqno() > replay.MaxSeqno {
		pl.c.RequestKey(ph)
	}

	// 7. Decompress.
	payload := plain.Payload()
	if pr.InCompression != codec.LevelIdentity {
		decompressed, err := codec.Decompress(pr.InCompression, payload)
		if err != nil {
			pl.c.Log.Error(pr.Name, "decompression failed", logging.Fields{"error": err.Error()})
			return
		}
		payload = decompressed
	}

	// 8. Clear priority, hand off to MTU-probe handling or routing.
	var out frame.Packet
	out.SetPayload(payload)
	out.Priority = 0

	if frame.IsProbe(out.Payload()) {
		overhead := 0
		if pr.InCompression != codec.LevelIdentity {
			overhead = codec.OverheadEstimate(pr.MTU)
		}
		err := pl.c.Prober.HandleProbe(pr, out.Payload(), overhead, func(reply []byte) error {
			var replyPkt frame.Packet
			replyPkt.SetPayload(reply)
			replyPkt.Priority = 0
			pl.c.SendPacket(ph, &replyPkt)
			return nil
		})
		if err != nil {
			pl.c.Log.Error(pr.Name, "MTU probe handling failed", logging.Fields{"error": err.Error()})
		}
		return
	}

	pl.c.Route(ph, &out)
}
