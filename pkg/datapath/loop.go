package datapath

import (
	"net"
	"time"

	"github.com/meshwire/meshwire/pkg/frame"
	"github.com/meshwire/meshwire/pkg/mtuprobe"
	"github.com/meshwire/meshwire/pkg/peer"
	udptransport "github.com/meshwire/meshwire/pkg/transport/udp"
)

// udpDatagram is one inbound read: the datagram bytes and the address it
// came from.
type udpDatagram struct {
	data []byte
	addr *net.UDPAddr
}

// ctrlPacket is one packet decoded off a peer's control channel (TCP, QUIC
// or WebSocket stream), already associated with that peer.
type ctrlPacket struct {
	from peer.Handle
	pkt  *frame.Packet
}

// Loop is the single-threaded cooperative reactor: one goroutine selects
// over UDP readability, TAP readability, control-channel packets, and a
// housekeeping tick, and runs each event's handler to completion before
// looking at the next, so a reply emitted synchronously from within an
// ingress handler (the MTU-probe echo path) is safe by construction, with
// no re-entrancy into the reactor itself.
type Loop struct {
	ctx     *Context
	sockets []*udptransport.Socket
	udpIn   chan udpDatagram
	tapIn   chan *frame.Packet
	ctrlIn  chan ctrlPacket
	stop    chan struct{}
	done    chan struct{}
}

// NewLoop builds a reactor over the given UDP sockets; TAP reads are
// pumped separately once Device is set on ctx.
func NewLoop(ctx *Context, sockets []*udptransport.Socket) *Loop {
	return &Loop{
		ctx:     ctx,
		sockets: sockets,
		udpIn:   make(chan udpDatagram, 256),
		tapIn:   make(chan *frame.Packet, 256),
		ctrlIn:  make(chan ctrlPacket, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run starts the reader goroutines and blocks in the reactor's select loop
// until Stop is called.
func (l *Loop) Run() {
	defer close(l.done)

	for _, s := range l.sockets {
		go l.pumpSocket(s)
	}
	if l.ctx.Device != nil {
		go l.pumpDevice()
	}

	housekeeping := time.NewTicker(mtuprobe.ProbeInterval)
	defer housekeeping.Stop()

	for {
		select {
		case <-l.stop:
			return

		case dg := <-l.udpIn:
			l.handleDatagram(dg)

		case pkt := <-l.tapIn:
			l.handleDevicePacket(pkt)

		case cp := <-l.ctrlIn:
			l.ctx.Route(cp.from, cp.pkt)

		case now := <-housekeeping.C:
			l.handleHousekeeping(now)
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

func (l *Loop) pumpSocket(s *udptransport.Socket) {
	buf := make([]byte, frame.MaxSize)
	for {
		n, addr, err := s.Conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed: Stop() is tearing the loop down
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case l.udpIn <- udpDatagram{data: data, addr: addr}:
		case <-l.stop:
			return
		}
	}
}

func (l *Loop) pumpDevice() {
	for {
		var p frame.Packet
		ok, err := l.ctx.Device.ReadPacket(&p)
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		select {
		case l.tapIn <- &p:
		case <-l.stop:
			return
		}
	}
}

// InjectControlPacket hands a packet decoded off from's control channel to
// the reactor, which delivers it through route() on the processing
// goroutine: the receive_tcppacket ingress path, serialized with UDP
// ingress so the no-re-entrancy discipline holds for every transport.
func (l *Loop) InjectControlPacket(from peer.Handle, p *frame.Packet) {
	select {
	case l.ctrlIn <- ctrlPacket{from: from, pkt: p}:
	case <-l.stop:
	}
}

// handleDatagram resolves the datagram's source address
// (lookup_node_udp / try_harder), then runs the ingress pipeline proper.
func (l *Loop) handleDatagram(dg udpDatagram) {
	ph, ok := l.ctx.Index.Lookup(dg.addr, dg.data, l.verifyMAC)
	if !ok {
		return
	}
	l.ctx.UDP.Receive(ph, dg.data)
}

// verifyMAC checks whether raw authenticates under candidate ph's inbound
// session, without mutating any replay/decrypt state. Used only to
// disambiguate try_harder candidates sharing an IP.
func (l *Loop) verifyMAC(ph peer.Handle, raw []byte) bool {
	p, ok := l.ctx.Registry.Get(ph)
	if !ok || p.InSession == nil || !p.InSession.IsActive() {
		return false
	}
	macLen := p.InSession.MacLength()
	if len(raw) < 4+macLen {
		return false
	}
	signed := raw[:len(raw)-macLen]
	tag := raw[len(raw)-macLen:]
	return p.InSession.MacVerify(signed, tag)
}

// handleDevicePacket is the egress entry point: a frame read off the TAP
// device is never self-addressed, so it must be resolved to a destination
// peer before reaching Dispatch. route() is deliberately not used here:
// it is the ingress-only delegate, and calling it with Myself would just
// loop the frame back onto the device it came from without ever reaching
// Dispatch's via/nexthop selection.
func (l *Loop) handleDevicePacket(p *frame.Packet) {
	if l.ctx.Dispatch == nil {
		return
	}

	// Local MACs are learned here so inbound frames addressed to them
	// resolve to Myself and land on the device.
	l.ctx.learnFrom(l.ctx.Registry.MyselfHandle(), p)

	if l.ctx.ResolveDestination != nil {
		if dest, ok := l.ctx.ResolveDestination(p); ok {
			l.ctx.Dispatch.SendPacket(dest, p)
			return
		}
	}

	// Unknown destination: flood, the same fallback an Ethernet learning
	// bridge uses before it has learned where a MAC lives.
	l.ctx.Dispatch.BroadcastPacket(l.ctx.Registry.MyselfHandle(), p)
}

func (l *Loop) handleHousekeeping(now time.Time) {
	l.ctx.CheckKeyExpiry(now)

	for _, ph := range l.ctx.Registry.All() {
		p, ok := l.ctx.Registry.Get(ph)
		if !ok || !p.MTUTimerActive {
			continue
		}
		l.ctx.Prober.Tick(p, func(payload []byte) error {
			var probe frame.Packet
			probe.SetPayload(payload)
			probe.Priority = 0
			l.ctx.Dispatch.SendPacket(ph, &probe)
			return nil
		})
	}
}
