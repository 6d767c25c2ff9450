package udp

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// Socket is one of the daemon's listening UDP sockets. IPv4 sockets carry
// their own IP_TOS state; keeping it per-socket means two sockets sending
// at different priorities never fight over one remembered value.
type Socket struct {
	Conn     *net.UDPConn
	Family   string // "ipv4" or "ipv6"
	v4       *ipv4.PacketConn
	lastTOS  int
	tosKnown bool
}

// NewSocket wraps a bound UDP connection.
func NewSocket(conn *net.UDPConn, family string) *Socket {
	s := &Socket{Conn: conn, Family: family}
	if family == "ipv4" {
		s.v4 = ipv4.NewPacketConn(conn)
	}
	return s
}

// WriteTo sends b to addr over this socket.
func (s *Socket) WriteTo(b []byte, addr *net.UDPAddr) (int, error) {
	return s.Conn.WriteToUDP(b, addr)
}

// SetTOS applies IP_TOS if it differs from the last value this socket
// used.
func (s *Socket) SetTOS(tos int) error {
	if s.v4 == nil {
		return fmt.Errorf("socket: TOS only applies to IPv4 sockets")
	}
	if s.tosKnown && s.lastTOS == tos {
		return nil
	}
	if err := s.v4.SetTOS(tos); err != nil {
		return fmt.Errorf("socket: set TOS %d: %w", tos, err)
	}
	s.lastTOS = tos
	s.tosKnown = true
	return nil
}

// SelectSocket picks the first socket whose family matches addr; if none
// matches, it falls back to the first available socket, best-effort.
func SelectSocket(sockets []*Socket, addr *net.UDPAddr) *Socket {
	if len(sockets) == 0 {
		return nil
	}
	want := "ipv4"
	if addr != nil && addr.IP.To4() == nil {
		want = "ipv6"
	}
	for _, s := range sockets {
		if s.Family == want {
			return s
		}
	}
	return sockets[0]
}
