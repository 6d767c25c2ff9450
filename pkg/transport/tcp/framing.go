// Package tcp implements the length-prefixed framing used whenever a
// packet must bypass UDP: the TCP fallback itself, and, because the
// framing only assumes a reliable byte stream, the QUIC and WebSocket
// control channels built on top of it.
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/meshwire/meshwire/pkg/frame"
)

// Conn is the minimal reliable-stream surface this package needs. A
// net.Conn, a quic.Stream and a gorilla websocket.Conn wrapper all satisfy
// it, which is why the transports above can share one framing format.
type Conn interface {
	io.Reader
	io.Writer
}

const lengthPrefixSize = 4

// SendPacket writes p's payload as a 4-byte big-endian length prefix
// followed by the payload itself. It returns false on any write error, at
// which point the caller must terminate the connection.
func SendPacket(conn Conn, p *frame.Packet) bool {
	payload := p.Payload()

	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := conn.Write(header[:]); err != nil {
		return false
	}
	if _, err := conn.Write(payload); err != nil {
		return false
	}
	return true
}

// ReceivePacket reads one length-prefixed frame from conn into p. tcpOnly
// reports whether the peer this connection belongs to is TCP-only, which
// decides whether the reassembled packet is later eligible for UDP
// delivery (priority 0) or must stay on TCP
// (frame.PriorityMustStayOnTCP).
func ReceivePacket(conn Conn, p *frame.Packet, tcpOnly bool) error {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return fmt.Errorf("tcp: read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > frame.MaxSize-lengthPrefixSize {
		return fmt.Errorf("tcp: frame length %d exceeds maximum", n)
	}

	if _, err := io.ReadFull(conn, p.Raw[4:4+n]); err != nil {
		return fmt.Errorf("tcp: read payload: %w", err)
	}
	p.Len = int(n)

	if tcpOnly {
		p.Priority = 0
	} else {
		p.Priority = frame.PriorityMustStayOnTCP
	}
	return nil
}
