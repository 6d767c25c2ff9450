// Package quic provides a QUIC-based control channel as an alternative to
// plain TCP for the fallback path: one bidirectional stream per
// connection, handed to pkg/transport/tcp's length-prefixed framing. No
// crypto happens at this layer beyond QUIC's own TLS; per-peer session
// crypto lives in pkg/cryptosession, applied uniformly regardless of
// transport.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

var config = &quic.Config{
	MaxIncomingStreams:    1,
	MaxIncomingUniStreams: 0,
	KeepAlivePeriod:       10 * time.Second,
	MaxIdleTimeout:        30 * time.Second,
}

// Listener accepts incoming QUIC connections, each yielding one
// bidirectional stream as a control channel.
type Listener struct {
	inner *quic.Listener
}

// Listen binds addr and starts accepting QUIC connections authenticated
// under tlsConfig.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("quic: resolve address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("quic: listen: %w", err)
	}

	inner, err := quic.Listen(udpConn, tlsConfig, config)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic: create listener: %w", err)
	}
	return &Listener{inner: inner}, nil
}

// Accept waits for the next connection and its single control stream,
// reporting the remote address so the caller can associate the stream with
// a peer.
func (l *Listener) Accept(ctx context.Context) (quic.Stream, net.Addr, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("quic: accept connection: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(1, "failed to accept stream")
		return nil, nil, fmt.Errorf("quic: accept stream: %w", err)
	}
	return stream, conn.RemoteAddr(), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.inner.Close()
}

// Dial opens a new QUIC connection to addr and its single control stream.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (quic.Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, config)
	if err != nil {
		return nil, fmt.Errorf("quic: dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "failed to open stream")
		return nil, fmt.Errorf("quic: open stream: %w", err)
	}
	return stream, nil
}
