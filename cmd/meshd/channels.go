package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/meshwire/meshwire/pkg/config"
	"github.com/meshwire/meshwire/pkg/datapath"
	"github.com/meshwire/meshwire/pkg/frame"
	"github.com/meshwire/meshwire/pkg/logging"
	"github.com/meshwire/meshwire/pkg/peer"
	quictransport "github.com/meshwire/meshwire/pkg/transport/quic"
	tcptransport "github.com/meshwire/meshwire/pkg/transport/tcp"
	"github.com/meshwire/meshwire/pkg/transport/wsrelay"
)

// channelManager owns the peer control channels: the listeners (plain TCP,
// QUIC, WebSocket), the dialed outbound channels, and the table binding a
// connection handle to its live stream. With a static peer list the
// connection handle is the peer handle, so the table doubles as the
// "connection_tree" the dispatcher's TCPSend/TerminateConn collaborators
// resolve against.
type channelManager struct {
	reg  *peer.Registry
	loop *datapath.Loop
	log  *logging.Logger

	mu    sync.Mutex
	conns map[peer.Handle]tcptransport.Conn

	closers []func() error

	selfTCPOnly bool
}

func newChannelManager(reg *peer.Registry, loop *datapath.Loop, log *logging.Logger, selfTCPOnly bool) *channelManager {
	return &channelManager{
		reg:         reg,
		loop:        loop,
		log:         log,
		conns:       make(map[peer.Handle]tcptransport.Conn),
		selfTCPOnly: selfTCPOnly,
	}
}

// Send pushes p over the control channel bound to the given connection
// handle (the send_tcppacket collaborator). False means the caller should
// terminate the connection.
func (m *channelManager) Send(connection peer.Handle, p *frame.Packet) bool {
	m.mu.Lock()
	conn := m.conns[connection]
	m.mu.Unlock()
	if conn == nil {
		m.log.Debug("", "no control channel for connection", logging.Fields{"connection": connection})
		return false
	}
	return tcptransport.SendPacket(conn, p)
}

// Terminate drops the control channel bound to the given connection handle
// and marks its peer unreachable (the terminate_connection collaborator).
func (m *channelManager) Terminate(connection peer.Handle) {
	m.mu.Lock()
	conn := m.conns[connection]
	delete(m.conns, connection)
	m.mu.Unlock()

	if closer, ok := conn.(interface{ Close() error }); ok {
		closer.Close()
	}
	if p, ok := m.reg.Get(connection); ok {
		p.Reachable = false
		m.log.Warn(p.Name, "control channel terminated")
	}
}

// Listen starts whichever control-channel listeners the config enables and
// dials the static peers that declare a control address.
func (m *channelManager) Listen(cfg *config.Config) error {
	if addr := cfg.Network.ListenTCP; addr != "" {
		if err := m.listenTCP(addr); err != nil {
			return err
		}
	}
	if addr := cfg.Network.ListenQUIC; addr != "" {
		if err := m.listenQUIC(addr, cfg.Network.LocalIP); err != nil {
			return err
		}
	}
	if addr := cfg.Network.ListenWS; addr != "" {
		if err := m.listenWebSocket(addr); err != nil {
			return err
		}
	}
	return nil
}

// DialStatic opens outbound TCP control channels to every static peer that
// declares one.
func (m *channelManager) DialStatic(peers []config.PeerConfig) {
	for _, pc := range peers {
		if pc.ControlAddress == "" {
			continue
		}
		ph := m.peerByName(pc.Name)
		if ph == peer.Unset {
			continue
		}
		conn, err := net.DialTimeout("tcp", pc.ControlAddress, 10*time.Second)
		if err != nil {
			m.log.Warn(pc.Name, "control channel dial failed", logging.Fields{"error": err.Error()})
			continue
		}
		m.adopt(ph, conn)
	}
}

func (m *channelManager) listenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen TCP control channel %s: %w", addr, err)
	}
	m.closers = append(m.closers, ln.Close)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			m.adoptByAddr(conn, conn.RemoteAddr())
		}
	}()
	return nil
}

func (m *channelManager) listenQUIC(addr, localIP string) error {
	tlsConfig, err := ephemeralTLSConfig(localIP)
	if err != nil {
		return err
	}
	ln, err := quictransport.Listen(addr, tlsConfig)
	if err != nil {
		return err
	}
	m.closers = append(m.closers, ln.Close)

	go func() {
		for {
			stream, remote, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			m.adoptByAddr(stream, remote)
		}
	}()
	return nil
}

func (m *channelManager) listenWebSocket(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/channel", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsrelay.Upgrade(w, r)
		if err != nil {
			m.log.Warn("", "websocket upgrade failed", logging.Fields{"error": err.Error()})
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			conn.Close()
			return
		}
		m.adoptForIP(conn, net.ParseIP(host))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	m.closers = append(m.closers, srv.Close)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("", "websocket listener failed", logging.Fields{"error": err.Error()})
		}
	}()
	return nil
}

// adoptByAddr resolves an inbound channel's peer by remote IP and starts
// serving it.
func (m *channelManager) adoptByAddr(conn tcptransport.Conn, remote net.Addr) {
	var ip net.IP
	switch a := remote.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	}
	m.adoptForIP(conn, ip)
}

func (m *channelManager) adoptForIP(conn tcptransport.Conn, ip net.IP) {
	ph := m.peerByIP(ip)
	if ph == peer.Unset {
		m.log.Warn("", "control channel from unknown address, closing", logging.Fields{"addr": ip.String()})
		if closer, ok := conn.(interface{ Close() error }); ok {
			closer.Close()
		}
		return
	}
	m.adopt(ph, conn)
}

// adopt binds conn as ph's control channel and starts its read loop:
// receive_tcppacket, handed to the reactor so every transport's ingress is
// processed on the one datapath goroutine.
func (m *channelManager) adopt(ph peer.Handle, conn tcptransport.Conn) {
	m.mu.Lock()
	m.conns[ph] = conn
	m.mu.Unlock()
	m.reg.SetConnection(ph, ph)

	p, ok := m.reg.Get(ph)
	if !ok {
		return
	}
	m.log.Info(p.Name, "control channel established")
	tcpOnly := p.TCPOnly || m.selfTCPOnly

	go func() {
		for {
			var pkt frame.Packet
			if err := tcptransport.ReceivePacket(conn, &pkt, tcpOnly); err != nil {
				m.log.Debug(p.Name, "control channel closed", logging.Fields{"error": err.Error()})
				m.Terminate(ph)
				return
			}
			m.loop.InjectControlPacket(ph, &pkt)
		}
	}()
}

func (m *channelManager) peerByName(name string) peer.Handle {
	for _, ph := range m.reg.All() {
		if p, ok := m.reg.Get(ph); ok && p.Name == name {
			return ph
		}
	}
	return peer.Unset
}

// peerByIP matches an inbound control channel to a static peer by remote
// IP, the same address-ignoring-port match lookup's try_harder uses for
// UDP. A real topology collaborator would identify the peer during its
// handshake instead.
func (m *channelManager) peerByIP(ip net.IP) peer.Handle {
	if ip == nil {
		return peer.Unset
	}
	for _, ph := range m.reg.All() {
		if p, ok := m.reg.Get(ph); ok && p.Address != nil && p.Address.IP.Equal(ip) {
			return ph
		}
	}
	return peer.Unset
}

// Close shuts every listener down; per-channel read loops exit when their
// streams are closed by Terminate or by the remote.
func (m *channelManager) Close() {
	for _, closeFn := range m.closers {
		closeFn()
	}
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[peer.Handle]tcptransport.Conn)
	m.mu.Unlock()
	for _, conn := range conns {
		if closer, ok := conn.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
}

// ephemeralTLSConfig generates the self-signed ECDSA certificate the QUIC
// listener needs. Channel payloads are already protected end-to-end by the
// per-peer session crypto, so the TLS layer only has to exist, not carry
// identity; the certificate is valid for 24 hours with the local IP as its
// SAN.
func ephemeralTLSConfig(localIP string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ECDSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"meshwire"},
			CommonName:   "meshwire control channel",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(localIP); ip != nil {
		template.IPAddresses = []net.IP{ip}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{"meshwire-ctrl"},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
