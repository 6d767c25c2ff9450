// Command meshd is the mesh VPN daemon: it owns the TAP device, the UDP
// sockets, and the reactor loop that runs the packet datapath.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshwire/meshwire/pkg/config"
	"github.com/meshwire/meshwire/pkg/datapath"
	"github.com/meshwire/meshwire/pkg/dispatch"
	"github.com/meshwire/meshwire/pkg/frame"
	"github.com/meshwire/meshwire/pkg/keyexchange"
	"github.com/meshwire/meshwire/pkg/logging"
	"github.com/meshwire/meshwire/pkg/mtuprobe"
	"github.com/meshwire/meshwire/pkg/nat"
	"github.com/meshwire/meshwire/pkg/peer"
	"github.com/meshwire/meshwire/pkg/persistence"
	"github.com/meshwire/meshwire/pkg/replay"
	udptransport "github.com/meshwire/meshwire/pkg/transport/udp"
	"github.com/meshwire/meshwire/pkg/tuntap"
)

const version = "0.1.0"

// defaultMACLength is the BLAKE2b tag size used for static-configured
// peers; the session layer accepts any negotiated 1-64 byte tag.
const defaultMACLength = 32

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "meshd",
		Short:   "meshwire mesh VPN daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/meshwire/meshd.yaml", "path to daemon config")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("meshd: %w", err)
	}

	level := logging.INFO
	if cfg.Logging.Level == "debug" {
		level = logging.DEBUG
	}
	log, err := logging.New("meshd", level, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("meshd: %w", err)
	}
	defer log.Close()

	log.Info("", "starting meshd", logging.Fields{"version": version})

	reg := peer.NewRegistry()
	dpCtx := datapath.NewContext(reg, log, cfg.KeyExchange.RotationInterval)

	device, err := tuntap.New(cfg.Network.TAPDevice, cfg.Network.LocalIP, cfg.Network.Netmask)
	if err != nil {
		return fmt.Errorf("meshd: %w", err)
	}
	defer device.Close()
	dpCtx.Device = device

	sockets, err := openSockets(cfg.Network.ListenUDP)
	if err != nil {
		return fmt.Errorf("meshd: %w", err)
	}
	defer closeSockets(sockets)

	if cfg.Daemon.TCPOnly {
		if self, ok := reg.Get(reg.MyselfHandle()); ok {
			self.TCPOnly = true
		}
	}

	km := keyexchange.NewManager(cfg.KeyExchange.RotationInterval)
	psks := make(map[peer.Handle][]byte)

	var edges []peer.ConnEdge
	for _, pc := range cfg.Peers {
		h, err := addStaticPeer(reg, dpCtx, pc, cfg)
		if err != nil {
			log.Error(pc.Name, "failed to register peer", logging.Fields{"error": err.Error()})
			continue
		}
		if pc.PresharedKey != "" {
			psk, err := hex.DecodeString(pc.PresharedKey)
			if err != nil {
				log.Error(pc.Name, "invalid preshared key", logging.Fields{"error": err.Error()})
			} else {
				psks[h] = psk
			}
		}
		// With a static peer list every peer is a direct neighbor, so each
		// edge is trivially part of the MST the graph collaborator would
		// otherwise publish.
		edges = append(edges, peer.ConnEdge{Connection: h, Peer: h, MST: true})
	}
	reg.SetEdges(edges)

	localMAC, err := parseMAC(cfg.Daemon.LocalMAC)
	if err != nil && cfg.Daemon.OverwriteMAC {
		return fmt.Errorf("meshd: %w", err)
	}

	// Assigned below, once the reactor loop exists; the dispatcher only
	// calls into it per packet, never during construction.
	var channels *channelManager

	dpCtx.Dispatch = dispatch.New(reg, dispatch.Collaborators{
		WriteDevice:       device.WritePacket,
		UDPSend:           func(ph peer.Handle, p *frame.Packet) { dpCtx.UDP.Send(ph, p) },
		TCPSend:           func(connection peer.Handle, p *frame.Packet) bool { return channels.Send(connection, p) },
		TerminateConn:     func(connection peer.Handle) { channels.Terminate(connection) },
		Log:               log,
		TunnelServer:      cfg.Daemon.TunnelServer,
		OverwriteLocalMAC: cfg.Daemon.OverwriteMAC,
		LocalMAC:          localMAC,
	})

	// rekey rotates a peer's session: for preshared-key peers a fresh
	// derivation sequence yields new key material immediately; anything
	// else has to wait for the (external) handshake collaborator, and only
	// the request is logged.
	rekey := func(ph peer.Handle) {
		p, ok := reg.Get(ph)
		if !ok {
			return
		}
		psk, ok := psks[ph]
		if !ok {
			log.Info(p.Name, "requesting key exchange")
			return
		}
		p.ResetSession()
		if err := installSession(p, km, psk, defaultMACLength, []byte(cfg.Daemon.Name), []byte(p.Name)); err != nil {
			log.Error(p.Name, "session derivation failed", logging.Fields{"error": err.Error()})
			return
		}
		dpCtx.ArmKeyExpiry(ph)
		log.Info(p.Name, "session keys rotated")
	}
	for ph := range psks {
		rekey(ph)
	}

	dpCtx.Route = dpCtx.RouteToDispatch
	dpCtx.RegenerateKey = rekey
	dpCtx.SendReqKey = rekey

	dpCtx.UDP = udptransport.New(reg, udptransport.Collaborators{
		TCPFallback:     func(ph peer.Handle, p *frame.Packet) { dpCtx.Dispatch.SendPacketTCP(ph, p) },
		RequestKey:      rekey,
		Route:           dpCtx.RouteToDispatch,
		SendPacket:      func(ph peer.Handle, p *frame.Packet) { dpCtx.Dispatch.SendPacket(ph, p) },
		Sockets:         func() []*udptransport.Socket { return sockets },
		Prober:          dpCtx.Prober,
		Log:             log,
		PriorityInherit: cfg.Daemon.PriorityInherit,
	})

	loop := datapath.NewLoop(dpCtx, sockets)

	channels = newChannelManager(reg, loop, log, cfg.Daemon.TCPOnly)
	if err := channels.Listen(cfg); err != nil {
		return fmt.Errorf("meshd: %w", err)
	}
	defer channels.Close()
	dpCtx.TerminateConn = channels.Terminate

	store := openStore(cfg, log)
	if store != nil {
		restoreCheckpoints(reg, store, log)
	}

	if ctl, err := startControl(cfg.Daemon.ListenAddress, reg, log); err != nil {
		log.Warn("", "control socket unavailable", logging.Fields{"error": err.Error()})
	} else {
		defer ctl.Close()
	}

	if cfg.NAT.Enabled {
		if pub, err := nat.NewClient(cfg.NAT.STUNServers).DiscoverPublicAddress(0); err != nil {
			log.Warn("", "STUN discovery failed", logging.Fields{"error": err.Error()})
		} else {
			log.Info("", "public address discovered", logging.Fields{"address": pub.String()})
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go loop.Run()
	channels.DialStatic(cfg.Peers)
	log.Info("", "meshd running", logging.Fields{"tap": device.Name()})

	<-ctx.Done()
	log.Info("", "shutting down")
	loop.Stop()
	if store != nil {
		saveCheckpoints(reg, store, log)
	}
	return nil
}

// openStore builds the checkpoint store from whichever persistence
// backends the config enables; nil when none is, or none could connect.
// Checkpointing is an optimization, never a startup requirement.
func openStore(cfg *config.Config, log *logging.Logger) *persistence.Store {
	var cache *persistence.RedisCache
	var durable *persistence.PostgresStore

	if rc := cfg.Persistence.Redis; rc.Enabled {
		c, err := persistence.NewRedisCache(persistence.RedisCacheConfig{
			Host:     rc.Host,
			Port:     rc.Port,
			Password: rc.Password,
			DB:       rc.DB,
			TTL:      rc.TTL,
		}, log)
		if err != nil {
			log.Warn("", "redis checkpoint cache unavailable", logging.Fields{"error": err.Error()})
		} else {
			cache = c
		}
	}
	if pc := cfg.Persistence.Postgres; pc.Enabled {
		d, err := persistence.NewPostgresStore(persistence.PostgresConfig{
			Host:     pc.Host,
			Port:     pc.Port,
			User:     pc.User,
			Password: pc.Password,
			DBName:   pc.DBName,
			SSLMode:  pc.SSLMode,
		}, log)
		if err != nil {
			log.Warn("", "postgres checkpoint store unavailable", logging.Fields{"error": err.Error()})
		} else {
			durable = d
		}
	}

	if cache == nil && durable == nil {
		return nil
	}
	return persistence.NewStore(cache, durable)
}

func restoreCheckpoints(reg *peer.Registry, store *persistence.Store, log *logging.Logger) {
	for _, ph := range reg.All() {
		p, ok := reg.Get(ph)
		if !ok {
			continue
		}
		cp, found, err := store.Load(context.Background(), p.Name)
		if err != nil {
			log.Warn(p.Name, "checkpoint load failed", logging.Fields{"error": err.Error()})
			continue
		}
		if found {
			persistence.ApplyToPeer(p, cp)
		}
	}
}

func saveCheckpoints(reg *peer.Registry, store *persistence.Store, log *logging.Logger) {
	for _, ph := range reg.All() {
		p, ok := reg.Get(ph)
		if !ok {
			continue
		}
		if err := store.Save(context.Background(), persistence.CheckpointFromPeer(p)); err != nil {
			log.Warn(p.Name, "checkpoint save failed", logging.Fields{"error": err.Error()})
		}
	}
}

func openSockets(listenAddr string) ([]*udptransport.Socket, error) {
	if listenAddr == "" {
		return nil, fmt.Errorf("network.listen_udp must be set")
	}
	addr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	return []*udptransport.Socket{udptransport.NewSocket(conn, "ipv4")}, nil
}

func closeSockets(sockets []*udptransport.Socket) {
	for _, s := range sockets {
		s.Conn.Close()
	}
}

func addStaticPeer(reg *peer.Registry, dpCtx *datapath.Context, pc config.PeerConfig, cfg *config.Config) (peer.Handle, error) {
	h := reg.NewPeer(pc.Name, pc.Hostname)
	p, _ := reg.Get(h)

	udpAddr, err := net.ResolveUDPAddr("udp4", pc.Address)
	if err != nil {
		return peer.Unset, fmt.Errorf("resolve peer address: %w", err)
	}
	p.Address = udpAddr
	p.TCPOnly = pc.TCPOnly
	p.PMTUDiscovery = pc.PMTUDiscovery
	p.OutCompression = pc.OutCompression
	p.InCompression = pc.OutCompression
	p.InMacLength = defaultMACLength
	p.Replay = replay.NewWindow(cfg.Replay.WindowBytes)
	p.Reachable = true
	reg.SetNexthop(h, h)
	reg.SetVia(h, h)
	reg.SetConnection(h, h)

	dpCtx.Index.Update(h, udpAddr)
	mtuprobe.StartProbing(p, cfg.Network.MaxMTU)

	return h, nil
}

// parseMAC parses a colon-separated MAC address into the fixed-size form
// dispatch's source-MAC overwrite needs. An empty string yields the zero
// MAC and no error, since overwrite_mac is optional.
func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	if s == "" {
		return mac, nil
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, fmt.Errorf("parse local_mac %q: %w", s, err)
	}
	if len(hw) != 6 {
		return mac, fmt.Errorf("local_mac %q: need a 48-bit address", s)
	}
	copy(mac[:], hw)
	return mac, nil
}

// installSession derives session key material from a completed key
// exchange's shared secret and installs it on p, flipping the peer to
// validkey. localPub/remotePub are the two sides'
// public identities from that exchange: InSession and OutSession are
// derived as the two distinct directions of the link (see
// keyexchange.Direction) rather than both from the same Materials, so a
// colliding send/receive sequence number never reuses one key+nonce pair
// for both directions.
func installSession(p *peer.Peer, km *keyexchange.Manager, sharedSecret []byte, macLen int, localPub, remotePub []byte) error {
	seq := km.NextSequence(uint32(p.Handle))

	outDir, inDir := keyexchange.DirectionAToB, keyexchange.DirectionBToA
	if !keyexchange.IsDirectionA(localPub, remotePub) {
		outDir, inDir = keyexchange.DirectionBToA, keyexchange.DirectionAToB
	}

	outMat, err := keyexchange.DeriveMaterials(sharedSecret, macLen, seq, outDir)
	if err != nil {
		return err
	}
	inMat, err := keyexchange.DeriveMaterials(sharedSecret, macLen, seq, inDir)
	if err != nil {
		return err
	}

	outSession, err := outMat.NewSession()
	if err != nil {
		return err
	}
	inSession, err := inMat.NewSession()
	if err != nil {
		return err
	}

	p.InSession = inSession
	p.OutSession = outSession
	p.ValidKey = true
	p.WaitingForKey = false
	return nil
}
