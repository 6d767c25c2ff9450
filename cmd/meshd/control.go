package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshwire/meshwire/pkg/logging"
	"github.com/meshwire/meshwire/pkg/peer"
)

// controlServer answers meshctl's line-oriented queries over a Unix
// socket. It only reads peer state through the registry; it is not part of
// the datapath.
type controlServer struct {
	reg  *peer.Registry
	log  *logging.Logger
	ln   net.Listener
	path string
}

func startControl(path string, reg *peer.Registry, log *logging.Logger) (*controlServer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("control socket dir: %w", err)
	}
	// A stale socket from an unclean shutdown would fail the bind.
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on control socket %s: %w", path, err)
	}

	s := &controlServer{reg: reg, log: log, ln: ln, path: path}
	go s.acceptLoop()
	return s, nil
}

func (s *controlServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *controlServer) serve(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "status":
		fmt.Fprintf(conn, "meshd %s peers=%d\n", version, len(s.reg.All()))
	case "peers":
		for _, ph := range s.reg.All() {
			p, ok := s.reg.Get(ph)
			if !ok {
				continue
			}
			fmt.Fprintf(conn, "%s addr=%v reachable=%t validkey=%t mtu=%d/%d/%d tx=%d rx=%d\n",
				p.Name, p.Address, p.Reachable, p.ValidKey,
				p.MinMTU, p.MTU, p.MaxMTU,
				p.SentSeqno, p.Replay.ReceivedSeqno())
		}
	default:
		fmt.Fprintln(conn, "unknown command")
	}
}

func (s *controlServer) Close() error {
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}
