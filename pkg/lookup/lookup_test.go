package lookup

import (
	"net"
	"testing"

	"github.com/meshwire/meshwire/pkg/logging"
	"github.com/meshwire/meshwire/pkg/peer"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New("test", logging.DEBUG, "")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return log
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp4", s)
	if err != nil {
		t.Fatalf("resolve %s: %v", s, err)
	}
	return a
}

func TestLookupExactMatch(t *testing.T) {
	reg := peer.NewRegistry()
	h := reg.NewPeer("p1", "p1.example")
	idx := New(reg, testLogger(t))

	addr := udpAddr(t, "10.0.0.1:4500")
	idx.Update(h, addr)

	got, ok := idx.Lookup(addr, nil, func(peer.Handle, []byte) bool { return false })
	if !ok || got != h {
		t.Fatalf("expected exact match to %v, got %v ok=%v", h, got, ok)
	}
}

func TestUpdateReplacesOldAddress(t *testing.T) {
	reg := peer.NewRegistry()
	h := reg.NewPeer("p1", "p1.example")
	idx := New(reg, testLogger(t))

	old := udpAddr(t, "10.0.0.1:4500")
	next := udpAddr(t, "10.0.0.1:4501")
	idx.Update(h, old)
	idx.Update(h, next)

	if _, ok := idx.Lookup(old, nil, func(peer.Handle, []byte) bool { return false }); ok {
		t.Fatal("old address should no longer resolve")
	}
	if got, ok := idx.Lookup(next, nil, func(peer.Handle, []byte) bool { return false }); !ok || got != h {
		t.Fatalf("new address should resolve to %v, got %v ok=%v", h, got, ok)
	}
}

func TestTryHarderAcceptsVerifiedCandidateWithRebindPort(t *testing.T) {
	reg := peer.NewRegistry()
	h := reg.NewPeer("p1", "p1.example")
	idx := New(reg, testLogger(t))

	idx.Update(h, udpAddr(t, "10.0.0.1:4500"))
	rebind := udpAddr(t, "10.0.0.1:9999") // same IP, new port after NAT rebind

	got, ok := idx.Lookup(rebind, []byte("raw"), func(ph peer.Handle, raw []byte) bool {
		return ph == h && string(raw) == "raw"
	})
	if !ok || got != h {
		t.Fatalf("expected try_harder to accept verified candidate, got %v ok=%v", got, ok)
	}

	// try_harder should have updated the index to the new address.
	got2, ok2 := idx.Lookup(rebind, nil, func(peer.Handle, []byte) bool { return false })
	if !ok2 || got2 != h {
		t.Fatal("expected rebind address to be learned after a verified try_harder match")
	}
}

func TestTryHarderRejectsUnverifiedCandidate(t *testing.T) {
	reg := peer.NewRegistry()
	h := reg.NewPeer("p1", "p1.example")
	idx := New(reg, testLogger(t))
	idx.Update(h, udpAddr(t, "10.0.0.1:4500"))

	rebind := udpAddr(t, "10.0.0.1:9999")
	_, ok := idx.Lookup(rebind, []byte("raw"), func(peer.Handle, []byte) bool { return false })
	if ok {
		t.Fatal("expected lookup to miss when no candidate's MAC verifies")
	}
}

func TestLookupUnknownSourceMisses(t *testing.T) {
	reg := peer.NewRegistry()
	idx := New(reg, testLogger(t))

	_, ok := idx.Lookup(udpAddr(t, "192.168.1.1:1"), nil, func(peer.Handle, []byte) bool { return false })
	if ok {
		t.Fatal("expected miss for a completely unknown source")
	}
}
