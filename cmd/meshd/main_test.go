package main

import (
	"testing"
	"time"

	"github.com/meshwire/meshwire/pkg/keyexchange"
	"github.com/meshwire/meshwire/pkg/peer"
)

func TestParseMAC(t *testing.T) {
	mac, err := parseMAC("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("parseMAC: %v", err)
	}
	if mac != [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff} {
		t.Fatalf("parsed %x", mac)
	}

	if mac, err := parseMAC(""); err != nil || mac != ([6]byte{}) {
		t.Fatal("empty local_mac should parse to the zero MAC without error")
	}
	if _, err := parseMAC("not-a-mac"); err == nil {
		t.Fatal("expected an error for a malformed MAC")
	}
	if _, err := parseMAC("02:00:5e:10:00:00:00:01"); err == nil {
		t.Fatal("expected an error for a 64-bit EUI")
	}
}

func TestEphemeralTLSConfig(t *testing.T) {
	cfg, err := ephemeralTLSConfig("192.0.2.1")
	if err != nil {
		t.Fatalf("ephemeralTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 || len(cfg.Certificates[0].Certificate) == 0 {
		t.Fatal("expected one self-signed certificate")
	}
}

// Regression test for installSession: InSession and OutSession must be
// derived from distinct materials, or a colliding send/receive sequence
// number would reuse one ChaCha20 key+nonce pair for both directions.
func TestInstallSessionDerivesDistinctInOutSessions(t *testing.T) {
	reg := peer.NewRegistry()
	h := reg.NewPeer("p1", "p1.example")
	p, _ := reg.Get(h)

	km := keyexchange.NewManager(time.Hour)
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	localPub := []byte{0x01}
	remotePub := []byte{0x02}

	if err := installSession(p, km, secret, 16, localPub, remotePub); err != nil {
		t.Fatalf("installSession: %v", err)
	}

	if !p.ValidKey || p.WaitingForKey {
		t.Fatal("expected ValidKey set and WaitingForKey cleared")
	}
	if p.InSession == nil || p.OutSession == nil {
		t.Fatal("expected both sessions to be installed")
	}

	// src is seqno||plaintext, the shape cryptosession.Session.Encrypt
	// expects; leaving the seqno field zero simulates both sessions
	// addressing the same packet number, the collision condition that
	// exposes the bug.
	src := make([]byte, 4+len("0123456789abcdef"))
	copy(src[4:], "0123456789abcdef")

	outWire := make([]byte, len(src))
	if !p.OutSession.Encrypt(outWire, src) {
		t.Fatal("OutSession encrypt failed")
	}
	inWire := make([]byte, len(src))
	if !p.InSession.Encrypt(inWire, src) {
		t.Fatal("InSession encrypt failed")
	}

	// With the same plaintext and seqno, and the old bug (both sessions
	// sharing one Materials), these ciphertexts would be byte-identical:
	// exactly the two-time-pad condition the fix eliminates.
	identical := true
	for i := range outWire[4:] {
		if outWire[4+i] != inWire[4+i] {
			identical = false
			break
		}
	}
	if identical {
		t.Fatal("expected InSession and OutSession to encrypt differently under the same plaintext/seqno")
	}
}

// The two ends of a handshake must land on mirrored directions: what one
// side calls "out", the other must call "in", or they won't be able to
// talk to each other.
func TestInstallSessionDirectionIsMirroredAcrossPeers(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i * 3)
	}
	aliceIdentity := []byte{0x01}
	bobIdentity := []byte{0x02}

	regA := peer.NewRegistry()
	hA := regA.NewPeer("bob", "bob.example")
	peerOnAlice, _ := regA.Get(hA)
	if err := installSession(peerOnAlice, keyexchange.NewManager(0), secret, 16, aliceIdentity, bobIdentity); err != nil {
		t.Fatalf("installSession (alice): %v", err)
	}

	regB := peer.NewRegistry()
	hB := regB.NewPeer("alice", "alice.example")
	peerOnBob, _ := regB.Get(hB)
	if err := installSession(peerOnBob, keyexchange.NewManager(0), secret, 16, bobIdentity, aliceIdentity); err != nil {
		t.Fatalf("installSession (bob): %v", err)
	}

	src := make([]byte, 4+len("mirrored-direction-check"))
	copy(src[4:], "mirrored-direction-check")

	wire := make([]byte, len(src))
	if !peerOnAlice.OutSession.Encrypt(wire, src) {
		t.Fatal("alice OutSession encrypt failed")
	}

	decrypted := make([]byte, len(wire))
	if !peerOnBob.InSession.Decrypt(decrypted, wire) {
		t.Fatal("bob's InSession could not decrypt what alice's OutSession encrypted")
	}
	for i := range src {
		if decrypted[i] != src[i] {
			t.Fatalf("decrypted mismatch at %d: got %x want %x", i, decrypted[i], src[i])
		}
	}
}
