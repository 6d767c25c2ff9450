package keyexchange

import (
	"bytes"
	"testing"
	"time"
)

func TestClassicalExchangeIsSymmetric(t *testing.T) {
	alice, err := GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate alice: %v", err)
	}
	bob, err := GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate bob: %v", err)
	}

	aliceSecret, err := ClassicalExchange(alice.X25519Private, bob.X25519Public)
	if err != nil {
		t.Fatalf("alice exchange: %v", err)
	}
	bobSecret, err := ClassicalExchange(bob.X25519Private, alice.X25519Public)
	if err != nil {
		t.Fatalf("bob exchange: %v", err)
	}

	if !bytes.Equal(aliceSecret, bobSecret) {
		t.Fatal("expected both sides to derive the same shared secret")
	}
}

func TestClassicalSignVerify(t *testing.T) {
	k, err := GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("public key material to authenticate")
	sig := k.Sign(msg)

	if !VerifyClassical(k.SignPublic, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if VerifyClassical(k.SignPublic, []byte("tampered"), sig) {
		t.Fatal("expected signature over different message to fail")
	}
}

func TestHybridEncapsulateDecapsulateIsSymmetric(t *testing.T) {
	responder, err := GenerateHybridKeypair()
	if err != nil {
		t.Fatalf("generate responder: %v", err)
	}

	ct, ephemeralPub, combinedSender, err := HybridEncapsulate(responder.KEMPublic, responder.Classical.X25519Public)
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}

	combinedReceiver, err := HybridDecapsulate(responder, ct, ephemeralPub)
	if err != nil {
		t.Fatalf("decapsulate: %v", err)
	}

	if !bytes.Equal(combinedSender, combinedReceiver) {
		t.Fatal("expected both sides to derive the same combined secret")
	}
}

func TestHybridSignVerify(t *testing.T) {
	k, err := GenerateHybridKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("handshake transcript")

	classicalSig, pqSig, err := k.SignHybrid(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if !VerifyHybrid(k.Classical.SignPublic, k.PQSignPublic, msg, classicalSig, pqSig) {
		t.Fatal("expected hybrid signature to verify")
	}
	if VerifyHybrid(k.Classical.SignPublic, k.PQSignPublic, []byte("other"), classicalSig, pqSig) {
		t.Fatal("expected hybrid signature over a different message to fail")
	}
}

func TestDeriveMaterialsBuildsAUsableSession(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)
	mat, err := DeriveMaterials(secret, 16, 1, DirectionAToB)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	session, err := mat.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if !session.IsActive() {
		t.Fatal("expected a freshly derived session to be active")
	}
	if session.MacLength() != 16 {
		t.Fatalf("expected MAC length 16, got %d", session.MacLength())
	}
}

func TestDeriveMaterialsDifferentSequenceDiffersOutput(t *testing.T) {
	secret := bytes.Repeat([]byte{0x7a}, 32)
	m1, err := DeriveMaterials(secret, 16, 1, DirectionAToB)
	if err != nil {
		t.Fatalf("derive 1: %v", err)
	}
	m2, err := DeriveMaterials(secret, 16, 2, DirectionAToB)
	if err != nil {
		t.Fatalf("derive 2: %v", err)
	}
	if bytes.Equal(m1.CipherKey[:], m2.CipherKey[:]) {
		t.Fatal("expected different rotation sequences to derive different cipher keys")
	}
}

// Regression test: InSession and OutSession must never share key material,
// or a colliding send/receive sequence number reuses the same ChaCha20
// key+nonce pair for both directions.
func TestDeriveMaterialsDirectionsDifferOutput(t *testing.T) {
	secret := bytes.Repeat([]byte{0x99}, 32)

	a, err := DeriveMaterials(secret, 16, 1, DirectionAToB)
	if err != nil {
		t.Fatalf("derive A->B: %v", err)
	}
	b, err := DeriveMaterials(secret, 16, 1, DirectionBToA)
	if err != nil {
		t.Fatalf("derive B->A: %v", err)
	}

	if bytes.Equal(a.CipherKey[:], b.CipherKey[:]) {
		t.Fatal("expected the two directions to derive different cipher keys")
	}
	if bytes.Equal(a.MACKey, b.MACKey) {
		t.Fatal("expected the two directions to derive different MAC keys")
	}
	if bytes.Equal(a.Salt[:], b.Salt[:]) {
		t.Fatal("expected the two directions to derive different salts")
	}
}

func TestIsDirectionAIsAntisymmetric(t *testing.T) {
	alice := []byte{0x01, 0x02}
	bob := []byte{0x03, 0x04}

	if !IsDirectionA(alice, bob) {
		t.Fatal("expected the lexicographically smaller key to be direction A")
	}
	if IsDirectionA(bob, alice) {
		t.Fatal("expected the lexicographically larger key not to be direction A")
	}
}

func TestManagerNextSequenceIncrementsPerPeer(t *testing.T) {
	m := NewManager(time.Hour)

	if got := m.NextSequence(1); got != 1 {
		t.Fatalf("expected first sequence 1, got %d", got)
	}
	if got := m.NextSequence(1); got != 2 {
		t.Fatalf("expected second sequence 2, got %d", got)
	}
	if got := m.NextSequence(2); got != 1 {
		t.Fatalf("expected a different peer's sequence to start at 1, got %d", got)
	}
}
