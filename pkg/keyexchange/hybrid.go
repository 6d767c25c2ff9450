package keyexchange

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"github.com/cloudflare/circl/sign/dilithium/mode5"
)

// HybridKeypair combines the classical X25519/Ed25519 pair with a
// post-quantum Kyber1024 KEM keypair and a Dilithium5 signing identity, so
// a session survives either primitive being broken alone.
type HybridKeypair struct {
	Classical *ClassicalKeypair

	KEMPublic  []byte
	kemPrivate []byte

	PQSignPublic  []byte
	pqSignPrivate []byte
}

// GenerateHybridKeypair creates a fresh hybrid identity.
func GenerateHybridKeypair() (*HybridKeypair, error) {
	classical, err := GenerateClassicalKeypair()
	if err != nil {
		return nil, err
	}

	scheme := kyber1024.Scheme()
	kemPub, kemPriv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("keyexchange: generate KEM keypair: %w", err)
	}
	kemPubBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("keyexchange: marshal KEM public key: %w", err)
	}
	kemPrivBytes, err := kemPriv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("keyexchange: marshal KEM private key: %w", err)
	}

	pqPub, pqPriv, err := mode5.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: generate PQ signing keypair: %w", err)
	}
	pqPubBytes, err := pqPub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("keyexchange: marshal PQ public key: %w", err)
	}
	pqPrivBytes, err := pqPriv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("keyexchange: marshal PQ private key: %w", err)
	}

	return &HybridKeypair{
		Classical:     classical,
		KEMPublic:     kemPubBytes,
		kemPrivate:    kemPrivBytes,
		PQSignPublic:  pqPubBytes,
		pqSignPrivate: pqPrivBytes,
	}, nil
}

// SignHybrid signs msg with both the classical and post-quantum identity
// keys; a peer must verify both for the handshake to be accepted.
func (k *HybridKeypair) SignHybrid(msg []byte) (classicalSig, pqSig []byte, err error) {
	classicalSig = k.Classical.Sign(msg)

	var priv mode5.PrivateKey
	if err := priv.UnmarshalBinary(k.pqSignPrivate); err != nil {
		return nil, nil, fmt.Errorf("keyexchange: unmarshal PQ private key: %w", err)
	}
	pqSig = make([]byte, mode5.SignatureSize)
	mode5.SignTo(&priv, msg, pqSig)
	return classicalSig, pqSig, nil
}

// VerifyHybrid checks both signatures over msg.
func VerifyHybrid(classicalPub, pqPub, msg, classicalSig, pqSig []byte) bool {
	if !VerifyClassical(classicalPub, msg, classicalSig) {
		return false
	}
	var pub mode5.PublicKey
	if err := pub.UnmarshalBinary(pqPub); err != nil {
		return false
	}
	return mode5.Verify(&pub, msg, pqSig)
}

// HybridEncapsulate runs Kyber1024 encapsulation against peer's KEM public
// key and an X25519 exchange against peer's classical public key,
// returning the KEM ciphertext (to send to the peer), the ephemeral
// X25519 public key (to send to the peer), and the combined shared
// secret material (kemSecret || ecdhSecret), ready for HKDF expansion.
func HybridEncapsulate(peerKEMPublic, peerX25519Public []byte) (kemCiphertext, ephemeralX25519Public, combined []byte, err error) {
	scheme := kyber1024.Scheme()
	pk, err := scheme.UnmarshalBinaryPublicKey(peerKEMPublic)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("keyexchange: unmarshal peer KEM public key: %w", err)
	}
	ct, kemSecret, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("keyexchange: KEM encapsulate: %w", err)
	}

	ephemeral, err := GenerateClassicalKeypair()
	if err != nil {
		return nil, nil, nil, err
	}
	ecdhSecret, err := ClassicalExchange(ephemeral.X25519Private, peerX25519Public)
	if err != nil {
		return nil, nil, nil, err
	}

	combined = append(append([]byte{}, kemSecret...), ecdhSecret...)
	return ct, ephemeral.X25519Public, combined, nil
}

// HybridDecapsulate reverses HybridEncapsulate on the receiving side,
// using this node's own hybrid keypair and the sender's ephemeral X25519
// public key.
func HybridDecapsulate(k *HybridKeypair, kemCiphertext, senderX25519Public []byte) (combined []byte, err error) {
	scheme := kyber1024.Scheme()
	sk, err := scheme.UnmarshalBinaryPrivateKey(k.kemPrivate)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: unmarshal KEM private key: %w", err)
	}
	kemSecret, err := scheme.Decapsulate(sk, kemCiphertext)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: KEM decapsulate: %w", err)
	}

	ecdhSecret, err := ClassicalExchange(k.Classical.X25519Private, senderX25519Public)
	if err != nil {
		return nil, err
	}

	return append(append([]byte{}, kemSecret...), ecdhSecret...), nil
}
