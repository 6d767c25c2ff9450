// Package keyexchange backs the datapath's regenerate_key/send_req_key
// collaborator calls: an authenticated Diffie-Hellman exchange whose
// output is expanded into the
// ChaCha20 cipher key and BLAKE2b MAC key a cryptosession.Session needs.
package keyexchange

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// ClassicalKeypair is an X25519 ECDH keypair plus the Ed25519 signing key
// used to authenticate it.
type ClassicalKeypair struct {
	X25519Public  []byte // 32 bytes
	X25519Private []byte // 32 bytes
	SignPublic    []byte // 32 bytes (Ed25519)
	signPrivate   []byte // 64 bytes, never serialized
}

// GenerateClassicalKeypair creates a fresh ephemeral X25519 keypair and a
// long-lived Ed25519 signing identity.
func GenerateClassicalKeypair() (*ClassicalKeypair, error) {
	ecdhPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: generate X25519 key: %w", err)
	}

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: generate Ed25519 key: %w", err)
	}

	return &ClassicalKeypair{
		X25519Public:  ecdhPriv.PublicKey().Bytes(),
		X25519Private: ecdhPriv.Bytes(),
		SignPublic:    signPub,
		signPrivate:   signPriv,
	}, nil
}

// Sign authenticates msg (typically the X25519 public key itself, so a
// peer can verify it came from the expected identity before using it).
func (k *ClassicalKeypair) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(k.signPrivate), msg)
}

// VerifyClassical checks sig over msg under signPublic.
func VerifyClassical(signPublic, msg, sig []byte) bool {
	if len(signPublic) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signPublic), msg, sig)
}

// ClassicalExchange performs X25519 ECDH and returns the 32-byte shared
// secret.
func ClassicalExchange(privateKey, peerPublic []byte) ([]byte, error) {
	priv, err := ecdh.X25519().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: parse private key: %w", err)
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: parse peer public key: %w", err)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: ECDH: %w", err)
	}
	return secret, nil
}
