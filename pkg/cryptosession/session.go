// Package cryptosession implements the per-peer, per-direction crypto
// context: a stream cipher plus a keyed digest, applied in
// encrypt-then-MAC order on egress and MAC-then-decrypt order on ingress.
package cryptosession

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
)

// KeySize is the ChaCha20 stream cipher key size.
const KeySize = chacha20.KeySize // 32

// SaltSize is the per-session nonce salt carried alongside the key; it is
// combined with the packet's own sequence field to build a per-packet
// ChaCha20 nonce, so encryption is stateless across reordered UDP packets.
const SaltSize = 8

// MinMACLength and MaxMACLength bound the configurable digest output,
// matching BLAKE2b's keyed-hash output range.
const (
	MinMACLength = 1
	MaxMACLength = blake2b.Size // 64
)

// Session is one direction (in or out) of a peer's crypto context.
type Session struct {
	cipherKey [KeySize]byte
	macKey    []byte
	macLen    int
	salt      [SaltSize]byte
	active    bool
}

// New builds a Session from key material agreed by the key-exchange layer.
// macLen selects the peer's negotiated MAC tag length (inmaclength).
func New(cipherKey [KeySize]byte, macKey []byte, macLen int, salt [SaltSize]byte) (*Session, error) {
	if macLen < MinMACLength || macLen > MaxMACLength {
		return nil, fmt.Errorf("invalid MAC length %d: must be %d..%d", macLen, MinMACLength, MaxMACLength)
	}
	if len(macKey) == 0 {
		return nil, fmt.Errorf("empty MAC key")
	}

	s := &Session{
		cipherKey: cipherKey,
		macKey:    append([]byte(nil), macKey...),
		macLen:    macLen,
		salt:      salt,
		active:    true,
	}
	return s, nil
}

// IsActive reports whether this session has usable key material.
func (s *Session) IsActive() bool {
	return s != nil && s.active
}

// MacLength returns the configured MAC tag size in bytes.
func (s *Session) MacLength() int {
	if s == nil {
		return 0
	}
	return s.macLen
}

func (s *Session) nonce(seqField []byte) [chacha20.NonceSize]byte {
	var n [chacha20.NonceSize]byte
	copy(n[0:SaltSize], s.salt[:])
	copy(n[SaltSize:], seqField) // last 4 bytes: the packet's own sequence number
	return n
}

// Encrypt encrypts src (seqno||plaintext, per frame.Packet.SignedRange) into
// dst. The sequence field (src[0:4]) is copied through in clear; only the
// payload past it is encrypted. dst must be at least len(src) bytes.
func (s *Session) Encrypt(dst, src []byte) bool {
	if !s.IsActive() || len(src) < 4 || len(dst) < len(src) {
		return false
	}

	nonce := s.nonce(src[0:4])
	cipher, err := chacha20.NewUnauthenticatedCipher(s.cipherKey[:], nonce[:])
	if err != nil {
		return false
	}

	copy(dst[0:4], src[0:4])
	cipher.XORKeyStream(dst[4:len(src)], src[4:])
	return true
}

// Decrypt reverses Encrypt. ChaCha20 keystream XOR is self-inverse given the
// same nonce, so this is the same transform applied a second time.
func (s *Session) Decrypt(dst, src []byte) bool {
	return s.Encrypt(dst, src)
}

// MacCreate computes the keyed digest over rng (the full wire range,
// sequence field included) and writes exactly MacLength() bytes into
// tagOut.
func (s *Session) MacCreate(rng []byte, tagOut []byte) bool {
	if !s.IsActive() || len(tagOut) < s.macLen {
		return false
	}
	h, err := blake2b.New(s.macLen, s.macKey)
	if err != nil {
		return false
	}
	h.Write(rng)
	sum := h.Sum(nil)
	copy(tagOut, sum)
	return true
}

// MacVerify recomputes the digest over rng and compares it against tag in
// constant time.
func (s *Session) MacVerify(rng []byte, tag []byte) bool {
	if !s.IsActive() || len(tag) != s.macLen {
		return false
	}
	want := make([]byte, s.macLen)
	if !s.MacCreate(rng, want) {
		return false
	}
	return subtle.ConstantTimeCompare(want, tag) == 1
}

// Reset clears key material, marking the session inactive until the
// key-exchange layer installs new keys on rotation.
func (s *Session) Reset() {
	for i := range s.cipherKey {
		s.cipherKey[i] = 0
	}
	for i := range s.macKey {
		s.macKey[i] = 0
	}
	s.active = false
}
