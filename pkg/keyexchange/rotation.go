package keyexchange

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/meshwire/meshwire/pkg/cryptosession"
)

// kdfInfoPrefix namespaces the HKDF info parameter so session keys can
// never collide with key material derived elsewhere from the same shared
// secret.
const kdfInfoPrefix = "meshwire-session-keys"

// Direction tags which of a link's two independent key schedules a
// derivation produces. cryptosession.Session builds its ChaCha20 nonce as
// salt||seqno, and the two directions of a link keep independent sequence
// counters that routinely collide (both sides reach seqno 5 after a few
// packets each way), so InSession and OutSession must never be derived
// from the same Materials, or a colliding counter reuses the identical
// key+nonce pair (a two-time pad).
//
// Both ends of a handshake must agree on which one is DirectionAToB
// without an explicit initiator/responder role, so the direction is
// chosen by canonical comparison of the two sides' public identities
// (see IsDirectionA) rather than by each side's own notion of "in"/"out".
type Direction byte

const (
	DirectionAToB Direction = 0
	DirectionBToA Direction = 1
)

// IsDirectionA reports whether localPub sorts before remotePub: the
// role-independent rule both ends of a handshake use to agree on which
// of them derives DirectionAToB vs DirectionBToA.
func IsDirectionA(localPub, remotePub []byte) bool {
	return bytes.Compare(localPub, remotePub) < 0
}

// Materials is everything a cryptosession.Session needs, derived in one
// shot from a DH shared secret.
type Materials struct {
	CipherKey [cryptosession.KeySize]byte
	MACKey    []byte
	Salt      [cryptosession.SaltSize]byte
}

// DeriveMaterials expands sharedSecret (a DH output, classical or
// hybrid, or a preshared key as cmd/meshd passes) into cipher key, MAC
// key and nonce salt via HKDF-SHA256. dir distinguishes the two
// directions of a link so a single shared secret never yields the same
// materials twice (see Direction).
func DeriveMaterials(sharedSecret []byte, macLen int, sequence uint64, dir Direction) (*Materials, error) {
	if macLen < cryptosession.MinMACLength || macLen > cryptosession.MaxMACLength {
		return nil, fmt.Errorf("keyexchange: invalid MAC length %d", macLen)
	}

	info := make([]byte, len(kdfInfoPrefix)+8+1)
	copy(info, kdfInfoPrefix)
	binary.BigEndian.PutUint64(info[len(kdfInfoPrefix):], sequence)
	info[len(kdfInfoPrefix)+8] = byte(dir)

	reader := hkdf.New(sha256.New, sharedSecret, nil, info)

	m := &Materials{MACKey: make([]byte, macLen)}
	if _, err := io.ReadFull(reader, m.CipherKey[:]); err != nil {
		return nil, fmt.Errorf("keyexchange: derive cipher key: %w", err)
	}
	if _, err := io.ReadFull(reader, m.MACKey); err != nil {
		return nil, fmt.Errorf("keyexchange: derive MAC key: %w", err)
	}
	if _, err := io.ReadFull(reader, m.Salt[:]); err != nil {
		return nil, fmt.Errorf("keyexchange: derive salt: %w", err)
	}
	return m, nil
}

// NewSession builds a cryptosession.Session from derived materials.
func (m *Materials) NewSession() (*cryptosession.Session, error) {
	return cryptosession.New(m.CipherKey, m.MACKey, len(m.MACKey), m.Salt)
}

// Manager tracks the rotation sequence per peer handle and the key
// lifetime after which a session should be proactively renegotiated, one
// counter per peer.
type Manager struct {
	mu       sync.Mutex
	sequence map[uint32]uint64
	lifetime time.Duration
}

// NewManager builds a Manager that records lifetime as the key lifetime
// (0 means no proactive rotation). The Manager itself regenerates no
// keys; it only stores the lifetime and counts rotation sequences.
func NewManager(lifetime time.Duration) *Manager {
	return &Manager{sequence: make(map[uint32]uint64), lifetime: lifetime}
}

// NextSequence returns the next HKDF rotation sequence for ph.
func (m *Manager) NextSequence(ph uint32) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence[ph]++
	return m.sequence[ph]
}

// Lifetime returns the configured proactive rotation interval.
func (m *Manager) Lifetime() time.Duration { return m.lifetime }

// RandomSequenceSeed returns a random 64-bit seed for the first exchange
// with a peer, so sequence numbers are not predictable from one peer to
// the next.
func RandomSequenceSeed() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("keyexchange: read random seed: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
