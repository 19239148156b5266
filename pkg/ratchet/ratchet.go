// Package ratchet implements the hybrid post-quantum double ratchet that
// drives per-message key derivation for the Qubee messaging core.
//
// The ratchet combines:
//   - a classical X25519 Diffie-Hellman ratchet, stepped whenever a peer
//     announces a new DH public key,
//   - an ML-KEM-768 encapsulation ratchet, stepped on a fixed message-count
//     period to bound the exposure window of any single PQ shared secret,
//   - two symmetric KDF chains (send and receive) that derive one-time
//     message keys via a one-way chain step.
//
// Exactly one of the send or receive chains advances per encrypt/decrypt
// call. The root key changes only on a DH or PQ ratchet step, never on a
// chain step.
//
// A Session is NOT safe for concurrent use. The owner must hold a single
// mutual-exclusion lock for the full duration of one encrypt, decrypt, or
// ratchet-step call; a reader/writer split is unsafe because receiving can
// trigger a root-key-mutating ratchet step.
package ratchet

import (
	"crypto/ecdh"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
	"github.com/qubee/qubee-go/pkg/crypto"
)

// State represents the session lifecycle state.
type State int32

const (
	// StateUninitialized is the state of a freshly created session
	StateUninitialized State = iota

	// StateInitialized indicates setup completed but no chain usable in both
	// directions yet
	StateInitialized

	// StateKeyExchanged indicates the first chain key exists; the session is
	// usable for its established direction
	StateKeyExchanged

	// StateActive indicates a DH ratchet step has completed; both directions
	// are usable
	StateActive

	// StateCompromised is terminal: all secrets are wiped and every further
	// operation fails
	StateCompromised
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitialized:
		return "Initialized"
	case StateKeyExchanged:
		return "KeyExchanged"
	case StateActive:
		return "Active"
	case StateCompromised:
		return "Compromised"
	default:
		return "Unknown"
	}
}

// Config holds the security limits of a session. All fields affect protocol
// behavior, not just policy.
type Config struct {
	// PQRekeyPeriod is the number of sent messages between forced ML-KEM
	// re-encapsulations.
	PQRekeyPeriod uint64

	// MaxSkip is the hard ceiling on the forward chain walk distance.
	MaxSkip uint64

	// MaxCache is the skipped message key cache capacity.
	MaxCache int
}

// DefaultConfig returns the default security limits.
func DefaultConfig() Config {
	return Config{
		PQRekeyPeriod: constants.DefaultPQRekeyPeriod,
		MaxSkip:       constants.DefaultMaxSkip,
		MaxCache:      constants.DefaultMaxCache,
	}
}

// Validate checks the configuration for values that would break the protocol.
func (c Config) Validate() error {
	if c.PQRekeyPeriod == 0 {
		return qerrors.NewRatchetError("Config", qerrors.ErrInvalidConfig)
	}
	if c.MaxSkip == 0 || c.MaxCache <= 0 {
		return qerrors.NewRatchetError("Config", qerrors.ErrInvalidConfig)
	}
	return nil
}

// ChainID identifies a receive chain epoch by the peer DH ratchet public key
// that started it.
type ChainID [constants.X25519PublicKeySize]byte

// MessageID keys the skipped message cache: one entry per (chain, sequence
// number) pair.
type MessageID struct {
	Chain  ChainID
	Number uint64
}

// Session is the long-lived mutable ratchet state for one conversation
// partner. Create with NewSession, then call exactly one of
// InitializeSender or InitializeReceiver.
type Session struct {
	state State

	// Root key; changes only on DH/PQ ratchet steps
	rootKey []byte

	// Envelope MAC key, derived once from the initial root key
	macKey []byte

	// Classical DH ratchet state
	dhKeyPair    *crypto.X25519KeyPair
	peerDHPublic *ecdh.PublicKey

	// Post-quantum KEM ratchet state
	pqKeyPair    *crypto.MLKEMKeyPair
	peerPQPublic *crypto.MLKEMPublicKey

	// KDF chains
	sendChainKey []byte
	recvChainKey []byte

	// Root values captured when each chain was created. The peer provably
	// holds the same value at that chain position, so PQ rekeys fold into
	// these; the DH root itself never moves on a rekey.
	sendChainRoot []byte
	recvChainRoot []byte

	// Counters: next message number to send / next expected receive number
	// in the current chains
	sendCounter uint64
	recvCounter uint64

	// Length of the previous send chain, transmitted in headers so the
	// peer can finish walking the retired chain
	prevChainLength uint64

	// Ciphertext from the initial encapsulation. The sender attaches it to
	// every outgoing envelope until a peer message confirms establishment,
	// so the receiver can establish from whichever envelope arrives first.
	pendingPQCiphertext []byte

	// Receiver-side copy of the establishment ciphertext, used to tell a
	// re-announcement from a genuine rekey boundary
	initialPQCiphertext []byte

	// Most recently retired peer chain, kept to classify late arrivals for
	// it as replays once their keys have left the cache
	retiredChain    ChainID
	retiredChainSet bool

	// Skipped message keys for out-of-order delivery
	skipped *skippedCache

	// Process-local step counters, not part of persisted snapshots
	pqRekeys uint64
	dhSteps  uint64

	cfg Config
}

// NewSession creates an uninitialized session with the given limits.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		state:   StateUninitialized,
		skipped: newSkippedCache(cfg.MaxCache),
		cfg:     cfg,
	}, nil
}

// InitializeSender initializes the session as the initiating party.
//
// The initial root key is derived from the pre-agreed shared secret with a
// domain-separation label. A fresh DH key pair is generated and agreed
// against the peer's public key, a PQ secret is encapsulated against the
// peer's ML-KEM key, and both outputs are combined through a
// length-prefixed hash before the root KDF produces the initial send chain.
// The encapsulation ciphertext is held for the first outgoing envelope.
func (s *Session) InitializeSender(sharedSecret []byte, peerDHPublic *ecdh.PublicKey, peerPQPublic *crypto.MLKEMPublicKey) error {
	const op = "InitializeSender"

	if s.state != StateUninitialized {
		return qerrors.NewRatchetError(op, qerrors.ErrAlreadyInitialized)
	}
	if peerDHPublic == nil || peerPQPublic == nil {
		return qerrors.NewRatchetError(op, qerrors.ErrInvalidPublicKey)
	}

	rootKey, err := crypto.DeriveInitialRootKey(sharedSecret)
	if err != nil {
		return qerrors.NewRatchetError(op, err)
	}
	macKey, err := crypto.DeriveMACKey(rootKey)
	if err != nil {
		return qerrors.NewRatchetError(op, err)
	}

	dhKeyPair, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return qerrors.NewRatchetError(op, err)
	}
	pqKeyPair, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		return qerrors.NewRatchetError(op, err)
	}

	dhSecret, err := crypto.X25519(dhKeyPair.PrivateKey, peerDHPublic)
	if err != nil {
		return qerrors.NewRatchetError(op, err)
	}
	pqCiphertext, pqSecret, err := crypto.MLKEMEncapsulate(peerPQPublic)
	if err != nil {
		return qerrors.NewRatchetError(op, err)
	}

	combined, err := crypto.CombineSharedSecrets(dhSecret, pqSecret)
	if err != nil {
		return qerrors.NewRatchetError(op, err)
	}
	crypto.ZeroizeMultiple(dhSecret, pqSecret)

	newRoot, sendChain, err := crypto.KDFRootStep(rootKey, combined)
	if err != nil {
		return qerrors.NewRatchetError(op, err)
	}
	crypto.Zeroize(combined)
	crypto.Zeroize(rootKey)

	s.rootKey = newRoot
	s.macKey = macKey
	s.dhKeyPair = dhKeyPair
	s.pqKeyPair = pqKeyPair
	s.peerDHPublic = peerDHPublic
	s.peerPQPublic = peerPQPublic
	s.sendChainKey = sendChain
	s.sendChainRoot = append([]byte(nil), newRoot...)
	s.pendingPQCiphertext = pqCiphertext

	// The first chain key exists, so the session is immediately usable for
	// sending.
	s.state = StateKeyExchanged

	return nil
}

// InitializeReceiver initializes the session as the responding party.
//
// The root key is derived identically from the pre-agreed shared secret; the
// provided local key pairs are stored for use when the first ratchet
// envelope arrives.
func (s *Session) InitializeReceiver(sharedSecret []byte, dhKeyPair *crypto.X25519KeyPair, pqKeyPair *crypto.MLKEMKeyPair) error {
	const op = "InitializeReceiver"

	if s.state != StateUninitialized {
		return qerrors.NewRatchetError(op, qerrors.ErrAlreadyInitialized)
	}
	if dhKeyPair == nil || pqKeyPair == nil {
		return qerrors.NewRatchetError(op, qerrors.ErrInvalidPrivateKey)
	}

	rootKey, err := crypto.DeriveInitialRootKey(sharedSecret)
	if err != nil {
		return qerrors.NewRatchetError(op, err)
	}
	macKey, err := crypto.DeriveMACKey(rootKey)
	if err != nil {
		return qerrors.NewRatchetError(op, err)
	}

	s.rootKey = rootKey
	s.macKey = macKey
	s.dhKeyPair = dhKeyPair
	s.pqKeyPair = pqKeyPair

	s.state = StateInitialized

	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// IsUsable reports whether encrypt/decrypt operations are permitted.
func (s *Session) IsUsable() bool {
	return s.state == StateActive || s.state == StateKeyExchanged
}

// MACKey returns the session's envelope MAC key.
func (s *Session) MACKey() []byte {
	return s.macKey
}

// LocalDHPublicBytes returns the current local DH ratchet public key, which
// is announced in every envelope header.
func (s *Session) LocalDHPublicBytes() []byte {
	if s.dhKeyPair == nil {
		return nil
	}
	return s.dhKeyPair.PublicKeyBytes()
}

// LocalPQPublicBytes returns the local ML-KEM encapsulation key.
func (s *Session) LocalPQPublicBytes() []byte {
	if s.pqKeyPair == nil {
		return nil
	}
	return s.pqKeyPair.PublicKeyBytes()
}

// PeerPQPublic returns the most recently pinned peer ML-KEM key, or nil.
func (s *Session) PeerPQPublic() *crypto.MLKEMPublicKey {
	return s.peerPQPublic
}

// SendCounter returns the next outgoing message number.
func (s *Session) SendCounter() uint64 {
	return s.sendCounter
}

// RecvCounter returns the next expected incoming message number.
func (s *Session) RecvCounter() uint64 {
	return s.recvCounter
}

// PQRekeyCount returns the number of ML-KEM re-encapsulations folded into
// this session since it was created, counting both directions.
func (s *Session) PQRekeyCount() uint64 {
	return s.pqRekeys
}

// DHStepCount returns the number of DH ratchet steps performed on receive.
func (s *Session) DHStepCount() uint64 {
	return s.dhSteps
}

// SkippedKeyCount returns the number of cached skipped message keys.
func (s *Session) SkippedKeyCount() int {
	return s.skipped.len()
}

// MarkCompromised zeroizes the root key, drops both chain keys, clears the
// skipped key cache and transitions to the terminal Compromised state. All
// subsequent operations fail with ErrSessionCompromised; the state is never
// cleared automatically.
func (s *Session) MarkCompromised() {
	crypto.ZeroizeMultiple(s.rootKey, s.macKey, s.sendChainKey, s.recvChainKey,
		s.sendChainRoot, s.recvChainRoot, s.pendingPQCiphertext)
	s.rootKey = nil
	s.macKey = nil
	s.sendChainKey = nil
	s.recvChainKey = nil
	s.sendChainRoot = nil
	s.recvChainRoot = nil
	s.pendingPQCiphertext = nil
	s.initialPQCiphertext = nil
	if s.dhKeyPair != nil {
		s.dhKeyPair.Zeroize()
		s.dhKeyPair = nil
	}
	if s.pqKeyPair != nil {
		s.pqKeyPair.Zeroize()
		s.pqKeyPair = nil
	}
	s.peerDHPublic = nil
	s.peerPQPublic = nil
	s.skipped.clear()
	s.state = StateCompromised
}

// guard returns the error corresponding to a non-usable state, or nil.
func (s *Session) guard(op string) error {
	switch s.state {
	case StateCompromised:
		return qerrors.NewRatchetError(op, qerrors.ErrSessionCompromised)
	case StateUninitialized:
		return qerrors.NewRatchetError(op, qerrors.ErrNotInitialized)
	}
	return nil
}

func chainIDFromBytes(pub []byte) ChainID {
	var id ChainID
	copy(id[:], pub)
	return id
}
