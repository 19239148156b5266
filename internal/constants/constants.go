// Package constants defines security parameters and protocol constants for the
// Qubee hybrid post-quantum messaging core.
//
// The hybrid construction pairs X25519 (classical) with ML-KEM-768
// (post-quantum) so that either primitive alone is sufficient for
// confidentiality, and authenticates every message with a one-time
// ML-DSA-44 signature.
package constants

import "time"

// Protocol version and identification
const (
	// ProtocolVersion is the current version of the Qubee envelope format
	ProtocolVersion uint16 = 0x0001

	// ProtocolName is used for domain separation in key derivation
	ProtocolName = "QUBEE-RATCHET-v1"
)

// ML-KEM-768 Parameters (NIST FIPS 203)
// These parameters provide NIST Category 3 security (~192-bit post-quantum security)
const (
	// MLKEMPublicKeySize is the size of ML-KEM-768 encapsulation key in bytes
	MLKEMPublicKeySize = 1184

	// MLKEMPrivateKeySize is the size of ML-KEM-768 decapsulation key in bytes
	MLKEMPrivateKeySize = 2400

	// MLKEMCiphertextSize is the size of ML-KEM-768 ciphertext in bytes
	MLKEMCiphertextSize = 1088

	// MLKEMSharedSecretSize is the size of the shared secret from ML-KEM in bytes
	MLKEMSharedSecretSize = 32
)

// ML-DSA-44 Parameters (NIST FIPS 204)
// Used for per-message one-time signatures, never for long-term identity.
const (
	// MLDSAPublicKeySize is the size of an ML-DSA-44 public key in bytes
	MLDSAPublicKeySize = 1312

	// MLDSAPrivateKeySize is the size of an ML-DSA-44 private key in bytes
	MLDSAPrivateKeySize = 2560

	// MLDSASignatureSize is the size of an ML-DSA-44 signature in bytes
	MLDSASignatureSize = 2420
)

// X25519 Parameters (RFC 7748)
const (
	// X25519PublicKeySize is the size of X25519 public key in bytes
	X25519PublicKeySize = 32

	// X25519PrivateKeySize is the size of X25519 private key in bytes
	X25519PrivateKeySize = 32

	// X25519SharedSecretSize is the size of the X25519 shared secret in bytes
	X25519SharedSecretSize = 32
)

// Symmetric Parameters
const (
	// AEADKeySize is the size of AEAD keys in bytes (both suites)
	AEADKeySize = 32

	// AEADNonceSize is the size of the AEAD nonce in bytes (96 bits)
	AEADNonceSize = 12

	// AEADTagSize is the size of the AEAD authentication tag in bytes
	AEADTagSize = 16

	// HeaderMACSize is the size of the outer envelope MAC in bytes
	HeaderMACSize = 16

	// RootKeySize is the size of the ratchet root key in bytes
	RootKeySize = 32

	// ChainKeySize is the size of chain keys in bytes
	ChainKeySize = 32

	// MessageKeySize is the size of per-message keys in bytes
	MessageKeySize = 32
)

// Key Derivation Labels (SHAKE-256 / HKDF-SHA-256)
const (
	// DomainSeparatorRoot derives the initial root key from the pre-agreed secret
	DomainSeparatorRoot = "QUBEE-v1-RootKey"

	// DomainSeparatorCombine combines the classical and post-quantum secrets
	DomainSeparatorCombine = "QUBEE-v1-HybridCombine"

	// DomainSeparatorMAC derives the envelope MAC key from the initial root key
	DomainSeparatorMAC = "QUBEE-v1-HeaderMAC"

	// LabelRootStep is the HKDF info label for the next root key in the root KDF
	LabelRootStep = "QUBEE-v1-RootStep"

	// LabelChainStep is the HKDF info label for the new chain key in the root KDF
	LabelChainStep = "QUBEE-v1-ChainStep"

	// DomainSeparatorChainKey advances a chain key in the chain KDF
	DomainSeparatorChainKey = "QUBEE-v1-ChainKey"

	// DomainSeparatorMessageKey derives a message key in the chain KDF
	DomainSeparatorMessageKey = "QUBEE-v1-MessageKey"
)

// Ratchet Security Limits
const (
	// DefaultPQRekeyPeriod is the number of sent messages between forced
	// ML-KEM re-encapsulations. Bounds the exposure window of a single
	// PQ shared secret independently of the DH ratchet cadence.
	DefaultPQRekeyPeriod = 16

	// DefaultMaxSkip is the hard ceiling on the forward chain walk distance
	// for out-of-order messages.
	DefaultMaxSkip = 1000

	// DefaultMaxCache is the capacity of the skipped message key cache.
	// Eviction is FIFO: the oldest inserted entry is dropped first.
	DefaultMaxCache = 100
)

// Cover Traffic Parameters
const (
	// DefaultDummyInterval is the base interval between dummy packets
	DefaultDummyInterval = 15 * time.Second

	// DefaultDummyJitter is the upper bound on the random jitter added to
	// each dummy packet interval
	DefaultDummyJitter = 5 * time.Second
)

// Message Size Limits
const (
	// MaxMessageSize is the maximum size of a plaintext payload
	MaxMessageSize = 1 << 20

	// MaxEnvelopeSize is the maximum size of a serialized envelope
	MaxEnvelopeSize = MaxMessageSize + MLKEMCiphertextSize + MLKEMPublicKeySize + MLDSAPublicKeySize + MLDSASignatureSize + 1024

	// MaxSenderIDLength is the maximum length of a sender identity string
	MaxSenderIDLength = 256
)

// File Transfer Parameters
const (
	// DefaultChunkSize is the plaintext size of a single file chunk
	DefaultChunkSize = 65536

	// ContentHashSize is the size of the end-to-end file content hash
	ContentHashSize = 32
)

// CipherSuite identifiers
type CipherSuite uint16

const (
	// CipherSuiteChaCha20Poly1305 uses ChaCha20-Poly1305 for message encryption
	CipherSuiteChaCha20Poly1305 CipherSuite = 0x0001

	// CipherSuiteAES256GCM uses AES-256-GCM for message encryption
	CipherSuiteAES256GCM CipherSuite = 0x0002
)

// String returns a human-readable name for the cipher suite
func (cs CipherSuite) String() string {
	switch cs {
	case CipherSuiteChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	case CipherSuiteAES256GCM:
		return "AES-256-GCM"
	default:
		return "Unknown"
	}
}

// IsSupported returns true if the cipher suite is supported
func (cs CipherSuite) IsSupported() bool {
	return cs == CipherSuiteChaCha20Poly1305 || cs == CipherSuiteAES256GCM
}
