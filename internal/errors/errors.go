// Package errors defines custom error types for the Qubee messaging core.
// These errors provide detailed information for debugging while maintaining
// security by not leaking sensitive information in error messages.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for ratchet lifecycle misuse. These indicate programmer
// bugs, not hostile input, and should fail fast.
var (
	// ErrNotInitialized indicates an operation on an uninitialized session
	ErrNotInitialized = errors.New("ratchet: session not initialized")

	// ErrAlreadyInitialized indicates a second initialization attempt
	ErrAlreadyInitialized = errors.New("ratchet: session already initialized")

	// ErrRatchetNotReady indicates encrypt/decrypt outside a usable state
	ErrRatchetNotReady = errors.New("ratchet: session not ready")

	// ErrNoSendChain indicates a send was attempted before a send chain exists
	ErrNoSendChain = errors.New("ratchet: no send chain key")

	// ErrNoRecvChain indicates a receive was attempted before a receive chain exists
	ErrNoRecvChain = errors.New("ratchet: no receive chain key")

	// ErrSessionCompromised indicates the session has been marked compromised.
	// This state is terminal; the session must be re-established out of band.
	ErrSessionCompromised = errors.New("ratchet: session compromised")
)

// Sentinel errors for hostile or corrupted input. None of these partially
// mutate ratchet state: verification completes fully before any counter or
// chain advances.
var (
	// ErrAuthenticationFailed indicates an AEAD tag or envelope MAC mismatch
	ErrAuthenticationFailed = errors.New("envelope: authentication failed")

	// ErrReplayDetected indicates a message number at or below the receive counter
	ErrReplayDetected = errors.New("envelope: replay detected")

	// ErrTooManySkippedMessages indicates the skip distance exceeds max-skip
	ErrTooManySkippedMessages = errors.New("ratchet: too many skipped messages")

	// ErrSignatureInvalid indicates the one-time signature failed verification
	ErrSignatureInvalid = errors.New("envelope: ephemeral signature invalid")

	// ErrEphemeralKeyMismatch indicates a pinning violation. Surfaced
	// distinctly because it signals a probable active MITM rather than
	// transient corruption.
	ErrEphemeralKeyMismatch = errors.New("pinning: ephemeral key mismatch detected (possible MITM)")

	// ErrInvalidSenderID indicates an empty or oversized sender identity
	ErrInvalidSenderID = errors.New("pinning: invalid sender id")
)

// Sentinel errors for cryptographic operations
var (
	// ErrInvalidKeySize indicates that a key has an incorrect size
	ErrInvalidKeySize = errors.New("crypto: invalid key size")

	// ErrInvalidCiphertext indicates that ciphertext is malformed or invalid
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")

	// ErrInvalidNonce indicates the nonce size is incorrect
	ErrInvalidNonce = errors.New("crypto: invalid nonce size")

	// ErrInvalidPublicKey indicates that a public key is invalid
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")

	// ErrInvalidPrivateKey indicates that a private key is invalid
	ErrInvalidPrivateKey = errors.New("crypto: invalid private key")

	// ErrUnsupportedCipherSuite indicates an unsupported cipher suite
	ErrUnsupportedCipherSuite = errors.New("crypto: unsupported cipher suite")

	// ErrInvalidConfig indicates configuration values that would break the
	// protocol
	ErrInvalidConfig = errors.New("config: invalid value")
)

// Sentinel errors for the wire codec
var (
	// ErrInvalidEnvelope indicates a serialized envelope is malformed
	ErrInvalidEnvelope = errors.New("envelope: invalid wire format")

	// ErrUnsupportedVersion indicates an unsupported envelope version
	ErrUnsupportedVersion = errors.New("envelope: unsupported version")

	// ErrMessageTooLarge indicates the payload exceeds the maximum size
	ErrMessageTooLarge = errors.New("envelope: message too large")
)

// Sentinel errors for the secure key store
var (
	// ErrKeystoreInvalidID indicates an empty or oversized entry identifier
	ErrKeystoreInvalidID = errors.New("keystore: invalid entry id")

	// ErrKeystoreCorrupted indicates an entry failed to decrypt under the master key
	ErrKeystoreCorrupted = errors.New("keystore: entry corrupted or wrong master key")

	// ErrKeystoreClosed indicates an operation on a closed keystore
	ErrKeystoreClosed = errors.New("keystore: store is closed")
)

// Sentinel errors for the file transfer adapter
var (
	// ErrFileIntegrityMismatch indicates the reassembled content hash does
	// not match the transmitted hash chunk
	ErrFileIntegrityMismatch = errors.New("transfer: file integrity verification failed")

	// ErrMissingChunks indicates reassembly was attempted with gaps
	ErrMissingChunks = errors.New("transfer: missing chunks")

	// ErrInvalidChunk indicates a malformed or undecodable chunk payload
	ErrInvalidChunk = errors.New("transfer: invalid chunk")
)

// Sentinel errors for the audio adapter
var (
	// ErrEmptyFrame indicates an attempt to send a zero-length frame
	ErrEmptyFrame = errors.New("audio: empty frame")

	// ErrInvalidFrame indicates a payload too short to carry a frame header
	ErrInvalidFrame = errors.New("audio: invalid frame")
)

// CryptoError wraps a cryptographic error with additional context
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// RatchetError wraps a ratchet state machine error with the operation that failed
type RatchetError struct {
	Op  string // Ratchet operation (e.g., "InitializeSender", "Decrypt")
	Err error  // Underlying error
}

func (e *RatchetError) Error() string {
	return fmt.Sprintf("ratchet %s: %v", e.Op, e.Err)
}

func (e *RatchetError) Unwrap() error {
	return e.Err
}

// NewRatchetError creates a new RatchetError
func NewRatchetError(op string, err error) *RatchetError {
	return &RatchetError{Op: op, Err: err}
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
