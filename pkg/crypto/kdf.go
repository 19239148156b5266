// kdf.go implements the key derivation functions of the ratchet engine.
//
// Two constructions are used, each in the role it is best suited for:
//
//   - SHAKE-256 (FIPS 202, via golang.org/x/crypto/sha3) with length-prefixed
//     domain separation for one-shot derivations: the initial root key, the
//     hybrid secret combiner, the MAC key, and the envelope MAC itself.
//     Length prefixes are 4-byte big-endian integers so that multi-input
//     derivations parse unambiguously; the classical and post-quantum
//     secrets are never concatenated without framing.
//
//   - HKDF-SHA-256 (RFC 5869, via golang.org/x/crypto/hkdf) for the root
//     ratchet step: extract with the current root key as salt, then expand
//     under two distinct labels to obtain the next root key and a fresh
//     chain key.
//
// The chain step is a pair of domain-separated SHA3-256 evaluations over the
// current chain key. It is a one-way function: knowledge of a later chain
// key never reveals an earlier message key, which is what provides forward
// secrecy within a chain.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
)

// DeriveKey derives a key using SHAKE-256 with domain separation.
//
// The derivation follows the construction:
//
//	output = SHAKE-256(
//	    domain_separator_length || domain_separator ||
//	    input_length || input,
//	    output_length
//	)
func DeriveKey(domain string, input []byte, outputLen int) ([]byte, error) {
	if outputLen <= 0 || outputLen > 1<<20 { // Max 1MB
		return nil, qerrors.NewCryptoError("DeriveKey", qerrors.ErrInvalidKeySize)
	}

	h := sha3.NewShake256()

	// Write domain separator with length prefix
	domainBytes := []byte(domain)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(domainBytes)))
	h.Write(lenBuf)
	h.Write(domainBytes)

	// Write input with length prefix
	binary.BigEndian.PutUint32(lenBuf, uint32(len(input)))
	h.Write(lenBuf)
	h.Write(input)

	output := make([]byte, outputLen)
	_, _ = h.Read(output) // SHAKE256.Read never fails

	return output, nil
}

// DeriveKeyMultiple derives a key from multiple inputs with domain separation.
//
// Each input is length-prefixed, and the input count is included, so the
// boundary between secret sources is always part of the derivation. This is
// what keeps the X25519 and ML-KEM secrets distinct in the hybrid combiner.
func DeriveKeyMultiple(domain string, inputs [][]byte, outputLen int) ([]byte, error) {
	if outputLen <= 0 || outputLen > 1<<20 {
		return nil, qerrors.NewCryptoError("DeriveKeyMultiple", qerrors.ErrInvalidKeySize)
	}

	h := sha3.NewShake256()
	lenBuf := make([]byte, 4)

	// Write domain separator with length prefix
	domainBytes := []byte(domain)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(domainBytes)))
	h.Write(lenBuf)
	h.Write(domainBytes)

	// Write number of inputs
	binary.BigEndian.PutUint32(lenBuf, uint32(len(inputs)))
	h.Write(lenBuf)

	// Write each input with length prefix
	for _, input := range inputs {
		binary.BigEndian.PutUint32(lenBuf, uint32(len(input)))
		h.Write(lenBuf)
		h.Write(input)
	}

	output := make([]byte, outputLen)
	_, _ = h.Read(output) // SHAKE256.Read never fails

	return output, nil
}

// DeriveInitialRootKey derives the session's initial root key from the
// pre-agreed shared secret with a domain-separation label.
func DeriveInitialRootKey(sharedSecret []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, qerrors.NewCryptoError("DeriveInitialRootKey", qerrors.ErrInvalidKeySize)
	}
	return DeriveKey(constants.DomainSeparatorRoot, sharedSecret, constants.RootKeySize)
}

// CombineSharedSecrets combines the classical and post-quantum shared secrets
// into a single ratchet input. The output is indistinguishable from random if
// EITHER X25519 OR ML-KEM-768 is secure.
func CombineSharedSecrets(dhSecret, pqSecret []byte) ([]byte, error) {
	if len(dhSecret) != constants.X25519SharedSecretSize {
		return nil, qerrors.NewCryptoError("CombineSharedSecrets", qerrors.ErrInvalidKeySize)
	}
	if len(pqSecret) != constants.MLKEMSharedSecretSize {
		return nil, qerrors.NewCryptoError("CombineSharedSecrets", qerrors.ErrInvalidKeySize)
	}

	return DeriveKeyMultiple(
		constants.DomainSeparatorCombine,
		[][]byte{dhSecret, pqSecret},
		constants.RootKeySize,
	)
}

// KDFRootStep is the root ratchet step (kdf_rk).
//
// Given the current root key and a DH or KEM output, it produces the next
// root key and a fresh chain key via HKDF-SHA-256:
//
//	PRK       = HKDF-Extract(salt = root_key, ikm = input)
//	root_key' = HKDF-Expand(PRK, "QUBEE-v1-RootStep", 32)
//	chain_key = HKDF-Expand(PRK, "QUBEE-v1-ChainStep", 32)
//
// The root key changes only here, never on a chain step.
func KDFRootStep(rootKey, input []byte) (newRootKey, chainKey []byte, err error) {
	if len(rootKey) != constants.RootKeySize {
		return nil, nil, qerrors.NewCryptoError("KDFRootStep", qerrors.ErrInvalidKeySize)
	}
	if len(input) == 0 {
		return nil, nil, qerrors.NewCryptoError("KDFRootStep", qerrors.ErrInvalidKeySize)
	}

	prk := hkdf.Extract(sha256.New, input, rootKey)

	newRootKey = make([]byte, constants.RootKeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(constants.LabelRootStep)), newRootKey); err != nil {
		return nil, nil, qerrors.NewCryptoError("KDFRootStep", err)
	}

	chainKey = make([]byte, constants.ChainKeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(constants.LabelChainStep)), chainKey); err != nil {
		return nil, nil, qerrors.NewCryptoError("KDFRootStep", err)
	}

	return newRootKey, chainKey, nil
}

// KDFChainStep is the chain ratchet step (kdf_ck).
//
// Two domain-separated SHA3-256 evaluations over the current chain key
// produce the next chain key and a one-time message key:
//
//	chain_key'  = SHA3-256(chain_key || "QUBEE-v1-ChainKey")
//	message_key = SHA3-256(chain_key || "QUBEE-v1-MessageKey")
func KDFChainStep(chainKey []byte) (nextChainKey, messageKey []byte, err error) {
	if len(chainKey) != constants.ChainKeySize {
		return nil, nil, qerrors.NewCryptoError("KDFChainStep", qerrors.ErrInvalidKeySize)
	}

	h := sha3.New256()
	h.Write(chainKey)
	h.Write([]byte(constants.DomainSeparatorChainKey))
	nextChainKey = h.Sum(nil)

	h = sha3.New256()
	h.Write(chainKey)
	h.Write([]byte(constants.DomainSeparatorMessageKey))
	messageKey = h.Sum(nil)

	return nextChainKey, messageKey, nil
}

// DeriveMACKey derives the envelope MAC key from the initial root key.
//
// The MAC key is derived once at session establishment rather than from the
// evolving root key: the receiver must be able to verify a message's MAC
// before applying any ratchet step that same message carries.
func DeriveMACKey(initialRootKey []byte) ([]byte, error) {
	if len(initialRootKey) != constants.RootKeySize {
		return nil, qerrors.NewCryptoError("DeriveMACKey", qerrors.ErrInvalidKeySize)
	}
	return DeriveKey(constants.DomainSeparatorMAC, initialRootKey, constants.AEADKeySize)
}

// ComputeEnvelopeMAC computes the 16-byte outer MAC over the serialized
// header and ciphertext under the session MAC key. Compare the result with
// ConstantTimeCompare, never with bytes.Equal.
func ComputeEnvelopeMAC(macKey, headerBytes, ciphertext []byte) ([]byte, error) {
	if len(macKey) != constants.AEADKeySize {
		return nil, qerrors.NewCryptoError("ComputeEnvelopeMAC", qerrors.ErrInvalidKeySize)
	}

	return DeriveKeyMultiple(
		constants.DomainSeparatorMAC,
		[][]byte{macKey, headerBytes, ciphertext},
		constants.HeaderMACSize,
	)
}

// ContentHash computes a SHA3-256 hash over ordered, length-prefixed
// components. Used for end-to-end file integrity verification.
func ContentHash(components ...[]byte) []byte {
	h := sha3.New256()
	lenBuf := make([]byte, 4)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(components)))
	h.Write(lenBuf)

	for _, component := range components {
		binary.BigEndian.PutUint32(lenBuf, uint32(len(component)))
		h.Write(lenBuf)
		h.Write(component)
	}

	return h.Sum(nil)
}

// NewContentHasher returns a streaming SHA3-256 hasher for whole-file
// hashing during chunked transfer.
func NewContentHasher() hash.Hash {
	return sha3.New256()
}
