// aead.go implements Authenticated Encryption with Associated Data (AEAD).
//
// Two AEAD suites are supported:
//   - ChaCha20-Poly1305: stream cipher + polynomial MAC, the default suite
//   - AES-256-GCM: FIPS-approved, hardware-accelerated on modern CPUs
//
// Both use a 256-bit key, a 96-bit nonce, and a 128-bit authentication tag.
//
// CRITICAL: Nonce reuse completely breaks security. The ratchet engine uses
// a one-time message key per envelope together with a fresh random nonce,
// so each (key, nonce) pair is used at most once by construction.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
)

// AEAD represents an authenticated encryption cipher with an explicit nonce.
type AEAD struct {
	cipher cipher.AEAD
	suite  constants.CipherSuite
}

// NewAEAD creates a new AEAD cipher with the specified suite and 32-byte key.
func NewAEAD(suite constants.CipherSuite, key []byte) (*AEAD, error) {
	if len(key) != constants.AEADKeySize {
		return nil, qerrors.ErrInvalidKeySize
	}

	var aeadCipher cipher.AEAD
	var err error

	switch suite {
	case constants.CipherSuiteChaCha20Poly1305:
		aeadCipher, err = chacha20poly1305.New(key)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}

	case constants.CipherSuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}
		aeadCipher, err = cipher.NewGCM(block)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}

	default:
		return nil, qerrors.ErrUnsupportedCipherSuite
	}

	return &AEAD{
		cipher: aeadCipher,
		suite:  suite,
	}, nil
}

// Seal encrypts and authenticates plaintext under the given nonce.
//
// The caller is responsible for nonce uniqueness. Returns
// encrypted_data || auth_tag; the nonce is NOT included in the output
// because the envelope carries it as a separate wire field.
func (a *AEAD) Seal(nonce, plaintext, additionalData []byte) ([]byte, error) {
	if len(nonce) != constants.AEADNonceSize {
		return nil, qerrors.ErrInvalidNonce
	}

	return a.cipher.Seal(nil, nonce, plaintext, additionalData), nil
}

// Open decrypts and verifies ciphertext under the given nonce.
//
// additionalData must match the value used during Seal. Any tampering with
// the nonce, ciphertext, or additional data yields ErrAuthenticationFailed,
// never a corrupted plaintext.
func (a *AEAD) Open(nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(nonce) != constants.AEADNonceSize {
		return nil, qerrors.ErrInvalidNonce
	}

	if len(ciphertext) < constants.AEADTagSize {
		return nil, qerrors.ErrInvalidCiphertext
	}

	plaintext, err := a.cipher.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, qerrors.ErrAuthenticationFailed
	}

	return plaintext, nil
}

// NewNonce returns a fresh random 12-byte nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, constants.AEADNonceSize)
	if err := SecureRandom(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Suite returns the cipher suite identifier.
func (a *AEAD) Suite() constants.CipherSuite {
	return a.suite
}

// Overhead returns the number of ciphertext bytes added by authentication.
func (a *AEAD) Overhead() int {
	return a.cipher.Overhead()
}
