// mlkem.go implements the ML-KEM-768 key encapsulation mechanism wrapper.
//
// ML-KEM (Module-Lattice-based Key-Encapsulation Mechanism) is standardized in
// NIST FIPS 203. The security of ML-KEM is based on the computational difficulty
// of the Module Learning With Errors (MLWE) problem: given (A, b = As + e) over
// the polynomial ring R_q = Z_q[X]/(X^n + 1), it is computationally infeasible
// to distinguish (A, As + e) from uniform random.
//
// ML-KEM-768 (k=3) targets NIST Category 3 security. The ratchet engine uses
// it for the post-quantum half of the hybrid key exchange and for periodic
// re-encapsulation that bounds the exposure window of any single PQ secret.
package crypto

import (
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
)

// MLKEMPublicKey wraps an ML-KEM-768 encapsulation key
type MLKEMPublicKey struct {
	key *mlkem768.PublicKey
}

// MLKEMPrivateKey wraps an ML-KEM-768 decapsulation key
type MLKEMPrivateKey struct {
	key *mlkem768.PrivateKey
}

// MLKEMKeyPair represents an ML-KEM-768 key pair for post-quantum key encapsulation.
type MLKEMKeyPair struct {
	// EncapsulationKey is the public key used by others to encapsulate secrets
	EncapsulationKey *MLKEMPublicKey

	// DecapsulationKey is the private key used to decapsulate secrets
	DecapsulationKey *MLKEMPrivateKey
}

// GenerateMLKEMKeyPair generates a new ML-KEM-768 key pair.
//
// Returns error if the system's CSPRNG fails.
func GenerateMLKEMKeyPair() (*MLKEMKeyPair, error) {
	pk, sk, err := mlkem768.GenerateKeyPair(Reader)
	if err != nil {
		return nil, qerrors.NewCryptoError("MLKEMKeyPair.Generate", err)
	}

	return &MLKEMKeyPair{
		EncapsulationKey: &MLKEMPublicKey{key: pk},
		DecapsulationKey: &MLKEMPrivateKey{key: sk},
	}, nil
}

// MLKEMEncapsulate performs key encapsulation using ML-KEM-768.
//
// Returns the encapsulated ciphertext (1088 bytes) and the 32-byte shared
// secret, or an error if encapsulation fails.
func MLKEMEncapsulate(ek *MLKEMPublicKey) (ciphertext, sharedSecret []byte, err error) {
	if ek == nil || ek.key == nil {
		return nil, nil, qerrors.ErrInvalidPublicKey
	}

	ct := make([]byte, mlkem768.CiphertextSize)
	ss := make([]byte, mlkem768.SharedKeySize)

	// Generate random seed for encapsulation
	seed := make([]byte, mlkem768.EncapsulationSeedSize)
	if err := SecureRandom(seed); err != nil {
		return nil, nil, qerrors.NewCryptoError("MLKEMEncapsulate", err)
	}

	ek.key.EncapsulateTo(ct, ss, seed)

	return ct, ss, nil
}

// MLKEMDecapsulate performs key decapsulation using ML-KEM-768.
//
// Decapsulation is IND-CCA2 secure via the Fujisaki-Okamoto transform with
// implicit rejection: a malformed ciphertext still yields a value that looks
// random rather than an error oracle.
func MLKEMDecapsulate(dk *MLKEMPrivateKey, ciphertext []byte) ([]byte, error) {
	if dk == nil || dk.key == nil {
		return nil, qerrors.ErrInvalidPrivateKey
	}

	if len(ciphertext) != constants.MLKEMCiphertextSize {
		return nil, qerrors.ErrInvalidCiphertext
	}

	ss := make([]byte, mlkem768.SharedKeySize)
	dk.key.DecapsulateTo(ss, ciphertext)

	return ss, nil
}

// Bytes returns the encoded bytes of the public key.
func (pk *MLKEMPublicKey) Bytes() []byte {
	if pk == nil || pk.key == nil {
		return nil
	}
	buf, err := pk.key.MarshalBinary()
	if err != nil {
		return nil
	}
	return buf
}

// Bytes returns the encoded bytes of the private key.
// Warning: Handle with care - this exposes the secret key material.
func (sk *MLKEMPrivateKey) Bytes() []byte {
	if sk == nil || sk.key == nil {
		return nil
	}
	buf, err := sk.key.MarshalBinary()
	if err != nil {
		return nil
	}
	return buf
}

// PublicKeyBytes returns the encoded bytes of the encapsulation key.
func (kp *MLKEMKeyPair) PublicKeyBytes() []byte {
	return kp.EncapsulationKey.Bytes()
}

// ParseMLKEMPublicKey parses an ML-KEM-768 public key from its encoded form.
func ParseMLKEMPublicKey(data []byte) (*MLKEMPublicKey, error) {
	if len(data) != constants.MLKEMPublicKeySize {
		return nil, qerrors.ErrInvalidPublicKey
	}

	pk := new(mlkem768.PublicKey)
	if err := pk.Unpack(data); err != nil {
		return nil, qerrors.NewCryptoError("ParseMLKEMPublicKey", err)
	}

	return &MLKEMPublicKey{key: pk}, nil
}

// ParseMLKEMPrivateKey parses an ML-KEM-768 private key from its encoded form.
func ParseMLKEMPrivateKey(data []byte) (*MLKEMPrivateKey, error) {
	if len(data) != constants.MLKEMPrivateKeySize {
		return nil, qerrors.ErrInvalidPrivateKey
	}

	sk := new(mlkem768.PrivateKey)
	if err := sk.Unpack(data); err != nil {
		return nil, qerrors.NewCryptoError("ParseMLKEMPrivateKey", err)
	}

	return &MLKEMPrivateKey{key: sk}, nil
}

// Zeroize drops the private key material.
// This should be called when the key pair is no longer needed.
func (kp *MLKEMKeyPair) Zeroize() {
	// CIRCL doesn't expose direct zeroization, so we clear our references.
	// In production, consider OS-level memory protection.
	kp.DecapsulationKey = nil
	kp.EncapsulationKey = nil
}
