// mldsa.go implements one-time ML-DSA-44 signatures.
//
// ML-DSA (Module-Lattice-based Digital Signature Algorithm) is standardized
// in NIST FIPS 204 and is based on the hardness of MLWE and SelfTargetMSIS.
//
// The messaging core generates a FRESH signing key for every envelope, signs
// the ciphertext, and discards the private key immediately. The signature's
// purpose is per-message authenticity under the pinning registry, not
// long-term identity: one-time keys must never repeat, and the registry
// rejects any envelope that presents a previously seen key.
package crypto

import (
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
)

// MLDSAPublicKey wraps an ML-DSA-44 verification key
type MLDSAPublicKey struct {
	key *mldsa44.PublicKey
}

// OneTimeSigner holds a freshly generated ML-DSA-44 key pair. It signs
// exactly one message; Sign drops the private key after use.
type OneTimeSigner struct {
	public  *mldsa44.PublicKey
	private *mldsa44.PrivateKey
}

// NewOneTimeSigner generates a fresh ML-DSA-44 key pair for a single signature.
//
// Returns error if the system's CSPRNG fails.
func NewOneTimeSigner() (*OneTimeSigner, error) {
	pk, sk, err := mldsa44.GenerateKey(Reader)
	if err != nil {
		return nil, qerrors.NewCryptoError("OneTimeSigner.Generate", err)
	}
	return &OneTimeSigner{public: pk, private: sk}, nil
}

// Sign produces a signature over message and discards the private key.
// A second call fails: one-time keys are never reused.
func (s *OneTimeSigner) Sign(message []byte) ([]byte, error) {
	if s.private == nil {
		return nil, qerrors.NewCryptoError("OneTimeSigner.Sign", qerrors.ErrInvalidPrivateKey)
	}

	sig := make([]byte, mldsa44.SignatureSize)
	if err := mldsa44.SignTo(s.private, message, nil, false, sig); err != nil {
		return nil, qerrors.NewCryptoError("OneTimeSigner.Sign", err)
	}

	// One-time use: drop the private key immediately after signing.
	s.private = nil

	return sig, nil
}

// PublicKeyBytes returns the encoded verification key for the envelope.
func (s *OneTimeSigner) PublicKeyBytes() []byte {
	buf, err := s.public.MarshalBinary()
	if err != nil {
		return nil
	}
	return buf
}

// ParseMLDSAPublicKey parses an ML-DSA-44 public key from its encoded form.
func ParseMLDSAPublicKey(data []byte) (*MLDSAPublicKey, error) {
	if len(data) != constants.MLDSAPublicKeySize {
		return nil, qerrors.ErrInvalidPublicKey
	}

	pk := new(mldsa44.PublicKey)
	if err := pk.UnmarshalBinary(data); err != nil {
		return nil, qerrors.NewCryptoError("ParseMLDSAPublicKey", err)
	}

	return &MLDSAPublicKey{key: pk}, nil
}

// MLDSAVerify reports whether signature is a valid ML-DSA-44 signature over
// message under pk.
func MLDSAVerify(pk *MLDSAPublicKey, message, signature []byte) bool {
	if pk == nil || pk.key == nil {
		return false
	}
	if len(signature) != constants.MLDSASignatureSize {
		return false
	}
	return mldsa44.Verify(pk.key, message, nil, signature)
}
