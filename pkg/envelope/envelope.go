// Package envelope defines the authenticated wire format for ratchet
// messages and the codec that seals and opens them.
//
// An envelope carries a ratchet header, the AEAD ciphertext, a truncated
// envelope MAC over header and ciphertext, and a one-time ML-DSA-44
// signature binding the ciphertext to a fresh ephemeral key. The header is
// fed to the AEAD as associated data, so header tampering fails decryption
// even before the MAC is considered.
package envelope

import (
	"bytes"
	"encoding/binary"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
)

const (
	flagPQCiphertext = 1 << 0
	flagPQPublicKey  = 1 << 1
)

// Header is the plaintext ratchet header of an envelope. Its encoded form
// is both the AEAD associated data and the first MAC input.
type Header struct {
	// Version is the protocol version
	Version uint16

	// Suite identifies the AEAD cipher suite
	Suite constants.CipherSuite

	// DHPublicKey is the sender's current DH ratchet public key
	DHPublicKey []byte

	// PQCiphertext is the ML-KEM encapsulation ciphertext, present on the
	// first message and on rekey boundaries
	PQCiphertext []byte

	// PQPublicKey is the sender's ML-KEM encapsulation key, present
	// whenever PQCiphertext is
	PQPublicKey []byte

	// PrevChainLength is the length of the sender's previous send chain
	PrevChainLength uint64

	// MessageNumber is the position in the current send chain
	MessageNumber uint64

	// Timestamp is the send time in Unix seconds
	Timestamp uint64

	// Nonce is the AEAD nonce
	Nonce []byte
}

// Envelope is a complete wire message.
type Envelope struct {
	Header Header

	// Ciphertext is the AEAD output over the framed payload
	Ciphertext []byte

	// MAC is the truncated envelope MAC over header and ciphertext
	MAC []byte

	// EphemeralPublicKey is the one-time ML-DSA-44 verification key
	EphemeralPublicKey []byte

	// EphemeralSignature is the one-time signature over the ciphertext
	EphemeralSignature []byte
}

// EncodeHeader serializes the header deterministically. All multi-byte
// integers are big-endian; optional fields are gated by a flags byte.
func (h *Header) EncodeHeader() ([]byte, error) {
	if len(h.DHPublicKey) != constants.X25519PublicKeySize {
		return nil, qerrors.ErrInvalidPublicKey
	}
	if len(h.Nonce) != constants.AEADNonceSize {
		return nil, qerrors.ErrInvalidNonce
	}
	if h.PQCiphertext != nil && len(h.PQCiphertext) != constants.MLKEMCiphertextSize {
		return nil, qerrors.ErrInvalidEnvelope
	}
	if h.PQPublicKey != nil && len(h.PQPublicKey) != constants.MLKEMPublicKeySize {
		return nil, qerrors.ErrInvalidPublicKey
	}

	var flags byte
	if h.PQCiphertext != nil {
		flags |= flagPQCiphertext
	}
	if h.PQPublicKey != nil {
		flags |= flagPQPublicKey
	}

	buf := new(bytes.Buffer)
	var u16 [2]byte
	var u64 [8]byte

	binary.BigEndian.PutUint16(u16[:], h.Version)
	buf.Write(u16[:])
	binary.BigEndian.PutUint16(u16[:], uint16(h.Suite))
	buf.Write(u16[:])
	buf.WriteByte(flags)
	buf.Write(h.DHPublicKey)
	if h.PQCiphertext != nil {
		buf.Write(h.PQCiphertext)
	}
	if h.PQPublicKey != nil {
		buf.Write(h.PQPublicKey)
	}
	binary.BigEndian.PutUint64(u64[:], h.PrevChainLength)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], h.MessageNumber)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], h.Timestamp)
	buf.Write(u64[:])
	buf.Write(h.Nonce)

	return buf.Bytes(), nil
}

// Encode serializes the complete envelope.
func (e *Envelope) Encode() ([]byte, error) {
	header, err := e.Header.EncodeHeader()
	if err != nil {
		return nil, err
	}
	if len(e.MAC) != constants.HeaderMACSize {
		return nil, qerrors.ErrInvalidEnvelope
	}
	if len(e.EphemeralPublicKey) != constants.MLDSAPublicKeySize {
		return nil, qerrors.ErrInvalidPublicKey
	}
	if len(e.EphemeralSignature) != constants.MLDSASignatureSize {
		return nil, qerrors.ErrInvalidEnvelope
	}
	if len(e.Ciphertext) > constants.MaxEnvelopeSize {
		return nil, qerrors.ErrMessageTooLarge
	}

	buf := new(bytes.Buffer)
	buf.Write(header)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(e.Ciphertext)))
	buf.Write(u32[:])
	buf.Write(e.Ciphertext)
	buf.Write(e.MAC)
	buf.Write(e.EphemeralPublicKey)
	buf.Write(e.EphemeralSignature)

	return buf.Bytes(), nil
}

// Decode parses a wire envelope, validating every length before use.
// HeaderBytes returns the exact header slice needed for MAC and AEAD
// verification, avoiding a re-encode of the parsed header.
func Decode(data []byte) (env *Envelope, headerBytes []byte, err error) {
	if len(data) > constants.MaxEnvelopeSize {
		return nil, nil, qerrors.ErrMessageTooLarge
	}

	r := &reader{data: data}

	var h Header
	h.Version = r.uint16()
	if h.Version != constants.ProtocolVersion {
		return nil, nil, qerrors.ErrUnsupportedVersion
	}
	h.Suite = constants.CipherSuite(r.uint16())
	if !h.Suite.IsSupported() {
		return nil, nil, qerrors.ErrUnsupportedCipherSuite
	}
	flags := r.byte()
	h.DHPublicKey = r.bytes(constants.X25519PublicKeySize)
	if flags&flagPQCiphertext != 0 {
		h.PQCiphertext = r.bytes(constants.MLKEMCiphertextSize)
	}
	if flags&flagPQPublicKey != 0 {
		h.PQPublicKey = r.bytes(constants.MLKEMPublicKeySize)
	}
	h.PrevChainLength = r.uint64()
	h.MessageNumber = r.uint64()
	h.Timestamp = r.uint64()
	h.Nonce = r.bytes(constants.AEADNonceSize)

	headerEnd := r.off
	if r.failed {
		return nil, nil, qerrors.ErrInvalidEnvelope
	}

	ctLen := r.uint32()
	if r.failed || int(ctLen) > constants.MaxEnvelopeSize {
		return nil, nil, qerrors.ErrInvalidEnvelope
	}

	e := &Envelope{Header: h}
	e.Ciphertext = r.bytes(int(ctLen))
	e.MAC = r.bytes(constants.HeaderMACSize)
	e.EphemeralPublicKey = r.bytes(constants.MLDSAPublicKeySize)
	e.EphemeralSignature = r.bytes(constants.MLDSASignatureSize)

	if r.failed || r.off != len(data) {
		return nil, nil, qerrors.ErrInvalidEnvelope
	}
	if len(e.Ciphertext) < 1+constants.AEADTagSize {
		return nil, nil, qerrors.ErrInvalidEnvelope
	}

	return e, data[:headerEnd], nil
}

// reader is a bounds-checked cursor over wire bytes. A short read marks the
// reader failed instead of panicking, so callers check once at the end.
type reader struct {
	data   []byte
	off    int
	failed bool
}

func (r *reader) take(n int) []byte {
	if r.failed || r.off+n > len(r.data) {
		r.failed = true
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) bytes(n int) []byte {
	return r.take(n)
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
