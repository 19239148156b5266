package envelope

import (
	"time"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
	"github.com/qubee/qubee-go/pkg/crypto"
	"github.com/qubee/qubee-go/pkg/ratchet"
)

// Payload framing: the first plaintext byte marks real traffic or a dummy
// cover packet. Dummies are indistinguishable on the wire and consume a
// ratchet step like any other message.
const (
	payloadReal  = 0x00
	payloadDummy = 0x01
)

// PinVerifier checks a sender's one-time signing key against the trust
// store. The codec calls it once per decrypted envelope, after the
// signature itself has verified.
type PinVerifier interface {
	VerifyAndPin(senderID string, signingPublicKey []byte) error
}

// Codec seals and opens envelopes for one ratchet session. It owns no
// locking; the caller must serialize access together with the session.
type Codec struct {
	session *ratchet.Session
	suite   constants.CipherSuite
	pins    PinVerifier
}

// NewCodec binds a codec to a session and trust store.
func NewCodec(session *ratchet.Session, suite constants.CipherSuite, pins PinVerifier) (*Codec, error) {
	if !suite.IsSupported() {
		return nil, qerrors.ErrUnsupportedCipherSuite
	}
	return &Codec{session: session, suite: suite, pins: pins}, nil
}

// Encrypt seals a payload into a wire envelope, advancing the send chain by
// exactly one step. A nil or empty plaintext with dummy set produces a
// cover traffic envelope.
func (c *Codec) Encrypt(plaintext []byte, dummy bool) ([]byte, error) {
	if len(plaintext) > constants.MaxMessageSize {
		return nil, qerrors.ErrMessageTooLarge
	}

	prep, err := c.session.PrepareSend()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(prep.MessageKey)

	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}

	header := Header{
		Version:         constants.ProtocolVersion,
		Suite:           c.suite,
		DHPublicKey:     prep.DHPublicKey,
		PQCiphertext:    prep.PQCiphertext,
		PQPublicKey:     prep.PQPublicKey,
		PrevChainLength: prep.PrevChainLength,
		MessageNumber:   prep.MessageNumber,
		Timestamp:       uint64(time.Now().Unix()),
		Nonce:           nonce,
	}
	headerBytes, err := header.EncodeHeader()
	if err != nil {
		return nil, err
	}

	framed := make([]byte, 1+len(plaintext))
	if dummy {
		framed[0] = payloadDummy
	} else {
		framed[0] = payloadReal
	}
	copy(framed[1:], plaintext)

	aead, err := crypto.NewAEAD(c.suite, prep.MessageKey)
	if err != nil {
		return nil, err
	}
	ciphertext, err := aead.Seal(nonce, framed, headerBytes)
	if err != nil {
		return nil, err
	}
	crypto.Zeroize(framed)

	mac, err := crypto.ComputeEnvelopeMAC(c.session.MACKey(), headerBytes, ciphertext)
	if err != nil {
		return nil, err
	}

	// Fresh signing key per envelope; the signer refuses reuse.
	signer, err := crypto.NewOneTimeSigner()
	if err != nil {
		return nil, err
	}
	signature, err := signer.Sign(ciphertext)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Header:             header,
		Ciphertext:         ciphertext,
		MAC:                mac,
		EphemeralPublicKey: signer.PublicKeyBytes(),
		EphemeralSignature: signature,
	}
	return env.Encode()
}

// Decrypt opens a wire envelope. It returns the plaintext payload, or nil
// for a cover traffic dummy.
//
// Verification is staged: the envelope MAC, the ratchet key resolution
// (including replay and skip checks), the one-time signature, the AEAD
// open, and finally the trust pin. Session state is committed only after
// everything passes, so a hostile envelope leaves the ratchet untouched.
func (c *Codec) Decrypt(senderID string, data []byte) ([]byte, error) {
	env, headerBytes, err := Decode(data)
	if err != nil {
		return nil, err
	}

	mac, err := crypto.ComputeEnvelopeMAC(c.session.MACKey(), headerBytes, env.Ciphertext)
	if err != nil {
		return nil, err
	}
	if !crypto.ConstantTimeCompare(mac, env.MAC) {
		return nil, qerrors.ErrAuthenticationFailed
	}

	res, err := c.session.ResolveRecvKey(ratchet.RecvInput{
		DHPublicKey:     env.Header.DHPublicKey,
		PQPublicKey:     env.Header.PQPublicKey,
		PQCiphertext:    env.Header.PQCiphertext,
		PrevChainLength: env.Header.PrevChainLength,
		MessageNumber:   env.Header.MessageNumber,
	})
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(res.MessageKey)

	sigKey, err := crypto.ParseMLDSAPublicKey(env.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	if !crypto.MLDSAVerify(sigKey, env.Ciphertext, env.EphemeralSignature) {
		return nil, qerrors.ErrSignatureInvalid
	}

	aead, err := crypto.NewAEAD(env.Header.Suite, res.MessageKey)
	if err != nil {
		return nil, err
	}
	framed, err := aead.Open(env.Header.Nonce, env.Ciphertext, headerBytes)
	if err != nil {
		return nil, err
	}

	// The pin check is the final gate: it records the observed key, so it
	// must not run before every other verification has passed.
	if c.pins != nil {
		if err := c.pins.VerifyAndPin(senderID, env.EphemeralPublicKey); err != nil {
			crypto.Zeroize(framed)
			return nil, err
		}
	}

	c.session.Commit(res)

	if framed[0] == payloadDummy {
		crypto.Zeroize(framed)
		return nil, nil
	}
	payload := make([]byte, len(framed)-1)
	copy(payload, framed[1:])
	crypto.Zeroize(framed)
	return payload, nil
}
