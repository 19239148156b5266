// step.go implements the ratchet stepping logic: send-side key derivation
// with the PQ re-encapsulation schedule, and the staged receive-side
// resolution that never mutates session state before a message fully
// verifies.
package ratchet

import (
	"bytes"
	"crypto/ecdh"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
	"github.com/qubee/qubee-go/pkg/crypto"
)

// SendPrep is the material for one outgoing envelope. The message key is
// used exactly once and must be zeroized by the caller after encryption.
type SendPrep struct {
	// MessageKey is the one-time AEAD key for this envelope
	MessageKey []byte

	// MessageNumber is the sequence number within the current send chain
	MessageNumber uint64

	// PrevChainLength is the length of the previous send chain
	PrevChainLength uint64

	// DHPublicKey is the current local DH ratchet public key, announced in
	// every header
	DHPublicKey []byte

	// PQCiphertext is the ML-KEM encapsulation ciphertext; non-nil on the
	// first message and on every PQ rekey period boundary
	PQCiphertext []byte

	// PQPublicKey is the local ML-KEM encapsulation key, included whenever
	// PQCiphertext is, so the peer can rekey toward us
	PQPublicKey []byte
}

// PrepareSend advances the send chain exactly once and returns the material
// for the next outgoing envelope.
//
// Until a peer message confirms establishment, every envelope re-announces
// the initial encapsulation ciphertext. After that, on PQ rekey boundaries
// (every PQRekeyPeriod sent messages) it encapsulates a fresh secret
// against the peer's ML-KEM key and folds it into the chain root and send
// chain, bounding the exposure window of any single PQ shared secret. The
// fold bases on the root captured at chain creation, a value the receiver
// holds too regardless of how far its own root has advanced since.
func (s *Session) PrepareSend() (*SendPrep, error) {
	const op = "PrepareSend"

	if err := s.guard(op); err != nil {
		return nil, err
	}
	if !s.IsUsable() {
		return nil, qerrors.NewRatchetError(op, qerrors.ErrRatchetNotReady)
	}
	if s.sendChainKey == nil {
		return nil, qerrors.NewRatchetError(op, qerrors.ErrNoSendChain)
	}

	prep := &SendPrep{
		DHPublicKey:     s.LocalDHPublicBytes(),
		PrevChainLength: s.prevChainLength,
	}

	switch {
	case s.pendingPQCiphertext != nil:
		// Establishment not yet confirmed: re-announce the initial
		// encapsulation so the receiver can establish from whichever
		// envelope arrives first.
		prep.PQCiphertext = s.pendingPQCiphertext
		prep.PQPublicKey = s.LocalPQPublicBytes()

	case s.sendCounter > 0 && s.sendCounter%s.cfg.PQRekeyPeriod == 0 && s.peerPQPublic != nil:
		ct, ss, err := crypto.MLKEMEncapsulate(s.peerPQPublic)
		if err != nil {
			return nil, qerrors.NewRatchetError(op, err)
		}
		newChainRoot, newChain, err := crypto.KDFRootStep(s.sendChainRoot, ss)
		if err != nil {
			return nil, qerrors.NewRatchetError(op, err)
		}
		crypto.Zeroize(ss)
		crypto.Zeroize(s.sendChainRoot)
		crypto.Zeroize(s.sendChainKey)
		s.sendChainRoot = newChainRoot
		s.sendChainKey = newChain
		prep.PQCiphertext = ct
		prep.PQPublicKey = s.LocalPQPublicBytes()
		s.pqRekeys++
	}

	nextChain, messageKey, err := crypto.KDFChainStep(s.sendChainKey)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	crypto.Zeroize(s.sendChainKey)
	s.sendChainKey = nextChain

	prep.MessageKey = messageKey
	prep.MessageNumber = s.sendCounter
	s.sendCounter++

	return prep, nil
}

// RecvInput is the header material a received envelope carries into key
// resolution.
type RecvInput struct {
	DHPublicKey     []byte
	PQPublicKey     []byte
	PQCiphertext    []byte
	PrevChainLength uint64
	MessageNumber   uint64
}

// RecvResolution is a staged receive step: the resolved message key plus
// every state change the step implies. Nothing is applied until Commit,
// so a failed AEAD open or signature check leaves the session untouched.
type RecvResolution struct {
	// MessageKey is the one-time AEAD key for the envelope being decrypted
	MessageKey []byte

	fromCache bool
	cacheID   MessageID

	newState         State
	newRootKey       []byte
	newRecvChainKey  []byte
	newRecvChainRoot []byte
	newRecvCounter   uint64

	initialCiphertext []byte

	sendSideStepped    bool
	newSendChainKey    []byte
	newSendChainRoot   []byte
	newSendCounter     uint64
	newPrevChainLength uint64
	newDHKeyPair       *crypto.X25519KeyPair

	newPeerDHPublic *ecdh.PublicKey
	newPeerPQPublic *crypto.MLKEMPublicKey

	pqStepped bool
	dhStepped bool

	toCache []skippedEntry
}

// FromCache reports whether the key was served from the skipped key cache.
func (r *RecvResolution) FromCache() bool {
	return r.fromCache
}

// ResolveRecvKey resolves the message key for an incoming envelope without
// mutating the session.
//
// Resolution order:
//  1. A message number below the receive counter must be served from the
//     skipped key cache; a miss is a replay.
//  2. A header DH key differing from the pinned peer key triggers a staged
//     DH ratchet step (finish the retired chain, derive the new receive
//     chain, then the new send chain).
//  3. A header PQ ciphertext triggers a staged PQ ratchet step before the
//     target message's key is derived, unless it re-announces the
//     establishment ciphertext for out-of-order start-up.
//  4. A message number ahead of the counter walks the chain forward,
//     staging every intermediate key for the cache; a skip distance beyond
//     MaxSkip fails without partial application.
func (s *Session) ResolveRecvKey(in RecvInput) (*RecvResolution, error) {
	const op = "ResolveRecvKey"

	if err := s.guard(op); err != nil {
		return nil, err
	}
	if len(in.DHPublicKey) != constants.X25519PublicKeySize {
		return nil, qerrors.NewRatchetError(op, qerrors.ErrInvalidPublicKey)
	}

	headerChain := chainIDFromBytes(in.DHPublicKey)
	sameChain := s.peerDHPublic != nil && bytes.Equal(s.peerDHPublic.Bytes(), in.DHPublicKey)

	// Late or replayed messages resolve through the cache, never by
	// re-deriving keys.
	if sameChain && in.MessageNumber < s.recvCounter {
		return s.resolveFromCache(op, headerChain, in.MessageNumber)
	}
	if !sameChain && s.skipped.peek(MessageID{Chain: headerChain, Number: in.MessageNumber}) {
		return s.resolveFromCache(op, headerChain, in.MessageNumber)
	}

	// A retired chain's remaining keys live only in the cache; a miss for
	// that chain is a replay or an eviction, never a fresh DH step.
	if !sameChain && s.retiredChainSet && headerChain == s.retiredChain {
		return nil, qerrors.NewRatchetError(op, qerrors.ErrReplayDetected)
	}

	// First incoming ratchet message: complete the hybrid key agreement.
	if s.recvChainKey == nil && s.state == StateInitialized {
		return s.resolveFirstRecv(op, in, headerChain)
	}
	if s.recvChainKey == nil && !sameChain {
		// Initiator receiving the responder's first reply: a DH step with
		// no retired chain to finish.
		return s.resolveDHRatchet(op, in, headerChain)
	}
	if s.recvChainKey == nil {
		return nil, qerrors.NewRatchetError(op, qerrors.ErrNoRecvChain)
	}

	if !sameChain {
		return s.resolveDHRatchet(op, in, headerChain)
	}
	return s.resolveSameChain(op, in, headerChain)
}

func (s *Session) resolveFromCache(op string, chain ChainID, number uint64) (*RecvResolution, error) {
	id := MessageID{Chain: chain, Number: number}
	key := s.skipped.get(id)
	if key == nil {
		return nil, qerrors.NewRatchetError(op, qerrors.ErrReplayDetected)
	}
	// Copied so the caller can wipe its resolution without touching the
	// cached entry, which stays live until Commit consumes it.
	return &RecvResolution{
		MessageKey:     append([]byte(nil), key...),
		fromCache:      true,
		cacheID:        id,
		newState:       s.state,
		newRecvCounter: s.recvCounter,
	}, nil
}

// resolveFirstRecv completes the receiver's half of the initial hybrid key
// agreement and immediately stages the answering DH send chain.
func (s *Session) resolveFirstRecv(op string, in RecvInput, headerChain ChainID) (*RecvResolution, error) {
	if in.PQCiphertext == nil {
		// Establishment needs the initial encapsulation. The sender
		// attaches it to every envelope until confirmed, so any of them
		// can serve; without one nothing is readable yet.
		return nil, qerrors.NewRatchetError(op, qerrors.ErrRatchetNotReady)
	}

	peerDH, err := crypto.ParseX25519PublicKey(in.DHPublicKey)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}

	pqSecret, err := crypto.MLKEMDecapsulate(s.pqKeyPair.DecapsulationKey, in.PQCiphertext)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	dhSecret, err := crypto.X25519(s.dhKeyPair.PrivateKey, peerDH)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	combined, err := crypto.CombineSharedSecrets(dhSecret, pqSecret)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	crypto.ZeroizeMultiple(dhSecret, pqSecret)

	rootAfterRecv, recvChain, err := crypto.KDFRootStep(s.rootKey, combined)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	crypto.Zeroize(combined)

	// Answering send chain: fresh DH key pair agreed against the sender's
	// announced key.
	newKeyPair, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	sendSecret, err := crypto.X25519(newKeyPair.PrivateKey, peerDH)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	rootAfterSend, sendChain, err := crypto.KDFRootStep(rootAfterRecv, sendSecret)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	crypto.Zeroize(sendSecret)

	messageKey, nextRecvChain, cached, err := walkChain(recvChain, headerChain, 0, in.MessageNumber, s.cfg.MaxSkip)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}

	res := &RecvResolution{
		MessageKey:       messageKey,
		newState:         StateActive,
		newRootKey:       rootAfterSend,
		newRecvChainKey:  nextRecvChain,
		newRecvChainRoot: rootAfterRecv,
		newRecvCounter:   in.MessageNumber + 1,

		initialCiphertext: append([]byte(nil), in.PQCiphertext...),

		sendSideStepped:    true,
		newSendChainKey:    sendChain,
		newSendChainRoot:   append([]byte(nil), rootAfterSend...),
		newSendCounter:     0,
		newPrevChainLength: 0,
		newDHKeyPair:       newKeyPair,

		newPeerDHPublic: peerDH,
		toCache:         cached,
	}
	if err := res.pinPeerPQ(op, in.PQPublicKey); err != nil {
		return nil, err
	}
	return res, nil
}

// resolveSameChain handles in-order and skipped-ahead messages within the
// current receive chain, including PQ rekey boundaries.
func (s *Session) resolveSameChain(op string, in RecvInput, headerChain ChainID) (*RecvResolution, error) {
	res := &RecvResolution{
		newState:       s.state,
		newRecvCounter: in.MessageNumber + 1,
	}

	// A ciphertext matching the establishment one is a re-announcement for
	// out-of-order start-up, not a rekey; those messages resolve on the
	// plain chain walk below.
	if in.PQCiphertext != nil && !bytes.Equal(in.PQCiphertext, s.initialPQCiphertext) {
		messageKey, newChainRoot, nextChain, cached, err := s.foldPQBoundary(op,
			s.recvChainRoot, s.recvChainKey, headerChain, s.recvCounter, in.MessageNumber, in.PQCiphertext)
		if err != nil {
			return nil, err
		}

		res.MessageKey = messageKey
		res.newRecvChainRoot = newChainRoot
		res.newRecvChainKey = nextChain
		res.toCache = cached
		res.pqStepped = true
		if err := res.pinPeerPQ(op, in.PQPublicKey); err != nil {
			return nil, err
		}
		return res, nil
	}

	messageKey, nextChain, cached, err := walkChain(s.recvChainKey, headerChain, s.recvCounter, in.MessageNumber, s.cfg.MaxSkip)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	res.MessageKey = messageKey
	res.newRecvChainKey = nextChain
	res.toCache = cached
	return res, nil
}

// resolveDHRatchet stages a full DH ratchet step: finish the retired
// receive chain, derive the new receive chain from the announced key, then
// refresh the send chain under a fresh local key pair.
func (s *Session) resolveDHRatchet(op string, in RecvInput, headerChain ChainID) (*RecvResolution, error) {
	peerDH, err := crypto.ParseX25519PublicKey(in.DHPublicKey)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}

	res := &RecvResolution{
		newState:        StateActive,
		newRecvCounter:  in.MessageNumber + 1,
		newPeerDHPublic: peerDH,
	}

	// Finish the retired chain so its remaining message keys stay
	// resolvable from the cache.
	if s.recvChainKey != nil && in.PrevChainLength > s.recvCounter {
		if in.PrevChainLength-s.recvCounter > s.cfg.MaxSkip {
			return nil, qerrors.NewRatchetError(op, qerrors.ErrTooManySkippedMessages)
		}
		oldChain := chainIDFromBytes(s.peerDHPublic.Bytes())
		ck := s.recvChainKey
		for n := s.recvCounter; n < in.PrevChainLength; n++ {
			next, mk, err := crypto.KDFChainStep(ck)
			if err != nil {
				return nil, qerrors.NewRatchetError(op, err)
			}
			res.toCache = append(res.toCache, skippedEntry{ID: MessageID{Chain: oldChain, Number: n}, Key: mk})
			ck = next
		}
	}

	// Receive half.
	recvSecret, err := crypto.X25519(s.dhKeyPair.PrivateKey, peerDH)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	rootAfterRecv, recvChain, err := crypto.KDFRootStep(s.rootKey, recvSecret)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	crypto.Zeroize(recvSecret)

	var messageKey, nextRecvChain, newRecvChainRoot []byte
	if in.PQCiphertext != nil {
		// The boundary envelope both opens the chain and folds a rekey; the
		// pre-boundary keys finish on the unfolded chain.
		var cached []skippedEntry
		messageKey, newRecvChainRoot, nextRecvChain, cached, err = s.foldPQBoundary(op,
			rootAfterRecv, recvChain, headerChain, 0, in.MessageNumber, in.PQCiphertext)
		if err != nil {
			return nil, err
		}
		res.toCache = append(res.toCache, cached...)
		res.pqStepped = true
	} else {
		var cached []skippedEntry
		messageKey, nextRecvChain, cached, err = walkChain(recvChain, headerChain, 0, in.MessageNumber, s.cfg.MaxSkip)
		if err != nil {
			return nil, qerrors.NewRatchetError(op, err)
		}
		res.toCache = append(res.toCache, cached...)
		newRecvChainRoot = append([]byte(nil), rootAfterRecv...)
	}

	// Send half: fresh key pair, new send chain, send counter reset. The
	// send half always continues from the unfolded receive-half root, which
	// is the value the peer's own root tracks.
	newKeyPair, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	sendSecret, err := crypto.X25519(newKeyPair.PrivateKey, peerDH)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	rootAfterSend, sendChain, err := crypto.KDFRootStep(rootAfterRecv, sendSecret)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	crypto.ZeroizeMultiple(sendSecret, rootAfterRecv)

	res.MessageKey = messageKey
	res.newRootKey = rootAfterSend
	res.newRecvChainKey = nextRecvChain
	res.newRecvChainRoot = newRecvChainRoot
	res.dhStepped = true
	res.sendSideStepped = true
	res.newSendChainKey = sendChain
	res.newSendChainRoot = append([]byte(nil), rootAfterSend...)
	res.newSendCounter = 0
	res.newPrevChainLength = s.sendCounter
	res.newDHKeyPair = newKeyPair

	if err := res.pinPeerPQ(op, in.PQPublicKey); err != nil {
		return nil, err
	}
	return res, nil
}

// foldPQBoundary resolves a message carrying a rekey encapsulation. Every
// earlier number in the chain predates the boundary, so their keys finish
// on the current chain first; the decapsulated secret then folds into the
// chain root to produce the post-boundary chain and the target message key.
func (s *Session) foldPQBoundary(op string, chainRoot, chainKey []byte, chain ChainID,
	startNum, msgNum uint64, ciphertext []byte) (messageKey, newChainRoot, nextChainKey []byte, cached []skippedEntry, err error) {

	if msgNum-startNum > s.cfg.MaxSkip {
		return nil, nil, nil, nil, qerrors.NewRatchetError(op, qerrors.ErrTooManySkippedMessages)
	}

	ck := chainKey
	for n := startNum; n < msgNum; n++ {
		next, mk, err := crypto.KDFChainStep(ck)
		if err != nil {
			return nil, nil, nil, nil, qerrors.NewRatchetError(op, err)
		}
		cached = append(cached, skippedEntry{ID: MessageID{Chain: chain, Number: n}, Key: mk})
		ck = next
	}

	pqSecret, err := crypto.MLKEMDecapsulate(s.pqKeyPair.DecapsulationKey, ciphertext)
	if err != nil {
		return nil, nil, nil, nil, qerrors.NewRatchetError(op, err)
	}
	newChainRoot, folded, err := crypto.KDFRootStep(chainRoot, pqSecret)
	if err != nil {
		return nil, nil, nil, nil, qerrors.NewRatchetError(op, err)
	}
	crypto.Zeroize(pqSecret)

	nextChainKey, messageKey, err = crypto.KDFChainStep(folded)
	if err != nil {
		return nil, nil, nil, nil, qerrors.NewRatchetError(op, err)
	}
	crypto.Zeroize(folded)

	return messageKey, newChainRoot, nextChainKey, cached, nil
}

func (r *RecvResolution) pinPeerPQ(op string, pqPublicKey []byte) error {
	if pqPublicKey == nil {
		return nil
	}
	pk, err := crypto.ParseMLKEMPublicKey(pqPublicKey)
	if err != nil {
		return qerrors.NewRatchetError(op, err)
	}
	r.newPeerPQPublic = pk
	return nil
}

// Commit applies a staged resolution to the session. Call only after the
// envelope has fully verified and decrypted.
func (s *Session) Commit(res *RecvResolution) {
	if res.fromCache {
		crypto.Zeroize(s.skipped.take(res.cacheID))
		return
	}

	if res.newRootKey != nil {
		crypto.Zeroize(s.rootKey)
		s.rootKey = res.newRootKey
	}
	if res.newRecvChainKey != nil {
		crypto.Zeroize(s.recvChainKey)
		s.recvChainKey = res.newRecvChainKey
	}
	if res.newRecvChainRoot != nil {
		crypto.Zeroize(s.recvChainRoot)
		s.recvChainRoot = res.newRecvChainRoot
	}
	if res.initialCiphertext != nil {
		s.initialPQCiphertext = res.initialCiphertext
	}
	if res.sendSideStepped {
		crypto.Zeroize(s.sendChainKey)
		s.sendChainKey = res.newSendChainKey
		crypto.Zeroize(s.sendChainRoot)
		s.sendChainRoot = res.newSendChainRoot
		s.sendCounter = res.newSendCounter
		s.prevChainLength = res.newPrevChainLength
		if s.dhKeyPair != nil {
			s.dhKeyPair.Zeroize()
		}
		s.dhKeyPair = res.newDHKeyPair
	}
	if res.newPeerDHPublic != nil {
		if s.peerDHPublic != nil {
			s.retiredChain = chainIDFromBytes(s.peerDHPublic.Bytes())
			s.retiredChainSet = true
		}
		s.peerDHPublic = res.newPeerDHPublic
	}
	if res.newPeerPQPublic != nil {
		s.peerPQPublic = res.newPeerPQPublic
	}
	for _, e := range res.toCache {
		s.skipped.put(e.ID, e.Key)
	}
	if res.pqStepped {
		s.pqRekeys++
	}
	if res.dhStepped {
		s.dhSteps++
	}

	// Any committed peer message proves the peer completed establishment;
	// stop re-announcing the initial encapsulation.
	s.pendingPQCiphertext = nil

	s.recvCounter = res.newRecvCounter
	s.state = res.newState
}

// walkChain advances a chain key from startNum to targetNum, collecting
// every intermediate message key for the skipped cache, and returns the
// target's message key plus the chain key positioned after the target.
func walkChain(chainKey []byte, chain ChainID, startNum, targetNum, maxSkip uint64) (messageKey, nextChainKey []byte, cached []skippedEntry, err error) {
	if targetNum-startNum > maxSkip {
		return nil, nil, nil, qerrors.ErrTooManySkippedMessages
	}

	ck := chainKey
	for n := startNum; n < targetNum; n++ {
		next, mk, err := crypto.KDFChainStep(ck)
		if err != nil {
			return nil, nil, nil, err
		}
		cached = append(cached, skippedEntry{ID: MessageID{Chain: chain, Number: n}, Key: mk})
		ck = next
	}

	nextChainKey, messageKey, err = crypto.KDFChainStep(ck)
	if err != nil {
		return nil, nil, nil, err
	}
	return messageKey, nextChainKey, cached, nil
}
