package ratchet_test

import (
	"bytes"
	"errors"
	"testing"

	qerrors "github.com/qubee/qubee-go/internal/errors"
	"github.com/qubee/qubee-go/pkg/crypto"
	"github.com/qubee/qubee-go/pkg/ratchet"
)

var testSharedSecret = bytes.Repeat([]byte{0x42}, 32)

// newSessionPair builds an initialized sender/receiver pair sharing the
// test secret, with the receiver's key pairs handed to the sender as they
// would arrive in a key bundle.
func newSessionPair(t *testing.T, cfg ratchet.Config) (sender, receiver *ratchet.Session) {
	t.Helper()

	dhKP, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}
	pqKP, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		t.Fatalf("GenerateMLKEMKeyPair: %v", err)
	}

	receiver, err = ratchet.NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession(receiver): %v", err)
	}
	if err := receiver.InitializeReceiver(testSharedSecret, dhKP, pqKP); err != nil {
		t.Fatalf("InitializeReceiver: %v", err)
	}

	sender, err = ratchet.NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession(sender): %v", err)
	}
	if err := sender.InitializeSender(testSharedSecret, dhKP.PublicKey, pqKP.EncapsulationKey); err != nil {
		t.Fatalf("InitializeSender: %v", err)
	}
	return sender, receiver
}

func recvInput(prep *ratchet.SendPrep) ratchet.RecvInput {
	return ratchet.RecvInput{
		DHPublicKey:     prep.DHPublicKey,
		PQPublicKey:     prep.PQPublicKey,
		PQCiphertext:    prep.PQCiphertext,
		PrevChainLength: prep.PrevChainLength,
		MessageNumber:   prep.MessageNumber,
	}
}

// deliver steps one message from `from` to `to` and fails the test if the
// resolved key does not match the sender's.
func deliver(t *testing.T, from, to *ratchet.Session) {
	t.Helper()

	prep, err := from.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend: %v", err)
	}
	res, err := to.ResolveRecvKey(recvInput(prep))
	if err != nil {
		t.Fatalf("ResolveRecvKey(msg %d): %v", prep.MessageNumber, err)
	}
	if !bytes.Equal(prep.MessageKey, res.MessageKey) {
		t.Fatalf("message key mismatch at msg %d", prep.MessageNumber)
	}
	to.Commit(res)
}

func TestSessionLifecycle(t *testing.T) {
	t.Run("operations before initialization fail", func(t *testing.T) {
		s, err := ratchet.NewSession(ratchet.DefaultConfig())
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		if s.State() != ratchet.StateUninitialized {
			t.Errorf("state = %v, want Uninitialized", s.State())
		}
		if _, err := s.PrepareSend(); !errors.Is(err, qerrors.ErrNotInitialized) {
			t.Errorf("PrepareSend error = %v, want ErrNotInitialized", err)
		}
		if _, err := s.ResolveRecvKey(ratchet.RecvInput{}); !errors.Is(err, qerrors.ErrNotInitialized) {
			t.Errorf("ResolveRecvKey error = %v, want ErrNotInitialized", err)
		}
	})

	t.Run("double initialization fails", func(t *testing.T) {
		sender, receiver := newSessionPair(t, ratchet.DefaultConfig())

		dhKP, _ := crypto.GenerateX25519KeyPair()
		pqKP, _ := crypto.GenerateMLKEMKeyPair()
		if err := sender.InitializeSender(testSharedSecret, dhKP.PublicKey, pqKP.EncapsulationKey); !errors.Is(err, qerrors.ErrAlreadyInitialized) {
			t.Errorf("second InitializeSender error = %v, want ErrAlreadyInitialized", err)
		}
		if err := receiver.InitializeReceiver(testSharedSecret, dhKP, pqKP); !errors.Is(err, qerrors.ErrAlreadyInitialized) {
			t.Errorf("second InitializeReceiver error = %v, want ErrAlreadyInitialized", err)
		}
	})

	t.Run("sender usable immediately, receiver after first message", func(t *testing.T) {
		sender, receiver := newSessionPair(t, ratchet.DefaultConfig())
		if sender.State() != ratchet.StateKeyExchanged {
			t.Errorf("sender state = %v, want KeyExchanged", sender.State())
		}
		if receiver.State() != ratchet.StateInitialized {
			t.Errorf("receiver state = %v, want Initialized", receiver.State())
		}
		if _, err := receiver.PrepareSend(); !errors.Is(err, qerrors.ErrRatchetNotReady) {
			t.Errorf("receiver PrepareSend error = %v, want ErrRatchetNotReady", err)
		}

		deliver(t, sender, receiver)
		if receiver.State() != ratchet.StateActive {
			t.Errorf("receiver state after first message = %v, want Active", receiver.State())
		}
	})
}

func TestRoundTrip(t *testing.T) {
	sender, receiver := newSessionPair(t, ratchet.DefaultConfig())

	// A -> B several times, B -> A reply (DH ratchet on A), then back again.
	for i := 0; i < 3; i++ {
		deliver(t, sender, receiver)
	}
	for i := 0; i < 2; i++ {
		deliver(t, receiver, sender)
	}
	if sender.State() != ratchet.StateActive {
		t.Errorf("sender state after reply = %v, want Active", sender.State())
	}
	for i := 0; i < 3; i++ {
		deliver(t, sender, receiver)
	}
	deliver(t, receiver, sender)
}

func TestEstablishmentReannouncedUntilConfirmed(t *testing.T) {
	sender, receiver := newSessionPair(t, ratchet.DefaultConfig())

	first, err := sender.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend: %v", err)
	}
	if first.PQCiphertext == nil {
		t.Fatal("first message missing PQ ciphertext")
	}
	if first.PQPublicKey == nil {
		t.Error("first message missing PQ public key")
	}

	// Until a peer message confirms establishment, every envelope repeats
	// the initial encapsulation.
	second, err := sender.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend: %v", err)
	}
	if !bytes.Equal(second.PQCiphertext, first.PQCiphertext) {
		t.Error("second message does not repeat the establishment ciphertext")
	}

	// The receiver establishes from whichever envelope arrives first, here
	// the second one.
	res, err := receiver.ResolveRecvKey(recvInput(second))
	if err != nil {
		t.Fatalf("ResolveRecvKey(msg 1): %v", err)
	}
	if !bytes.Equal(second.MessageKey, res.MessageKey) {
		t.Fatal("key mismatch for out-of-order establishment")
	}
	receiver.Commit(res)

	// Message 0 was cached during the establishment walk.
	res, err = receiver.ResolveRecvKey(recvInput(first))
	if err != nil {
		t.Fatalf("ResolveRecvKey(late msg 0): %v", err)
	}
	if !res.FromCache() {
		t.Error("late message 0 not served from cache")
	}
	if !bytes.Equal(first.MessageKey, res.MessageKey) {
		t.Fatal("key mismatch for late msg 0")
	}
	receiver.Commit(res)

	// A committed reply proves the peer established; the announcement stops.
	deliver(t, receiver, sender)
	third, err := sender.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend: %v", err)
	}
	if third.PQCiphertext != nil {
		t.Error("message after confirmation unexpectedly carries PQ ciphertext")
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	sender, receiver := newSessionPair(t, ratchet.DefaultConfig())

	preps := make([]*ratchet.SendPrep, 4)
	for i := range preps {
		p, err := sender.PrepareSend()
		if err != nil {
			t.Fatalf("PrepareSend(%d): %v", i, err)
		}
		preps[i] = p
	}

	// Deliver 0, then 3; 1 and 2 get cached.
	for _, i := range []int{0, 3} {
		res, err := receiver.ResolveRecvKey(recvInput(preps[i]))
		if err != nil {
			t.Fatalf("ResolveRecvKey(msg %d): %v", i, err)
		}
		if !bytes.Equal(preps[i].MessageKey, res.MessageKey) {
			t.Fatalf("key mismatch at msg %d", i)
		}
		receiver.Commit(res)
	}
	if n := receiver.SkippedKeyCount(); n != 2 {
		t.Fatalf("skipped key count = %d, want 2", n)
	}

	// Late message 2 resolves from the cache.
	res, err := receiver.ResolveRecvKey(recvInput(preps[2]))
	if err != nil {
		t.Fatalf("ResolveRecvKey(late msg 2): %v", err)
	}
	if !res.FromCache() {
		t.Error("late message not served from cache")
	}
	if !bytes.Equal(preps[2].MessageKey, res.MessageKey) {
		t.Fatal("key mismatch for cached msg 2")
	}
	receiver.Commit(res)
	if n := receiver.SkippedKeyCount(); n != 1 {
		t.Errorf("skipped key count after consume = %d, want 1", n)
	}

	// The entry is consumed: a second delivery of msg 2 is a replay.
	if _, err := receiver.ResolveRecvKey(recvInput(preps[2])); !errors.Is(err, qerrors.ErrReplayDetected) {
		t.Errorf("replayed msg 2 error = %v, want ErrReplayDetected", err)
	}
}

func TestReplayOfDeliveredMessage(t *testing.T) {
	sender, receiver := newSessionPair(t, ratchet.DefaultConfig())

	prep, err := sender.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend: %v", err)
	}
	res, err := receiver.ResolveRecvKey(recvInput(prep))
	if err != nil {
		t.Fatalf("ResolveRecvKey: %v", err)
	}
	receiver.Commit(res)

	if _, err := receiver.ResolveRecvKey(recvInput(prep)); !errors.Is(err, qerrors.ErrReplayDetected) {
		t.Errorf("replay error = %v, want ErrReplayDetected", err)
	}
}

func TestMaxSkipEnforced(t *testing.T) {
	cfg := ratchet.DefaultConfig()
	cfg.MaxSkip = 5
	sender, receiver := newSessionPair(t, cfg)

	deliver(t, sender, receiver)

	var last *ratchet.SendPrep
	for i := 0; i < 7; i++ {
		p, err := sender.PrepareSend()
		if err != nil {
			t.Fatalf("PrepareSend: %v", err)
		}
		last = p
	}

	// Jumping from expected msg 1 to msg 7 skips 6 > MaxSkip.
	if _, err := receiver.ResolveRecvKey(recvInput(last)); !errors.Is(err, qerrors.ErrTooManySkippedMessages) {
		t.Errorf("skip error = %v, want ErrTooManySkippedMessages", err)
	}
	if receiver.RecvCounter() != 1 {
		t.Errorf("recv counter moved to %d after failed resolve", receiver.RecvCounter())
	}
}

func TestSkippedCacheEviction(t *testing.T) {
	cfg := ratchet.DefaultConfig()
	cfg.MaxCache = 3
	sender, receiver := newSessionPair(t, cfg)

	preps := make([]*ratchet.SendPrep, 6)
	for i := range preps {
		p, err := sender.PrepareSend()
		if err != nil {
			t.Fatalf("PrepareSend(%d): %v", i, err)
		}
		preps[i] = p
	}

	// Deliver only msg 5; keys 0..4 overflow the capacity-3 cache and the
	// oldest two are evicted.
	res, err := receiver.ResolveRecvKey(recvInput(preps[5]))
	if err != nil {
		t.Fatalf("ResolveRecvKey(msg 5): %v", err)
	}
	receiver.Commit(res)
	if n := receiver.SkippedKeyCount(); n != 3 {
		t.Fatalf("skipped key count = %d, want 3", n)
	}

	// Evicted keys are gone for good: the message reads as a replay.
	if _, err := receiver.ResolveRecvKey(recvInput(preps[0])); !errors.Is(err, qerrors.ErrReplayDetected) {
		t.Errorf("evicted msg 0 error = %v, want ErrReplayDetected", err)
	}
	// Retained keys still resolve.
	res, err = receiver.ResolveRecvKey(recvInput(preps[3]))
	if err != nil {
		t.Fatalf("ResolveRecvKey(retained msg 3): %v", err)
	}
	if !bytes.Equal(preps[3].MessageKey, res.MessageKey) {
		t.Error("key mismatch for retained msg 3")
	}
}

func TestPQRekeyBoundary(t *testing.T) {
	cfg := ratchet.DefaultConfig()
	cfg.PQRekeyPeriod = 4
	sender, receiver := newSessionPair(t, cfg)

	// Establish, then confirm with a reply. The reply advances the
	// receiver's root past the sender's, so the boundaries below only
	// resolve if rekeys fold into the shared chain root rather than the
	// diverged DH roots.
	deliver(t, sender, receiver)
	deliver(t, receiver, sender)

	for i := 0; i < 12; i++ {
		prep, err := sender.PrepareSend()
		if err != nil {
			t.Fatalf("PrepareSend(%d): %v", i, err)
		}

		wantPQ := i > 0 && i%int(cfg.PQRekeyPeriod) == 0
		if gotPQ := prep.PQCiphertext != nil; gotPQ != wantPQ {
			t.Errorf("msg %d PQ ciphertext presence = %v, want %v", i, gotPQ, wantPQ)
		}

		res, err := receiver.ResolveRecvKey(recvInput(prep))
		if err != nil {
			t.Fatalf("ResolveRecvKey(msg %d): %v", i, err)
		}
		if !bytes.Equal(prep.MessageKey, res.MessageKey) {
			t.Fatalf("key mismatch at msg %d", i)
		}
		receiver.Commit(res)
	}

	// Boundaries at counters 4 and 8 of the confirmed chain.
	if n := sender.PQRekeyCount(); n != 2 {
		t.Errorf("sender PQ rekey count = %d, want 2", n)
	}
	if n := receiver.PQRekeyCount(); n != 2 {
		t.Errorf("receiver PQ rekey count = %d, want 2", n)
	}
}

func TestPQRekeyBothDirections(t *testing.T) {
	cfg := ratchet.DefaultConfig()
	cfg.PQRekeyPeriod = 2
	sender, receiver := newSessionPair(t, cfg)

	deliver(t, sender, receiver)

	// The responder's chain rekeys on its own schedule, encapsulating
	// against the initiator's announced ML-KEM key.
	for i := 0; i < 5; i++ {
		deliver(t, receiver, sender)
	}
	if n := receiver.PQRekeyCount(); n != 2 {
		t.Errorf("responder PQ rekey count = %d, want 2", n)
	}
	if n := sender.PQRekeyCount(); n != 2 {
		t.Errorf("initiator PQ rekey count = %d, want 2", n)
	}

	// The initiator's confirmed chain rekeys too, and the conversation
	// keeps resolving across further replies.
	for i := 0; i < 3; i++ {
		deliver(t, sender, receiver)
	}
	deliver(t, receiver, sender)
	if n := sender.PQRekeyCount(); n != 3 {
		t.Errorf("initiator PQ rekey count after own boundary = %d, want 3", n)
	}
}

func TestPQRekeyAcrossSkippedBoundary(t *testing.T) {
	cfg := ratchet.DefaultConfig()
	cfg.PQRekeyPeriod = 4
	sender, receiver := newSessionPair(t, cfg)

	// Establish and confirm; the sender's next messages open a fresh chain.
	deliver(t, sender, receiver)
	deliver(t, receiver, sender)

	// Prepare messages 0..5 on the confirmed chain; msg 4 is the rekey
	// boundary. Deliver it first, so the receiver must open the new DH
	// chain, walk the pre-boundary keys on it, and fold the rekey in one
	// staged step.
	preps := make([]*ratchet.SendPrep, 6)
	for i := range preps {
		p, err := sender.PrepareSend()
		if err != nil {
			t.Fatalf("PrepareSend: %v", err)
		}
		preps[i] = p
	}

	res, err := receiver.ResolveRecvKey(recvInput(preps[4]))
	if err != nil {
		t.Fatalf("ResolveRecvKey(boundary msg 4): %v", err)
	}
	if !bytes.Equal(preps[4].MessageKey, res.MessageKey) {
		t.Fatal("key mismatch at boundary message")
	}
	receiver.Commit(res)
	if n := receiver.PQRekeyCount(); n != 1 {
		t.Errorf("receiver PQ rekey count = %d, want 1", n)
	}

	// Pre-boundary messages 0..3 were cached during the walk.
	for _, i := range []int{0, 1, 2, 3} {
		res, err := receiver.ResolveRecvKey(recvInput(preps[i]))
		if err != nil {
			t.Fatalf("ResolveRecvKey(cached msg %d): %v", i, err)
		}
		if !res.FromCache() {
			t.Errorf("pre-boundary msg %d not served from cache", i)
		}
		if !bytes.Equal(preps[i].MessageKey, res.MessageKey) {
			t.Errorf("key mismatch for cached msg %d", i)
		}
		receiver.Commit(res)
	}

	// Post-boundary message continues on the rekeyed chain.
	res, err = receiver.ResolveRecvKey(recvInput(preps[5]))
	if err != nil {
		t.Fatalf("ResolveRecvKey(post-boundary msg 5): %v", err)
	}
	if !bytes.Equal(preps[5].MessageKey, res.MessageKey) {
		t.Fatal("key mismatch after boundary")
	}
}

func TestDHRatchetStep(t *testing.T) {
	sender, receiver := newSessionPair(t, ratchet.DefaultConfig())

	deliver(t, sender, receiver)
	deliver(t, sender, receiver)

	// The receiver's reply announces a fresh DH key; the sender performs a
	// full ratchet step and resets its send chain.
	prep, err := receiver.PrepareSend()
	if err != nil {
		t.Fatalf("receiver PrepareSend: %v", err)
	}
	res, err := sender.ResolveRecvKey(recvInput(prep))
	if err != nil {
		t.Fatalf("sender ResolveRecvKey: %v", err)
	}
	if !bytes.Equal(prep.MessageKey, res.MessageKey) {
		t.Fatal("key mismatch on DH ratchet step")
	}
	sender.Commit(res)

	if sender.SendCounter() != 0 {
		t.Errorf("send counter after DH step = %d, want 0", sender.SendCounter())
	}

	// The sender's next message starts its new chain; its header carries
	// the retired chain's length so the receiver can finish it.
	next, err := sender.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend after DH step: %v", err)
	}
	if next.PrevChainLength != 2 {
		t.Errorf("prev chain length = %d, want 2", next.PrevChainLength)
	}
	res, err = receiver.ResolveRecvKey(recvInput(next))
	if err != nil {
		t.Fatalf("receiver ResolveRecvKey after DH step: %v", err)
	}
	if !bytes.Equal(next.MessageKey, res.MessageKey) {
		t.Fatal("key mismatch after DH step")
	}
}

func TestRetiredChainFinishedOnDHStep(t *testing.T) {
	sender, receiver := newSessionPair(t, ratchet.DefaultConfig())

	deliver(t, sender, receiver)

	// Messages 1 and 2 of the first chain are delayed in transit.
	delayed1, err := sender.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend: %v", err)
	}
	delayed2, err := sender.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend: %v", err)
	}

	// A reply triggers the sender's DH step; its next message is on a new
	// chain with PrevChainLength = 3.
	deliver(t, receiver, sender)
	deliver(t, sender, receiver)

	// The delayed first-chain messages still resolve from the cache the
	// receiver filled while finishing the retired chain.
	for _, d := range []*ratchet.SendPrep{delayed1, delayed2} {
		res, err := receiver.ResolveRecvKey(recvInput(d))
		if err != nil {
			t.Fatalf("ResolveRecvKey(delayed msg %d): %v", d.MessageNumber, err)
		}
		if !res.FromCache() {
			t.Errorf("delayed msg %d not served from cache", d.MessageNumber)
		}
		if !bytes.Equal(d.MessageKey, res.MessageKey) {
			t.Errorf("key mismatch for delayed msg %d", d.MessageNumber)
		}
		receiver.Commit(res)
	}
}

func TestRetiredChainReplayClassified(t *testing.T) {
	sender, receiver := newSessionPair(t, ratchet.DefaultConfig())

	deliver(t, sender, receiver)

	// Message 1 of the first chain, delivered in order and consumed.
	consumed, err := sender.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend: %v", err)
	}
	res, err := receiver.ResolveRecvKey(recvInput(consumed))
	if err != nil {
		t.Fatalf("ResolveRecvKey: %v", err)
	}
	receiver.Commit(res)

	// A reply and the sender's next message retire the first chain.
	deliver(t, receiver, sender)
	deliver(t, sender, receiver)

	// A replay of the consumed first-chain message finds no cached key. The
	// miss reads as a replay, never as an unauthenticated DH step.
	if _, err := receiver.ResolveRecvKey(recvInput(consumed)); !errors.Is(err, qerrors.ErrReplayDetected) {
		t.Errorf("retired chain replay error = %v, want ErrReplayDetected", err)
	}
}

func TestResolveDoesNotMutate(t *testing.T) {
	sender, receiver := newSessionPair(t, ratchet.DefaultConfig())

	prep, err := sender.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend: %v", err)
	}

	res1, err := receiver.ResolveRecvKey(recvInput(prep))
	if err != nil {
		t.Fatalf("first ResolveRecvKey: %v", err)
	}
	if receiver.RecvCounter() != 0 {
		t.Errorf("recv counter = %d before commit, want 0", receiver.RecvCounter())
	}
	if receiver.State() != ratchet.StateInitialized {
		t.Errorf("state = %v before commit, want Initialized", receiver.State())
	}

	// An uncommitted resolution leaves the session resolvable again.
	res2, err := receiver.ResolveRecvKey(recvInput(prep))
	if err != nil {
		t.Fatalf("second ResolveRecvKey: %v", err)
	}
	if !bytes.Equal(res1.MessageKey, res2.MessageKey) {
		t.Error("repeated resolution produced different keys")
	}

	receiver.Commit(res2)
	if receiver.RecvCounter() != 1 {
		t.Errorf("recv counter = %d after commit, want 1", receiver.RecvCounter())
	}
}

func TestMarkCompromised(t *testing.T) {
	sender, receiver := newSessionPair(t, ratchet.DefaultConfig())
	deliver(t, sender, receiver)

	receiver.MarkCompromised()
	if receiver.State() != ratchet.StateCompromised {
		t.Fatalf("state = %v, want Compromised", receiver.State())
	}
	if receiver.SkippedKeyCount() != 0 {
		t.Error("skipped cache not cleared")
	}
	if _, err := receiver.PrepareSend(); !errors.Is(err, qerrors.ErrSessionCompromised) {
		t.Errorf("PrepareSend error = %v, want ErrSessionCompromised", err)
	}
	if _, err := receiver.ResolveRecvKey(ratchet.RecvInput{}); !errors.Is(err, qerrors.ErrSessionCompromised) {
		t.Errorf("ResolveRecvKey error = %v, want ErrSessionCompromised", err)
	}
	if _, err := receiver.Snapshot(); !errors.Is(err, qerrors.ErrSessionCompromised) {
		t.Errorf("Snapshot error = %v, want ErrSessionCompromised", err)
	}
}

func TestSnapshotRestoreContinues(t *testing.T) {
	sender, receiver := newSessionPair(t, ratchet.DefaultConfig())

	deliver(t, sender, receiver)
	deliver(t, receiver, sender)
	deliver(t, sender, receiver)

	for name, s := range map[string]**ratchet.Session{"sender": &sender, "receiver": &receiver} {
		data, err := (*s).Snapshot()
		if err != nil {
			t.Fatalf("%s Snapshot: %v", name, err)
		}
		restored, err := ratchet.RestoreSession(data)
		if err != nil {
			t.Fatalf("%s RestoreSession: %v", name, err)
		}
		if restored.State() != (*s).State() {
			t.Errorf("%s restored state = %v, want %v", name, restored.State(), (*s).State())
		}
		if restored.SendCounter() != (*s).SendCounter() || restored.RecvCounter() != (*s).RecvCounter() {
			t.Errorf("%s restored counters diverge", name)
		}
		*s = restored
	}

	// The restored sessions keep exchanging matching keys in both
	// directions.
	deliver(t, sender, receiver)
	deliver(t, receiver, sender)
}

func TestRestoreKeepsReannouncement(t *testing.T) {
	sender, receiver := newSessionPair(t, ratchet.DefaultConfig())

	first, err := sender.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend: %v", err)
	}

	data, err := sender.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	restored, err := ratchet.RestoreSession(data)
	if err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}

	// The restored unconfirmed sender keeps announcing the establishment
	// ciphertext, and the receiver can still establish from its envelope.
	second, err := restored.PrepareSend()
	if err != nil {
		t.Fatalf("PrepareSend after restore: %v", err)
	}
	if !bytes.Equal(second.PQCiphertext, first.PQCiphertext) {
		t.Fatal("restored sender dropped the establishment ciphertext")
	}
	res, err := receiver.ResolveRecvKey(recvInput(second))
	if err != nil {
		t.Fatalf("ResolveRecvKey: %v", err)
	}
	if !bytes.Equal(second.MessageKey, res.MessageKey) {
		t.Fatal("key mismatch after restore")
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("not a snapshot")},
		{"empty object", []byte(`{}`)},
		{"wrong version", []byte(`{"version":99,"config":{"PQRekeyPeriod":16,"MaxSkip":1000,"MaxCache":100}}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ratchet.RestoreSession(tc.data); err == nil {
				t.Error("RestoreSession accepted invalid data")
			}
		})
	}
}
