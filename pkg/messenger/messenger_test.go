package messenger_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	qerrors "github.com/qubee/qubee-go/internal/errors"
	"github.com/qubee/qubee-go/pkg/crypto"
	"github.com/qubee/qubee-go/pkg/keystore"
	"github.com/qubee/qubee-go/pkg/messenger"
	"github.com/qubee/qubee-go/pkg/metrics"
)

var testSharedSecret = bytes.Repeat([]byte{0x7A}, 32)

func newConversationPair(t *testing.T, cfg messenger.Config, opts ...func(which string) []messenger.RegistryOption) (initiator, responder *messenger.Conversation) {
	t.Helper()

	dhKP, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}
	pqKP, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		t.Fatalf("GenerateMLKEMKeyPair: %v", err)
	}

	var aliceOpts, bobOpts []messenger.RegistryOption
	for _, f := range opts {
		aliceOpts = append(aliceOpts, f("alice")...)
		bobOpts = append(bobOpts, f("bob")...)
	}

	alice, err := messenger.NewRegistry(cfg, aliceOpts...)
	if err != nil {
		t.Fatalf("NewRegistry(alice): %v", err)
	}
	bob, err := messenger.NewRegistry(cfg, bobOpts...)
	if err != nil {
		t.Fatalf("NewRegistry(bob): %v", err)
	}

	initiator, err = alice.StartInitiator("bob", testSharedSecret, dhKP.PublicKey, pqKP.EncapsulationKey)
	if err != nil {
		t.Fatalf("StartInitiator: %v", err)
	}
	responder, err = bob.StartResponder("alice", testSharedSecret, dhKP, pqKP)
	if err != nil {
		t.Fatalf("StartResponder: %v", err)
	}
	return initiator, responder
}

func TestConversationRoundTrip(t *testing.T) {
	initiator, responder := newConversationPair(t, messenger.DefaultConfig())
	ctx := context.Background()

	wire, err := initiator.Send(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := responder.Receive(ctx, wire)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("payload = %q, want %q", got, "hello")
	}

	// Reply direction drives the DH ratchet on the initiator.
	wire, err = responder.Send(ctx, []byte("hi back"))
	if err != nil {
		t.Fatalf("reply Send: %v", err)
	}
	got, err = initiator.Receive(ctx, wire)
	if err != nil {
		t.Fatalf("reply Receive: %v", err)
	}
	if !bytes.Equal(got, []byte("hi back")) {
		t.Errorf("reply payload = %q, want %q", got, "hi back")
	}
}

func TestCoverTrafficSharesTheRealChain(t *testing.T) {
	cfg := messenger.DefaultConfig()
	cfg.DummyInterval = 5 * time.Millisecond
	cfg.DummyJitter = 2 * time.Millisecond
	initiator, responder := newConversationPair(t, cfg)
	ctx := context.Background()

	wires := make(chan []byte, 16)
	initiator.StartCoverTraffic(ctx, func(wire []byte) error {
		select {
		case wires <- wire:
		default:
		}
		return nil
	})
	defer initiator.StopCoverTraffic()

	var dummy []byte
	select {
	case dummy = <-wires:
	case <-time.After(2 * time.Second):
		t.Fatal("no cover packet emitted")
	}

	// The dummy decrypts to a nil payload.
	got, err := responder.Receive(ctx, dummy)
	if err != nil {
		t.Fatalf("Receive(dummy): %v", err)
	}
	if got != nil {
		t.Errorf("dummy payload = %q, want nil", got)
	}

	initiator.StopCoverTraffic()

	// Real traffic continues on the same chain after dummies; any wire
	// still queued is simply skipped-ahead for the receiver.
	wire, err := initiator.Send(ctx, []byte("real"))
	if err != nil {
		t.Fatalf("Send after cover traffic: %v", err)
	}
	got, err = responder.Receive(ctx, wire)
	if err != nil {
		t.Fatalf("Receive after cover traffic: %v", err)
	}
	if !bytes.Equal(got, []byte("real")) {
		t.Errorf("payload = %q, want %q", got, "real")
	}
}

func TestPersistResume(t *testing.T) {
	store, err := keystore.New(crypto.MustSecureRandomBytes(32))
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}

	cfg := messenger.DefaultConfig()
	initiator, responder := newConversationPair(t, cfg, func(which string) []messenger.RegistryOption {
		if which == "bob" {
			return []messenger.RegistryOption{messenger.WithKeystore(store)}
		}
		return nil
	})
	ctx := context.Background()

	for _, msg := range []string{"one", "two"} {
		wire, err := initiator.Send(ctx, []byte(msg))
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if _, err := responder.Receive(ctx, wire); err != nil {
			t.Fatalf("Receive: %v", err)
		}
	}

	if err := responder.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// A fresh registry sharing the store resumes bob's side.
	resumedReg, err := messenger.NewRegistry(cfg, messenger.WithKeystore(store))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	resumed, err := resumedReg.Resume("alice")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	wire, err := initiator.Send(ctx, []byte("three"))
	if err != nil {
		t.Fatalf("Send after resume: %v", err)
	}
	got, err := resumed.Receive(ctx, wire)
	if err != nil {
		t.Fatalf("Receive after resume: %v", err)
	}
	if !bytes.Equal(got, []byte("three")) {
		t.Errorf("payload = %q, want %q", got, "three")
	}
}

func TestResumeUnknownPeer(t *testing.T) {
	store, err := keystore.New(crypto.MustSecureRandomBytes(32))
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}
	reg, err := messenger.NewRegistry(messenger.DefaultConfig(), messenger.WithKeystore(store))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Resume("nobody"); !errors.Is(err, qerrors.ErrNotInitialized) {
		t.Errorf("Resume error = %v, want ErrNotInitialized", err)
	}
}

func TestSecurityCounters(t *testing.T) {
	collector := metrics.NewCollector()
	initiator, responder := newConversationPair(t, messenger.DefaultConfig(), func(which string) []messenger.RegistryOption {
		if which == "bob" {
			return []messenger.RegistryOption{messenger.WithCollector(collector)}
		}
		return nil
	})
	ctx := context.Background()

	wire, err := initiator.Send(ctx, []byte("msg"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := responder.Receive(ctx, wire); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	// Replay.
	if _, err := responder.Receive(ctx, wire); !errors.Is(err, qerrors.ErrReplayDetected) {
		t.Fatalf("replay error = %v", err)
	}

	// Ciphertext tamper.
	wire2, err := initiator.Send(ctx, []byte("msg2"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	tampered := append([]byte(nil), wire2...)
	tampered[100] ^= 0x01
	if _, err := responder.Receive(ctx, tampered); !errors.Is(err, qerrors.ErrAuthenticationFailed) {
		t.Fatalf("tamper error = %v", err)
	}

	s := collector.Snapshot()
	if s.ReplaysBlocked != 1 {
		t.Errorf("replays blocked = %d, want 1", s.ReplaysBlocked)
	}
	if s.AuthFailures != 1 {
		t.Errorf("auth failures = %d, want 1", s.AuthFailures)
	}
	if s.MessagesReceived != 1 {
		t.Errorf("messages received = %d, want 1", s.MessagesReceived)
	}
}

func TestRatchetCounters(t *testing.T) {
	cfg := messenger.DefaultConfig()
	cfg.PQRekeyPeriod = 3
	collectors := make(map[string]*metrics.Collector)
	initiator, responder := newConversationPair(t, cfg, func(which string) []messenger.RegistryOption {
		c := metrics.NewCollector()
		collectors[which] = c
		return []messenger.RegistryOption{messenger.WithCollector(c)}
	})
	ctx := context.Background()

	// Establish, then confirm with a reply. The reply drives a DH step on
	// the initiator and stops the establishment re-announcement.
	wire, err := initiator.Send(ctx, []byte("msg"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := responder.Receive(ctx, wire); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	wire, err = responder.Send(ctx, []byte("reply"))
	if err != nil {
		t.Fatalf("reply Send: %v", err)
	}
	if _, err := initiator.Receive(ctx, wire); err != nil {
		t.Fatalf("reply Receive: %v", err)
	}

	// Seven messages on the confirmed chain cross the rekey boundary at
	// counters 3 and 6.
	for i := 0; i < 7; i++ {
		wire, err := initiator.Send(ctx, []byte("msg"))
		if err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
		if _, err := responder.Receive(ctx, wire); err != nil {
			t.Fatalf("Receive(%d): %v", i, err)
		}
	}

	alice := collectors["alice"].Snapshot()
	bob := collectors["bob"].Snapshot()
	if alice.PQRekeys != 2 {
		t.Errorf("initiator PQ rekeys = %d, want 2", alice.PQRekeys)
	}
	if bob.PQRekeys != 2 {
		t.Errorf("responder PQ rekeys = %d, want 2", bob.PQRekeys)
	}
	if alice.DHRatchetSteps != 1 {
		t.Errorf("initiator DH steps = %d, want 1", alice.DHRatchetSteps)
	}
	if bob.DHRatchetSteps != 1 {
		t.Errorf("responder DH steps = %d, want 1", bob.DHRatchetSteps)
	}
	if alice.SkippedKeysCached != 0 || bob.SkippedKeysCached != 0 {
		t.Errorf("skipped keys cached = %d/%d, want 0/0", alice.SkippedKeysCached, bob.SkippedKeysCached)
	}
}

func TestMarkCompromisedStopsEverything(t *testing.T) {
	initiator, _ := newConversationPair(t, messenger.DefaultConfig())
	ctx := context.Background()

	initiator.MarkCompromised()
	if _, err := initiator.Send(ctx, []byte("msg")); !errors.Is(err, qerrors.ErrSessionCompromised) {
		t.Errorf("Send error = %v, want ErrSessionCompromised", err)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	cfg := messenger.DefaultConfig()
	reg, err := messenger.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	dhKP, _ := crypto.GenerateX25519KeyPair()
	pqKP, _ := crypto.GenerateMLKEMKeyPair()
	if _, err := reg.StartInitiator("bob", testSharedSecret, dhKP.PublicKey, pqKP.EncapsulationKey); err != nil {
		t.Fatalf("StartInitiator: %v", err)
	}

	// Duplicate peer id is refused.
	if _, err := reg.StartInitiator("bob", testSharedSecret, dhKP.PublicKey, pqKP.EncapsulationKey); !errors.Is(err, qerrors.ErrAlreadyInitialized) {
		t.Errorf("duplicate error = %v, want ErrAlreadyInitialized", err)
	}

	if _, ok := reg.Get("bob"); !ok {
		t.Error("Get(bob) missing")
	}
	if ids := reg.PeerIDs(); len(ids) != 1 || ids[0] != "bob" {
		t.Errorf("PeerIDs = %v", ids)
	}
	if !reg.Remove("bob") {
		t.Error("Remove(bob) = false")
	}
	if reg.Remove("bob") {
		t.Error("second Remove(bob) = true")
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := messenger.DefaultConfig()
	cfg.PQRekeyPeriod = 0
	if _, err := messenger.NewRegistry(cfg); err == nil {
		t.Error("zero rekey period accepted")
	}

	cfg = messenger.DefaultConfig()
	cfg.CipherSuite = 0x9999
	if _, err := messenger.NewRegistry(cfg); err == nil {
		t.Error("unknown cipher suite accepted")
	}
}
