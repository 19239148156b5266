package messenger

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
	"github.com/qubee/qubee-go/pkg/crypto"
	"github.com/qubee/qubee-go/pkg/envelope"
	"github.com/qubee/qubee-go/pkg/keystore"
	"github.com/qubee/qubee-go/pkg/metrics"
	"github.com/qubee/qubee-go/pkg/ratchet"
)

// Conversation is the messaging channel with one peer. A single mutex
// serializes every ratchet-touching operation, including cover traffic:
// dummy packets step the same send chain as real messages, so the peer
// never sees two diverging chains.
type Conversation struct {
	mu      sync.Mutex
	session *ratchet.Session
	codec   *envelope.Codec

	peerID string
	reg    *Registry
	log    *metrics.Logger

	coverStop chan struct{}
	coverDone chan struct{}
}

func newConversation(r *Registry, peerID string, session *ratchet.Session) (*Conversation, error) {
	if peerID == "" || len(peerID) > constants.MaxSenderIDLength {
		return nil, qerrors.ErrInvalidSenderID
	}
	codec, err := envelope.NewCodec(session, r.cfg.CipherSuite, r.pins)
	if err != nil {
		return nil, err
	}
	return &Conversation{
		session: session,
		codec:   codec,
		peerID:  peerID,
		reg:     r,
		log:     r.log.Named("conversation").With(metrics.Fields{"peer": peerID}),
	}, nil
}

// PeerID returns the peer identity this conversation is keyed by.
func (c *Conversation) PeerID() string {
	return c.peerID
}

// State returns the ratchet lifecycle state.
func (c *Conversation) State() ratchet.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State()
}

// Send seals a plaintext into a wire envelope. The caller hands the bytes
// to its transport; this package never touches the network.
func (c *Conversation) Send(ctx context.Context, plaintext []byte) ([]byte, error) {
	return c.seal(ctx, plaintext, false)
}

// Receive opens a wire envelope from the peer. A nil result with nil
// error is cover traffic and carries no payload.
func (c *Conversation) Receive(ctx context.Context, data []byte) ([]byte, error) {
	_, end := c.reg.tracer.StartSpan(ctx, "messenger.Receive",
		metrics.WithSpanAttributes(map[string]interface{}{"peer": c.peerID}))

	c.mu.Lock()
	pqBefore, dhBefore := c.session.PQRekeyCount(), c.session.DHStepCount()
	skBefore := c.session.SkippedKeyCount()
	payload, err := c.codec.Decrypt(c.peerID, data)
	pqSteps, dhSteps := c.session.PQRekeyCount()-pqBefore, c.session.DHStepCount()-dhBefore
	skGrown := c.session.SkippedKeyCount() - skBefore
	c.mu.Unlock()
	end(err)

	if err != nil {
		c.recordReceiveFailure(err)
		return nil, err
	}
	c.recordRatchetSteps(pqSteps, dhSteps)
	if skGrown > 0 {
		c.reg.collector.SkippedKeysCached(skGrown)
	}
	c.reg.collector.MessageReceived(len(data), payload == nil)
	if payload == nil {
		c.log.Debug("cover packet received")
	}
	return payload, nil
}

// MarkCompromised wipes the session. All further operations fail with
// SessionCompromised until the conversation is re-established out of band.
func (c *Conversation) MarkCompromised() {
	c.StopCoverTraffic()
	c.mu.Lock()
	c.session.MarkCompromised()
	c.mu.Unlock()
	c.log.Warn("session marked compromised")
}

// Persist seals the session snapshot into the registry's key store. The
// store write runs outside the session lock.
func (c *Conversation) Persist() error {
	if c.reg.store == nil {
		return qerrors.ErrKeystoreClosed
	}

	c.mu.Lock()
	snap, err := c.session.Snapshot()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	defer crypto.Zeroize(snap)

	return c.reg.store.Store(sessionEntryID(c.peerID), snap, keystore.KeyTypeSession,
		map[string]string{"peer": c.peerID})
}

// StartCoverTraffic launches the dummy packet loop. Each dummy is emitted
// after the configured base interval plus a random jitter, sealed under
// the SAME session lock as real traffic, and handed to sink. Stops when
// the context is cancelled or StopCoverTraffic is called.
func (c *Conversation) StartCoverTraffic(ctx context.Context, sink func([]byte) error) {
	c.mu.Lock()
	if c.coverStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.coverStop = stop
	c.coverDone = done
	c.mu.Unlock()

	interval := c.reg.cfg.DummyInterval
	jitter := c.reg.cfg.DummyJitter

	go func() {
		defer close(done)
		timer := time.NewTimer(interval + randomJitter(jitter))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-timer.C:
			}

			wire, err := c.seal(ctx, nil, true)
			if err != nil {
				// A not-yet-usable or compromised session cannot emit
				// cover traffic; keep waiting rather than tearing down.
				c.log.Debug("cover packet skipped", metrics.Fields{"error": err.Error()})
			} else if err := sink(wire); err != nil {
				c.log.Warn("cover packet delivery failed", metrics.Fields{"error": err.Error()})
			}

			timer.Reset(interval + randomJitter(jitter))
		}
	}()
}

// StopCoverTraffic stops the dummy packet loop and waits for it to exit.
func (c *Conversation) StopCoverTraffic() {
	c.mu.Lock()
	stop, done := c.coverStop, c.coverDone
	c.coverStop, c.coverDone = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *Conversation) seal(ctx context.Context, plaintext []byte, dummy bool) ([]byte, error) {
	_, end := c.reg.tracer.StartSpan(ctx, "messenger.Send",
		metrics.WithSpanAttributes(map[string]interface{}{"peer": c.peerID, "dummy": dummy}))

	c.mu.Lock()
	pqBefore := c.session.PQRekeyCount()
	wire, err := c.codec.Encrypt(plaintext, dummy)
	pqSteps := c.session.PQRekeyCount() - pqBefore
	c.mu.Unlock()
	end(err)

	if err != nil {
		return nil, err
	}
	c.recordRatchetSteps(pqSteps, 0)
	c.reg.collector.MessageSent(len(wire), dummy)
	return wire, nil
}

func (c *Conversation) recordRatchetSteps(pqSteps, dhSteps uint64) {
	for ; pqSteps > 0; pqSteps-- {
		c.reg.collector.PQRekey()
	}
	for ; dhSteps > 0; dhSteps-- {
		c.reg.collector.DHRatchetStep()
	}
}

func (c *Conversation) recordReceiveFailure(err error) {
	switch {
	case errors.Is(err, qerrors.ErrReplayDetected):
		c.reg.collector.ReplayBlocked()
		c.log.Warn("replayed envelope dropped")
	case errors.Is(err, qerrors.ErrEphemeralKeyMismatch):
		// Probable active MITM; this must stand out from ordinary
		// decryption failures.
		c.reg.collector.PinViolation()
		c.log.Error("ephemeral key pinning violation", metrics.Fields{"peer": c.peerID})
	case errors.Is(err, qerrors.ErrSignatureInvalid):
		c.reg.collector.SignatureFailure()
		c.log.Warn("one-time signature verification failed")
	case errors.Is(err, qerrors.ErrAuthenticationFailed):
		c.reg.collector.AuthFailure()
		c.log.Warn("envelope authentication failed")
	}
}

// randomJitter draws a uniform delay in [0, max) from the system CSPRNG.
// Predictable cover traffic timing would defeat its purpose.
func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var b [8]byte
	if err := crypto.SecureRandom(b[:]); err != nil {
		return max / 2
	}
	return time.Duration(binary.BigEndian.Uint64(b[:]) % uint64(max))
}
