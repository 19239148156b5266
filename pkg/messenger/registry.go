package messenger

import (
	"crypto/ecdh"
	"sync"

	qerrors "github.com/qubee/qubee-go/internal/errors"
	"github.com/qubee/qubee-go/pkg/crypto"
	"github.com/qubee/qubee-go/pkg/keystore"
	"github.com/qubee/qubee-go/pkg/metrics"
	"github.com/qubee/qubee-go/pkg/pinning"
	"github.com/qubee/qubee-go/pkg/ratchet"
)

// Registry owns every conversation for one local identity. It is safe for
// concurrent use; each conversation serializes its own ratchet internally.
type Registry struct {
	mu            sync.Mutex
	conversations map[string]*Conversation

	cfg       Config
	log       *metrics.Logger
	tracer    metrics.Tracer
	collector *metrics.Collector
	pins      *pinning.Registry
	store     *keystore.Store
}

// RegistryOption configures a registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger; the default discards everything.
func WithLogger(log *metrics.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// WithTracer sets the operation tracer.
func WithTracer(t metrics.Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = t }
}

// WithCollector sets the event counter collector.
func WithCollector(c *metrics.Collector) RegistryOption {
	return func(r *Registry) { r.collector = c }
}

// WithKeystore attaches an encrypted store for session persistence.
func WithKeystore(s *keystore.Store) RegistryOption {
	return func(r *Registry) { r.store = s }
}

// NewRegistry creates a conversation registry.
func NewRegistry(cfg Config, opts ...RegistryOption) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		conversations: make(map[string]*Conversation),
		cfg:           cfg,
		log:           metrics.NopLogger(),
		tracer:        metrics.NoOpTracer{},
		collector:     metrics.NewCollector(),
		pins:          pinning.NewRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Pins exposes the shared pinning registry, e.g. for operator re-pins.
func (r *Registry) Pins() *pinning.Registry {
	return r.pins
}

// Metrics exposes the registry's event collector.
func (r *Registry) Metrics() *metrics.Collector {
	return r.collector
}

// StartInitiator creates a conversation as the initiating party, keyed by
// the peer's identity.
func (r *Registry) StartInitiator(peerID string, sharedSecret []byte, peerDHPublic *ecdh.PublicKey, peerPQPublic *crypto.MLKEMPublicKey) (*Conversation, error) {
	session, err := ratchet.NewSession(r.cfg.ratchetConfig())
	if err != nil {
		return nil, err
	}
	if err := session.InitializeSender(sharedSecret, peerDHPublic, peerPQPublic); err != nil {
		return nil, err
	}
	return r.adopt(peerID, session)
}

// StartResponder creates a conversation as the responding party, using
// the local key pairs whose public halves were handed to the peer.
func (r *Registry) StartResponder(peerID string, sharedSecret []byte, dhKeyPair *crypto.X25519KeyPair, pqKeyPair *crypto.MLKEMKeyPair) (*Conversation, error) {
	session, err := ratchet.NewSession(r.cfg.ratchetConfig())
	if err != nil {
		return nil, err
	}
	if err := session.InitializeReceiver(sharedSecret, dhKeyPair, pqKeyPair); err != nil {
		return nil, err
	}
	return r.adopt(peerID, session)
}

// Get returns an existing conversation.
func (r *Registry) Get(peerID string) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[peerID]
	return c, ok
}

// Remove stops a conversation's cover traffic and drops it from the
// registry. Persisted snapshots are untouched.
func (r *Registry) Remove(peerID string) bool {
	r.mu.Lock()
	c, ok := r.conversations[peerID]
	delete(r.conversations, peerID)
	r.mu.Unlock()
	if ok {
		c.StopCoverTraffic()
	}
	return ok
}

// PeerIDs lists the active conversations.
func (r *Registry) PeerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.conversations))
	for id := range r.conversations {
		ids = append(ids, id)
	}
	return ids
}

// Resume restores a conversation from a snapshot persisted with
// Conversation.Persist.
func (r *Registry) Resume(peerID string) (*Conversation, error) {
	if r.store == nil {
		return nil, qerrors.ErrKeystoreClosed
	}
	data, err := r.store.Retrieve(sessionEntryID(peerID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, qerrors.ErrNotInitialized
	}
	session, err := ratchet.RestoreSession(data)
	crypto.Zeroize(data)
	if err != nil {
		return nil, err
	}
	return r.adopt(peerID, session)
}

// PersistPins seals the pinning registry into the key store so trust
// decisions survive restarts.
func (r *Registry) PersistPins() error {
	if r.store == nil {
		return qerrors.ErrKeystoreClosed
	}
	data, err := r.pins.Snapshot()
	if err != nil {
		return err
	}
	return r.store.Store("pins", data, keystore.KeyTypePinRegistry, nil)
}

// ResumePins restores the pinning registry from the key store. Call
// before starting any conversation; existing conversations keep their
// handle to the previous registry.
func (r *Registry) ResumePins() error {
	if r.store == nil {
		return qerrors.ErrKeystoreClosed
	}
	data, err := r.store.Retrieve("pins")
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	pins, err := pinning.RestoreRegistry(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conversations) > 0 {
		return qerrors.ErrAlreadyInitialized
	}
	r.pins = pins
	return nil
}

func (r *Registry) adopt(peerID string, session *ratchet.Session) (*Conversation, error) {
	c, err := newConversation(r, peerID, session)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conversations[peerID]; exists {
		return nil, qerrors.ErrAlreadyInitialized
	}
	r.conversations[peerID] = c
	r.log.Info("conversation started", metrics.Fields{"peer": peerID, "state": session.State().String()})
	return c, nil
}

func sessionEntryID(peerID string) string {
	return "session/" + peerID
}
