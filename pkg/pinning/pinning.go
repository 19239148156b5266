// Package pinning implements the trust-on-first-use registry for
// per-message one-time signing keys.
//
// Every envelope is signed under a freshly generated ML-DSA-44 key that is
// discarded after signing, so a legitimate sender's key changes on every
// message. The registry therefore records the last-seen key per sender
// identity and rejects an envelope that presents a key byte-identical to
// the previous one: one-time keys must never repeat, and a repeat is the
// fingerprint of an attacker replaying captured signing material under a
// known identity.
//
// The first key from an unknown sender is accepted and recorded without
// further proof (trust on first use). Operators can seed or reset an
// identity explicitly with Pin and Forget.
package pinning

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
)

// Record is the per-sender pinning state.
type Record struct {
	// Key is the last-seen one-time signing key
	Key []byte `json:"key"`

	// FirstSeen is when the sender was first pinned
	FirstSeen time.Time `json:"first_seen"`

	// LastSeen is when the key was last updated
	LastSeen time.Time `json:"last_seen"`

	// Messages counts verified envelopes from this sender
	Messages uint64 `json:"messages"`
}

// Registry is a per-sender one-time key tracker. It is safe for concurrent
// use; checks for distinct senders proceed independently while checks for
// the same sender serialize on that sender's record.
type Registry struct {
	mu      sync.Mutex
	records map[string]*senderRecord
}

type senderRecord struct {
	mu  sync.Mutex
	rec Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*senderRecord)}
}

// VerifyAndPin checks a sender's one-time signing key and records it.
//
// An unknown sender is pinned and accepted. A known sender presenting a
// fresh key is accepted and the record updated. A known sender presenting
// the previous key again fails with ErrEphemeralKeyMismatch; the record is
// left unchanged so the legitimate envelope can still be delivered.
func (r *Registry) VerifyAndPin(senderID string, signingPublicKey []byte) error {
	if senderID == "" || len(senderID) > constants.MaxSenderIDLength {
		return qerrors.ErrInvalidSenderID
	}
	if len(signingPublicKey) != constants.MLDSAPublicKeySize {
		return qerrors.ErrInvalidPublicKey
	}

	sr := r.sender(senderID)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	now := time.Now()
	if sr.rec.Key == nil {
		sr.rec = Record{
			Key:       append([]byte(nil), signingPublicKey...),
			FirstSeen: now,
			LastSeen:  now,
			Messages:  1,
		}
		return nil
	}
	if bytes.Equal(sr.rec.Key, signingPublicKey) {
		return qerrors.ErrEphemeralKeyMismatch
	}
	sr.rec.Key = append(sr.rec.Key[:0], signingPublicKey...)
	sr.rec.LastSeen = now
	sr.rec.Messages++
	return nil
}

// Pin explicitly sets the expected key for a sender, replacing any
// existing record. Used when seeding trust out of band or resuming a
// persisted registry.
func (r *Registry) Pin(senderID string, signingPublicKey []byte) error {
	if senderID == "" || len(senderID) > constants.MaxSenderIDLength {
		return qerrors.ErrInvalidSenderID
	}
	if len(signingPublicKey) != constants.MLDSAPublicKeySize {
		return qerrors.ErrInvalidPublicKey
	}

	sr := r.sender(senderID)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	now := time.Now()
	sr.rec = Record{
		Key:       append([]byte(nil), signingPublicKey...),
		FirstSeen: now,
		LastSeen:  now,
	}
	return nil
}

// Forget removes a sender's record, returning whether one existed. The
// next message from that identity re-pins via trust on first use.
func (r *Registry) Forget(senderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[senderID]
	delete(r.records, senderID)
	return ok
}

// Lookup returns a copy of a sender's record.
func (r *Registry) Lookup(senderID string) (Record, bool) {
	r.mu.Lock()
	sr, ok := r.records[senderID]
	r.mu.Unlock()
	if !ok {
		return Record{}, false
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	rec := sr.rec
	rec.Key = append([]byte(nil), sr.rec.Key...)
	return rec, true
}

// SenderIDs returns all pinned sender identities.
func (r *Registry) SenderIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot serializes the registry for persistence in the key store.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.Lock()
	senders := make(map[string]*senderRecord, len(r.records))
	for id, sr := range r.records {
		senders[id] = sr
	}
	r.mu.Unlock()

	out := make(map[string]Record, len(senders))
	for id, sr := range senders {
		sr.mu.Lock()
		rec := sr.rec
		rec.Key = append([]byte(nil), sr.rec.Key...)
		sr.mu.Unlock()
		out[id] = rec
	}
	return json.Marshal(out)
}

// RestoreRegistry reconstructs a registry from Snapshot data.
func RestoreRegistry(data []byte) (*Registry, error) {
	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, qerrors.ErrInvalidEnvelope
	}
	r := NewRegistry()
	for id, rec := range records {
		if id == "" || len(rec.Key) != constants.MLDSAPublicKeySize {
			return nil, qerrors.ErrInvalidPublicKey
		}
		r.records[id] = &senderRecord{rec: rec}
	}
	return r, nil
}

func (r *Registry) sender(senderID string) *senderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	sr, ok := r.records[senderID]
	if !ok {
		sr = &senderRecord{}
		r.records[senderID] = sr
	}
	return sr
}
