package ratchet

import (
	"encoding/json"

	qerrors "github.com/qubee/qubee-go/internal/errors"
	"github.com/qubee/qubee-go/pkg/crypto"
)

// snapshotVersion guards against loading snapshots written by an
// incompatible layout.
const snapshotVersion = 1

// Snapshot is the serializable form of a session, suitable for sealing
// into an encrypted key store. It contains raw secrets and must never be
// written to disk unencrypted.
type Snapshot struct {
	Version int    `json:"version"`
	State   int32  `json:"state"`
	RootKey []byte `json:"root_key,omitempty"`
	MACKey  []byte `json:"mac_key,omitempty"`

	DHPrivateKey []byte `json:"dh_private_key,omitempty"`
	PeerDHPublic []byte `json:"peer_dh_public,omitempty"`

	PQPublicKey  []byte `json:"pq_public_key,omitempty"`
	PQPrivateKey []byte `json:"pq_private_key,omitempty"`
	PeerPQPublic []byte `json:"peer_pq_public,omitempty"`

	SendChainKey  []byte `json:"send_chain_key,omitempty"`
	RecvChainKey  []byte `json:"recv_chain_key,omitempty"`
	SendChainRoot []byte `json:"send_chain_root,omitempty"`
	RecvChainRoot []byte `json:"recv_chain_root,omitempty"`

	SendCounter     uint64 `json:"send_counter"`
	RecvCounter     uint64 `json:"recv_counter"`
	PrevChainLength uint64 `json:"prev_chain_length"`

	PendingPQCiphertext []byte `json:"pending_pq_ciphertext,omitempty"`
	InitialPQCiphertext []byte `json:"initial_pq_ciphertext,omitempty"`

	RetiredChain []byte `json:"retired_chain,omitempty"`

	Skipped []SkippedSnapshot `json:"skipped,omitempty"`

	Config Config `json:"config"`
}

// SkippedSnapshot is one cached skipped message key.
type SkippedSnapshot struct {
	Chain  []byte `json:"chain"`
	Number uint64 `json:"number"`
	Key    []byte `json:"key"`
}

// Snapshot serializes the full session state. Compromised sessions cannot
// be snapshotted; their secrets are already wiped.
func (s *Session) Snapshot() ([]byte, error) {
	const op = "Snapshot"

	if s.state == StateCompromised {
		return nil, qerrors.NewRatchetError(op, qerrors.ErrSessionCompromised)
	}

	snap := Snapshot{
		Version:             snapshotVersion,
		State:               int32(s.state),
		RootKey:             s.rootKey,
		MACKey:              s.macKey,
		SendChainKey:        s.sendChainKey,
		RecvChainKey:        s.recvChainKey,
		SendChainRoot:       s.sendChainRoot,
		RecvChainRoot:       s.recvChainRoot,
		SendCounter:         s.sendCounter,
		RecvCounter:         s.recvCounter,
		PrevChainLength:     s.prevChainLength,
		PendingPQCiphertext: s.pendingPQCiphertext,
		InitialPQCiphertext: s.initialPQCiphertext,
		Config:              s.cfg,
	}

	if s.retiredChainSet {
		snap.RetiredChain = s.retiredChain[:]
	}

	if s.dhKeyPair != nil {
		snap.DHPrivateKey = s.dhKeyPair.PrivateKeyBytes()
	}
	if s.peerDHPublic != nil {
		snap.PeerDHPublic = s.peerDHPublic.Bytes()
	}
	if s.pqKeyPair != nil {
		snap.PQPublicKey = s.pqKeyPair.EncapsulationKey.Bytes()
		snap.PQPrivateKey = s.pqKeyPair.DecapsulationKey.Bytes()
	}
	if s.peerPQPublic != nil {
		snap.PeerPQPublic = s.peerPQPublic.Bytes()
	}

	for _, e := range s.skipped.snapshotEntries() {
		snap.Skipped = append(snap.Skipped, SkippedSnapshot{
			Chain:  e.ID.Chain[:],
			Number: e.ID.Number,
			Key:    e.Key,
		})
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, qerrors.NewRatchetError(op, err)
	}
	return data, nil
}

// RestoreSession reconstructs a session from snapshot data produced by
// Snapshot. The cache is repopulated in its original insertion order so
// eviction behavior carries across a restore.
func RestoreSession(data []byte) (*Session, error) {
	const op = "RestoreSession"

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, qerrors.NewRatchetError(op, qerrors.ErrInvalidEnvelope)
	}
	if snap.Version != snapshotVersion {
		return nil, qerrors.NewRatchetError(op, qerrors.ErrInvalidEnvelope)
	}

	s, err := NewSession(snap.Config)
	if err != nil {
		return nil, err
	}

	s.state = State(snap.State)
	s.rootKey = snap.RootKey
	s.macKey = snap.MACKey
	s.sendChainKey = snap.SendChainKey
	s.recvChainKey = snap.RecvChainKey
	s.sendChainRoot = snap.SendChainRoot
	s.recvChainRoot = snap.RecvChainRoot
	s.sendCounter = snap.SendCounter
	s.recvCounter = snap.RecvCounter
	s.prevChainLength = snap.PrevChainLength
	s.pendingPQCiphertext = snap.PendingPQCiphertext
	s.initialPQCiphertext = snap.InitialPQCiphertext

	if snap.RetiredChain != nil {
		if len(snap.RetiredChain) != len(ChainID{}) {
			return nil, qerrors.NewRatchetError(op, qerrors.ErrInvalidEnvelope)
		}
		s.retiredChain = chainIDFromBytes(snap.RetiredChain)
		s.retiredChainSet = true
	}

	if snap.DHPrivateKey != nil {
		kp, err := crypto.NewX25519KeyPairFromBytes(snap.DHPrivateKey)
		if err != nil {
			return nil, qerrors.NewRatchetError(op, err)
		}
		s.dhKeyPair = kp
	}
	if snap.PeerDHPublic != nil {
		pk, err := crypto.ParseX25519PublicKey(snap.PeerDHPublic)
		if err != nil {
			return nil, qerrors.NewRatchetError(op, err)
		}
		s.peerDHPublic = pk
	}
	if snap.PQPrivateKey != nil {
		pub, err := crypto.ParseMLKEMPublicKey(snap.PQPublicKey)
		if err != nil {
			return nil, qerrors.NewRatchetError(op, err)
		}
		priv, err := crypto.ParseMLKEMPrivateKey(snap.PQPrivateKey)
		if err != nil {
			return nil, qerrors.NewRatchetError(op, err)
		}
		s.pqKeyPair = &crypto.MLKEMKeyPair{EncapsulationKey: pub, DecapsulationKey: priv}
	}
	if snap.PeerPQPublic != nil {
		pk, err := crypto.ParseMLKEMPublicKey(snap.PeerPQPublic)
		if err != nil {
			return nil, qerrors.NewRatchetError(op, err)
		}
		s.peerPQPublic = pk
	}

	for _, e := range snap.Skipped {
		if len(e.Chain) != len(ChainID{}) {
			return nil, qerrors.NewRatchetError(op, qerrors.ErrInvalidEnvelope)
		}
		s.skipped.put(MessageID{Chain: chainIDFromBytes(e.Chain), Number: e.Number}, e.Key)
	}

	return s, nil
}
