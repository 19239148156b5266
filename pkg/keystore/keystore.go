// Package keystore provides encrypted-at-rest persistence for ratchet
// session snapshots and long-term key material.
//
// Every entry is sealed independently under the store's master key with a
// fresh random nonce, so the on-disk form is a set of opaque
// [nonce ‖ AEAD blob] records. The master key either comes from the caller
// directly or is derived from a passphrase with scrypt. Rotation decrypts
// every entry under the old master key and re-encrypts under a new one as
// a single atomic sweep.
package keystore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
	"github.com/qubee/qubee-go/pkg/crypto"
)

// KeyType tags what kind of secret an entry holds.
type KeyType string

const (
	// KeyTypeSession is a serialized ratchet session snapshot
	KeyTypeSession KeyType = "session"

	// KeyTypeIdentity is long-term identity key material
	KeyTypeIdentity KeyType = "identity"

	// KeyTypePinRegistry is a serialized pinning registry
	KeyTypePinRegistry KeyType = "pins"
)

// scrypt parameters for passphrase-derived master keys.
const (
	scryptN       = 1 << 15
	scryptR       = 8
	scryptP       = 1
	scryptSaltLen = 16
)

// entry is the sealed at-rest form of one stored secret. Only the
// ciphertext is sensitive; metadata and timestamps are stored in the clear
// the same way the file header is.
type entry struct {
	Nonce        []byte            `json:"nonce"`
	Ciphertext   []byte            `json:"ciphertext"`
	KeyType      KeyType           `json:"key_type"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// fileImage is the serialized store: scrypt salt (when passphrase-derived)
// plus the sealed entries.
type fileImage struct {
	Version int               `json:"version"`
	Salt    []byte            `json:"salt,omitempty"`
	Entries map[string]*entry `json:"entries"`
}

const fileVersion = 1

// Store is an encrypted key-value store for secrets. Safe for concurrent
// use.
type Store struct {
	mu        sync.Mutex
	masterKey []byte
	salt      []byte
	suite     constants.CipherSuite
	entries   map[string]*entry
	closed    bool
}

// New creates an empty store sealed under the given 32-byte master key.
func New(masterKey []byte) (*Store, error) {
	if len(masterKey) != constants.AEADKeySize {
		return nil, qerrors.ErrInvalidKeySize
	}
	return &Store{
		masterKey: append([]byte(nil), masterKey...),
		suite:     constants.CipherSuiteChaCha20Poly1305,
		entries:   make(map[string]*entry),
	}, nil
}

// NewWithPassphrase creates an empty store whose master key is derived
// from a passphrase with scrypt under a fresh random salt.
func NewWithPassphrase(passphrase []byte) (*Store, error) {
	salt, err := crypto.SecureRandomBytes(scryptSaltLen)
	if err != nil {
		return nil, err
	}
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, constants.AEADKeySize)
	if err != nil {
		return nil, err
	}
	s, err := New(key)
	if err != nil {
		return nil, err
	}
	crypto.Zeroize(key)
	s.salt = salt
	return s, nil
}

// Store seals a secret under the master key and inserts or replaces the
// entry for id.
func (s *Store) Store(id string, plaintext []byte, keyType KeyType, metadata map[string]string) error {
	if id == "" {
		return qerrors.ErrKeystoreInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return qerrors.ErrKeystoreClosed
	}

	sealed, err := s.seal(id, plaintext)
	if err != nil {
		return err
	}
	now := time.Now()
	created := now
	if prev, ok := s.entries[id]; ok {
		created = prev.CreatedAt
	}
	s.entries[id] = &entry{
		Nonce:        sealed.Nonce,
		Ciphertext:   sealed.Ciphertext,
		KeyType:      keyType,
		CreatedAt:    created,
		LastAccessed: now,
		Metadata:     metadata,
	}
	return nil
}

// Retrieve opens and returns the secret for id, or (nil, nil) when no
// entry exists. A successful retrieve refreshes the last-access timestamp.
func (s *Store) Retrieve(id string) ([]byte, error) {
	if id == "" {
		return nil, qerrors.ErrKeystoreInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, qerrors.ErrKeystoreClosed
	}

	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	plaintext, err := s.open(id, e)
	if err != nil {
		return nil, err
	}
	e.LastAccessed = time.Now()
	return plaintext, nil
}

// Delete removes an entry, reporting whether it existed.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, qerrors.ErrKeystoreClosed
	}
	_, ok := s.entries[id]
	delete(s.entries, id)
	return ok, nil
}

// ListIDs returns all entry identifiers in sorted order.
func (s *Store) ListIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, qerrors.ErrKeystoreClosed
	}
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// RotateMasterKey generates a fresh master key and re-encrypts every entry
// under it. The sweep is atomic: a failure on any entry leaves the store
// on the old key with all entries unchanged.
func (s *Store) RotateMasterKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return qerrors.ErrKeystoreClosed
	}

	newKey, err := crypto.SecureRandomBytes(constants.AEADKeySize)
	if err != nil {
		return err
	}
	return s.rotateTo(newKey, nil)
}

// RotateWithPassphrase re-encrypts every entry under a master key
// re-derived from the passphrase with a fresh scrypt salt. Use this
// instead of RotateMasterKey for stores opened with LoadWithPassphrase,
// otherwise the saved file can no longer be unlocked.
func (s *Store) RotateWithPassphrase(passphrase []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return qerrors.ErrKeystoreClosed
	}

	salt, err := crypto.SecureRandomBytes(scryptSaltLen)
	if err != nil {
		return err
	}
	newKey, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, constants.AEADKeySize)
	if err != nil {
		return err
	}
	return s.rotateTo(newKey, salt)
}

// rotateTo re-seals all entries under newKey. Caller holds s.mu.
func (s *Store) rotateTo(newKey, salt []byte) error {
	rotated := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		plaintext, err := s.open(id, e)
		if err != nil {
			return err
		}
		sealed, err := sealWith(s.suite, newKey, id, plaintext)
		crypto.Zeroize(plaintext)
		if err != nil {
			return err
		}
		ne := *e
		ne.Nonce = sealed.Nonce
		ne.Ciphertext = sealed.Ciphertext
		rotated[id] = &ne
	}

	crypto.Zeroize(s.masterKey)
	s.masterKey = newKey
	s.salt = salt
	s.entries = rotated
	return nil
}

// SweepExpired deletes entries whose last access is older than maxAge and
// returns how many were removed.
func (s *Store) SweepExpired(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, qerrors.ErrKeystoreClosed
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, e := range s.entries {
		if e.LastAccessed.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Save writes the sealed store to path atomically (write then rename).
// Entry payloads stay encrypted; the file never contains plaintext
// secrets.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return qerrors.ErrKeystoreClosed
	}

	img := fileImage{Version: fileVersion, Salt: s.salt, Entries: s.entries}
	data, err := json.Marshal(img)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load opens a store file with an explicit 32-byte master key.
func Load(path string, masterKey []byte) (*Store, error) {
	s, err := New(masterKey)
	if err != nil {
		return nil, err
	}
	if err := s.load(path); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadWithPassphrase opens a store file, deriving the master key from the
// passphrase and the salt recorded in the file.
func LoadWithPassphrase(path string, passphrase []byte) (*Store, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var img fileImage
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, qerrors.ErrKeystoreCorrupted
	}
	if img.Version != fileVersion || len(img.Salt) != scryptSaltLen {
		return nil, qerrors.ErrKeystoreCorrupted
	}

	key, err := scrypt.Key(passphrase, img.Salt, scryptN, scryptR, scryptP, constants.AEADKeySize)
	if err != nil {
		return nil, err
	}
	s, err := New(key)
	if err != nil {
		return nil, err
	}
	crypto.Zeroize(key)
	s.salt = img.Salt
	if img.Entries != nil {
		s.entries = img.Entries
	}
	return s, nil
}

// Close zeroizes the master key. Every subsequent operation fails with
// ErrKeystoreClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	crypto.Zeroize(s.masterKey)
	s.masterKey = nil
	s.entries = nil
	s.closed = true
}

func (s *Store) load(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	var img fileImage
	if err := json.Unmarshal(data, &img); err != nil {
		return qerrors.ErrKeystoreCorrupted
	}
	if img.Version != fileVersion {
		return qerrors.ErrKeystoreCorrupted
	}
	s.salt = img.Salt
	if img.Entries != nil {
		s.entries = img.Entries
	}
	return nil
}

type sealedBlob struct {
	Nonce      []byte
	Ciphertext []byte
}

func (s *Store) seal(id string, plaintext []byte) (*sealedBlob, error) {
	return sealWith(s.suite, s.masterKey, id, plaintext)
}

// sealWith binds the ciphertext to its entry id via associated data, so a
// blob moved between ids fails to open.
func sealWith(suite constants.CipherSuite, key []byte, id string, plaintext []byte) (*sealedBlob, error) {
	aead, err := crypto.NewAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	ct, err := aead.Seal(nonce, plaintext, []byte(id))
	if err != nil {
		return nil, err
	}
	return &sealedBlob{Nonce: nonce, Ciphertext: ct}, nil
}

func (s *Store) open(id string, e *entry) ([]byte, error) {
	aead, err := crypto.NewAEAD(s.suite, s.masterKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(e.Nonce, e.Ciphertext, []byte(id))
	if err != nil {
		return nil, qerrors.ErrKeystoreCorrupted
	}
	return plaintext, nil
}
