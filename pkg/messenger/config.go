// Package messenger ties the ratchet engine, codec, pinning registry and
// key store together into per-peer conversations.
//
// All state lives in an explicit Registry owned by the caller; the package
// holds no globals, so two registries in one process never share sessions
// or trust decisions.
package messenger

import (
	"encoding/json"
	"os"
	"time"

	"github.com/qubee/qubee-go/internal/constants"
	qerrors "github.com/qubee/qubee-go/internal/errors"
	"github.com/qubee/qubee-go/pkg/ratchet"
)

// Config carries the protocol knobs for all conversations in a registry.
// Every field changes wire behavior, not just local policy.
type Config struct {
	// CipherSuite selects the AEAD used for message payloads
	CipherSuite constants.CipherSuite `json:"cipher_suite"`

	// PQRekeyPeriod is the number of sent messages between forced ML-KEM
	// re-encapsulations
	PQRekeyPeriod uint64 `json:"pq_rekey_period"`

	// MaxSkip bounds the forward chain walk distance
	MaxSkip uint64 `json:"max_skip"`

	// MaxCache bounds the skipped message key cache
	MaxCache int `json:"max_cache"`

	// DummyInterval is the base cover traffic cadence
	DummyInterval time.Duration `json:"dummy_interval"`

	// DummyJitter is the upper bound on random delay added per dummy
	DummyJitter time.Duration `json:"dummy_jitter"`

	// LogLevel is the minimum logging severity (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// DefaultConfig returns the standard protocol parameters.
func DefaultConfig() Config {
	return Config{
		CipherSuite:   constants.CipherSuiteChaCha20Poly1305,
		PQRekeyPeriod: constants.DefaultPQRekeyPeriod,
		MaxSkip:       constants.DefaultMaxSkip,
		MaxCache:      constants.DefaultMaxCache,
		DummyInterval: constants.DefaultDummyInterval,
		DummyJitter:   constants.DefaultDummyJitter,
		LogLevel:      "info",
	}
}

// Validate rejects configurations that would break the protocol.
func (c Config) Validate() error {
	if !c.CipherSuite.IsSupported() {
		return qerrors.ErrUnsupportedCipherSuite
	}
	if err := c.ratchetConfig().Validate(); err != nil {
		return err
	}
	if c.DummyInterval < 0 || c.DummyJitter < 0 {
		return qerrors.ErrInvalidConfig
	}
	return nil
}

// LoadConfig reads a JSON configuration file, filling unset fields from
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) ratchetConfig() ratchet.Config {
	return ratchet.Config{
		PQRekeyPeriod: c.PQRekeyPeriod,
		MaxSkip:       c.MaxSkip,
		MaxCache:      c.MaxCache,
	}
}
