// Package keys supplies the symmetric key material used by the transfer
// pipeline.
//
// The transfer core treats the key as an opaque input fixed for the life of
// the process. A Provider produces the master material from some source (a
// literal, a file, an environment variable, a passphrase); Derive turns it
// into the 32-byte transfer key with HKDF-SHA256 so that the same master
// material can never be used directly as a cipher key.
//
// Every client and server in a deployment shares one key. That is a
// property of the protocol, which has no handshake or per-peer keys, and it
// means any participant can read every transfer. Fingerprint lets operators
// confirm two hosts hold the same key without printing it.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the size in bytes of derived transfer keys.
const KeySize = 32

// TransferInfo is the HKDF info string for the transfer key. Changing it
// changes every derived key, so both ends must run the same value.
const TransferInfo = "batchxfer.transfer.v1"

// DefaultIterations is the pbkdf2 iteration count used for passphrases
// when none is configured.
const DefaultIterations = 600000

// Provider supplies master key material.
type Provider interface {
	Key() ([]byte, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() ([]byte, error)

func (f ProviderFunc) Key() ([]byte, error) { return f() }

// Static returns a Provider that always yields a copy of key.
func Static(key []byte) Provider {
	material := append([]byte(nil), key...)
	return ProviderFunc(func() ([]byte, error) {
		if len(material) == 0 {
			return nil, fmt.Errorf("static key is empty")
		}
		return append([]byte(nil), material...), nil
	})
}

// Hex returns a Provider that decodes a hex-encoded key.
func Hex(encoded string) Provider {
	return ProviderFunc(func() ([]byte, error) {
		return decodeHex(encoded)
	})
}

// File returns a Provider that reads the key from path. The file holds
// either exactly KeySize raw bytes or hex text (surrounding whitespace is
// ignored).
func File(path string) Provider {
	return ProviderFunc(func() ([]byte, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		if len(data) == KeySize {
			return data, nil
		}
		key, err := decodeHex(string(data))
		if err != nil {
			return nil, fmt.Errorf("key file %s: %w", path, err)
		}
		return key, nil
	})
}

// Env returns a Provider that decodes a hex key from the named environment
// variable.
func Env(name string) Provider {
	return ProviderFunc(func() ([]byte, error) {
		value, ok := os.LookupEnv(name)
		if !ok {
			return nil, fmt.Errorf("environment variable %s is not set", name)
		}
		key, err := decodeHex(value)
		if err != nil {
			return nil, fmt.Errorf("environment variable %s: %w", name, err)
		}
		return key, nil
	})
}

// Passphrase returns a Provider that stretches a passphrase with
// PBKDF2-HMAC-SHA256. Both ends must use the same salt and iteration count;
// the salt is deployment configuration, not a secret.
func Passphrase(passphrase string, salt []byte, iterations int) Provider {
	return ProviderFunc(func() ([]byte, error) {
		return stretch(passphrase, salt, iterations)
	})
}

func stretch(passphrase string, salt []byte, iterations int) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is empty")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("passphrase salt is empty")
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New), nil
}

// Derive expands master key material into a KeySize key bound to info.
func Derive(master []byte, info string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("master key material is empty")
	}
	reader := hkdf.New(sha256.New, master, nil, []byte(info))
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return derived, nil
}

// TransferKey obtains master material from provider and derives the
// transfer key from it.
func TransferKey(provider Provider) ([]byte, error) {
	master, err := provider.Key()
	if err != nil {
		return nil, err
	}
	defer Zero(master)
	return Derive(master, TransferInfo)
}

// fingerprintContext is the BLAKE3 derive-key context for fingerprints.
const fingerprintContext = "batchxfer 2026 key fingerprint v1"

// Fingerprint returns a short identifier for key, safe to log. Equal keys
// give equal fingerprints; the key cannot be recovered from it.
func Fingerprint(key []byte) string {
	var digest [32]byte
	blake3.DeriveKey(fingerprintContext, key, digest[:])
	return hex.EncodeToString(digest[:8])
}

// Zero overwrites data with zeros.
func Zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func decodeHex(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, fmt.Errorf("hex key is empty")
	}
	key, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return key, nil
}
