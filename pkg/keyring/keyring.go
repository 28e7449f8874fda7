// Package keyring provides a persistent, file-backed store of versioned
// Ed25519 signing keys. New keys can be generated by rotation while old
// versions remain available for verifying previously produced signatures.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// KeyIDPrefix is the algorithm tag in a key id ("ed25519:v<N>").
const KeyIDPrefix = "ed25519"

// Keystore is the on-disk JSON format for persisted keys.
type Keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64 ed25519 seed
}

// Keyring is a file-backed signing-key store.
type Keyring struct {
	mu    sync.RWMutex
	store Keystore
	path  string
	keys  map[int]ed25519.PrivateKey
}

// Open loads or creates a keyring at the given path. If the file does not
// exist, a new key (version 1) is generated.
func Open(path string) (*Keyring, error) {
	kr := &Keyring{
		path: path,
		keys: make(map[int]ed25519.PrivateKey),
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("keyring: create dir: %w", err)
		}

		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("keyring: generate key: %w", err)
		}

		kr.store = Keystore{
			ActiveVersion: 1,
			Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(priv.Seed())},
		}
		kr.keys[1] = priv

		if err := kr.persist(); err != nil {
			return nil, err
		}
		return kr, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyring: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &kr.store); err != nil {
		return nil, fmt.Errorf("keyring: parse keystore: %w", err)
	}

	for vStr, encoded := range kr.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("keyring: invalid version %q: %w", vStr, err)
		}
		seed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("keyring: decode key v%d: %w", v, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("keyring: key v%d invalid length %d (need %d)", v, len(seed), ed25519.SeedSize)
		}
		kr.keys[v] = ed25519.NewKeyFromSeed(seed)
	}

	if _, ok := kr.keys[kr.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("keyring: active version %d not in keystore", kr.store.ActiveVersion)
	}
	return kr, nil
}

// ActiveKeyID returns the key id of the current active key.
func (k *Keyring) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return fmt.Sprintf("%s:v%d", KeyIDPrefix, k.store.ActiveVersion)
}

// Sign signs data with the key named by keyID ("ed25519:v<N>").
func (k *Keyring) Sign(keyID string, data []byte) ([]byte, error) {
	version, err := ParseKeyID(keyID)
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	priv, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("keyring: unknown key version %d", version)
	}
	return ed25519.Sign(priv, data), nil
}

// PublicKey returns the public key bytes for keyID.
func (k *Keyring) PublicKey(keyID string) (ed25519.PublicKey, error) {
	version, err := ParseKeyID(keyID)
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	priv, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("keyring: unknown key version %d", version)
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// Rotate generates a new active key version and persists the keystore.
func (k *Keyring) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	newVersion := k.store.ActiveVersion + 1
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return 0, fmt.Errorf("keyring: generate key: %w", err)
	}

	k.store.Keys[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(priv.Seed())
	k.store.ActiveVersion = newVersion
	k.keys[newVersion] = priv

	if err := k.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ParseKeyID splits "ed25519:v<N>" into N.
func ParseKeyID(keyID string) (int, error) {
	rest, ok := strings.CutPrefix(keyID, KeyIDPrefix+":v")
	if !ok {
		return 0, fmt.Errorf("keyring: malformed key id %q", keyID)
	}
	v, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("keyring: parse key id %q: %w", keyID, err)
	}
	return v, nil
}

// persist writes the keystore to disk with restricted permissions.
func (k *Keyring) persist() error {
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return fmt.Errorf("keyring: marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return fmt.Errorf("keyring: write keystore: %w", err)
	}
	return nil
}
