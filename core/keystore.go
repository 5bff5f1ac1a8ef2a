package core

// Keystore: loads or generates the node's Ed25519 identity key at a
// well-known path inside the data directory. A single flat signing key,
// not an HD wallet hierarchy.

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const keyFileName = "node.key"

// LoadOrCreateIdentity reads the node's Ed25519 private key from
// <dataDir>/node.key, generating and persisting a new one if absent. The
// file holds the 32-byte seed as hex.
func LoadOrCreateIdentity(dataDir string) (ed25519.PrivateKey, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("keystore: mkdir %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("keystore: corrupt key file %s: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("keystore: key file %s has wrong seed length %d", path, len(seed))
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	seed := priv.Seed()
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return nil, fmt.Errorf("keystore: write %s: %w", path, err)
	}
	return priv, nil
}

// PublicKeyHex renders a node's Ed25519 public key as lowercase hex, the
// identity format used throughout the wire protocol (node_id, db_name
// suffix, public_key field).
func PublicKeyHex(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey))
}
