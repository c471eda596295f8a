package bls

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// KeyManager loads, generates, and persists a finalizer's BLS key pair.
type KeyManager struct {
	keyPath    string
	privateKey *PrivateKey
	publicKey  *PublicKey
}

// NewKeyManager creates a key manager rooted at keyPath. An empty keyPath
// means keys are held in memory only (never persisted).
func NewKeyManager(keyPath string) *KeyManager {
	return &KeyManager{keyPath: keyPath}
}

// LoadOrGenerateKey loads the key at keyPath if present, otherwise
// generates and (if keyPath is set) persists a new one.
func (km *KeyManager) LoadOrGenerateKey() error {
	if err := Initialize(); err != nil {
		return fmt.Errorf("initialize BLS: %w", err)
	}
	if km.keyPath != "" {
		if _, err := os.Stat(km.keyPath); err == nil {
			return km.LoadKey()
		}
	}
	return km.GenerateNewKey()
}

// LoadKey reads a hex-encoded private key from keyPath.
func (km *KeyManager) LoadKey() error {
	if km.keyPath == "" {
		return fmt.Errorf("bls: no key path specified")
	}
	data, err := os.ReadFile(km.keyPath)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	keyBytes, err := hex.DecodeString(string(data))
	if err != nil {
		return fmt.Errorf("decode key hex: %w", err)
	}
	km.privateKey, err = PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	km.publicKey = km.privateKey.PublicKey()
	return nil
}

// GenerateNewKey generates a fresh random key pair and persists it if
// keyPath is set.
func (km *KeyManager) GenerateNewKey() error {
	var err error
	km.privateKey, km.publicKey, err = GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	if km.keyPath != "" {
		return km.SaveKey()
	}
	return nil
}

// GenerateFromSeed derives a deterministic key pair from seed.
func (km *KeyManager) GenerateFromSeed(seed []byte) error {
	var err error
	km.privateKey, km.publicKey, err = GenerateKeyPairFromSeed(seed)
	if err != nil {
		return fmt.Errorf("generate from seed: %w", err)
	}
	return nil
}

// GenerateFromFinalizerID derives a deterministic key from a finalizer
// description and chain ID, so a given finalizer's key is stable across
// restarts without needing a key file.
func (km *KeyManager) GenerateFromFinalizerID(finalizerID, chainID string) error {
	seed := sha256.Sum256([]byte(fmt.Sprintf("SAVANNA_BLS_KEY_V1:%s:%s", finalizerID, chainID)))
	return km.GenerateFromSeed(seed[:])
}

// SaveKey writes the private key to keyPath as hex, creating parent
// directories as needed with restricted permissions.
func (km *KeyManager) SaveKey() error {
	if km.keyPath == "" {
		return fmt.Errorf("bls: no key path specified")
	}
	if km.privateKey == nil {
		return fmt.Errorf("bls: no private key to save")
	}
	dir := filepath.Dir(km.keyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	keyHex := hex.EncodeToString(km.privateKey.Bytes())
	if err := os.WriteFile(km.keyPath, []byte(keyHex), 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

func (km *KeyManager) PrivateKey() *PrivateKey { return km.privateKey }
func (km *KeyManager) PublicKey() *PublicKey   { return km.publicKey }

// PublicKeyBytes returns the little-endian 96-byte G1 encoding, ready to
// be placed directly into a finalizer policy entry (§4.3).
func (km *KeyManager) PublicKeyBytes() []byte {
	if km.publicKey == nil {
		return nil
	}
	return km.publicKey.LittleEndianBytes()
}

func (km *KeyManager) PublicKeyHex() string {
	if km.publicKey == nil {
		return ""
	}
	return km.publicKey.Hex()
}

// Sign signs a vote message. Callers choose the strong digest or
// WeakSigningMessage(strong digest) before calling Sign (§4.2).
func (km *KeyManager) Sign(message []byte) (*Signature, error) {
	if km.privateKey == nil {
		return nil, fmt.Errorf("bls: no private key loaded")
	}
	return km.privateKey.Sign(message), nil
}

// InitializeFinalizerKey loads the key at keyPath, or - if absent -
// derives one deterministically from finalizerID/chainID and persists it
// when keyPath is set. Mirrors the startup sequence a finalizer node runs
// once before it can cast votes.
func InitializeFinalizerKey(finalizerID, chainID, keyPath string) (*KeyManager, error) {
	km := NewKeyManager(keyPath)

	if keyPath != "" {
		if _, err := os.Stat(keyPath); err == nil {
			if err := km.LoadKey(); err != nil {
				return nil, fmt.Errorf("load BLS key: %w", err)
			}
			return km, nil
		}
	}

	if err := km.GenerateFromFinalizerID(finalizerID, chainID); err != nil {
		return nil, fmt.Errorf("generate BLS key: %w", err)
	}
	if keyPath != "" {
		if err := km.SaveKey(); err != nil {
			return nil, fmt.Errorf("save BLS key: %w", err)
		}
	}
	return km, nil
}
