// Package identity is the single Ed25519 signing abstraction shared by agent
// request signing, ledger records, and gossip peer identity. Keys are scoped
// to a purpose so the same keypair is never reused across concerns.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Purpose scopes a key to one signing concern. Signatures made for one
// purpose never verify for another because the purpose is mixed into the
// signed bytes.
type Purpose string

const (
	PurposeAgent  Purpose = "agent"
	PurposeLedger Purpose = "ledger"
	PurposePeer   Purpose = "peer"
)

var (
	// ErrBadSignature is returned by Verify when the signature does not match.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrStaleTimestamp is returned by VerifyRequest when the signed
	// timestamp falls outside the allowed skew window.
	ErrStaleTimestamp = errors.New("request timestamp outside allowed window")
)

// Key is a purpose-scoped Ed25519 keypair.
type Key struct {
	purpose Purpose
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
}

// Generate creates a fresh keypair for the given purpose.
func Generate(purpose Purpose) (*Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", purpose, err)
	}
	return &Key{purpose: purpose, priv: priv, pub: pub}, nil
}

// LoadOrGenerate reads the seed file at path, or creates it (0600, parent
// dirs included) with a fresh key when it does not exist.
func LoadOrGenerate(path string, purpose Purpose) (*Key, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return fromSeedString(strings.TrimSpace(string(data)), purpose)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}

	key, err := Generate(purpose)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	seed := base64.StdEncoding.EncodeToString(key.priv.Seed())
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing key file %s: %w", path, err)
	}
	return key, nil
}

func fromSeedString(seed string, purpose Purpose) (*Key, error) {
	raw, err := base64.StdEncoding.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("decoding key seed: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(raw))
	}
	priv := ed25519.NewKeyFromSeed(raw)
	return &Key{purpose: purpose, priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Purpose returns the key's scope.
func (k *Key) Purpose() Purpose { return k.purpose }

// PublicKey returns the base64-encoded public key, the wire form used in
// registration and peer exchange.
func (k *Key) PublicKey() string {
	return base64.StdEncoding.EncodeToString(k.pub)
}

// Fingerprint returns the first 16 hex chars of SHA-256(pub), a stable short
// id for logs.
func (k *Key) Fingerprint() string {
	sum := sha256.Sum256(k.pub)
	return hex.EncodeToString(sum[:])[:16]
}

// Sign returns the base64 Ed25519 signature over the purpose-prefixed
// message bytes.
func (k *Key) Sign(message []byte) string {
	sig := ed25519.Sign(k.priv, scope(k.purpose, message))
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64 signature made by the holder of publicKeyB64 for
// the same purpose. Returns ErrBadSignature on mismatch.
func Verify(publicKeyB64 string, purpose Purpose, message []byte, signatureB64 string) error {
	pub, err := DecodePublicKey(publicKeyB64)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	if !ed25519.Verify(pub, scope(purpose, message), sig) {
		return ErrBadSignature
	}
	return nil
}

// DecodePublicKey parses a base64 public key into its raw form.
func DecodePublicKey(publicKeyB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func scope(purpose Purpose, message []byte) []byte {
	scoped := make([]byte, 0, len(purpose)+1+len(message))
	scoped = append(scoped, []byte(purpose)...)
	scoped = append(scoped, ':')
	scoped = append(scoped, message...)
	return scoped
}
