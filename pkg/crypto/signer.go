// Package crypto provides Ed25519 signing and the agent key registry.
//
// Signatures travel as standard base64 (88 characters for Ed25519).
// Public keys travel as hex. Keys are never deleted: retirement sets
// active_until and verification selects the key whose validity window
// covers the event's authority timestamp.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Ed25519SignatureB64Len is the length of a base64 std-encoded
// 64-byte Ed25519 signature.
const Ed25519SignatureB64Len = 88

// Signer signs raw byte content on behalf of one agent key.
type Signer interface {
	Sign(data []byte) (string, error)
	KeyID() string
	PublicKey() string
	PublicKeyBytes() []byte
}

// Ed25519Signer signs with an in-memory Ed25519 private key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh keypair bound to keyID.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte { return s.pubKey }

// Verify checks a base64 signature against a hex public key.
func Verify(pubKeyHex, sigB64 string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pubKey))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size %d", len(sig))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// ValidSignatureShape performs the cheap structural check before any
// registry lookup: base64, correct encoded length.
func ValidSignatureShape(sigB64 string) bool {
	if len(sigB64) != Ed25519SignatureB64Len {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return len(raw) == ed25519.SignatureSize
}
