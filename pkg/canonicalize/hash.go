package canonicalize

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// HashAlg selects the content-hash algorithm family. Version numbers
// are recorded on every event so the family can rotate without
// invalidating history.
type HashAlg int

const (
	// HashAlgSHA256 is hash_alg_version 1.
	HashAlgSHA256 HashAlg = 1
	// HashAlgBLAKE3 is hash_alg_version 2.
	HashAlgBLAKE3 HashAlg = 2
)

// GenesisHash is the prev_hash of the first event in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Name returns the wire name of the algorithm.
func (a HashAlg) Name() string {
	switch a {
	case HashAlgSHA256:
		return "sha256"
	case HashAlgBLAKE3:
		return "blake3"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// Sum returns the hex digest of data under the algorithm.
func (a HashAlg) Sum(data []byte) string {
	switch a {
	case HashAlgBLAKE3:
		h := blake3.Sum256(data)
		return hex.EncodeToString(h[:])
	default:
		h := sha256.Sum256(data)
		return hex.EncodeToString(h[:])
	}
}

// SignableContent builds the byte string that is both hashed and
// signed: event_type || "|" || canonical_json(payload) || "|" || prev_hash.
func SignableContent(eventType string, canonicalPayload []byte, prevHash string) []byte {
	out := make([]byte, 0, len(eventType)+len(canonicalPayload)+len(prevHash)+2)
	out = append(out, eventType...)
	out = append(out, '|')
	out = append(out, canonicalPayload...)
	out = append(out, '|')
	out = append(out, prevHash...)
	return out
}

// ContentHash computes the event content hash over the signable content.
func ContentHash(alg HashAlg, eventType string, canonicalPayload []byte, prevHash string) string {
	return alg.Sum(SignableContent(eventType, canonicalPayload, prevHash))
}

// EqualHex compares two hex digests in constant time. Inputs of
// differing length compare unequal without leaking where they differ.
func EqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
