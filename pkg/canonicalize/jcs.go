// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic hashing of ledger events.
//
// All strings (keys and values) are NFKC-normalized before encoding so
// that visually identical payloads hash identically regardless of the
// Unicode composition the caller happened to submit.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Canonical returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
// 1. Map keys are sorted lexicographically by UTF-8 bytes.
// 2. HTML escaping is disabled (unlike standard json.Marshal).
// 3. Numbers follow the ES6 shortest round-trip form.
// 4. Every string is NFKC-normalized prior to sorting and encoding.
func Canonical(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	return CanonicalRaw(intermediate)
}

// CanonicalRaw canonicalizes an already-encoded JSON document.
func CanonicalRaw(raw []byte) ([]byte, error) {
	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode failed: %w", err)
	}

	normalized := normalizeStrings(generic)

	renormalized, err := marshalNoEscape(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: re-marshal failed: %w", err)
	}

	out, err := jcs.Transform(renormalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalizeStrings walks a decoded JSON value and NFKC-normalizes every
// string, including map keys. Key collisions after normalization keep
// the last writer; callers that care should reject such payloads at a
// higher layer.
func normalizeStrings(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return norm.NFKC.String(t)
	case []interface{}:
		for i, elem := range t {
			t[i] = normalizeStrings(elem)
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[norm.NFKC.String(k)] = normalizeStrings(val)
		}
		return out
	default:
		return v
	}
}

func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
