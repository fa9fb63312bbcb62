// Package canonicalize_test contains property-based tests for the
// canonical JSON form and content hashing.
package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/archonhq/archon72/pkg/canonicalize"
)

// TestCanonicalIdempotence verifies canonical(canonical(v)) == canonical(v).
func TestCanonicalIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is a fixed point", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				obj[keys[i]] = values[i]
			}
			once, err := canonicalize.Canonical(obj)
			if err != nil {
				return false
			}
			twice, err := canonicalize.CanonicalRaw(once)
			if err != nil {
				return false
			}
			return string(once) == string(twice)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestContentHashDeterminism verifies hashing is a pure function of the
// signable content for both algorithm versions.
func TestContentHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same input yields same digest", prop.ForAll(
		func(eventType, payload string) bool {
			canon, err := canonicalize.Canonical(map[string]interface{}{"text": payload})
			if err != nil {
				return false
			}
			for _, alg := range []canonicalize.HashAlg{canonicalize.HashAlgSHA256, canonicalize.HashAlgBLAKE3} {
				a := canonicalize.ContentHash(alg, eventType, canon, canonicalize.GenesisHash)
				b := canonicalize.ContentHash(alg, eventType, canon, canonicalize.GenesisHash)
				if !canonicalize.EqualHex(a, b) {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
