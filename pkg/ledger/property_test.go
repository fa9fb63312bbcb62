//go:build property

package ledger

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: any sequence of appended payloads yields a chain that
// verifies end to end, and corrupting any single event breaks
// verification at exactly that sequence.
func TestChainIntegrityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("appended chain always verifies", prop.ForAll(
		func(values []int) bool {
			h := newHarness(t)
			ctx := context.Background()
			for _, v := range values {
				h.append(t, "executive.task.accepted", map[string]interface{}{"n": v})
			}
			if len(values) == 0 {
				return true
			}
			report, err := h.ledger.VerifyChain(ctx, 1, uint64(len(values)))
			return err == nil && report.Valid
		},
		gen.SliceOf(gen.IntRange(0, 1<<30)),
	))

	properties.Property("single corruption is localized", prop.ForAll(
		func(n int, corruptAt int) bool {
			h := newHarness(t)
			ctx := context.Background()
			for i := 0; i < n; i++ {
				h.append(t, "executive.task.accepted", map[string]interface{}{"n": i})
			}
			target := uint64(corruptAt%n) + 1
			if err := h.store.Tamper(target, func(ev *Event) {
				ev.ContentHash = corruptHex(ev.ContentHash)
			}); err != nil {
				return false
			}
			report, err := h.ledger.VerifyChain(ctx, 1, uint64(n))
			return err == nil && !report.Valid && report.BrokenAt == target
		},
		gen.IntRange(2, 20),
		gen.IntRange(0, 1<<30),
	))

	properties.TestingRun(t)
}
