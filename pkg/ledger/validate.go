package ledger

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// eventTypePattern validates the branch.noun.verb grammar. Each
// segment is lowercase with internal underscores (administrative_senior
// is a legal branch).
var eventTypePattern = regexp.MustCompile(`^[a-z]+(?:_[a-z]+)*\.[a-z]+(?:_[a-z]+)*\.[a-z]+(?:_[a-z]+)*$`)

// witnessIDPattern validates the WITNESS:<name> attribution format.
var witnessIDPattern = regexp.MustCompile(`^WITNESS:[A-Za-z0-9_.-]+$`)

// knownBranches is the closed set of governance branches.
var knownBranches = map[string]bool{
	"legislative":              true,
	"executive":                true,
	"administrative_senior":    true,
	"administrative_strategic": true,
	"judicial":                 true,
	"advisory":                 true,
	"witness":                  true,
	"petition":                 true,
	"merkle":                   true,
	"actor":                    true,
	"legitimacy":               true,
	"system":                   true,
	"cessation":                true,
	"error":                    true,
}

// BranchOf derives the branch from an event type. The stored branch
// column is always this derivation, never caller input.
func BranchOf(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}

// ValidateEventType checks the grammar and branch membership.
func ValidateEventType(eventType string) error {
	if !eventTypePattern.MatchString(eventType) {
		return fmt.Errorf("%w: event_type %q does not match branch.noun.verb", ErrSchemaInvalid, eventType)
	}
	if !knownBranches[BranchOf(eventType)] {
		return fmt.Errorf("%w: unknown branch %q", ErrSchemaInvalid, BranchOf(eventType))
	}
	return nil
}

// ValidateSchemaVersion requires a strict X.Y.Z semver.
func ValidateSchemaVersion(v string) error {
	if _, err := semver.StrictNewVersion(v); err != nil {
		return fmt.Errorf("%w: schema_version %q: %v", ErrSchemaInvalid, v, err)
	}
	return nil
}

// ValidateWitnessID checks the WITNESS:<name> format.
func ValidateWitnessID(witnessID string) error {
	if !witnessIDPattern.MatchString(witnessID) {
		return fmt.Errorf("%w: witness_id %q must be WITNESS:<name>", ErrBadWitness, witnessID)
	}
	return nil
}

// haltWhitelist lists event types that remain appendable during a
// halt: the halt lifecycle itself, heartbeats, and the terminal
// record (cessation must be recordable even from a halted system).
var haltWhitelist = map[string]bool{
	"system.halt.triggered":    true,
	"system.halt.cleared":      true,
	"system.heartbeat.emitted": true,
	"cessation.final.recorded": true,
}

// HaltWhitelisted reports whether the event type may be appended while
// the system is halted.
func HaltWhitelisted(eventType string) bool {
	return haltWhitelist[eventType]
}
