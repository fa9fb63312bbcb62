package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so profiles can write "30m" or "50ms".
// yaml.v3 has no native duration-string decoding.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var nanos int64
	if err := value.Decode(&nanos); err != nil {
		return fmt.Errorf("duration must be a string like %q or integer nanoseconds", "30m")
	}
	*d = Duration(nanos)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// DeliberationProfile bundles the tunable governance parameters. A
// deployment ships one profile per operating posture (default,
// high-throughput drill, constrained test bench) and selects it by
// name at boot.
type DeliberationProfile struct {
	Name     string         `yaml:"name" json:"name"`
	Conclave ConclaveConfig `yaml:"conclave" json:"conclave"`
	Fates    FatesConfig    `yaml:"fates" json:"fates"`
	Intake   IntakeConfig   `yaml:"intake" json:"intake"`
	Ledger   LedgerConfig   `yaml:"ledger" json:"ledger"`
}

// ConclaveConfig holds parliamentary sitting parameters.
type ConclaveConfig struct {
	DebateRounds       int     `yaml:"debate_rounds" json:"debate_rounds"`
	ContextWindow      int     `yaml:"context_window" json:"context_window"`
	VotingConcurrency  int     `yaml:"voting_concurrency" json:"voting_concurrency"`
	SupermajorityNum   int     `yaml:"supermajority_num" json:"supermajority_num"`
	SupermajorityDen   int     `yaml:"supermajority_den" json:"supermajority_den"`
	RedTeamThreshold   float64 `yaml:"red_team_threshold" json:"red_team_threshold"`
	RedTeamSize        int     `yaml:"red_team_size" json:"red_team_size"`
	MotionsPerSession  int     `yaml:"motions_per_session" json:"motions_per_session"`
}

// FatesConfig holds Three-Fates panel parameters.
type FatesConfig struct {
	MaxLoad       int      `yaml:"max_load" json:"max_load"`
	Timeout       Duration `yaml:"timeout" json:"timeout"`
	MaxVoteRounds int      `yaml:"max_vote_rounds" json:"max_vote_rounds"`
	// ReferralCycle is one referral grace cycle; a referred petition
	// gets three cycles, extended at most ReferralMaxExtensions times.
	ReferralCycle         Duration `yaml:"referral_cycle" json:"referral_cycle"`
	ReferralMaxExtensions int      `yaml:"referral_max_extensions" json:"referral_max_extensions"`
}

// IntakeConfig holds petition intake parameters.
type IntakeConfig struct {
	RateLimit       int      `yaml:"rate_limit" json:"rate_limit"`
	RateWindow      Duration `yaml:"rate_window" json:"rate_window"`
	CapacityHigh    int      `yaml:"capacity_high" json:"capacity_high"`
	CapacityLow     int      `yaml:"capacity_low" json:"capacity_low"`
	CoSignThreshold int      `yaml:"cosign_threshold" json:"cosign_threshold"`
	// CoSignThresholds overrides the escalation threshold per petition
	// type.
	CoSignThresholds map[string]int `yaml:"cosign_thresholds" json:"cosign_thresholds,omitempty"`
}

// LedgerConfig holds ledger and epoch parameters.
type LedgerConfig struct {
	EpochSize    int      `yaml:"epoch_size" json:"epoch_size"`
	HashAlgo     string   `yaml:"hash_algo" json:"hash_algo"`
	HaltCacheTTL Duration `yaml:"halt_cache_ttl" json:"halt_cache_ttl"`
}

// DefaultProfile returns the constitutional defaults.
func DefaultProfile() *DeliberationProfile {
	return &DeliberationProfile{
		Name: "default",
		Conclave: ConclaveConfig{
			DebateRounds:      3,
			ContextWindow:     10,
			VotingConcurrency: 1,
			SupermajorityNum:  2,
			SupermajorityDen:  3,
			RedTeamThreshold:  0.85,
			RedTeamSize:       5,
			MotionsPerSession: 5,
		},
		Fates: FatesConfig{
			MaxLoad:               3,
			Timeout:               Duration(30 * time.Minute),
			MaxVoteRounds:         3,
			ReferralCycle:         Duration(24 * time.Hour),
			ReferralMaxExtensions: 2,
		},
		Intake: IntakeConfig{
			RateLimit:       10,
			RateWindow:      Duration(time.Hour),
			CapacityHigh:    1000,
			CapacityLow:     900,
			CoSignThreshold: 50,
		},
		Ledger: LedgerConfig{
			EpochSize:    1000,
			HashAlgo:     "blake3",
			HaltCacheTTL: Duration(50 * time.Millisecond),
		},
	}
}

// LoadProfile loads a deliberation profile YAML by name. It searches
// the profiles directory for profile_<name>.yaml; unset fields keep
// the constitutional defaults.
func LoadProfile(profilesDir, name string) (*DeliberationProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}

	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	return profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory.
func LoadAllProfiles(profilesDir string) (map[string]*DeliberationProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeliberationProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		profile := DefaultProfile()
		if err := yaml.Unmarshal(data, profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", path, err)
		}

		profiles[profile.Name] = profile
	}

	return profiles, nil
}

// Validate rejects profiles that would wedge the engine.
func (p *DeliberationProfile) Validate() error {
	if p.Conclave.DebateRounds < 1 {
		return fmt.Errorf("conclave.debate_rounds must be at least 1")
	}
	if p.Conclave.SupermajorityDen < 1 || p.Conclave.SupermajorityNum < 1 ||
		p.Conclave.SupermajorityNum > p.Conclave.SupermajorityDen {
		return fmt.Errorf("invalid supermajority %d/%d", p.Conclave.SupermajorityNum, p.Conclave.SupermajorityDen)
	}
	if p.Conclave.VotingConcurrency < 0 {
		return fmt.Errorf("conclave.voting_concurrency must not be negative")
	}
	if p.Conclave.RedTeamThreshold <= 0.5 || p.Conclave.RedTeamThreshold > 1.0 {
		return fmt.Errorf("conclave.red_team_threshold must be in (0.5, 1.0]")
	}
	if p.Fates.MaxVoteRounds < 1 {
		return fmt.Errorf("fates.max_vote_rounds must be at least 1")
	}
	if p.Fates.MaxLoad < 1 {
		return fmt.Errorf("fates.max_load must be at least 1")
	}
	if p.Fates.ReferralCycle <= 0 {
		return fmt.Errorf("fates.referral_cycle must be positive")
	}
	if p.Fates.ReferralMaxExtensions < 0 {
		return fmt.Errorf("fates.referral_max_extensions must not be negative")
	}
	for typ, n := range p.Intake.CoSignThresholds {
		if n < 1 {
			return fmt.Errorf("intake.cosign_thresholds[%s] must be at least 1", typ)
		}
	}
	if p.Intake.CapacityLow >= p.Intake.CapacityHigh {
		return fmt.Errorf("intake.capacity_low must be below intake.capacity_high")
	}
	if p.Intake.RateLimit < 1 || p.Intake.RateWindow <= 0 {
		return fmt.Errorf("invalid intake rate limit")
	}
	if p.Ledger.EpochSize < 1 {
		return fmt.Errorf("ledger.epoch_size must be at least 1")
	}
	switch p.Ledger.HashAlgo {
	case "sha256", "blake3":
	default:
		return fmt.Errorf("unsupported ledger.hash_algo %q", p.Ledger.HashAlgo)
	}
	return nil
}
