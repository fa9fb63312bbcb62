// Package config loads engine configuration: 12-factor environment
// variables for the service surface, plus YAML deliberation profiles
// for the tunable governance parameters.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	Port          string
	LogLevel      string
	DatabaseURL   string
	RedisURL      string
	AgentEndpoint string
	OTLPEndpoint  string
	ProfileDir    string
	ProfileName   string
	HaltCacheTTL  time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://archon72@localhost:5432/archon72?sslmode=disable"
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	agentEndpoint := os.Getenv("AGENT_ENDPOINT")
	if agentEndpoint == "" {
		agentEndpoint = "http://localhost:1234/v1/chat/completions"
	}

	otlpEndpoint := os.Getenv("OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	profileDir := os.Getenv("PROFILE_DIR")
	if profileDir == "" {
		profileDir = "profiles"
	}

	profileName := os.Getenv("DELIBERATION_PROFILE")
	if profileName == "" {
		profileName = "default"
	}

	return &Config{
		Port:          port,
		LogLevel:      logLevel,
		DatabaseURL:   dbURL,
		RedisURL:      redisURL,
		AgentEndpoint: agentEndpoint,
		OTLPEndpoint:  otlpEndpoint,
		ProfileDir:    profileDir,
		ProfileName:   profileName,
		HaltCacheTTL:  durationEnv("HALT_CACHE_TTL", 50*time.Millisecond),
	}
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
