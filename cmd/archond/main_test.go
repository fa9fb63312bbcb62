package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon72/pkg/halt"
)

func TestRunDispatchesServer(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()

	called := false
	startServer = func() { called = true }

	code := Run([]string{"archond", "server"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, 0, code)
	assert.True(t, called)
}

func TestRunDefaultsToServer(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()

	called := false
	startServer = func() { called = true }

	code := Run([]string{"archond"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, 0, code)
	assert.True(t, called)
}

func TestRunUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	code := Run([]string{"archond", "bogus"}, &bytes.Buffer{}, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Unknown command")
}

func TestRunHelp(t *testing.T) {
	var stdout bytes.Buffer
	code := Run([]string{"archond", "help"}, &stdout, &bytes.Buffer{})
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "archond <command>")
}

func TestCeremonyRequiresOperator(t *testing.T) {
	code := runCeremonyCmd(nil, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, 2, code)
}

func TestCeremonyRejectsBadSeed(t *testing.T) {
	code := runCeremonyCmd(
		[]string{"--operator", "OP:alice", "--key", "zz"},
		&bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, 2, code)
}

func TestCeremonyIssuesVerifiableToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var stdout bytes.Buffer
	code := runCeremonyCmd(
		[]string{"--operator", "OP:alice", "--key", hex.EncodeToString(priv.Seed())},
		&stdout, &bytes.Buffer{})
	require.Equal(t, 0, code)

	// The token is the only line without a label prefix.
	var token string
	for _, line := range bytes.Split(stdout.Bytes(), []byte("\n")) {
		if bytes.HasPrefix(line, []byte("ey")) {
			token = string(line)
			break
		}
	}
	require.NotEmpty(t, token)

	ceremony, err := halt.NewCeremonyValidator(pub).Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "OP:alice", ceremony.OperatorID)
}

func TestExportRequiresRangeOrEpoch(t *testing.T) {
	code := runExportCmd(nil, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, 2, code)
}
