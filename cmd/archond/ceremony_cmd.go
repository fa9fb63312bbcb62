package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/archonhq/archon72/pkg/halt"
)

// runCeremonyCmd mints a signed restore ceremony token. The signing
// key never touches the server; an operator runs this offline and
// posts the token to /api/v1/halt/restore.
func runCeremonyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ceremony", flag.ContinueOnError)
	fs.SetOutput(stderr)
	operator := fs.String("operator", "", "operator identity to bind into the token")
	keyHex := fs.String("key", "", "32-byte hex ed25519 seed (defaults to $HALT_CEREMONY_SEED)")
	ttl := fs.Duration("ttl", 15*time.Minute, "token validity window")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *operator == "" {
		fmt.Fprintln(stderr, "ceremony requires --operator")
		return 2
	}
	if *keyHex == "" {
		*keyHex = os.Getenv("HALT_CEREMONY_SEED")
	}

	seed, err := hex.DecodeString(*keyHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		fmt.Fprintf(stderr, "ceremony key must be a %d-byte hex seed\n", ed25519.SeedSize)
		return 2
	}
	priv := ed25519.NewKeyFromSeed(seed)

	issuer := halt.NewCeremonyIssuer(priv, *ttl)
	token, err := issuer.Issue(*operator, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(stderr, "issue ceremony token: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "%sCEREMONY TOKEN%s (valid %s, operator %s)\n",
		ColorBold, ColorReset, *ttl, *operator)
	fmt.Fprintln(stdout, token)
	fmt.Fprintf(stdout, "%sverifier public key: %s%s\n",
		ColorGray, hex.EncodeToString(priv.Public().(ed25519.PublicKey)), ColorReset)
	return 0
}
