package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/archonhq/archon72/pkg/canonicalize"
	"github.com/archonhq/archon72/pkg/crypto"
)

// Clerk assembles, signs, witnesses and appends events on behalf of an
// agent. It reads the chain head, signs over the signable content and
// retries a bounded number of times when another writer moves the head
// first.
type Clerk struct {
	ledger       *Ledger
	agentID      string
	signer       crypto.Signer
	signingKeyID string
	witnessID    string
	witness      crypto.Signer
	hashAlg      canonicalize.HashAlg
	maxRetries   int
}

// NewClerk creates a Clerk. signingKeyID and the witness signer's key
// must already be registered in the key registry.
func NewClerk(l *Ledger, agentID string, signer crypto.Signer, signingKeyID, witnessID string, witness crypto.Signer) *Clerk {
	return &Clerk{
		ledger:       l,
		agentID:      agentID,
		signer:       signer,
		signingKeyID: signingKeyID,
		witnessID:    witnessID,
		witness:      witness,
		hashAlg:      canonicalize.HashAlgSHA256,
		maxRetries:   5,
	}
}

// WithHashAlg selects the content-hash algorithm family.
func (c *Clerk) WithHashAlg(alg canonicalize.HashAlg) *Clerk {
	c.hashAlg = alg
	return c
}

// Record marshals payload, signs it against the current chain head and
// appends it. Contention on the head is retried; every other failure
// propagates unchanged.
func (c *Clerk) Record(ctx context.Context, eventType, schemaVersion string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	canonical, err := canonicalize.CanonicalRaw(raw)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		prevHash := canonicalize.GenesisHash
		head, err := c.ledger.Head(ctx)
		if err != nil {
			return Event{}, err
		}
		if head != nil {
			prevHash = head.ContentHash
		}

		signable := canonicalize.SignableContent(eventType, canonical, prevHash)
		sig, err := c.signer.Sign(signable)
		if err != nil {
			return Event{}, fmt.Errorf("sign: %w", err)
		}
		witnessSig, err := c.witness.Sign(signable)
		if err != nil {
			return Event{}, fmt.Errorf("witness sign: %w", err)
		}

		ev, err := c.ledger.Append(ctx, AppendRequest{
			EventID:          uuid.New().String(),
			EventType:        eventType,
			SchemaVersion:    schemaVersion,
			Payload:          raw,
			PrevHash:         prevHash,
			HashAlgVersion:   int(c.hashAlg),
			SigAlgVersion:    1,
			AgentID:          c.agentID,
			WitnessID:        c.witnessID,
			Signature:        sig,
			SigningKeyID:     c.signingKeyID,
			WitnessSignature: witnessSig,
			LocalTimestamp:   time.Now().UTC(),
		})
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, ErrChainViolation) {
			return Event{}, err
		}
		lastErr = err
	}
	return Event{}, fmt.Errorf("head contention exhausted retries: %w", lastErr)
}
