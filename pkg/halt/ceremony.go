package halt

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// restorePurpose scopes ceremony tokens to halt restoration. A token
// minted for any other purpose never clears a halt.
const restorePurpose = "archon:halt:restore:v1"

// Ceremony is the validated content of a restore ceremony token.
type Ceremony struct {
	CeremonyID string
	OperatorID string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// CeremonyIssuer mints restore ceremony tokens. Only operator tooling
// holds the private key; the circuit holds just the public half.
type CeremonyIssuer struct {
	key ed25519.PrivateKey
	ttl time.Duration
}

func NewCeremonyIssuer(key ed25519.PrivateKey, ttl time.Duration) *CeremonyIssuer {
	return &CeremonyIssuer{key: key, ttl: ttl}
}

// Issue mints a single-purpose restore token for operatorID.
func (i *CeremonyIssuer) Issue(operatorID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   operatorID,
		Audience:  jwt.ClaimStrings{restorePurpose},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign ceremony token: %w", err)
	}
	return signed, nil
}

// CeremonyValidator verifies restore ceremony tokens against the
// operator public key.
type CeremonyValidator struct {
	key ed25519.PublicKey
}

func NewCeremonyValidator(key ed25519.PublicKey) *CeremonyValidator {
	return &CeremonyValidator{key: key}
}

// Validate parses and verifies a restore token. Expired tokens, wrong
// audiences and foreign signatures all fail with ErrCeremonyInvalid.
func (v *CeremonyValidator) Validate(tokenString string) (Ceremony, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.key, nil
		},
		jwt.WithAudience(restorePurpose),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Ceremony{}, fmt.Errorf("%w: %v", ErrCeremonyInvalid, err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.ID == "" {
		return Ceremony{}, fmt.Errorf("%w: missing ceremony id", ErrCeremonyInvalid)
	}
	c := Ceremony{CeremonyID: claims.ID, OperatorID: claims.Subject}
	if claims.IssuedAt != nil {
		c.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
	}
	return c, nil
}
