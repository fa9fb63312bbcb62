// Package agent defines the seam between the orchestrators and the
// reasoning agents behind the 72 Archons. The orchestrators never see
// prompts, models or providers; they hand an invocation to an Invoker
// and receive text back.
package agent

import (
	"context"
	"errors"
)

// ErrInvocationTimeout is returned when an invocation exceeds its
// per-call deadline.
var ErrInvocationTimeout = errors.New("agent invocation timed out")

// Role names the register an Archon is invoked in.
type Role string

const (
	RoleSpeech    Role = "speech"
	RoleVote      Role = "vote"
	RoleSecretary Role = "secretary"
	RoleWitness   Role = "witness"
	RoleAdjudicator Role = "adjudicator"
)

// Invocation is one request to an Archon's reasoning agent.
type Invocation struct {
	ArchonID string   `json:"archon_id"`
	Role     Role     `json:"role"`
	Subject  string   `json:"subject"` // motion or petition text
	Round    int      `json:"round"`
	Context  []string `json:"context"` // recent transcript entries
}

// Response is the agent's raw output.
type Response struct {
	Text string `json:"text"`
}

// Invoker produces an Archon's contribution. Implementations are
// expected to honor ctx cancellation and their own per-call timeouts.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (Response, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) (Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (Response, error) {
	return f(ctx, inv)
}
