package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// chatMessage is one message in an OpenAI-compatible chat request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// HTTPInvoker speaks the OpenAI-compatible chat completions protocol
// to whatever serves the Archons' reasoning agents. The archon id
// travels as the model name so the backing service can route per seat.
type HTTPInvoker struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithAPIKey sets a bearer token for the completions endpoint.
func WithAPIKey(key string) HTTPOption {
	return func(h *HTTPInvoker) { h.apiKey = key }
}

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// NewHTTPInvoker creates an invoker against an OpenAI-compatible
// chat completions endpoint.
func NewHTTPInvoker(endpoint string, opts ...HTTPOption) *HTTPInvoker {
	h := &HTTPInvoker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// roleInstruction phrases the register the agent is invoked in.
func roleInstruction(role Role) string {
	switch role {
	case RoleVote:
		return "Cast your vote on the subject. Answer with exactly one of AYE, NAY or ABSTAIN, then a one sentence rationale."
	case RoleSecretary:
		return "You are a secretary. Read the ballot text you are given and answer with exactly one of AYE, NAY or ABSTAIN."
	case RoleWitness:
		return "You are the witness. Adjudicate the disputed ballot you are given and answer with exactly one of AYE, NAY or ABSTAIN."
	case RoleAdjudicator:
		return "You sit on a panel of three adjudicating a petition. Give your assessment of the subject."
	default:
		return "You are addressing the assembly. Speak to the subject in at most three sentences."
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, inv Invocation) (Response, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Round %d.\n", inv.Round)
	if len(inv.Context) > 0 {
		user.WriteString("Recent proceedings:\n")
		for _, entry := range inv.Context {
			user.WriteString("- " + entry + "\n")
		}
	}
	user.WriteString("Subject: " + inv.Subject)

	body, err := json.Marshal(chatRequest{
		Model: inv.ArchonID,
		Messages: []chatMessage{
			{Role: "system", Content: roleInstruction(inv.Role)},
			{Role: "user", Content: user.String()},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return Response{}, fmt.Errorf("agent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("agent: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ErrInvocationTimeout
		}
		return Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("agent: endpoint returned %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Response{}, fmt.Errorf("agent: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("agent: empty choices in response")
	}

	return Response{Text: parsed.Choices[0].Message.Content}, nil
}
