package agent

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedInvoker replays canned responses keyed by archon id and
// role. Orchestrator tests drive whole sessions through it.
type ScriptedInvoker struct {
	mu        sync.Mutex
	responses map[string][]string // "<archon_id>/<role>" -> queued texts
	fallback  string
	failures  map[string]error
	calls     []Invocation
}

func NewScriptedInvoker(fallback string) *ScriptedInvoker {
	return &ScriptedInvoker{
		responses: make(map[string][]string),
		failures:  make(map[string]error),
		fallback:  fallback,
	}
}

func scriptKey(archonID string, role Role) string {
	return archonID + "/" + string(role)
}

// Queue appends a response for the archon/role pair. Responses are
// consumed in order; when exhausted, the fallback answers.
func (s *ScriptedInvoker) Queue(archonID string, role Role, texts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scriptKey(archonID, role)
	s.responses[key] = append(s.responses[key], texts...)
}

// Fail makes every invocation for the archon/role pair return err.
func (s *ScriptedInvoker) Fail(archonID string, role Role, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[scriptKey(archonID, role)] = err
}

// Calls returns every invocation received, in order.
func (s *ScriptedInvoker) Calls() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Invocation, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *ScriptedInvoker) Invoke(ctx context.Context, inv Invocation) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, inv)

	key := scriptKey(inv.ArchonID, inv.Role)
	if err, ok := s.failures[key]; ok {
		return Response{}, fmt.Errorf("scripted failure for %s: %w", key, err)
	}
	if queue := s.responses[key]; len(queue) > 0 {
		text := queue[0]
		s.responses[key] = queue[1:]
		return Response{Text: text}, nil
	}
	return Response{Text: s.fallback}, nil
}
