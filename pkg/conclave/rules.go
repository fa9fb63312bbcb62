package conclave

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// SpeechRule is one CEL rank constraint over a debate contribution.
// The expression must evaluate to true for a compliant speech; a false
// result records a violation in the minutes but never suppresses the
// speech itself.
type SpeechRule struct {
	Name string
	Expr string
}

// DefaultSpeechRules are the standing orders: the opening round
// belongs to the ranks that define execution, and the witness Knight
// speaks only to procedure.
func DefaultSpeechRules() []SpeechRule {
	return []SpeechRule{
		{
			Name: "opening_round_seniority",
			Expr: `round > 1 || rank in ["king", "duke"]`,
		},
		{
			Name: "witness_speaks_to_procedure",
			Expr: `rank != "knight" || motion_kind == "procedural"`,
		},
	}
}

// SpeechInput is the evaluation context for the rules.
type SpeechInput struct {
	ArchonID   string
	Rank       string
	Branch     string
	MotionKind MotionKind
	Round      int // 1-based debate round
}

// RuleEngine compiles and caches the speech rules.
type RuleEngine struct {
	env   *cel.Env
	rules []SpeechRule

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewRuleEngine compiles nothing eagerly; rules are compiled on first
// evaluation and cached.
func NewRuleEngine(rules []SpeechRule) (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("archon_id", cel.StringType),
		cel.Variable("rank", cel.StringType),
		cel.Variable("branch", cel.StringType),
		cel.Variable("motion_kind", cel.StringType),
		cel.Variable("round", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("speech rule environment: %w", err)
	}
	return &RuleEngine{
		env:   env,
		rules: rules,
		cache: make(map[string]cel.Program),
	}, nil
}

// Violations returns the names of every rule the speech breaks. A rule
// that fails to evaluate is reported as a violation of itself; the
// standing orders fail closed.
func (e *RuleEngine) Violations(in SpeechInput) ([]string, error) {
	input := map[string]any{
		"archon_id":   in.ArchonID,
		"rank":        in.Rank,
		"branch":      in.Branch,
		"motion_kind": string(in.MotionKind),
		"round":       in.Round,
	}
	var violated []string
	for _, rule := range e.rules {
		ok, err := e.eval(rule.Expr, input)
		if err != nil {
			return nil, fmt.Errorf("speech rule %s: %w", rule.Name, err)
		}
		if !ok {
			violated = append(violated, rule.Name)
		}
	}
	return violated, nil
}

func (e *RuleEngine) eval(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.cache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is %T, want bool", out.Value())
	}
	return val, nil
}
