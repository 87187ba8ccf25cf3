package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// DefaultDisciplineRule admits any subject holding at least one discipline.
const DefaultDisciplineRule = `size(subject.disciplines) > 0`

// Subject is the input to a discipline rule.
type Subject struct {
	UserID      string
	Age         uint8
	Disciplines []string
}

func (s Subject) activation() map[string]any {
	disciplines := s.Disciplines
	if disciplines == nil {
		disciplines = []string{}
	}
	return map[string]any{
		"subject": map[string]any{
			"user_id":     s.UserID,
			"age":         int64(s.Age),
			"disciplines": disciplines,
		},
	}
}

// DisciplinePolicy is a compiled CEL eligibility rule over `subject`.
type DisciplinePolicy struct {
	rule string
	prg  cel.Program
}

// NewDisciplinePolicy compiles rule. An empty rule selects DefaultDisciplineRule.
func NewDisciplinePolicy(rule string) (*DisciplinePolicy, error) {
	if strings.TrimSpace(rule) == "" {
		rule = DefaultDisciplineRule
	}

	env, err := cel.NewEnv(
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, iss := env.Compile(rule)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("discipline rule compile error: %w", iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("discipline rule must evaluate to bool, got %s", out)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("discipline rule program error: %w", err)
	}
	return &DisciplinePolicy{rule: rule, prg: prg}, nil
}

// MustDisciplinePolicy is like NewDisciplinePolicy but panics on a bad rule.
func MustDisciplinePolicy(rule string) *DisciplinePolicy {
	p, err := NewDisciplinePolicy(rule)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *DisciplinePolicy) Rule() string {
	return p.rule
}

// Eligible evaluates the rule. Evaluation errors are returned, never treated as eligible.
func (p *DisciplinePolicy) Eligible(ctx context.Context, s Subject) (bool, error) {
	out, _, err := p.prg.ContextEval(ctx, s.activation())
	if err != nil {
		return false, fmt.Errorf("discipline rule evaluation failed: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("discipline rule returned %T, want bool", out.Value())
	}
	return allowed, nil
}
