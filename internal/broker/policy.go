package broker

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// PolicyInput is what an auto-accept policy can see.
type PolicyInput struct {
	Plugin    string
	Name      string
	Authority string
	Verdict   string
	Trusted   bool
	Reason    string
}

// Policy is a compiled CEL expression deciding auto-acceptance, such as
//
//	trusted && authority in ["acme", "example"]
type Policy struct {
	expr string
	prg  cel.Program
}

// CompilePolicy compiles expr. The expression must evaluate to a bool.
func CompilePolicy(expr string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("plugin", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("authority", cel.StringType),
		cel.Variable("verdict", cel.StringType),
		cel.Variable("trusted", cel.BoolType),
		cel.Variable("reason", cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile policy: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile policy: result is %s, want bool", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (p *Policy) String() string {
	return p.expr
}

// Allows evaluates the policy. A nil policy allows nothing.
func (p *Policy) Allows(in PolicyInput) (bool, error) {
	if p == nil {
		return false, nil
	}
	out, _, err := p.prg.Eval(map[string]any{
		"plugin":    in.Plugin,
		"name":      in.Name,
		"authority": in.Authority,
		"verdict":   in.Verdict,
		"trusted":   in.Trusted,
		"reason":    in.Reason,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	return ok && allowed, nil
}
