package permission

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/scenehost/internal/ir"
)

// RuleSpec is a configured policy rule. When is an expr-lang boolean
// expression over scene, realm, kind and value; Decision is "allow" or
// "deny".
type RuleSpec struct {
	When     string `yaml:"when" json:"when"`
	Decision string `yaml:"decision" json:"decision"`
}

// Rule is a compiled RuleSpec.
type Rule struct {
	spec    RuleSpec
	value   Value
	program *vm.Program
}

// ruleEnv is the environment rule expressions are evaluated in.
type ruleEnv struct {
	Scene string `expr:"scene"`
	Realm string `expr:"realm"`
	Kind  string `expr:"kind"`
	Value any    `expr:"value"`
}

func envFor(req *Request) ruleEnv {
	env := ruleEnv{
		Scene: string(req.Scene),
		Realm: req.Realm,
		Kind:  string(req.Kind),
	}
	if req.Value != nil {
		env.Value = ir.ToGo(req.Value)
	}
	return env
}

// CompileRule compiles a rule. The expression must evaluate to a bool.
func CompileRule(spec RuleSpec) (*Rule, error) {
	v, err := ParseValue(spec.Decision)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", spec.When, err)
	}
	if v != Allow && v != Deny {
		return nil, fmt.Errorf("rule %q: decision must be allow or deny", spec.When)
	}
	program, err := expr.Compile(spec.When, expr.Env(ruleEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", spec.When, err)
	}
	return &Rule{spec: spec, value: v, program: program}, nil
}

// CompileRules compiles every spec, failing on the first invalid one.
func CompileRules(specs []RuleSpec) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(specs))
	for _, s := range specs {
		r, err := CompileRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Match evaluates the rule against req. A rule that fails at runtime (for
// example by indexing a missing field) does not match.
func (r *Rule) Match(req *Request) (Value, bool) {
	out, err := expr.Run(r.program, envFor(req))
	if err != nil {
		return Deny, false
	}
	if ok, _ := out.(bool); ok {
		return r.value, true
	}
	return Deny, false
}

func (r *Rule) String() string { return r.spec.When }
