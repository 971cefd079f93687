package safety

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Rule is a CEL-expressed policy check. A rule that evaluates to true
// blocks the request with its reason code. Expressions see the variables
// `query`, `skill_id`, `trust` and `payload`.
type Rule struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	ReasonCode string `yaml:"reason_code"`
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// ruleEngine compiles rules once at construction and evaluates them
// read-only afterwards.
type ruleEngine struct {
	rules []compiledRule
}

func newRuleEngine(rules []Rule) (*ruleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("query", cel.StringType),
		cel.Variable("skill_id", cel.StringType),
		cel.Variable("trust", cel.StringType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	e := &ruleEngine{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q: compile: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %q: program: %w", r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{rule: r, program: prg})
	}
	return e, nil
}

// evaluate returns the first rule that fires, or nil. Evaluation errors
// fail closed: the rule is treated as fired.
func (e *ruleEngine) evaluate(input map[string]any) (*Rule, error) {
	for i := range e.rules {
		out, _, err := e.rules[i].program.Eval(input)
		if err != nil {
			return &e.rules[i].rule, fmt.Errorf("rule %q: eval: %w", e.rules[i].rule.Name, err)
		}
		fired, ok := out.Value().(bool)
		if !ok {
			return &e.rules[i].rule, fmt.Errorf("rule %q: result not bool", e.rules[i].rule.Name)
		}
		if fired {
			return &e.rules[i].rule, nil
		}
	}
	return nil, nil
}
