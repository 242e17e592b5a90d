// Package policy evaluates gateway eligibility rules expressed as
// boolean expressions over the attributes of a payment attempt.
package policy

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// RuleConfig is one eligibility rule in stored form. The expression
// must evaluate to a boolean; a false result denies the attempt.
type RuleConfig struct {
	Name       string
	Expression string
}

// Decision is the outcome of evaluating all rules for one attempt.
type Decision struct {
	Allowed  bool
	DeniedBy string
}

// Attempt carries the variables rules may reference.
type Attempt struct {
	Gateway  string
	Amount   float64
	Currency string
	Extra    map[string]any
}

type compiledRule struct {
	name string
	expr *govaluate.EvaluableExpression
}

// Enforcer holds compiled rules. Compilation happens once at
// construction so a malformed expression fails fast.
type Enforcer struct {
	rules []compiledRule
}

func NewEnforcer(configs []RuleConfig) (*Enforcer, error) {
	rules := make([]compiledRule, 0, len(configs))
	for _, cfg := range configs {
		expr, err := govaluate.NewEvaluableExpression(cfg.Expression)
		if err != nil {
			return nil, fmt.Errorf("policy: compile rule %q: %w", cfg.Name, err)
		}
		rules = append(rules, compiledRule{name: cfg.Name, expr: expr})
	}
	return &Enforcer{rules: rules}, nil
}

// Evaluate runs every rule against the attempt. The first rule that
// yields false denies; an expression error also denies, carrying the
// rule name, so a broken rule never silently waves payments through.
func (e *Enforcer) Evaluate(attempt Attempt) (Decision, error) {
	params := map[string]any{
		"gateway":  attempt.Gateway,
		"amount":   attempt.Amount,
		"currency": attempt.Currency,
	}
	for k, v := range attempt.Extra {
		params[k] = v
	}

	for _, rule := range e.rules {
		result, err := rule.expr.Evaluate(params)
		if err != nil {
			return Decision{Allowed: false, DeniedBy: rule.name},
				fmt.Errorf("policy: evaluate rule %q: %w", rule.name, err)
		}
		allowed, ok := result.(bool)
		if !ok {
			return Decision{Allowed: false, DeniedBy: rule.name},
				fmt.Errorf("policy: rule %q did not return a boolean", rule.name)
		}
		if !allowed {
			return Decision{Allowed: false, DeniedBy: rule.name}, nil
		}
	}
	return Decision{Allowed: true}, nil
}
