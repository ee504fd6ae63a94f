package policy

import (
	"context"

	"github.com/polisai/polis-roots/pkg/security"
)

// Chain composes multiple rule evaluators, short-circuiting on the first
// denial.
type Chain struct {
	evaluators []security.RuleEvaluator
}

// NewChain constructs an evaluator chain. Nil evaluators are skipped.
func NewChain(evaluators ...security.RuleEvaluator) Chain {
	c := Chain{}
	for _, e := range evaluators {
		if e != nil {
			c.evaluators = append(c.evaluators, e)
		}
	}
	return c
}

// Evaluate runs the chain until an evaluator denies or errors.
func (c Chain) Evaluate(ctx context.Context, input security.RuleInput) (security.RuleDecision, error) {
	for _, e := range c.evaluators {
		decision, err := e.Evaluate(ctx, input)
		if err != nil {
			return security.RuleDecision{}, err
		}
		if !decision.Allow {
			return decision, nil
		}
	}
	return security.RuleDecision{Allow: true}, nil
}

// AllowFunc adapts a plain predicate into a RuleEvaluator.
type AllowFunc func(ctx context.Context, input security.RuleInput) (bool, string)

// Evaluate calls f.
func (f AllowFunc) Evaluate(ctx context.Context, input security.RuleInput) (security.RuleDecision, error) {
	allow, reason := f(ctx, input)
	return security.RuleDecision{Allow: allow, Reason: reason}, nil
}
