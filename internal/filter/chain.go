package filter

import (
	"github.com/fetchq/fetchq/internal/domain"
)

// Chain evaluates an ordered list of rules against a URL. The first rule
// returning Block short-circuits; Allow and Indeterminate verdicts fall
// through, so a later rule can still block. A chain where nothing blocks
// allows.
type Chain struct {
	rules []domain.FilterRule
}

// NewChain creates a chain over the given rules, evaluated in order.
func NewChain(rules ...domain.FilterRule) *Chain {
	return &Chain{rules: rules}
}

// Append registers an additional rule at the end of the chain.
func (c *Chain) Append(rule domain.FilterRule) {
	c.rules = append(c.rules, rule)
}

// Rules returns the registered rules in evaluation order.
func (c *Chain) Rules() []domain.FilterRule {
	return c.rules
}

// Evaluate classifies a URL. The returned verdict's Reason names the
// deciding rule for blocks.
func (c *Chain) Evaluate(url string) domain.Verdict {
	for _, rule := range c.rules {
		v := rule.Evaluate(url)
		if v.Decision == domain.Block {
			if v.Reason == "" {
				v.Reason = "blocked by " + rule.Name()
			}
			return v
		}
	}
	return domain.Allowed()
}
