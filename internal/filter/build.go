package filter

import (
	"fmt"

	"github.com/fetchq/fetchq/internal/config"
	"github.com/fetchq/fetchq/internal/domain"
)

// FromConfig builds a chain from configured rules, preserving file
// order.
func FromConfig(configs []config.FilterConfig) (*Chain, error) {
	rules := make([]domain.FilterRule, 0, len(configs))
	for _, fc := range configs {
		rule, err := ruleFromConfig(fc)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return NewChain(rules...), nil
}

func ruleFromConfig(fc config.FilterConfig) (domain.FilterRule, error) {
	switch fc.Type {
	case "domains":
		return NewDomainRule(fc.Name, fc.Domains), nil
	case "keywords":
		return NewKeywordRule(fc.Name, fc.Keywords)
	case "pattern":
		return NewPatternRule(fc.Name, fc.Pattern, fc.Action)
	default:
		return nil, fmt.Errorf("filter %q: unknown type %q", fc.Name, fc.Type)
	}
}
