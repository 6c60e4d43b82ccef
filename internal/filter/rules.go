package filter

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/fetchq/fetchq/internal/domain"
)

// DomainRule blocks URLs whose host matches or is a subdomain of any
// listed domain. Unparseable URLs are blocked rather than allowed
// through.
type DomainRule struct {
	name    string
	domains []string
}

// NewDomainRule creates a domain blocklist rule. Domains are normalized
// to lowercase; a leading "www." on the URL host is ignored.
func NewDomainRule(name string, domains []string) *DomainRule {
	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	return &DomainRule{name: name, domains: normalized}
}

func (r *DomainRule) Name() string { return r.name }

func (r *DomainRule) Evaluate(rawURL string) domain.Verdict {
	u, err := url.Parse(strings.TrimSpace(strings.ToLower(rawURL)))
	if err != nil || u.Hostname() == "" {
		// Fail safe: a URL we cannot classify is not let through.
		return domain.Blocked(fmt.Sprintf("%s: unparseable URL", r.name))
	}

	host := strings.TrimPrefix(u.Hostname(), "www.")
	for _, d := range r.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return domain.Blocked(fmt.Sprintf("%s: domain %s is blocked", r.name, d))
		}
	}
	return domain.Undecided()
}

// KeywordRule blocks URLs containing any listed keyword, matched on word
// boundaries to limit false positives.
type KeywordRule struct {
	name    string
	pattern *regexp.Regexp
}

// NewKeywordRule compiles a keyword alternation. It errors on an empty
// keyword list.
func NewKeywordRule(name string, keywords []string) (*KeywordRule, error) {
	quoted := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k != "" {
			quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(k)))
		}
	}
	if len(quoted) == 0 {
		return nil, fmt.Errorf("keyword rule %q: no keywords", name)
	}
	pattern, err := regexp.Compile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	if err != nil {
		return nil, fmt.Errorf("keyword rule %q: %w", name, err)
	}
	return &KeywordRule{name: name, pattern: pattern}, nil
}

func (r *KeywordRule) Name() string { return r.name }

func (r *KeywordRule) Evaluate(rawURL string) domain.Verdict {
	if m := r.pattern.FindString(rawURL); m != "" {
		return domain.Blocked(fmt.Sprintf("%s: keyword %q is blocked", r.name, strings.ToLower(m)))
	}
	return domain.Undecided()
}

// PatternRule matches a URL against a regular expression and either
// blocks it or records an explicit Allow. An allow verdict does not
// exempt the URL from later blocking rules; only the absence of any
// block lets a job through.
type PatternRule struct {
	name    string
	pattern *regexp.Regexp
	verdict domain.Verdict
}

// NewPatternRule compiles a pattern rule. action must be "allow" or
// "block".
func NewPatternRule(name, pattern, action string) (*PatternRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("pattern rule %q: invalid pattern %q: %w", name, pattern, err)
	}

	var verdict domain.Verdict
	switch action {
	case "allow":
		verdict = domain.Allowed()
	case "block":
		verdict = domain.Blocked(fmt.Sprintf("%s: URL matches blocked pattern", name))
	default:
		return nil, fmt.Errorf("pattern rule %q: unknown action %q", name, action)
	}
	return &PatternRule{name: name, pattern: re, verdict: verdict}, nil
}

func (r *PatternRule) Name() string { return r.name }

func (r *PatternRule) Evaluate(rawURL string) domain.Verdict {
	if r.pattern.MatchString(rawURL) {
		return r.verdict
	}
	return domain.Undecided()
}
