// Package matcher evaluates ordered command rules and detects conflicts
// between them. Matching is a pure function over a compiled Set.
package matcher

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/dgraph-io/ristretto/v2"

	"cmdgate/internal/domain"
)

// InvalidPatternError reports a rule whose pattern does not compile. The
// rule is left out of the Set, which makes it inactive for matching.
type InvalidPatternError struct {
	RuleID  string
	Pattern string
	Err     error
}

func (e InvalidPatternError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("invalid pattern %q: %v", e.Pattern, e.Err)
	}
	return fmt.Sprintf("rule %s: invalid pattern %q: %v", e.RuleID, e.Pattern, e.Err)
}

func (e InvalidPatternError) Unwrap() error { return e.Err }

// CompilePattern compiles a rule pattern with the matching flags used at
// submission time.
func CompilePattern(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	re, err := compileExpr(pattern, caseInsensitive)
	if err != nil {
		return nil, InvalidPatternError{Pattern: pattern, Err: err}
	}
	return re, nil
}

func compileExpr(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	if caseInsensitive {
		return regexp.Compile("(?i)" + pattern)
	}
	return regexp.Compile(pattern)
}

type compiledRule struct {
	rule domain.Rule
	re   *regexp.Regexp
}

// Set is an immutable, priority-ordered collection of compiled active rules.
type Set struct {
	rules []compiledRule
}

// Len returns the number of rules that take part in matching.
func (s Set) Len() int { return len(s.rules) }

// Rules returns the matching rules in evaluation order.
func (s Set) Rules() []domain.Rule {
	out := make([]domain.Rule, 0, len(s.rules))
	for _, cr := range s.rules {
		out = append(out, cr.rule)
	}
	return out
}

// Match returns the first rule in ascending seq order whose pattern is found
// anywhere in text.
func (s Set) Match(text string) (domain.Rule, bool) {
	for _, cr := range s.rules {
		if cr.re.MatchString(text) {
			return cr.rule, true
		}
	}
	return domain.Rule{}, false
}

type cachedPattern struct {
	pattern string
	folded  bool
	re      *regexp.Regexp
}

// Compiler builds Sets and keeps compiled patterns keyed by rule id so a
// reload does not recompile unchanged rules. A nil *Compiler compiles
// without caching.
type Compiler struct {
	CaseInsensitive bool
	cache           *ristretto.Cache[string, cachedPattern]
}

// NewCompiler creates a Compiler holding at most maxEntries compiled patterns.
func NewCompiler(caseInsensitive bool, maxEntries int64) (*Compiler, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, cachedPattern]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("pattern cache: %w", err)
	}
	return &Compiler{CaseInsensitive: caseInsensitive, cache: c}, nil
}

func (c *Compiler) caseInsensitive() bool {
	return c == nil || c.CaseInsensitive
}

func (c *Compiler) compile(r domain.Rule) (*regexp.Regexp, *InvalidPatternError) {
	folded := c.caseInsensitive()
	if c != nil && c.cache != nil && r.ID != "" {
		if hit, ok := c.cache.Get(r.ID); ok && hit.pattern == r.Pattern && hit.folded == folded {
			return hit.re, nil
		}
	}
	re, err := compileExpr(r.Pattern, folded)
	if err != nil {
		return nil, &InvalidPatternError{RuleID: r.ID, Pattern: r.Pattern, Err: err}
	}
	if c != nil && c.cache != nil && r.ID != "" {
		c.cache.Set(r.ID, cachedPattern{pattern: r.Pattern, folded: folded, re: re}, 1)
	}
	return re, nil
}

// Compile orders rules by seq and compiles the active ones. Rules whose
// pattern fails to compile are excluded and reported in the returned slice.
func (c *Compiler) Compile(rules []domain.Rule) (Set, []InvalidPatternError) {
	ordered := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })
	var (
		set     Set
		invalid []InvalidPatternError
	)
	for _, r := range ordered {
		re, bad := c.compile(r)
		if bad != nil {
			invalid = append(invalid, *bad)
			continue
		}
		set.rules = append(set.rules, compiledRule{rule: r, re: re})
	}
	return set, invalid
}

// Invalidate drops the cached pattern for a rule after it changes.
func (c *Compiler) Invalidate(ruleID string) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Del(ruleID)
}

// Close releases the cache.
func (c *Compiler) Close() {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Close()
}
