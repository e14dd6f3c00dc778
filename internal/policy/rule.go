// Package policy holds the sandbox policy model: ordered allow/deny rules over
// filesystem paths, network endpoints, capabilities and system calls, their
// first-match evaluation, and the on-disk document format.
package policy

import (
	"fmt"
	"sync"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/logger"
	"github.com/Mearman/claudia/internal/types"
)

var log = logger.New("policy")

var (
	defaultNormalizer     *Normalizer
	defaultNormalizerOnce sync.Once
)

// DefaultNormalizer returns the Normalizer built from the process environment
// on first use.
func DefaultNormalizer() *Normalizer {
	defaultNormalizerOnce.Do(func() {
		defaultNormalizer = NewNormalizer()
	})
	return defaultNormalizer
}

// Rule is one (class, matcher, effect) entry of a policy.
type Rule struct {
	Class   types.ResourceClass
	Pattern string
	Effect  types.Effect
	matcher Matcher
}

// NewRule validates and constructs a rule using the process environment for
// path expansion. Any malformed input yields errdefs.ErrInvalidRule.
func NewRule(class types.ResourceClass, pattern string, effect types.Effect) (Rule, error) {
	return NewRuleWith(DefaultNormalizer(), class, pattern, effect)
}

// NewRuleWith is NewRule with an explicit Normalizer.
func NewRuleWith(n *Normalizer, class types.ResourceClass, pattern string, effect types.Effect) (Rule, error) {
	ref := fmt.Sprintf("%s %s %s", class, effect, pattern)
	if !class.Valid() {
		return Rule{}, errdefs.ForRule(errdefs.CodeInvalidRule, ref, "unknown resource class")
	}
	if !effect.Valid() {
		return Rule{}, errdefs.ForRule(errdefs.CodeInvalidRule, ref, "effect must be allow or deny")
	}
	m, err := ParseMatcher(class, pattern, n)
	if err != nil {
		return Rule{}, errdefs.ForRule(errdefs.CodeInvalidRule, ref, "%v", err)
	}
	return Rule{Class: class, Pattern: pattern, Effect: effect, matcher: m}, nil
}

// Matcher returns the parsed matcher. It is nil for the zero Rule.
func (r Rule) Matcher() Matcher {
	return r.matcher
}

// Valid reports whether r was built by NewRule.
func (r Rule) Valid() bool {
	return r.matcher != nil
}

// Match reports whether target falls under this rule.
func (r Rule) Match(target string) bool {
	return r.matcher != nil && r.matcher.Match(target)
}

// Equal compares class, pattern and effect.
func (r Rule) Equal(o Rule) bool {
	return r.Class == o.Class && r.Pattern == o.Pattern && r.Effect == o.Effect
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s", r.Effect, r.Pattern)
}

// Ref names the rule at position index within its class, e.g.
// "filesystem[1] deny /etc/*". Compile and install errors carry this string.
func Ref(r Rule, index int) string {
	return fmt.Sprintf("%s[%d] %s %s", r.Class, index, r.Effect, r.Pattern)
}
