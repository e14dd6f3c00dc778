package policy

import (
	"encoding/hex"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/types"
)

// MaxRulesPerClass bounds the number of rules a single class may hold.
const MaxRulesPerClass = 256

// Policy is an ordered rule set. Rules are kept per class in declaration
// order and evaluated first-match-wins; a target no rule matches is denied.
// A Policy is safe for concurrent use.
type Policy struct {
	mu       sync.RWMutex
	name     string
	rules    map[types.ResourceClass][]Rule
	revision uint64
}

// New returns an empty policy. An empty policy denies everything.
func New(name string) *Policy {
	return &Policy{
		name:  name,
		rules: make(map[types.ResourceClass][]Rule),
	}
}

// Name returns the policy name.
func (p *Policy) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// SetName renames the policy.
func (p *Policy) SetName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
	p.revision++
}

// AddRule appends r to the end of its class.
func (p *Policy) AddRule(r Rule) error {
	if !r.Valid() {
		return errdefs.ForRule(errdefs.CodeInvalidRule, r.String(), "rule was not built with NewRule")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rules[r.Class]) >= MaxRulesPerClass {
		return errdefs.ForRule(errdefs.CodeInvalidRule, Ref(r, len(p.rules[r.Class])),
			"class %s already holds %d rules", r.Class, MaxRulesPerClass)
	}
	p.rules[r.Class] = append(p.rules[r.Class], r)
	p.revision++
	return nil
}

// Add builds a rule and appends it.
func (p *Policy) Add(class types.ResourceClass, pattern string, effect types.Effect) error {
	r, err := NewRule(class, pattern, effect)
	if err != nil {
		return err
	}
	return p.AddRule(r)
}

// Rules returns every rule, grouped by class in canonical class order.
func (p *Policy) Rules() []Rule {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Rule
	for _, c := range types.AllClasses() {
		out = append(out, p.rules[c]...)
	}
	return out
}

// RulesFor returns a copy of the rules of one class in declaration order.
func (p *Policy) RulesFor(class types.ResourceClass) []Rule {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Rule(nil), p.rules[class]...)
}

// Len returns the total number of rules.
func (p *Policy) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, rs := range p.rules {
		n += len(rs)
	}
	return n
}

// Revision increases on every mutation.
func (p *Policy) Revision() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.revision
}

// Matches evaluates target against the rules of class.
func (p *Policy) Matches(class types.ResourceClass, target string) types.Effect {
	e, _ := p.MatchRule(class, target)
	return e
}

// MatchRule returns the effect and the index (within class) of the deciding
// rule, or -1 when no rule matched and the default Deny applied.
func (p *Policy) MatchRule(class types.ResourceClass, target string) (types.Effect, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i, r := range p.rules[class] {
		if r.Match(target) {
			log.Trace("%s %q matched %s", class, target, Ref(r, i))
			return r.Effect, i
		}
	}
	return types.EffectDeny, -1
}

// Equal reports whether both policies have the same name and the same rules
// in the same order.
func (p *Policy) Equal(o *Policy) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Name() != o.Name() {
		return false
	}
	for _, c := range types.AllClasses() {
		a, b := p.RulesFor(c), o.RulesFor(c)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
	}
	return true
}

// Digest is the hex blake3 hash of the canonical YAML document.
// Two policies with the same digest compile to the same program.
func (p *Policy) Digest() string {
	doc, err := Encode(p, FormatYAML)
	if err != nil {
		// Encode only fails on a broken writer; fall back to hashing nothing.
		log.Error("encoding policy %q for digest: %v", p.Name(), err)
	}
	sum := blake3.Sum256(doc)
	return hex.EncodeToString(sum[:])
}
