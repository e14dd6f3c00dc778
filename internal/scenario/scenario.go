// Package scenario runs probe cases against freshly sandboxed targets and
// aggregates the observations into per-scenario and per-suite verdicts.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/logger"
	"github.com/Mearman/claudia/internal/policy"
	"github.com/Mearman/claudia/internal/probe"
	"github.com/Mearman/claudia/internal/types"
)

var log = logger.New("runner")

// Kind groups scenarios by how much of the system they exercise.
type Kind string

const (
	KindUnit        Kind = "unit"
	KindIntegration Kind = "integration"
	KindE2E         Kind = "e2e"
)

// Valid returns true if the Kind is a known valid value.
func (k Kind) Valid() bool {
	return k == KindUnit || k == KindIntegration || k == KindE2E
}

// Scenario is a policy plus the probes that verify it.
type Scenario struct {
	Name     string `yaml:"name" json:"name"`
	Kind     Kind   `yaml:"kind,omitempty" json:"kind,omitempty"`
	Tolerant bool   `yaml:"tolerant,omitempty" json:"tolerant,omitempty"`
	// Platforms limits the scenario to the listed platforms; elsewhere it is skipped.
	Platforms []types.Platform `yaml:"platforms,omitempty" json:"platforms,omitempty"`
	Policy    policy.Document  `yaml:"policy" json:"policy"`
	// ExpectError makes compile failure with this code the expected outcome.
	ExpectError errdefs.Code `yaml:"expect_error,omitempty" json:"expect_error,omitempty"`
	// ExpectRule is the rule reference the expected error must name.
	ExpectRule string       `yaml:"expect_rule,omitempty" json:"expect_rule,omitempty"`
	Cases      []probe.Case `yaml:"cases" json:"cases"`
}

// BuildPolicy constructs the scenario's policy. A document without a version
// is taken as the current version; one without a name takes the scenario's.
func (s *Scenario) BuildPolicy() (*policy.Policy, error) {
	d := s.Policy
	if d.Version == 0 {
		d.Version = policy.DocumentVersion
	}
	if d.Name == "" {
		d.Name = s.Name
	}
	return policy.FromDocument(&d, policy.DefaultNormalizer())
}

// AppliesTo reports whether the scenario runs on platform.
func (s *Scenario) AppliesTo(platform types.Platform) bool {
	if len(s.Platforms) == 0 {
		return true
	}
	for _, p := range s.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// Validate checks everything that does not depend on the platform.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario without a name")
	}
	if s.Kind != "" && !s.Kind.Valid() {
		return fmt.Errorf("scenario %q: unknown kind %q (valid: unit, integration, e2e)", s.Name, s.Kind)
	}
	for _, p := range s.Platforms {
		if !p.Valid() {
			return fmt.Errorf("scenario %q: unknown platform %q", s.Name, p)
		}
	}
	if s.ExpectRule != "" && s.ExpectError == "" {
		return fmt.Errorf("scenario %q: expect_rule needs expect_error", s.Name)
	}
	if s.ExpectError != "" && len(s.Cases) > 0 {
		return fmt.Errorf("scenario %q: a scenario expecting a compile error cannot run probes", s.Name)
	}
	for i, c := range s.Cases {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("scenario %q case %d: %w", s.Name, i, err)
		}
	}
	return nil
}

// Suite is a named set of scenarios, usually loaded from a YAML file.
type Suite struct {
	Name      string     `yaml:"name" json:"name"`
	Kind      Kind       `yaml:"kind,omitempty" json:"kind,omitempty"`
	Scenarios []Scenario `yaml:"scenarios" json:"scenarios"`
}

// Validate checks every scenario and rejects duplicate names.
func (s *Suite) Validate() error {
	if s.Kind != "" && !s.Kind.Valid() {
		return fmt.Errorf("suite %q: unknown kind %q", s.Name, s.Kind)
	}
	seen := make(map[string]bool)
	var errs []error
	for i := range s.Scenarios {
		sc := &s.Scenarios[i]
		if seen[sc.Name] {
			errs = append(errs, fmt.Errorf("duplicate scenario %q", sc.Name))
			continue
		}
		seen[sc.Name] = true
		if err := sc.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the scenario with the given name.
func (s *Suite) Lookup(name string) (*Scenario, bool) {
	for i := range s.Scenarios {
		if s.Scenarios[i].Name == name {
			return &s.Scenarios[i], true
		}
	}
	return nil, false
}

// DecodeSuite parses a YAML suite. Unknown keys are rejected. Scenarios
// without a kind take the suite's.
func DecodeSuite(data []byte) (*Suite, error) {
	var s Suite
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing suite: %w", err)
	}
	for i := range s.Scenarios {
		if s.Scenarios[i].Kind == "" {
			s.Scenarios[i].Kind = s.Kind
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSuite reads a suite file. A suite without a name takes the file's base name.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite: %w", err)
	}
	s, err := DecodeSuite(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		base := filepath.Base(path)
		s.Name = base[:len(base)-len(filepath.Ext(base))]
	}
	return s, nil
}
