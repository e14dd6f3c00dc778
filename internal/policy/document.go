package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/fileutil"
	"github.com/Mearman/claudia/internal/types"
)

// DocumentVersion is the only document schema version understood.
const DocumentVersion = 1

// Format selects the document syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatForPath picks a format from the file extension.
func FormatForPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json", ".jsonc":
		return FormatJSON, true
	}
	return "", false
}

// Document is the serialised form of a Policy. Field order is the emitted key order.
type Document struct {
	Version    int     `yaml:"version" json:"version"`
	Name       string  `yaml:"name,omitempty" json:"name,omitempty"`
	Filesystem []Entry `yaml:"filesystem,omitempty" json:"filesystem,omitempty"`
	Network    []Entry `yaml:"network,omitempty" json:"network,omitempty"`
	Capability []Entry `yaml:"capability,omitempty" json:"capability,omitempty"`
	Syscall    []Entry `yaml:"syscall,omitempty" json:"syscall,omitempty"`
}

// Entry is one rule: a single-key mapping from effect to matcher,
// e.g. "deny: /etc/*".
type Entry struct {
	Effect  types.Effect
	Pattern string
}

func (e Entry) MarshalYAML() (any, error) {
	return map[string]string{string(e.Effect): e.Pattern}, nil
}

func (e *Entry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return fmt.Errorf("line %d: rule must be a single 'allow: <matcher>' or 'deny: <matcher>' mapping", value.Line)
	}
	var pattern string
	if err := value.Content[1].Decode(&pattern); err != nil {
		return fmt.Errorf("line %d: matcher must be a string: %w", value.Line, err)
	}
	return e.set(value.Content[0].Value, pattern)
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{string(e.Effect): e.Pattern})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("rule must be an object with one string field: %w", err)
	}
	if len(m) != 1 {
		return fmt.Errorf("rule must have exactly one of 'allow' or 'deny', got %d keys", len(m))
	}
	for k, v := range m {
		return e.set(k, v)
	}
	return nil
}

func (e *Entry) set(effect, pattern string) error {
	switch types.Effect(effect) {
	case types.EffectAllow, types.EffectDeny:
	default:
		return fmt.Errorf("unknown effect %q (valid: allow, deny)", effect)
	}
	e.Effect = types.Effect(effect)
	e.Pattern = pattern
	return nil
}

func (d *Document) entries(class types.ResourceClass) *[]Entry {
	switch class {
	case types.ClassFilesystem:
		return &d.Filesystem
	case types.ClassNetwork:
		return &d.Network
	case types.ClassCapability:
		return &d.Capability
	case types.ClassSyscall:
		return &d.Syscall
	}
	return nil
}

// ToDocument converts a policy to its document form.
func ToDocument(p *Policy) *Document {
	d := &Document{Version: DocumentVersion, Name: p.Name()}
	for _, class := range types.AllClasses() {
		list := d.entries(class)
		for _, r := range p.RulesFor(class) {
			*list = append(*list, Entry{Effect: r.Effect, Pattern: r.Pattern})
		}
	}
	return d
}

// FromDocument builds a policy, validating every rule. Errors name the
// offending rule by class and index.
func FromDocument(d *Document, n *Normalizer) (*Policy, error) {
	if d.Version != DocumentVersion {
		return nil, errdefs.New(errdefs.CodeInvalidRule, "unsupported document version %d (want %d)", d.Version, DocumentVersion)
	}
	p := New(d.Name)
	for _, class := range types.AllClasses() {
		for i, e := range *d.entries(class) {
			r, err := NewRuleWith(n, class, e.Pattern, e.Effect)
			if err != nil {
				var se *errdefs.Error
				if errors.As(err, &se) {
					return nil, errdefs.ForRule(errdefs.CodeInvalidRule,
						fmt.Sprintf("%s[%d] %s %s", class, i, e.Effect, e.Pattern), "%s", se.Message)
				}
				return nil, err
			}
			if err := p.AddRule(r); err != nil {
				return nil, err
			}
		}
	}
	// Construction bumps the revision per rule; a freshly decoded policy starts at zero.
	p.revision = 0
	return p, nil
}

// Encode serialises p in the given format with keys in fixed order.
func Encode(p *Policy, format Format) ([]byte, error) {
	d := ToDocument(p)
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return nil, fmt.Errorf("encoding policy: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encoding policy: %w", err)
		}
		return buf.Bytes(), nil
	case FormatJSON:
		out, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding policy: %w", err)
		}
		return append(out, '\n'), nil
	}
	return nil, fmt.Errorf("unknown document format %q", format)
}

// Decode parses a document. Unknown keys are rejected in both formats.
// JSON input may carry comments and trailing commas.
func Decode(data []byte, format Format) (*Policy, error) {
	return DecodeWith(data, format, DefaultNormalizer())
}

// DecodeWith is Decode with an explicit Normalizer.
func DecodeWith(data []byte, format Format, n *Normalizer) (*Policy, error) {
	var d Document
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&d); err != nil && !errors.Is(err, io.EOF) {
			return nil, errdefs.Wrap(errdefs.CodeInvalidRule, err, "parsing policy document")
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&d); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeInvalidRule, err, "parsing policy document")
		}
	default:
		return nil, fmt.Errorf("unknown document format %q", format)
	}
	return FromDocument(&d, n)
}

// LoadFile reads and decodes the policy document at path. A document without
// a name takes the file's base name.
func LoadFile(path string) (*Policy, error) {
	format, ok := FormatForPath(path)
	if !ok {
		return nil, fmt.Errorf("%s: unrecognised policy file extension", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	p, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name() == "" {
		p.name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// WriteFile encodes p to path in the format implied by its extension.
func WriteFile(path string, p *Policy) error {
	format, ok := FormatForPath(path)
	if !ok {
		return fmt.Errorf("%s: unrecognised policy file extension", path)
	}
	data, err := Encode(p, format)
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, data)
}
