package policy

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalizer canonicalises filesystem paths for matching and compilation.
// It expands ~ and environment variables and resolves . and .. segments.
// It never touches the filesystem, so symlinks are left as written.
type Normalizer struct {
	homeDir string
	env     map[string]string
}

// NewNormalizer creates a Normalizer from the process environment.
func NewNormalizer() *Normalizer {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = ""
	}
	env := make(map[string]string)
	for _, e := range os.Environ() {
		if key, value, ok := strings.Cut(e, "="); ok {
			env[key] = value
		}
	}
	return &Normalizer{homeDir: filepath.ToSlash(homeDir), env: env}
}

// NewNormalizerWithEnv creates a Normalizer with a fixed home directory and
// environment. Used by tests and by callers that compile for another host.
func NewNormalizerWithEnv(homeDir string, env map[string]string) *Normalizer {
	if env == nil {
		env = make(map[string]string)
	}
	return &Normalizer{homeDir: filepath.ToSlash(homeDir), env: env}
}

// HomeDir returns the home directory used for ~ expansion.
func (n *Normalizer) HomeDir() string {
	return n.homeDir
}

// Normalize returns the canonical form of p, or "" if p is empty after
// cleanup or names an undefined variable.
// Rules, in order:
//  1. trim whitespace, drop NUL bytes and invisible format characters
//  2. NFKC so compatibility forms ("／ｅｔｃ") collapse to ASCII
//  3. expand ~ and $VAR / ${VAR}
//  4. convert separators to / and resolve . and .. lexically
func (n *Normalizer) Normalize(p string) string {
	p, err := n.expand(p)
	if err != nil || p == "" {
		return ""
	}
	return cleanSlash(p)
}

// NormalizePattern applies the same cleanup as Normalize without resolving
// . and .. so glob syntax survives. Callers validate traversal separately.
// A reference to an undefined variable is an error: expanding it to nothing
// would widen the pattern.
func (n *Normalizer) NormalizePattern(p string) (string, error) {
	return n.expand(p)
}

// UndefinedVarError reports a $VAR that is unset or empty.
type UndefinedVarError struct {
	Name string
}

func (e *UndefinedVarError) Error() string {
	return fmt.Sprintf("undefined or empty variable $%s", e.Name)
}

func (n *Normalizer) expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\x00", "")
	if p == "" {
		return "", nil
	}
	p = strings.ToValidUTF8(p, "\uFFFD")
	p = norm.NFKC.String(p)
	p = stripInvisible(p)
	p = filepath.ToSlash(p)
	p = n.expandTilde(p)
	p, err := n.expandEnvVars(p)
	if err != nil {
		return "", err
	}
	// Expansion can join a base rune with combining marks.
	return norm.NFKC.String(p), nil
}

func (n *Normalizer) expandTilde(p string) string {
	if n.homeDir == "" {
		return p
	}
	if p == "~" {
		return n.homeDir
	}
	if strings.HasPrefix(p, "~/") {
		return n.homeDir + p[1:]
	}
	return p
}

// expandEnvVars repeats expansion until stable so nested references such as
// "${${A}}" cannot smuggle a new variable past a single pass.
func (n *Normalizer) expandEnvVars(p string) (string, error) {
	const maxIterations = 5
	var undefined string
	for range maxIterations {
		prev := p
		p = os.Expand(p, func(key string) string {
			if key == "HOME" && n.homeDir != "" {
				return n.homeDir
			}
			v, ok := n.env[key]
			if (!ok || v == "") && undefined == "" {
				undefined = key
			}
			return v
		})
		if undefined != "" {
			return "", &UndefinedVarError{Name: undefined}
		}
		if p == prev {
			break
		}
	}
	return p, nil
}

// isAbs reports whether p is rooted: "/..." or a drive-letter path.
func isAbs(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && p[2] == '/' && unicode.IsLetter(rune(p[0]))
}

// cleanSlash resolves . and .. with forward-slash semantics.
// path.Clean is used instead of filepath.Clean so "//" is never read as a UNC prefix.
func cleanSlash(p string) string {
	cleaned := path.Clean(p)
	if strings.HasPrefix(p, "/") && !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

// stripInvisible removes zero-width and other format characters that render as
// nothing but would make "/e‍tc" miss an "/etc" rule.
func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)
}
