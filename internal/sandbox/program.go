package sandbox

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/policy"
	"github.com/Mearman/claudia/internal/types"
)

// programVersion is bumped whenever the encoded program layout changes.
const programVersion = 1

// Program is the platform-specific enforcement program. Exactly one of the
// platform sections is set, matching Platform.
type Program struct {
	Version  int               `cbor:"1,keyasint"`
	Platform types.Platform    `cbor:"2,keyasint"`
	Linux    *LandlockProgram  `cbor:"3,keyasint,omitempty"`
	Darwin   *SeatbeltProgram  `cbor:"4,keyasint,omitempty"`
	Windows  *JobObjectProgram `cbor:"5,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core Deterministic Encoding: sorted map keys, shortest integers,
	// definite lengths. The same program always yields the same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sandbox: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("sandbox: CBOR decoder initialization failed: " + err.Error())
	}
}

// CompiledPolicy is the immutable result of Compile: an opaque, deterministic
// program for one platform. It is safe to share between goroutines.
type CompiledPolicy struct {
	platform     types.Platform
	name         string
	ruleCount    int
	sourceDigest string
	data         []byte
	digest       string
}

// Platform returns the platform the program was compiled for.
func (cp *CompiledPolicy) Platform() types.Platform { return cp.platform }

// Name returns the source policy name.
func (cp *CompiledPolicy) Name() string { return cp.name }

// RuleCount returns the number of rules in the source policy.
func (cp *CompiledPolicy) RuleCount() int { return cp.ruleCount }

// SourceDigest returns the digest of the policy the program was compiled from.
func (cp *CompiledPolicy) SourceDigest() string { return cp.sourceDigest }

// Digest returns the hex blake3 digest of the encoded program.
func (cp *CompiledPolicy) Digest() string { return cp.digest }

// Bytes returns a copy of the encoded program.
func (cp *CompiledPolicy) Bytes() []byte {
	return append([]byte(nil), cp.data...)
}

// Stale reports whether p no longer matches the policy this program was
// compiled from. Stale programs are recompiled, never patched.
func (cp *CompiledPolicy) Stale(p *policy.Policy) bool {
	return p.Digest() != cp.sourceDigest
}

// Program decodes the platform program. Backends call this during Install.
func (cp *CompiledPolicy) Program() (*Program, error) {
	return decodeProgram(cp.data)
}

func (cp *CompiledPolicy) String() string {
	return fmt.Sprintf("%s/%s (%d rules, %s)", cp.name, cp.platform, cp.ruleCount, shortDigest(cp.digest))
}

func newCompiledPolicy(p *policy.Policy, prog *Program) (*CompiledPolicy, error) {
	data, err := encMode.Marshal(prog)
	if err != nil {
		return nil, fmt.Errorf("encoding %s program: %w", prog.Platform, err)
	}
	sum := blake3.Sum256(data)
	return &CompiledPolicy{
		platform:     prog.Platform,
		name:         p.Name(),
		ruleCount:    p.Len(),
		sourceDigest: p.Digest(),
		data:         data,
		digest:       hex.EncodeToString(sum[:]),
	}, nil
}

func decodeProgram(data []byte) (*Program, error) {
	var prog Program
	if err := decMode.Unmarshal(data, &prog); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeInstall, err, "decoding compiled program")
	}
	if prog.Version != programVersion {
		return nil, errdefs.New(errdefs.CodeInstall, "compiled program version %d, want %d", prog.Version, programVersion)
	}
	var ok bool
	switch prog.Platform {
	case types.PlatformLinux:
		ok = prog.Linux != nil
	case types.PlatformDarwin:
		ok = prog.Darwin != nil
	case types.PlatformWindows:
		ok = prog.Windows != nil
	}
	if !ok {
		return nil, errdefs.New(errdefs.CodeInstall, "compiled program has no %q section", prog.Platform)
	}
	return &prog, nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
