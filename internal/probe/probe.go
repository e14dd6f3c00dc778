// Package probe performs literal resource-access attempts inside the current
// process and classifies each as allowed, denied or indeterminate.
//
// A probe never coerces an unclassifiable outcome into Allow or Deny: only a
// permission-class OS error counts as Deny and only success counts as Allow.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/logger"
	"github.com/Mearman/claudia/internal/types"
)

var log = logger.New("probe")

// Op is the operation a probe performs.
type Op string

const (
	OpRead       Op = "read"
	OpWrite      Op = "write"
	OpExecute    Op = "execute"
	OpConnect    Op = "connect"
	OpSyscall    Op = "syscall"
	OpCapability Op = "capability"
)

// opClasses lists the operations valid for each resource class. The first
// entry is the default.
var opClasses = map[types.ResourceClass][]Op{
	types.ClassFilesystem: {OpRead, OpWrite, OpExecute},
	types.ClassNetwork:    {OpConnect},
	types.ClassCapability: {OpCapability},
	types.ClassSyscall:    {OpSyscall},
}

// Outcome is the observed effect of a probe.
type Outcome string

const (
	Allow         Outcome = "allow"
	Deny          Outcome = "deny"
	Indeterminate Outcome = "indeterminate"
)

// OutcomeOf converts an expected effect to the outcome that satisfies it.
func OutcomeOf(e types.Effect) Outcome {
	switch e {
	case types.EffectAllow:
		return Allow
	case types.EffectDeny:
		return Deny
	}
	return Indeterminate
}

// Case is one attempted access and the effect the policy should produce.
type Case struct {
	Name     string              `yaml:"name" json:"name"`
	Class    types.ResourceClass `yaml:"class" json:"class"`
	Op       Op                  `yaml:"op,omitempty" json:"op,omitempty"`
	Target   string              `yaml:"target" json:"target"`
	Expected types.Effect        `yaml:"expect" json:"expected"`
}

// Operation returns the operation the case runs, defaulting by class.
func (c Case) Operation() Op {
	if c.Op != "" {
		return c.Op
	}
	if ops := opClasses[c.Class]; len(ops) > 0 {
		return ops[0]
	}
	return ""
}

// Validate rejects cases that cannot be run.
func (c Case) Validate() error {
	ref := c.Name
	if ref == "" {
		ref = string(c.Class) + " " + c.Target
	}
	if !c.Class.Valid() {
		return errdefs.ForRule(errdefs.CodeInvalidRule, ref, "unknown resource class %q", c.Class)
	}
	if !c.Expected.Valid() {
		return errdefs.ForRule(errdefs.CodeInvalidRule, ref, "expected effect must be allow or deny")
	}
	if c.Target == "" {
		return errdefs.ForRule(errdefs.CodeInvalidRule, ref, "empty target")
	}
	op := c.Operation()
	for _, valid := range opClasses[c.Class] {
		if op == valid {
			return nil
		}
	}
	return errdefs.ForRule(errdefs.CodeInvalidRule, ref, "operation %q does not apply to %s", op, c.Class)
}

func (c Case) String() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("%s %s", c.Operation(), c.Target)
}

// Result is the observation of one probe run.
type Result struct {
	Outcome  Outcome
	Latency  time.Duration
	Err      error  // raw OS error for Deny, classified error for Indeterminate
	Errno    string // symbolic errno when the OS returned one
	Attempts int
	Detail   string
}

// Indeterminate reports whether the probe could not be classified.
func (r Result) Indeterminate() bool { return r.Outcome == Indeterminate }

// Matches reports whether the observation satisfies expected.
func (r Result) Matches(expected types.Effect) bool {
	return r.Outcome != Indeterminate && r.Outcome == OutcomeOf(expected)
}

type resultJSON struct {
	Outcome   Outcome `json:"outcome"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
	Errno     string  `json:"errno,omitempty"`
	Attempts  int     `json:"attempts"`
	Detail    string  `json:"detail,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Outcome:   r.Outcome,
		LatencyMS: float64(r.Latency.Microseconds()) / 1000,
		Errno:     r.Errno,
		Attempts:  r.Attempts,
		Detail:    r.Detail,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a result reported by another process. The error
// comes back as text only.
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Result{
		Outcome:  in.Outcome,
		Latency:  time.Duration(in.LatencyMS * float64(time.Millisecond)),
		Errno:    in.Errno,
		Attempts: in.Attempts,
		Detail:   in.Detail,
	}
	if in.Error != "" {
		r.Err = errors.New(in.Error)
	}
	return nil
}

// Options bound probe execution.
type Options struct {
	ConnectTimeout time.Duration
	ExecTimeout    time.Duration
	// RetryTransient retries once when the probe's own setup fails with a
	// transient error (EINTR, EAGAIN, EMFILE, ENFILE, ENOBUFS).
	RetryTransient bool
}

// DefaultOptions returns the default probe bounds.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 3 * time.Second,
		ExecTimeout:    5 * time.Second,
		RetryTransient: true,
	}
}

// Engine runs probes. One Engine serves one scenario; probes must not run
// concurrently against the same sandbox.
type Engine struct {
	opts Options

	mu       sync.Mutex
	resolved map[string][]string
}

// New returns an Engine. Zero timeouts take the defaults.
func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = def.ExecTimeout
	}
	return &Engine{opts: opts, resolved: make(map[string][]string)}
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Prepare resolves the hostnames of connect probes before the sandbox is
// installed, so a policy that refuses DNS traffic still leaves the connect
// attempt itself to be observed. Lookup failures are not errors; those hosts
// are resolved again when the probe runs.
func (e *Engine) Prepare(ctx context.Context, cases []Case) {
	for _, c := range cases {
		if c.Operation() != OpConnect {
			continue
		}
		host, _, err := net.SplitHostPort(c.Target)
		if err != nil || net.ParseIP(host) != nil {
			continue
		}
		e.mu.Lock()
		_, done := e.resolved[host]
		e.mu.Unlock()
		if done {
			continue
		}
		lctx, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout)
		addrs, err := net.DefaultResolver.LookupIPAddr(lctx, host)
		cancel()
		if err != nil {
			log.Debug("pre-resolving %s: %v", host, err)
			continue
		}
		ips := make([]string, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IP.String())
		}
		e.mu.Lock()
		e.resolved[host] = ips
		e.mu.Unlock()
		log.Trace("pre-resolved %s to %v", host, ips)
	}
}

func (e *Engine) lookup(host string) ([]string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ips, ok := e.resolved[host]
	return ips, ok
}

// Run performs c once (twice on a transient setup failure) and classifies it.
// Run never panics on OS errors and never returns Allow or Deny for an
// outcome it cannot attribute to the permission check.
func (e *Engine) Run(ctx context.Context, c Case) Result {
	if err := c.Validate(); err != nil {
		return indeterminate(err, 0, 0)
	}
	if err := ctx.Err(); err != nil {
		return indeterminate(errdefs.Wrap(errdefs.CodeProbeIndeterminate, err, "%s", c), 0, 0)
	}

	op := c.Operation()
	var (
		detail   string
		err      error
		latency  time.Duration
		attempts int
	)
	for {
		attempts++
		start := time.Now()
		detail, err = e.do(ctx, op, c.Target)
		latency = time.Since(start)
		if err == nil || !e.opts.RetryTransient || attempts > 1 || !transient(err) {
			break
		}
		log.Debug("%s: transient setup error, retrying: %v", c, err)
	}

	res := Result{Latency: latency, Attempts: attempts, Detail: detail, Errno: errnoName(err)}
	res.Outcome = Classify(err)
	switch res.Outcome {
	case Deny:
		res.Err = err
	case Indeterminate:
		res.Err = errdefs.Wrap(errdefs.CodeProbeIndeterminate, err, "%s", c)
	}
	log.Debug("%s: %s in %v (attempts %d)", c, res.Outcome, latency, attempts)
	return res
}

func (e *Engine) do(ctx context.Context, op Op, target string) (string, error) {
	switch op {
	case OpRead:
		return probeRead(target)
	case OpWrite:
		return probeWrite(target)
	case OpExecute:
		return probeExecute(ctx, target, e.opts.ExecTimeout)
	case OpConnect:
		return e.probeConnect(ctx, target)
	case OpSyscall:
		return probeSyscall(target)
	case OpCapability:
		return probeCapability(ctx, target, e.opts.ExecTimeout)
	}
	return "", fmt.Errorf("unknown probe operation %q", op)
}

func indeterminate(err error, latency time.Duration, attempts int) Result {
	return Result{Outcome: Indeterminate, Err: err, Latency: latency, Attempts: attempts}
}

// errIndeterminate marks outcomes that are neither success nor an OS error,
// e.g. a syscall with no side-effect-free probe.
var errIndeterminate = errors.New("no classifiable outcome")

// Classify maps an operation error to an outcome. A nil error is Allow, a
// permission-class error is Deny, anything else (including timeouts and
// missing targets) is Indeterminate.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Allow
	case errors.Is(err, errIndeterminate):
		return Indeterminate
	case errors.Is(err, fs.ErrPermission), platformDenied(err):
		return Deny
	}
	return Indeterminate
}

var transientErrnos = []error{syscall.EINTR, syscall.EAGAIN, syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS}

func transient(err error) bool {
	for _, t := range transientErrnos {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
