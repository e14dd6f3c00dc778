package scenario

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/policy"
	"github.com/Mearman/claudia/internal/probe"
	"github.com/Mearman/claudia/internal/sandbox"
	"github.com/Mearman/claudia/internal/types"
)

// Launcher supplies a fresh, unrestricted target for each scenario.
type Launcher interface {
	Target(ctx context.Context, s *Scenario) (*sandbox.Target, error)
}

// Prober runs probe cases inside an installed sandbox. *probe.Engine is the
// production implementation.
type Prober interface {
	Prepare(ctx context.Context, cases []probe.Case)
	Run(ctx context.Context, c probe.Case) probe.Result
}

// SelfLauncher hands out the calling process once. A process can host only
// one sandboxed scenario; later requests fail.
type SelfLauncher struct {
	used atomic.Bool
}

func (l *SelfLauncher) Target(context.Context, *Scenario) (*sandbox.Target, error) {
	if !l.used.CompareAndSwap(false, true) {
		return nil, errdefs.New(errdefs.CodeAlreadySandboxed, "this process already hosted a scenario")
	}
	return sandbox.Self(), nil
}

// Options configure a Runner.
type Options struct {
	Launcher Launcher
	// NewProber returns the prober for one scenario. Defaults to a probe.Engine.
	NewProber func() Prober
	Probe     probe.Options
	// Tolerant treats every scenario as tolerant of indeterminate probes.
	Tolerant bool
}

type cacheKey struct {
	digest   string
	platform types.Platform
}

// Runner compiles, installs and probes scenarios with one backend.
type Runner struct {
	backend sandbox.Backend
	opts    Options
	env     Environment

	mu      sync.Mutex
	cache   map[cacheKey]*sandbox.CompiledPolicy
	handles map[uuid.UUID]string
}

// NewRunner returns a Runner installing with b.
func NewRunner(b sandbox.Backend, opts Options) *Runner {
	if opts.Launcher == nil {
		opts.Launcher = &SelfLauncher{}
	}
	if opts.NewProber == nil {
		po := opts.Probe
		opts.NewProber = func() Prober { return probe.New(po) }
	}
	return &Runner{
		backend: b,
		opts:    opts,
		env:     DetectEnvironment(b),
		cache:   make(map[cacheKey]*sandbox.CompiledPolicy),
		handles: make(map[uuid.UUID]string),
	}
}

// Environment returns the host metadata attached to every report.
func (r *Runner) Environment() Environment { return r.env }

// Compile returns the compiled program for p on the runner's platform,
// reusing an earlier compile of an identical policy. Compiled programs are
// immutable and shared between scenarios.
func (r *Runner) Compile(p *policy.Policy) (*sandbox.CompiledPolicy, error) {
	key := cacheKey{digest: p.Digest(), platform: r.backend.Platform()}
	r.mu.Lock()
	cp, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		log.Trace("compile cache hit for %q", p.Name())
		return cp, nil
	}
	cp, err := sandbox.Compile(p, key.platform)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if prev, ok := r.cache[key]; ok {
		cp = prev
	} else {
		r.cache[key] = cp
	}
	r.mu.Unlock()
	return cp, nil
}

// claimHandle records h for scenario name. A handle id seen before means
// enforcement state leaked between scenarios.
func (r *Runner) claimHandle(h *sandbox.Handle, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.handles[h.ID]; ok {
		return errdefs.New(errdefs.CodeInstall, "handle %s already used by scenario %q", h.ID, prev)
	}
	r.handles[h.ID] = name
	return nil
}

// RunScenario compiles the scenario's policy, installs it into a fresh target
// and runs the probes sequentially in declaration order. Cancellation is
// checked before each probe, never during one. Any failure to reach an
// installed, active sandbox fails the whole scenario.
func (r *Runner) RunScenario(ctx context.Context, s Scenario) *Report {
	tolerant := s.Tolerant || r.opts.Tolerant
	rep := &Report{
		Name:        s.Name,
		Kind:        s.Kind,
		Tolerant:    tolerant,
		Environment: r.env,
		Started:     time.Now(),
	}
	defer rep.finish()

	if !s.AppliesTo(r.backend.Platform()) {
		log.Named(s.Name).Info("not applicable on %s", r.backend.Platform())
		rep.Verdict = VerdictSkipped
		rep.Cases = caseReports(s.Cases, StatusSkipped)
		return rep
	}
	if err := s.Validate(); err != nil {
		return r.abort(rep, s, errdefs.Wrap(errdefs.CodeInvalidRule, err, "invalid scenario"))
	}

	var cp *sandbox.CompiledPolicy
	p, err := s.BuildPolicy()
	if err == nil {
		cp, err = r.Compile(p)
	}
	if s.ExpectError != "" {
		return r.checkExpectedError(rep, s, err)
	}
	if err != nil {
		return r.abort(rep, s, err)
	}

	if err := ctx.Err(); err != nil {
		rep.Cases = caseReports(s.Cases, StatusCancelled)
		rep.Err = err
		return rep
	}

	prober := r.opts.NewProber()
	prober.Prepare(ctx, s.Cases)

	target, err := r.opts.Launcher.Target(ctx, &s)
	if err != nil {
		return r.abort(rep, s, fmt.Errorf("obtaining target: %w", err))
	}
	h, err := r.backend.Install(ctx, target, cp)
	if err != nil {
		return r.abort(rep, s, err)
	}
	if err := r.claimHandle(h, s.Name); err != nil {
		return r.abort(rep, s, err)
	}
	rep.Handle = h
	diag := r.backend.Describe(h)
	rep.Diagnostic = &diag
	if !r.backend.IsActive(h) {
		return r.abort(rep, s, errdefs.New(errdefs.CodeInstall, "%s reports no active restrictions after install", h))
	}
	log.Named(s.Name).Debug("installed %s", h)

	rep.Cases = make([]CaseReport, 0, len(s.Cases))
	for i, c := range s.Cases {
		if err := ctx.Err(); err != nil {
			log.Named(s.Name).Warn("cancelled before case %d", i)
			rep.Cases = append(rep.Cases, caseReports(s.Cases[i:], StatusCancelled)...)
			break
		}
		res := prober.Run(ctx, c)
		cr := CaseReport{Case: c, Result: res}
		switch {
		case res.Indeterminate() && tolerant:
			cr.Status = StatusSkipped
		case res.Matches(c.Expected):
			cr.Status = StatusPass
		default:
			cr.Status = StatusFail
		}
		log.Named(s.Name).Debug("%s expected %s observed %s: %s", c, c.Expected, res.Outcome, cr.Status)
		rep.Cases = append(rep.Cases, cr)
	}
	return rep
}

func (r *Runner) abort(rep *Report, s Scenario, err error) *Report {
	log.Named(s.Name).Error("%v", err)
	rep.Err = err
	rep.Cases = caseReports(s.Cases, StatusNotRun)
	return rep
}

// checkExpectedError passes a scenario whose compile was meant to fail with
// s.ExpectError naming s.ExpectRule.
func (r *Runner) checkExpectedError(rep *Report, s Scenario, err error) *Report {
	if err == nil {
		rep.Err = errdefs.New(errdefs.CodeInstall, "expected %s, but the policy compiled for %s", s.ExpectError, r.backend.Platform())
		rep.Verdict = VerdictFail
		return rep
	}
	rep.Err = err
	var se *errdefs.Error
	switch {
	case !errors.As(err, &se) || se.Code != s.ExpectError:
		rep.Verdict = VerdictFail
	case s.ExpectRule != "" && se.Rule != s.ExpectRule:
		rep.Verdict = VerdictFail
	default:
		rep.Verdict = VerdictPass
	}
	log.Named(s.Name).Debug("compile failed as expected? %v: %v", rep.Verdict == VerdictPass, err)
	return rep
}

func caseReports(cases []probe.Case, status CaseStatus) []CaseReport {
	out := make([]CaseReport, len(cases))
	for i, c := range cases {
		out[i] = CaseReport{Case: c, Status: status}
	}
	return out
}

// RunSuite runs the suite's scenarios with at most parallelism in flight.
// Each scenario gets its own target and handle; reports keep suite order.
func (r *Runner) RunSuite(ctx context.Context, suite *Suite, parallelism int) *SuiteReport {
	return runSuite(ctx, suite, parallelism, r.env, r.RunScenario)
}

func runSuite(ctx context.Context, suite *Suite, parallelism int, env Environment,
	run func(context.Context, Scenario) *Report) *SuiteReport {
	if parallelism < 1 {
		parallelism = 1
	}
	sr := &SuiteReport{
		Name:        suite.Name,
		Kind:        suite.Kind,
		Environment: env,
		Reports:     make([]*Report, len(suite.Scenarios)),
		Started:     time.Now(),
	}

	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, s := range suite.Scenarios {
		g.Go(func() error {
			sr.Reports[i] = run(ctx, s)
			return nil
		})
	}
	_ = g.Wait()

	sr.Finished = time.Now()
	pass, fail, skipped := sr.Counts()
	log.Info("suite %q: %d passed, %d failed, %d skipped", suite.Name, pass, fail, skipped)
	return sr
}
