package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Mearman/claudia/internal/completion"
	"github.com/Mearman/claudia/internal/config"
	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/fileutil"
	"github.com/Mearman/claudia/internal/logger"
	"github.com/Mearman/claudia/internal/policy"
	"github.com/Mearman/claudia/internal/sandbox"
	"github.com/Mearman/claudia/internal/scenario"
	"github.com/Mearman/claudia/internal/types"
)

// Version is set at build time via ldflags: -X main.Version=x.y.z
var Version = "0.1.0"

var log = logger.New("main")

// Exit codes shared by every subcommand.
const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	if completion.Run(completion.PolicyNames(storedPolicyNames)) {
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// cli carries the streams and configuration of one invocation.
type cli struct {
	stdin          io.Reader
	stdout, stderr io.Writer
	cfg            *config.Config
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger.SetOutput(stderr)
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	switch args[0] {
	case "compile":
		return c.runCompile(ctx, args[1:])
	case "scenario":
		return c.runScenario(ctx, args[1:])
	case "suite":
		return c.runSuite(ctx, args[1:])
	case "env":
		return c.runEnv(args[1:])
	case "completion":
		return c.runCompletion(args[1:])
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	case "version", "-v", "--version":
		fmt.Fprintf(stdout, "claudia version %s\n", Version)
		return exitOK
	}
	fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
	printUsage(stderr)
	return exitUsage
}

// commonFlags registers the flags every subcommand accepts.
type commonFlags struct {
	configPath string
	logLevel   string
	noColor    bool
}

func newFlagSet(name string, stderr io.Writer) (*pflag.FlagSet, *commonFlags) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", config.DefaultConfigPath(), "Path to configuration file")
	fs.StringVar(&cf.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	fs.BoolVar(&cf.noColor, "no-color", false, "Disable colored log output")
	return fs, cf
}

// setup loads configuration, applies environment and flag overrides, validates
// the result and configures logging.
func (c *cli) setup(cf *commonFlags) error {
	cfg, err := config.LoadWithEnv(cf.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cf.logLevel != "" {
		cfg.Log.Level = types.LogLevel(cf.logLevel)
	}
	if cf.noColor {
		cfg.Log.NoColor = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.SetGlobalLevelFrom(cfg.Log.Level)
	logger.SetColored(!cfg.Log.NoColor)
	c.cfg = cfg
	return nil
}

func (c *cli) writeJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadPolicy reads a policy file, or looks the name up in the policy
// directory. It also returns the file the policy came from.
func (c *cli) loadPolicy(ref string) (*policy.Policy, string, error) {
	if _, ok := policy.FormatForPath(ref); ok {
		if _, err := os.Stat(ref); err == nil {
			p, err := policy.LoadFile(ref)
			return p, ref, err
		}
	}
	store := policy.NewStore(c.cfg.PolicyDir())
	if _, err := store.Load(); err != nil {
		return nil, "", err
	}
	p, ok := store.Get(ref)
	if !ok {
		return nil, "", fmt.Errorf("no policy named %q in %s", ref, store.Dir())
	}
	source, _ := store.Path(ref)
	return p, source, nil
}

type compileSummary struct {
	Policy       string         `json:"policy"`
	Source       string         `json:"source,omitempty"`
	Platform     types.Platform `json:"platform"`
	Rules        int            `json:"rules"`
	Digest       string         `json:"digest"`
	SourceDigest string         `json:"source_digest"`
	Size         int            `json:"size"`
	Error        *errdefs.Error `json:"error,omitempty"`
}

func summarize(p *policy.Policy, platform types.Platform) (compileSummary, *sandbox.CompiledPolicy) {
	s := compileSummary{Policy: p.Name(), Platform: platform, Rules: p.Len(), SourceDigest: p.Digest()}
	cp, err := sandbox.Compile(p, platform)
	if err != nil {
		var se *errdefs.Error
		if !errors.As(err, &se) {
			se = errdefs.Wrap(errdefs.CodeInvalidRule, err, "compile failed")
		}
		s.Error = se
		return s, nil
	}
	s.Digest = cp.Digest()
	s.Size = len(cp.Bytes())
	return s, cp
}

// runCompile handles the compile subcommand
func (c *cli) runCompile(ctx context.Context, args []string) int {
	fs, cf := newFlagSet("compile", c.stderr)
	platformFlag := fs.String("platform", string(types.CurrentPlatform()), "Target platform: linux, darwin, windows")
	out := fs.StringP("output", "o", "", "Write the compiled program to this file")
	watch := fs.Bool("watch", false, "Recompile policies in the policy directory whenever they change")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if err := c.setup(cf); err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitFail
	}
	platform, err := types.ParsePlatform(*platformFlag)
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitUsage
	}
	if *watch {
		return c.watchCompile(ctx, platform)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(c.stderr, "Usage: claudia compile [--platform P] [-o file] <policy-file|name>")
		return exitUsage
	}

	p, source, err := c.loadPolicy(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitFail
	}
	summary, cp := summarize(p, platform)
	summary.Source = source
	if cp != nil && *out != "" {
		if err := fileutil.WriteAtomic(*out, cp.Bytes()); err != nil {
			fmt.Fprintf(c.stderr, "writing %s: %v\n", *out, err)
			return exitFail
		}
	}
	if err := c.writeJSON(summary); err != nil {
		return exitFail
	}
	if cp == nil {
		return exitFail
	}
	return exitOK
}

// watchCompile recompiles every changed policy until ctx is cancelled.
func (c *cli) watchCompile(ctx context.Context, platform types.Platform) int {
	// The directory may not exist yet on a fresh install.
	if err := fileutil.MkdirPrivate(c.cfg.PolicyDir()); err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitFail
	}
	store := policy.NewStore(c.cfg.PolicyDir())
	names, err := store.Load()
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitFail
	}
	compileNames := func(names []string) {
		for _, name := range names {
			p, ok := store.Get(name)
			if !ok {
				log.Info("policy %q removed", name)
				continue
			}
			summary, _ := summarize(p, platform)
			summary.Source, _ = store.Path(name)
			if summary.Error != nil {
				log.Warn("policy %q does not compile for %s: %v", name, platform, summary.Error)
			}
			_ = c.writeJSON(summary)
		}
	}
	compileNames(names)

	w, err := policy.NewWatcher(store, 0)
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitFail
	}
	w.Subscribe(compileNames)
	if err := w.Start(); err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitFail
	}
	<-ctx.Done()
	if err := w.Stop(); err != nil {
		log.Warn("stopping watcher: %v", err)
	}
	return exitOK
}

// runScenario runs one scenario in this process. Without --suite the
// scenario is read as JSON from stdin; this is how suite children run.
func (c *cli) runScenario(ctx context.Context, args []string) int {
	fs, cf := newFlagSet("scenario", c.stderr)
	suitePath := fs.String("suite", "", "Suite file holding the scenario")
	name := fs.String("name", "", "Scenario name within the suite")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if err := c.setup(cf); err != nil {
		scenario.WriteSetupError(c.stderr, errdefs.Wrap(errdefs.CodeInvalidRule, err, "configuration"))
		return scenario.ExitSetupError
	}
	runner := scenario.NewRunner(sandbox.Detect(), scenario.Options{
		Probe:    c.cfg.Probe.Options(),
		Tolerant: c.cfg.Runner.Tolerant,
	})

	if *suitePath == "" {
		return scenario.ServeChild(ctx, runner, c.stdin, c.stdout, c.stderr)
	}
	suite, err := scenario.LoadSuite(*suitePath)
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitFail
	}
	s, ok := suite.Lookup(*name)
	if !ok {
		fmt.Fprintf(c.stderr, "suite %q has no scenario %q\n", suite.Name, *name)
		return exitUsage
	}
	rep := runner.RunScenario(ctx, *s)
	if err := c.writeJSON(rep); err != nil {
		return exitFail
	}
	if rep.Verdict == scenario.VerdictFail {
		return exitFail
	}
	return exitOK
}

// runSuite runs every scenario of a suite file, each in a fresh child process.
func (c *cli) runSuite(ctx context.Context, args []string) int {
	fs, cf := newFlagSet("suite", c.stderr)
	parallelism := fs.IntP("parallelism", "j", 0, "Scenarios to run at once (default from config)")
	tolerant := fs.Bool("tolerant", false, "Skip indeterminate probes instead of failing them")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(c.stderr, "Usage: claudia suite [-j N] [--tolerant] <suite.yaml>")
		return exitUsage
	}
	if err := c.setup(cf); err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitFail
	}
	if *parallelism > 0 {
		c.cfg.Runner.Parallelism = *parallelism
	}
	if *tolerant {
		c.cfg.Runner.Tolerant = true
	}

	suite, err := scenario.LoadSuite(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitFail
	}
	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(c.stderr, "locating executable: %v\n", err)
		return exitFail
	}

	// Children see only the sanitized environment, so settings travel as SANDBOX_* variables.
	childEnv := map[string]string{
		"SANDBOX_LOG_LEVEL": string(c.cfg.Log.Level),
		"SANDBOX_TOLERANT":  strconv.FormatBool(c.cfg.Runner.Tolerant),
	}
	if c.cfg.Policy.Dir != "" {
		childEnv["SANDBOX_POLICY_DIR"] = c.cfg.Policy.Dir
	}
	for k, v := range childEnv {
		if err := os.Setenv(k, v); err != nil {
			log.Warn("setting %s: %v", k, err)
		}
	}

	launcher := &scenario.ExecLauncher{Command: []string{self, "scenario", "--config", cf.configPath}, Stderr: c.stderr}
	env := scenario.DetectEnvironment(sandbox.Detect())
	sr := scenario.ExecSuite(ctx, launcher, suite, c.cfg.Runner.Parallelism, env)
	if err := c.writeJSON(sr); err != nil {
		return exitFail
	}
	if !sr.Passed() {
		return exitFail
	}
	return exitOK
}

// runEnv prints the host environment as the runner reports it.
func (c *cli) runEnv(args []string) int {
	fs, cf := newFlagSet("env", c.stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if err := c.setup(cf); err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitFail
	}
	if err := c.writeJSON(scenario.DetectEnvironment(sandbox.Detect())); err != nil {
		return exitFail
	}
	return exitOK
}

// storedPolicyNames lists the policy directory for shell completion. Any
// failure just means nothing to offer.
func storedPolicyNames() []string {
	cfg, err := config.LoadWithEnv(config.DefaultConfigPath())
	if err != nil {
		return nil
	}
	store := policy.NewStore(cfg.PolicyDir())
	if _, err := store.Load(); err != nil {
		return nil
	}
	return store.Names()
}

func (c *cli) runCompletion(args []string) int {
	fs := pflag.NewFlagSet("completion", pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	doInstall := fs.Bool("install", false, "Install shell completion")
	doUninstall := fs.Bool("uninstall", false, "Remove shell completion")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	switch {
	case *doInstall && *doUninstall:
		fmt.Fprintln(c.stderr, "--install and --uninstall are mutually exclusive")
		return exitUsage
	case *doInstall:
		if err := completion.Install(); err != nil {
			fmt.Fprintf(c.stderr, "failed to install completion: %v\n", err)
			return exitFail
		}
		fmt.Fprintln(c.stdout, "Shell completion installed. Restart your shell to use it.")
	case *doUninstall:
		if err := completion.Uninstall(); err != nil {
			fmt.Fprintf(c.stderr, "failed to remove completion: %v\n", err)
			return exitFail
		}
		fmt.Fprintln(c.stdout, "Shell completion removed.")
	default:
		if completion.IsInstalled() {
			fmt.Fprintln(c.stdout, "Shell completion is installed.")
		} else {
			fmt.Fprintln(c.stdout, "Shell completion is not installed. Run: claudia completion --install")
		}
	}
	return exitOK
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `claudia - per-process sandbox policy compiler and verifier

Usage:
  claudia compile [flags] <policy-file|name>  Compile a policy for a platform
  claudia compile --watch                     Recompile policies in the policy directory on change
  claudia scenario [--suite F --name N]       Run one scenario in this process (JSON on stdin by default)
  claudia suite [flags] <suite.yaml>          Run a suite, one child process per scenario
  claudia env                                 Show the host platform and sandbox primitive
  claudia completion [--install|--uninstall]  Manage shell tab-completion
  claudia help                                Show this help message
  claudia version                             Show version

Common Flags:
  --config string       Path to configuration file (default ~/.claudia/config.yaml)
  --log-level string    Log level: trace, debug, info, warn, error
  --no-color            Disable colored log output

Compile Flags:
  --platform string     Target platform: linux, darwin, windows (default: this host)
  -o, --output string   Write the compiled program to this file

Suite Flags:
  -j, --parallelism int Scenarios to run at once (default from config)
  --tolerant            Skip indeterminate probes instead of failing them

Environment Variables:
  SANDBOX_LOG_LEVEL     Overrides log.level
  SANDBOX_POLICY_DIR    Overrides policy.dir
  SANDBOX_PARALLELISM   Overrides runner.parallelism
  SANDBOX_TOLERANT      Overrides runner.tolerant

Exit Status:
  0 every scenario passed or was skipped, 1 a scenario failed,
  2 usage error, 125 a scenario child could not start its sandbox`)
}
