package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/Mearman/claudia/internal/errdefs"
)

// Exit codes of a scenario child process.
const (
	ExitPass = 0
	ExitFail = 1
	// ExitSetupError means the child could not run the scenario at all. The
	// last line of its stderr is a JSON errdefs.Error. Distinct from command
	// exit codes (0-124) and signal deaths (128+N).
	ExitSetupError = 125
)

// ExecLauncher runs each scenario in a fresh child process, so every
// scenario gets its own unrestricted target. The child is Command followed
// by no extra arguments; it reads the scenario as JSON on stdin and writes
// its Report as JSON on stdout (see ServeChild).
type ExecLauncher struct {
	Command []string
	// Stderr receives the child's log output. Defaults to os.Stderr.
	Stderr io.Writer
}

// RunScenario runs s in a child process and returns its report. Failures to
// start the child or decode its report fail the scenario.
func (l *ExecLauncher) RunScenario(ctx context.Context, s Scenario) *Report {
	started := time.Now()
	rep, err := l.run(ctx, s)
	if err != nil {
		log.Error("%s: %v", s.Name, err)
		rep = &Report{
			Name:    s.Name,
			Kind:    s.Kind,
			Err:     err,
			Cases:   caseReports(s.Cases, StatusNotRun),
			Started: started,
		}
		rep.finish()
	}
	return rep
}

func (l *ExecLauncher) run(ctx context.Context, s Scenario) (*Report, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("no child command configured")
	}
	input, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding scenario: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.Command[0], l.Command[1:]...) // nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Env = sanitizedEnv()

	// Tee stderr so the structured error on its last line can be parsed.
	dest := l.Stderr
	if dest == nil {
		dest = os.Stderr
	}
	stderrTee := &lastLineWriter{dest: dest}
	cmd.Stderr = stderrTee

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start scenario child: %w", err)
	}
	err = cmd.Wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == ExitSetupError {
			if se := parseSetupError(stderrTee.LastLine()); se != nil {
				return nil, se
			}
			return nil, errdefs.New(errdefs.CodeInstall, "scenario child failed during setup")
		}
		if code != ExitFail {
			return nil, fmt.Errorf("scenario child exited with %d", code)
		}
	} else if err != nil {
		return nil, fmt.Errorf("scenario child failed: %w", err)
	}

	var rep Report
	if err := json.Unmarshal(stdout.Bytes(), &rep); err != nil {
		return nil, fmt.Errorf("decoding child report: %w", err)
	}
	return &rep, nil
}

// ExecSuite runs every scenario of suite in its own child process, with at
// most parallelism children at once.
func ExecSuite(ctx context.Context, l *ExecLauncher, suite *Suite, parallelism int, env Environment) *SuiteReport {
	return runSuite(ctx, suite, parallelism, env, l.RunScenario)
}

// ServeChild is the child side of ExecLauncher: it decodes one scenario from
// in, runs it with r and writes the report to out. The returned exit code
// follows the Exit* constants.
func ServeChild(ctx context.Context, r *Runner, in io.Reader, out, errOut io.Writer) int {
	var s Scenario
	dec := json.NewDecoder(in)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		WriteSetupError(errOut, errdefs.Wrap(errdefs.CodeInvalidRule, err, "decoding scenario"))
		return ExitSetupError
	}
	rep := r.RunScenario(ctx, s)
	enc := json.NewEncoder(out)
	if err := enc.Encode(rep); err != nil {
		WriteSetupError(errOut, errdefs.Wrap(errdefs.CodeInstall, err, "encoding report"))
		return ExitSetupError
	}
	if rep.Verdict == VerdictFail {
		return ExitFail
	}
	return ExitPass
}

// WriteSetupError writes e as the JSON line ExecLauncher looks for on a
// child's stderr before it exits with ExitSetupError.
func WriteSetupError(w io.Writer, e *errdefs.Error) {
	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(w, "%v\n", e)
		return
	}
	fmt.Fprintf(w, "%s\n", data)
}

// parseSetupError extracts a structured error from the last line of stderr.
// Returns nil if the line is not valid JSON or doesn't match the error schema.
func parseSetupError(lastLine []byte) *errdefs.Error {
	lastLine = bytes.TrimRight(lastLine, "\r\n")
	if len(lastLine) == 0 || lastLine[0] != '{' {
		return nil
	}
	var se errdefs.Error
	if err := json.Unmarshal(lastLine, &se); err != nil {
		return nil //nolint:nilerr // not a valid error JSON, ignore
	}
	if se.Code == "" || se.Message == "" {
		return nil
	}
	return &se
}

// lastLineWriter writes all data to dest while tracking the last complete line.
type lastLineWriter struct {
	dest     io.Writer
	mu       sync.Mutex
	lastLine []byte
	partial  []byte // incomplete line (no trailing newline yet)
}

func (w *lastLineWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := w.dest.Write(p)
	if n == 0 {
		return n, err
	}

	w.mu.Lock()
	w.partial = append(w.partial, p[:n]...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		w.lastLine = append(w.lastLine[:0], w.partial[:idx]...)
		w.partial = w.partial[idx+1:]
	}
	w.mu.Unlock()

	return n, err
}

// LastLine returns the last complete line written, or the remaining partial if no newline was seen.
func (w *lastLineWriter) LastLine() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		return w.partial
	}
	return w.lastLine
}

// sanitizedEnv returns a minimal environment for scenario children. Only
// allowlisted variables pass through, plus the SANDBOX_* configuration.
func sanitizedEnv() []string {
	var env []string
	for _, key := range safeEnvKeys() {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

// safeEnvKeys returns the platform-appropriate set of safe environment variable names.
func safeEnvKeys() []string {
	keys := []string{"SANDBOX_LOG_LEVEL", "SANDBOX_POLICY_DIR", "SANDBOX_PARALLELISM", "SANDBOX_TOLERANT"}
	if runtime.GOOS == "windows" {
		return append(keys,
			"PATH", "USERPROFILE", "USERNAME", "HOMEDRIVE", "HOMEPATH",
			"LANG", "TERM", "TEMP", "TMP", "TZ",
			"SYSTEMROOT", "COMSPEC", "PATHEXT",
		)
	}
	return append(keys, "PATH", "HOME", "USER", "LANG", "LC_ALL", "TERM", "SHELL", "TMPDIR", "TZ")
}
