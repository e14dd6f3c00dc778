package scenario

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Mearman/claudia/internal/errdefs"
	"github.com/Mearman/claudia/internal/probe"
	"github.com/Mearman/claudia/internal/sandbox"
)

// CaseStatus is the verdict for one probe case.
type CaseStatus string

const (
	StatusPass CaseStatus = "pass"
	StatusFail CaseStatus = "fail"
	// StatusSkipped marks an indeterminate probe in a tolerant scenario.
	StatusSkipped CaseStatus = "skipped"
	// StatusCancelled marks cases not run because the scenario was cancelled.
	StatusCancelled CaseStatus = "cancelled"
	// StatusNotRun marks cases not run because the sandbox was never installed.
	StatusNotRun CaseStatus = "not_run"
)

// CaseReport pairs a case with its observation.
type CaseReport struct {
	Case   probe.Case   `json:"case"`
	Status CaseStatus   `json:"status"`
	Result probe.Result `json:"result"`
}

// Verdict is the overall outcome of a scenario.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictSkipped Verdict = "skipped"
)

// Report is the result of one scenario. It is read-only once returned.
type Report struct {
	Name       string              `json:"name"`
	Kind       Kind                `json:"kind,omitempty"`
	Tolerant   bool                `json:"tolerant,omitempty"`
	Verdict    Verdict             `json:"verdict"`
	Cases      []CaseReport        `json:"cases"`
	Err        error               `json:"-"`
	Handle     *sandbox.Handle     `json:"handle,omitempty"`
	Diagnostic *sandbox.Diagnostic `json:"diagnostic,omitempty"`
	// Environment describes the host that ran the scenario.
	Environment Environment `json:"environment"`
	Started     time.Time   `json:"started"`
	Finished    time.Time   `json:"finished"`
}

// Passed reports whether the verdict is Pass.
func (r *Report) Passed() bool { return r.Verdict == VerdictPass }

// Failed returns the cases that did not pass or skip.
func (r *Report) Failed() []CaseReport {
	var out []CaseReport
	for _, c := range r.Cases {
		if c.Status != StatusPass && c.Status != StatusSkipped {
			out = append(out, c)
		}
	}
	return out
}

type reportError struct {
	Code    errdefs.Code `json:"code,omitempty"`
	Rule    string       `json:"rule,omitempty"`
	Message string       `json:"message"`
}

func (r *Report) MarshalJSON() ([]byte, error) {
	type alias Report
	out := struct {
		*alias
		Error *reportError `json:"error,omitempty"`
	}{alias: (*alias)(r)}
	if r.Err != nil {
		out.Error = &reportError{Code: errdefs.CodeOf(r.Err), Message: r.Err.Error()}
		var se *errdefs.Error
		if errors.As(r.Err, &se) {
			out.Error.Rule = se.Rule
		}
	}
	return json.Marshal(out)
}

func (r *Report) UnmarshalJSON(data []byte) error {
	type alias Report
	in := struct {
		*alias
		Error *reportError `json:"error,omitempty"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Error != nil {
		r.Err = &errdefs.Error{Code: in.Error.Code, Rule: in.Error.Rule, Message: in.Error.Message}
	}
	return nil
}

// finish computes the verdict: Pass iff no case failed or was left unrun
// and no error occurred; Skipped when every case was skipped.
func (r *Report) finish() {
	r.Finished = time.Now()
	if r.Verdict != "" {
		return
	}
	if r.Err != nil {
		r.Verdict = VerdictFail
		return
	}
	skipped := 0
	for _, c := range r.Cases {
		switch c.Status {
		case StatusFail, StatusCancelled, StatusNotRun:
			r.Verdict = VerdictFail
			return
		case StatusSkipped:
			skipped++
		}
	}
	if len(r.Cases) > 0 && skipped == len(r.Cases) {
		r.Verdict = VerdictSkipped
		return
	}
	r.Verdict = VerdictPass
}

// SuiteReport aggregates the reports of one suite run, in suite order.
type SuiteReport struct {
	Name        string      `json:"name"`
	Kind        Kind        `json:"kind,omitempty"`
	Environment Environment `json:"environment"`
	Reports     []*Report   `json:"reports"`
	Started     time.Time   `json:"started"`
	Finished    time.Time   `json:"finished"`
}

// Passed reports whether no scenario failed. Skipped scenarios do not fail a suite.
func (s *SuiteReport) Passed() bool {
	for _, r := range s.Reports {
		if r == nil || r.Verdict == VerdictFail {
			return false
		}
	}
	return true
}

// Counts returns the number of scenarios per verdict.
func (s *SuiteReport) Counts() (pass, fail, skipped int) {
	for _, r := range s.Reports {
		switch {
		case r == nil, r.Verdict == VerdictFail:
			fail++
		case r.Verdict == VerdictSkipped:
			skipped++
		default:
			pass++
		}
	}
	return pass, fail, skipped
}
