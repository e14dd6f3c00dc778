// Package errdefs defines the error taxonomy shared by the policy model,
// the compiler, the enforcement backends and the probe engine.
package errdefs

import (
	"errors"
	"fmt"
)

// Code classifies sandbox failures.
type Code string

const (
	CodeInvalidRule         Code = "invalid_rule"
	CodeUnsupportedResource Code = "unsupported_resource"
	CodePlatformUnsupported Code = "platform_unsupported"
	CodeAlreadySandboxed    Code = "already_sandboxed"
	CodeProbeIndeterminate  Code = "probe_indeterminate"
	CodeInstall             Code = "install_error"
)

// Sentinels for errors.Is. Every *Error matches the sentinel with the same Code.
var (
	ErrInvalidRule         = &Error{Code: CodeInvalidRule}
	ErrUnsupportedResource = &Error{Code: CodeUnsupportedResource}
	ErrPlatformUnsupported = &Error{Code: CodePlatformUnsupported}
	ErrAlreadySandboxed    = &Error{Code: CodeAlreadySandboxed}
	ErrProbeIndeterminate  = &Error{Code: CodeProbeIndeterminate}
	ErrInstall             = &Error{Code: CodeInstall}
)

// Error is a classified sandbox error.
// Rule names the offending rule (e.g. "filesystem[2] deny /etc/*") when one exists.
type Error struct {
	Code    Code   `json:"error"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Rule != "" {
		msg += ": " + e.Rule
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Rule == "" && t.Message == "" && t.Err == nil
}

// New returns an *Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ForRule returns an *Error that names the offending rule.
func ForRule(code Code, rule string, format string, args ...any) *Error {
	return &Error{Code: code, Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
