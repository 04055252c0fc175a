// Package bsterrors defines the error taxonomy described in the core
// engine's error-handling design: every error crossing a component
// boundary carries a domain, a machine-readable reason, a human
// message, and optional detail.
package bsterrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Domain classifies which subsystem raised an error.
type Domain string

const (
	DomainLoad     Domain = "load"
	DomainPlugin   Domain = "plugin"
	DomainSource   Domain = "source"
	DomainElement  Domain = "element"
	DomainArtifact Domain = "artifact"
	DomainSandbox  Domain = "sandbox"
	DomainCAS      Domain = "cas"
	DomainApp      Domain = "app"
)

// Reason is a stable, machine-readable error reason within a Domain.
type Reason string

const (
	ReasonMissing            Reason = "missing"
	ReasonCorruption         Reason = "corruption"
	ReasonIO                 Reason = "io-error"
	ReasonCircularDependency Reason = "circular-dependency"
	ReasonUnresolvedVariable Reason = "unresolved-variable"
	ReasonUnsupportedFormat  Reason = "unsupported-format-version"
	ReasonUserAssertion      Reason = "user-assertion"
	ReasonNetwork            Reason = "network-failure"
	ReasonRefMismatch        Reason = "ref-mismatch"
	ReasonHostTool           Reason = "host-tool-missing"
	ReasonAssemblyFailed     Reason = "assembly-failed"
	ReasonMissingCommand     Reason = "missing-command"
	ReasonOverlapError       Reason = "overlap-error"
	ReasonMissingArtifact    Reason = "missing-artifact"
	ReasonTooLarge           Reason = "too-large"
	ReasonRemoteUnavailable  Reason = "remote-unavailable"
	ReasonVerificationFailed Reason = "verification-failed"
	ReasonPushFailed         Reason = "push-failed"
	ReasonPrivilege          Reason = "privilege-failure"
	ReasonIsolation          Reason = "isolation-failure"
	ReasonScheduling         Reason = "scheduling-failure"
	ReasonWorkspaceMisuse    Reason = "workspace-misuse"
	ReasonWarningToken       Reason = "warning-token"
)

// Error is the core engine's error record. It wraps an underlying cause
// and attaches the taxonomy fields the scheduler and user-facing
// reporting rely on.
type Error struct {
	Domain  Domain
	Reason  Reason
	Message string
	Detail  string
	// SandboxPath is populated for Sandbox/Element errors produced while
	// a command was executing.
	SandboxPath string
	Cause       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Domain, e.Reason, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Domain, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Domain, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a taxonomy error.
func New(domain Domain, reason Reason, msg string) *Error {
	return &Error{Domain: domain, Reason: reason, Message: msg}
}

// Wrap attaches domain/reason to an existing error, preserving it as
// the cause so errors.Is/As keep working.
func Wrap(err error, domain Domain, reason Reason, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Domain: domain, Reason: reason, Message: msg, Cause: errors.WithStack(err)}
}

// WithDetail returns a copy of e with Detail set, for multi-line
// user-visible context (e.g. the tail of a build log).
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithSandboxPath returns a copy of e annotated with the sandbox path
// the failure occurred in.
func (e *Error) WithSandboxPath(p string) *Error {
	cp := *e
	cp.SandboxPath = p
	return &cp
}

// AsTaxonomy unwraps err looking for an *Error, the way a child worker
// converts any exception to a taxonomy record before returning it to
// the scheduler.
func AsTaxonomy(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Domain: DomainApp, Reason: ReasonIO, Message: err.Error(), Cause: err}
}

// LastErrorCell is an opt-in, thread-safe slot mirroring the first
// unrecovered error of a session. It exists only for test harnesses;
// production code must not depend on its contents.
type LastErrorCell struct {
	mu   chan struct{}
	last *Error
}

// NewLastErrorCell returns a ready-to-use cell.
func NewLastErrorCell() *LastErrorCell {
	c := &LastErrorCell{mu: make(chan struct{}, 1)}
	c.mu <- struct{}{}
	return c
}

// Set records err as the last error, but only if the cell is empty —
// only the first unrecovered error per session is mirrored.
func (c *LastErrorCell) Set(err *Error) {
	<-c.mu
	if c.last == nil {
		c.last = err
	}
	c.mu <- struct{}{}
}

// Get returns the recorded error, if any.
func (c *LastErrorCell) Get() *Error {
	<-c.mu
	defer func() { c.mu <- struct{}{} }()
	return c.last
}

// Reset clears the cell. Used between test cases.
func (c *LastErrorCell) Reset() {
	<-c.mu
	c.last = nil
	c.mu <- struct{}{}
}
