// Package wsxerr defines the error taxonomy probes and actions surface to
// the rest of wsx, so the dispatcher and UI can branch on kind rather than
// matching strings.
package wsxerr

import (
	"fmt"
	"strings"
)

// Kind tags an error with the taxonomy from the wsx error-handling design.
type Kind string

const (
	// KindEnvironment covers missing external tooling: no multiplexer, no git.
	KindEnvironment Kind = "environment"
	// KindProbe covers transient, counted probe failures surfaced as a dot on a row.
	KindProbe Kind = "probe"
	// KindAction covers structured action failures shown in the status line.
	KindAction Kind = "action"
	// KindConfig covers non-fatal config parse failures attached to a project.
	KindConfig Kind = "config"
	// KindFatal covers unrecoverable errors: restore the terminal, print, exit 1.
	KindFatal Kind = "fatal"
)

// ActionReason refines a KindAction error per spec section 4.2.
type ActionReason string

const (
	ReasonNonFastForward    ActionReason = "non_fast_forward"
	ReasonConflict          ActionReason = "conflict"
	ReasonUncommittedChange ActionReason = "uncommitted_changes"
	ReasonNetwork           ActionReason = "network"
	ReasonUnknown           ActionReason = "unknown"
)

// Error is the typed error value carried through the system. It wraps an
// underlying cause, never loses it (Unwrap), but lets callers switch on Kind
// and Reason without parsing messages.
type Error struct {
	Kind    Kind
	Reason  ActionReason // only meaningful when Kind == KindAction
	Message string
	Detail  string // raw combined stdout+stderr tail, shown in the help view that '?' opens
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an existing error without discarding it.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Action builds a KindAction error with a reason and the raw command output
// tail so the UI can offer it on demand.
func Action(reason ActionReason, message, detail string) *Error {
	return &Error{Kind: KindAction, Reason: reason, Message: message, Detail: detail}
}

// ClassifyExitError maps a non-zero exit plus stderr text to an ActionReason
// using the textual cues git/tmux commands are known to emit. Best-effort:
// falls back to ReasonUnknown.
func ClassifyExitError(combinedOutput string) ActionReason {
	switch {
	case containsAny(combinedOutput, "non-fast-forward", "fetch first", "rejected"):
		return ReasonNonFastForward
	case containsAny(combinedOutput, "CONFLICT", "conflict", "Automatic merge failed"):
		return ReasonConflict
	case containsAny(combinedOutput, "uncommitted changes", "overwritten by merge", "local changes"):
		return ReasonUncommittedChange
	case containsAny(combinedOutput, "Could not resolve host", "Network is unreachable", "timed out", "Connection refused"):
		return ReasonNetwork
	default:
		return ReasonUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
