// Package muxprobe wraps the terminal multiplexer (tmux, with a degraded
// zellij backend) the way internal/multiplexer wraps it for the teacher,
// but as discrete query/mutation calls instead of one-shot attach scripts:
// capture_pane and foreground_process have no analog in the teacher's
// script-building approach because it only ever launches or attaches.
package muxprobe

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned by a backend method the active multiplexer
// cannot perform (e.g. zellij has no bell flag or pane capture).
var ErrUnsupported = errors.New("muxprobe: unsupported by this backend")

// SessionInfo is one row of list_sessions (spec section 4.3). WsxProject
// and WsxAlias carry the @wsx_project/@wsx_alias session options; a session
// without @wsx_project is not owned by wsx and must not be ingested.
type SessionInfo struct {
	Name           string
	CreatedAt      time.Time
	Attached       bool
	HasBell        bool
	LastActivityAt time.Time
	WsxProject     string
	WsxAlias       string
}

// ProcessInfo is the resolved foreground process of a pane.
type ProcessInfo struct {
	PID   int
	Comm  string
	Argv0 string
}

// Capabilities reports which signals a backend can provide, so
// ActivityClassifier and the observer can degrade gracefully (spec's
// zellij Open Question resolution).
type Capabilities struct {
	Bell              bool
	CapturePane       bool
	ForegroundProcess bool
}

// Backend is the multiplexer-agnostic surface C3 exposes to the rest of
// wsx. tmux implements all of it; zellij implements a subset and returns
// ErrUnsupported for the rest.
type Backend interface {
	Capabilities() Capabilities
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	CapturePane(ctx context.Context, session string, lines int) ([]byte, error)
	ForegroundProcess(ctx context.Context, session string) (ProcessInfo, error)
	NewSession(ctx context.Context, name, cwd, command string, env map[string]string) error
	SendKeys(ctx context.Context, session, payload string, enter bool) error
	SendSignal(ctx context.Context, session string, signal string) error
	KillSession(ctx context.Context, name string) error
	SetOption(ctx context.Context, session, key, value string) error
	ShowOption(ctx context.Context, session, key string) (string, error)
	// ClearBell acknowledges a session's sticky bell flag. The dismiss
	// intent calls it; other departures from Pending leave the flag set.
	ClearBell(ctx context.Context, session string) error
	Attach(ctx context.Context, session string) error
	// AttachArgv returns the argv the dispatcher hands to the event loop's
	// exec-process facility, which suspends the TUI, gives the terminal to
	// the multiplexer client, and resumes wsx when it returns.
	AttachArgv(session string) []string
}
