package muxprobe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vlwkaos/wsx/internal/cmdexec"
	log "github.com/vlwkaos/wsx/internal/log"
)

var zellijDebugf = log.Scope("muxprobe/zellij")

// Zellij is a degraded Backend: zellij's CLI exposes no bell flag and no
// pane-capture equivalent, so CapturePane and ForegroundProcess always
// return ErrUnsupported (resolved Open Question, see SPEC_FULL.md). The
// observer skips both queries when Capabilities reports them false, so a
// zellij session never shows output growth or goes quiet. SetOption is
// unsupported too, so zellij sessions carry no @wsx_project tag and the
// observer does not ingest them.
type Zellij struct {
	exec *cmdexec.Executor
}

var _ Backend = (*Zellij)(nil)

// NewZellij constructs a Zellij backend over the given executor.
func NewZellij(executor *cmdexec.Executor) *Zellij {
	return &Zellij{exec: executor}
}

// Capabilities reports zellij's reduced signal set.
func (z *Zellij) Capabilities() Capabilities {
	return Capabilities{Bell: false, CapturePane: false, ForegroundProcess: false}
}

func (z *Zellij) run(ctx context.Context, args ...string) (cmdexec.Result, cmdexec.Token) {
	zellijDebugf("run %s", strings.Join(args, " "))
	return z.exec.Run(ctx, cmdexec.Spec{Kind: cmdexec.KindMux, Argv: args})
}

// ListSessions parses `zellij list-sessions --short --no-formatting`.
// HasBell and LastActivityAt are always zero-valued: zellij's CLI exposes
// neither.
func (z *Zellij) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	result, _ := z.run(ctx, "zellij", "list-sessions", "--short", "--no-formatting")
	if !result.OK() {
		return nil, nil
	}
	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(string(result.Stdout)), "\n") {
		if line == "" {
			continue
		}
		sessions = append(sessions, SessionInfo{Name: line, CreatedAt: time.Time{}})
	}
	return sessions, nil
}

// CapturePane is unsupported: zellij has no scriptable pane-dump command.
func (z *Zellij) CapturePane(ctx context.Context, session string, lines int) ([]byte, error) {
	return nil, ErrUnsupported
}

// ForegroundProcess is unsupported: zellij panes are not directly
// addressable ttys from outside the session.
func (z *Zellij) ForegroundProcess(ctx context.Context, session string) (ProcessInfo, error) {
	return ProcessInfo{}, ErrUnsupported
}

// NewSession creates a background zellij session, adapted from the
// teacher's BuildZellijScript "attach --create-background" idiom.
func (z *Zellij) NewSession(ctx context.Context, name, cwd, command string, env map[string]string) error {
	result, _ := z.run(ctx, "zellij", "attach", "--create-background", name)
	if !result.OK() {
		return fmt.Errorf("muxprobe: zellij new-session %s: %s", name, result.Combined())
	}
	if command != "" {
		return z.SendKeys(ctx, name, command, true)
	}
	return nil
}

// SendKeys forwards literal keys via `zellij action write-chars`.
func (z *Zellij) SendKeys(ctx context.Context, session, payload string, enter bool) error {
	result, _ := z.run(ctx, "zellij", "--session", session, "action", "write-chars", payload)
	if !result.OK() {
		return fmt.Errorf("muxprobe: zellij send-keys %s: %s", session, result.Combined())
	}
	if enter {
		result, _ = z.run(ctx, "zellij", "--session", session, "action", "write", "10")
		if !result.OK() {
			return fmt.Errorf("muxprobe: zellij send Enter %s: %s", session, result.Combined())
		}
	}
	return nil
}

// SendSignal is unsupported: without ForegroundProcess there is no pid to
// signal.
func (z *Zellij) SendSignal(ctx context.Context, session string, signal string) error {
	return ErrUnsupported
}

// KillSession terminates a zellij session.
func (z *Zellij) KillSession(ctx context.Context, name string) error {
	result, _ := z.run(ctx, "zellij", "kill-session", name)
	if !result.OK() {
		return fmt.Errorf("muxprobe: zellij kill-session %s: %s", name, result.Combined())
	}
	return nil
}

// SetOption is unsupported: zellij has no per-session key/value store
// analogous to tmux's set-option.
func (z *Zellij) SetOption(ctx context.Context, session, key, value string) error {
	return ErrUnsupported
}

// ClearBell is unsupported: zellij exposes no bell flag to begin with.
func (z *Zellij) ClearBell(ctx context.Context, session string) error {
	return ErrUnsupported
}

// ShowOption is unsupported for the same reason as SetOption.
func (z *Zellij) ShowOption(ctx context.Context, session, key string) (string, error) {
	return "", ErrUnsupported
}

// AttachArgv returns the argv for a foreground attach.
func (z *Zellij) AttachArgv(session string) []string {
	return []string{"zellij", "attach", session}
}

// Attach runs `zellij attach` with the process's own stdio, the same
// foreground-handoff contract as Tmux.Attach.
func (z *Zellij) Attach(ctx context.Context, session string) error {
	cmd := exec.CommandContext(ctx, "zellij", "attach", session)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
