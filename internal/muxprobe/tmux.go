package muxprobe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sys/unix"

	"github.com/vlwkaos/wsx/internal/cmdexec"
	log "github.com/vlwkaos/wsx/internal/log"
)

// capturePaneTTL matches spec section 4.3: "cached for 250 ms per session".
const capturePaneTTL = 250 * time.Millisecond

var tmuxDebugf = log.Scope("muxprobe/tmux")

// SanitizeSessionName strips characters tmux rejects in a session name,
// the way the teacher's SanitizeTmuxSessionName does for its generated
// sessions.
func SanitizeSessionName(name string) string {
	replacer := strings.NewReplacer(":", "-", "/", "-", "\\", "-", ".", "-")
	return replacer.Replace(name)
}

// Tmux is the primary Backend implementation. Every call goes through the
// shared cmdexec.Executor instead of exec.CommandContext directly, so
// tmux and git probes share the same concurrency cap and backpressure
// policy (spec section 5).
type Tmux struct {
	exec  *cmdexec.Executor
	cache *gocache.Cache
}

var _ Backend = (*Tmux)(nil)

// NewTmux constructs a Tmux backend over the given executor.
func NewTmux(executor *cmdexec.Executor) *Tmux {
	return &Tmux{
		exec:  executor,
		cache: gocache.New(capturePaneTTL, 2*capturePaneTTL),
	}
}

// Capabilities reports tmux's full signal set.
func (t *Tmux) Capabilities() Capabilities {
	return Capabilities{Bell: true, CapturePane: true, ForegroundProcess: true}
}

func (t *Tmux) run(ctx context.Context, args ...string) (cmdexec.Result, cmdexec.Token) {
	tmuxDebugf("run %s", strings.Join(args, " "))
	return t.exec.Run(ctx, cmdexec.Spec{Kind: cmdexec.KindMux, Argv: args})
}

// ListSessions parses `tmux list-sessions` plus a window sweep for the
// sticky bell flag, since tmux exposes bell per-window, not per-session.
func (t *Tmux) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	result, _ := t.run(ctx, "tmux", "list-sessions", "-F",
		"#{session_name}\t#{session_created}\t#{session_attached}\t#{session_activity}\t#{@wsx_project}\t#{@wsx_alias}")
	if result.Failure == cmdexec.FailureSpawn {
		return nil, fmt.Errorf("muxprobe: spawn tmux: %w", result.Err)
	}
	if !result.OK(0, 1) { // exit 1 with no output means "no server running"
		return nil, nil
	}

	bellBySession := t.bellFlags(ctx)

	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(string(result.Stdout)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			continue
		}
		created, _ := strconv.ParseInt(fields[1], 10, 64)
		activity, _ := strconv.ParseInt(fields[3], 10, 64)
		info := SessionInfo{
			Name:           fields[0],
			CreatedAt:      time.Unix(created, 0),
			Attached:       fields[2] == "1",
			HasBell:        bellBySession[fields[0]],
			LastActivityAt: time.Unix(activity, 0),
		}
		if len(fields) >= 6 {
			info.WsxProject = fields[4]
			info.WsxAlias = fields[5]
		}
		sessions = append(sessions, info)
	}
	return sessions, nil
}

func (t *Tmux) bellFlags(ctx context.Context) map[string]bool {
	result, _ := t.run(ctx, "tmux", "list-windows", "-a", "-F", "#{session_name}\t#{window_bell_flag}")
	flags := make(map[string]bool)
	if !result.OK(0, 1) {
		return flags
	}
	for _, line := range strings.Split(strings.TrimSpace(string(result.Stdout)), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			continue
		}
		if fields[1] == "1" {
			flags[fields[0]] = true
		}
	}
	return flags
}

// CapturePane returns the tail of a session's active pane, cached for
// capturePaneTTL per session (spec section 4.3).
func (t *Tmux) CapturePane(ctx context.Context, session string, lines int) ([]byte, error) {
	key := session + ":" + strconv.Itoa(lines)
	if cached, ok := t.cache.Get(key); ok {
		return cached.([]byte), nil
	}

	result, _ := t.run(ctx, "tmux", "capture-pane", "-p", "-t", session, "-S", "-"+strconv.Itoa(lines))
	if !result.OK() {
		return nil, fmt.Errorf("muxprobe: capture-pane %s: %s", session, result.Combined())
	}
	t.cache.Set(key, result.Stdout, gocache.DefaultExpiration)
	return result.Stdout, nil
}

// ForegroundProcess resolves the pane's controlling tty and reads the
// foreground process group leader via TIOCGPGRP, the OS-level query the
// spec names since tmux itself has no "foreground process" concept.
func (t *Tmux) ForegroundProcess(ctx context.Context, session string) (ProcessInfo, error) {
	result, _ := t.run(ctx, "tmux", "display-message", "-p", "-t", session, "-F", "#{pane_tty}")
	if !result.OK() {
		return ProcessInfo{}, fmt.Errorf("muxprobe: resolve pane_tty for %s: %s", session, result.Combined())
	}
	ttyPath := strings.TrimSpace(string(result.Stdout))
	if ttyPath == "" {
		return ProcessInfo{}, fmt.Errorf("muxprobe: empty pane_tty for %s", session)
	}

	f, err := os.OpenFile(ttyPath, os.O_RDONLY, 0)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("muxprobe: open %s: %w", ttyPath, err)
	}
	defer f.Close()

	pgid, err := unix.IoctlGetInt(int(f.Fd()), unix.TIOCGPGRP)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("muxprobe: TIOCGPGRP %s: %w", ttyPath, err)
	}

	comm, _ := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pgid))
	argv0 := ""
	if cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pgid)); err == nil {
		if idx := strings.IndexByte(string(cmdline), 0); idx >= 0 {
			argv0 = string(cmdline[:idx])
		} else {
			argv0 = string(cmdline)
		}
	}

	return ProcessInfo{
		PID:   pgid,
		Comm:  strings.TrimSpace(string(comm)),
		Argv0: argv0,
	}, nil
}

// NewSession creates a detached session running command in cwd, then
// applies env via set-environment the way the teacher's BuildTmuxScript
// does after the initial new-session call.
func (t *Tmux) NewSession(ctx context.Context, name, cwd, command string, env map[string]string) error {
	if command == "" {
		command = "exec ${SHELL:-bash}"
	}
	result, _ := t.run(ctx, "tmux", "new-session", "-d", "-s", name, "-c", cwd, "--", "bash", "-lc", command)
	if !result.OK() {
		return fmt.Errorf("muxprobe: new-session %s: %s", name, result.Combined())
	}
	for k, v := range env {
		t.run(ctx, "tmux", "set-environment", "-t", name, k, v)
	}
	return nil
}

// SendKeys sends literal text to a session, optionally followed by Enter.
func (t *Tmux) SendKeys(ctx context.Context, session, payload string, enter bool) error {
	args := []string{"tmux", "send-keys", "-t", session, "-l", payload}
	result, _ := t.run(ctx, args...)
	if !result.OK() {
		return fmt.Errorf("muxprobe: send-keys %s: %s", session, result.Combined())
	}
	if enter {
		result, _ = t.run(ctx, "tmux", "send-keys", "-t", session, "Enter")
		if !result.OK() {
			return fmt.Errorf("muxprobe: send-keys Enter %s: %s", session, result.Combined())
		}
	}
	return nil
}

// SendSignal resolves the pane's foreground process group and signals it
// directly, since tmux has no send-signal subcommand.
func (t *Tmux) SendSignal(ctx context.Context, session string, signal string) error {
	proc, err := t.ForegroundProcess(ctx, session)
	if err != nil {
		return err
	}
	// A negative pid addresses the whole process group led by proc.PID.
	result, _ := t.run(ctx, "kill", "-s", signal, "--", "-"+strconv.Itoa(proc.PID))
	if !result.OK() {
		return fmt.Errorf("muxprobe: send-signal %s to %s: %s", signal, session, result.Combined())
	}
	return nil
}

// KillSession terminates a session.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	result, _ := t.run(ctx, "tmux", "kill-session", "-t", name)
	if !result.OK(0, 1) { // exit 1: session already gone, treat as success
		return fmt.Errorf("muxprobe: kill-session %s: %s", name, result.Combined())
	}
	return nil
}

// SetOption sets a tmux session option, used for @wsx_project/@wsx_alias
// and the status-right sentinel (spec section 6).
func (t *Tmux) SetOption(ctx context.Context, session, key, value string) error {
	result, _ := t.run(ctx, "tmux", "set-option", "-t", session, key, value)
	if !result.OK() {
		return fmt.Errorf("muxprobe: set-option %s on %s: %s", key, session, result.Combined())
	}
	return nil
}

// ClearBell acknowledges the session's window bell flags. tmux clears a
// window's bell only when a client views the window, so toggling
// monitor-bell is the scriptable equivalent.
func (t *Tmux) ClearBell(ctx context.Context, session string) error {
	result, _ := t.run(ctx, "tmux", "set-option", "-w", "-t", session, "monitor-bell", "off")
	if !result.OK() {
		return fmt.Errorf("muxprobe: clear bell on %s: %s", session, result.Combined())
	}
	result, _ = t.run(ctx, "tmux", "set-option", "-w", "-t", session, "monitor-bell", "on")
	if !result.OK() {
		return fmt.Errorf("muxprobe: rearm bell on %s: %s", session, result.Combined())
	}
	return nil
}

// ShowOption reads a tmux session option's current value. A session with
// the option unset yields an empty string and no error (tmux exits 0 with
// no output for `show-options -qv`).
func (t *Tmux) ShowOption(ctx context.Context, session, key string) (string, error) {
	result, _ := t.run(ctx, "tmux", "show-options", "-t", session, "-qv", key)
	if !result.OK() {
		return "", fmt.Errorf("muxprobe: show-options %s on %s: %s", key, session, result.Combined())
	}
	return strings.TrimRight(string(result.Stdout), "\n"), nil
}

// AttachArgv returns the argv for a foreground attach.
func (t *Tmux) AttachArgv(session string) []string {
	return []string{"tmux", "attach-session", "-t", session}
}

// Attach runs `tmux attach-session` with the process's own stdio,
// relinquishing the terminal synchronously as spec section 4.3 requires.
// This bypasses the bounded Executor deliberately: attach is uncancellable
// from wsx's side (spec section 5) and must not compete for in-flight
// slots with background probes.
func (t *Tmux) Attach(ctx context.Context, session string) error {
	cmd := exec.CommandContext(ctx, "tmux", "attach-session", "-t", session)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
