package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vlwkaos/wsx/internal/cmdexec"
	"github.com/vlwkaos/wsx/internal/config"
	"github.com/vlwkaos/wsx/internal/gitprobe"
	log "github.com/vlwkaos/wsx/internal/log"
	"github.com/vlwkaos/wsx/internal/muxprobe"
	"github.com/vlwkaos/wsx/internal/wsxerr"
	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

var debugf = log.Scope("dispatch")

// ActionDoneMsg reports a completed (or failed) intent back to the loop.
// DirtyWorktrees and DirtySessions are the model regions the observer must
// re-probe; RevertWorktree undoes an optimistic placeholder on failure.
type ActionDoneMsg struct {
	Intent          string
	DirtyWorktrees  []string
	DirtySessions   []wsxmodel.SessionID
	RevertWorktree  string // placeholder path to remove on Err != nil
	RevertProjectID wsxmodel.ProjectID
	RevertSession   wsxmodel.SessionID
	Notice          string
	Err             error
}

// ProjectLoadedMsg carries a freshly probed project subtree. Used both by
// the `p` intent and by startup loading of the persisted project list.
type ProjectLoadedMsg struct {
	Entry         config.ProjectEntry
	Stubs         []gitprobe.WorktreeStub
	Config        wsxmodel.ProjectConfig
	DefaultBranch string
	Err           error
}

// CleanListMsg carries the clean-merged candidate list into the
// confirmation step.
type CleanListMsg struct {
	Target     Target
	Candidates []CleanCandidate
	Err        error
}

// AttachDoneMsg is posted when the multiplexer client returns the
// terminal.
type AttachDoneMsg struct {
	SessionID    wsxmodel.SessionID
	WorktreePath string
	Err          error
}

// LoadProjectCmd probes a project's worktrees and per-project config. The
// validation doubles as the `p` intent's "is this a git repo" check.
func (d *Dispatcher) LoadProjectCmd(entry config.ProjectEntry) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		stubs, err := d.git.ListWorktrees(ctx, entry.Path)
		if err != nil {
			return ProjectLoadedMsg{Entry: entry, Err: err}
		}
		cfg := config.LoadProjectConfig(entry.Path)
		cfg.DefaultBranch = d.git.DefaultBranch(ctx, entry.Path)
		return ProjectLoadedMsg{Entry: entry, Stubs: stubs, Config: cfg, DefaultBranch: cfg.DefaultBranch}
	}
}

func (d *Dispatcher) submitPrompt(kind PromptKind, value string, m *wsxmodel.Model) tea.Cmd {
	value = strings.TrimSpace(value)
	target := d.target
	switch kind {
	case PromptProjectPath:
		d.reset()
		if value == "" {
			return nil
		}
		return d.addProject(value)
	case PromptWorktreeBranch:
		d.reset()
		if value == "" {
			return nil
		}
		return d.newWorktree(target, value, m)
	case PromptSessionAlias:
		if value == "" {
			d.reset()
			return nil
		}
		// Two-step prompt: alias first, then the creation command.
		d.pendingAlias = value
		return d.openPrompt(PromptSessionCommand, target, "")
	case PromptSessionCommand:
		alias := d.pendingAlias
		d.pendingAlias = ""
		d.reset()
		return d.newSession(target, alias, value, m)
	case PromptSendCommand:
		d.reset()
		if value == "" {
			return nil
		}
		return d.sendCommand(target, value)
	case PromptAlias:
		d.reset()
		return d.setAlias(target, value, m)
	case PromptPullRebaseBranch:
		d.reset()
		return d.runGitMutation("pull --rebase", target, func(ctx context.Context) error {
			return d.git.PullRebase(ctx, target.WorktreePath, value)
		})
	case PromptMergeFromBranch:
		d.reset()
		if value == "" {
			return nil
		}
		return d.mergeFrom(target, value, m)
	case PromptMergeIntoBranch:
		d.reset()
		if value == "" {
			return nil
		}
		return d.mergeInto(target, value, m)
	default:
		d.reset()
		return nil
	}
}

func (d *Dispatcher) submitConfirm(kind ConfirmKind, m *wsxmodel.Model) tea.Cmd {
	target := d.target
	candidates := d.cleanCandidates
	d.reset()
	switch kind {
	case ConfirmDeleteSession:
		return d.deleteSession(target, m)
	case ConfirmDeleteWorktree:
		return d.deleteWorktree(target, m)
	case ConfirmDeleteProject:
		d.store.RemoveProject(target.ProjectRoot)
		m.RemoveProject(target.ProjectID)
		return func() tea.Msg {
			return ActionDoneMsg{Intent: "delete project", Notice: "removed " + target.ProjectName}
		}
	case ConfirmCleanMerged:
		return d.cleanMerged(target, candidates, m)
	case ConfirmMergeDirty:
		branch := d.pendingAlias
		d.pendingAlias = ""
		return d.runGitMutation("merge", target, func(ctx context.Context) error {
			return d.git.MergeFrom(ctx, target.WorktreePath, branch)
		})
	default:
		return nil
	}
}

// addProject validates the path and loads its subtree; persistence happens
// on ProjectLoadedMsg so a non-repo path never lands in the config.
func (d *Dispatcher) addProject(path string) tea.Cmd {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	return d.LoadProjectCmd(config.ProjectEntry{Path: path})
}

// newWorktree inserts an optimistic placeholder, then runs `git worktree
// add`, the postCreate hook, and the copy rules.
func (d *Dispatcher) newWorktree(target Target, branch string, m *wsxmodel.Model) tea.Cmd {
	p, ok := m.Project(target.ProjectID)
	if !ok {
		return nil
	}
	wtPath := filepath.Join(filepath.Dir(p.RootPath), filepath.Base(p.RootPath)+"-wt", muxprobe.SanitizeSessionName(branch))
	m.InsertWorktree(target.ProjectID, &wsxmodel.Worktree{Path: wtPath, Branch: branch})

	hook := p.Config.PostCreateHook
	include := append([]string(nil), p.Config.CopyInclude...)
	exclude := append([]string(nil), p.Config.CopyExclude...)
	root := p.RootPath
	projectID := target.ProjectID

	d.state = StateExternal
	ctx, cancel := context.WithCancel(context.Background())
	d.cancelExternal = cancel

	return func() tea.Msg {
		defer cancel()
		if err := d.git.WorktreeAdd(ctx, root, branch, wtPath); err != nil {
			return ActionDoneMsg{
				Intent:          "new worktree",
				RevertWorktree:  wtPath,
				RevertProjectID: projectID,
				Err:             err,
			}
		}
		if hook != "" {
			result, _ := d.exec.Run(ctx, cmdexec.Spec{
				Kind:    cmdexec.KindHook,
				Argv:    []string{"bash", "-lc", hook},
				Dir:     wtPath,
				Timeout: 30 * time.Second,
			})
			if !result.OK() {
				debugf("postCreate hook failed in %s: %s", wtPath, result.Combined())
			}
		}
		copyRuleFiles(root, wtPath, include, exclude)
		return ActionDoneMsg{Intent: "new worktree", DirtyWorktrees: []string{wtPath}}
	}
}

// copyRuleFiles applies the [copy] include globs minus excludes from the
// main checkout into a fresh worktree, for untracked files like .env.
func copyRuleFiles(srcRoot, dstRoot string, include, exclude []string) {
	excluded := func(rel string) bool {
		for _, pattern := range exclude {
			if ok, _ := filepath.Match(pattern, rel); ok {
				return true
			}
			if strings.HasPrefix(rel, pattern+string(filepath.Separator)) || rel == pattern {
				return true
			}
		}
		return false
	}
	for _, pattern := range include {
		matches, err := filepath.Glob(filepath.Join(srcRoot, pattern))
		if err != nil {
			continue
		}
		for _, src := range matches {
			rel, err := filepath.Rel(srcRoot, src)
			if err != nil || excluded(rel) {
				continue
			}
			data, err := os.ReadFile(src) // #nosec G304 -- paths come from the project's own copy rules
			if err != nil {
				continue
			}
			dst := filepath.Join(dstRoot, rel)
			if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
				continue
			}
			if err := os.WriteFile(dst, data, 0o600); err != nil {
				debugf("copy rule failed for %s: %v", rel, err)
			}
		}
	}
}

// SessionName builds the namespaced multiplexer session name.
func SessionName(project, branch, alias string) string {
	return "wsx/" + muxprobe.SanitizeSessionName(project) +
		"/" + muxprobe.SanitizeSessionName(branch) +
		"/" + muxprobe.SanitizeSessionName(alias)
}

// newSession inserts an optimistic placeholder and creates the session.
func (d *Dispatcher) newSession(target Target, alias, command string, m *wsxmodel.Model) tea.Cmd {
	name := SessionName(target.ProjectName, target.Branch, alias)
	id := wsxmodel.SessionID(name)
	m.UpsertSession(target.WorktreePath, &wsxmodel.Session{
		ID:              id,
		Alias:           alias,
		CreationCommand: command,
		Status:          wsxmodel.StatusIdle,
		Muted:           d.store.IsMuted(name),
	})

	cwd := target.WorktreePath
	project := target.ProjectName
	return func() tea.Msg {
		ctx := context.Background()
		if err := d.mux.NewSession(ctx, name, cwd, command, nil); err != nil {
			return ActionDoneMsg{Intent: "new session", RevertSession: id, Err: err}
		}
		// Ownership markers: a session without @wsx_project is never
		// ingested, so these are what make the session wsx's.
		_ = d.mux.SetOption(ctx, name, "@wsx_project", project)
		_ = d.mux.SetOption(ctx, name, "@wsx_alias", alias)
		return ActionDoneMsg{Intent: "new session", DirtySessions: []wsxmodel.SessionID{id}}
	}
}

func (d *Dispatcher) sendCommand(target Target, command string) tea.Cmd {
	id := target.SessionID
	return func() tea.Msg {
		err := d.mux.SendKeys(context.Background(), string(id), command, true)
		return ActionDoneMsg{Intent: "send command", DirtySessions: []wsxmodel.SessionID{id}, Err: wrapAction(err)}
	}
}

func (d *Dispatcher) sendInterrupt(target Target) tea.Cmd {
	id := target.SessionID
	return func() tea.Msg {
		err := d.mux.SendSignal(context.Background(), string(id), "INT")
		return ActionDoneMsg{Intent: "interrupt", DirtySessions: []wsxmodel.SessionID{id}, Err: wrapAction(err)}
	}
}

func (d *Dispatcher) setAlias(target Target, value string, m *wsxmodel.Model) tea.Cmd {
	if target.SessionID != "" {
		m.SetAlias("", target.SessionID, value)
	} else {
		m.SetAlias(target.ProjectID, "", value)
		d.store.SetProjectAlias(target.ProjectRoot, value)
	}
	return func() tea.Msg {
		return ActionDoneMsg{Intent: "set alias"}
	}
}

// attach hands the terminal to the multiplexer client. The status-right
// sentinel decision: wsx always records the prior value in a per-session
// option and restores it on detach.
func (d *Dispatcher) attach(target Target) tea.Cmd {
	d.state = StateAttached
	d.target = target
	name := string(target.SessionID)
	sessionID := target.SessionID
	worktreePath := target.WorktreePath
	statusRight := target.ProjectName + "/" + target.SessionAlias

	argv := d.mux.AttachArgv(name)
	// #nosec G204 -- argv comes from the backend's fixed attach template
	cmd := exec.Command(argv[0], argv[1:]...)

	projectName := target.ProjectName
	alias := target.SessionAlias
	prepare := func() tea.Msg {
		ctx := context.Background()
		_ = d.mux.SetOption(ctx, name, "@wsx_project", projectName)
		_ = d.mux.SetOption(ctx, name, "@wsx_alias", alias)
		if prior, err := d.mux.ShowOption(ctx, name, "status-right"); err == nil {
			_ = d.mux.SetOption(ctx, name, "@wsx_prior_status_right", prior)
		}
		_ = d.mux.SetOption(ctx, name, "status-right", statusRight)
		return nil
	}

	return tea.Sequence(
		prepareCmd(prepare),
		tea.ExecProcess(cmd, func(err error) tea.Msg {
			return AttachDoneMsg{SessionID: sessionID, WorktreePath: worktreePath, Err: err}
		}),
	)
}

func prepareCmd(fn func() tea.Msg) tea.Cmd {
	return func() tea.Msg { return fn() }
}

// OnAttachDone restores the session's status line and returns the machine
// to Idle. The caller (app) marks the session and worktree dirty and
// forces the fetch, per the detach-resume rule.
func (d *Dispatcher) OnAttachDone(msg AttachDoneMsg) tea.Cmd {
	d.reset()
	name := string(msg.SessionID)
	return func() tea.Msg {
		ctx := context.Background()
		if prior, err := d.mux.ShowOption(ctx, name, "@wsx_prior_status_right"); err == nil {
			_ = d.mux.SetOption(ctx, name, "status-right", prior)
		}
		return nil
	}
}

func (d *Dispatcher) deleteSession(target Target, m *wsxmodel.Model) tea.Cmd {
	id := target.SessionID
	worktreePath := target.WorktreePath
	m.RemoveSession(worktreePath, id)
	return func() tea.Msg {
		err := d.mux.KillSession(context.Background(), string(id))
		return ActionDoneMsg{Intent: "kill session", Err: wrapAction(err)}
	}
}

func (d *Dispatcher) deleteWorktree(target Target, m *wsxmodel.Model) tea.Cmd {
	path := target.WorktreePath
	projectID := target.ProjectID
	root := target.ProjectRoot

	// Sessions bound to the worktree die with it.
	var sessions []wsxmodel.SessionID
	if _, w, ok := m.FindWorktree(path); ok {
		for _, s := range w.SessionsInOrder() {
			sessions = append(sessions, s.ID)
		}
	}
	m.RemoveWorktree(projectID, path)

	d.state = StateExternal
	ctx, cancel := context.WithCancel(context.Background())
	d.cancelExternal = cancel
	return func() tea.Msg {
		defer cancel()
		for _, id := range sessions {
			_ = d.mux.KillSession(ctx, string(id))
		}
		err := d.git.WorktreeRemove(ctx, root, path, false)
		var actionErr *wsxerr.Error
		if errors.As(err, &actionErr) && actionErr.Reason == wsxerr.ReasonUncommittedChange {
			err = d.git.WorktreeRemove(ctx, root, path, true)
		}
		return ActionDoneMsg{Intent: "remove worktree", Err: err}
	}
}

// startCleanMerged recomputes mergeability per invocation (never cached)
// and opens the confirmation listing exactly the removable worktrees.
func (d *Dispatcher) startCleanMerged(target Target, m *wsxmodel.Model) tea.Cmd {
	p, ok := m.Project(target.ProjectID)
	if !ok {
		return nil
	}
	defaultBranch := p.Config.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}

	type wtCheck struct {
		path, branch string
		dirty, main  bool
	}
	var checks []wtCheck
	for _, w := range p.WorktreesInOrder() {
		checks = append(checks, wtCheck{path: w.Path, branch: w.Branch, dirty: w.Git.LocalDirty, main: w.IsMain})
	}
	root := p.RootPath

	d.state = StateExternal
	return func() tea.Msg {
		ctx := context.Background()
		var candidates []CleanCandidate
		for _, c := range checks {
			mergeable, err := d.git.IsMergeable(ctx, root, defaultBranch, c.branch, c.dirty, c.main)
			if err != nil {
				return CleanListMsg{Target: target, Err: err}
			}
			if mergeable {
				candidates = append(candidates, CleanCandidate{Path: c.path, Branch: c.branch})
			}
		}
		return CleanListMsg{Target: target, Candidates: candidates}
	}
}

// OnCleanList moves the machine from the mergeability check into the
// confirmation step, or back to Idle when there is nothing to clean.
func (d *Dispatcher) OnCleanList(msg CleanListMsg) {
	if msg.Err != nil || len(msg.Candidates) == 0 {
		d.reset()
		return
	}
	branches := make([]string, len(msg.Candidates))
	for i, c := range msg.Candidates {
		branches[i] = c.Branch
	}
	d.cleanCandidates = msg.Candidates
	d.openConfirm(ConfirmCleanMerged, msg.Target, "Remove merged worktrees: "+strings.Join(branches, ", ")+"?")
}

func (d *Dispatcher) cleanMerged(target Target, candidates []CleanCandidate, m *wsxmodel.Model) tea.Cmd {
	root := target.ProjectRoot
	projectID := target.ProjectID
	for _, c := range candidates {
		m.RemoveWorktree(projectID, c.Path)
	}
	d.cleanCandidates = nil
	return func() tea.Msg {
		ctx := context.Background()
		var failed []string
		for _, c := range candidates {
			if err := d.git.WorktreeRemove(ctx, root, c.Path, false); err != nil {
				failed = append(failed, c.Branch)
			}
		}
		msg := ActionDoneMsg{Intent: "clean merged", Notice: fmt.Sprintf("removed %d merged worktrees", len(candidates)-len(failed))}
		if len(failed) > 0 {
			msg.Err = wsxerr.Action(wsxerr.ReasonUnknown, "failed to remove: "+strings.Join(failed, ", "), "")
		}
		return msg
	}
}

// mergeFrom honors the precondition: a dirty worktree needs an explicit
// confirmation before merging into it.
func (d *Dispatcher) mergeFrom(target Target, branch string, m *wsxmodel.Model) tea.Cmd {
	if _, w, ok := m.FindWorktree(target.WorktreePath); ok && w.Git.LocalDirty {
		d.pendingAlias = branch // reuse the pending slot for the branch
		d.openConfirm(ConfirmMergeDirty, target, "Worktree has local changes; merge "+branch+" anyway?")
		return nil
	}
	return d.runGitMutation("merge", target, func(ctx context.Context) error {
		return d.git.MergeFrom(ctx, target.WorktreePath, branch)
	})
}

// mergeInto merges the selected worktree's branch into another worktree,
// which must be checked out somewhere in the project.
func (d *Dispatcher) mergeInto(target Target, branch string, m *wsxmodel.Model) tea.Cmd {
	p, ok := m.Project(target.ProjectID)
	if !ok {
		return nil
	}
	var targetPath string
	for _, w := range p.WorktreesInOrder() {
		if w.Branch == branch {
			targetPath = w.Path
			break
		}
	}
	if targetPath == "" {
		return func() tea.Msg {
			return ActionDoneMsg{Intent: "merge into", Notice: "branch " + branch + " has no worktree"}
		}
	}
	source := target.Branch
	mergeTarget := target
	mergeTarget.WorktreePath = targetPath
	return d.runGitMutation("merge into", mergeTarget, func(ctx context.Context) error {
		return d.git.MergeInto(ctx, targetPath, source)
	})
}

// runGitMutation wraps a git popup mutation in the ExternalInFlight state
// with a cancel token; Esc cancels via context.
func (d *Dispatcher) runGitMutation(intent string, target Target, fn func(ctx context.Context) error) tea.Cmd {
	d.state = StateExternal
	ctx, cancel := context.WithCancel(context.Background())
	d.cancelExternal = cancel
	path := target.WorktreePath
	return func() tea.Msg {
		defer cancel()
		err := fn(ctx)
		return ActionDoneMsg{Intent: intent, DirtyWorktrees: []string{path}, Err: err}
	}
}

// OnActionDone returns the machine to Idle after an external command
// completes, reverting optimistic placeholders when it failed.
func (d *Dispatcher) OnActionDone(msg ActionDoneMsg, m *wsxmodel.Model) {
	if d.state == StateExternal {
		d.reset()
	}
	if msg.Err == nil {
		return
	}
	if msg.RevertWorktree != "" {
		m.RemoveWorktree(msg.RevertProjectID, msg.RevertWorktree)
	}
	if msg.RevertSession != "" {
		if _, w, _, ok := m.FindSession(msg.RevertSession); ok {
			m.RemoveSession(w.Path, msg.RevertSession)
		}
	}
}

func wrapAction(err error) error {
	if err == nil {
		return nil
	}
	var typed *wsxerr.Error
	if errors.As(err, &typed) {
		return err
	}
	return wsxerr.Action(wsxerr.ReasonUnknown, err.Error(), "")
}
