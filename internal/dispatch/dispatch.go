// Package dispatch is the action state machine: it translates user
// intents into sequenced external commands, coordinates prompt and
// confirmation steps, applies optimistic model updates, and reports which
// model regions the observer must re-probe once a command completes. It
// runs entirely on the event loop; only the tea.Cmd closures it returns
// touch the outside world.
package dispatch

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/vlwkaos/wsx/internal/cmdexec"
	"github.com/vlwkaos/wsx/internal/config"
	"github.com/vlwkaos/wsx/internal/gitprobe"
	"github.com/vlwkaos/wsx/internal/muxprobe"
	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

// StateKind enumerates the dispatcher states.
type StateKind int

const (
	StateIdle StateKind = iota
	StatePrompt
	StateConfirm
	StateExternal
	StateAttached
	StatePopup
	StateReorder
)

// PromptKind names what the open prompt collects.
type PromptKind int

const (
	PromptNone PromptKind = iota
	PromptProjectPath
	PromptWorktreeBranch
	PromptSessionAlias
	PromptSessionCommand
	PromptSendCommand
	PromptAlias
	PromptPullRebaseBranch
	PromptMergeFromBranch
	PromptMergeIntoBranch
)

// ConfirmKind names what the open confirmation decides.
type ConfirmKind int

const (
	ConfirmNone ConfirmKind = iota
	ConfirmDeleteWorktree
	ConfirmDeleteSession
	ConfirmDeleteProject
	ConfirmCleanMerged
	ConfirmMergeDirty
)

// PopupKind names the open popup.
type PopupKind int

const (
	PopupNone PopupKind = iota
	PopupGit
	PopupHelp
	PopupConfig
)

// DismissDoublePress is the window within which a second `x` mutes.
const DismissDoublePress = 2 * time.Second

// Target is the selection captured when an intent starts. Identifiers
// only, never pointers into the model (spec's ownership rule).
type Target struct {
	ProjectID    wsxmodel.ProjectID
	ProjectRoot  string
	ProjectName  string
	WorktreePath string
	Branch       string
	SessionID    wsxmodel.SessionID
	SessionAlias string
}

// TargetOf captures the identifiers of a flattened row.
func TargetOf(row wsxmodel.Row) Target {
	t := Target{}
	if row.Project != nil {
		t.ProjectID = row.Project.ID
		t.ProjectRoot = row.Project.RootPath
		t.ProjectName = row.Project.DisplayName()
	}
	if row.Worktree != nil {
		t.WorktreePath = row.Worktree.Path
		t.Branch = row.Worktree.Branch
	}
	if row.Session != nil {
		t.SessionID = row.Session.ID
		t.SessionAlias = row.Session.Alias
	}
	return t
}

// CleanCandidate is one worktree the clean-merged check offered for
// removal.
type CleanCandidate struct {
	Path   string
	Branch string
}

// Dispatcher is the state machine. One per app.
type Dispatcher struct {
	git   *gitprobe.Probe
	mux   muxprobe.Backend
	store *config.Store
	exec  *cmdexec.Executor

	state       StateKind
	promptKind  PromptKind
	input       textinput.Model
	confirmKind ConfirmKind
	confirmText string
	popupKind   PopupKind
	target      Target

	pendingAlias    string
	cleanCandidates []CleanCandidate
	lastDismiss     map[wsxmodel.SessionID]time.Time
	cancelExternal  context.CancelFunc
}

// New constructs a Dispatcher.
func New(git *gitprobe.Probe, mux muxprobe.Backend, store *config.Store, exec *cmdexec.Executor) *Dispatcher {
	input := textinput.New()
	input.CharLimit = 256
	return &Dispatcher{
		git:         git,
		mux:         mux,
		store:       store,
		exec:        exec,
		input:       input,
		lastDismiss: make(map[wsxmodel.SessionID]time.Time),
	}
}

// State returns the current machine state for the renderer.
func (d *Dispatcher) State() StateKind { return d.state }

// Popup returns the open popup kind, PopupNone outside StatePopup.
func (d *Dispatcher) Popup() PopupKind { return d.popupKind }

// PromptView renders the open prompt's input line.
func (d *Dispatcher) PromptView() string { return d.input.View() }

// PromptLabel describes the open prompt for the status line.
func (d *Dispatcher) PromptLabel() string {
	switch d.promptKind {
	case PromptProjectPath:
		return "Add project (path)"
	case PromptWorktreeBranch:
		return "New worktree (branch)"
	case PromptSessionAlias:
		return "New session (alias)"
	case PromptSessionCommand:
		return "New session (command, empty for shell)"
	case PromptSendCommand:
		return "Send command"
	case PromptAlias:
		return "Set alias"
	case PromptPullRebaseBranch:
		return "Pull --rebase (branch, empty for upstream)"
	case PromptMergeFromBranch:
		return "Merge from branch"
	case PromptMergeIntoBranch:
		return "Merge into branch"
	default:
		return ""
	}
}

// ConfirmText describes the open confirmation for the status line.
func (d *Dispatcher) ConfirmText() string { return d.confirmText }

// CurrentTarget returns the selection the in-progress intent operates on.
func (d *Dispatcher) CurrentTarget() Target { return d.target }

func (d *Dispatcher) reset() {
	d.state = StateIdle
	d.promptKind = PromptNone
	d.confirmKind = ConfirmNone
	d.popupKind = PopupNone
	d.confirmText = ""
	d.input.Reset()
	d.input.Blur()
	d.cancelExternal = nil
}

func (d *Dispatcher) openPrompt(kind PromptKind, target Target, placeholder string) tea.Cmd {
	d.state = StatePrompt
	d.promptKind = kind
	d.popupKind = PopupNone
	d.target = target
	d.input.Reset()
	d.input.Placeholder = placeholder
	d.input.Focus()
	return textinput.Blink
}

func (d *Dispatcher) openConfirm(kind ConfirmKind, target Target, text string) {
	d.state = StateConfirm
	d.confirmKind = kind
	d.target = target
	d.confirmText = text
}

// HandleKey routes one keystroke through the state machine. row is the
// current selection. The returned bool reports whether the key was
// consumed; unconsumed keys fall through to the selection engine.
func (d *Dispatcher) HandleKey(msg tea.KeyMsg, row wsxmodel.Row, m *wsxmodel.Model, now time.Time) (tea.Cmd, bool) {
	switch d.state {
	case StatePrompt:
		return d.handlePromptKey(msg, m)
	case StateConfirm:
		return d.handleConfirmKey(msg, m)
	case StateExternal:
		if msg.String() == "esc" && d.cancelExternal != nil {
			d.cancelExternal()
			return nil, true
		}
		return nil, true // the machine is busy; swallow keys
	case StateAttached:
		return nil, true
	case StatePopup:
		return d.handlePopupKey(msg, m)
	case StateReorder:
		return d.handleReorderKey(msg, m)
	default:
		return d.handleIdleKey(msg, row, m, now)
	}
}

func (d *Dispatcher) handlePromptKey(msg tea.KeyMsg, m *wsxmodel.Model) (tea.Cmd, bool) {
	switch msg.String() {
	case "esc":
		d.reset()
		return nil, true
	case "enter":
		value := d.input.Value()
		kind := d.promptKind
		return d.submitPrompt(kind, value, m), true
	default:
		var cmd tea.Cmd
		d.input, cmd = d.input.Update(msg)
		return cmd, true
	}
}

func (d *Dispatcher) handleConfirmKey(msg tea.KeyMsg, m *wsxmodel.Model) (tea.Cmd, bool) {
	switch msg.String() {
	case "y", "Y", "enter":
		kind := d.confirmKind
		return d.submitConfirm(kind, m), true
	case "n", "N", "esc", "q":
		d.reset()
		return nil, true
	default:
		return nil, true
	}
}

func (d *Dispatcher) handlePopupKey(msg tea.KeyMsg, m *wsxmodel.Model) (tea.Cmd, bool) {
	if d.popupKind != PopupGit {
		// Help and config popups close on any of the usual keys.
		switch msg.String() {
		case "esc", "q", "enter", "?":
			d.reset()
		}
		return nil, true
	}

	target := d.target
	switch msg.String() {
	case "esc", "q":
		d.reset()
		return nil, true
	case "p":
		d.reset()
		return d.runGitMutation("pull", target, func(ctx context.Context) error {
			return d.git.Pull(ctx, target.WorktreePath)
		}), true
	case "P":
		d.reset()
		return d.runGitMutation("push", target, func(ctx context.Context) error {
			return d.git.Push(ctx, target.WorktreePath)
		}), true
	case "r":
		return d.openPrompt(PromptPullRebaseBranch, target, target.Branch), true
	case "m":
		return d.openPrompt(PromptMergeFromBranch, target, ""), true
	case "M":
		return d.openPrompt(PromptMergeIntoBranch, target, ""), true
	default:
		return nil, true
	}
}

func (d *Dispatcher) handleReorderKey(msg tea.KeyMsg, m *wsxmodel.Model) (tea.Cmd, bool) {
	switch msg.String() {
	case "j", "down":
		d.moveTarget(m, 1)
		return nil, true
	case "k", "up":
		d.moveTarget(m, -1)
		return nil, true
	case "esc", "enter":
		d.commitReorder(m)
		d.reset()
		return nil, true
	default:
		return nil, true
	}
}

func (d *Dispatcher) moveTarget(m *wsxmodel.Model, delta int) {
	if d.target.SessionID != "" {
		m.MoveSession(d.target.WorktreePath, d.target.SessionID, delta)
		return
	}
	m.MoveProject(d.target.ProjectID, delta)
}

func (d *Dispatcher) commitReorder(m *wsxmodel.Model) {
	if d.target.SessionID != "" {
		return // session order is display-only, nothing persisted
	}
	paths := make([]string, 0)
	for _, p := range m.Projects() {
		paths = append(paths, p.RootPath)
	}
	d.store.SetProjectOrder(paths)
}

func (d *Dispatcher) handleIdleKey(msg tea.KeyMsg, row wsxmodel.Row, m *wsxmodel.Model, now time.Time) (tea.Cmd, bool) {
	target := TargetOf(row)
	switch msg.String() {
	case "p":
		return d.openPrompt(PromptProjectPath, Target{}, "~/src/project"), true
	case "w":
		if row.Project == nil {
			return nil, false
		}
		return d.openPrompt(PromptWorktreeBranch, target, "feature/branch"), true
	case "s":
		if row.Worktree == nil {
			return nil, false
		}
		return d.openPrompt(PromptSessionAlias, target, "work"), true
	case "S":
		if row.Session == nil {
			return nil, false
		}
		return d.openPrompt(PromptSendCommand, target, ""), true
	case "C":
		if row.Session == nil {
			return nil, false
		}
		return d.sendInterrupt(target), true
	case "x":
		if row.Session == nil {
			return nil, false
		}
		return d.dismissOrMute(row.Session, target, m, now), true
	case "d":
		if row.Project == nil {
			return nil, false
		}
		return d.openDelete(row, target), true
	case "c":
		if row.Project == nil {
			return nil, false
		}
		return d.startCleanMerged(target, m), true
	case "g":
		if row.Worktree == nil {
			return nil, false
		}
		d.state = StatePopup
		d.popupKind = PopupGit
		d.target = target
		return nil, true
	case "m":
		if row.Project == nil || row.Kind == wsxmodel.RowWorktree {
			return nil, false
		}
		d.state = StateReorder
		d.target = target
		return nil, true
	case "r":
		if row.Project == nil || row.Kind == wsxmodel.RowWorktree {
			return nil, false
		}
		cmd := d.openPrompt(PromptAlias, target, "")
		if row.Kind == wsxmodel.RowSession {
			d.input.SetValue(row.Session.Alias)
		} else {
			d.input.SetValue(row.Project.Alias)
		}
		return cmd, true
	case "e":
		if row.Project == nil {
			return nil, false
		}
		d.state = StatePopup
		d.popupKind = PopupConfig
		d.target = target
		return nil, true
	case "?":
		d.state = StatePopup
		d.popupKind = PopupHelp
		return nil, true
	case "enter":
		if row.Session == nil {
			return nil, false // expand-or-attach: non-session rows expand in the app
		}
		return d.attach(target), true
	default:
		return nil, false
	}
}

// dismissOrMute implements the two-stage `x` intent: first press records a
// dismissal; a second press within the double-press window, or a press on
// a session that is not Pending, mutes it. A press on a Muted session
// unmutes.
func (d *Dispatcher) dismissOrMute(s *wsxmodel.Session, target Target, m *wsxmodel.Model, now time.Time) tea.Cmd {
	id := target.SessionID
	if s.Muted {
		m.SetMuted(id, false)
		d.store.SetMuted(string(id), false)
		return func() tea.Msg {
			return ActionDoneMsg{Intent: "unmute", DirtySessions: []wsxmodel.SessionID{id}}
		}
	}

	last, pressed := d.lastDismiss[id]
	if (pressed && now.Sub(last) < DismissDoublePress) || s.Status != wsxmodel.StatusPending {
		delete(d.lastDismiss, id)
		m.SetMuted(id, true)
		m.UpdateSessionStatus(id, wsxmodel.StatusMuted)
		d.store.SetMuted(string(id), true)
		return func() tea.Msg {
			return ActionDoneMsg{Intent: "mute", DirtySessions: []wsxmodel.SessionID{id}}
		}
	}

	d.lastDismiss[id] = now
	at := now
	m.SetDismissed(id, &at)
	m.UpdateSessionStatus(id, wsxmodel.StatusIdle)
	session := string(id)
	return func() tea.Msg {
		// Best-effort: acknowledge the sticky bell in the multiplexer so it
		// does not re-trigger Pending after the dismiss grace expires.
		_ = d.mux.ClearBell(context.Background(), session)
		return ActionDoneMsg{Intent: "dismiss", DirtySessions: []wsxmodel.SessionID{id}}
	}
}

func (d *Dispatcher) openDelete(row wsxmodel.Row, target Target) tea.Cmd {
	switch row.Kind {
	case wsxmodel.RowSession:
		d.openConfirm(ConfirmDeleteSession, target, "Kill session "+string(target.SessionID)+"?")
	case wsxmodel.RowWorktree:
		if row.Worktree.IsMain {
			return func() tea.Msg {
				return ActionDoneMsg{Intent: "delete", Notice: "cannot delete the main worktree"}
			}
		}
		d.openConfirm(ConfirmDeleteWorktree, target, "Remove worktree "+target.Branch+"?")
	case wsxmodel.RowProject:
		d.openConfirm(ConfirmDeleteProject, target, "Remove project "+target.ProjectName+" from wsx? (files are kept)")
	}
	return nil
}
