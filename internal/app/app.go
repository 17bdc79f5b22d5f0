// Package app ties the core components into one Bubble Tea program: a
// single Update function is the sole Model writer (probe completions and
// user intents all arrive here as messages), and View paints a minimal
// tree + preview + status surface over a snapshot of the model.
package app

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vlwkaos/wsx/internal/cmdexec"
	"github.com/vlwkaos/wsx/internal/config"
	"github.com/vlwkaos/wsx/internal/dispatch"
	"github.com/vlwkaos/wsx/internal/gitprobe"
	log "github.com/vlwkaos/wsx/internal/log"
	"github.com/vlwkaos/wsx/internal/muxprobe"
	"github.com/vlwkaos/wsx/internal/observer"
	"github.com/vlwkaos/wsx/internal/selection"
	"github.com/vlwkaos/wsx/internal/wsxerr"
	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

// tickInterval drives the observer's scheduler; the observer applies its
// own per-ticker debounces on top.
const tickInterval = 150 * time.Millisecond

type tickMsg time.Time

// Model is the Bubble Tea model wrapping the wsx core.
type Model struct {
	ctx   context.Context
	tree  *wsxmodel.Model
	sel   *selection.Engine
	obs   *observer.Observer
	disp  *dispatch.Dispatcher
	store *config.Store
	mux   muxprobe.Backend

	width, height int
	notice        string
	noticeDetail  string
	lastEpoch     uint64
	quitting      bool
}

// NewModel wires the core together. The caller owns the executor and
// config store lifetimes.
func NewModel(store *config.Store, executor *cmdexec.Executor, mux muxprobe.Backend) *Model {
	git := gitprobe.New(executor)
	obs := observer.New(git, mux, observer.DefaultIntervals(), store.ActivityConfig())
	obs.SetMuteLookup(func(id wsxmodel.SessionID) bool { return store.IsMuted(string(id)) })
	return &Model{
		ctx:   context.Background(),
		tree:  wsxmodel.New(),
		sel:   selection.New(),
		obs:   obs,
		disp:  dispatch.New(git, mux, store, executor),
		store: store,
		mux:   mux,
	}
}

// Init loads the persisted project list and starts the scheduler.
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })}
	for _, entry := range m.store.Config().Projects {
		cmds = append(cmds, m.disp.LoadProjectCmd(entry))
	}
	return tea.Batch(cmds...)
}

// Close flushes pending state; called after the program exits.
func (m *Model) Close() {
	m.obs.Stop()
	if err := m.store.Close(); err != nil {
		log.Errorf("app", err, "config flush on close")
	}
}

// Update is the single writer over the model tree.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.sel.SetHeight(m.treeHeight())

	case tickMsg:
		cmds = append(cmds, m.obs.Tick(m.ctx, time.Time(msg), m.tree, func(id wsxmodel.ProjectID) bool {
			return m.sel.Expanded(string(id))
		})...)
		cmds = append(cmds, tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) }))

	case observer.RepoChangedMsg:
		m.obs.OnRepoChanged(m.tree, msg.ProjectID)
		if wait := m.obs.WaitRepoChangedFor(msg.ProjectID); wait != nil {
			cmds = append(cmds, wait)
		}

	case dispatch.ProjectLoadedMsg:
		cmds = append(cmds, m.applyProjectLoaded(msg)...)

	case dispatch.CleanListMsg:
		m.disp.OnCleanList(msg)

	case dispatch.AttachDoneMsg:
		cmds = append(cmds, m.disp.OnAttachDone(msg))
		// Detach resume: the session and its worktree are stale, and
		// ahead/behind re-fetches immediately instead of waiting the interval.
		m.obs.MarkSessionDirty(m.tree, msg.SessionID)
		m.obs.MarkWorktreeDirty(m.tree, msg.WorktreePath)
		m.obs.MarkFetchDue(msg.WorktreePath)

	case dispatch.ActionDoneMsg:
		m.disp.OnActionDone(msg, m.tree)
		for _, path := range msg.DirtyWorktrees {
			m.obs.MarkWorktreeDirty(m.tree, path)
		}
		for _, id := range msg.DirtySessions {
			m.obs.MarkSessionDirty(m.tree, id)
		}
		m.setNotice(msg)

	case tea.MouseMsg:
		if cmd := m.handleMouse(msg); cmd != nil {
			cmds = append(cmds, cmd)
		}

	case tea.KeyMsg:
		cmd, quit := m.handleKey(msg)
		if quit {
			m.quitting = true
			return m, tea.Quit
		}
		if cmd != nil {
			cmds = append(cmds, cmd)
		}

	default:
		m.obs.Apply(m.tree, msg)
	}

	if m.tree.Epoch() != m.lastEpoch {
		m.lastEpoch = m.tree.Epoch()
		m.sel.Recompute(m.tree.Projects())
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) applyProjectLoaded(msg dispatch.ProjectLoadedMsg) []tea.Cmd {
	if msg.Err != nil {
		m.notice = "add project failed: " + msg.Err.Error()
		return nil
	}
	id := wsxmodel.NewProjectID(msg.Entry.Path)
	project := &wsxmodel.Project{
		ID:       id,
		RootPath: msg.Entry.Path,
		Alias:    msg.Entry.Alias,
		Config:   msg.Config,
	}
	if project.Config.DefaultBranch == "" {
		project.Config.DefaultBranch = msg.DefaultBranch
	}
	m.tree.InsertProject(project)
	for _, stub := range msg.Stubs {
		m.tree.InsertWorktree(id, &wsxmodel.Worktree{
			Path:   stub.Path,
			Branch: stub.Branch,
			IsMain: stub.IsMain,
		})
	}
	m.store.AddProject(msg.Entry.Path, msg.Entry.Alias)
	m.sel.Expand(string(id))

	m.obs.WatchProject(m.ctx, id, msg.Entry.Path)
	if wait := m.obs.WaitRepoChangedFor(id); wait != nil {
		return []tea.Cmd{wait}
	}
	return nil
}

func (m *Model) setNotice(msg dispatch.ActionDoneMsg) {
	switch {
	case msg.Err != nil:
		m.notice = msg.Intent + " failed: " + msg.Err.Error()
		var typed *wsxerr.Error
		if errors.As(msg.Err, &typed) && typed.Detail != "" {
			m.noticeDetail = typed.Detail
		}
	case msg.Notice != "":
		m.notice = msg.Notice
	}
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	// The search line consumes keys first: it stays active until Escape.
	if m.sel.Searching() && m.disp.State() == dispatch.StateIdle {
		if m.handleSearchKey(msg) {
			return nil, false
		}
	}

	row, _ := m.sel.CurrentRow()
	if cmd, handled := m.disp.HandleKey(msg, row, m.tree, time.Now()); handled {
		if row.Kind == wsxmodel.RowWorktree {
			m.obs.MarkSelected(row.Worktree.Path, time.Now())
		}
		return cmd, false
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return nil, true
	case "j", "down":
		m.sel.MoveDown()
		m.markSelection()
	case "k", "up":
		m.sel.MoveUp()
		m.markSelection()
	case "h", "left":
		if row, ok := m.sel.CurrentRow(); ok {
			switch row.Kind {
			case wsxmodel.RowProject:
				m.sel.Collapse(string(row.Project.ID))
			case wsxmodel.RowWorktree:
				m.sel.Collapse(row.Worktree.Path)
			}
			m.sel.Recompute(m.tree.Projects())
		}
	case "l", "right", "enter":
		// Enter on a session attaches (handled by the dispatcher above);
		// everywhere else it expands or collapses.
		if m.sel.ToggleCurrent() {
			m.sel.Recompute(m.tree.Projects())
		}
	case "]":
		m.sel.NextProject()
	case "[":
		m.sel.PrevProject()
	case "n":
		m.sel.NextPending()
		m.markSelection()
	case "N":
		m.sel.PrevPending()
		m.markSelection()
	case "a":
		m.sel.NextActive()
		m.markSelection()
	case "/":
		m.sel.StartSearch()
	}
	return nil, false
}

// handleSearchKey edits the live filter. Returns true when consumed.
func (m *Model) handleSearchKey(msg tea.KeyMsg) bool {
	switch msg.Type {
	case tea.KeyEsc:
		m.sel.EndSearch()
		m.sel.Recompute(m.tree.Projects())
		return true
	case tea.KeyBackspace:
		if filter := []rune(m.sel.Filter()); len(filter) > 0 {
			m.sel.SetFilter(string(filter[:len(filter)-1]))
			m.sel.Recompute(m.tree.Projects())
			m.sel.JumpToBestMatch()
		}
		return true
	case tea.KeyRunes:
		m.sel.SetFilter(m.sel.Filter() + string(msg.Runes))
		m.sel.Recompute(m.tree.Projects())
		m.sel.JumpToBestMatch()
		return true
	case tea.KeyEnter, tea.KeyUp, tea.KeyDown:
		return false // navigation inside active search falls through
	default:
		return false
	}
}

// markSelection keeps the fetch-eligibility window in step with cursor
// movement.
func (m *Model) markSelection() {
	if row, ok := m.sel.CurrentRow(); ok && row.Worktree != nil {
		m.obs.MarkSelected(row.Worktree.Path, time.Now())
	}
}

func (m *Model) handleMouse(msg tea.MouseMsg) tea.Cmd {
	if msg.Action != tea.MouseActionPress || msg.Button != tea.MouseButtonLeft {
		return nil
	}
	if msg.X < m.treeWidth() {
		idx := m.sel.ViewTop() + msg.Y - 1
		m.sel.SetCursor(idx)
		m.markSelection()
		return nil
	}
	// Click on the preview attaches the selected session.
	if row, ok := m.sel.CurrentRow(); ok && row.Kind == wsxmodel.RowSession {
		enter := tea.KeyMsg{Type: tea.KeyEnter}
		if cmd, handled := m.disp.HandleKey(enter, row, m.tree, time.Now()); handled {
			return cmd
		}
	}
	return nil
}
