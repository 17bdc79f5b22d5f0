package app

import (
	"fmt"
	"strings"

	devicons "github.com/epilande/go-devicons"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wrap"

	"github.com/vlwkaos/wsx/internal/dispatch"
	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

var (
	styleCursor   = lipgloss.NewStyle().Reverse(true)
	styleActive   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	stylePending  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleMuted    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleGone     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Strikethrough(true)
	styleDiverged = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	styleDirty    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleDim      = lipgloss.NewStyle().Faint(true)
	styleTitle    = lipgloss.NewStyle().Bold(true)
	styleNotice   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleBorder   = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), false, true, false, false)
)

func (m *Model) treeWidth() int {
	w := m.width * 2 / 5
	if w < 30 {
		w = 30
	}
	if w > 60 {
		w = 60
	}
	return w
}

func (m *Model) treeHeight() int {
	h := m.height - 2 // search line on top, status line below
	if h < 1 {
		h = 1
	}
	return h
}

// View paints search line, tree + preview, and the status line.
func (m *Model) View() string {
	if m.quitting || m.width == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.searchLine())
	b.WriteString("\n")

	tree := m.renderTree()
	right := m.renderRight()
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tree, right))
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	return b.String()
}

func (m *Model) searchLine() string {
	if m.sel.Searching() {
		return "/" + m.sel.Filter() + "▌"
	}
	return styleTitle.Render("wsx") + styleDim.Render("  projects · worktrees · sessions")
}

func (m *Model) renderTree() string {
	rows := m.sel.Rows()
	height := m.treeHeight()
	width := m.treeWidth()

	lines := make([]string, 0, height)
	if len(rows) == 0 {
		lines = append(lines, styleDim.Render("  no projects — press p to add one"))
	}
	top := m.sel.ViewTop()
	for i := top; i < len(rows) && i < top+height; i++ {
		line := m.renderRow(rows[i])
		if i == m.sel.Cursor() {
			line = styleCursor.Render(padRight(line, width-1))
		}
		lines = append(lines, truncate(line, width-1))
	}
	for len(lines) < height {
		lines = append(lines, "")
	}
	return styleBorder.Width(width).Render(strings.Join(lines, "\n"))
}

func (m *Model) renderRow(r wsxmodel.Row) string {
	indent := strings.Repeat("  ", r.Depth)
	switch r.Kind {
	case wsxmodel.RowProject:
		return indent + m.renderProjectRow(r.Project)
	case wsxmodel.RowWorktree:
		return indent + m.renderWorktreeRow(r.Worktree)
	default:
		return indent + renderSessionRow(r.Session)
	}
}

func (m *Model) renderProjectRow(p *wsxmodel.Project) string {
	arrow := "▸"
	expanded := m.sel.Expanded(string(p.ID))
	if expanded {
		arrow = "▾"
	}
	line := arrow + " " + styleTitle.Render(p.DisplayName())
	if p.Missing {
		line += " " + styleGone.Render("missing")
	}
	if p.Config.ParseErr != nil {
		line += " " + styleNotice.Render("!cfg")
	}
	// Roll-up counts are shown only while collapsed.
	if !expanded {
		pending, active := 0, 0
		for _, w := range p.WorktreesInOrder() {
			for _, s := range w.SessionsInOrder() {
				switch s.Status {
				case wsxmodel.StatusPending:
					pending++
				case wsxmodel.StatusActive:
					active++
				}
			}
		}
		if pending > 0 {
			line += stylePending.Render(fmt.Sprintf(" ●%d", pending))
		}
		if active > 0 {
			line += styleActive.Render(fmt.Sprintf(" ▸%d", active))
		}
	}
	return line
}

func (m *Model) renderWorktreeRow(w *wsxmodel.Worktree) string {
	arrow := "▸"
	if m.sel.Expanded(w.Path) {
		arrow = "▾"
	}
	line := arrow + " " + w.Branch
	if ind := w.Git.Indicator(); ind != "" {
		style := styleDirty
		if w.Git.Ahead > 0 && w.Git.Behind > 0 {
			style = styleDiverged
		}
		line += " " + style.Render(ind)
	}
	if m.obs.Failures(wsxmodel.WorktreeKey(w.Path)) > 0 {
		line += " " + styleNotice.Render("·")
	}
	return line
}

func renderSessionRow(s *wsxmodel.Session) string {
	switch s.Status {
	case wsxmodel.StatusActive:
		return styleActive.Render("▸ " + s.Alias)
	case wsxmodel.StatusPending:
		return stylePending.Render("● " + s.Alias)
	case wsxmodel.StatusMuted:
		return styleMuted.Render("◌ " + s.Alias)
	case wsxmodel.StatusGone:
		return styleGone.Render("✗ " + s.Alias)
	default:
		return "· " + s.Alias
	}
}

func (m *Model) renderRight() string {
	width := m.width - m.treeWidth()
	if width < 10 {
		return ""
	}
	height := m.treeHeight()

	var content string
	switch m.disp.Popup() {
	case dispatch.PopupHelp:
		content = m.helpText()
	case dispatch.PopupConfig:
		content = m.configText()
	default:
		content = m.previewText(width - 2)
	}

	lines := strings.Split(content, "\n")
	if len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	// Preview is bottom-aligned.
	pad := make([]string, 0, height)
	for i := len(lines); i < height; i++ {
		pad = append(pad, "")
	}
	return lipgloss.NewStyle().Width(width).Render(strings.Join(append(pad, lines...), "\n"))
}

func (m *Model) previewText(width int) string {
	row, ok := m.sel.CurrentRow()
	if !ok {
		return ""
	}
	switch row.Kind {
	case wsxmodel.RowSession:
		if len(row.Session.Tail) == 0 {
			return styleDim.Render("(no output captured yet)")
		}
		return wrap.String(string(row.Session.Tail), width)
	case wsxmodel.RowWorktree:
		return m.worktreePreview(row.Worktree, width)
	default:
		return m.projectPreview(row.Project)
	}
}

func (m *Model) worktreePreview(w *wsxmodel.Worktree, width int) string {
	var b strings.Builder
	b.WriteString(styleTitle.Render(w.Branch) + "\n")
	if w.Git.RemoteBranch != "" {
		fmt.Fprintf(&b, "%s  ↓%d ↑%d\n", w.Git.RemoteBranch, w.Git.Behind, w.Git.Ahead)
	} else {
		b.WriteString(styleDim.Render("no upstream") + "\n")
	}
	if len(w.Git.ChangedFiles) > 0 {
		b.WriteString("\n")
		for _, f := range w.Git.ChangedFiles {
			icon := devicons.IconForPath(f.Path).Icon
			fmt.Fprintf(&b, "%s %s %s\n", f.ChangeType, icon, f.Path)
		}
	}
	if len(w.Git.RecentCommits) > 0 {
		b.WriteString("\n")
		for _, c := range w.Git.RecentCommits {
			short := c.SHA
			if len(short) > 8 {
				short = short[:8]
			}
			line := fmt.Sprintf("%s %s", styleDim.Render(short), c.Subject)
			b.WriteString(truncate(line, width) + "\n")
		}
	}
	return b.String()
}

func (m *Model) projectPreview(p *wsxmodel.Project) string {
	var b strings.Builder
	b.WriteString(styleTitle.Render(p.DisplayName()) + "\n")
	b.WriteString(styleDim.Render(p.RootPath) + "\n")
	fmt.Fprintf(&b, "%d worktrees\n", len(p.WorktreesInOrder()))
	return b.String()
}

func (m *Model) configText() string {
	row, ok := m.sel.CurrentRow()
	if !ok || row.Project == nil {
		return ""
	}
	cfg := row.Project.Config
	var b strings.Builder
	b.WriteString(styleTitle.Render(".gtrconfig — "+row.Project.DisplayName()) + "\n\n")
	b.WriteString("[hooks]\n")
	if cfg.PostCreateHook != "" {
		b.WriteString("  postCreate = " + cfg.PostCreateHook + "\n")
	}
	b.WriteString("[copy]\n")
	for _, inc := range cfg.CopyInclude {
		b.WriteString("  include = " + inc + "\n")
	}
	for _, exc := range cfg.CopyExclude {
		b.WriteString("  exclude = " + exc + "\n")
	}
	if cfg.ParseErr != nil {
		b.WriteString("\n" + styleNotice.Render("parse error: "+cfg.ParseErr.Error()) + "\n")
	}
	b.WriteString("\n" + styleDim.Render("q/esc to close"))
	return b.String()
}

func (m *Model) helpText() string {
	help := `wsx keys

  j/k ↑/↓    move      h/l ←/→  collapse/expand
  enter      expand or attach
  [/]        prev/next project
  n/N        next/prev pending   a  next active
  /          search (esc exits)

  p  add project     w  new worktree    s  new session
  S  send command    C  send ctrl+c     x  dismiss/mute
  d  delete          c  clean merged    g  git popup
  m  reorder         r  set alias       e  view .gtrconfig

  git popup: p pull · P push · r pull-rebase · m merge-from · M merge-into

  q  quit`
	if m.noticeDetail != "" {
		help += "\n\n" + styleTitle.Render("last error output") + "\n" + m.noticeDetail
	}
	return help
}

func (m *Model) statusLine() string {
	switch m.disp.State() {
	case dispatch.StatePrompt:
		return m.disp.PromptLabel() + ": " + m.disp.PromptView()
	case dispatch.StateConfirm:
		return m.disp.ConfirmText() + styleDim.Render("  [y/n]")
	case dispatch.StateExternal:
		return styleDim.Render("working… (esc to cancel)")
	case dispatch.StateReorder:
		return styleDim.Render("reorder: j/k move · esc done")
	case dispatch.StatePopup:
		if m.disp.Popup() == dispatch.PopupGit {
			return "git: p pull · P push · r pull-rebase · m merge-from · M merge-into · esc"
		}
		return styleDim.Render("q/esc to close")
	default:
		if m.notice != "" {
			return styleNotice.Render(truncate(m.notice, m.width-12)) + styleDim.Render("  (? detail)")
		}
		return styleDim.Render("? help · / search · q quit")
	}
}

func padRight(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

func truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-1]) + "…"
}
