// Package selection owns the cursor over the flattened visible tree: the
// expansion set, the incremental-search filter, the jump predicates, and
// the asymmetric scroll thresholds. It never holds pointers into the
// Model beyond one recompute cycle; rows are rebuilt from a fresh project
// slice after every mutation batch.
package selection

import (
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

// Engine is the selection state for one tree view.
type Engine struct {
	rows      []wsxmodel.Row
	cursor    int
	viewTop   int
	height    int
	filter    string
	searching bool
	expanded  wsxmodel.ExpansionSet
}

// New returns an Engine with an empty expansion set; callers expand
// projects as they are inserted.
func New() *Engine {
	return &Engine{expanded: make(wsxmodel.ExpansionSet), height: 20}
}

// RowText is the filter corpus for one row: project alias, worktree
// branch, or session alias, matching the filter semantics of the search
// line.
func RowText(r wsxmodel.Row) string {
	switch r.Kind {
	case wsxmodel.RowWorktree:
		return r.Worktree.Branch
	case wsxmodel.RowSession:
		return r.Session.Alias
	default:
		return r.Project.DisplayName()
	}
}

func (e *Engine) matchFn() wsxmodel.MatchFn {
	if e.filter == "" {
		return nil
	}
	needle := strings.ToLower(e.filter)
	return func(r wsxmodel.Row) bool {
		return strings.Contains(strings.ToLower(RowText(r)), needle)
	}
}

// Recompute rebuilds the visible rows from the current projects, keeping
// the cursor on the same entity when it survives the rebuild.
func (e *Engine) Recompute(projects []*wsxmodel.Project) {
	prevKey := e.cursorKey()
	e.rows = wsxmodel.Flatten(projects, e.expanded, e.matchFn())
	if prevKey != "" {
		for i, r := range e.rows {
			if rowKey(r) == prevKey {
				e.cursor = i
				e.clampViewport()
				return
			}
		}
	}
	if e.cursor >= len(e.rows) {
		e.cursor = len(e.rows) - 1
	}
	if e.cursor < 0 {
		e.cursor = 0
	}
	e.clampViewport()
}

func rowKey(r wsxmodel.Row) string {
	switch r.Kind {
	case wsxmodel.RowWorktree:
		return "w:" + r.Worktree.Path
	case wsxmodel.RowSession:
		return "s:" + string(r.Session.ID)
	default:
		return "p:" + string(r.Project.ID)
	}
}

func (e *Engine) cursorKey() string {
	if e.cursor >= 0 && e.cursor < len(e.rows) {
		return rowKey(e.rows[e.cursor])
	}
	return ""
}

// Rows returns the current visible rows.
func (e *Engine) Rows() []wsxmodel.Row { return e.rows }

// Cursor returns the cursor index into Rows.
func (e *Engine) Cursor() int { return e.cursor }

// ViewTop returns the first visible row index for the renderer.
func (e *Engine) ViewTop() int { return e.viewTop }

// SetHeight informs the engine of the viewport height in rows.
func (e *Engine) SetHeight(h int) {
	if h < 1 {
		h = 1
	}
	e.height = h
	e.clampViewport()
}

// CurrentRow returns the row under the cursor.
func (e *Engine) CurrentRow() (wsxmodel.Row, bool) {
	if e.cursor < 0 || e.cursor >= len(e.rows) {
		return wsxmodel.Row{}, false
	}
	return e.rows[e.cursor], true
}

// SetCursor moves the cursor to an absolute row index (mouse click).
func (e *Engine) SetCursor(i int) {
	if i < 0 || i >= len(e.rows) {
		return
	}
	down := i > e.cursor
	e.cursor = i
	e.adjustViewport(down)
}

// MoveDown advances the cursor one visible row.
func (e *Engine) MoveDown() {
	if e.cursor < len(e.rows)-1 {
		e.cursor++
		e.adjustViewport(true)
	}
}

// MoveUp retreats the cursor one visible row.
func (e *Engine) MoveUp() {
	if e.cursor > 0 {
		e.cursor--
		e.adjustViewport(false)
	}
}

// adjustViewport keeps the cursor between the 1/4 (moving up) and 3/4
// (moving down) viewport thresholds. The asymmetry is deliberate: it gives
// more lookahead in the direction of travel.
func (e *Engine) adjustViewport(down bool) {
	if len(e.rows) == 0 {
		e.viewTop = 0
		return
	}
	if down {
		threshold := e.viewTop + e.height*3/4
		if e.cursor > threshold {
			e.viewTop = e.cursor - e.height*3/4
		}
	} else {
		threshold := e.viewTop + e.height/4
		if e.cursor < threshold {
			e.viewTop = e.cursor - e.height/4
		}
	}
	e.clampViewport()
}

func (e *Engine) clampViewport() {
	maxTop := len(e.rows) - e.height
	if maxTop < 0 {
		maxTop = 0
	}
	if e.viewTop > maxTop {
		e.viewTop = maxTop
	}
	if e.viewTop < 0 {
		e.viewTop = 0
	}
	if e.viewTop > e.cursor {
		e.viewTop = e.cursor
	}
}

// Expanded reports whether a project or worktree key is expanded.
func (e *Engine) Expanded(key string) bool { return e.expanded[key] }

// ExpansionSet exposes the set for the observer's "project expanded"
// fetch-eligibility predicate.
func (e *Engine) ExpansionSet() wsxmodel.ExpansionSet { return e.expanded }

// Expand marks a project id or worktree path expanded.
func (e *Engine) Expand(key string) { e.expanded[key] = true }

// Collapse removes a key from the expansion set.
func (e *Engine) Collapse(key string) { delete(e.expanded, key) }

// ToggleCurrent expands or collapses the row under the cursor and reports
// whether the row was expandable at all (sessions are not).
func (e *Engine) ToggleCurrent() bool {
	row, ok := e.CurrentRow()
	if !ok {
		return false
	}
	var key string
	switch row.Kind {
	case wsxmodel.RowProject:
		key = string(row.Project.ID)
	case wsxmodel.RowWorktree:
		key = row.Worktree.Path
	default:
		return false
	}
	if e.expanded[key] {
		delete(e.expanded, key)
	} else {
		e.expanded[key] = true
	}
	return true
}

// Filter returns the active filter string.
func (e *Engine) Filter() string { return e.filter }

// Searching reports whether the search line is open. Search stays active
// until explicit Escape; a single remaining match does not auto-exit.
func (e *Engine) Searching() bool { return e.searching }

// StartSearch opens the search line.
func (e *Engine) StartSearch() { e.searching = true }

// SetFilter updates the live filter; callers must Recompute afterwards.
func (e *Engine) SetFilter(filter string) { e.filter = filter }

// EndSearch closes the search line and clears the filter (explicit
// Escape); callers must Recompute afterwards.
func (e *Engine) EndSearch() {
	e.searching = false
	e.filter = ""
}

// JumpToBestMatch moves the cursor to the highest-scoring fuzzy match for
// the current filter; ties and non-matches keep tree order. Called after
// each filter keystroke so the cursor tracks what the user is typing.
func (e *Engine) JumpToBestMatch() {
	if e.filter == "" || len(e.rows) == 0 {
		return
	}
	corpus := make([]string, len(e.rows))
	for i, r := range e.rows {
		corpus[i] = RowText(r)
	}
	matches := fuzzy.Find(e.filter, corpus)
	if len(matches) > 0 {
		e.cursor = matches[0].Index
		e.clampViewport()
	}
}

// NextProject moves the cursor to the next project row, wrapping.
func (e *Engine) NextProject() { e.jump(1, func(r wsxmodel.Row) bool { return r.Kind == wsxmodel.RowProject }) }

// PrevProject moves the cursor to the previous project row, wrapping.
func (e *Engine) PrevProject() { e.jump(-1, func(r wsxmodel.Row) bool { return r.Kind == wsxmodel.RowProject }) }

// NextPending moves the cursor to the next Pending session, wrapping.
func (e *Engine) NextPending() { e.jump(1, sessionWithStatus(wsxmodel.StatusPending)) }

// PrevPending moves the cursor to the previous Pending session, wrapping.
func (e *Engine) PrevPending() { e.jump(-1, sessionWithStatus(wsxmodel.StatusPending)) }

// NextActive moves the cursor to the next Active session, wrapping.
func (e *Engine) NextActive() { e.jump(1, sessionWithStatus(wsxmodel.StatusActive)) }

func sessionWithStatus(status wsxmodel.SessionStatus) func(wsxmodel.Row) bool {
	return func(r wsxmodel.Row) bool {
		return r.Kind == wsxmodel.RowSession && r.Session.Status == status
	}
}

// jump advances the cursor in tree order to the next row matching pred,
// wrapping around and visiting every other candidate before repeating the
// current one. With zero matches it is a no-op.
func (e *Engine) jump(dir int, pred func(wsxmodel.Row) bool) {
	n := len(e.rows)
	if n == 0 {
		return
	}
	for step := 1; step <= n; step++ {
		i := ((e.cursor+dir*step)%n + n) % n
		if pred(e.rows[i]) {
			down := dir > 0
			e.cursor = i
			e.adjustViewport(down)
			return
		}
	}
}
