package wsxmodel

import "sort"

// RowKind distinguishes the three tree levels in a flattened Row.
type RowKind int

const (
	RowProject RowKind = iota
	RowWorktree
	RowSession
)

// Row is one visible line in the flattened tree (spec section 4.7:
// "Visible flattened order equals in-order traversal of the tree
// restricted to expansion and filter").
type Row struct {
	Kind     RowKind
	Project  *Project
	Worktree *Worktree // set for RowWorktree and RowSession
	Session  *Session  // set for RowSession only
	Depth    int
}

// ExpansionSet tracks which projects and worktrees are expanded. Keys are
// ProjectID for projects and worktree path for worktrees, matching spec
// section 4.7's "ProjectId union WorktreePath".
type ExpansionSet map[string]bool

// MatchFn reports whether a row's own text matches the active filter. The
// flattener combines this with "an ancestor is visible if any descendant
// matches" (spec section 4.7): once an ancestor matches, its whole subtree
// is shown regardless of per-row match, the way an incremental file-tree
// search reveals a matched directory's full contents.
type MatchFn func(Row) bool

// Flatten walks the project/worktree/session tree in order and returns the
// rows visible under the given expansion set and filter. Sorting within a
// level follows Project.Order / tree-discovery order; ties break on name so
// results are deterministic (important for the wrap-around jump
// predicates in section 8's testable properties).
func Flatten(projects []*Project, expanded ExpansionSet, match MatchFn) []Row {
	sorted := make([]*Project, len(projects))
	copy(sorted, projects)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Order != sorted[j].Order {
			return sorted[i].Order < sorted[j].Order
		}
		return sorted[i].DisplayName() < sorted[j].DisplayName()
	})

	var rows []Row
	for _, p := range sorted {
		projectRow := Row{Kind: RowProject, Project: p, Depth: 0}
		selfMatch := match == nil || match(projectRow)
		worktreeRows, anyMatch := flattenWorktrees(p, expanded, match, selfMatch)
		if !selfMatch && !anyMatch {
			continue
		}
		rows = append(rows, projectRow)
		if expanded == nil || expanded[string(p.ID)] {
			rows = append(rows, worktreeRows...)
		}
	}
	return rows
}

func flattenWorktrees(p *Project, expanded ExpansionSet, match MatchFn, forceShow bool) ([]Row, bool) {
	var rows []Row
	anyMatch := false
	for _, w := range p.WorktreesInOrder() {
		wtRow := Row{Kind: RowWorktree, Project: p, Worktree: w, Depth: 1}
		selfMatch := forceShow || match == nil || match(wtRow)
		sessionRows, sessionsMatch := flattenSessions(p, w, match, selfMatch)
		if selfMatch || sessionsMatch {
			anyMatch = true
		}
		if !selfMatch && !sessionsMatch {
			continue
		}
		rows = append(rows, wtRow)
		if expanded == nil || expanded[w.Path] {
			rows = append(rows, sessionRows...)
		}
	}
	return rows, anyMatch
}

func flattenSessions(p *Project, w *Worktree, match MatchFn, forceShow bool) ([]Row, bool) {
	var rows []Row
	anyMatch := false
	for _, s := range w.SessionsInOrder() {
		row := Row{Kind: RowSession, Project: p, Worktree: w, Session: s, Depth: 2}
		if forceShow || match == nil || match(row) {
			anyMatch = true
			rows = append(rows, row)
		}
	}
	return rows, anyMatch
}
