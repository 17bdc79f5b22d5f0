package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

// buildModel assembles one project with two worktrees and three sessions,
// the smallest tree that exercises all three row kinds.
func buildModel(t *testing.T) (*wsxmodel.Model, wsxmodel.ProjectID) {
	t.Helper()
	m := wsxmodel.New()
	id := wsxmodel.NewProjectID("/repo")
	m.InsertProject(&wsxmodel.Project{ID: id, RootPath: "/repo", Alias: "repo"})
	m.InsertWorktree(id, &wsxmodel.Worktree{Path: "/repo", Branch: "main", IsMain: true})
	m.InsertWorktree(id, &wsxmodel.Worktree{Path: "/wt/feat", Branch: "feat"})
	m.UpsertSession("/repo", &wsxmodel.Session{ID: "s1", Alias: "build", Status: wsxmodel.StatusIdle})
	m.UpsertSession("/repo", &wsxmodel.Session{ID: "s2", Alias: "serve", Status: wsxmodel.StatusPending})
	m.UpsertSession("/wt/feat", &wsxmodel.Session{ID: "s3", Alias: "test", Status: wsxmodel.StatusPending})
	return m, id
}

func expandAll(e *Engine, id wsxmodel.ProjectID) {
	e.Expand(string(id))
	e.Expand("/repo")
	e.Expand("/wt/feat")
}

func TestNextPendingCyclesWithoutRepeatingUntilExhausted(t *testing.T) {
	m, id := buildModel(t)
	e := New()
	expandAll(e, id)
	e.Recompute(m.Projects())

	seen := make(map[wsxmodel.SessionID]int)
	for i := 0; i < 4; i++ {
		e.NextPending()
		row, ok := e.CurrentRow()
		require.True(t, ok)
		require.Equal(t, wsxmodel.RowSession, row.Kind)
		assert.Equal(t, wsxmodel.StatusPending, row.Session.Status)
		seen[row.Session.ID]++
	}
	// Two pending sessions, four jumps: each visited exactly twice.
	assert.Equal(t, 2, seen["s2"])
	assert.Equal(t, 2, seen["s3"])
}

func TestNextPendingNoOpWithZeroMatches(t *testing.T) {
	m := wsxmodel.New()
	e := New()
	e.Recompute(m.Projects())
	e.NextPending()
	_, ok := e.CurrentRow()
	assert.False(t, ok, "zero projects: jump predicates no-op")
}

func TestPrevPendingWrapsBackward(t *testing.T) {
	m, id := buildModel(t)
	e := New()
	expandAll(e, id)
	e.Recompute(m.Projects())

	e.PrevPending()
	row, ok := e.CurrentRow()
	require.True(t, ok)
	assert.Equal(t, wsxmodel.SessionID("s3"), row.Session.ID, "backward jump from top wraps to the last pending session")
}

func TestNextProjectWraps(t *testing.T) {
	m, _ := buildModel(t)
	id2 := wsxmodel.NewProjectID("/other")
	m.InsertProject(&wsxmodel.Project{ID: id2, RootPath: "/other", Alias: "other", Order: 1})

	e := New()
	e.Recompute(m.Projects())

	e.NextProject()
	row, _ := e.CurrentRow()
	assert.Equal(t, "other", row.Project.DisplayName())

	e.NextProject()
	row, _ = e.CurrentRow()
	assert.Equal(t, "repo", row.Project.DisplayName(), "jump wraps past the last project")
}

func TestJumpSkipsCollapsedDescendants(t *testing.T) {
	m, id := buildModel(t)
	e := New()
	e.Expand(string(id))
	// worktrees collapsed: their sessions are not visible rows
	e.Recompute(m.Projects())

	e.NextPending()
	row, ok := e.CurrentRow()
	require.True(t, ok)
	assert.Equal(t, wsxmodel.RowProject, row.Kind, "no visible pending session to land on")
}

func TestFilterMatchesProjectAliasBranchAndSessionAlias(t *testing.T) {
	m, id := buildModel(t)
	e := New()
	expandAll(e, id)

	e.SetFilter("FEAT")
	e.Recompute(m.Projects())
	var branches []string
	for _, r := range e.Rows() {
		if r.Kind == wsxmodel.RowWorktree {
			branches = append(branches, r.Worktree.Branch)
		}
	}
	assert.Equal(t, []string{"feat"}, branches, "filter is case-insensitive substring")

	e.SetFilter("serve")
	e.Recompute(m.Projects())
	foundSession := false
	for _, r := range e.Rows() {
		if r.Kind == wsxmodel.RowSession && r.Session.Alias == "serve" {
			foundSession = true
		}
	}
	assert.True(t, foundSession, "ancestors of a matching session stay visible")
}

func TestSearchStaysActiveUntilEscape(t *testing.T) {
	m, id := buildModel(t)
	e := New()
	expandAll(e, id)
	e.StartSearch()
	e.SetFilter("serve")
	e.Recompute(m.Projects())

	// Single match does not auto-exit the search.
	assert.True(t, e.Searching())

	e.EndSearch()
	e.Recompute(m.Projects())
	assert.False(t, e.Searching())
	assert.Empty(t, e.Filter())
}

func TestJumpToBestMatchMovesCursor(t *testing.T) {
	m, id := buildModel(t)
	e := New()
	expandAll(e, id)
	e.SetFilter("test")
	e.Recompute(m.Projects())
	e.JumpToBestMatch()

	row, ok := e.CurrentRow()
	require.True(t, ok)
	assert.Equal(t, "test", RowText(row))
}

func TestViewportThresholdsAreAsymmetric(t *testing.T) {
	m := wsxmodel.New()
	id := wsxmodel.NewProjectID("/repo")
	m.InsertProject(&wsxmodel.Project{ID: id, RootPath: "/repo"})
	m.InsertWorktree(id, &wsxmodel.Worktree{Path: "/repo", Branch: "main", IsMain: true})
	for i := 0; i < 40; i++ {
		m.UpsertSession("/repo", &wsxmodel.Session{ID: wsxmodel.SessionID(string(rune('a' + i))), Alias: "s"})
	}
	e := New()
	e.Expand(string(id))
	e.Expand("/repo")
	e.SetHeight(20)
	e.Recompute(m.Projects())

	// Move down past the 3/4 threshold: viewport follows so the cursor sits
	// at the 3/4 line.
	for i := 0; i < 20; i++ {
		e.MoveDown()
	}
	assert.Equal(t, e.ViewTop()+20*3/4, e.Cursor())

	// Move up past the 1/4 threshold: cursor sits at the 1/4 line.
	for i := 0; i < 12; i++ {
		e.MoveUp()
	}
	assert.Equal(t, e.ViewTop()+20/4, e.Cursor())
}

func TestRecomputeKeepsCursorOnSurvivingEntity(t *testing.T) {
	m, id := buildModel(t)
	e := New()
	expandAll(e, id)
	e.Recompute(m.Projects())
	e.NextPending() // lands on s2

	m.UpsertSession("/repo", &wsxmodel.Session{ID: "s0", Alias: "early", Status: wsxmodel.StatusIdle})
	e.Recompute(m.Projects())

	row, ok := e.CurrentRow()
	require.True(t, ok)
	assert.Equal(t, wsxmodel.SessionID("s2"), row.Session.ID, "cursor follows the entity, not the index")
}
