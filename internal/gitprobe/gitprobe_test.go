package gitprobe

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlwkaos/wsx/internal/cmdexec"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "commit.gpgsign", "false")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output))
}

func TestListWorktreesMarksFirstAsMain(t *testing.T) {
	repo := newTestRepo(t)
	wtPath := filepath.Join(t.TempDir(), "feat")
	runGit(t, repo, "worktree", "add", "-b", "feat", wtPath)

	probe := New(cmdexec.New(0, 0))
	stubs, err := probe.ListWorktrees(context.Background(), repo)
	require.NoError(t, err)
	require.Len(t, stubs, 2)
	assert.True(t, stubs[0].IsMain)
	assert.False(t, stubs[1].IsMain)
	assert.Equal(t, "feat", stubs[1].Branch)
}

func TestListWorktreesNotAGitRepo(t *testing.T) {
	probe := New(cmdexec.New(0, 0))
	_, err := probe.ListWorktrees(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestStatusReportsDirtyAndRecentCommits(t *testing.T) {
	repo := newTestRepo(t)
	probe := New(cmdexec.New(0, 0))

	state, err := probe.Status(context.Background(), repo)
	require.NoError(t, err)
	assert.False(t, state.LocalDirty)
	require.Len(t, state.RecentCommits, 1)
	assert.Equal(t, "initial", state.RecentCommits[0].Subject)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("changed\n"), 0o644))
	state, err = probe.Status(context.Background(), repo)
	require.NoError(t, err)
	assert.True(t, state.LocalDirty)
	require.NotEmpty(t, state.ChangedFiles)
}

func TestIsMergeableExcludesMainAndDirty(t *testing.T) {
	repo := newTestRepo(t)
	wtPath := filepath.Join(t.TempDir(), "feat")
	runGit(t, repo, "worktree", "add", "-b", "feat", wtPath)
	runGit(t, repo, "merge", "feat") // merges trivially since feat has no new commits yet

	probe := New(cmdexec.New(0, 0))
	mergeable, err := probe.IsMergeable(context.Background(), repo, "main", "feat", false, false)
	require.NoError(t, err)
	assert.True(t, mergeable)

	mergeableMain, err := probe.IsMergeable(context.Background(), repo, "main", "main", false, true)
	require.NoError(t, err)
	assert.False(t, mergeableMain, "main worktree is never cleanup-mergeable")

	mergeableDirty, err := probe.IsMergeable(context.Background(), repo, "main", "feat", true, false)
	require.NoError(t, err)
	assert.False(t, mergeableDirty, "dirty worktrees are never cleanup-mergeable")
}

func TestWorktreeAddAndRemove(t *testing.T) {
	repo := newTestRepo(t)
	wtPath := filepath.Join(t.TempDir(), "feat")
	probe := New(cmdexec.New(0, 0))

	require.NoError(t, probe.WorktreeAdd(context.Background(), repo, "feat", wtPath))
	stubs, err := probe.ListWorktrees(context.Background(), repo)
	require.NoError(t, err)
	assert.Len(t, stubs, 2)

	require.NoError(t, probe.WorktreeRemove(context.Background(), repo, wtPath, false))
	stubs, err = probe.ListWorktrees(context.Background(), repo)
	require.NoError(t, err)
	assert.Len(t, stubs, 1)
}

func TestDefaultBranchFallsBackToMain(t *testing.T) {
	repo := newTestRepo(t)
	probe := New(cmdexec.New(0, 0))
	assert.Equal(t, "main", probe.DefaultBranch(context.Background(), repo))
}
