// Package gitprobe wraps git invocations the way internal/git/service.go
// wraps os/exec directly, but routes every call through cmdexec.Executor
// instead of calling exec.CommandContext itself.
package gitprobe

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vlwkaos/wsx/internal/cmdexec"
	log "github.com/vlwkaos/wsx/internal/log"
	"github.com/vlwkaos/wsx/internal/wsxerr"
	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

// FetchDeadline bounds fetch per spec: best-effort, 10s.
const FetchDeadline = 10 * time.Second

var debugf = log.Scope("gitprobe")

// WorktreeStub is one entry returned by ListWorktrees, before sessions or
// config are attached by the caller.
type WorktreeStub struct {
	Path   string
	Branch string
	IsMain bool
}

// Probe issues git commands through an Executor and turns their results
// into wsxmodel types and wsxerr errors.
type Probe struct {
	exec *cmdexec.Executor
}

// New constructs a Probe over the given executor.
func New(exec *cmdexec.Executor) *Probe {
	return &Probe{exec: exec}
}

func (p *Probe) run(ctx context.Context, dir string, timeout time.Duration, args ...string) (cmdexec.Result, cmdexec.Token) {
	debugf("run %s (dir=%s)", strings.Join(args, " "), dir)
	return p.exec.Run(ctx, cmdexec.Spec{
		Kind:    cmdexec.KindGit,
		Argv:    args,
		Dir:     dir,
		Timeout: timeout,
	})
}

// NotAGitRepoErr builds the ProbeError the spec names for list_worktrees
// against a non-repository path.
func NotAGitRepoErr(path string) error {
	return wsxerr.New(wsxerr.KindProbe, fmt.Sprintf("%s is not a git repository", path))
}

// ListWorktrees parses `git worktree list --porcelain`, marking the first
// entry as main the way the teacher's GetWorktrees does.
func (p *Probe) ListWorktrees(ctx context.Context, projectRoot string) ([]WorktreeStub, error) {
	result, _ := p.run(ctx, projectRoot, 0, "git", "worktree", "list", "--porcelain")
	if result.Failure == cmdexec.FailureSpawn {
		return nil, wsxerr.Wrap(wsxerr.KindProbe, result.Err)
	}
	if !result.OK() {
		return nil, NotAGitRepoErr(projectRoot)
	}

	var stubs []WorktreeStub
	var cur *WorktreeStub
	for _, line := range strings.Split(string(result.Stdout), "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				stubs = append(stubs, *cur)
			}
			cur = &WorktreeStub{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && cur != nil:
			branch := strings.TrimPrefix(line, "branch ")
			cur.Branch = strings.TrimPrefix(branch, "refs/heads/")
		}
	}
	if cur != nil {
		stubs = append(stubs, *cur)
	}
	for i := range stubs {
		stubs[i].IsMain = i == 0
	}
	return stubs, nil
}

// Status parses `git status --porcelain=v2 --branch` (its branch headers
// give the upstream and ahead/behind counts) plus a bounded log for recent
// commits (spec section 4.2).
func (p *Probe) Status(ctx context.Context, worktreePath string) (wsxmodel.GitState, error) {
	statusResult, _ := p.run(ctx, worktreePath, 0, "git", "status", "--porcelain=v2", "--branch")
	if !statusResult.OK() {
		return wsxmodel.GitState{}, wsxerr.New(wsxerr.KindProbe, "git status failed: "+statusResult.Combined())
	}

	var state wsxmodel.GitState
	for _, line := range strings.Split(string(statusResult.Stdout), "\n") {
		switch {
		case strings.HasPrefix(line, "# branch.upstream "):
			state.RemoteBranch = strings.TrimPrefix(line, "# branch.upstream ")
		case strings.HasPrefix(line, "# branch.ab "):
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				ahead, _ := strconv.Atoi(strings.TrimPrefix(fields[2], "+"))
				behind, _ := strconv.Atoi(strings.TrimPrefix(fields[3], "-"))
				state.Ahead = uint32(ahead)
				state.Behind = uint32(behind)
			}
		case strings.HasPrefix(line, "?"):
			state.LocalDirty = true
			state.ChangedFiles = appendBounded(state.ChangedFiles, wsxmodel.FileChange{
				Path: strings.TrimPrefix(line, "? "), ChangeType: "??",
			})
		case strings.HasPrefix(line, "1 "), strings.HasPrefix(line, "2 "):
			state.LocalDirty = true
			fields := strings.Fields(line)
			if len(fields) > 8 {
				path := fields[len(fields)-1]
				state.ChangedFiles = appendBounded(state.ChangedFiles, wsxmodel.FileChange{
					Path: path, ChangeType: fields[1],
				})
			}
		}
	}

	logResult, _ := p.run(ctx, worktreePath, 0, "git", "log",
		"-n", strconv.Itoa(wsxmodel.MaxRecentCommits),
		"--format=%H|%s|%an|%ct")
	if logResult.OK() {
		for _, line := range strings.Split(strings.TrimSpace(string(logResult.Stdout)), "\n") {
			if line == "" {
				continue
			}
			parts := strings.SplitN(line, "|", 4)
			if len(parts) != 4 {
				continue
			}
			ts, _ := strconv.ParseInt(parts[3], 10, 64)
			state.RecentCommits = append(state.RecentCommits, wsxmodel.CommitSummary{
				SHA: parts[0], Subject: parts[1], Author: parts[2],
				When: time.Unix(ts, 0),
			})
		}
	}

	return state, nil
}

func appendBounded(files []wsxmodel.FileChange, fc wsxmodel.FileChange) []wsxmodel.FileChange {
	if len(files) >= wsxmodel.MaxChangedFiles {
		return files
	}
	return append(files, fc)
}

// Fetch runs `git fetch` with the spec's 10s best-effort deadline. A
// non-zero exit is surfaced to the caller but must not poison other probes.
func (p *Probe) Fetch(ctx context.Context, worktreePath string) error {
	result, _ := p.run(ctx, worktreePath, FetchDeadline, "git", "fetch")
	if !result.OK() {
		return wsxerr.Action(wsxerr.ClassifyExitError(result.Combined()), "git fetch failed", result.Combined())
	}
	return nil
}

// WorktreeAdd creates a new worktree on a new branch.
func (p *Probe) WorktreeAdd(ctx context.Context, projectRoot, branch, path string) error {
	result, _ := p.run(ctx, projectRoot, 0, "git", "worktree", "add", "-b", branch, path)
	if !result.OK() {
		return wsxerr.Action(wsxerr.ClassifyExitError(result.Combined()), "git worktree add failed", result.Combined())
	}
	return nil
}

// WorktreeRemove removes a worktree, optionally forced.
func (p *Probe) WorktreeRemove(ctx context.Context, projectRoot, path string, force bool) error {
	args := []string{"git", "worktree", "remove", path}
	if force {
		args = []string{"git", "worktree", "remove", "--force", path}
	}
	result, _ := p.run(ctx, projectRoot, 0, args...)
	if !result.OK() {
		return wsxerr.Action(wsxerr.ClassifyExitError(result.Combined()), strings.Join(args, " ")+" failed", result.Combined())
	}
	return nil
}

// Pull runs `git pull` in worktreePath.
func (p *Probe) Pull(ctx context.Context, worktreePath string) error {
	return p.runMutation(ctx, worktreePath, "git", "pull")
}

// Push runs `git push` in worktreePath.
func (p *Probe) Push(ctx context.Context, worktreePath string) error {
	return p.runMutation(ctx, worktreePath, "git", "push")
}

// PullRebase runs `git pull --rebase` in worktreePath, optionally against
// an explicit upstream branch.
func (p *Probe) PullRebase(ctx context.Context, worktreePath, branch string) error {
	args := []string{"git", "pull", "--rebase"}
	if branch != "" {
		args = append(args, "origin", branch)
	}
	return p.runMutation(ctx, worktreePath, args...)
}

// MergeFrom merges branch into worktreePath's current branch.
func (p *Probe) MergeFrom(ctx context.Context, worktreePath, branch string) error {
	return p.runMutation(ctx, worktreePath, "git", "merge", branch)
}

// MergeInto runs `git merge sourceBranch` inside targetWorktreePath, the
// worktree where the target branch is already checked out. The caller
// resolves that worktree from the project's worktree list.
func (p *Probe) MergeInto(ctx context.Context, targetWorktreePath, sourceBranch string) error {
	return p.runMutation(ctx, targetWorktreePath, "git", "merge", sourceBranch)
}

func (p *Probe) runMutation(ctx context.Context, dir string, args ...string) error {
	result, _ := p.run(ctx, dir, 0, args...)
	if !result.OK() {
		return wsxerr.Action(wsxerr.ClassifyExitError(result.Combined()), strings.Join(args, " ")+" failed", result.Combined())
	}
	return nil
}

// IsMergeable implements the "clean merged" policy from spec section 4.2:
// mergeable iff branch has no unmerged commits relative to defaultBranch,
// the worktree is clean, and it is not main. Recomputed per call, never
// cached.
func (p *Probe) IsMergeable(ctx context.Context, projectRoot, defaultBranch, branch string, localDirty, isMain bool) (bool, error) {
	if isMain || localDirty {
		return false, nil
	}
	result, _ := p.run(ctx, projectRoot, 0, "git", "branch", "--merged", defaultBranch)
	if !result.OK() {
		return false, wsxerr.New(wsxerr.KindProbe, "git branch --merged failed: "+result.Combined())
	}
	for _, line := range strings.Split(string(result.Stdout), "\n") {
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "* "), "+ "))
		if name == branch && name != defaultBranch {
			return true, nil
		}
	}
	return false, nil
}

// CommonDir resolves the repository's common git directory, the root the
// filesystem watcher observes for refs/logs/worktrees changes.
func (p *Probe) CommonDir(ctx context.Context, projectRoot string) string {
	result, _ := p.run(ctx, projectRoot, 0, "git", "rev-parse", "--git-common-dir")
	if !result.OK() {
		return ""
	}
	dir := strings.TrimSpace(string(result.Stdout))
	if dir == "" {
		return ""
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(projectRoot, dir)
	}
	return dir
}

// DefaultBranch resolves the repository's default branch, mirroring the
// teacher's GetMainBranch fallback to "main".
func (p *Probe) DefaultBranch(ctx context.Context, projectRoot string) string {
	result, _ := p.run(ctx, projectRoot, 0, "git", "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if result.OK() {
		out := strings.TrimSpace(string(result.Stdout))
		if out != "" {
			parts := strings.Split(out, "/")
			return parts[len(parts)-1]
		}
	}
	return "main"
}
