package observer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"

	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

// RepoWatcher observes one project's git common dir (refs, logs,
// worktrees) so ref movement marks the project's worktrees dirty
// immediately instead of waiting out the status debounce window.
type RepoWatcher struct {
	projectID wsxmodel.ProjectID
	roots     []string
	events    chan struct{}
	done      chan struct{}
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	paths     map[string]struct{}
}

// WatchProject starts a watcher over the project's common dir. A second
// call for the same project is a no-op. Errors are logged, not fatal: the
// status ticker still covers the worktree, just slower.
func (o *Observer) WatchProject(ctx context.Context, projectID wsxmodel.ProjectID, rootPath string) {
	if _, ok := o.watchers[projectID]; ok {
		return
	}
	commonDir := o.git.CommonDir(ctx, rootPath)
	if commonDir == "" {
		debugf("unable to resolve git common dir for %s", rootPath)
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		debugf("fsnotify unavailable: %v", err)
		return
	}

	w := &RepoWatcher{
		projectID: projectID,
		events:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		watcher:   watcher,
		paths:     make(map[string]struct{}),
		roots: []string{
			filepath.Join(commonDir, "refs"),
			filepath.Join(commonDir, "logs"),
			filepath.Join(commonDir, "worktrees"),
		},
	}
	w.addWatchDir(commonDir)
	for _, root := range w.roots {
		w.addWatchTree(root)
	}
	go w.run()
	o.watchers[projectID] = w
}

// UnwatchProject stops and drops a project's watcher.
func (o *Observer) UnwatchProject(projectID wsxmodel.ProjectID) {
	if w, ok := o.watchers[projectID]; ok {
		w.stop()
		delete(o.watchers, projectID)
	}
}

// Stop tears down every watcher.
func (o *Observer) Stop() {
	for id, w := range o.watchers {
		w.stop()
		delete(o.watchers, id)
	}
}

// WaitRepoChanged returns commands, one per watcher, that block until the
// next filesystem event and post a RepoChangedMsg. The app re-issues the
// command for a project after consuming its message.
func (o *Observer) WaitRepoChanged() []tea.Cmd {
	cmds := make([]tea.Cmd, 0, len(o.watchers))
	for _, w := range o.watchers {
		cmds = append(cmds, w.waitCmd())
	}
	return cmds
}

// WaitRepoChangedFor returns the wait command for one project, or nil if
// it has no watcher.
func (o *Observer) WaitRepoChangedFor(projectID wsxmodel.ProjectID) tea.Cmd {
	if w, ok := o.watchers[projectID]; ok {
		return w.waitCmd()
	}
	return nil
}

// OnRepoChanged marks every worktree of the project dirty. Debouncing
// happens naturally at the status ticker: forced probes still coalesce on
// the per-entity in-flight guard.
func (o *Observer) OnRepoChanged(m *wsxmodel.Model, projectID wsxmodel.ProjectID) {
	p, ok := m.Project(projectID)
	if !ok {
		return
	}
	for _, w := range p.WorktreesInOrder() {
		o.forced[w.Path] = true
	}
}

func (w *RepoWatcher) waitCmd() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-w.done:
			return nil
		case <-w.events:
			return RepoChangedMsg{ProjectID: w.projectID}
		}
	}
}

func (w *RepoWatcher) stop() {
	close(w.done)
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}

func (w *RepoWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				w.maybeWatchNewDir(event.Name)
			}
			w.signal()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			debugf("watcher error: %v", err)
		}
	}
}

func (w *RepoWatcher) signal() {
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.events <- struct{}{}:
	default:
	}
}

func (w *RepoWatcher) maybeWatchNewDir(path string) {
	if !w.isUnderRoot(path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	w.addWatchDir(path)
}

func (w *RepoWatcher) isUnderRoot(path string) bool {
	if path == "" {
		return false
	}
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *RepoWatcher) addWatchDir(path string) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.paths[path]; ok {
		return
	}
	if err := w.watcher.Add(path); err != nil {
		debugf("watcher add failed for %s: %v", path, err)
		return
	}
	w.paths[path] = struct{}{}
}

func (w *RepoWatcher) addWatchTree(root string) {
	if root == "" {
		return
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		w.addWatchDir(path)
		return nil
	})
}
