// Package wsxmodel is the typed in-memory tree of projects, worktrees, and
// sessions (component C5). It is owned by a single writer — the event
// loop's Update function — so it carries no internal locking (spec
// section 5: "this eliminates locks on the Model entirely"). The rows
// SelectionEngine builds hold direct pointers into these structs; they
// are rebuilt from the Model after every mutation batch.
package wsxmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"
)

// ProjectID content-addresses a project by its canonical absolute root
// path, the way lazyworktree's git service content-addresses cache
// directories with sha256.
type ProjectID string

// NewProjectID derives a stable ProjectID from a repository root path.
func NewProjectID(rootPath string) ProjectID {
	clean := filepath.Clean(rootPath)
	sum := sha256.Sum256([]byte(clean))
	return ProjectID(hex.EncodeToString(sum[:])[:16])
}

// SessionID is the multiplexer session name, namespaced as
// wsx/<project>/<worktree>/<alias> so it doubles as the identifier the
// multiplexer itself uses.
type SessionID string

// SessionStatus is the tagged variant from spec section 3. Transitions are
// computed by the classifier, never stored independently of its inputs.
type SessionStatus string

const (
	StatusActive  SessionStatus = "active"
	StatusPending SessionStatus = "pending"
	StatusIdle    SessionStatus = "idle"
	StatusMuted   SessionStatus = "muted"
	StatusGone    SessionStatus = "gone"
)

// MaxRecentCommits bounds GitState.RecentCommits (spec's "≤N").
const MaxRecentCommits = 10

// MaxChangedFiles bounds GitState.ChangedFiles (spec's "≤M").
const MaxChangedFiles = 200

// MaxSessionTail bounds Session.Tail (spec's "≤K" bytes of pane preview).
const MaxSessionTail = 16 * 1024

// CommitSummary is one bounded recent-commit entry.
type CommitSummary struct {
	SHA     string
	Subject string
	Author  string
	When    time.Time
}

// FileChange is one bounded changed-file entry from status --porcelain.
type FileChange struct {
	Path       string
	ChangeType string // e.g. "M", "A", "D", "R", "??"
}

// GitState is the worktree's last-known git status, per spec section 3.
type GitState struct {
	LocalDirty    bool
	Ahead         uint32
	Behind        uint32
	RemoteBranch  string // empty means no upstream
	RecentCommits []CommitSummary
	ChangedFiles  []FileChange
	LastFetchAt   time.Time
	FetchInFlight bool
}

// Indicator renders the 5-tuple displayed in the tree: ~ (in sync with
// the upstream), * (dirty, shown when nothing is ahead or behind), up/down
// arrows for ahead/behind. Without an upstream it is * if dirty, else
// blank. Spec section 3: "Derived indicator is the 5-tuple displayed in
// the tree (~, *, up N, down N, down N up M)". Grounded on lazyworktree's
// app.go divergence-string construction (up/down arrows).
func (g GitState) Indicator() string {
	if g.RemoteBranch == "" {
		if g.LocalDirty {
			return "*"
		}
		return ""
	}
	switch {
	case g.Ahead == 0 && g.Behind == 0:
		if g.LocalDirty {
			return "*"
		}
		return "~"
	case g.Ahead > 0 && g.Behind == 0:
		return sprintfArrow("↑", g.Ahead)
	case g.Behind > 0 && g.Ahead == 0:
		return sprintfArrow("↓", g.Behind)
	default:
		return sprintfArrow("↓", g.Behind) + sprintfArrow("↑", g.Ahead)
	}
}

func sprintfArrow(glyph string, n uint32) string {
	return glyph + itoa(n)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Session is a persistent multiplexer session bound to a worktree.
type Session struct {
	ID                  SessionID
	Alias               string
	CreationCommand     string
	Status              SessionStatus
	Muted               bool
	DismissedAt         *time.Time
	LastActivityProbeAt time.Time
	Tail                []byte
}

// Worktree is a git worktree rooted under a project.
type Worktree struct {
	Path                    string
	Branch                  string
	IsMain                  bool
	Git                     GitState
	LastGitProbeAt          time.Time
	LastGitProbeFingerprint string
	Sessions                map[SessionID]*Session
	sessionOrder            []SessionID
}

// SessionsInOrder returns sessions in insertion order, the tree-order the
// flattener and jump predicates rely on.
func (w *Worktree) SessionsInOrder() []*Session {
	out := make([]*Session, 0, len(w.sessionOrder))
	for _, id := range w.sessionOrder {
		if s, ok := w.Sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ProjectConfig mirrors the parsed .gtrconfig (spec section 4.9).
type ProjectConfig struct {
	PostCreateHook string
	CopyInclude    []string
	CopyExclude    []string
	DefaultBranch  string
	ParseErr       error
}

// Project represents a git repository the user has added.
type Project struct {
	ID            ProjectID
	RootPath      string
	Alias         string
	Order         int
	Config        ProjectConfig
	Worktrees     map[string]*Worktree // keyed by worktree_path
	Missing       bool
	worktreeOrder []string
}

// WorktreesInOrder returns worktrees in tree order (main first, then
// insertion/discovery order), matching lazyworktree's "first is main".
func (p *Project) WorktreesInOrder() []*Worktree {
	out := make([]*Worktree, 0, len(p.worktreeOrder))
	for _, path := range p.worktreeOrder {
		if w, ok := p.Worktrees[path]; ok {
			out = append(out, w)
		}
	}
	return out
}

// DisplayName returns the alias if set, else the base name of RootPath.
func (p *Project) DisplayName() string {
	if p.Alias != "" {
		return p.Alias
	}
	return filepath.Base(p.RootPath)
}
