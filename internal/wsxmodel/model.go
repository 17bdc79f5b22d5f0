package wsxmodel

import (
	"sort"
	"time"
)

// EntityKey identifies a worktree or session for the epoch-staleness guard
// (spec section 5). Worktree keys are their path; session keys are their
// SessionID, both already-unique strings so a single string alias works as
// the map key.
type EntityKey string

// WorktreeKey and SessionKey produce EntityKeys from tree coordinates so
// callers never hand-format strings differently elsewhere.
func WorktreeKey(path string) EntityKey { return EntityKey("w:" + path) }
func SessionKey(id SessionID) EntityKey { return EntityKey("s:" + string(id)) }

// Model is the single-writer in-memory tree described in spec section 3.
// Every method must be called from the one goroutine that owns it (the
// event loop's Update function); there is intentionally no mutex.
type Model struct {
	projects     map[ProjectID]*Project
	projectOrder []ProjectID
	epoch        uint64
	dirtyEpoch   map[EntityKey]uint64
}

// New returns an empty Model.
func New() *Model {
	return &Model{
		projects:   make(map[ProjectID]*Project),
		dirtyEpoch: make(map[EntityKey]uint64),
	}
}

// Epoch returns the current ModelEpoch. Epoch is monotonic: every applied
// mutation strictly increases it (spec section 8 testable property).
func (m *Model) Epoch() uint64 { return m.epoch }

func (m *Model) bump() uint64 {
	m.epoch++
	return m.epoch
}

// MarkDirty records that entity was invalidated at the current epoch and
// returns the new epoch. A probe result whose RequestEpoch predates this
// value must be discarded by the caller (IsStale).
func (m *Model) MarkDirty(key EntityKey) uint64 {
	epoch := m.bump()
	m.dirtyEpoch[key] = epoch
	return epoch
}

// IsStale reports whether a probe result requested at requestEpoch is
// superseded by a later dirty-mark or mutation on the same entity.
func (m *Model) IsStale(key EntityKey, requestEpoch uint64) bool {
	dirtyAt, ok := m.dirtyEpoch[key]
	if !ok {
		return false
	}
	return requestEpoch < dirtyAt
}

// Projects returns projects in display order.
func (m *Model) Projects() []*Project {
	out := make([]*Project, 0, len(m.projectOrder))
	for _, id := range m.projectOrder {
		if p, ok := m.projects[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Project looks up a project by ID.
func (m *Model) Project(id ProjectID) (*Project, bool) {
	p, ok := m.projects[id]
	return p, ok
}

// FindWorktree locates a worktree and its owning project by path.
func (m *Model) FindWorktree(path string) (*Project, *Worktree, bool) {
	for _, p := range m.projects {
		if w, ok := p.Worktrees[path]; ok {
			return p, w, true
		}
	}
	return nil, nil, false
}

// FindSession locates a session and its worktree/project by SessionID.
func (m *Model) FindSession(id SessionID) (*Project, *Worktree, *Session, bool) {
	for _, p := range m.projects {
		for _, w := range p.Worktrees {
			if s, ok := w.Sessions[id]; ok {
				return p, w, s, true
			}
		}
	}
	return nil, nil, nil, false
}

// InsertProject adds a project (or replaces one with the same ID) and
// bumps the epoch. Order is appended unless the project already exists.
func (m *Model) InsertProject(p *Project) {
	if p.Worktrees == nil {
		p.Worktrees = make(map[string]*Worktree)
	}
	if _, exists := m.projects[p.ID]; !exists {
		m.projectOrder = append(m.projectOrder, p.ID)
	}
	m.projects[p.ID] = p
	m.bump()
}

// RemoveProject deletes a project entirely (explicit user delete only,
// per spec section 3 lifecycle).
func (m *Model) RemoveProject(id ProjectID) {
	if _, ok := m.projects[id]; !ok {
		return
	}
	delete(m.projects, id)
	for i, pid := range m.projectOrder {
		if pid == id {
			m.projectOrder = append(m.projectOrder[:i], m.projectOrder[i+1:]...)
			break
		}
	}
	m.bump()
}

// SetProjectMissing marks a project whose root_path has disappeared. The
// project is not removed automatically (spec section 3 invariant).
func (m *Model) SetProjectMissing(id ProjectID, missing bool) {
	if p, ok := m.projects[id]; ok {
		p.Missing = missing
		m.bump()
	}
}

// SetAlias renames a project or session. Exactly one of projectID/sessionID
// should be non-zero.
func (m *Model) SetAlias(projectID ProjectID, sessionID SessionID, alias string) {
	if projectID != "" {
		if p, ok := m.projects[projectID]; ok {
			p.Alias = alias
			m.bump()
		}
		return
	}
	if _, _, s, ok := m.FindSession(sessionID); ok {
		s.Alias = alias
		m.bump()
	}
}

// Reorder sets a project's display order and resorts projectOrder stably.
func (m *Model) Reorder(id ProjectID, order int) {
	if p, ok := m.projects[id]; ok {
		p.Order = order
		sort.SliceStable(m.projectOrder, func(i, j int) bool {
			return m.projects[m.projectOrder[i]].Order < m.projects[m.projectOrder[j]].Order
		})
		m.bump()
	}
}

// MoveProject shifts a project one slot among its siblings. delta is -1 or
// +1; moves past either end are no-ops. Order fields are renumbered to the
// resulting sequence so persistence and display agree.
func (m *Model) MoveProject(id ProjectID, delta int) bool {
	idx := -1
	for i, pid := range m.projectOrder {
		if pid == id {
			idx = i
			break
		}
	}
	target := idx + delta
	if idx < 0 || target < 0 || target >= len(m.projectOrder) {
		return false
	}
	m.projectOrder[idx], m.projectOrder[target] = m.projectOrder[target], m.projectOrder[idx]
	for i, pid := range m.projectOrder {
		if p, ok := m.projects[pid]; ok {
			p.Order = i
		}
	}
	m.bump()
	return true
}

// MoveSession shifts a session one slot among its worktree siblings.
func (m *Model) MoveSession(worktreePath string, id SessionID, delta int) bool {
	_, w, ok := m.FindWorktree(worktreePath)
	if !ok {
		return false
	}
	idx := -1
	for i, sid := range w.sessionOrder {
		if sid == id {
			idx = i
			break
		}
	}
	target := idx + delta
	if idx < 0 || target < 0 || target >= len(w.sessionOrder) {
		return false
	}
	w.sessionOrder[idx], w.sessionOrder[target] = w.sessionOrder[target], w.sessionOrder[idx]
	m.bump()
	return true
}

// InsertWorktree adds or replaces a worktree under project, preserving the
// main-first invariant ("IsMain == true for exactly one worktree per
// project", spec section 3).
func (m *Model) InsertWorktree(projectID ProjectID, w *Worktree) {
	p, ok := m.projects[projectID]
	if !ok {
		return
	}
	if w.Sessions == nil {
		w.Sessions = make(map[SessionID]*Session)
	}
	if w.IsMain {
		for _, existing := range p.Worktrees {
			existing.IsMain = false
		}
	}
	if _, exists := p.Worktrees[w.Path]; !exists {
		p.worktreeOrder = append(p.worktreeOrder, w.Path)
	}
	p.Worktrees[w.Path] = w
	m.bump()
}

// RemoveWorktree deletes a worktree and its sessions from the model.
func (m *Model) RemoveWorktree(projectID ProjectID, path string) {
	p, ok := m.projects[projectID]
	if !ok {
		return
	}
	if _, ok := p.Worktrees[path]; !ok {
		return
	}
	delete(p.Worktrees, path)
	for i, wp := range p.worktreeOrder {
		if wp == path {
			p.worktreeOrder = append(p.worktreeOrder[:i], p.worktreeOrder[i+1:]...)
			break
		}
	}
	m.bump()
}

// UpdateGitState replaces a worktree's GitState and refreshes its probe
// fingerprint/timestamp, suppressing redundant renders per spec section 3.
func (m *Model) UpdateGitState(path string, state GitState, fingerprint string, probedAt time.Time) bool {
	_, w, ok := m.FindWorktree(path)
	if !ok {
		return false
	}
	changed := w.LastGitProbeFingerprint != fingerprint
	w.Git = state
	w.LastGitProbeFingerprint = fingerprint
	w.LastGitProbeAt = probedAt
	m.bump()
	return changed
}

// UpsertSession adds or replaces a session under worktree.
func (m *Model) UpsertSession(worktreePath string, s *Session) {
	_, w, ok := m.FindWorktree(worktreePath)
	if !ok {
		return
	}
	if _, exists := w.Sessions[s.ID]; !exists {
		w.sessionOrder = append(w.sessionOrder, s.ID)
	}
	w.Sessions[s.ID] = s
	m.bump()
}

// RemoveSession deletes a session. Per spec section 3, this is how a
// session that the multiplexer no longer reports (Gone) is cleaned up on
// the next probe tick, unless recreation is in flight.
func (m *Model) RemoveSession(worktreePath string, id SessionID) {
	_, w, ok := m.FindWorktree(worktreePath)
	if !ok {
		return
	}
	if _, ok := w.Sessions[id]; !ok {
		return
	}
	delete(w.Sessions, id)
	for i, sid := range w.sessionOrder {
		if sid == id {
			w.sessionOrder = append(w.sessionOrder[:i], w.sessionOrder[i+1:]...)
			break
		}
	}
	m.bump()
}

// UpdateSessionStatus sets a session's computed status.
func (m *Model) UpdateSessionStatus(id SessionID, status SessionStatus) {
	if _, _, s, ok := m.FindSession(id); ok {
		s.Status = status
		m.bump()
	}
}

// SetMuted toggles a session's mute flag.
func (m *Model) SetMuted(id SessionID, muted bool) {
	if _, _, s, ok := m.FindSession(id); ok {
		s.Muted = muted
		m.bump()
	}
}

// SetDismissed records (or clears, with nil) a session's dismissal time.
func (m *Model) SetDismissed(id SessionID, at *time.Time) {
	if _, _, s, ok := m.FindSession(id); ok {
		s.DismissedAt = at
		m.bump()
	}
}

// UpdateSessionTail replaces a session's cached pane-tail bytes, bounded to
// MaxSessionTail.
func (m *Model) UpdateSessionTail(id SessionID, tail []byte) {
	if _, _, s, ok := m.FindSession(id); ok {
		if len(tail) > MaxSessionTail {
			tail = tail[len(tail)-MaxSessionTail:]
		}
		s.Tail = tail
		m.bump()
	}
}

// CheckInvariants validates the structural invariant from spec section 8:
// exactly one main worktree per project (projects with no worktrees are
// skipped). It does not check that project roots exist. It is a diagnostic
// used by tests, not by the hot path.
func (m *Model) CheckInvariants() []string {
	var problems []string
	for _, p := range m.projects {
		mainCount := 0
		for _, w := range p.Worktrees {
			if w.IsMain {
				mainCount++
			}
		}
		if len(p.Worktrees) > 0 && mainCount != 1 {
			problems = append(problems, "project "+string(p.ID)+" has "+itoa(uint32(mainCount))+" main worktrees")
		}
	}
	return problems
}
