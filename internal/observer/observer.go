// Package observer schedules the periodic probes that reconcile the Model
// against git, the multiplexer, and the filesystem. It owns three logical
// tickers (git status, git fetch, session activity), coalesces probes so
// at most one of a kind is in flight per entity, and discards results
// whose request epoch predates a dirty-mark on the same entity. All state
// in Observer is touched only from the event loop: probe goroutines carry
// their inputs in the closure and communicate back via messages.
package observer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vlwkaos/wsx/internal/classifier"
	"github.com/vlwkaos/wsx/internal/gitprobe"
	log "github.com/vlwkaos/wsx/internal/log"
	"github.com/vlwkaos/wsx/internal/muxprobe"
	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

var debugf = log.Scope("observer")

// Intervals are the scheduling constants from the observer design; all
// have documented defaults and exist as one struct so tests can compress
// time.
type Intervals struct {
	StatusDebounce  time.Duration
	FetchInterval   time.Duration
	FetchDeadline   time.Duration
	SessionActive   time.Duration
	SessionIdle     time.Duration
	RecentSelection time.Duration
}

// DefaultIntervals returns the documented defaults: status at most every
// 750ms, fetch every 60s with a 10s deadline, session probes at 500ms
// while anything is Active backing off to 2s, and a 5 minute
// recent-selection window for fetch eligibility.
func DefaultIntervals() Intervals {
	return Intervals{
		StatusDebounce:  750 * time.Millisecond,
		FetchInterval:   60 * time.Second,
		FetchDeadline:   10 * time.Second,
		SessionActive:   500 * time.Millisecond,
		SessionIdle:     2 * time.Second,
		RecentSelection: 5 * time.Minute,
	}
}

// GitStatusMsg carries one completed status probe back to the loop.
type GitStatusMsg struct {
	Path         string
	State        wsxmodel.GitState
	Fingerprint  string
	RequestEpoch uint64
	ProbedAt     time.Time
	Err          error
}

// GitFetchMsg carries one completed fetch back to the loop.
type GitFetchMsg struct {
	Path         string
	RequestEpoch uint64
	Err          error
}

// SessionProbe is one session's raw signals gathered during a sweep.
type SessionProbe struct {
	Info muxprobe.SessionInfo
	Pane []byte
	Comm string
}

// SessionSweepMsg is the aggregated result of one session ticker pass:
// the multiplexer's session list plus per-session pane/process signals.
type SessionSweepMsg struct {
	Probes       []SessionProbe
	RequestEpoch uint64
	At           time.Time
	Err          error
}

// RepoChangedMsg is posted when the filesystem watcher sees activity under
// a project's git common dir.
type RepoChangedMsg struct {
	ProjectID wsxmodel.ProjectID
}

// sessionSample is the per-session memory that turns two consecutive pane
// captures into the classifier's delta and went-quiet signals.
type sessionSample struct {
	initialized  bool
	paneHash     uint64
	paneLen      int
	lastOutputAt time.Time
	hadOutput    bool
}

// Observer is the scheduler. One instance per app.
type Observer struct {
	git      *gitprobe.Probe
	mux      muxprobe.Backend
	iv       Intervals
	activity classifier.ActivityConfig

	inFlight     map[wsxmodel.EntityKey]bool
	sweepFlight  bool
	failures     map[wsxmodel.EntityKey]int
	lastStatusAt map[string]time.Time
	lastFetchAt  map[string]time.Time
	forced       map[string]bool
	selectedAt   map[string]time.Time
	samples      map[wsxmodel.SessionID]*sessionSample
	lastSweepAt  time.Time
	watchers     map[wsxmodel.ProjectID]*RepoWatcher
	muted        func(wsxmodel.SessionID) bool
}

// New constructs an Observer over the two probes.
func New(git *gitprobe.Probe, mux muxprobe.Backend, iv Intervals, activity classifier.ActivityConfig) *Observer {
	return &Observer{
		git:          git,
		mux:          mux,
		iv:           iv,
		activity:     activity,
		inFlight:     make(map[wsxmodel.EntityKey]bool),
		failures:     make(map[wsxmodel.EntityKey]int),
		lastStatusAt: make(map[string]time.Time),
		lastFetchAt:  make(map[string]time.Time),
		forced:       make(map[string]bool),
		selectedAt:   make(map[string]time.Time),
		samples:      make(map[wsxmodel.SessionID]*sessionSample),
		watchers:     make(map[wsxmodel.ProjectID]*RepoWatcher),
	}
}

// SetMuteLookup installs the persisted-mute check applied when a
// discovered session is first ingested.
func (o *Observer) SetMuteLookup(fn func(wsxmodel.SessionID) bool) { o.muted = fn }

// Failures returns the consecutive-failure count for an entity, rendered
// as a small dot on the affected row.
func (o *Observer) Failures(key wsxmodel.EntityKey) int { return o.failures[key] }

// MarkSelected records that a worktree was selected, keeping it
// fetch-eligible for the recent-selection window.
func (o *Observer) MarkSelected(path string, now time.Time) { o.selectedAt[path] = now }

// MarkWorktreeDirty forces an immediate status probe on the next tick and
// stamps the model's dirty epoch so in-flight results are discarded.
func (o *Observer) MarkWorktreeDirty(m *wsxmodel.Model, path string) {
	o.forced[path] = true
	m.MarkDirty(wsxmodel.WorktreeKey(path))
}

// MarkFetchDue resets a worktree's fetch timer so the next tick re-fetches
// immediately, used when returning from an attach.
func (o *Observer) MarkFetchDue(path string) { delete(o.lastFetchAt, path) }

// MarkSessionDirty stamps the session's dirty epoch so in-flight sweep
// results do not overwrite a user action.
func (o *Observer) MarkSessionDirty(m *wsxmodel.Model, id wsxmodel.SessionID) {
	m.MarkDirty(wsxmodel.SessionKey(id))
}

// Tick inspects the model and returns the probe commands that are due.
// expanded reports whether a project is expanded in the current view.
func (o *Observer) Tick(ctx context.Context, now time.Time, m *wsxmodel.Model, expanded func(wsxmodel.ProjectID) bool) []tea.Cmd {
	var cmds []tea.Cmd
	for _, p := range m.Projects() {
		if p.Missing {
			continue
		}
		for _, w := range p.WorktreesInOrder() {
			if cmd := o.maybeStatus(ctx, now, m, w); cmd != nil {
				cmds = append(cmds, cmd)
			}
			if cmd := o.maybeFetch(ctx, now, m, p, w, expanded); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
	}
	if cmd := o.maybeSweep(ctx, now, m); cmd != nil {
		cmds = append(cmds, cmd)
	}
	return cmds
}

func (o *Observer) maybeStatus(ctx context.Context, now time.Time, m *wsxmodel.Model, w *wsxmodel.Worktree) tea.Cmd {
	key := wsxmodel.WorktreeKey(w.Path)
	if o.inFlight[key] {
		return nil
	}
	due := o.forced[w.Path] || now.Sub(o.lastStatusAt[w.Path]) >= o.iv.StatusDebounce
	if !due {
		return nil
	}
	delete(o.forced, w.Path)
	o.lastStatusAt[w.Path] = now
	o.inFlight[key] = true

	path := w.Path
	requestEpoch := m.Epoch()
	return func() tea.Msg {
		state, err := o.git.Status(ctx, path)
		return GitStatusMsg{
			Path:         path,
			State:        state,
			Fingerprint:  fingerprintOf(state),
			RequestEpoch: requestEpoch,
			ProbedAt:     time.Now(),
			Err:          err,
		}
	}
}

func (o *Observer) maybeFetch(ctx context.Context, now time.Time, m *wsxmodel.Model, p *wsxmodel.Project, w *wsxmodel.Worktree, expanded func(wsxmodel.ProjectID) bool) tea.Cmd {
	// No upstream: no fetch issued at all. Before the first status probe
	// the upstream is unknown, so fetch waits for status to resolve it.
	if w.Git.RemoteBranch == "" {
		return nil
	}
	key := wsxmodel.EntityKey("fetch:" + w.Path)
	if o.inFlight[key] {
		return nil
	}
	if now.Sub(o.lastFetchAt[w.Path]) < o.iv.FetchInterval {
		return nil
	}
	eligible := expanded != nil && expanded(p.ID)
	if !eligible {
		if at, ok := o.selectedAt[w.Path]; ok && now.Sub(at) < o.iv.RecentSelection {
			eligible = true
		}
	}
	if !eligible {
		return nil
	}
	o.lastFetchAt[w.Path] = now
	o.inFlight[key] = true

	path := w.Path
	requestEpoch := m.Epoch()
	return func() tea.Msg {
		err := o.git.Fetch(ctx, path)
		return GitFetchMsg{Path: path, RequestEpoch: requestEpoch, Err: err}
	}
}

// anyActive reports whether any session is currently classified Active,
// which tightens the session ticker from its idle backoff.
func anyActive(m *wsxmodel.Model) bool {
	for _, p := range m.Projects() {
		for _, w := range p.WorktreesInOrder() {
			for _, s := range w.SessionsInOrder() {
				if s.Status == wsxmodel.StatusActive {
					return true
				}
			}
		}
	}
	return false
}

func (o *Observer) maybeSweep(ctx context.Context, now time.Time, m *wsxmodel.Model) tea.Cmd {
	if o.sweepFlight {
		return nil
	}
	interval := o.iv.SessionIdle
	if anyActive(m) {
		interval = o.iv.SessionActive
	}
	if now.Sub(o.lastSweepAt) < interval {
		return nil
	}
	o.lastSweepAt = now
	o.sweepFlight = true

	caps := o.mux.Capabilities()
	requestEpoch := m.Epoch()
	return func() tea.Msg {
		infos, err := o.mux.ListSessions(ctx)
		if err != nil {
			return SessionSweepMsg{RequestEpoch: requestEpoch, At: time.Now(), Err: err}
		}
		probes := make([]SessionProbe, 0, len(infos))
		for _, info := range infos {
			if info.WsxProject == "" {
				continue // not owned by wsx, never ingested
			}
			probe := SessionProbe{Info: info}
			if caps.CapturePane {
				probe.Pane, _ = o.mux.CapturePane(ctx, info.Name, 200)
			}
			if caps.ForegroundProcess {
				if proc, err := o.mux.ForegroundProcess(ctx, info.Name); err == nil {
					probe.Comm = proc.Comm
				}
			}
			probes = append(probes, probe)
		}
		return SessionSweepMsg{Probes: probes, RequestEpoch: requestEpoch, At: time.Now()}
	}
}

// Apply merges a probe completion into the model. It returns true when the
// message was an observer message (handled), so the app's Update can fall
// through for everything else.
func (o *Observer) Apply(m *wsxmodel.Model, msg tea.Msg) bool {
	switch msg := msg.(type) {
	case GitStatusMsg:
		o.applyGitStatus(m, msg)
	case GitFetchMsg:
		o.applyGitFetch(m, msg)
	case SessionSweepMsg:
		o.applySweep(m, msg)
	default:
		return false
	}
	return true
}

func (o *Observer) applyGitStatus(m *wsxmodel.Model, msg GitStatusMsg) {
	key := wsxmodel.WorktreeKey(msg.Path)
	delete(o.inFlight, key)

	_, w, found := m.FindWorktree(msg.Path)
	if !found {
		return // entity removed while the probe was in flight
	}
	if m.IsStale(key, msg.RequestEpoch) {
		debugf("drop stale status for %s (epoch %d)", msg.Path, msg.RequestEpoch)
		return
	}
	if msg.Err != nil {
		o.failures[key]++
		log.Errorf("observer", msg.Err, fmt.Sprintf("status probe for %s (%d consecutive)", msg.Path, o.failures[key]))
		return
	}
	o.failures[key] = 0
	// Preserve fetch bookkeeping the status probe does not know about.
	msg.State.LastFetchAt = w.Git.LastFetchAt
	msg.State.FetchInFlight = w.Git.FetchInFlight
	m.UpdateGitState(msg.Path, msg.State, msg.Fingerprint, msg.ProbedAt)
}

func (o *Observer) applyGitFetch(m *wsxmodel.Model, msg GitFetchMsg) {
	key := wsxmodel.EntityKey("fetch:" + msg.Path)
	delete(o.inFlight, key)

	_, w, found := m.FindWorktree(msg.Path)
	if !found {
		return
	}
	if msg.Err != nil {
		o.failures[key]++
		log.Errorf("observer", msg.Err, "fetch for "+msg.Path)
		return
	}
	o.failures[key] = 0
	state := w.Git
	state.LastFetchAt = time.Now()
	state.FetchInFlight = false
	m.UpdateGitState(msg.Path, state, w.LastGitProbeFingerprint, w.LastGitProbeAt)
	// ahead/behind moved: force a status reprobe to pick the new counts up.
	o.forced[msg.Path] = true
}

func (o *Observer) applySweep(m *wsxmodel.Model, msg SessionSweepMsg) {
	o.sweepFlight = false
	if msg.Err != nil {
		o.failures["sweep"]++
		log.Errorf("observer", msg.Err, fmt.Sprintf("session sweep (%d consecutive)", o.failures["sweep"]))
		return
	}
	o.failures["sweep"] = 0

	reported := make(map[wsxmodel.SessionID]bool, len(msg.Probes))
	for _, probe := range msg.Probes {
		id := wsxmodel.SessionID(probe.Info.Name)
		reported[id] = true
		o.ingest(m, probe, msg)
	}

	// A model session the multiplexer no longer reports moves to Gone, and
	// a session already Gone is removed on this next probe tick.
	type goneRef struct {
		worktree string
		id       wsxmodel.SessionID
		status   wsxmodel.SessionStatus
	}
	var gone []goneRef
	for _, p := range m.Projects() {
		for _, w := range p.WorktreesInOrder() {
			for _, s := range w.SessionsInOrder() {
				if !reported[s.ID] {
					gone = append(gone, goneRef{worktree: w.Path, id: s.ID, status: s.Status})
				}
			}
		}
	}
	for _, g := range gone {
		key := wsxmodel.SessionKey(g.id)
		if m.IsStale(key, msg.RequestEpoch) {
			continue // recreation or another action in flight
		}
		if g.status == wsxmodel.StatusGone {
			m.RemoveSession(g.worktree, g.id)
			delete(o.samples, g.id)
		} else {
			m.UpdateSessionStatus(g.id, wsxmodel.StatusGone)
		}
	}
}

// ingest reconciles one reported session into the model and classifies it.
func (o *Observer) ingest(m *wsxmodel.Model, probe SessionProbe, msg SessionSweepMsg) {
	id := wsxmodel.SessionID(probe.Info.Name)
	key := wsxmodel.SessionKey(id)
	if m.IsStale(key, msg.RequestEpoch) {
		return
	}

	_, _, s, found := m.FindSession(id)
	if !found {
		worktree := o.worktreeForSession(m, probe.Info)
		if worktree == "" {
			return // discovered session names no worktree wsx knows about
		}
		s = &wsxmodel.Session{ID: id, Alias: probe.Info.WsxAlias, Status: wsxmodel.StatusIdle}
		if o.muted != nil && o.muted(id) {
			s.Muted = true
		}
		m.UpsertSession(worktree, s)
	}

	sample := o.samples[id]
	if sample == nil {
		sample = &sessionSample{}
		o.samples[id] = sample
	}

	var delta uint64
	paneHash, paneLen := hashPane(probe.Pane)
	// The first capture is a baseline, not output.
	if sample.initialized && (paneHash != sample.paneHash || paneLen != sample.paneLen) {
		if diff := paneLen - sample.paneLen; diff > 0 {
			delta = uint64(diff)
		} else {
			delta = 1 // content changed without growing (redraw, clear)
		}
	}
	wentQuiet := sample.hadOutput && delta == 0
	if delta > 0 {
		sample.lastOutputAt = msg.At
	}
	sample.hadOutput = delta > 0
	sample.initialized = true
	sample.paneHash = paneHash
	sample.paneLen = paneLen

	status := classifier.Classify(classifier.Signals{
		PaneBytesDeltaSinceLastProbe: delta,
		LastOutputAt:                 sample.lastOutputAt,
		HasBellFlag:                  probe.Info.HasBell,
		ForegroundComm:               probe.Comm,
		WentQuiet:                    wentQuiet,
		Muted:                        s.Muted,
		DismissedAt:                  s.DismissedAt,
		Now:                          msg.At,
	}, o.activity)

	m.UpdateSessionStatus(id, status)
	s.LastActivityProbeAt = msg.At
	if len(probe.Pane) > 0 {
		m.UpdateSessionTail(id, probe.Pane)
	}
}

// worktreeForSession resolves which worktree a discovered session belongs
// to from its wsx/<project>/<worktree>/<alias> name.
func (o *Observer) worktreeForSession(m *wsxmodel.Model, info muxprobe.SessionInfo) string {
	parts := strings.Split(info.Name, "/")
	if len(parts) < 4 || parts[0] != "wsx" {
		return ""
	}
	for _, p := range m.Projects() {
		if p.DisplayName() != info.WsxProject && string(p.ID) != info.WsxProject {
			continue
		}
		for _, w := range p.WorktreesInOrder() {
			if muxprobe.SanitizeSessionName(w.Branch) == parts[2] {
				return w.Path
			}
		}
	}
	return ""
}

// fingerprintOf hashes the probe-visible git state so the model can
// suppress redundant renders when nothing changed.
func fingerprintOf(state wsxmodel.GitState) string {
	h := sha256.New()
	fmt.Fprintf(h, "%v|%d|%d|%s|", state.LocalDirty, state.Ahead, state.Behind, state.RemoteBranch)
	for _, f := range state.ChangedFiles {
		fmt.Fprintf(h, "%s %s|", f.ChangeType, f.Path)
	}
	if len(state.RecentCommits) > 0 {
		fmt.Fprintf(h, "%s", state.RecentCommits[0].SHA)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func hashPane(pane []byte) (uint64, int) {
	h := fnv.New64a()
	_, _ = h.Write(pane)
	return h.Sum64(), len(pane)
}
