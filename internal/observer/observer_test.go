package observer

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlwkaos/wsx/internal/classifier"
	"github.com/vlwkaos/wsx/internal/muxprobe"
	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

// fakeMux is an in-memory Backend for observer tests.
type fakeMux struct {
	sessions []muxprobe.SessionInfo
	panes    map[string][]byte
	comms    map[string]string
}

func (f *fakeMux) Capabilities() muxprobe.Capabilities {
	return muxprobe.Capabilities{Bell: true, CapturePane: true, ForegroundProcess: true}
}

func (f *fakeMux) ListSessions(context.Context) ([]muxprobe.SessionInfo, error) {
	return f.sessions, nil
}

func (f *fakeMux) CapturePane(_ context.Context, session string, _ int) ([]byte, error) {
	return f.panes[session], nil
}

func (f *fakeMux) ForegroundProcess(_ context.Context, session string) (muxprobe.ProcessInfo, error) {
	return muxprobe.ProcessInfo{Comm: f.comms[session]}, nil
}

func (f *fakeMux) NewSession(context.Context, string, string, string, map[string]string) error {
	return nil
}
func (f *fakeMux) SendKeys(context.Context, string, string, bool) error    { return nil }
func (f *fakeMux) SendSignal(context.Context, string, string) error        { return nil }
func (f *fakeMux) KillSession(context.Context, string) error               { return nil }
func (f *fakeMux) SetOption(context.Context, string, string, string) error { return nil }
func (f *fakeMux) ShowOption(context.Context, string, string) (string, error) {
	return "", nil
}
func (f *fakeMux) ClearBell(context.Context, string) error { return nil }
func (f *fakeMux) Attach(context.Context, string) error { return nil }
func (f *fakeMux) AttachArgv(session string) []string   { return []string{"true", session} }

var _ muxprobe.Backend = (*fakeMux)(nil)

func newTestObserver(mux *fakeMux) (*Observer, *wsxmodel.Model) {
	o := New(nil, mux, DefaultIntervals(), classifier.DefaultActivityConfig())
	m := wsxmodel.New()
	id := wsxmodel.NewProjectID("/repo")
	m.InsertProject(&wsxmodel.Project{ID: id, RootPath: "/repo", Alias: "repo"})
	m.InsertWorktree(id, &wsxmodel.Worktree{Path: "/repo", Branch: "main", IsMain: true})
	return o, m
}

// sweep forces one session-ticker pass and applies its result.
func sweep(t *testing.T, o *Observer, m *wsxmodel.Model) {
	t.Helper()
	o.lastSweepAt = time.Time{}
	cmd := o.maybeSweep(context.Background(), time.Now(), m)
	require.NotNil(t, cmd)
	msg := cmd()
	require.IsType(t, SessionSweepMsg{}, msg)
	o.Apply(m, msg)
}

func ownedSession(name string) muxprobe.SessionInfo {
	return muxprobe.SessionInfo{Name: name, WsxProject: "repo", WsxAlias: "work"}
}

func TestSweepIngestsOnlyWsxOwnedSessions(t *testing.T) {
	mux := &fakeMux{
		sessions: []muxprobe.SessionInfo{
			ownedSession("wsx/repo/main/work"),
			{Name: "unrelated"}, // no @wsx_project option
		},
		panes: map[string][]byte{},
		comms: map[string]string{},
	}
	o, m := newTestObserver(mux)
	sweep(t, o, m)

	_, _, _, found := m.FindSession("wsx/repo/main/work")
	assert.True(t, found)
	_, _, _, found = m.FindSession("unrelated")
	assert.False(t, found, "a session without @wsx_project is never ingested")
}

func TestSweepMarksGoneThenRemoves(t *testing.T) {
	mux := &fakeMux{panes: map[string][]byte{}, comms: map[string]string{}}
	o, m := newTestObserver(mux)
	m.UpsertSession("/repo", &wsxmodel.Session{ID: "wsx/repo/main/work", Status: wsxmodel.StatusIdle})

	sweep(t, o, m)
	_, _, s, found := m.FindSession("wsx/repo/main/work")
	require.True(t, found)
	assert.Equal(t, wsxmodel.StatusGone, s.Status)

	sweep(t, o, m)
	_, _, _, found = m.FindSession("wsx/repo/main/work")
	assert.False(t, found, "a Gone session is removed on the next probe tick")
}

func TestSweepCoalescesInFlight(t *testing.T) {
	mux := &fakeMux{panes: map[string][]byte{}, comms: map[string]string{}}
	o, m := newTestObserver(mux)

	first := o.maybeSweep(context.Background(), time.Now().Add(time.Hour), m)
	require.NotNil(t, first)
	second := o.maybeSweep(context.Background(), time.Now().Add(2*time.Hour), m)
	assert.Nil(t, second, "only one sweep of a kind in flight at a time")
}

func TestSessionTickerBacksOffWhenAllIdle(t *testing.T) {
	mux := &fakeMux{panes: map[string][]byte{}, comms: map[string]string{}}
	o, m := newTestObserver(mux)
	m.UpsertSession("/repo", &wsxmodel.Session{ID: "wsx/repo/main/work", Status: wsxmodel.StatusIdle})
	mux.sessions = []muxprobe.SessionInfo{ownedSession("wsx/repo/main/work")}

	now := time.Now()
	o.lastSweepAt = now

	// All idle: the 500ms active cadence must not trigger.
	assert.Nil(t, o.maybeSweep(context.Background(), now.Add(o.iv.SessionActive+time.Millisecond), m))
	assert.NotNil(t, o.maybeSweep(context.Background(), now.Add(o.iv.SessionIdle+time.Millisecond), m))
}

func TestSessionTickerTightensWhenActive(t *testing.T) {
	mux := &fakeMux{panes: map[string][]byte{}, comms: map[string]string{}}
	o, m := newTestObserver(mux)
	m.UpsertSession("/repo", &wsxmodel.Session{ID: "wsx/repo/main/work", Status: wsxmodel.StatusActive})

	now := time.Now()
	o.lastSweepAt = now
	assert.NotNil(t, o.maybeSweep(context.Background(), now.Add(o.iv.SessionActive+time.Millisecond), m))
}

func TestStaleSweepResultIsDiscarded(t *testing.T) {
	mux := &fakeMux{
		sessions: []muxprobe.SessionInfo{ownedSession("wsx/repo/main/work")},
		panes:    map[string][]byte{},
		comms:    map[string]string{},
	}
	o, m := newTestObserver(mux)
	m.UpsertSession("/repo", &wsxmodel.Session{ID: "wsx/repo/main/work", Status: wsxmodel.StatusIdle})

	o.lastSweepAt = time.Time{}
	cmd := o.maybeSweep(context.Background(), time.Now(), m)
	require.NotNil(t, cmd)
	msg := cmd()

	// A user action lands between issue and completion.
	o.MarkSessionDirty(m, "wsx/repo/main/work")
	m.UpdateSessionStatus("wsx/repo/main/work", wsxmodel.StatusMuted)

	o.Apply(m, msg)
	_, _, s, _ := m.FindSession("wsx/repo/main/work")
	assert.Equal(t, wsxmodel.StatusMuted, s.Status, "probe result with an older request epoch must not overwrite the action")
}

func TestBellTriggersPendingThenDismissClears(t *testing.T) {
	mux := &fakeMux{
		sessions: []muxprobe.SessionInfo{ownedSession("wsx/repo/main/work")},
		panes:    map[string][]byte{"wsx/repo/main/work": []byte("$ ")},
		comms:    map[string]string{"wsx/repo/main/work": "bash"},
	}
	o, m := newTestObserver(mux)

	sweep(t, o, m) // baseline capture, session ingested
	mux.sessions[0].HasBell = true
	sweep(t, o, m)

	_, _, s, found := m.FindSession("wsx/repo/main/work")
	require.True(t, found)
	assert.Equal(t, wsxmodel.StatusPending, s.Status)

	// Dismiss: Idle for the grace window even though the bell is sticky.
	now := time.Now()
	m.SetDismissed("wsx/repo/main/work", &now)
	sweep(t, o, m)
	_, _, s, _ = m.FindSession("wsx/repo/main/work")
	assert.Equal(t, wsxmodel.StatusIdle, s.Status)
}

func TestQuietNonPassiveGoesPendingButPassiveStaysIdle(t *testing.T) {
	mux := &fakeMux{
		sessions: []muxprobe.SessionInfo{
			ownedSession("wsx/repo/main/work"),
		},
		panes: map[string][]byte{"wsx/repo/main/work": []byte("compiling...")},
		comms: map[string]string{"wsx/repo/main/work": "make"},
	}
	o, m := newTestObserver(mux)

	sweep(t, o, m) // baseline
	mux.panes["wsx/repo/main/work"] = []byte("compiling... done")
	sweep(t, o, m) // output grew: Active
	_, _, s, _ := m.FindSession("wsx/repo/main/work")
	assert.Equal(t, wsxmodel.StatusActive, s.Status, "producing output preempts Pending")

	sweep(t, o, m) // went quiet with non-passive foreground: Pending
	_, _, s, _ = m.FindSession("wsx/repo/main/work")
	assert.Equal(t, wsxmodel.StatusPending, s.Status)

	// Same went-quiet transition for a passive watcher stays Idle.
	mux.comms["wsx/repo/main/work"] = "watch"
	mux.panes["wsx/repo/main/work"] = []byte("watching files")
	sweep(t, o, m) // output changed again: Active
	sweep(t, o, m) // quiet, passive
	_, _, s, _ = m.FindSession("wsx/repo/main/work")
	assert.Equal(t, wsxmodel.StatusIdle, s.Status)
}

func TestApplyGitStatusCountsFailuresAndResets(t *testing.T) {
	mux := &fakeMux{panes: map[string][]byte{}, comms: map[string]string{}}
	o, m := newTestObserver(mux)
	key := wsxmodel.WorktreeKey("/repo")

	o.Apply(m, GitStatusMsg{Path: "/repo", RequestEpoch: m.Epoch(), Err: assert.AnError})
	o.Apply(m, GitStatusMsg{Path: "/repo", RequestEpoch: m.Epoch(), Err: assert.AnError})
	assert.Equal(t, 2, o.Failures(key))

	o.Apply(m, GitStatusMsg{Path: "/repo", RequestEpoch: m.Epoch(), ProbedAt: time.Now()})
	assert.Equal(t, 0, o.Failures(key), "a success resets the consecutive-failure counter")
}

func TestStaleGitStatusIsDropped(t *testing.T) {
	mux := &fakeMux{panes: map[string][]byte{}, comms: map[string]string{}}
	o, m := newTestObserver(mux)

	requestEpoch := m.Epoch()
	o.MarkWorktreeDirty(m, "/repo")

	dirty := wsxmodel.GitState{LocalDirty: true}
	o.Apply(m, GitStatusMsg{Path: "/repo", State: dirty, RequestEpoch: requestEpoch, ProbedAt: time.Now()})

	_, w, _ := m.FindWorktree("/repo")
	assert.False(t, w.Git.LocalDirty, "stale status result must not be applied")
}

func TestMarkFetchDueForcesNextFetch(t *testing.T) {
	mux := &fakeMux{panes: map[string][]byte{}, comms: map[string]string{}}
	o, m := newTestObserver(mux)
	_, w, _ := m.FindWorktree("/repo")
	w.Git.RemoteBranch = "origin/main"

	now := time.Now()
	o.lastFetchAt["/repo"] = now
	p := m.Projects()[0]

	expanded := func(wsxmodel.ProjectID) bool { return true }
	assert.Nil(t, o.maybeFetchForTest(now.Add(time.Second), m, p, w, expanded), "fetch interval not elapsed")

	o.MarkFetchDue("/repo")
	assert.NotNil(t, o.maybeFetchForTest(now.Add(time.Second), m, p, w, expanded), "detach resume re-fetches immediately")
}

func TestFetchSkippedWithoutUpstreamOrEligibility(t *testing.T) {
	mux := &fakeMux{panes: map[string][]byte{}, comms: map[string]string{}}
	o, m := newTestObserver(mux)
	p := m.Projects()[0]
	_, w, _ := m.FindWorktree("/repo")

	collapsed := func(wsxmodel.ProjectID) bool { return false }
	expanded := func(wsxmodel.ProjectID) bool { return true }

	assert.Nil(t, o.maybeFetchForTest(time.Now(), m, p, w, expanded), "no upstream: no fetch issued")

	w.Git.RemoteBranch = "origin/main"
	assert.Nil(t, o.maybeFetchForTest(time.Now(), m, p, w, collapsed), "collapsed and not recently selected: ineligible")

	o.MarkSelected("/repo", time.Now())
	assert.NotNil(t, o.maybeFetchForTest(time.Now(), m, p, w, collapsed), "recent selection keeps the worktree fetch-eligible")
}

func TestFingerprintDistinguishesStates(t *testing.T) {
	clean := fingerprintOf(wsxmodel.GitState{})
	dirty := fingerprintOf(wsxmodel.GitState{LocalDirty: true})
	assert.NotEqual(t, clean, dirty)
	assert.Equal(t, clean, fingerprintOf(wsxmodel.GitState{}), "fingerprint is deterministic")
}

// maybeFetchForTest exercises maybeFetch without the surrounding Tick walk.
func (o *Observer) maybeFetchForTest(now time.Time, m *wsxmodel.Model, p *wsxmodel.Project, w *wsxmodel.Worktree, expanded func(wsxmodel.ProjectID) bool) tea.Cmd {
	return o.maybeFetch(context.Background(), now, m, p, w, expanded)
}
