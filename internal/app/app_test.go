package app

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/exp/teatest"
	"github.com/stretchr/testify/require"

	"github.com/vlwkaos/wsx/internal/cmdexec"
	"github.com/vlwkaos/wsx/internal/config"
	"github.com/vlwkaos/wsx/internal/dispatch"
	"github.com/vlwkaos/wsx/internal/gitprobe"
	"github.com/vlwkaos/wsx/internal/muxprobe"
)

// nullMux is a Backend that reports nothing; the app must stay usable with
// an empty multiplexer.
type nullMux struct{}

func (nullMux) Capabilities() muxprobe.Capabilities { return muxprobe.Capabilities{} }
func (nullMux) ListSessions(context.Context) ([]muxprobe.SessionInfo, error) {
	return nil, nil
}
func (nullMux) CapturePane(context.Context, string, int) ([]byte, error) { return nil, nil }
func (nullMux) ForegroundProcess(context.Context, string) (muxprobe.ProcessInfo, error) {
	return muxprobe.ProcessInfo{}, nil
}
func (nullMux) NewSession(context.Context, string, string, string, map[string]string) error {
	return nil
}
func (nullMux) SendKeys(context.Context, string, string, bool) error       { return nil }
func (nullMux) SendSignal(context.Context, string, string) error           { return nil }
func (nullMux) KillSession(context.Context, string) error                  { return nil }
func (nullMux) SetOption(context.Context, string, string, string) error    { return nil }
func (nullMux) ShowOption(context.Context, string, string) (string, error) { return "", nil }
func (nullMux) ClearBell(context.Context, string) error                    { return nil }
func (nullMux) Attach(context.Context, string) error                       { return nil }
func (nullMux) AttachArgv(session string) []string                         { return []string{"true", session} }

func newTestApp(t *testing.T) *Model {
	t.Helper()
	store, err := config.Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	return NewModel(store, cmdexec.New(0, 0), nullMux{})
}

func TestQuitKey(t *testing.T) {
	m := newTestApp(t)
	tm := teatest.NewTestModel(t, m, teatest.WithInitialTermSize(120, 40))

	time.Sleep(100 * time.Millisecond)
	tm.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	tm.WaitFinished(t, teatest.WithFinalTimeout(2*time.Second))

	fm, ok := tm.FinalModel(t).(*Model)
	require.True(t, ok)
	require.True(t, fm.quitting)
}

func TestEmptyTreeShowsHint(t *testing.T) {
	m := newTestApp(t)
	tm := teatest.NewTestModel(t, m, teatest.WithInitialTermSize(120, 40))

	teatest.WaitFor(t, tm.Output(), func(bts []byte) bool {
		return bytes.Contains(bts, []byte("no projects"))
	}, teatest.WithCheckInterval(50*time.Millisecond), teatest.WithDuration(2*time.Second))

	tm.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	tm.WaitFinished(t, teatest.WithFinalTimeout(2*time.Second))
	_, _ = io.ReadAll(tm.Output())
}

func TestProjectLoadedRendersTree(t *testing.T) {
	m := newTestApp(t)
	tm := teatest.NewTestModel(t, m, teatest.WithInitialTermSize(120, 40))

	tm.Send(dispatch.ProjectLoadedMsg{
		Entry: config.ProjectEntry{Path: "/repos/alpha", Alias: "alpha"},
		Stubs: []gitprobe.WorktreeStub{
			{Path: "/repos/alpha", Branch: "main", IsMain: true},
		},
		DefaultBranch: "main",
	})

	teatest.WaitFor(t, tm.Output(), func(bts []byte) bool {
		return bytes.Contains(bts, []byte("alpha")) && bytes.Contains(bts, []byte("main"))
	}, teatest.WithCheckInterval(50*time.Millisecond), teatest.WithDuration(2*time.Second))

	tm.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	tm.WaitFinished(t, teatest.WithFinalTimeout(2*time.Second))
}

func TestHelpPopupOpens(t *testing.T) {
	m := newTestApp(t)
	tm := teatest.NewTestModel(t, m, teatest.WithInitialTermSize(120, 40))

	time.Sleep(100 * time.Millisecond)
	tm.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("?")})

	teatest.WaitFor(t, tm.Output(), func(bts []byte) bool {
		return bytes.Contains(bts, []byte("wsx keys"))
	}, teatest.WithCheckInterval(50*time.Millisecond), teatest.WithDuration(2*time.Second))

	tm.Send(tea.KeyMsg{Type: tea.KeyEsc})
	tm.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	tm.WaitFinished(t, teatest.WithFinalTimeout(2*time.Second))
}
