package muxprobe

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlwkaos/wsx/internal/cmdexec"
)

func TestSanitizeSessionName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"feature-branch", "feature-branch"},
		{"feature/branch", "feature-branch"},
		{"feature:branch", "feature-branch"},
		{"feature.branch", "feature-branch"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SanitizeSessionName(c.in))
	}
}

// writeStubTmux installs a fake tmux binary on PATH that records every
// invocation to a log file and answers list-sessions/list-windows/
// capture-pane/display-message deterministically, the same stubbing
// technique the teacher uses for gh/glab in internal/git/service_test.go.
func writeStubTmux(t *testing.T) (logPath string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	logFile := filepath.Join(dir, "calls.log")
	script := `#!/bin/sh
echo "$@" >> ` + logFile + `
case "$1" in
  list-sessions) printf 'work\t1700000000\t1\t1700000100\twsx-proj\tmain\n' ;;
  list-windows) printf 'work\t0\n' ;;
  capture-pane) printf 'hello from pane\n' ;;
  display-message) printf '/dev/null\n' ;;
  *) exit 0 ;;
esac
`
	path := filepath.Join(dir, "tmux")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return logFile
}

func TestTmuxListSessions(t *testing.T) {
	writeStubTmux(t)
	tmux := NewTmux(cmdexec.New(0, 0))
	sessions, err := tmux.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "work", sessions[0].Name)
	assert.True(t, sessions[0].Attached)
	assert.Equal(t, "wsx-proj", sessions[0].WsxProject)
	assert.Equal(t, "main", sessions[0].WsxAlias)
}

func TestTmuxCapturePaneIsCached(t *testing.T) {
	logFile := writeStubTmux(t)
	tmux := NewTmux(cmdexec.New(0, 0))

	out, err := tmux.CapturePane(context.Background(), "work", 200)
	require.NoError(t, err)
	assert.Equal(t, "hello from pane\n", string(out))

	out2, err := tmux.CapturePane(context.Background(), "work", 200)
	require.NoError(t, err)
	assert.Equal(t, out, out2)

	calls, err := os.ReadFile(logFile)
	require.NoError(t, err)
	capturePaneCount := 0
	for _, line := range splitLines(string(calls)) {
		if len(line) >= len("capture-pane") && line[:len("capture-pane")] == "capture-pane" {
			capturePaneCount++
		}
	}
	assert.Equal(t, 1, capturePaneCount, "second CapturePane within the TTL must hit the cache, not spawn tmux again")
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func TestTmuxCapabilities(t *testing.T) {
	tmux := NewTmux(cmdexec.New(0, 0))
	caps := tmux.Capabilities()
	assert.True(t, caps.Bell)
	assert.True(t, caps.CapturePane)
	assert.True(t, caps.ForegroundProcess)
}
