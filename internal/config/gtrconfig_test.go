package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withGtrConfigMock(t *testing.T, fn func(args []string, repoPath string) (string, error)) {
	t.Helper()
	gtrConfigMock = fn
	t.Cleanup(func() { gtrConfigMock = nil })
}

func writeGtrConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, GtrConfigFilename), []byte(content), 0o600))
	return dir
}

func TestLoadProjectConfigMissingFile(t *testing.T) {
	cfg := LoadProjectConfig(t.TempDir())
	assert.Empty(t, cfg.PostCreateHook)
	assert.Nil(t, cfg.ParseErr)
}

func TestLoadProjectConfigParsesSections(t *testing.T) {
	dir := writeGtrConfig(t, "stub")
	withGtrConfigMock(t, func(args []string, repoPath string) (string, error) {
		return "hooks.postcreate npm install\n" +
			"copy.include .env\n" +
			"copy.include .env.local\n" +
			"copy.exclude node_modules\n", nil
	})

	cfg := LoadProjectConfig(dir)
	assert.Equal(t, "npm install", cfg.PostCreateHook)
	assert.Equal(t, []string{".env", ".env.local"}, cfg.CopyInclude)
	assert.Equal(t, []string{"node_modules"}, cfg.CopyExclude)
	assert.Nil(t, cfg.ParseErr)
}

func TestLoadProjectConfigParseErrorIsNonFatal(t *testing.T) {
	dir := writeGtrConfig(t, "[broken")
	withGtrConfigMock(t, func(args []string, repoPath string) (string, error) {
		return "", errors.New("fatal: bad config line 1")
	})

	cfg := LoadProjectConfig(dir)
	assert.Empty(t, cfg.PostCreateHook, "project loads with empty hooks on parse failure")
	assert.Error(t, cfg.ParseErr)
}

func TestLoadProjectConfigIgnoresUnknownKeys(t *testing.T) {
	dir := writeGtrConfig(t, "stub")
	withGtrConfigMock(t, func(args []string, repoPath string) (string, error) {
		return "core.editor vim\nhooks.postcreate make setup\n", nil
	})

	cfg := LoadProjectConfig(dir)
	assert.Equal(t, "make setup", cfg.PostCreateHook)
	assert.Empty(t, cfg.CopyInclude)
}
