package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vlwkaos/wsx/internal/wsxerr"
	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

// GtrConfigFilename is the per-project configuration file at the repo root.
const GtrConfigFilename = ".gtrconfig"

// gtrConfigMock allows tests to mock git config output.
var gtrConfigMock func(args []string, repoPath string) (string, error)

// runGtrConfig executes git config against the project's .gtrconfig file
// and returns raw output. The file is gitconfig-INI, so git itself is the
// parser; exit code 1 means "no matching keys", which is not an error.
func runGtrConfig(args []string, repoPath string) (string, error) {
	if gtrConfigMock != nil {
		return gtrConfigMock(args, repoPath)
	}

	cmd := exec.Command("git", args...)
	if repoPath != "" {
		cmd.Dir = repoPath
	}
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", err
	}
	return string(output), nil
}

// LoadProjectConfig reads <repoRoot>/.gtrconfig into a ProjectConfig.
// Recognized keys: [hooks] postCreate (single value), [copy] include and
// exclude (multi-valued). A missing file yields an empty config. A parse
// failure is non-fatal: the project loads with empty hooks and the error
// is attached for UI surfacing.
func LoadProjectConfig(repoRoot string) wsxmodel.ProjectConfig {
	var cfg wsxmodel.ProjectConfig

	path := filepath.Join(repoRoot, GtrConfigFilename)
	if _, err := os.Stat(path); err != nil {
		return cfg
	}

	output, err := runGtrConfig([]string{"config", "--file", path, "--get-regexp", "."}, repoRoot)
	if err != nil {
		cfg.ParseErr = wsxerr.Wrap(wsxerr.KindConfig, err)
		return cfg
	}

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		// "hooks.postcreate npm install" — SplitN keeps values with spaces.
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(parts[0])
		value := parts[1]
		switch key {
		case "hooks.postcreate":
			cfg.PostCreateHook = value
		case "copy.include":
			cfg.CopyInclude = append(cfg.CopyInclude, value)
		case "copy.exclude":
			cfg.CopyExclude = append(cfg.CopyExclude, value)
		}
	}
	return cfg
}
