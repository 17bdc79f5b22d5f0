// Package config holds wsx's two stores: the global preferences file
// (TOML, atomic temp-file+rename writes, debounced) and the per-project
// .gtrconfig reader in gtrconfig.go. Dismiss states are deliberately not
// persisted; mutes are.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vlwkaos/wsx/internal/classifier"
	log "github.com/vlwkaos/wsx/internal/log"
)

// SaveDebounce is the write-coalescing window for the preferences file.
const SaveDebounce = 500 * time.Millisecond

const defaultFilePerms = 0o600
const defaultDirPerms = 0o750

// ProjectEntry is one row of the persisted [[projects]] list.
type ProjectEntry struct {
	Path  string `toml:"path"`
	Alias string `toml:"alias,omitempty"`
}

// ActivitySettings exposes the classifier windows and process sets as
// config keys with the documented defaults.
type ActivitySettings struct {
	ActiveWindowMS int      `toml:"active_window_ms,omitempty"`
	DismissGraceMS int      `toml:"dismiss_grace_ms,omitempty"`
	Passive        []string `toml:"passive,omitempty"`
	Shells         []string `toml:"shells,omitempty"`
}

// GlobalConfig is the on-disk shape of ~/.config/wsx/config.toml.
type GlobalConfig struct {
	Projects []ProjectEntry   `toml:"projects"`
	Mutes    []string         `toml:"mutes"`
	Activity ActivitySettings `toml:"activity"`
	DebugLog string           `toml:"debug_log,omitempty"`
}

// DefaultPath resolves the preferences file location.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "wsx", "config.toml"), nil
}

// Store owns the global preferences. It is safe to call from the event
// loop only; the debounce timer fires a goroutine that re-enters through
// the mutex for the disk write alone.
type Store struct {
	mu    sync.Mutex
	path  string
	cfg   GlobalConfig
	timer *time.Timer
}

// Load reads the preferences file at path (empty means DefaultPath). A
// missing file is not an error: wsx starts with an empty project list.
func Load(path string) (*Store, error) {
	if path == "" {
		resolved, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	s := &Store{path: path}
	data, err := os.ReadFile(path) // #nosec G304 -- path is the user's own config location
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, &s.cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Config returns a copy of the current preferences.
func (s *Store) Config() GlobalConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ActivityConfig builds the classifier configuration from the persisted
// settings, falling back to the documented defaults for unset keys.
func (s *Store) ActivityConfig() classifier.ActivityConfig {
	s.mu.Lock()
	a := s.cfg.Activity
	s.mu.Unlock()

	cfg := classifier.DefaultActivityConfig()
	if a.ActiveWindowMS > 0 {
		cfg.ActiveWindow = time.Duration(a.ActiveWindowMS) * time.Millisecond
	}
	if a.DismissGraceMS > 0 {
		cfg.DismissGraceWindow = time.Duration(a.DismissGraceMS) * time.Millisecond
	}
	if len(a.Passive) > 0 {
		cfg.PassiveSet = make(map[string]bool, len(a.Passive))
		for _, comm := range a.Passive {
			cfg.PassiveSet[comm] = true
		}
	}
	if len(a.Shells) > 0 {
		cfg.ShellSet = make(map[string]bool, len(a.Shells))
		for _, comm := range a.Shells {
			cfg.ShellSet[comm] = true
		}
	}
	return cfg
}

// AddProject appends a project entry unless its path is already present.
func (s *Store) AddProject(path, alias string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.cfg.Projects {
		if p.Path == path {
			return
		}
	}
	s.cfg.Projects = append(s.cfg.Projects, ProjectEntry{Path: path, Alias: alias})
	s.scheduleLocked()
}

// RemoveProject drops a project entry by path.
func (s *Store) RemoveProject(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.cfg.Projects {
		if p.Path == path {
			s.cfg.Projects = append(s.cfg.Projects[:i], s.cfg.Projects[i+1:]...)
			s.scheduleLocked()
			return
		}
	}
}

// SetProjectAlias updates a project's persisted alias.
func (s *Store) SetProjectAlias(path, alias string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cfg.Projects {
		if s.cfg.Projects[i].Path == path {
			s.cfg.Projects[i].Alias = alias
			s.scheduleLocked()
			return
		}
	}
}

// SetProjectOrder replaces the project list order with the given path
// sequence, keeping entries for unknown paths at the tail.
func (s *Store) SetProjectOrder(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPath := make(map[string]ProjectEntry, len(s.cfg.Projects))
	for _, p := range s.cfg.Projects {
		byPath[p.Path] = p
	}
	reordered := make([]ProjectEntry, 0, len(s.cfg.Projects))
	for _, path := range paths {
		if p, ok := byPath[path]; ok {
			reordered = append(reordered, p)
			delete(byPath, path)
		}
	}
	for _, p := range s.cfg.Projects {
		if _, left := byPath[p.Path]; left {
			reordered = append(reordered, p)
		}
	}
	s.cfg.Projects = reordered
	s.scheduleLocked()
}

// SetMuted adds or removes a session id from the persisted mute list.
func (s *Store) SetMuted(sessionID string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, id := range s.cfg.Mutes {
		if id == sessionID {
			idx = i
			break
		}
	}
	switch {
	case muted && idx < 0:
		s.cfg.Mutes = append(s.cfg.Mutes, sessionID)
	case !muted && idx >= 0:
		s.cfg.Mutes = append(s.cfg.Mutes[:idx], s.cfg.Mutes[idx+1:]...)
	default:
		return
	}
	s.scheduleLocked()
}

// IsMuted reports whether a session id is in the persisted mute list.
func (s *Store) IsMuted(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.cfg.Mutes {
		if id == sessionID {
			return true
		}
	}
	return false
}

// scheduleLocked arms (or re-arms) the debounced save. Caller holds mu.
func (s *Store) scheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(SaveDebounce, func() {
		if err := s.Flush(); err != nil {
			log.Errorf("config", err, "debounced save")
		}
	})
}

// Flush writes the preferences file immediately: marshal to a temp file in
// the target directory, then rename over the destination.
func (s *Store) Flush() error {
	s.mu.Lock()
	cfg := s.cfg
	path := s.path
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, defaultDirPerms); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, defaultFilePerms); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Close flushes any pending debounced write.
func (s *Store) Close() error {
	s.mu.Lock()
	pending := s.timer != nil
	s.mu.Unlock()
	if pending {
		return s.Flush()
	}
	return nil
}
