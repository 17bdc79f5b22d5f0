// Package classifier derives a session's activity status from a pure,
// side-effect-free rule table, the ordered-switch style the teacher uses
// in app_status.go for deriving counts and flags from raw git/tmux
// signals.
package classifier

import (
	"time"

	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

// Default activity windows (spec section 4.4).
const (
	DefaultActiveWindow       = 2 * time.Second
	DefaultDismissGraceWindow = 10 * time.Second
)

// ActivityConfig exposes the classifier's tunable windows, loaded from the
// global config store (resolves SPEC_FULL.md's Open Question: these are
// not hardcoded).
type ActivityConfig struct {
	ActiveWindow       time.Duration
	DismissGraceWindow time.Duration
	PassiveSet         map[string]bool
	ShellSet           map[string]bool
}

// DefaultActivityConfig returns the spec's documented defaults.
func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		ActiveWindow:       DefaultActiveWindow,
		DismissGraceWindow: DefaultDismissGraceWindow,
		PassiveSet: map[string]bool{
			"vim": true, "nvim": true, "less": true, "man": true,
			"tail": true, "watch": true, "top": true, "htop": true,
		},
		ShellSet: map[string]bool{
			"bash": true, "zsh": true, "fish": true, "sh": true, "dash": true,
		},
	}
}

// Signals is the pure input to Classify (spec section 4.4).
type Signals struct {
	PaneBytesDeltaSinceLastProbe uint64
	LastOutputAt                 time.Time
	HasBellFlag                  bool
	ForegroundComm               string
	WentQuiet                    bool
	Muted                        bool
	DismissedAt                  *time.Time
	Now                          time.Time
}

// Classify applies the six ordered rules from spec section 4.4. First
// match wins; Active is checked before Pending so actively-producing
// processes do not flicker between the two.
func Classify(s Signals, cfg ActivityConfig) wsxmodel.SessionStatus {
	switch {
	case s.Muted:
		return wsxmodel.StatusMuted
	case s.PaneBytesDeltaSinceLastProbe > 0 && s.Now.Sub(s.LastOutputAt) < cfg.ActiveWindow:
		return wsxmodel.StatusActive
	case s.DismissedAt != nil && s.Now.Sub(*s.DismissedAt) < cfg.DismissGraceWindow:
		return wsxmodel.StatusIdle
	case s.HasBellFlag:
		return wsxmodel.StatusPending
	case s.WentQuiet && !cfg.PassiveSet[s.ForegroundComm] && !cfg.ShellSet[s.ForegroundComm]:
		return wsxmodel.StatusPending
	default:
		return wsxmodel.StatusIdle
	}
}
