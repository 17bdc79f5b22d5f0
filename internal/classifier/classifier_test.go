package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vlwkaos/wsx/internal/wsxmodel"
)

func TestClassifyRuleOrder(t *testing.T) {
	cfg := DefaultActivityConfig()
	now := time.Now()
	recentDismiss := now.Add(-time.Second)
	oldDismiss := now.Add(-time.Minute)

	cases := []struct {
		name string
		s    Signals
		want wsxmodel.SessionStatus
	}{
		{
			"muted wins over everything",
			Signals{Muted: true, HasBellFlag: true, PaneBytesDeltaSinceLastProbe: 100, LastOutputAt: now, Now: now},
			wsxmodel.StatusMuted,
		},
		{
			"active output within window",
			Signals{PaneBytesDeltaSinceLastProbe: 10, LastOutputAt: now.Add(-time.Second), Now: now},
			wsxmodel.StatusActive,
		},
		{
			"active preempts bell",
			Signals{PaneBytesDeltaSinceLastProbe: 10, LastOutputAt: now, HasBellFlag: true, Now: now},
			wsxmodel.StatusActive,
		},
		{
			"dismiss grace suppresses bell",
			Signals{HasBellFlag: true, DismissedAt: &recentDismiss, Now: now},
			wsxmodel.StatusIdle,
		},
		{
			"expired dismiss no longer suppresses",
			Signals{HasBellFlag: true, DismissedAt: &oldDismiss, Now: now},
			wsxmodel.StatusPending,
		},
		{
			"bell fires pending",
			Signals{HasBellFlag: true, Now: now},
			wsxmodel.StatusPending,
		},
		{
			"quiet non-passive fires pending",
			Signals{WentQuiet: true, ForegroundComm: "make", Now: now},
			wsxmodel.StatusPending,
		},
		{
			"quiet passive stays idle",
			Signals{WentQuiet: true, ForegroundComm: "watch", Now: now},
			wsxmodel.StatusIdle,
		},
		{
			"quiet shell stays idle",
			Signals{WentQuiet: true, ForegroundComm: "zsh", Now: now},
			wsxmodel.StatusIdle,
		},
		{
			"nothing at all is idle",
			Signals{Now: now},
			wsxmodel.StatusIdle,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.s, cfg))
		})
	}
}

// A session is never simultaneously Active and Pending: the rules are
// evaluated in order and return a single variant, so it suffices to check
// that the Active conditions shadow every Pending condition.
func TestActivePreemptsPending(t *testing.T) {
	cfg := DefaultActivityConfig()
	now := time.Now()
	s := Signals{
		PaneBytesDeltaSinceLastProbe: 1,
		LastOutputAt:                 now,
		HasBellFlag:                  true,
		WentQuiet:                    true,
		ForegroundComm:               "make",
		Now:                          now,
	}
	assert.Equal(t, wsxmodel.StatusActive, Classify(s, cfg))
}

func TestPendingImpliesNotMutedAndACause(t *testing.T) {
	cfg := DefaultActivityConfig()
	now := time.Now()

	// Exhaustive sweep over the boolean signal space: whenever the
	// classifier says Pending, the invariant from the testable properties
	// must hold.
	for _, muted := range []bool{false, true} {
		for _, bell := range []bool{false, true} {
			for _, quiet := range []bool{false, true} {
				for _, comm := range []string{"make", "watch", "zsh", ""} {
					s := Signals{Muted: muted, HasBellFlag: bell, WentQuiet: quiet, ForegroundComm: comm, Now: now}
					got := Classify(s, cfg)
					if got == wsxmodel.StatusPending {
						assert.False(t, muted)
						cause := bell || (quiet && !cfg.PassiveSet[comm] && !cfg.ShellSet[comm])
						assert.True(t, cause, "Pending requires bell or quiet-non-passive")
					}
				}
			}
		}
	}
}

func TestConfiguredWindowsAreHonored(t *testing.T) {
	cfg := DefaultActivityConfig()
	cfg.ActiveWindow = 100 * time.Millisecond
	now := time.Now()

	s := Signals{PaneBytesDeltaSinceLastProbe: 1, LastOutputAt: now.Add(-time.Second), Now: now}
	assert.Equal(t, wsxmodel.StatusIdle, Classify(s, cfg),
		"output older than the configured active window does not count as Active")
}
