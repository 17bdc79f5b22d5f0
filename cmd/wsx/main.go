// Package main is the entry point for the wsx workspace manager.
package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/vlwkaos/wsx/internal/app"
	"github.com/vlwkaos/wsx/internal/cmdexec"
	"github.com/vlwkaos/wsx/internal/config"
	"github.com/vlwkaos/wsx/internal/log"
	"github.com/vlwkaos/wsx/internal/muxprobe"
)

var (
	version = "dev"
	commit  = "none"
)

// Exit codes per the launch contract: 0 normal quit, 2 not inside a
// multiplexer client, 1 unhandled internal error.
const (
	exitOK       = 0
	exitInternal = 1
	exitNoMux    = 2
)

func main() {
	cliApp := &cli.Command{
		Name:                  "wsx",
		Usage:                 "A TUI workspace manager for git worktrees and multiplexer sessions",
		Version:               version + " (" + commit + ")",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config-file",
				Usage: "Path to the preferences file (default ~/.config/wsx/config.toml)",
			},
			&cli.StringFlag{
				Name:  "debug-log",
				Usage: "Write debug traces to this file",
			},
			&cli.StringFlag{
				Name:  "multiplexer",
				Usage: "Multiplexer backend (tmux, zellij)",
				Value: "tmux",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runTUI(cmd)
		},
		Suggest: true,
	}

	if err := cliApp.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(exitInternal)
	}
}

// insideMultiplexer implements the launch contract check: wsx must be
// started from within an existing multiplexer client session.
func insideMultiplexer() bool {
	return os.Getenv("TMUX") != "" || os.Getenv("ZELLIJ") != ""
}

func runTUI(cmd *cli.Command) error {
	if !insideMultiplexer() {
		fmt.Fprintln(os.Stderr, "wsx: must be started inside a tmux or zellij session")
		os.Exit(exitNoMux)
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "wsx: stdout is not a terminal")
		os.Exit(exitNoMux)
	}

	if debugLog := cmd.String("debug-log"); debugLog != "" {
		if err := log.SetFile(debugLog); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening debug log file %q: %v\n", debugLog, err)
		}
	}

	store, err := config.Load(cmd.String("config-file"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		_ = log.Close()
		return err
	}

	if cmd.String("debug-log") == "" {
		if cfgLog := store.Config().DebugLog; cfgLog != "" {
			if err := log.SetFile(cfgLog); err != nil {
				fmt.Fprintf(os.Stderr, "Error opening debug log file from config %q: %v\n", cfgLog, err)
			}
		} else {
			_ = log.SetFile("")
		}
	}

	executor := cmdexec.New(0, 0)
	var mux muxprobe.Backend
	switch cmd.String("multiplexer") {
	case "zellij":
		mux = muxprobe.NewZellij(executor)
	default:
		mux = muxprobe.NewTmux(executor)
	}

	model := app.NewModel(store, executor, mux)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())

	_, err = p.Run()
	model.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running app: %v\n", err)
		_ = log.Close()
		return err
	}

	if err := log.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing debug log: %v\n", err)
	}
	return nil
}
