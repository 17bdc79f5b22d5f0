// Package log is wsx's debug trace sink. The TUI owns the terminal, so
// nothing here ever writes to stdout or stderr: messages accumulate in a
// bounded in-memory buffer until SetFile points at a sink, then stream to
// that file. Subsystems log through Scope so traces sort by component,
// and Errorf stamps typed errors with their wsxerr kind.
package log

import (
	"errors"
	stdlog "log"
	"os"
	"sync"

	"github.com/vlwkaos/wsx/internal/wsxerr"
)

// maxBuffered bounds the pre-sink buffer; wsx may run for a long time
// before (or without) a debug file being configured, and early traces are
// worth less than bounded memory.
const maxBuffered = 256 * 1024

// sink is the io.Writer behind the standard logger: a file once
// configured, a bounded buffer before that, or a black hole.
type sink struct {
	mu        sync.Mutex
	out       *os.File
	pending   []byte
	truncated bool
	discard   bool
}

var (
	shared = &sink{}
	logger = stdlog.New(shared, "", stdlog.LstdFlags|stdlog.Lmicroseconds)
)

// Write implements io.Writer for the standard logger.
func (s *sink) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.discard {
		return len(p), nil
	}
	if s.out != nil {
		n, err = s.out.Write(p)
		// Probe traces are the evidence when wsx misbehaves; sync so a
		// crash does not eat them. Sync errors are not worth surfacing.
		_ = s.out.Sync()
		return n, err
	}

	if len(s.pending)+len(p) > maxBuffered {
		s.truncated = true
		return len(p), nil
	}
	s.pending = append(s.pending, p...)
	return len(p), nil
}

// SetFile directs traces to path, creating it if needed and flushing
// everything buffered so far. An empty path discards buffered and future
// messages.
func SetFile(path string) error {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.out != nil {
		_ = shared.out.Close()
		shared.out = nil
	}

	if path == "" {
		shared.discard = true
		shared.pending = nil
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec
	if err != nil {
		shared.discard = true
		shared.pending = nil
		return err
	}

	shared.out = f
	shared.discard = false

	if shared.truncated {
		_, _ = f.WriteString("log: early trace buffer overflowed, later messages dropped\n")
		shared.truncated = false
	}
	if len(shared.pending) > 0 {
		_, _ = f.Write(shared.pending)
		_ = f.Sync()
		shared.pending = nil
	}
	return nil
}

// Close closes the trace file if open.
func Close() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.out == nil {
		return nil
	}
	err := shared.out.Close()
	shared.out = nil
	return err
}

// Scope returns a printf-style trace function bound to one component
// name, so call sites read debugf("...") and every line in the file
// leads with its subsystem:
//
//	var debugf = log.Scope("gitprobe")
func Scope(component string) func(format string, args ...any) {
	prefix := component + ": "
	return func(format string, args ...any) {
		logger.Printf(prefix+format, args...)
	}
}

// Printf writes an unscoped formatted message.
func Printf(format string, args ...any) {
	logger.Printf(format, args...)
}

// Errorf records err under component, tagged with its wsxerr kind when
// the error carries one, so traces can be grepped by taxonomy
// ("[probe]", "[action]", ...).
func Errorf(component string, err error, msg string) {
	kind := "error"
	var typed *wsxerr.Error
	if errors.As(err, &typed) {
		kind = string(typed.Kind)
	}
	logger.Printf("%s: [%s] %s: %v", component, kind, msg, err)
}
