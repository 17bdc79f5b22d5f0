package cmdexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	e := New(0, 0)
	result, _ := e.Run(context.Background(), Spec{
		Kind: KindGit,
		Argv: []string{"sh", "-c", "echo hello"},
	})
	require.NoError(t, result.Err)
	assert.Equal(t, "hello\n", string(result.Stdout))
	assert.True(t, result.OK())
}

func TestRunNonZeroExitIsNotSpawnFailure(t *testing.T) {
	e := New(0, 0)
	result, _ := e.Run(context.Background(), Spec{
		Argv: []string{"sh", "-c", "exit 3"},
	})
	assert.Equal(t, FailureNonZeroExit, result.Failure)
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.OK())
	assert.True(t, result.OK(2, 3))
}

func TestRunTimeout(t *testing.T) {
	e := New(0, 0)
	result, _ := e.Run(context.Background(), Spec{
		Argv:    []string{"sh", "-c", "sleep 1"},
		Timeout: 10 * time.Millisecond,
	})
	assert.True(t, result.TimedOut)
	assert.Equal(t, FailureTimeout, result.Failure)
}

func TestCancelTokenKillsCommand(t *testing.T) {
	e := New(0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan Result, 1)
	go func() {
		r, _ := e.Run(ctx, Spec{Argv: []string{"sh", "-c", "sleep 5"}})
		resultCh <- r
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case r := <-resultCh:
		assert.Error(t, r.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected cancellation to terminate command promptly")
	}
}

func TestQueueFailsFastWhenFull(t *testing.T) {
	e := New(1, 1)
	// Saturate the single in-flight slot and the single queue slot so a
	// third Run call observes Busy immediately rather than blocking.
	go func() {
		_, _ = e.Run(context.Background(), Spec{Argv: []string{"sh", "-c", "sleep 1"}})
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		_, _ = e.Run(context.Background(), Spec{Argv: []string{"sh", "-c", "sleep 1"}})
	}()
	time.Sleep(20 * time.Millisecond)

	result, _ := e.Run(context.Background(), Spec{Argv: []string{"sh", "-c", "true"}})
	assert.Equal(t, FailureSpawn, result.Failure)
	assert.ErrorIs(t, result.Err, ErrBusy)
}
