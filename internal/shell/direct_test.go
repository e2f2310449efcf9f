package shell

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell syntax")
	}
}

func TestDirectExecutor_Execute(t *testing.T) {
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), Command{Line: "echo hello"})
	require.NoError(t, err)

	assert.True(t, result.Succeeded())
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Output(), "hello")
}

func TestDirectExecutor_EmptyLine(t *testing.T) {
	_, err := NewDirectExecutor().Execute(context.Background(), Command{})
	assert.Error(t, err)
}

func TestDirectExecutor_NonZeroExit(t *testing.T) {
	skipOnWindows(t)
	result, err := NewDirectExecutor().Execute(context.Background(), Command{Line: "echo oops >&2; exit 3"})
	require.NoError(t, err)

	assert.False(t, result.Succeeded())
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.True(t, strings.HasSuffix(result.Output(), "[exit code: 3]"))
}

func TestDirectExecutor_Timeout(t *testing.T) {
	skipOnWindows(t)
	start := time.Now()
	result, err := NewDirectExecutor().Execute(context.Background(), Command{
		Line:    "sleep 10",
		Timeout: 300 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, result.Killed)
	assert.Contains(t, result.KillReason, "timeout")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDirectExecutor_ContextCancellation(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	result, err := NewDirectExecutor().Execute(ctx, Command{Line: "sleep 10"})
	require.NoError(t, err)
	assert.True(t, result.Killed)
	assert.Equal(t, "context canceled", result.KillReason)
}

func TestDirectExecutor_WorkingDirectory(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	result, err := NewDirectExecutor().Execute(context.Background(), Command{Line: "pwd", WorkingDirectory: dir})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, strings.TrimPrefix(dir, "/private"))
}

func TestDirectExecutor_OutputTruncation(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutorWithConfig(ExecutorConfig{MaxOutputBytes: 10})
	result, err := executor.Execute(context.Background(), Command{Line: "printf '0123456789abcdef'"})
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.Equal(t, int64(6), result.TruncatedBytes)
	assert.Equal(t, "0123456789", result.Stdout)
}

func TestBuildEnvironment(t *testing.T) {
	t.Setenv("SHELLMIND_TEST_KEEP", "yes")
	t.Setenv("SHELLMIND_TEST_DROP", "no")

	env := BuildEnvironment([]string{"SHELLMIND_TEST_KEEP"}, []string{"EXTRA=1"})
	assert.Equal(t, []string{"SHELLMIND_TEST_KEEP=yes", "EXTRA=1"}, env)

	all := BuildEnvironment(nil, nil)
	assert.Contains(t, all, "SHELLMIND_TEST_DROP=no")
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, max: 4}

	n, err := lw.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = lw.Write([]byte("gh"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, "abcd", buf.String())
	assert.True(t, lw.truncated)
	assert.Equal(t, int64(4), lw.discarded)
}

func TestProcessAlive(t *testing.T) {
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-5))
}
