package tools

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellmind/internal/jobs"
	"shellmind/internal/shell"
)

// echoTool returns its raw arguments.
type echoTool struct {
	name     string
	required []string
	calls    int
}

func (e *echoTool) Spec() Spec {
	return Spec{Name: e.name, Schema: ToolSchema{Required: e.required}}
}

func (e *echoTool) Call(_ context.Context, args json.RawMessage) (string, error) {
	e.calls++
	return string(args), nil
}

func TestRegisterAndSpecsOrder(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&echoTool{name: "zeta"}))
	require.NoError(t, reg.Register(&echoTool{name: "alpha"}))

	assert.Equal(t, 2, reg.Count())
	assert.Equal(t, []string{"alpha", "zeta"}, reg.Names())

	specs := reg.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "zeta", specs[0].Name, "specs keep registration order")
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry(nil)

	err := reg.Register(&echoTool{name: ""})
	assert.ErrorIs(t, err, ErrToolNameEmpty)

	require.NoError(t, reg.Register(&echoTool{name: "dupe"}))
	err = reg.Register(&echoTool{name: "dupe"})
	assert.ErrorIs(t, err, ErrToolAlreadyRegistered)

	assert.Panics(t, func() { reg.MustRegister(&echoTool{name: "dupe"}) })
}

func TestCallUnknownTool(t *testing.T) {
	_, err := NewRegistry(nil).Call(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestCallMissingRequiredArg(t *testing.T) {
	reg := NewRegistry(nil)
	tool := &echoTool{name: "needs", required: []string{"command"}}
	reg.MustRegister(tool)

	_, err := reg.Call(context.Background(), "needs", json.RawMessage(`{"other":1}`))
	assert.ErrorIs(t, err, ErrMissingRequiredArg)
	assert.Zero(t, tool.calls, "tool must not run")
}

func TestCallRepairsArguments(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(&echoTool{name: "echo", required: []string{"command"}})

	tests := []struct {
		name string
		raw  string
	}{
		{"valid", `{"command":"ls"}`},
		{"trailing comma", `{"command":"ls",}`},
		{"single quotes", `{'command':'ls'}`},
		{"unclosed", `{"command":"ls"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := reg.Call(context.Background(), "echo", json.RawMessage(tt.raw))
			require.NoError(t, err)

			var got map[string]string
			require.NoError(t, json.Unmarshal([]byte(out), &got))
			assert.Equal(t, "ls", got["command"])
		})
	}
}

func TestNormalizeArgsEmpty(t *testing.T) {
	args, fields, err := NormalizeArgs(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(args))
	assert.Empty(t, fields)
}

func TestNormalizeArgsRejectsNonObject(t *testing.T) {
	_, _, err := NormalizeArgs(json.RawMessage(`[1,2,3]`))
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell syntax")
	}
}

func TestExecuteCommandApproved(t *testing.T) {
	skipOnWindows(t)
	var asked string
	tool := NewExecuteCommand(shell.NewDirectExecutor(), ConfirmFunc(func(_ context.Context, cmd string) (bool, error) {
		asked = cmd
		return true, nil
	}))

	out, err := tool.Call(context.Background(), json.RawMessage(`{"command":"echo hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "echo hello", asked)
	assert.Contains(t, out, "hello")
}

func TestExecuteCommandReportsExitCode(t *testing.T) {
	skipOnWindows(t)
	tool := NewExecuteCommand(shell.NewDirectExecutor(), nil)

	out, err := tool.Call(context.Background(), json.RawMessage(`{"command":"exit 3"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "[exit code: 3]")
}

func TestExecuteCommandRejected(t *testing.T) {
	tool := NewExecuteCommand(shell.NewDirectExecutor(), ConfirmFunc(func(context.Context, string) (bool, error) {
		return false, nil
	}))

	out, err := tool.Call(context.Background(), json.RawMessage(`{"command":"rm -rf /tmp/x"}`))
	require.NoError(t, err)
	assert.Equal(t, CancelledOutput, out)
}

func TestExecuteCommandInterrupted(t *testing.T) {
	tool := NewExecuteCommand(shell.NewDirectExecutor(), ConfirmFunc(func(context.Context, string) (bool, error) {
		return false, ErrInterrupted
	}))

	_, err := tool.Call(context.Background(), json.RawMessage(`{"command":"ls"}`))
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestExecuteCommandConfirmError(t *testing.T) {
	tool := NewExecuteCommand(shell.NewDirectExecutor(), ConfirmFunc(func(context.Context, string) (bool, error) {
		return false, errors.New("tty gone")
	}))

	_, err := tool.Call(context.Background(), json.RawMessage(`{"command":"ls"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInterrupted)
}

func newStandard(t *testing.T) (*Registry, *jobs.Registry) {
	t.Helper()
	jr := jobs.NewRegistry()
	l := jobs.NewLauncher(jr, jobs.LauncherConfig{OutputDir: t.TempDir()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, l.Shutdown(ctx))
		jr.Shutdown()
	})
	return NewStandardRegistry(Deps{
		Executor:       shell.NewDirectExecutor(),
		Launcher:       l,
		Jobs:           jr,
		MaxWaitSeconds: 30,
	}), jr
}

func TestStandardRegistry(t *testing.T) {
	reg, _ := newStandard(t)
	assert.Equal(t, []string{"command_status", "execute_command", "run_background", "wait"}, reg.Names())
}

func TestWaitTimesOut(t *testing.T) {
	reg, _ := newStandard(t)

	out, err := reg.Call(context.Background(), "wait", json.RawMessage(`{"seconds":0.01,"reason":"let it settle"}`))
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, false, res["interrupted"])
	assert.Equal(t, 0.01, res["waitedSeconds"])
	assert.Equal(t, "let it settle", res["reason"])
	assert.NotContains(t, res, "commandStatus")
}

func TestRunBackgroundThenWait(t *testing.T) {
	skipOnWindows(t)
	reg, jr := newStandard(t)
	ctx := context.Background()

	out, err := reg.Call(ctx, "run_background", json.RawMessage(`{"id":"build","command":"echo built"}`))
	require.NoError(t, err)

	var started backgroundOutput
	require.NoError(t, json.Unmarshal([]byte(out), &started))
	assert.Equal(t, "build", started.ID)
	assert.Positive(t, started.PID)
	assert.NotEmpty(t, started.StdoutPath)

	out, err = reg.Call(ctx, "wait", json.RawMessage(`{"seconds":10,"reason":"build output","interruptOn":["build"]}`))
	require.NoError(t, err)

	var res jobs.WaitResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Interrupted)
	assert.Equal(t, "build output", res.Reason)
	assert.Equal(t, "command build completed", res.Trigger)
	require.NotNil(t, res.Command)
	assert.Equal(t, jobs.StatusCompleted, res.Command.Status)

	out, err = reg.Call(ctx, "command_status", json.RawMessage(`{"id":"build"}`))
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"completed"`)

	_, err = reg.Call(ctx, "command_status", json.RawMessage(`{"id":"missing"}`))
	assert.Error(t, err)

	cmd, ok := jr.Get("build")
	require.True(t, ok)
	assert.Equal(t, jobs.StatusCompleted, cmd.Status)
}

func TestRunBackgroundDuplicateID(t *testing.T) {
	skipOnWindows(t)
	reg, _ := newStandard(t)
	ctx := context.Background()

	_, err := reg.Call(ctx, "run_background", json.RawMessage(`{"id":"dup","command":"sleep 0.2"}`))
	require.NoError(t, err)
	_, err = reg.Call(ctx, "run_background", json.RawMessage(`{"id":"dup","command":"true"}`))
	assert.ErrorIs(t, err, jobs.ErrDuplicateID)
}
