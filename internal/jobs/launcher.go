package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"shellmind/internal/logging"
	"shellmind/internal/shell"

	"golang.org/x/sync/errgroup"
)

// LauncherConfig configures background command launches.
type LauncherConfig struct {
	// OutputDir receives <id>.stdout, <id>.stderr and <id>.log.
	OutputDir string

	Shell            string
	WorkingDirectory string
	Environment      []string

	// Retention prunes finished records older than this before each launch.
	// Zero keeps everything.
	Retention time.Duration
}

// drainGrace bounds how long a reaped command's output may trail its exit
// before the final status is derived from the stderr file.
const drainGrace = 250 * time.Millisecond

// Launcher starts detached shell commands and supervises them, publishing
// their exit through the registry.
type Launcher struct {
	registry *Registry
	config   LauncherConfig

	mu      sync.Mutex
	running map[string]*job
	wg      sync.WaitGroup
}

// job is one supervised command. The shell can exit while processes it
// forked still hold the output pipes open.
type job struct {
	cmd     *exec.Cmd
	readers []*os.File
	exited  bool
}

// NewLauncher creates a launcher that registers into reg.
func NewLauncher(reg *Registry, config LauncherConfig) *Launcher {
	if config.Shell == "" {
		config.Shell = shell.DefaultExecutorConfig().Shell
	}
	if config.OutputDir == "" {
		config.OutputDir = filepath.Join(os.TempDir(), "shellmind-jobs")
	}
	return &Launcher{
		registry: reg,
		config:   config,
		running:  make(map[string]*job),
	}
}

// Launch starts command in its own session and registers it under id.
// The context only bounds the start; the process outlives it.
func (l *Launcher) Launch(ctx context.Context, id, command string) (AsyncCommand, error) {
	if err := ctx.Err(); err != nil {
		return AsyncCommand{}, err
	}
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) {
		return AsyncCommand{}, fmt.Errorf("invalid command id %q", id)
	}
	if strings.TrimSpace(command) == "" {
		return AsyncCommand{}, fmt.Errorf("command is required")
	}

	if l.config.Retention > 0 {
		l.registry.Prune(l.config.Retention)
	}
	if _, exists := l.registry.Get(id); exists {
		return AsyncCommand{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	if err := os.MkdirAll(l.config.OutputDir, 0o755); err != nil {
		return AsyncCommand{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	rec := AsyncCommand{
		ID:           id,
		Command:      command,
		StdoutPath:   filepath.Join(l.config.OutputDir, id+".stdout"),
		StderrPath:   filepath.Join(l.config.OutputDir, id+".stderr"),
		CombinedPath: filepath.Join(l.config.OutputDir, id+".log"),
	}

	files, err := openOutputs(rec.StdoutPath, rec.StderrPath, rec.CombinedPath)
	if err != nil {
		return AsyncCommand{}, err
	}

	cmd := exec.Command(l.config.Shell, shell.ShellArgs(l.config.Shell, command)...)
	cmd.Dir = l.config.WorkingDirectory
	cmd.Env = shell.BuildEnvironment(nil, l.config.Environment)
	shell.Detach(cmd)

	// Plain *os.File outputs keep exec from tying Wait to pipe EOF, so the
	// shell is reaped as soon as it exits.
	outR, outW, err := os.Pipe()
	if err != nil {
		files.close()
		return AsyncCommand{}, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		files.close()
		return AsyncCommand{}, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	err = cmd.Start()
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		files.close()
		return AsyncCommand{}, fmt.Errorf("failed to start background command: %w", err)
	}
	rec.PID = cmd.Process.Pid
	rec.StartedAt = l.registry.now()

	j := &job{cmd: cmd, readers: []*os.File{outR, errR}}
	if err := l.registry.register(rec, true); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		j.closeReaders()
		files.close()
		return AsyncCommand{}, err
	}

	l.mu.Lock()
	l.running[id] = j
	l.mu.Unlock()

	l.wg.Add(1)
	go l.supervise(id, j, files)

	snap, _ := l.registry.Get(id)
	return snap, nil
}

// supervise pumps output into the files, reaps the shell and publishes the
// final status once it exits. The files stay open until every process
// holding the pipes has closed them.
func (l *Launcher) supervise(id string, j *job, files *outputFiles) {
	defer l.wg.Done()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(io.MultiWriter(files.stdout, files.combined), j.readers[0])
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(io.MultiWriter(files.stderr, files.combined), j.readers[1])
		return err
	})
	drained := make(chan struct{})
	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, os.ErrClosed) {
			logging.JobsWarn("Output pump for %s: %v", id, err)
		}
		close(drained)
	}()

	waitErr := j.cmd.Wait()
	l.mu.Lock()
	j.exited = true
	l.mu.Unlock()

	select {
	case <-drained:
	case <-time.After(drainGrace):
		logging.JobsDebug("Background command %s exited; descendants still hold its output", id)
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		// no exit status to report; fall back to the liveness probe
		logging.JobsWarn("Reaping %s failed: %v", id, waitErr)
		l.registry.release(id)
		l.registry.Probe(id)
	} else {
		status, cmdErr := exitStatus(waitErr, files.stderrPath)
		logging.Jobs("Background command %s exited: %s", id, status)
		l.registry.SetStatus(id, status, cmdErr)
	}

	<-drained
	j.closeReaders()
	files.close()

	l.mu.Lock()
	delete(l.running, id)
	l.mu.Unlock()
}

func (j *job) closeReaders() {
	for _, r := range j.readers {
		r.Close()
	}
}

// exitStatus maps a reaped process to its final status. A non-zero exit is a
// failure carrying the exit code; a clean exit falls back to the stderr rule.
func exitStatus(waitErr error, stderrPath string) (Status, *CommandError) {
	if waitErr == nil {
		return statusFromStderr(stderrPath)
	}

	code := 1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if c := exitErr.ExitCode(); c > 0 {
			code = c
		}
	}
	msg := waitErr.Error()
	if data, err := os.ReadFile(stderrPath); err == nil {
		if s := strings.TrimRight(string(data), "\r\n"); strings.TrimSpace(s) != "" {
			msg = s
		}
	}
	return StatusFailed, &CommandError{Code: code, Message: msg}
}

// Running returns the ids the launcher is still supervising.
func (l *Launcher) Running() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.running))
	for id := range l.running {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown terminates the process group of every supervised command, then
// waits for the supervisors until ctx ends. Supervisors still blocked after
// that have their pipes closed, and records whose shell was never reaped are
// handed to Probe.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	for id, j := range l.running {
		logging.Jobs("Terminating background command %s (pid=%d)", id, j.cmd.Process.Pid)
		shell.TerminateGroup(j.cmd.Process)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for id, j := range l.running {
			j.closeReaders()
			if !j.exited {
				l.registry.release(id)
			}
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

type outputFiles struct {
	stdout     *os.File
	stderr     *os.File
	combined   *lockedWriter
	stderrPath string
	once       sync.Once
}

func openOutputs(stdoutPath, stderrPath, combinedPath string) (*outputFiles, error) {
	const flags = os.O_CREATE | os.O_TRUNC | os.O_WRONLY
	so, err := os.OpenFile(stdoutPath, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open stdout file: %w", err)
	}
	se, err := os.OpenFile(stderrPath, flags, 0o644)
	if err != nil {
		so.Close()
		return nil, fmt.Errorf("open stderr file: %w", err)
	}
	co, err := os.OpenFile(combinedPath, flags, 0o644)
	if err != nil {
		so.Close()
		se.Close()
		return nil, fmt.Errorf("open combined file: %w", err)
	}
	return &outputFiles{stdout: so, stderr: se, combined: &lockedWriter{f: co}, stderrPath: stderrPath}, nil
}

func (o *outputFiles) close() {
	o.once.Do(func() {
		o.stdout.Close()
		o.stderr.Close()
		o.combined.f.Close()
	})
}

// lockedWriter serializes the two pumps writing the combined log.
type lockedWriter struct {
	mu sync.Mutex
	f  *os.File
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Write(p)
}
