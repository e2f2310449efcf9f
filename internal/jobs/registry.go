package jobs

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"shellmind/internal/logging"
	"shellmind/internal/metrics"
	"shellmind/internal/shell"
)

type entry struct {
	cmd AsyncCommand

	// supervised records have a launcher goroutine waiting on the process;
	// Probe leaves them alone so the exit code is not raced.
	supervised bool
}

// Registry is the in-memory table of background commands.
// Create one per process and pass it explicitly; Shutdown drains subscribers.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*entry
	subs     map[uint64]*Subscription
	nextSub  uint64
	closed   bool

	now     func() time.Time
	alive   func(pid int) bool
	metrics *metrics.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLivenessProbe overrides the signal-0 process check used by Probe.
func WithLivenessProbe(alive func(pid int) bool) Option {
	return func(r *Registry) { r.alive = alive }
}

// WithMetrics reports status transitions to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		commands: make(map[string]*entry),
		subs:     make(map[uint64]*Subscription),
		now:      time.Now,
		alive:    shell.ProcessAlive,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// release hands a supervised record over to Probe once no supervisor will
// publish its exit.
func (r *Registry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.commands[id]; ok && e.supervised {
		e.supervised = false
		logging.JobsDebug("Command %s released to the liveness probe", id)
	}
}

// Register inserts cmd with status running.
func (r *Registry) Register(cmd AsyncCommand) error {
	return r.register(cmd, false)
}

func (r *Registry) register(cmd AsyncCommand, supervised bool) error {
	if cmd.ID == "" {
		return fmt.Errorf("command id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.commands[cmd.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, cmd.ID)
	}

	cmd = cmd.clone()
	cmd.Status = StatusRunning
	cmd.Error = nil
	cmd.FinishedAt = time.Time{}
	if cmd.StartedAt.IsZero() {
		cmd.StartedAt = r.now()
	}
	r.commands[cmd.ID] = &entry{cmd: cmd, supervised: supervised}

	logging.Jobs("Registered background command %s (pid=%d): %s", cmd.ID, cmd.PID, cmd.Command)
	r.publishLocked(StatusEvent{Command: cmd.clone()})
	return nil
}

// SetStatus moves id to status. Unknown ids are ignored: the record may have
// been pruned already. Setting the current status and error again publishes
// nothing.
func (r *Registry) SetStatus(id string, status Status, cmdErr *CommandError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.commands[id]
	if !ok {
		logging.JobsDebug("SetStatus for unknown command %s ignored", id)
		return
	}
	if e.cmd.Status == status && sameError(e.cmd.Error, cmdErr) {
		return
	}

	prev := e.cmd.Status
	e.cmd.Status = status
	e.cmd.Error = nil
	if cmdErr != nil {
		ce := *cmdErr
		e.cmd.Error = &ce
	}
	if status.Terminal() {
		e.cmd.FinishedAt = r.now()
	} else {
		e.cmd.FinishedAt = time.Time{}
	}

	logging.Jobs("Command %s: %s -> %s", id, prev, status)
	r.publishLocked(StatusEvent{Command: e.cmd.clone(), Previous: prev})
}

func sameError(a, b *CommandError) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// publishLocked fans ev out to every subscriber. Called with r.mu held, so
// events for one id reach each subscriber in SetStatus order.
func (r *Registry) publishLocked(ev StatusEvent) {
	r.metrics.ObserveStatus(string(ev.Previous), string(ev.Command.Status))
	for _, s := range r.subs {
		s.push(ev)
	}
}

// Get returns a snapshot of one record.
func (r *Registry) Get(id string) (AsyncCommand, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.commands[id]
	if !ok {
		return AsyncCommand{}, false
	}
	return e.cmd.clone(), true
}

// List returns snapshots of every record ordered by start time.
func (r *Registry) List() []AsyncCommand {
	return r.collect(func(AsyncCommand) bool { return true })
}

// ListRunning returns snapshots of the running records ordered by start time.
func (r *Registry) ListRunning() []AsyncCommand {
	return r.collect(func(c AsyncCommand) bool { return c.Status == StatusRunning })
}

func (r *Registry) collect(keep func(AsyncCommand) bool) []AsyncCommand {
	r.mu.RLock()
	out := make([]AsyncCommand, 0, len(r.commands))
	for _, e := range r.commands {
		if keep(e.cmd) {
			out = append(out, e.cmd.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of tracked records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Probe re-derives the status of a running record from the OS. If the process
// is gone, a non-empty stderr file marks it failed with code 1, anything else
// (including an unreadable file) marks it completed. Probe errors never reach
// the caller. The liveness check can be fooled by pid reuse.
func (r *Registry) Probe(id string) (AsyncCommand, bool) {
	r.mu.RLock()
	e, ok := r.commands[id]
	var cmd AsyncCommand
	var supervised bool
	if ok {
		cmd = e.cmd.clone()
		supervised = e.supervised
	}
	r.mu.RUnlock()

	if !ok {
		return AsyncCommand{}, false
	}
	// without a pid there is nothing to probe
	if cmd.Status != StatusRunning || supervised || cmd.PID <= 0 {
		return cmd, true
	}
	if r.alive(cmd.PID) {
		return cmd, true
	}

	status, cmdErr := statusFromStderr(cmd.StderrPath)
	logging.JobsDebug("Probe %s: process %d gone, deriving %s from stderr", id, cmd.PID, status)
	r.SetStatus(id, status, cmdErr)
	return r.Get(id)
}

func statusFromStderr(path string) (Status, *CommandError) {
	if path == "" {
		return StatusCompleted, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logging.JobsWarn("Reading stderr %s: %v", path, err)
		return StatusCompleted, nil
	}
	msg := strings.TrimRight(string(data), "\r\n")
	if strings.TrimSpace(msg) == "" {
		return StatusCompleted, nil
	}
	return StatusFailed, &CommandError{Code: 1, Message: msg}
}

// Prune drops finished records older than olderThan and returns how many went.
func (r *Registry) Prune(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	n := 0
	for id, e := range r.commands {
		if e.cmd.Status.Terminal() && !e.cmd.FinishedAt.After(cutoff) {
			delete(r.commands, id)
			n++
		}
	}
	if n > 0 {
		logging.JobsDebug("Pruned %d finished commands", n)
	}
	return n
}

// Shutdown closes every subscription and rejects new registrations and
// subscriptions. Records stay readable.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for id, s := range r.subs {
		subs = append(subs, s)
		delete(r.subs, id)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	logging.Jobs("Registry shut down (%d subscribers drained)", len(subs))
}
