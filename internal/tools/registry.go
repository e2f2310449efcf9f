package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"shellmind/internal/jobs"
	"shellmind/internal/logging"
	"shellmind/internal/metrics"
	"shellmind/internal/shell"
)

// Registry holds the tools available to a run. It is thread-safe.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	// order keeps registration order for Specs.
	order []string

	metrics *metrics.Metrics
}

// NewRegistry creates a new empty tool registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		metrics: m,
	}
}

// Register adds a tool to the registry.
// Returns an error if a tool with the same name already exists.
func (r *Registry) Register(tool Tool) error {
	name := tool.Spec().Name
	if name == "" {
		return fmt.Errorf("invalid tool: %w", ErrToolNameEmpty)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)

	logging.ToolsDebug("Registered tool: %s", name)
	return nil
}

// MustRegister registers a tool and panics on error.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Spec().Name, err))
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Specs returns the spec of every tool in registration order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Call runs the named tool. Malformed arguments are repaired before
// validation; missing required arguments fail without invoking the tool.
func (r *Registry) Call(ctx context.Context, name string, rawArgs json.RawMessage) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	start := time.Now()
	out, err := r.call(ctx, tool, rawArgs)
	duration := time.Since(start)

	r.metrics.ObserveTool(name, err, duration)
	logging.ToolsDebug("Tool %s completed in %v (success=%v)", name, duration, err == nil)
	return out, err
}

func (r *Registry) call(ctx context.Context, tool Tool, rawArgs json.RawMessage) (string, error) {
	args, fields, err := NormalizeArgs(rawArgs)
	if err != nil {
		return "", err
	}
	for _, required := range tool.Spec().Schema.Required {
		if _, ok := fields[required]; !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}

	logging.ToolsDebug("Executing tool: %s", tool.Spec().Name)
	return tool.Call(ctx, args)
}

// NormalizeArgs returns rawArgs as a JSON object, repairing it when it does
// not parse. Empty input is treated as {}.
func NormalizeArgs(rawArgs json.RawMessage) (json.RawMessage, map[string]json.RawMessage, error) {
	if strings.TrimSpace(string(rawArgs)) == "" {
		return json.RawMessage("{}"), map[string]json.RawMessage{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rawArgs, &fields); err == nil {
		return rawArgs, fields, nil
	}

	repaired, err := jsonrepair.JSONRepair(string(rawArgs))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := json.Unmarshal([]byte(repaired), &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	logging.ToolsDebug("Repaired tool arguments (%d -> %d bytes)", len(rawArgs), len(repaired))
	return json.RawMessage(repaired), fields, nil
}

// decode unmarshals already-normalized args into dst.
func decode(args json.RawMessage, dst any) error {
	if err := json.Unmarshal(args, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// Deps wires the standard tool set.
type Deps struct {
	Executor *shell.DirectExecutor
	Launcher *jobs.Launcher
	Jobs     *jobs.Registry
	Confirm  Confirmer

	// MaxWaitSeconds caps a single wait call. Zero means no cap.
	MaxWaitSeconds float64

	Metrics *metrics.Metrics
}

// NewStandardRegistry registers execute_command, run_background,
// command_status and wait.
func NewStandardRegistry(d Deps) *Registry {
	r := NewRegistry(d.Metrics)
	r.MustRegister(NewExecuteCommand(d.Executor, d.Confirm))
	r.MustRegister(NewRunBackground(d.Launcher, d.Confirm))
	r.MustRegister(NewCommandStatus(d.Jobs))
	r.MustRegister(NewWait(d.Jobs, d.MaxWaitSeconds))
	return r
}
