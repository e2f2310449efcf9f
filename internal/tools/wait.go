package tools

import (
	"context"
	"encoding/json"

	"shellmind/internal/jobs"
)

// Wait pauses the run, optionally until a background command finishes.
type Wait struct {
	registry *jobs.Registry
	maxWait  float64
}

// NewWait creates the wait tool. maxSeconds caps a single wait; zero means
// no cap.
func NewWait(registry *jobs.Registry, maxSeconds float64) *Wait {
	return &Wait{registry: registry, maxWait: maxSeconds}
}

// Spec implements Tool.
func (t *Wait) Spec() Spec {
	return Spec{
		Name: "wait",
		Description: "Wait for a number of seconds. If interruptOn lists background command ids, " +
			"the wait ends as soon as one of them completes or fails.",
		Schema: ToolSchema{
			Required: []string{"seconds"},
			Properties: map[string]Property{
				"seconds":     {Type: "number", Description: "How long to wait, in seconds"},
				"reason":      {Type: "string", Description: "Why the wait is needed"},
				"interruptOn": {Type: "array", Description: "Background command ids that end the wait early", Items: &PropertyItems{Type: "string"}},
			},
		},
	}
}

// Call implements Tool.
func (t *Wait) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Seconds     float64  `json:"seconds"`
		Reason      string   `json:"reason"`
		InterruptOn []string `json:"interruptOn"`
	}
	if err := decode(args, &in); err != nil {
		return "", err
	}
	if t.maxWait > 0 && in.Seconds > t.maxWait {
		in.Seconds = t.maxWait
	}

	res, err := t.registry.Wait(ctx, jobs.WaitRequest{
		Seconds:     in.Seconds,
		Reason:      in.Reason,
		InterruptOn: in.InterruptOn,
	})
	if err != nil {
		return "", err
	}
	return marshal(res)
}
