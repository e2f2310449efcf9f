package jobs

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"shellmind/internal/logging"
)

// WaitRequest describes one interruptible wait.
type WaitRequest struct {
	Seconds float64
	Reason  string

	// InterruptOn lists command ids whose transition out of running ends the
	// wait early. Empty means a plain sleep.
	InterruptOn []string
}

// WaitResult reports how a wait resolved. Reason always echoes the caller's
// reason; Trigger names the transition that ended an interrupted wait.
type WaitResult struct {
	Interrupted   bool          `json:"interrupted"`
	WaitedSeconds float64       `json:"waitedSeconds"`
	Reason        string        `json:"reason"`
	Trigger       string        `json:"trigger,omitempty"`
	Command       *AsyncCommand `json:"commandStatus,omitempty"`
}

// Wait blocks for up to req.Seconds and returns early when a watched command
// leaves the running state. It subscribes before arming the timer and checks
// the watched records after subscribing, so no transition is missed. Every
// exit path unsubscribes; a cancelled ctx returns ctx.Err().
func (r *Registry) Wait(ctx context.Context, req WaitRequest) (WaitResult, error) {
	return Wait(ctx, r, req)
}

// Wait is the free-function form of (*Registry).Wait.
func Wait(ctx context.Context, reg *Registry, req WaitRequest) (WaitResult, error) {
	if req.Seconds < 0 || math.IsNaN(req.Seconds) || math.IsInf(req.Seconds, 0) {
		return WaitResult{}, fmt.Errorf("invalid wait duration %v", req.Seconds)
	}

	watched := make(map[string]struct{}, len(req.InterruptOn))
	for _, id := range req.InterruptOn {
		watched[id] = struct{}{}
	}

	sub, err := reg.Subscribe()
	if err != nil {
		return WaitResult{}, err
	}

	start := time.Now()
	timer := time.NewTimer(time.Duration(req.Seconds * float64(time.Second)))

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			timer.Stop()
			sub.Close()
		})
	}
	defer cleanup()

	interrupted := func(cmd AsyncCommand) WaitResult {
		cleanup()
		reg.metrics.IncWait("interrupted")
		logging.JobsDebug("Wait interrupted by %s (%s)", cmd.ID, cmd.Status)
		c := cmd
		return WaitResult{
			Interrupted:   true,
			WaitedSeconds: roundSeconds(time.Since(start)),
			Reason:        req.Reason,
			Trigger:       fmt.Sprintf("command %s %s", cmd.ID, cmd.Status),
			Command:       &c,
		}
	}

	for _, id := range req.InterruptOn {
		cmd, ok := reg.Probe(id)
		if ok && cmd.Status != StatusRunning {
			return interrupted(cmd), nil
		}
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// registry shut down underneath us
				cleanup()
				return WaitResult{}, ErrRegistryClosed
			}
			if _, hit := watched[ev.Command.ID]; !hit || ev.Command.Status == StatusRunning {
				continue
			}
			return interrupted(ev.Command), nil

		case <-timer.C:
			cleanup()
			reg.metrics.IncWait("timeout")
			return WaitResult{
				Interrupted:   false,
				WaitedSeconds: req.Seconds,
				Reason:        req.Reason,
			}, nil

		case <-ctx.Done():
			cleanup()
			reg.metrics.IncWait("cancelled")
			return WaitResult{}, ctx.Err()
		}
	}
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
