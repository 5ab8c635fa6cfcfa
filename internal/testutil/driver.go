// Package testutil provides in-memory fakes for driver, store, embedder and
// broadcast sink, used across package tests.
package testutil

import (
	"context"
	"sync"

	"github.com/duolab/duologue/internal/provider"
)

// Step is one scripted driver invocation.
type Step struct {
	// Chunks are streamed in order; their concatenation is the turn text.
	Chunks []string
	Tokens int
	// Err makes the invocation fail after streaming Chunks.
	Err error
}

// ScriptDriver replays a fixed script of responses. Once the script is
// exhausted the last step repeats, so "always fails" and "always empty"
// behaviors need only one step.
type ScriptDriver struct {
	DriverName string

	mu    sync.Mutex
	steps []Step
	calls int
	temps []float32
}

// NewScriptDriver creates a driver replaying steps in order.
func NewScriptDriver(name string, steps ...Step) *ScriptDriver {
	return &ScriptDriver{DriverName: name, steps: steps}
}

// Calls reports how many times the driver was invoked.
func (d *ScriptDriver) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Temperatures reports the sampling temperature of each invocation in order.
func (d *ScriptDriver) Temperatures() []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float32, len(d.temps))
	copy(out, d.temps)
	return out
}

func (d *ScriptDriver) next(temperature float32) Step {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.temps = append(d.temps, temperature)
	if len(d.steps) == 0 {
		return Step{}
	}
	i := d.calls - 1
	if i >= len(d.steps) {
		i = len(d.steps) - 1
	}
	return d.steps[i]
}

func (d *ScriptDriver) Name() string { return d.DriverName }

// Chat returns the full text of the next scripted step.
func (d *ScriptDriver) Chat(_ context.Context, _ []provider.Message, temperature float32) (string, int, error) {
	step := d.next(temperature)
	if step.Err != nil {
		return "", 0, step.Err
	}
	var text string
	for _, c := range step.Chunks {
		text += c
	}
	return text, step.Tokens, nil
}

// StreamChat streams the next scripted step.
func (d *ScriptDriver) StreamChat(ctx context.Context, _ []provider.Message, temperature float32) (*provider.Stream, error) {
	step := d.next(temperature)
	stream, push, finish := provider.NewStream()
	go func() {
		for _, c := range step.Chunks {
			if err := push(ctx, c); err != nil {
				finish(0, err)
				return
			}
		}
		finish(step.Tokens, step.Err)
	}()
	return stream, nil
}

var _ provider.Driver = (*ScriptDriver)(nil)
