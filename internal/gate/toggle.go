package gate

import (
	"context"
	"sync"
)

// Toggle wraps a Gate so that admission control can be switched off and on at runtime. While disabled, every
// acquisition is granted immediately without touching the wrapped gate.
//
// Changing the toggle passes through the wrapped gate's own admission: Enable and Disable wait for one unit of
// the wrapped gate before flipping the flag. Acquisitions made while enabled always give their weight back to
// the wrapped gate, even if the toggle is disabled before they are released.
type Toggle struct {
	gate    Gate
	mu      sync.RWMutex
	enabled bool
}

// NewToggle wraps gate. Pass enabled=true for the usual behaviour of starting with admission control on.
func NewToggle(gate Gate, enabled bool) *Toggle {
	return &Toggle{gate: gate, enabled: enabled}
}

func (t *Toggle) Acquire(ctx context.Context, weight int64) (func(), error) {
	if t.Disabled() {
		return func() {}, nil
	}
	return t.gate.Acquire(ctx, weight)
}

func (t *Toggle) Capacity() int64 {
	return t.gate.Capacity()
}

func (t *Toggle) InUse() int64 {
	return t.gate.InUse()
}

// Enable turns admission control on.
func (t *Toggle) Enable(ctx context.Context) error {
	return t.set(ctx, true)
}

// Disable turns admission control off. It blocks while the wrapped gate is full.
func (t *Toggle) Disable(ctx context.Context) error {
	return t.set(ctx, false)
}

// Disabled reports whether admission control is currently off.
func (t *Toggle) Disabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.enabled
}

func (t *Toggle) set(ctx context.Context, enabled bool) error {
	release, err := t.gate.Acquire(ctx, 1)
	if err != nil {
		return err
	}
	defer release()
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
	return nil
}
