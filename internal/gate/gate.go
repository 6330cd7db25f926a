// Package gate bounds how much concurrent work may proceed against a limited resource.
//
// A counting gate admits a fixed number of concurrent holders; a sized gate admits holders until the sum of
// their declared weights (typically byte sizes) would exceed its capacity. Both are Weighted values and may
// be wrapped in a Toggle which can switch admission control off at runtime.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/G-Research/ingestcoord/internal/common/ingesterrors"
)

// Gate grants or withholds permission to proceed based on the weight of work currently admitted.
type Gate interface {
	// Acquire blocks until weight can be admitted or ctx is done. On success it returns a func that gives the
	// weight back; the func is safe to call more than once.
	Acquire(ctx context.Context, weight int64) (func(), error)
	// Capacity is the total weight the gate admits at once.
	Capacity() int64
	// InUse is the weight currently admitted.
	InUse() int64
}

// Weighted is a Gate backed by a weighted semaphore. Waiters are admitted in the order they arrive.
type Weighted struct {
	capacity int64
	inUse    int64
	sem      *semaphore.Weighted
}

// NewSized creates a gate admitting up to capacity units (e.g. bytes) in flight.
func NewSized(capacity int64) (*Weighted, error) {
	if capacity <= 0 {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "capacity",
			Value:   capacity,
			Message: "must be positive",
		})
	}
	return &Weighted{
		capacity: capacity,
		sem:      semaphore.NewWeighted(capacity),
	}, nil
}

// NewCounting creates a gate admitting up to limit concurrent holders, each acquiring a weight of one.
func NewCounting(limit int) (*Weighted, error) {
	if limit <= 0 {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "limit",
			Value:   limit,
			Message: "must be positive",
		})
	}
	return NewSized(int64(limit))
}

// Acquire admits weight once the gate has room for it. A weight larger than the gate's capacity could never be
// admitted, so it is rejected immediately with an ErrInvalidArgument rather than blocking forever.
func (w *Weighted) Acquire(ctx context.Context, weight int64) (func(), error) {
	if err := w.validate(weight); err != nil {
		return nil, err
	}
	if err := w.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	atomic.AddInt64(&w.inUse, weight)
	return w.releaser(weight), nil
}

// TryAcquire admits weight only if that is possible without waiting.
func (w *Weighted) TryAcquire(weight int64) (func(), bool) {
	if w.validate(weight) != nil || !w.sem.TryAcquire(weight) {
		return nil, false
	}
	atomic.AddInt64(&w.inUse, weight)
	return w.releaser(weight), true
}

func (w *Weighted) Capacity() int64 {
	return w.capacity
}

func (w *Weighted) InUse() int64 {
	return atomic.LoadInt64(&w.inUse)
}

func (w *Weighted) validate(weight int64) error {
	if weight < 0 {
		return errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "weight",
			Value:   weight,
			Message: "must not be negative",
		})
	}
	if weight > w.capacity {
		return errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "weight",
			Value:   weight,
			Message: fmt.Sprintf("exceeds gate capacity %d", w.capacity),
		})
	}
	return nil
}

func (w *Weighted) releaser(weight int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			atomic.AddInt64(&w.inUse, -weight)
			w.sem.Release(weight)
		})
	}
}

// Enter acquires a single unit from g. It is the usual way to use a counting gate.
func Enter(ctx context.Context, g Gate) (func(), error) {
	return g.Acquire(ctx, 1)
}

// With runs fn while holding weight from g. The weight is given back however fn exits.
func With(ctx context.Context, g Gate, weight int64, fn func(ctx context.Context) error) error {
	release, err := g.Acquire(ctx, weight)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
