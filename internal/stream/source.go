package stream

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Source is a lazily produced, non-restartable sequence of items. Next blocks until the next item is available,
// the source is exhausted (io.EOF) or ctx is done.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc[T any] func(ctx context.Context) (T, error)

func (f SourceFunc[T]) Next(ctx context.Context) (T, error) {
	return f(ctx)
}

type sliceSource[T any] struct {
	mu    sync.Mutex
	items []T
}

// FromSlice returns a Source yielding items in order.
func FromSlice[T any](items []T) Source[T] {
	return &sliceSource[T]{items: items}
}

func (s *sliceSource[T]) Next(ctx context.Context) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if len(s.items) == 0 {
		return zero, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, nil
}

type channelSource[T any] struct {
	ch <-chan T
}

// FromChannel returns a Source yielding values received from ch until it is closed.
func FromChannel[T any](ch <-chan T) Source[T] {
	return channelSource[T]{ch: ch}
}

func (s channelSource[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case item, ok := <-s.ch:
		if !ok {
			return zero, io.EOF
		}
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Collect reads src until it is exhausted and returns everything it produced.
func Collect[T any](ctx context.Context, src Source[T]) ([]T, error) {
	var items []T
	err := ForEach(ctx, src, func(item T) error {
		items = append(items, item)
		return nil
	})
	return items, err
}

// ForEach calls fn for every item of src until src is exhausted or either returns an error.
func ForEach[T any](ctx context.Context, src Source[T], fn func(item T) error) error {
	for {
		item, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
	}
}
