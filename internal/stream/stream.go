package stream

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/ingestcoord/internal/common/ingestcontext"
)

// Transform processes a single item. Returning ok=false means the item produces no output.
type Transform[T, U any] func(ctx context.Context, item T) (out U, ok bool, err error)

// Map adapts a function that always produces an output to a Transform.
func Map[T, U any](fn func(ctx context.Context, item T) (U, error)) Transform[T, U] {
	return func(ctx context.Context, item T) (U, bool, error) {
		out, err := fn(ctx, item)
		return out, err == nil, err
	}
}

// Stream is the output of a combinator. Its background work runs until the stream is exhausted, fails or is
// closed. Callers that stop reading before Next returns io.EOF must call Close.
type Stream[T any] struct {
	items  chan T
	done   chan struct{}
	cancel context.CancelFunc
	closed atomic.Bool
	// Written once before items is closed.
	err error
}

// newStream derives the context background work runs under. The caller's logger is carried over so that work
// inside the stream logs with the caller's fields.
func newStream[T any](ctx context.Context) (*Stream[T], *errgroup.Group, *ingestcontext.Context) {
	cctx, cancel := ingestcontext.WithCancel(ingestcontext.FromContext(ctx))
	g, gctx := ingestcontext.ErrGroup(cctx)
	return &Stream[T]{
		items:  make(chan T),
		done:   make(chan struct{}),
		cancel: cancel,
	}, g, gctx
}

// Pipe applies transform to every item of producer. At most one fetch from producer is outstanding at any time,
// and each fetched item is processed in its own goroutine while the next item is fetched. Outputs are emitted
// as soon as their transform completes.
func Pipe[T, U any](ctx context.Context, producer Source[T], transform Transform[T, U]) *Stream[U] {
	s, g, gctx := newStream[U](ctx)
	g.Go(func() error {
		for {
			item, err := producer.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return errors.WithMessage(err, "error fetching next item")
			}
			g.Go(func() error {
				out, ok, err := transform(gctx, item)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				return s.emit(gctx, out)
			})
		}
	})
	s.start(g)
	return s
}

// Merge interleaves the items of sources in the order they become available. Each source has exactly one
// outstanding fetch until it is exhausted.
func Merge[T any](ctx context.Context, sources ...Source[T]) *Stream[T] {
	s, g, gctx := newStream[T](ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			for {
				item, err := src.Next(gctx)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := s.emit(gctx, item); err != nil {
					return err
				}
			}
		})
	}
	s.start(g)
	return s
}

func (s *Stream[T]) start(g *errgroup.Group) {
	go func() {
		err := g.Wait()
		s.cancel()
		if s.closed.Load() && errors.Is(err, context.Canceled) {
			// The reader asked us to stop; that is not a failure.
			err = nil
		}
		s.err = err
		close(s.items)
		close(s.done)
	}()
}

func (s *Stream[T]) emit(ctx context.Context, item T) error {
	select {
	case s.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next completed item, io.EOF once all work has finished, or the first error raised by a source
// or transform.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case item, ok := <-s.items:
		if !ok {
			if s.err != nil {
				return zero, s.err
			}
			return zero, io.EOF
		}
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close cancels all outstanding work and waits for it to finish. It returns the error that ended the stream, if
// that error was not caused by Close itself.
func (s *Stream[T]) Close() error {
	s.closed.Store(true)
	s.cancel()
	<-s.done
	return s.err
}

// Done is closed once all background work has finished.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}
