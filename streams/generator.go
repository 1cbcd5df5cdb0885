package streams

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ItemFunc computes the item at the given index. Returning io.EOF ends the
// sequence early, without an error. Any other error faults the stream.
type ItemFunc[T any] func(ctx context.Context, index int) (T, error)

// Option configures how Generate and Buffered produce items.
type Option func(*produceOpts)

type produceOpts struct {
	count int
	base  int
	pace  Pacer
}

func newProduceOpts(opts []Option) produceOpts {
	po := produceOpts{count: -1}
	for _, opt := range opts {
		opt(&po)
	}
	return po
}

// Count limits the sequence to n items. A negative n, the default, means
// the sequence only ends when the ItemFunc returns io.EOF.
func Count(n int) Option {
	return func(opts *produceOpts) {
		opts.count = n
	}
}

// Base sets the index of the first item. The default is zero.
func Base(index int) Option {
	return func(opts *produceOpts) {
		opts.base = index
	}
}

// Pace sets the pacer that runs between two items.
func Pace(p Pacer) Option {
	return func(opts *produceOpts) {
		opts.pace = p
	}
}

// WithDelay is shorthand for Pace(Delay(d)).
func WithDelay(d time.Duration) Option {
	return Pace(Delay(d))
}

// Generator produces items lazily, one per call to Next, on the caller's
// goroutine. It never buffers and never runs ahead of its consumer.
//
// A Generator is not safe for concurrent use.
type Generator[T any] struct {
	tok  *Token
	fn   ItemFunc[T]
	opts produceOpts

	produced int
	err      error
}

// NewGenerator returns a generator for items computed by fn. It stops as
// soon as tok is cancelled.
func NewGenerator[T any](tok *Token, fn ItemFunc[T], opts ...Option) *Generator[T] {
	return &Generator[T]{
		tok:  tok,
		fn:   fn,
		opts: newProduceOpts(opts),
	}
}

// Next produces the next item. The sequence ends with io.EOF once it is
// exhausted, with an error matching ErrCancelled once the token has been
// triggered, or with a *ProductionError if an item could not be computed.
// After the sequence ends, Next keeps returning the same error.
func (g *Generator[T]) Next() (T, error) {
	var zero T
	if g.err != nil {
		return zero, g.err
	}
	index := g.opts.base + g.produced
	if g.opts.count >= 0 && g.produced >= g.opts.count {
		return zero, g.end(io.EOF)
	}
	if g.produced > 0 && g.opts.pace != nil {
		if err := g.opts.pace.Wait(g.tok.Context()); err != nil {
			if tokErr := g.tok.Err(); tokErr != nil {
				return zero, g.end(tokErr)
			}
			return zero, g.end(&ProductionError{Index: index, Err: err})
		}
	}
	if err := g.tok.Err(); err != nil {
		return zero, g.end(err)
	}
	item, err := produceItem(g.tok.Context(), g.fn, index)
	if err != nil {
		return zero, g.end(err)
	}
	g.produced++
	return item, nil
}

func (g *Generator[T]) end(err error) error {
	g.err = err
	return err
}

// produceItem calls fn, turning a panic into a *ProductionError and
// classifying the error it returns.
func produceItem[T any](ctx context.Context, fn ItemFunc[T], index int) (item T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ProductionError{Index: index, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	item, err = fn(ctx, index)
	switch {
	case err == nil:
		return item, nil
	case errors.Is(err, io.EOF):
		return item, io.EOF
	case IsCancellation(err):
		return item, cancelled(err)
	default:
		return item, asProductionError(index, err)
	}
}
