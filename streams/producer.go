package streams

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Writer is the producer's end of a buffered stream. It can only add items:
// the buffer is closed for the producer when its function returns.
type Writer[T any] struct {
	buf *Buffer[T]
	tok *Token
}

// Write adds an item to the stream. On a bounded buffer it waits while the
// buffer is full. It fails with an error matching ErrCancelled once the
// stream is cancelled.
func (w *Writer[T]) Write(item T) error {
	if err := w.tok.Err(); err != nil {
		return err
	}
	return w.buf.Enqueue(w.tok.Context(), item)
}

// ProduceFunc writes a stream's items. It returns nil once every item has
// been written; a cancellation error if it stopped because ctx was done; or
// the error that prevented it from producing more items.
type ProduceFunc[T any] func(ctx context.Context, w *Writer[T]) error

// Go starts produce on a new goroutine and returns the stream it feeds right
// away, without waiting for any item. The stream's buffer holds up to
// capacity items (Unbounded for no limit).
//
// The buffer is closed exactly once, when produce returns or panics: cleanly
// if it returned nil, with ErrCancelled if the stream was cancelled, and with
// a *ProductionError otherwise.
func Go[T any](ctx context.Context, capacity int, produce ProduceFunc[T]) *Stream[T] {
	tok := NewToken(ctx)
	buf := NewBuffer[T](capacity)
	s := FromBuffer(tok, buf)
	go runProducer(tok, buf, produce)
	return s
}

func runProducer[T any](tok *Token, buf *Buffer[T], produce ProduceFunc[T]) {
	var err error
	panicked := true // pessimistic assumption

	defer func() {
		if panicked {
			err = &ProductionError{Index: -1, Err: fmt.Errorf("panic: %v", recover())}
		}
		_ = buf.Close(closeError(tok, err))
	}()

	err = produce(tok.Context(), &Writer[T]{buf: buf, tok: tok})
	// if we get here, we did not panic
	panicked = false
}

func closeError(tok *Token, err error) error {
	switch {
	case err == nil || errors.Is(err, io.EOF):
		return nil
	case IsCancellation(err):
		if tokErr := tok.Err(); tokErr != nil {
			return tokErr
		}
		return cancelled(err)
	default:
		return asProductionError(-1, err)
	}
}

// Buffered returns a stream of the items computed by fn, produced ahead of
// the consumer by a goroutine that writes into a buffer of the given
// capacity. See Go.
func Buffered[T any](ctx context.Context, capacity int, fn ItemFunc[T], opts ...Option) *Stream[T] {
	po := newProduceOpts(opts)
	return Go(ctx, capacity, func(ctx context.Context, w *Writer[T]) error {
		for n := 0; po.count < 0 || n < po.count; n++ {
			if n > 0 && po.pace != nil {
				if err := po.pace.Wait(ctx); err != nil {
					return err
				}
			}
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			item, err := produceItem(ctx, fn, po.base+n)
			if err != nil {
				return err
			}
			if err := w.Write(item); err != nil {
				return err
			}
		}
		return nil
	})
}
