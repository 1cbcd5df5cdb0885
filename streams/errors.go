package streams

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCancelled is the terminal error of a cancelled stream. Errors that
	// carry a more specific cause (a context error, a transport failure) wrap
	// it, so use errors.Is to test for it.
	ErrCancelled = errors.New("stream cancelled")
	// ErrBufferClosed is returned when enqueueing into, or closing, a buffer
	// that was already closed.
	ErrBufferClosed = errors.New("buffer closed")
	// ErrBufferFull is returned by TryEnqueue when a bounded buffer is at
	// capacity.
	ErrBufferFull = errors.New("buffer full")
)

// errReleased is the cause used to release a token's resources once its
// stream has completed normally. It is not a cancellation.
var errReleased = errors.New("token released")

// ProductionError is the error of a stream whose producer failed while
// computing an item. Index is the index of the item that could not be
// produced, or -1 when the failure is not tied to a particular item.
type ProductionError struct {
	Index int
	Err   error
}

func (e *ProductionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("producing items: %v", e.Err)
	}
	return fmt.Sprintf("producing item %d: %v", e.Index, e.Err)
}

func (e *ProductionError) Unwrap() error {
	return e.Err
}

// IsCancellation reports whether err means a stream was cancelled, as
// opposed to failed. Context errors count as cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// cancelled returns an error that matches ErrCancelled and keeps cause.
func cancelled(cause error) error {
	switch {
	case cause == nil:
		return ErrCancelled
	case errors.Is(cause, ErrCancelled):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
}

func asProductionError(index int, err error) error {
	var perr *ProductionError
	if errors.As(err, &perr) {
		return err
	}
	return &ProductionError{Index: index, Err: err}
}
