package streams

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// State is the state of a Stream. A stream is Active from the moment it is
// returned to its creator. The other three states are terminal: once a
// stream reaches one of them, it never changes state again.
type State int32

const (
	StateActive State = iota
	StateCompleted
	StateFaulted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the terminal states.
func (s State) Terminal() bool {
	return s != StateActive
}

// Discipline identifies how a stream's items are produced.
type Discipline int

const (
	// Cooperative streams compute each item when the consumer asks for it.
	Cooperative Discipline = iota
	// Decoupled streams are fed through a Buffer by an independent producer.
	Decoupled
)

func (d Discipline) String() string {
	if d == Decoupled {
		return "buffered"
	}
	return "cooperative"
}

// Completion is the single terminal signal of a stream. Err is nil when the
// stream completed. For a cancelled stream, it matches ErrCancelled and
// carries the cancellation cause. For a faulted stream, it is the failure.
type Completion struct {
	State State
	Err   error
}

// Fault returns the error of a faulted stream, and nil for any other
// outcome. Cancellation is not a fault.
func (c Completion) Fault() error {
	if c.State != StateFaulted {
		return nil
	}
	return c.Err
}

// err is the error Next reports once the stream has ended.
func (c Completion) err() error {
	if c.State == StateCompleted {
		return io.EOF
	}
	return c.Err
}

func completionOf(err error) Completion {
	switch {
	case err == nil || err == io.EOF:
		return Completion{State: StateCompleted}
	case IsCancellation(err):
		return Completion{State: StateCancelled, Err: cancelled(err)}
	default:
		return Completion{State: StateFaulted, Err: err}
	}
}

// Stream is a handle to one ordered sequence of items. It has a single
// consumer; Next, Range and Drain must not be called concurrently.
type Stream[T any] struct {
	tok        *Token
	discipline Discipline
	gen        *Generator[T]
	buf        *Buffer[T]

	readMu sync.Mutex

	state      atomic.Int32
	finishOnce sync.Once
	completion Completion
	done       chan struct{}
	stopWatch  func() bool
}

func newStream[T any](tok *Token, discipline Discipline) *Stream[T] {
	s := &Stream[T]{
		tok:        tok,
		discipline: discipline,
		done:       make(chan struct{}),
	}
	s.stopWatch = tok.Register(func() {
		s.finish(tok.Err())
	})
	return s
}

// Generate returns a cooperative stream of the items computed by fn. Nothing
// runs until the consumer asks for the first item.
func Generate[T any](ctx context.Context, fn ItemFunc[T], opts ...Option) *Stream[T] {
	tok := NewToken(ctx)
	s := newStream[T](tok, Cooperative)
	s.gen = NewGenerator(tok, fn, opts...)
	return s
}

// FromBuffer returns a buffered stream that reads from buf. Whoever writes
// to buf must close it to end the stream, and should stop writing once tok
// is cancelled.
func FromBuffer[T any](tok *Token, buf *Buffer[T]) *Stream[T] {
	s := newStream[T](tok, Decoupled)
	s.buf = buf
	return s
}

// Next returns the next item. When the stream ends it returns io.EOF for a
// completed stream, an error matching ErrCancelled for a cancelled one, or
// the producer's error for a faulted one, and it keeps returning that error.
//
// If ctx is done while Next is waiting, the whole stream is cancelled.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.next(ctx)
}

func (s *Stream[T]) next(ctx context.Context) (T, error) {
	var zero T
	if c, ok := s.checkDone(); ok {
		return zero, c.err()
	}
	stop := context.AfterFunc(ctx, func() {
		s.tok.Cancel(context.Cause(ctx))
	})
	defer stop()

	var item T
	var err error
	if s.discipline == Cooperative {
		item, err = s.gen.Next()
	} else {
		item, err = s.buf.Dequeue(s.tok.Context())
	}
	if err != nil {
		return zero, s.finish(err).err()
	}
	// the token may have been triggered while the item was produced
	if c, ok := s.checkDone(); ok {
		return zero, c.err()
	}
	return item, nil
}

// checkDone returns the completion of a stream that has ended, recording
// the cancellation of a token that was triggered but not yet observed.
func (s *Stream[T]) checkDone() (Completion, bool) {
	if err := s.tok.Err(); err != nil {
		return s.finish(err), true
	}
	return s.Completion()
}

// Cancel cancels the stream: production stops and the stream ends as
// Cancelled, unless it had already ended.
func (s *Stream[T]) Cancel() {
	s.tok.Cancel(nil)
	s.finish(s.tok.Err())
}

// State returns the current state of the stream.
func (s *Stream[T]) State() State {
	return State(s.state.Load())
}

// Done returns a channel that is closed once the stream has ended.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Completion returns the stream's completion, and false if it has not
// ended yet.
func (s *Stream[T]) Completion() (Completion, bool) {
	select {
	case <-s.done:
		return s.completion, true
	default:
		return Completion{}, false
	}
}

// Discipline returns how the stream's items are produced.
func (s *Stream[T]) Discipline() Discipline {
	return s.discipline
}

// Token returns the stream's cancellation token.
func (s *Stream[T]) Token() *Token {
	return s.tok
}

// Buffer returns the buffer behind a buffered stream, or nil for a
// cooperative one.
func (s *Stream[T]) Buffer() *Buffer[T] {
	return s.buf
}

// finish records the stream's one and only completion.
func (s *Stream[T]) finish(err error) Completion {
	s.finishOnce.Do(func() {
		c := completionOf(err)
		s.completion = c
		s.state.Store(int32(c.State))
		close(s.done)
		s.stopWatch()
		if c.State == StateCompleted {
			s.tok.release()
		} else {
			// stop a producer that may still be running
			s.tok.Cancel(c.Err)
		}
	})
	return s.completion
}
