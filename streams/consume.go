package streams

import "context"

// Range pulls the stream's items one at a time and passes each to fn, until
// the stream ends. It returns the stream's completion. If fn returns an
// error, the stream is cancelled for the producer and Range returns a
// Faulted completion carrying that error.
//
// If ctx is done, the stream is cancelled.
func Range[T any](ctx context.Context, s *Stream[T], fn func(T) error) Completion {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		item, err := s.next(ctx)
		if err != nil {
			c, _ := s.Completion()
			return c
		}
		if err := fn(item); err != nil {
			return s.finish(err)
		}
	}
}

// Drain reads a buffered stream in bursts: it waits until the buffer has
// something to read, then hands every item that is already there to fn
// before waiting again. Cooperative streams have no buffer, so for them
// Drain is the same as Range.
//
// The result is the same as with Range: same items, same order, same
// completion.
func Drain[T any](ctx context.Context, s *Stream[T], fn func(T) error) Completion {
	if s.discipline != Decoupled {
		return Range(ctx, s, fn)
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.tok.Cancel(context.Cause(ctx))
	})
	defer stop()

	for {
		if c, ok := s.checkDone(); ok {
			return c
		}
		ok, err := s.buf.WaitReadable(s.tok.Context())
		if err != nil || !ok {
			return s.finish(err)
		}
		for {
			if c, ok := s.checkDone(); ok {
				return c
			}
			item, ok := s.buf.TryDequeue()
			if !ok {
				break
			}
			if err := fn(item); err != nil {
				return s.finish(err)
			}
		}
	}
}

// DrainBuffer is the read loop of Drain for a bare buffer. It returns nil
// once buf is closed and drained, or the error buf was closed with. It
// returns early, with fn's error, if fn fails, and with an error matching
// ErrCancelled if ctx is done.
func DrainBuffer[T any](ctx context.Context, buf *Buffer[T], fn func(T) error) error {
	for {
		ok, err := buf.WaitReadable(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		for {
			item, ok := buf.TryDequeue()
			if !ok {
				break
			}
			if err := fn(item); err != nil {
				return err
			}
		}
	}
}
