package streams

import (
	"container/list"
	"context"
	"io"
	"sync"
)

// Unbounded is the capacity of a buffer that never blocks its writer.
const Unbounded = 0

// BufferOption customizes a Buffer.
type BufferOption func(*bufferOpts)

type bufferOpts struct {
	onDequeue func()
}

// OnDequeue returns an option that calls fn, outside of the buffer's lock,
// every time an item is removed from the buffer. The session uses this to
// hand flow control credit back to the remote producer.
func OnDequeue(fn func()) BufferOption {
	return func(opts *bufferOpts) {
		opts.onDequeue = fn
	}
}

// Buffer is a FIFO queue of items with one writer and one reader. A bounded
// buffer suspends its writer while it is full. An unbounded buffer grows
// without limit, trading memory for a writer that never stalls.
//
// Closing the buffer, optionally with an error, ends the sequence. Items
// enqueued before the close are still delivered; the error is reported only
// after they have all been dequeued.
type Buffer[T any] struct {
	capacity  int
	onDequeue func()

	mu     sync.Mutex
	items  list.List
	closed bool
	err    error

	// readable and writable each hold at most one pending wake-up
	readable chan struct{}
	writable chan struct{}
	done     chan struct{}
}

// NewBuffer returns an empty buffer. A capacity of zero or less means the
// buffer is unbounded.
func NewBuffer[T any](capacity int, opts ...BufferOption) *Buffer[T] {
	var bo bufferOpts
	for _, opt := range opts {
		opt(&bo)
	}
	if capacity < 0 {
		capacity = Unbounded
	}
	return &Buffer[T]{
		capacity:  capacity,
		onDequeue: bo.onDequeue,
		readable:  make(chan struct{}, 1),
		writable:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Enqueue appends item to the buffer. If the buffer is bounded and full, it
// waits for the reader to make room. It fails with an error matching
// ErrCancelled if ctx is done first, and with ErrBufferClosed if the buffer
// has been closed.
func (b *Buffer[T]) Enqueue(ctx context.Context, item T) error {
	for {
		err := b.TryEnqueue(item)
		if err != ErrBufferFull {
			return err
		}
		select {
		case <-b.writable:
		case <-b.done:
		case <-ctx.Done():
			return cancelled(context.Cause(ctx))
		}
	}
}

// TryEnqueue appends item if there is room, without waiting. It returns
// ErrBufferFull if a bounded buffer is at capacity and ErrBufferClosed if the
// buffer has been closed.
func (b *Buffer[T]) TryEnqueue(item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBufferClosed
	}
	if b.capacity != Unbounded && b.items.Len() >= b.capacity {
		return ErrBufferFull
	}
	b.items.PushBack(item)
	notify(b.readable)
	return nil
}

// TryDequeue removes and returns the oldest item, if there is one. It never
// waits.
func (b *Buffer[T]) TryDequeue() (T, bool) {
	item, ok := b.tryDequeue()
	if ok && b.onDequeue != nil {
		b.onDequeue()
	}
	return item, ok
}

func (b *Buffer[T]) tryDequeue() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	element := b.items.Front()
	if element == nil {
		var zero T
		return zero, false
	}
	notify(b.writable)
	return b.items.Remove(element).(T), true
}

// WaitReadable waits until an item can be dequeued or the buffer is closed
// and empty. It returns true when an item is available. It returns false
// once the buffer is closed and drained, along with the error the buffer was
// closed with (nil for a clean end). If ctx is done first, it returns false
// and an error matching ErrCancelled.
func (b *Buffer[T]) WaitReadable(ctx context.Context) (bool, error) {
	for {
		b.mu.Lock()
		n, closed, err := b.items.Len(), b.closed, b.err
		b.mu.Unlock()
		switch {
		case n > 0:
			return true, nil
		case closed:
			return false, err
		}
		select {
		case <-b.readable:
		case <-b.done:
		case <-ctx.Done():
			return false, cancelled(context.Cause(ctx))
		}
	}
}

// Dequeue waits for and removes the oldest item. At the end of the sequence
// it returns io.EOF, or the error the buffer was closed with.
func (b *Buffer[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		if item, ok := b.TryDequeue(); ok {
			return item, nil
		}
		ok, err := b.WaitReadable(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		if !ok {
			var zero T
			return zero, io.EOF
		}
	}
}

// Close marks the end of the sequence. A non-nil err is reported to the
// reader after every item already in the buffer has been dequeued. Closing a
// buffer twice returns ErrBufferClosed and leaves it unchanged.
func (b *Buffer[T]) Close(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBufferClosed
	}
	b.closed = true
	b.err = err
	close(b.done)
	return nil
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.items.Len()
}

// Cap returns the capacity of the buffer, or Unbounded.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Closed reports whether Close has been called.
func (b *Buffer[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
