package streams_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jhump/grpchub/streams"
)

func TestBuffer_boundedEnqueueSuspendsWhenFull(t *testing.T) {
	t.Parallel()

	const capacity = 3
	buf := streams.NewBuffer[int](capacity)
	ctx := context.Background()
	for i := 0; i < capacity; i++ {
		require.NoError(t, buf.Enqueue(ctx, i))
	}

	enqueued := make(chan error, 1)
	go func() {
		enqueued <- buf.Enqueue(ctx, capacity)
	}()

	select {
	case err := <-enqueued:
		t.Fatalf("enqueue into full buffer returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, capacity, buf.Len())

	item, ok := buf.TryDequeue()
	require.True(t, ok)
	require.Equal(t, 0, item)

	select {
	case err := <-enqueued:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue still blocked after an item was dequeued")
	}
	require.Equal(t, capacity, buf.Len())

	for want := 1; want <= capacity; want++ {
		item, ok := buf.TryDequeue()
		require.True(t, ok)
		require.Equal(t, want, item)
	}
}

func TestBuffer_unboundedNeverBlocks(t *testing.T) {
	t.Parallel()

	buf := streams.NewBuffer[int](streams.Unbounded)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a cancelled context does not matter when there is room
	for i := 0; i < 10000; i++ {
		require.NoError(t, buf.Enqueue(ctx, i))
	}
	require.Equal(t, 10000, buf.Len())
	require.Equal(t, streams.Unbounded, buf.Cap())
}

func TestBuffer_errorDeliveredAfterItems(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	buf := streams.NewBuffer[string](streams.Unbounded)
	ctx := context.Background()
	require.NoError(t, buf.Enqueue(ctx, "a"))
	require.NoError(t, buf.Enqueue(ctx, "b"))
	require.NoError(t, buf.Close(boom))

	var got []string
	err := streams.DrainBuffer(ctx, buf, func(s string) error {
		got = append(got, s)
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"a", "b"}, got)

	ok, err := buf.WaitReadable(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, boom)
}

func TestBuffer_closeIsRejectedTwice(t *testing.T) {
	t.Parallel()

	buf := streams.NewBuffer[int](2)
	ctx := context.Background()
	require.NoError(t, buf.Enqueue(ctx, 1))
	require.NoError(t, buf.Close(nil))

	require.ErrorIs(t, buf.Close(errors.New("late")), streams.ErrBufferClosed)
	require.ErrorIs(t, buf.Enqueue(ctx, 2), streams.ErrBufferClosed)
	require.ErrorIs(t, buf.TryEnqueue(3), streams.ErrBufferClosed)
	require.True(t, buf.Closed())
	require.Equal(t, 1, buf.Len())

	item, err := buf.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, item)

	// the second close did not replace the clean end with an error
	_, err = buf.Dequeue(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestBuffer_enqueueUnblockedByCancellation(t *testing.T) {
	t.Parallel()

	buf := streams.NewBuffer[int](1)
	require.NoError(t, buf.TryEnqueue(0))
	require.ErrorIs(t, buf.TryEnqueue(1), streams.ErrBufferFull)

	tok := streams.NewToken(context.Background())
	enqueued := make(chan error, 1)
	go func() {
		enqueued <- buf.Enqueue(tok.Context(), 1)
	}()
	time.Sleep(20 * time.Millisecond)
	tok.Cancel(nil)

	select {
	case err := <-enqueued:
		require.ErrorIs(t, err, streams.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not unblock enqueue")
	}
	require.Equal(t, 1, buf.Len())
}

func TestBuffer_enqueueUnblockedByClose(t *testing.T) {
	t.Parallel()

	buf := streams.NewBuffer[int](1)
	require.NoError(t, buf.TryEnqueue(0))

	enqueued := make(chan error, 1)
	go func() {
		enqueued <- buf.Enqueue(context.Background(), 1)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Close(nil))

	select {
	case err := <-enqueued:
		require.ErrorIs(t, err, streams.ErrBufferClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock enqueue")
	}
}

func TestBuffer_waitReadableCancelled(t *testing.T) {
	t.Parallel()

	buf := streams.NewBuffer[int](streams.Unbounded)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := buf.WaitReadable(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, streams.ErrCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuffer_onDequeue(t *testing.T) {
	t.Parallel()

	var dequeued int
	buf := streams.NewBuffer[int](streams.Unbounded, streams.OnDequeue(func() {
		dequeued++
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.TryEnqueue(i))
	}
	for i := 0; i < 3; i++ {
		_, ok := buf.TryDequeue()
		require.True(t, ok)
	}
	_, err := buf.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, dequeued)
}

func TestBuffer_matchesQueueModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(0, 8).Draw(t, "capacity")
		buf := streams.NewBuffer[int](capacity)

		var model []int
		var closed bool
		next := 0

		t.Repeat(map[string]func(*rapid.T){
			"enqueue": func(t *rapid.T) {
				err := buf.TryEnqueue(next)
				switch {
				case closed:
					if !errors.Is(err, streams.ErrBufferClosed) {
						t.Fatalf("enqueue after close: got %v", err)
					}
				case capacity != streams.Unbounded && len(model) >= capacity:
					if !errors.Is(err, streams.ErrBufferFull) {
						t.Fatalf("enqueue into full buffer: got %v", err)
					}
				default:
					if err != nil {
						t.Fatalf("enqueue: %v", err)
					}
					model = append(model, next)
				}
				next++
			},
			"dequeue": func(t *rapid.T) {
				item, ok := buf.TryDequeue()
				if len(model) == 0 {
					if ok {
						t.Fatalf("dequeued %d from empty buffer", item)
					}
					return
				}
				if !ok || item != model[0] {
					t.Fatalf("dequeue: got %d, %v; want %d", item, ok, model[0])
				}
				model = model[1:]
			},
			"close": func(t *rapid.T) {
				err := buf.Close(nil)
				if closed != errors.Is(err, streams.ErrBufferClosed) {
					t.Fatalf("close (already closed: %v): got %v", closed, err)
				}
				closed = true
			},
			"": func(t *rapid.T) {
				if buf.Len() != len(model) {
					t.Fatalf("length: got %d, want %d", buf.Len(), len(model))
				}
				if buf.Closed() != closed {
					t.Fatalf("closed: got %v, want %v", buf.Closed(), closed)
				}
			},
		})
	})
}
