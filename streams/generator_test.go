package streams_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jhump/grpchub/streams"
)

func identity(_ context.Context, i int) (int, error) {
	return i, nil
}

// collect reads s until it ends, returning the items seen and the final
// error from Next.
func collect[T any](t *testing.T, s *streams.Stream[T]) ([]T, error) {
	t.Helper()
	var items []T
	for {
		item, err := s.Next(context.Background())
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
}

func seq(from, to int) []int {
	items := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		items = append(items, i)
	}
	return items
}

func TestGenerate_producesInOrder(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		base int
	}{
		{name: "zero-based", base: 0},
		{name: "one-based", base: 1},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := streams.Generate(context.Background(), identity,
				streams.Count(12), streams.Base(tc.base), streams.WithDelay(5*time.Millisecond))
			require.Equal(t, streams.Cooperative, s.Discipline())

			items, err := collect(t, s)
			require.ErrorIs(t, err, io.EOF)
			require.Equal(t, seq(tc.base, tc.base+12), items)
			require.Equal(t, streams.StateCompleted, s.State())

			c, ok := s.Completion()
			require.True(t, ok)
			require.NoError(t, c.Err)

			// the end is sticky
			_, err = s.Next(context.Background())
			require.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestGenerate_isLazy(t *testing.T) {
	t.Parallel()

	var calls int
	s := streams.Generate(context.Background(), func(_ context.Context, i int) (int, error) {
		calls++
		return i, nil
	})
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, calls)

	for i := 0; i < 3; i++ {
		item, err := s.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, item)
	}
	require.Equal(t, 3, calls)
	s.Cancel()
	require.Equal(t, 3, calls)
}

func TestGenerate_cancelStopsProduction(t *testing.T) {
	t.Parallel()

	var calls int
	s := streams.Generate(context.Background(), func(_ context.Context, i int) (int, error) {
		calls++
		return i, nil
	}, streams.WithDelay(time.Millisecond))

	for i := 0; i < 3; i++ {
		_, err := s.Next(context.Background())
		require.NoError(t, err)
	}
	s.Cancel()

	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, streams.ErrCancelled)
	require.Equal(t, streams.StateCancelled, s.State())
	require.Equal(t, 3, calls)

	c, ok := s.Completion()
	require.True(t, ok)
	require.NoError(t, c.Fault())
}

func TestGenerate_cancelInterruptsPacing(t *testing.T) {
	t.Parallel()

	s := streams.Generate(context.Background(), identity, streams.WithDelay(time.Hour))
	_, err := s.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, streams.ErrCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, streams.StateCancelled, s.State())
}

func TestGenerate_faultAfterItems(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := streams.Generate(context.Background(), func(_ context.Context, i int) (int, error) {
		if i == 5 {
			return 0, boom
		}
		return i, nil
	})

	items, err := collect(t, s)
	require.Equal(t, seq(0, 5), items)
	require.ErrorIs(t, err, boom)

	var perr *streams.ProductionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 5, perr.Index)
	require.Equal(t, streams.StateFaulted, s.State())

	c, _ := s.Completion()
	require.ErrorIs(t, c.Fault(), boom)
}

func TestGenerate_panicFaults(t *testing.T) {
	t.Parallel()

	s := streams.Generate(context.Background(), func(_ context.Context, i int) (string, error) {
		if i == 2 {
			panic("kaboom")
		}
		return fmt.Sprint(i), nil
	})

	items, err := collect(t, s)
	require.Equal(t, []string{"0", "1"}, items)
	var perr *streams.ProductionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 2, perr.Index)
	require.Contains(t, err.Error(), "kaboom")
	require.Equal(t, streams.StateFaulted, s.State())
}

func TestGenerate_endsEarlyOnEOF(t *testing.T) {
	t.Parallel()

	s := streams.Generate(context.Background(), func(_ context.Context, i int) (int, error) {
		if i == 4 {
			return 0, io.EOF
		}
		return i * i, nil
	}, streams.Count(100))

	items, err := collect(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []int{0, 1, 4, 9}, items)
	require.Equal(t, streams.StateCompleted, s.State())
}

func TestGenerate_itemFuncSeesCancellation(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	s := streams.Generate(context.Background(), func(ctx context.Context, i int) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})

	go func() {
		<-started
		s.Cancel()
	}()
	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, streams.ErrCancelled)
	require.Equal(t, streams.StateCancelled, s.State())
}

func TestGenerate_pacedByRateLimiter(t *testing.T) {
	t.Parallel()

	const interval = 20 * time.Millisecond
	s := streams.Generate(context.Background(), identity,
		streams.Count(4), streams.Pace(streams.Every(interval)))

	start := time.Now()
	items, err := collect(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, seq(0, 4), items)
	// three gaps between four items
	require.GreaterOrEqual(t, time.Since(start), 3*interval-5*time.Millisecond)
}
