package weather

import (
	"context"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jhump/grpchub"
	"github.com/jhump/grpchub/hubpb"
	"github.com/jhump/grpchub/internal"
	"github.com/jhump/grpchub/streams"
)

func TestForecast(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for i := 0; i < 200; i++ {
		f := Create(i, rng)
		assert.Equal(t, i, f.ID)
		assert.GreaterOrEqual(t, f.TemperatureC, -20)
		assert.LessOrEqual(t, f.TemperatureC, 54)
		assert.Contains(t, summaries, f.Summary)
		assert.LessOrEqual(t, f.Date.Sub(today).Abs(), 10*time.Minute)
	}

	f := Forecast{ID: 3, Date: time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), TemperatureC: 20, Summary: "Mild"}
	assert.Equal(t, 67, f.TemperatureF())
	assert.Equal(t, "3 2024-05-06 20 Mild", f.String())
	assert.Equal(t, 32, Forecast{}.TemperatureF())
	assert.Equal(t, -3, Forecast{TemperatureC: -20}.TemperatureF())
}

func TestCreate_Deterministic(t *testing.T) {
	a := Create(1, rand.New(rand.NewPCG(7, 7)))
	b := Create(1, rand.New(rand.NewPCG(7, 7)))
	assert.Equal(t, a, b)
}

func startHub(t *testing.T, log *zap.Logger) *grpchub.Session {
	t.Helper()
	hub := grpchub.NewHub()
	Register(hub, Options{Logger: log, Delay: time.Millisecond, Seed: 42})
	handler := grpchub.NewHubServiceHandler(hub, grpchub.HubServiceHandlerOptions{UploadWindow: 4})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	hubpb.RegisterHubServiceServer(gs, handler.Service())
	go func() {
		_ = gs.Serve(l)
	}()
	t.Cleanup(gs.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cc, err := internal.BlockingDial(ctx, l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cc.Close()
	})
	sess, err := grpchub.Connect(context.Background(), cc, grpchub.WithStreamWindow(3))
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func collect[T any](ctx context.Context, t *testing.T, d *grpchub.Download[T]) []T {
	t.Helper()
	var items []T
	c := streams.Range(ctx, d.Stream, func(item T) error {
		items = append(items, item)
		return nil
	})
	require.Equal(t, streams.StateCompleted, c.State, "stream ended with %v", c.Err)
	return items
}

func ids(forecasts []Forecast) []int {
	res := make([]int, len(forecasts))
	for i, f := range forecasts {
		res[i] = f.ID
	}
	return res
}

func TestMethods(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sess := startHub(t, zap.New(core))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("counters", func(t *testing.T) {
		for _, method := range []string{"CounterEnumerable", "CounterChannel"} {
			d, err := grpchub.Stream[int](ctx, sess, method, 6, 1)
			require.NoError(t, err)
			assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, collect(ctx, t, d), method)

			d, err = grpchub.Stream[int](ctx, sess, method, 0, 0)
			require.NoError(t, err)
			assert.Empty(t, collect(ctx, t, d), method)
		}
	})
	t.Run("forecasts", func(t *testing.T) {
		d, err := grpchub.Stream[Forecast](ctx, sess, "Send", 4)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3, 4}, ids(collect(ctx, t, d)))
		assert.NotZero(t, logs.FilterMessage("end of stream").Len())

		d, err = grpchub.Stream[Forecast](ctx, sess, "SendChannel", 4)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, ids(collect(ctx, t, d)))
	})
	t.Run("forecast", func(t *testing.T) {
		f, err := grpchub.InvokeAs[Forecast](ctx, sess, "forecast", 9)
		require.NoError(t, err)
		assert.Equal(t, 9, f.ID)
		assert.Contains(t, summaries, f.Summary)
	})
	t.Run("bad arguments", func(t *testing.T) {
		_, err := grpchub.InvokeAs[Forecast](ctx, sess, "Forecast")
		assert.Equal(t, codes.InvalidArgument, status.Code(err))

		for _, args := range [][]any{{-1}, {"three"}} {
			d, err := grpchub.Stream[Forecast](ctx, sess, "Send", args...)
			require.NoError(t, err)
			c := streams.Range(ctx, d.Stream, func(Forecast) error { return nil })
			assert.Equal(t, streams.StateFaulted, c.State)
			assert.Equal(t, codes.InvalidArgument, status.Code(c.Err))
		}

		d, err := grpchub.Stream[int](ctx, sess, "CounterChannel", 3, -5)
		require.NoError(t, err)
		c := streams.Range(ctx, d.Stream, func(int) error { return nil })
		assert.Equal(t, codes.InvalidArgument, status.Code(c.Err))
	})
	t.Run("uploads", func(t *testing.T) {
		for _, method := range []string{"UploadStream", "UploadStreamChannel"} {
			logs.TakeAll()
			rng := rand.New(rand.NewPCG(3, 4))
			items := streams.Generate(ctx, func(_ context.Context, i int) (Forecast, error) {
				return Create(i, rng), nil
			}, streams.Count(10))
			require.NoError(t, grpchub.Upload(ctx, sess, method, items))
			assert.Equal(t, 10, logs.FilterMessage("from client").Len(), method)
		}
		for _, method := range []string{"UploadStreamEnumerable", "UploadTextChannel"} {
			logs.TakeAll()
			items := streams.Go(ctx, 2, func(ctx context.Context, w *streams.Writer[string]) error {
				for _, s := range []string{"some", "data", "from", "the", "client"} {
					if err := w.Write(s); err != nil {
						return err
					}
				}
				return nil
			})
			require.NoError(t, grpchub.Upload(ctx, sess, method, items))
			received := logs.FilterMessage("from client").All()
			require.Len(t, received, 5, method)
			assert.Equal(t, "some", received[0].ContextMap()["item"], method)
			assert.Equal(t, "client", received[4].ContextMap()["item"], method)
		}
	})
	t.Run("cancel", func(t *testing.T) {
		d, err := grpchub.Stream[int](ctx, sess, "CounterEnumerable", 1000000, 1)
		require.NoError(t, err)
		_, err = d.Next(ctx)
		require.NoError(t, err)
		d.Cancel()
		c, ok := d.Completion()
		require.True(t, ok)
		assert.Equal(t, streams.StateCancelled, c.State)
	})
}
