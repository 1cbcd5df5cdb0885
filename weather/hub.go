package weather

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jhump/grpchub"
	"github.com/jhump/grpchub/streams"
)

// DefaultDelay is the pause between two forecasts sent by Send and
// SendChannel.
const DefaultDelay = 300 * time.Millisecond

// Options customize the sample methods.
type Options struct {
	// Logger receives a line for every item sent or received. If nil,
	// nothing is logged.
	Logger *zap.Logger
	// Delay is the pause between two forecasts. The default is DefaultDelay.
	Delay time.Duration
	// Seed seeds the random forecasts. If zero, forecasts differ from run to
	// run.
	Seed uint64
}

type methods struct {
	log   *zap.Logger
	delay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// Register adds the sample methods to hub:
//
//	CounterEnumerable(count, delay)   stream of 0..count-1, computed on demand
//	CounterChannel(count, delay)      stream of 0..count-1, produced ahead
//	Send(count)                       stream of forecasts 1..count, computed on demand
//	SendChannel(count)                stream of forecasts 0..count-1, produced ahead
//	UploadStream                      upload of forecasts, pulled one at a time
//	UploadStreamChannel               upload of forecasts, read as they arrive
//	UploadStreamEnumerable            upload of strings, pulled one at a time
//	UploadTextChannel                 upload of strings, read as they arrive
//	Forecast(id)                      a single forecast
//
// Delays given as arguments are in milliseconds.
func Register(hub *grpchub.Hub, opts Options) {
	m := &methods{log: opts.Logger, delay: opts.Delay}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.delay <= 0 {
		m.delay = DefaultDelay
	}
	if opts.Seed != 0 {
		m.rng = rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	} else {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	grpchub.HandleStream(hub, "CounterEnumerable", m.counterEnumerable)
	grpchub.HandleStream(hub, "CounterChannel", m.counterChannel)
	grpchub.HandleStream(hub, "Send", m.send)
	grpchub.HandleStream(hub, "SendChannel", m.sendChannel)
	grpchub.HandleUpload(hub, "UploadStream", pull[Forecast](m, "UploadStream"))
	grpchub.HandleUpload(hub, "UploadStreamChannel", readLoop[Forecast](m, "UploadStreamChannel"))
	grpchub.HandleUpload(hub, "UploadStreamEnumerable", pull[string](m, "UploadStreamEnumerable"))
	grpchub.HandleUpload(hub, "UploadTextChannel", readLoop[string](m, "UploadTextChannel"))
	grpchub.HandleUnary(hub, "Forecast", m.forecast)
}

func (m *methods) create(id int) Forecast {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Create(id, m.rng)
}

func (m *methods) logger(ctx context.Context, method string) *zap.Logger {
	log := m.log.With(zap.String("method", method))
	if id, ok := grpchub.InvocationIDFromContext(ctx); ok {
		log = log.With(zap.Int64("invocation", id))
	}
	return log
}

func countArg(args grpchub.Args) (int, error) {
	count, err := args.Int(0)
	if err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "count must not be negative, got %d", count)
	}
	return count, nil
}

func counterArgs(args grpchub.Args) (int, time.Duration, error) {
	if err := args.Expect(2); err != nil {
		return 0, 0, err
	}
	count, err := countArg(args)
	if err != nil {
		return 0, 0, err
	}
	delay, err := args.Duration(1)
	if err != nil {
		return 0, 0, err
	}
	if delay < 0 {
		return 0, 0, status.Errorf(codes.InvalidArgument, "delay must not be negative, got %v", delay)
	}
	return count, delay, nil
}

func (m *methods) counterEnumerable(ctx context.Context, args grpchub.Args) (*streams.Stream[int], error) {
	count, delay, err := counterArgs(args)
	if err != nil {
		return nil, err
	}
	log := m.logger(ctx, "CounterEnumerable")
	log.Info("streaming counter", zap.Int("count", count), zap.Duration("delay", delay))
	return streams.Generate(ctx, func(_ context.Context, i int) (int, error) {
		log.Debug("dispatched", zap.Int("item", i))
		return i, nil
	}, streams.Count(count), streams.WithDelay(delay)), nil
}

func (m *methods) counterChannel(ctx context.Context, args grpchub.Args) (*streams.Stream[int], error) {
	count, delay, err := counterArgs(args)
	if err != nil {
		return nil, err
	}
	log := m.logger(ctx, "CounterChannel")
	log.Info("streaming counter", zap.Int("count", count), zap.Duration("delay", delay))
	return streams.Buffered(ctx, streams.Unbounded, func(_ context.Context, i int) (int, error) {
		log.Debug("dispatched", zap.Int("item", i))
		return i, nil
	}, streams.Count(count), streams.WithDelay(delay)), nil
}

func (m *methods) send(ctx context.Context, args grpchub.Args) (*streams.Stream[Forecast], error) {
	count, err := countArg(args)
	if err != nil {
		return nil, err
	}
	log := m.logger(ctx, "Send")
	log.Info("streaming forecasts", zap.Int("count", count))
	return streams.Generate(ctx, func(_ context.Context, i int) (Forecast, error) {
		f := m.create(i)
		log.Debug("dispatched", zap.Stringer("forecast", f))
		if i == count {
			log.Info("end of stream")
		}
		return f, nil
	}, streams.Count(count), streams.Base(1), streams.WithDelay(m.delay)), nil
}

func (m *methods) sendChannel(ctx context.Context, args grpchub.Args) (*streams.Stream[Forecast], error) {
	count, err := countArg(args)
	if err != nil {
		return nil, err
	}
	log := m.logger(ctx, "SendChannel")
	log.Info("streaming forecasts", zap.Int("count", count))
	return streams.Buffered(ctx, streams.Unbounded, func(_ context.Context, i int) (Forecast, error) {
		f := m.create(i)
		log.Debug("dispatched", zap.Stringer("forecast", f))
		return f, nil
	}, streams.Count(count), streams.Pace(streams.Every(m.delay))), nil
}

// pull consumes an upload one item at a time.
func pull[T any](m *methods, method string) func(context.Context, grpchub.Args, *streams.Stream[T]) error {
	return func(ctx context.Context, _ grpchub.Args, items *streams.Stream[T]) error {
		log := m.logger(ctx, method)
		log.Info("receiving upload")
		n := 0
		c := streams.Range(ctx, items, func(item T) error {
			n++
			log.Info("from client", zap.Any("item", item))
			return nil
		})
		log.Info("upload ended", zap.Int("items", n), zap.Stringer("state", c.State))
		return c.Err
	}
}

// readLoop consumes an upload in bursts: whatever has arrived is read at
// once, then it waits for more.
func readLoop[T any](m *methods, method string) func(context.Context, grpchub.Args, *streams.Stream[T]) error {
	return func(ctx context.Context, _ grpchub.Args, items *streams.Stream[T]) error {
		log := m.logger(ctx, method)
		log.Info("receiving upload")
		n := 0
		c := streams.Drain(ctx, items, func(item T) error {
			n++
			log.Info("from client", zap.Any("item", item))
			return nil
		})
		log.Info("upload ended", zap.Int("items", n), zap.Stringer("state", c.State))
		return c.Err
	}
}

func (m *methods) forecast(ctx context.Context, args grpchub.Args) (Forecast, error) {
	if err := args.Expect(1); err != nil {
		return Forecast{}, err
	}
	id, err := args.Int(0)
	if err != nil {
		return Forecast{}, err
	}
	f := m.create(id)
	m.logger(ctx, "Forecast").Info("dispatched", zap.Stringer("forecast", f))
	return f, nil
}
