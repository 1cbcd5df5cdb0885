package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fullstorydev/grpchan"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jhump/grpchub"
	"github.com/jhump/grpchub/internal"
	"github.com/jhump/grpchub/internal/config"
	"github.com/jhump/grpchub/internal/demo"
	"github.com/jhump/grpchub/weather"
	"github.com/jhump/grpchub/wsconn"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	grpcAddr := flag.String("grpc-addr", "", "overrides the address of the hub")
	wsURL := flag.String("ws", "", "if set, connects over a WebSocket at this URL (such as ws://127.0.0.1:26355/hub) instead of gRPC")
	delay := flag.Duration("delay", 0, "pause between items; the default is 333ms")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		internal.Fatal(err)
	}
	if *grpcAddr != "" {
		cfg.GRPCAddr = *grpcAddr
	}
	log, err := internal.NewLogger(cfg)
	if err != nil {
		internal.Fatal(err)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessOpts := []grpchub.SessionOption{
		grpchub.WithLogger(log.Named("session")),
		grpchub.WithStreamWindow(cfg.StreamWindow),
		grpchub.OnStateChange(func(state grpchub.SessionState) {
			log.Info("session state changed", zap.Stringer("state", state))
		}),
	}
	if cfg.DisableFlowControl {
		sessOpts = append(sessOpts, grpchub.WithDisableFlowControl())
	}

	var streamsOpened atomic.Int32
	var dial demo.Dialer
	if *wsURL != "" {
		dial = func(ctx context.Context) (*grpchub.Session, error) {
			return wsconn.Dial(ctx, *wsURL, nil, sessOpts...)
		}
	} else {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cc, err := internal.BlockingDial(dialCtx, cfg.GRPCAddr)
		cancel()
		if err != nil {
			log.Fatal("could not reach hub", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
		}
		defer func() {
			_ = cc.Close()
		}()
		ch := withStreamCounts(cc, &streamsOpened)
		dial = func(ctx context.Context) (*grpchub.Session, error) {
			ctx = metadata.AppendToOutgoingContext(ctx, "x-client", "hubclient")
			return grpchub.Connect(ctx, ch, sessOpts...)
		}
	}

	h := demo.NewStreamingHandler(demo.Options{Delay: *delay})
	defer h.Close()
	h.OnPrompt(func(msg string) {
		fmt.Println(msg)
	})
	go func() {
		<-ctx.Done()
		h.Cancel()
	}()
	if !h.Connect(ctx, dial) {
		os.Exit(1)
	}
	if err := demo.SendStreams(ctx, h); err != nil {
		log.Fatal("demo failed", zap.Error(err))
	}

	sess, err := h.Session()
	if err == nil {
		f, err := grpchub.InvokeAs[weather.Forecast](ctx, sess, "Forecast", 1)
		if err != nil {
			log.Fatal("forecast failed", zap.Error(err))
		}
		fmt.Printf("Forecast: %v (%d F)\n", f, f.TemperatureF())
	}
	log.Info("done", zap.Int32("streams", streamsOpened.Load()))
}

// withStreamCounts counts the gRPC streams opened over ch. Every session is
// one stream.
func withStreamCounts(ch grpc.ClientConnInterface, counts *atomic.Int32) grpc.ClientConnInterface {
	return grpchan.InterceptClientConn(
		ch,
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			return invoker(ctx, method, req, reply, cc, opts...)
		},
		func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			counts.Add(1)
			return streamer(ctx, desc, cc, method, opts...)
		},
	)
}
