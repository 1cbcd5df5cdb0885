package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fullstorydev/grpchan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/jhump/grpchub"
	"github.com/jhump/grpchub/hubpb"
	"github.com/jhump/grpchub/internal"
	"github.com/jhump/grpchub/internal/config"
	"github.com/jhump/grpchub/weather"
	"github.com/jhump/grpchub/wsconn"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	grpcAddr := flag.String("grpc-addr", "", "overrides the address on which gRPC sessions are accepted")
	httpAddr := flag.String("http-addr", "", "overrides the address on which WebSocket sessions and metrics are served")
	logLevel := flag.String("log-level", "", "overrides the log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		internal.Fatal(err)
	}
	if *grpcAddr != "" {
		cfg.GRPCAddr = *grpcAddr
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	log, err := internal.NewLogger(cfg)
	if err != nil {
		internal.Fatal(err)
	}
	defer func() {
		_ = log.Sync()
	}()

	if err := run(log, cfg); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(log *zap.Logger, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := grpchub.NewHub()
	weather.Register(hub, weather.Options{Logger: log.Named("weather"), Delay: cfg.ItemDelay})
	handler := grpchub.NewHubServiceHandler(hub, grpchub.HubServiceHandlerOptions{
		Logger:             log.Named("hub"),
		Metrics:            grpchub.NewMetrics("grpchub", reg),
		UploadWindow:       cfg.UploadWindow,
		DisableFlowControl: cfg.DisableFlowControl,
		OnSessionConnect: func(info *grpchub.SessionInfo) {
			log.Info("session connected", zap.String("session", info.ID), zap.String("peer", peerAddr(info)))
		},
		OnSessionDisconnect: func(info *grpchub.SessionInfo, err error) {
			log.Info("session disconnected", zap.String("session", info.ID), zap.Error(err))
		},
	})

	svr := grpc.NewServer()
	var sessions atomic.Int32
	hubpb.RegisterHubServiceServer(withSessionCounts(svr, &sessions), handler.Service())

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	log.Info("listening for gRPC sessions", zap.Stringer("addr", lis.Addr()), zap.Strings("methods", hub.Methods()))

	var httpSvr *http.Server
	var httpLis net.Listener
	if cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/hub", wsconn.Handler(handler, wsconn.HandlerOptions{Logger: log.Named("wsconn")}))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSvr = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		httpLis, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			_ = lis.Close()
			return err
		}
		log.Info("listening for WebSocket sessions", zap.String("url", "ws://"+httpLis.Addr().String()+"/hub"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return svr.Serve(lis)
	})
	if httpSvr != nil {
		grp.Go(func() error {
			if err := httpSvr.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	grp.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down", zap.Int32("sessions", sessions.Load()), zap.Duration("grace", cfg.ShutdownGrace))
		handler.InitiateShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		stopped := make(chan struct{})
		go func() {
			svr.GracefulStop()
			close(stopped)
		}()
		if httpSvr != nil {
			_ = httpSvr.Shutdown(shutdownCtx)
		}
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			log.Warn("sessions still open after grace period, closing them")
			svr.Stop()
		}
		return nil
	})
	return grp.Wait()
}

func peerAddr(info *grpchub.SessionInfo) string {
	if info.Peer == nil || info.Peer.Addr == nil {
		return "unknown"
	}
	return info.Peer.Addr.String()
}

// withSessionCounts counts the sessions opened since the server started.
func withSessionCounts(reg grpc.ServiceRegistrar, counts *atomic.Int32) grpc.ServiceRegistrar {
	return grpchan.WithInterceptor(
		reg,
		func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			return handler(ctx, req)
		},
		func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			counts.Add(1)
			return handler(srv, ss)
		},
	)
}
