// Command msglinkd is the controller side of a link: it accepts one device
// at a time over WebSocket or framed TCP and exposes the link to the host
// through a JSON-RPC bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"msglink/bridge"
	"msglink/codec"
	"msglink/config"
	"msglink/logging"
	"msglink/manager"
	"msglink/metrics"
	"msglink/middleware"
	"msglink/registry"
	"msglink/server"
	"msglink/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(2)
	}
	logger, level, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger, level); err != nil {
		logger.Error("msglinkd stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	mgr := manager.New(
		manager.WithLogger(logger),
		manager.WithMetrics(m),
		manager.WithKeepalive(cfg.Server.Keepalive.Duration),
		manager.WithCallTimeout(cfg.RPC.CallTimeout.Duration),
	)
	mgr.RPC().Use(middleware.Logging(logger), middleware.Metrics(m))
	if d := cfg.RPC.HandlerTimeout.Duration; d > 0 {
		mgr.RPC().Use(middleware.Timeout(d))
	}
	if cfg.RPC.RateLimit > 0 {
		mgr.RPC().Use(middleware.RateLimit(cfg.RPC.RateLimit, cfg.RPC.RateBurst))
	}
	// device events and record audio wait here for the host to poll
	inbox := bridge.NewInbox(cfg.Server.InboxSize, logger)
	inbox.Attach(mgr)

	ct, _ := codec.ParseCodecType(cfg.Server.Codec)
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithVersion(cfg.Version),
		server.WithAcceptRate(cfg.Accept.Rate, cfg.Accept.Burst),
		server.WithTransportOptions(
			transport.WithCodec(ct),
			transport.WithReadLimit(cfg.Server.ReadLimit),
			transport.WithWriteTimeout(cfg.Server.WriteTimeout.Duration),
		),
	}
	if cfg.Registry.Enabled {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints,
			registry.WithPrefix(cfg.Registry.Prefix),
			registry.WithLogger(logger),
			registry.WithDialTimeout(cfg.Registry.DialTimeout.Duration),
		)
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.Registry.Service, registry.ServiceInstance{
			Addr:    advertise(cfg),
			Weight:  cfg.Registry.Weight,
			Version: cfg.Version,
		}, cfg.Registry.TTL))
	}
	srv := server.New(mgr, opts...)

	rpcBridge, err := bridge.NewHandler(mgr, logger, bridge.WithInbox(inbox))
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.WebSocketPath, srv)
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle(cfg.Server.BridgePath, rpcBridge)

	g, gctx := errgroup.WithContext(ctx)

	var httpServer *http.Server
	if cfg.Server.Address != "" {
		ln, err := net.Listen("tcp", cfg.Server.Address)
		if err != nil {
			return err
		}
		httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		logger.Info("http listening", zap.String("addr", ln.Addr().String()))
		g.Go(func() error {
			if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if cfg.Server.TCPAddress != "" {
		logger.Info("tcp listening", zap.String("addr", cfg.Server.TCPAddress))
		g.Go(func() error {
			return srv.ListenAndServeTCP(cfg.Server.TCPAddress)
		})
	}
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, func(c *config.Config) {
				if err := logging.SetLevel(level, c.Logging.Level); err != nil {
					logger.Warn("log level not changed", zap.Error(err))
				}
				srv.SetAcceptRate(c.Accept.Rate, c.Accept.Burst)
			})
		})
	}

	if err := srv.Register(gctx); err != nil {
		logger.Warn("registration failed", zap.Error(err))
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		errs := []error{srv.Shutdown(sctx)}
		if httpServer != nil {
			errs = append(errs, httpServer.Shutdown(sctx))
		}
		logger.Info("msglinkd stopped")
		return errors.Join(errs...)
	})
	return g.Wait()
}

func advertise(cfg *config.Config) string {
	if cfg.Registry.Advertise != "" {
		return cfg.Registry.Advertise
	}
	if cfg.Server.Address != "" {
		return "ws://" + cfg.Server.Address + cfg.Server.WebSocketPath
	}
	return "tcp://" + cfg.Server.TCPAddress
}
