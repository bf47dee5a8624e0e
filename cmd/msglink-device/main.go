// Command msglink-device is the device side of a link: it keeps a connection
// to a controller, serves run_shell and plays the audio pushed on "play".
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"msglink/client"
	"msglink/codec"
	"msglink/config"
	"msglink/loadbalance"
	"msglink/logging"
	"msglink/manager"
	"msglink/message"
	"msglink/middleware"
	"msglink/registry"
	"msglink/shell"
	"msglink/transport"
)

const streamPlay = "play"

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	url := flag.String("url", "", "controller URL, overrides client.url")
	out := flag.String("play-to", "", "file receiving the play stream; empty discards it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(2)
	}
	if *url != "" {
		cfg.Client.URL = *url
	}
	logger, _, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	sink := io.Discard
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			logger.Fatal("open play output", zap.Error(err))
		}
		defer f.Close()
		sink = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sink, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("msglink-device stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, sink io.Writer, logger *zap.Logger) error {
	mgr := manager.New(
		manager.WithLogger(logger),
		manager.WithKeepalive(cfg.Server.Keepalive.Duration),
		manager.WithCallTimeout(cfg.RPC.CallTimeout.Duration),
	)
	mgr.RPC().Use(middleware.Logging(logger))
	if d := cfg.RPC.HandlerTimeout.Duration; d > 0 {
		mgr.RPC().Use(middleware.Timeout(d))
	}
	shell.Register(mgr.RPC())

	p := newPlayer(sink)
	mgr.Streams().Set(func(_ context.Context, s *message.Stream) error {
		if s.Tag != streamPlay {
			logger.Debug("ignored stream", zap.String("tag", s.Tag))
			return nil
		}
		return p.write(s.Bytes)
	})
	mgr.Events().Set(func(_ context.Context, payload json.RawMessage) error {
		logger.Info("controller event", zap.ByteString("payload", payload))
		return nil
	})

	ct, _ := codec.ParseCodecType(cfg.Server.Codec)
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithTransportOptions(
			transport.WithCodec(ct),
			transport.WithReadLimit(cfg.Server.ReadLimit),
			transport.WithWriteTimeout(cfg.Server.WriteTimeout.Duration),
		),
	}
	if cfg.Client.Discover {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints,
			registry.WithPrefix(cfg.Registry.Prefix),
			registry.WithLogger(logger),
			registry.WithDialTimeout(cfg.Registry.DialTimeout.Duration),
		)
		if err != nil {
			return err
		}
		defer reg.Close()
		bal, err := loadbalance.New(cfg.Client.Balancer)
		if err != nil {
			return err
		}
		opts = append(opts, client.WithDiscovery(reg, cfg.Registry.Service, bal, cfg.Client.DeviceID))
	} else {
		opts = append(opts, client.WithURL(cfg.Client.URL))
	}

	err := client.Maintain(ctx, mgr, cfg.Client.Reconnect.Duration, opts...)
	logger.Info("played", zap.Int64("bytes", p.total()))
	return err
}
