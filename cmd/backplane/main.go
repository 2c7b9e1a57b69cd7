package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yarg-net/backplane/internal/common/config"
	"github.com/yarg-net/backplane/internal/common/logging"
	"github.com/yarg-net/backplane/internal/common/netinfo"
	"github.com/yarg-net/backplane/internal/directory"
	"github.com/yarg-net/backplane/internal/httpapi"
	"github.com/yarg-net/backplane/internal/observability"
	"github.com/yarg-net/backplane/internal/punch"
	"github.com/yarg-net/backplane/internal/relay"
	"github.com/yarg-net/backplane/internal/transport/quictransport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "backplane: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := directory.NewStore(cfg.Game.LobbyTTL, logger.Named("directory"))

	punchSrv, punchCoord, err := punch.NewServer(cfg.Punch.Host, cfg.Punch.Port, punch.TTLs{
		Host:    cfg.Punch.HostTTL,
		Client:  cfg.Punch.ClientEndpointTTL,
		Attempt: cfg.Punch.AttemptTTL,
		Pending: cfg.Punch.PendingTTL,
	}, logger.Named("punch"))
	if err != nil {
		return fmt.Errorf("start punch server: %w", err)
	}

	table := relay.NewTable(cfg.Relay.SessionTTL, logger.Named("relay"))
	relaySrv, err := relay.NewUDPServer(cfg.Relay.Host, cfg.Relay.Port, table, logger.Named("relay.udp"))
	if err != nil {
		return fmt.Errorf("start relay server: %w", err)
	}

	adv := netinfo.ComputeAdvertised(cfg.HTTP.PublicHost, cfg.Fly.PublicIP, cfg.HTTP.Host)
	logger.Info("starting backplane",
		zap.String("public_host", adv.PublicHost),
		zap.String("host_source", adv.Source),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Int("punch_port", cfg.Punch.Port),
		zap.Int("relay_port", cfg.Relay.Port),
		zap.String("fly_app", cfg.Fly.AppName),
		zap.String("fly_alloc", cfg.Fly.AllocID))

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry, observability.Sources{
		Lobbies:       store.Count,
		RelaySessions: table.Count,
		PunchHosts:    punchCoord.HostCount,
		RelayPackets:  func() uint64 { return table.Stats().PacketsRelayed },
		RelayBytes:    func() uint64 { return table.Stats().BytesRelayed },
	})
	punchCoord.OnResult(func(res punch.Result) {
		outcome := "failure"
		if res.Success {
			outcome = "success"
		}
		metrics.PunchAttempts.WithLabelValues(outcome).Inc()
		logger.Info("punch attempt finished",
			zap.String("lobby_id", res.LobbyID),
			zap.String("outcome", outcome),
			zap.Duration("elapsed", res.Elapsed))
	})

	api := httpapi.NewServer(cfg.HTTP, cfg.RateLimit, httpapi.Deps{
		Directory: store,
		Punch:     punchCoord,
		Relay:     table,
		PunchAddr: adv.PublicHost,
		PunchPort: cfg.Punch.Port,
		RelayAddr: adv.PublicHost,
		RelayPort: cfg.Relay.Port,
	}, logger.Named("http"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(ctx) })
	g.Go(func() error { return punchSrv.Run(ctx) })
	g.Go(func() error { return relaySrv.Run(ctx) })
	g.Go(func() error {
		return observability.Serve(ctx, cfg.HTTP.Host, cfg.Metrics.Port, registry, logger.Named("metrics"))
	})

	// The stream relay dialect only runs when a TLS identity is configured.
	if cfg.Relay.StreamPort > 0 && cfg.Relay.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Relay.TLSCert, cfg.Relay.TLSKey)
		if err != nil {
			return fmt.Errorf("load relay tls keypair: %w", err)
		}
		tr := quictransport.New(logger.Named("relay.quic"))
		addr := fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.StreamPort)
		if err := tr.Listen(addr, &tls.Config{Certificates: []tls.Certificate{cert}}); err != nil {
			return fmt.Errorf("listen relay stream: %w", err)
		}
		stream := relay.NewStreamServer(tr, table, cfg.Game.PollInterval, logger.Named("relay.stream"))
		g.Go(func() error { return stream.Run(ctx) })
		logger.Info("relay stream dialect enabled", zap.String("addr", addr))
	}

	netinfo.PrintAccessBanner(adv, "YARG Backplane", cfg.HTTP.Port, cfg.Punch.Port, cfg.Relay.Port)

	err = g.Wait()
	logger.Info("backplane stopped")
	return err
}
