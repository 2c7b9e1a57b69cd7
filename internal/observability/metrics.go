// Package observability exposes prometheus metrics for the backplane.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	PunchAttempts  *prometheus.CounterVec
	RelayPackets   prometheus.CounterFunc
	RelayBytes     prometheus.CounterFunc
	PacketsIn      prometheus.Counter
	HandshakeTotal *prometheus.CounterVec

	Lobbies       prometheus.GaugeFunc
	GameSessions  prometheus.GaugeFunc
	RelaySessions prometheus.GaugeFunc
	PunchHosts    prometheus.GaugeFunc
}

// Sources supplies the live values the scrape-time collectors read.
type Sources struct {
	Lobbies       func() int
	GameSessions  func() int
	RelaySessions func() int
	PunchHosts    func() int
	RelayPackets  func() uint64
	RelayBytes    func() uint64
}

func NewMetrics(reg prometheus.Registerer, src Sources) *Metrics {
	factory := promauto.With(reg)
	gauge := func(name, help string, fn func() int) prometheus.GaugeFunc {
		return factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "backplane",
			Name:      name,
			Help:      help,
		}, func() float64 {
			if fn == nil {
				return 0
			}
			return float64(fn())
		})
	}

	counterFn := func(name, help string, fn func() uint64) prometheus.CounterFunc {
		return factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "backplane",
			Name:      name,
			Help:      help,
		}, func() float64 {
			if fn == nil {
				return 0
			}
			return float64(fn())
		})
	}

	return &Metrics{
		PunchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backplane",
			Name:      "punch_attempts_total",
			Help:      "NAT punch attempts by outcome.",
		}, []string{"outcome"}),
		RelayPackets: counterFn("relay_packets_total",
			"Packets forwarded through the relay.", src.RelayPackets),
		RelayBytes: counterFn("relay_bytes_total",
			"Payload bytes forwarded through the relay.", src.RelayBytes),
		PacketsIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "backplane",
			Name:      "game_packets_in_total",
			Help:      "Packets received on the game transport.",
		}),
		HandshakeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backplane",
			Name:      "handshakes_total",
			Help:      "Handshake outcomes.",
		}, []string{"outcome"}),

		Lobbies:       gauge("lobbies", "Live lobbies in the directory.", src.Lobbies),
		GameSessions:  gauge("game_sessions", "Authenticated game sessions.", src.GameSessions),
		RelaySessions: gauge("relay_sessions", "Active relay sessions.", src.RelaySessions),
		PunchHosts:    gauge("punch_hosts", "Hosts with a live punch registration.", src.PunchHosts),
	}
}

// Serve runs the metrics endpoint until the context is cancelled.
func Serve(ctx context.Context, host string, port int, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
