package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/ghostlink/config"
	"github.com/opd-ai/ghostlink/internal/demo"
	"github.com/opd-ai/ghostlink/metrics"
	"github.com/opd-ai/ghostlink/netif"
	"github.com/opd-ai/ghostlink/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const tickInterval = 10 * time.Millisecond

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		maxPlayers int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the arena server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, maxPlayers)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "ghostlink.yaml", "configuration file")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "override the UDP listen address")
	cmd.Flags().IntVar(&maxPlayers, "max-players", 32, "player limit, 0 for none")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, maxPlayers int) error {
	if err := cfg.Log.Apply(); err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m = metrics.New(append(cfg.Metrics.MetricsOptions(), metrics.WithRegistry(reg))...)
		srv := startMetricsServer(cfg.Metrics.Listen, reg)
		defer srv.Close()
	}

	server := demo.NewServer(demo.NewWorld())
	server.MaxPlayers = maxPlayers
	server.Configure = cfg.Apply

	opts, err := cfg.InterfaceOptions(server.Classes(), m)
	if err != nil {
		return err
	}
	sock, err := transport.ListenUDP(cfg.Listen)
	if err != nil {
		return err
	}
	ifc, err := netif.New(sock, opts)
	if err != nil {
		sock.Close()
		return err
	}
	ifc.SetAllowsConnections(cfg.Server.AllowConnections)

	logrus.WithFields(logrus.Fields{
		"function": "serve",
		"address":  ifc.LocalAddr().String(),
		"metrics":  cfg.Metrics.Enabled,
	}).Info("Arena server running")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function": "serve",
				"players":  len(server.Players()),
			}).Info("Shutting down")
			return ifc.Close()
		case now := <-ticker.C:
			ifc.CheckIncomingPackets()
			server.Tick(now.Sub(last))
			last = now
			ifc.ProcessConnections()
		}
	}
}

func startMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "startMetricsServer",
				"address":  addr,
				"error":    err.Error(),
			}).Error("Metrics server stopped")
		}
	}()
	return srv
}
