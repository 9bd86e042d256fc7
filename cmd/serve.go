// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/ramses-gateway/allowlist"
	"github.com/absmach/ramses-gateway/bridge"
	"github.com/absmach/ramses-gateway/buffer"
	"github.com/absmach/ramses-gateway/config"
	"github.com/absmach/ramses-gateway/ratelimit"
	"github.com/absmach/ramses-gateway/server/health"
	apihttp "github.com/absmach/ramses-gateway/server/http"
	"github.com/absmach/ramses-gateway/server/otel"
	"github.com/absmach/ramses-gateway/server/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func runServe(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	logger.Info("gateway_starting",
		slog.String("version", version),
		slog.String("instance_id", instanceID),
		slog.String("broker", cfg.Broker.URL),
		slog.String("topic", cfg.Broker.Topic),
		slog.String("http_addr", cfg.Server.HTTPAddr),
		slog.String("allowlist_backend", cfg.AllowList.Backend),
		slog.String("log_level", cfg.Log.Level))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, instanceID)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry_shutdown_error", slog.String("error", err.Error()))
			}
		}()

		if metrics, err = otel.NewMetrics(); err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		logger.Info("telemetry_enabled", slog.String("endpoint", cfg.Server.MetricsAddr))
	}

	backend, err := newBackend(cfg.AllowList)
	if err != nil {
		return err
	}
	store := allowlist.New(ctx, backend, logger.With(slog.String("component", "allowlist")))
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("allowlist_close_error", slog.String("error", err.Error()))
		}
	}()

	buf := buffer.New(cfg.Buffer.Capacity)
	hub := websocket.NewHub(cfg.Server.WSSendBuffer, logger.With(slog.String("component", "push")))
	defer hub.Close()

	limiter := ratelimit.New(ratelimit.Config{
		Rate:  cfg.Server.WSRateLimit,
		Burst: cfg.Server.WSRateBurst,
	})
	defer limiter.Stop()

	apiLimiter := ratelimit.New(ratelimit.Config{
		Rate:  cfg.Server.APIRateLimit,
		Burst: cfg.Server.APIRateBurst,
	})
	defer apiLimiter.Stop()

	transport, err := bridge.NewPahoTransport(bridge.PahoConfig{
		BrokerURL:          cfg.Broker.URL,
		ClientIDPrefix:     cfg.Broker.ClientIDPrefix,
		Username:           cfg.Broker.Username,
		Password:           cfg.Broker.Password,
		KeepAlive:          cfg.Broker.KeepAlive,
		ConnectTimeout:     cfg.Broker.ConnectTimeout,
		CAFile:             cfg.Broker.CAFile,
		CertFile:           cfg.Broker.CertFile,
		KeyFile:            cfg.Broker.KeyFile,
		InsecureSkipVerify: cfg.Broker.InsecureSkipVerify,
	}, logger.With(slog.String("component", "mqtt")))
	if err != nil {
		return fmt.Errorf("failed to create broker transport: %w", err)
	}

	opts := bridge.NewOptions().
		SetTopic(cfg.Broker.Topic, cfg.Broker.QoS).
		SetConnectTimeout(cfg.Broker.ConnectTimeout).
		SetReconnect(cfg.Broker.ReconnectMin, cfg.Broker.ReconnectMax).
		SetOnReconnecting(func(attempt int) {
			logger.Info("broker_reconnecting", slog.Int("attempt", attempt))
		}).
		SetOnStateChange(func(from, to bridge.State) {
			logger.Info("broker_state_changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if metrics != nil {
				metrics.RecordStateChange(ctx, from, to)
			}
		})

	br, err := bridge.New(opts, transport, buf, hub, logger.With(slog.String("component", "bridge")))
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	if metrics != nil {
		br.SetRecorder(metrics)
		store.SetRecorder(metrics)
		if err := metrics.ObserveClients(hub.Count); err != nil {
			return err
		}
	}

	api := apihttp.New(apihttp.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		StaticDir:       cfg.Server.StaticDir,
		TLSCertFile:     cfg.Server.TLSCertFile,
		TLSKeyFile:      cfg.Server.TLSKeyFile,
	}, store, buf, apiLimiter, logger.With(slog.String("component", "api")))

	push := websocket.New(websocket.Config{
		Address:         cfg.Server.WSAddr,
		Path:            cfg.Server.WSPath,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, hub, limiter, logger.With(slog.String("component", "push")))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return br.Run(ctx)
	})

	if cfg.Server.WSAddr == "" {
		api.Handle(push.Path(), push)
	} else {
		g.Go(func() error {
			return push.Listen(ctx)
		})
	}

	g.Go(func() error {
		return api.Listen(ctx)
	})

	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, health.Sources{
			Bridge:  br,
			Clients: hub,
			Buffer:  buf,
			Devices: store,
		}, logger.With(slog.String("component", "health")))

		g.Go(func() error {
			return hs.Listen(ctx)
		})
	}

	logger.Info("gateway_started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway_error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("gateway_stopped")
	return nil
}

func newBackend(cfg config.AllowListConfig) (allowlist.Backend, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		b, err := allowlist.NewBadgerBackend(allowlist.BadgerConfig{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger allow-list: %w", err)
		}
		return b, nil
	default:
		return allowlist.NewFileBackend(cfg.Path), nil
	}
}
