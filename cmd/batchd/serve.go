package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/batchd/internal/api"
	"github.com/samcharles93/batchd/internal/logger"
	"github.com/samcharles93/batchd/internal/metrics"
	"github.com/samcharles93/batchd/internal/telemetry"
)

const tracerName = "github.com/samcharles93/batchd"

func serveCmd() *cli.Command {
	var (
		addr         string
		readTimeout  time.Duration
		waitTimeout  time.Duration
		maxBodyBytes int64
		tracing      bool
		otlpEndpoint string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the batching queue over HTTP",
		Flags: append(queueFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Sources:     cli.EnvVars("BATCHD_ADDR"),
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.DurationFlag{
				Name:        "wait-timeout",
				Usage:       "longest a handler waits for its request (0 = until the queue answers)",
				Destination: &waitTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-body-bytes",
				Usage:       "request body limit",
				Value:       32 << 20,
				Destination: &maxBodyBytes,
			},
			&cli.BoolFlag{
				Name:        "tracing",
				Usage:       "export spans over OTLP/gRPC",
				Sources:     cli.EnvVars("BATCHD_TRACING"),
				Destination: &tracing,
			},
			&cli.StringFlag{
				Name:        "otlp-endpoint",
				Usage:       "OTLP/gRPC collector address",
				Value:       telemetry.DefaultConfig().Endpoint,
				Sources:     cli.EnvVars("OTEL_EXPORTER_OTLP_ENDPOINT"),
				Destination: &otlpEndpoint,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := fileConfig
			addr = stringDefault(cmd, "addr", addr, cfg.ServerAddress)
			readTimeout = durationDefault(cmd, "read-timeout", readTimeout, cfg.ReadTimeout)
			waitTimeout = durationDefault(cmd, "wait-timeout", waitTimeout, cfg.WaitTimeout)
			if cfg.MaxBodyBytes != nil && !cmd.IsSet("max-body-bytes") {
				maxBodyBytes = *cfg.MaxBodyBytes
			}

			tcfg := telemetry.DefaultConfig()
			if cfg.Telemetry != nil {
				tcfg = *cfg.Telemetry
			}
			if cmd.IsSet("tracing") {
				tcfg.Enabled = tracing
			}
			tcfg.Endpoint = stringDefault(cmd, "otlp-endpoint", otlpEndpoint, tcfg.Endpoint)
			providers, err := telemetry.Init(ctx, tcfg, log)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := providers.Shutdown(sctx); err != nil {
					log.Warn("telemetry shutdown", "error", err)
				}
			}()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			coll := metrics.New(reg)

			p, err := startPipeline(cmd, log, coll, providers.Tracer(tracerName))
			if err != nil {
				return err
			}
			defer func() {
				if err := p.Close(); err != nil {
					log.Warn("pipeline shutdown", "error", err)
				}
				log.Info("pipeline stopped")
			}()

			server := api.NewServer(p.queue,
				api.WithLogger(log),
				api.WithMetrics(coll, reg),
				api.WithWaitTimeout(waitTimeout),
				api.WithMaxBodyBytes(maxBodyBytes),
			)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
