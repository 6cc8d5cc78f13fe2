// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/xmidt-org/candlelight"
	"github.com/xmidt-org/httpaux"
	"github.com/xmidt-org/httpaux/recovery"
	"github.com/xmidt-org/touchstone/touchhttp"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RoutesIn struct {
	fx.In
	Servers        ServersConfig
	HealthMetrics  touchhttp.ServerInstrumenter `name:"servers.health.metrics"`
	MetricsHandler touchhttp.Handler
	Tracing        candlelight.Tracing
	Logger         *zap.Logger
	Lifecycle      fx.Lifecycle
}

func provideOpsInstrumenters() fx.Option {
	return fx.Provide(
		fx.Annotated{
			Name: "servers.health.metrics",
			Target: touchhttp.ServerBundle{}.NewInstrumenter(
				touchhttp.ServerLabel, "health",
			),
		},
	)
}

// runServers starts the two operational surfaces: a traced health endpoint
// and the Prometheus scrape endpoint.
func runServers(in RoutesIn) {
	healthRouter := mux.NewRouter()
	healthRouter.Use(
		otelmux.Middleware("server_health",
			otelmux.WithTracerProvider(in.Tracing.TracerProvider()),
			otelmux.WithPropagators(in.Tracing.Propagator()),
		),
		candlelight.EchoFirstTraceNodeInfo(in.Tracing, false),
	)
	healthRouter.Handle("/health", httpaux.ConstantHandler{
		StatusCode: http.StatusOK,
	}).Methods(http.MethodGet)

	healthChain := alice.New(recovery.Middleware(recovery.WithStatusCode(555)))
	startServer(in.Lifecycle, in.Logger, "health", in.Servers.Health.Address,
		healthChain.Then(in.HealthMetrics.Then(healthRouter)))

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", in.MetricsHandler).Methods(http.MethodGet)
	startServer(in.Lifecycle, in.Logger, "metrics", in.Servers.Metrics.Address, metricsRouter)
}

func startServer(lc fx.Lifecycle, logger *zap.Logger, name, address string, handler http.Handler) {
	server := &http.Server{
		Addr:    address,
		Handler: handler,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			listener, err := net.Listen("tcp", address)
			if err != nil {
				return err
			}
			logger.Info("starting server", zap.String("server", name), zap.String("address", address))
			go func() {
				if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
					logger.Error("server exited", zap.String("server", name), zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
