// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xmidt-org/arrange"
	"github.com/xmidt-org/bascule/acquire"
	"github.com/xmidt-org/candlelight"
	"github.com/xmidt-org/iris/connector"
	"github.com/xmidt-org/iris/heartbeat"
	"github.com/xmidt-org/iris/lock"
	"github.com/xmidt-org/iris/search"
	"github.com/xmidt-org/iris/store"
	"github.com/xmidt-org/iris/store/metric"
	"github.com/xmidt-org/iris/subscription"
	"github.com/xmidt-org/iris/token"
	"github.com/xmidt-org/sallust"
	"github.com/xmidt-org/touchstone"
	"github.com/xmidt-org/touchstone/touchhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const applicationName = "iris"

var (
	GitCommit = "undefined"
	Version   = "undefined"
	BuildTime = "undefined"
)

func main() {
	v, logger, err := setup(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app := fx.New(
		arrange.LoggerFunc(logger.Sugar().Infof),
		arrange.ForViper(v),
		fx.Supply(logger, v),
		touchstone.Provide(),
		touchhttp.Provide(),
		metric.ProvideMetrics(),
		connector.ProvideMetrics(),
		heartbeat.ProvideMetrics(),
		provideOpsInstrumenters(),
		fx.Provide(
			provideConnectorConfig,
			provideTokenConfig,
			provideHeartbeatConfig,
			provideServersConfig,
			provideStore,
			candlelight.New,
			func(v *viper.Viper) (candlelight.Config, error) {
				var config candlelight.Config
				err := v.UnmarshalKey("tracing", &config)
				if err != nil {
					return candlelight.Config{}, err
				}
				config.ApplicationName = applicationName
				return config, nil
			},
			newTokenManager,
			newConnectorClient,
			newSubscriptionService,
			newSearchResolver,
			newHeartbeatLoop,
		),
		fx.Invoke(
			runHeartbeat,
			runServers,
			func(r *search.Resolver) {},
		),
	)

	if err := app.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	app.Run()
}

func newTokenManager(config token.Config, s store.S, logger *zap.Logger) (*token.Manager, error) {
	config.Logger = logger
	return token.NewManager(config, s)
}

func newConnectorClient(config connector.ClientConfig, tokens *token.Manager, measures connector.Measures, logger *zap.Logger) (*connector.Client, error) {
	config.Logger = logger
	// bearer headers ride along once the deployment has OAuth credentials;
	// before that Acquire yields an empty header and AddAuth is a no-op
	var acquirer acquire.Acquirer = tokens
	config.Auth = acquirer
	return connector.NewClient(config, measures, sallust.Get)
}

func newSubscriptionService(client *connector.Client, s store.S, logger *zap.Logger) *subscription.Service {
	return subscription.New(context.Background(), client, s, logger)
}

func newSearchResolver(subs *subscription.Service, s store.S, logger *zap.Logger) *search.Resolver {
	return search.New(subs, s, lock.New(s, search.LockName), logger)
}

func runHeartbeat(loop *heartbeat.Loop, lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: loop.Start,
		OnStop:  loop.Stop,
	})
}
