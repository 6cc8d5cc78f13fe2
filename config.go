// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/xmidt-org/iris/connector"
	"github.com/xmidt-org/iris/heartbeat"
	"github.com/xmidt-org/iris/store"
	"github.com/xmidt-org/iris/store/cassandra"
	"github.com/xmidt-org/iris/store/dynamodb"
	"github.com/xmidt-org/iris/store/inmem"
	"github.com/xmidt-org/iris/store/metric"
	"github.com/xmidt-org/iris/subscription"
	"github.com/xmidt-org/iris/token"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Store backends.
const (
	backendInMem     = "inmem"
	backendDynamoDB  = "dynamodb"
	backendCassandra = "cassandra"
)

var errUnknownBackend = errors.New("unknown store backend")

// StoreConfig selects and configures the shared TTL store.
type StoreConfig struct {
	// Backend is one of inmem, dynamodb, cassandra. Defaults to inmem.
	Backend string

	Dynamo    dynamodb.Config
	Cassandra cassandra.Config
}

// HeartbeatConfig configures the periodic control-plane exchange.
type HeartbeatConfig struct {
	// Interval is how often the heartbeat runs.
	Interval time.Duration

	// Profile is the site profile payload pushed on every beat.
	Profile map[string]interface{}
}

// ServerConfig is one operational listen address.
type ServerConfig struct {
	Address string
}

// ServersConfig holds the operational HTTP surfaces.
type ServersConfig struct {
	Health  ServerConfig
	Metrics ServerConfig
}

func provideConnectorConfig(v *viper.Viper) (connector.ClientConfig, error) {
	var c connector.ClientConfig
	if err := v.UnmarshalKey("connector", &c); err != nil {
		return connector.ClientConfig{}, fmt.Errorf("failed unmarshalling connector config: %w", err)
	}
	return c, nil
}

func provideTokenConfig(v *viper.Viper) (token.Config, error) {
	var c token.Config
	if err := v.UnmarshalKey("token", &c); err != nil {
		return token.Config{}, fmt.Errorf("failed unmarshalling token config: %w", err)
	}
	return c, nil
}

func provideHeartbeatConfig(v *viper.Viper) (HeartbeatConfig, error) {
	var c HeartbeatConfig
	if err := v.UnmarshalKey("heartbeat", &c); err != nil {
		return HeartbeatConfig{}, fmt.Errorf("failed unmarshalling heartbeat config: %w", err)
	}
	return c, nil
}

func provideServersConfig(v *viper.Viper) (ServersConfig, error) {
	var c ServersConfig
	if err := v.UnmarshalKey("servers", &c); err != nil {
		return ServersConfig{}, fmt.Errorf("failed unmarshalling servers config: %w", err)
	}
	if c.Health.Address == "" {
		c.Health.Address = ":8081"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":8082"
	}
	return c, nil
}

func provideStore(v *viper.Viper, measures metric.Measures, lc fx.Lifecycle, logger *zap.Logger) (store.S, error) {
	var c StoreConfig
	if err := v.UnmarshalKey("store", &c); err != nil {
		return nil, fmt.Errorf("failed unmarshalling store config: %w", err)
	}

	switch c.Backend {
	case "", backendInMem:
		return inmem.NewInMem(), nil
	case backendDynamoDB:
		return dynamodb.NewDynamoDB(context.Background(), c.Dynamo, measures, logger)
	case backendCassandra:
		return cassandra.NewCassandra(c.Cassandra, measures, lc, logger)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownBackend, c.Backend)
	}
}

func newHeartbeatLoop(config HeartbeatConfig, subs *subscription.Service, client *connector.Client, tokens *token.Manager, measures heartbeat.Measures, logger *zap.Logger) (*heartbeat.Loop, error) {
	return heartbeat.New(heartbeat.Config{
		Interval: config.Interval,
		Profile:  config.Profile,
		Logger:   logger,
	}, subs, client, tokens, measures)
}
