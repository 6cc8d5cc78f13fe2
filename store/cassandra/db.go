// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package cassandra provides the Cassandra/Yugabyte storage backend. Row
// expiry rides on the column TTL so every process sees the same remaining
// lifetime.
package cassandra

import (
	"context"
	"errors"
	"time"

	"emperror.dev/emperror"
	"github.com/gocql/gocql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/iris/store"
	"github.com/xmidt-org/iris/store/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultOpTimeout             = time.Duration(10) * time.Second
	defaultDatabase              = "iris"
	defaultNumRetries            = 0
	defaultWaitTimeMult          = 1
	defaultMaxNumberConnsPerHost = 2
)

type Config struct {
	// Hosts to connect to. Must have at least one.
	Hosts []string

	// Database aka Keyspace for cassandra.
	Database string

	// OpTimeout bounds individual queries.
	OpTimeout time.Duration

	// SSLRootCert used for enabling tls to the cluster. SSLKey and SSLCert must also be set.
	SSLRootCert string
	// SSLKey used for enabling tls to the cluster. SSLRootCert and SSLCert must also be set.
	SSLKey string
	// SSLCert used for enabling tls to the cluster. SSLRootCert and SSLKey must also be set.
	SSLCert string
	// EnableHostVerification turns on hostname and server cert verification.
	// This option is basically the inverse of InsecureSkipVerify in crypto/tls.
	EnableHostVerification bool

	// Username to authenticate into the cluster. Password must also be provided.
	Username string
	// Password to authenticate into the cluster. Username must also be provided.
	Password string

	// NumRetries for connecting to the db.
	NumRetries int

	// WaitTimeMult the amount of time to wait before retrying to connect to the db.
	WaitTimeMult time.Duration

	// MaxConnsPerHost max number of connections per host.
	MaxConnsPerHost int
}

// CassandraClient instruments the raw executor with query outcome measures
// and keeps the session healthy with a background ping.
type CassandraClient struct {
	client   dbStore
	config   Config
	logger   *zap.Logger
	measures metric.Measures
}

func NewCassandra(config Config, measures metric.Measures, lc fx.Lifecycle, logger *zap.Logger) (store.S, error) {
	client, err := createCassandraClient(config, measures, logger)
	if err != nil {
		return nil, err
	}
	ticker := doEvery(time.Second*5, func(_ time.Time) {
		if err := client.Ping(); err != nil {
			logger.Error("ping failed", zap.Error(err))
		}
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			ticker.Stop()
			client.Close()
			return nil
		},
	})
	return client, nil
}

func doEvery(d time.Duration, f func(time.Time)) *time.Ticker {
	ticker := time.NewTicker(d)
	go func() {
		for x := range ticker.C {
			f(x)
		}
	}()
	return ticker
}

func createCassandraClient(config Config, measures metric.Measures, logger *zap.Logger) (*CassandraClient, error) {
	if len(config.Hosts) == 0 {
		return nil, errors.New("number of hosts must be > 0")
	}

	validateConfig(&config)

	clusterConfig := gocql.NewCluster(config.Hosts...)
	clusterConfig.Consistency = gocql.LocalQuorum
	clusterConfig.Keyspace = config.Database
	clusterConfig.Timeout = config.OpTimeout
	// let the retry loop below handle it
	clusterConfig.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 1}
	if config.SSLRootCert != "" && config.SSLCert != "" && config.SSLKey != "" {
		clusterConfig.SslOpts = &gocql.SslOptions{
			CertPath:               config.SSLCert,
			KeyPath:                config.SSLKey,
			CaPath:                 config.SSLRootCert,
			EnableHostVerification: config.EnableHostVerification,
		}
	}
	if config.Username != "" && config.Password != "" {
		clusterConfig.Authenticator = gocql.PasswordAuthenticator{
			Username: config.Username,
			Password: config.Password,
		}
	}

	session, err := connect(clusterConfig, logger)

	waitTime := 1 * time.Second
	for attempt := 0; attempt < config.NumRetries && err != nil; attempt++ {
		time.Sleep(waitTime)
		session, err = connect(clusterConfig, logger)
		waitTime = waitTime * config.WaitTimeMult
	}
	if err != nil {
		return nil, emperror.WrapWith(err, "Connecting to database failed", "hosts", config.Hosts)
	}

	return &CassandraClient{
		client:   session,
		config:   config,
		logger:   logger,
		measures: measures,
	}, nil
}

func (s *CassandraClient) Push(ctx context.Context, key store.Key, item store.Item) error {
	err := s.client.Push(ctx, key, item)
	s.count(store.InsertType, err)
	return err
}

func (s *CassandraClient) Add(ctx context.Context, key store.Key, item store.Item) error {
	err := s.client.Add(ctx, key, item)
	if errors.Is(err, store.ErrItemExists) {
		s.count(store.InsertType, nil)
		return err
	}
	s.count(store.InsertType, err)
	return err
}

func (s *CassandraClient) Get(ctx context.Context, key store.Key) (store.Item, error) {
	item, err := s.client.Get(ctx, key)
	if errors.Is(err, noDataResponse) {
		s.count(store.ReadType, nil)
		return item, store.KeyNotFoundError{Key: key}
	}
	s.count(store.ReadType, err)
	return item, err
}

func (s *CassandraClient) Delete(ctx context.Context, key store.Key) (store.Item, error) {
	item, err := s.client.Delete(ctx, key)
	if errors.Is(err, noDataResponse) {
		s.count(store.DeleteType, nil)
		return item, store.KeyNotFoundError{Key: key}
	}
	s.count(store.DeleteType, err)
	return item, err
}

func (s *CassandraClient) DeleteIf(ctx context.Context, key store.Key, expected map[string]interface{}) error {
	err := s.client.DeleteIf(ctx, key, expected)
	if errors.Is(err, store.ErrValueNotMatched) {
		s.count(store.DeleteType, nil)
		return err
	}
	s.count(store.DeleteType, err)
	return err
}

func (s *CassandraClient) Close() {
	s.client.Close()
}

// Ping is for pinging the database to verify that the connection is still good.
func (s *CassandraClient) Ping() error {
	err := s.client.Ping()
	if err != nil {
		s.count(store.PingType, err)
		return emperror.WrapWith(err, "Pinging connection failed")
	}
	s.count(store.PingType, nil)
	return nil
}

func (s *CassandraClient) count(opType string, err error) {
	labels := prometheus.Labels{store.TypeLabel: opType}
	if err != nil {
		s.measures.QueryFailureCount.With(labels).Add(1.0)
		return
	}
	s.measures.QuerySuccessCount.With(labels).Add(1.0)
}

func validateConfig(config *Config) {
	zeroDuration := time.Duration(0) * time.Second

	if config.OpTimeout == zeroDuration {
		config.OpTimeout = defaultOpTimeout
	}
	if config.Database == "" {
		config.Database = defaultDatabase
	}
	if config.NumRetries < 0 {
		config.NumRetries = defaultNumRetries
	}
	if config.WaitTimeMult < 1 {
		config.WaitTimeMult = defaultWaitTimeMult
	}
	if config.MaxConnsPerHost <= 0 {
		config.MaxConnsPerHost = defaultMaxNumberConnsPerHost
	}
}
