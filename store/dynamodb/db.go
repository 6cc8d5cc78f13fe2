// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package dynamodb provides the DynamoDB storage backend. One table holds
// every connector bucket; row expiry leans on the table's native TTL
// attribute so cross-process readers agree on staleness.
package dynamodb

import (
	"context"
	"time"

	"emperror.dev/emperror"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/iris/store"
	"github.com/xmidt-org/iris/store/metric"
	"go.uber.org/zap"
)

const (
	defaultTable      = "iris"
	defaultMaxRetries = 3
)

type Config struct {
	// Table is the DynamoDB table shared by all connector buckets.
	Table string

	// Endpoint overrides the regional endpoint; useful for local stacks.
	Endpoint string

	// Region is the AWS region hosting the table.
	Region string

	// MaxRetries caps SDK-level retry attempts per call.
	MaxRetries int

	// AccessKey and SecretKey are optional static credentials. When empty,
	// the default AWS credential chain applies.
	AccessKey string
	SecretKey string
}

// DynamoClient instruments the raw executor with query outcome measures.
type DynamoClient struct {
	client   service
	config   Config
	logger   *zap.Logger
	measures metric.Measures
}

func NewDynamoDB(ctx context.Context, config Config, measures metric.Measures, logger *zap.Logger) (store.S, error) {
	validateConfig(&config)

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
		awsconfig.WithRetryMaxAttempts(config.MaxRetries),
	}
	if config.AccessKey != "" && config.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, emperror.WrapWith(err, "Loading AWS configuration failed", "region", config.Region)
	}

	c := dynamodb.NewFromConfig(awsConfig, func(o *dynamodb.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	})

	return &DynamoClient{
		client: &executor{
			c:         c,
			tableName: config.Table,
			now:       time.Now,
		},
		config:   config,
		logger:   logger,
		measures: measures,
	}, nil
}

func (s *DynamoClient) Push(ctx context.Context, key store.Key, item store.Item) error {
	err := s.client.Push(ctx, key, item)
	s.count(store.InsertType, err)
	return err
}

func (s *DynamoClient) Add(ctx context.Context, key store.Key, item store.Item) error {
	err := s.client.Add(ctx, key, item)
	s.count(store.InsertType, err)
	return err
}

func (s *DynamoClient) Get(ctx context.Context, key store.Key) (store.Item, error) {
	item, err := s.client.Get(ctx, key)
	s.count(store.ReadType, err)
	return item, err
}

func (s *DynamoClient) Delete(ctx context.Context, key store.Key) (store.Item, error) {
	item, err := s.client.Delete(ctx, key)
	s.count(store.DeleteType, err)
	return item, err
}

func (s *DynamoClient) DeleteIf(ctx context.Context, key store.Key, expected map[string]interface{}) error {
	err := s.client.DeleteIf(ctx, key, expected)
	s.count(store.DeleteType, err)
	return err
}

func (s *DynamoClient) count(opType string, err error) {
	labels := prometheus.Labels{store.TypeLabel: opType}
	if err != nil {
		s.measures.QueryFailureCount.With(labels).Add(1.0)
		return
	}
	s.measures.QuerySuccessCount.With(labels).Add(1.0)
}

func validateConfig(config *Config) {
	if config.Table == "" {
		config.Table = defaultTable
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
}
