// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package cassandra

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gocql/gocql"
	"github.com/hailocab/go-hostpool"
	"github.com/xmidt-org/iris/store"
	"go.uber.org/zap"
)

type dbStore interface {
	store.S
	Close()
	Ping() error
}

var (
	noDataResponse = errors.New("no data from query")
	serverClosed   = errors.New("server is closed")
)

type cassandraExecutor struct {
	session *gocql.Session
	logger  *zap.Logger
}

func connect(clusterConfig *gocql.ClusterConfig, logger *zap.Logger) (dbStore, error) {
	clusterConfig.PoolConfig.HostSelectionPolicy = gocql.HostPoolHostPolicy(hostpool.New(nil))
	session, err := clusterConfig.CreateSession()
	if err != nil {
		return nil, err
	}

	return &cassandraExecutor{session: session, logger: logger}, nil
}

func (s *cassandraExecutor) Push(ctx context.Context, key store.Key, item store.Item) error {
	data, err := json.Marshal(item.Data)
	if err != nil {
		return err
	}

	return s.session.Query("INSERT INTO iris (bucket, id, data) VALUES (?,?,?) USING TTL ?",
		key.Bucket, key.ID, data, ttlSeconds(item)).WithContext(ctx).Exec()
}

// Add is a lightweight transaction so only one writer can claim an empty
// slot. Cassandra reaps expired rows itself, which makes the insert succeed
// again once the previous holder's TTL lapses.
func (s *cassandraExecutor) Add(ctx context.Context, key store.Key, item store.Item) error {
	data, err := json.Marshal(item.Data)
	if err != nil {
		return err
	}

	previous := map[string]interface{}{}
	applied, err := s.session.Query("INSERT INTO iris (bucket, id, data) VALUES (?,?,?) IF NOT EXISTS USING TTL ?",
		key.Bucket, key.ID, data, ttlSeconds(item)).WithContext(ctx).MapScanCAS(previous)
	if err != nil {
		return err
	}
	if !applied {
		return store.KeyExistsError{Key: key}
	}
	return nil
}

// DeleteIf is a lightweight transaction: the row only goes away when it
// still holds the expected data. An expired row no longer exists, so the
// condition fails and nothing is deleted.
func (s *cassandraExecutor) DeleteIf(ctx context.Context, key store.Key, expected map[string]interface{}) error {
	data, err := json.Marshal(expected)
	if err != nil {
		return err
	}

	previous := map[string]interface{}{}
	applied, err := s.session.Query("DELETE FROM iris WHERE bucket = ? AND id = ? IF data = ?",
		key.Bucket, key.ID, data).WithContext(ctx).MapScanCAS(previous)
	if err != nil {
		return err
	}
	if !applied {
		return store.ValueNotMatchedError{Key: key}
	}
	return nil
}

func (s *cassandraExecutor) Get(ctx context.Context, key store.Key) (store.Item, error) {
	var (
		data []byte
		ttl  int64
	)
	iter := s.session.Query("SELECT data, ttl(data) from iris WHERE bucket = ? AND id = ?",
		key.Bucket, key.ID).WithContext(ctx).Iter()
	defer func() {
		err := iter.Close()
		if err != nil {
			s.logger.Error("failed to close iter", zap.String("bucket", key.Bucket), zap.String("id", key.ID))
		}
	}()
	for iter.Scan(&data, &ttl) {
		item := store.Item{}
		err := json.Unmarshal(data, &item.Data)
		if ttl > 0 {
			item.TTL = &ttl
		}
		return item, err
	}
	return store.Item{}, noDataResponse
}

func (s *cassandraExecutor) Delete(ctx context.Context, key store.Key) (store.Item, error) {
	item, err := s.Get(ctx, key)
	if err != nil {
		return item, err
	}
	err = s.session.Query("DELETE from iris WHERE bucket = ? AND id = ?",
		key.Bucket, key.ID).WithContext(ctx).Exec()
	return item, err
}

func (s *cassandraExecutor) Close() {
	s.session.Close()
}

func (s *cassandraExecutor) Ping() error {
	if s.session.Closed() {
		return serverClosed
	}
	return nil
}

// ttlSeconds maps the abstract item TTL onto cassandra's: zero means the row
// never expires.
func ttlSeconds(item store.Item) int64 {
	if item.TTL == nil {
		return 0
	}
	return *item.TTL
}
