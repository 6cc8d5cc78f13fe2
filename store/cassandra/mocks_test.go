// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package cassandra

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/xmidt-org/iris/store"
)

type mockDB struct {
	mock.Mock
}

func (s *mockDB) Push(ctx context.Context, key store.Key, item store.Item) error {
	args := s.Called(ctx, key, item)
	return args.Error(0)
}

func (s *mockDB) Add(ctx context.Context, key store.Key, item store.Item) error {
	args := s.Called(ctx, key, item)
	return args.Error(0)
}

func (s *mockDB) Get(ctx context.Context, key store.Key) (store.Item, error) {
	args := s.Called(ctx, key)
	return args.Get(0).(store.Item), args.Error(1)
}

func (s *mockDB) Delete(ctx context.Context, key store.Key) (store.Item, error) {
	args := s.Called(ctx, key)
	return args.Get(0).(store.Item), args.Error(1)
}

func (s *mockDB) DeleteIf(ctx context.Context, key store.Key, expected map[string]interface{}) error {
	args := s.Called(ctx, key, expected)
	return args.Error(0)
}

func (s *mockDB) Close() {
	s.Called()
}

func (s *mockDB) Ping() error {
	args := s.Called()
	return args.Error(0)
}
