// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package dynamodb

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xmidt-org/iris/store"
	"github.com/xmidt-org/iris/store/metric"
	"github.com/xmidt-org/sallust"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Push(ctx context.Context, key store.Key, item store.Item) error {
	args := m.Called(ctx, key, item)
	return args.Error(0)
}

func (m *mockService) Add(ctx context.Context, key store.Key, item store.Item) error {
	args := m.Called(ctx, key, item)
	return args.Error(0)
}

func (m *mockService) Get(ctx context.Context, key store.Key) (store.Item, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(store.Item), args.Error(1)
}

func (m *mockService) Delete(ctx context.Context, key store.Key) (store.Item, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(store.Item), args.Error(1)
}

func (m *mockService) DeleteIf(ctx context.Context, key store.Key, expected map[string]interface{}) error {
	args := m.Called(ctx, key, expected)
	return args.Error(0)
}

func newTestMeasures() metric.Measures {
	return metric.Measures{
		QuerySuccessCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metric.QuerySuccessCounter,
			Help: metric.QuerySuccessCounter,
		}, []string{store.TypeLabel}),
		QueryFailureCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metric.QueryFailureCounter,
			Help: metric.QueryFailureCounter,
		}, []string{store.TypeLabel}),
	}
}

func TestDynamoClientCountsOutcomes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	key := store.Key{Bucket: "subscription", ID: "data"}
	item := store.Item{Data: map[string]interface{}{"active": true}}

	svc := new(mockService)
	svc.On("Push", mock.Anything, key, item).Return(nil).Once()
	svc.On("Get", mock.Anything, key).Return(item, nil).Once()
	svc.On("Get", mock.Anything, key).Return(store.Item{}, errors.New("throttled")).Once()
	svc.On("Delete", mock.Anything, key).Return(item, nil).Once()
	svc.On("DeleteIf", mock.Anything, key, item.Data).Return(nil).Once()

	s := &DynamoClient{
		client:   svc,
		logger:   sallust.Default(),
		measures: newTestMeasures(),
	}

	require.NoError(s.Push(context.Background(), key, item))

	got, err := s.Get(context.Background(), key)
	require.NoError(err)
	assert.Equal(item.Data, got.Data)

	_, err = s.Get(context.Background(), key)
	assert.Error(err)

	_, err = s.Delete(context.Background(), key)
	assert.NoError(err)

	assert.NoError(s.DeleteIf(context.Background(), key, item.Data))

	deletes := testutil.ToFloat64(s.measures.QuerySuccessCount.With(prometheus.Labels{store.TypeLabel: store.DeleteType}))
	assert.Equal(2.0, deletes)

	reads := testutil.ToFloat64(s.measures.QuerySuccessCount.With(prometheus.Labels{store.TypeLabel: store.ReadType}))
	assert.Equal(1.0, reads)
	failures := testutil.ToFloat64(s.measures.QueryFailureCount.With(prometheus.Labels{store.TypeLabel: store.ReadType}))
	assert.Equal(1.0, failures)
}

func TestValidateConfig(t *testing.T) {
	assert := assert.New(t)
	config := Config{}
	validateConfig(&config)
	assert.Equal(defaultTable, config.Table)
	assert.Equal(defaultMaxRetries, config.MaxRetries)
}
