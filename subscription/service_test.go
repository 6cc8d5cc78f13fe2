// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xmidt-org/iris/store"
	"github.com/xmidt-org/iris/store/inmem"
	"github.com/xmidt-org/sallust"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) GetSubscription(ctx context.Context, identifier, secret string, flags map[string]interface{}) (map[string]interface{}, error) {
	args := m.Called(ctx, identifier, secret, flags)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}

func newTestService(t *testing.T, transport transport, s store.S) *Service {
	t.Helper()
	svc := New(context.Background(), transport, s, sallust.Default())
	require.NoError(t, svc.SetCredentials(context.Background(), "SUB-1", "k"))
	return svc
}

func TestIsActiveServedFromStore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := inmem.NewInMem()
	ttl := int64(3600)
	require.NoError(s.Push(context.Background(), store.Key{Bucket: store.SubscriptionBucket, ID: subscriptionDataID}, store.Item{
		Data: map[string]interface{}{
			"identifier": "SUB-1",
			"active":     true,
			"timestamp":  time.Now().Unix(),
		},
		TTL: &ttl,
	}))

	transport := new(mockTransport)
	svc := newTestService(t, transport, s)

	assert.True(svc.IsActive(context.Background()))
	// an unexpired store entry must answer without any network call
	transport.AssertNotCalled(t, "GetSubscription")
}

func TestIsActiveForcedRefreshWhenStale(t *testing.T) {
	assert := assert.New(t)

	s := inmem.NewInMem()
	transport := new(mockTransport)
	// the plain read fails, leaving a record with no timestamp
	transport.On("GetSubscription", mock.Anything, "SUB-1", "k", map[string]interface{}(nil)).
		Return(nil, errors.New("remote down")).Once()
	// which forces exactly one heartbeat-less refresh
	transport.On("GetSubscription", mock.Anything, "SUB-1", "k", map[string]interface{}{"no_heartbeat": 1}).
		Return(map[string]interface{}{"active": true}, nil).Once()

	svc := newTestService(t, transport, s)

	assert.True(svc.IsActive(context.Background()))
	transport.AssertExpectations(t)

	// the forced refresh re-cached with a short TTL
	item, err := s.Get(context.Background(), store.Key{Bucket: store.SubscriptionBucket, ID: subscriptionDataID})
	assert.NoError(err)
	assert.NotNil(item.TTL)
}

func TestIsActiveSwallowsForcedRefreshFailure(t *testing.T) {
	assert := assert.New(t)

	s := inmem.NewInMem()
	transport := new(mockTransport)
	transport.On("GetSubscription", mock.Anything, "SUB-1", "k", map[string]interface{}(nil)).
		Return(nil, errors.New("remote down")).Once()
	transport.On("GetSubscription", mock.Anything, "SUB-1", "k", map[string]interface{}{"no_heartbeat": 1}).
		Return(nil, errors.New("remote still down")).Once()

	svc := newTestService(t, transport, s)

	assert.False(svc.IsActive(context.Background()))
	transport.AssertExpectations(t)
}

func TestIsActiveNoCredentials(t *testing.T) {
	assert := assert.New(t)

	s := inmem.NewInMem()
	transport := new(mockTransport)
	svc := New(context.Background(), transport, s, sallust.Default())

	assert.False(svc.IsActive(context.Background()))
	transport.AssertNotCalled(t, "GetSubscription")
}

func TestGetNoCredentialsClearsStaleEntry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := inmem.NewInMem()
	require.NoError(s.Push(context.Background(), store.Key{Bucket: store.SubscriptionBucket, ID: subscriptionDataID}, store.Item{
		Data: map[string]interface{}{"active": true},
	}))

	svc := New(context.Background(), new(mockTransport), s, sallust.Default())

	_, err := svc.Get(context.Background(), false)
	assert.ErrorIs(err, ErrNoCredentials)

	_, err = s.Get(context.Background(), store.Key{Bucket: store.SubscriptionBucket, ID: subscriptionDataID})
	assert.ErrorIs(err, store.ErrItemNotFound)
}

func TestGetRefreshReplacesBothLayers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := inmem.NewInMem()
	transport := new(mockTransport)
	transport.On("GetSubscription", mock.Anything, "SUB-1", "k", map[string]interface{}(nil)).
		Return(map[string]interface{}{
			"active": true,
			"acquia_search": map[string]interface{}{
				"api_host": "https://idx.example",
			},
		}, nil).Once()

	svc := newTestService(t, transport, s)

	record, err := svc.Get(context.Background(), true)
	require.NoError(err)
	assert.True(record.Active)
	assert.Equal("https://idx.example", record.SearchHost())
	assert.Equal(record.Active, svc.Record().Active)

	// subsequent non-forced reads are served from the store
	record, err = svc.Get(context.Background(), false)
	require.NoError(err)
	assert.True(record.Active)
	transport.AssertExpectations(t)
}

func TestGetRemoteFailureLeavesCacheUntouched(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := inmem.NewInMem()
	transport := new(mockTransport)
	transport.On("GetSubscription", mock.Anything, "SUB-1", "k", map[string]interface{}(nil)).
		Return(map[string]interface{}{"active": true}, nil).Once()
	transport.On("GetSubscription", mock.Anything, "SUB-1", "k", map[string]interface{}(nil)).
		Return(nil, errors.New("remote down")).Once()

	svc := newTestService(t, transport, s)

	_, err := svc.Get(context.Background(), true)
	require.NoError(err)

	_, err = svc.Get(context.Background(), true)
	assert.Error(err)

	// the cached entry from the first refresh is still there
	item, storeErr := s.Get(context.Background(), store.Key{Bucket: store.SubscriptionBucket, ID: subscriptionDataID})
	assert.NoError(storeErr)
	assert.Equal(true, item.Data["active"])
}

func TestGetUnverifiedReplyLeavesCacheUntouched(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := inmem.NewInMem()
	transport := new(mockTransport)
	transport.On("GetSubscription", mock.Anything, "SUB-1", "k", map[string]interface{}(nil)).
		Return(map[string]interface{}{"active": true}, nil).Once()
	// a reply that fails verification surfaces as no data, no error
	transport.On("GetSubscription", mock.Anything, "SUB-1", "k", map[string]interface{}(nil)).
		Return(nil, nil).Once()

	svc := newTestService(t, transport, s)

	_, err := svc.Get(context.Background(), true)
	require.NoError(err)

	record, err := svc.Get(context.Background(), true)
	require.NoError(err)
	assert.False(record.Active)

	// the good entry from the first refresh must survive the glitch
	item, storeErr := s.Get(context.Background(), store.Key{Bucket: store.SubscriptionBucket, ID: subscriptionDataID})
	assert.NoError(storeErr)
	assert.Equal(true, item.Data["active"])
	assert.True(svc.Record().Active)

	// and a non-forced read still serves it
	record, err = svc.Get(context.Background(), false)
	require.NoError(err)
	assert.True(record.Active)
	transport.AssertExpectations(t)
}

func TestDeleteInvalidatesBothLayers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := inmem.NewInMem()
	transport := new(mockTransport)
	transport.On("GetSubscription", mock.Anything, "SUB-1", "k", map[string]interface{}(nil)).
		Return(map[string]interface{}{"active": true}, nil).Once()

	svc := newTestService(t, transport, s)
	_, err := svc.Get(context.Background(), true)
	require.NoError(err)
	require.True(svc.Record().Active)

	svc.Delete(context.Background())

	assert.False(svc.Record().Active)
	_, err = s.Get(context.Background(), store.Key{Bucket: store.SubscriptionBucket, ID: subscriptionDataID})
	assert.ErrorIs(err, store.ErrItemNotFound)
	_, err = svc.Get(context.Background(), false)
	assert.ErrorIs(err, ErrNoCredentials)
}

func TestCredentialsSurviveRestart(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := inmem.NewInMem()
	first := New(context.Background(), new(mockTransport), s, sallust.Default())
	require.NoError(first.SetCredentials(context.Background(), "SUB-1", "k"))

	second := New(context.Background(), new(mockTransport), s, sallust.Default())
	identifier, secret := second.Credentials()
	assert.Equal("SUB-1", identifier)
	assert.Equal("k", secret)
}
