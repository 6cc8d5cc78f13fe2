// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xmidt-org/iris/model"
	"github.com/xmidt-org/sallust"
)

type stubSubs struct {
	active bool
}

func (s *stubSubs) IsActive(context.Context) bool {
	return s.active
}

func (s *stubSubs) Record() model.SubscriptionRecord {
	return model.SubscriptionRecord{Identifier: "SUB-1", SecretKey: "k", Active: s.active}
}

type stubPusher struct {
	calls int32
	err   error
	done  chan struct{}
}

func (p *stubPusher) SendProfile(_ context.Context, identifier, secret string, _ map[string]interface{}) (map[string]interface{}, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.done != nil {
		select {
		case p.done <- struct{}{}:
		default:
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return map[string]interface{}{"identifier": identifier}, nil
}

type stubTokens struct {
	calls int32
}

func (t *stubTokens) CronRefresh(context.Context) {
	atomic.AddInt32(&t.calls, 1)
}

func newTestMeasures() Measures {
	return Measures{
		Beats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: BeatCounter,
			Help: BeatCounter,
		}, []string{OutcomeLabel}),
	}
}

func TestStartStopStateMachine(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	l, err := New(Config{Interval: time.Hour, Logger: sallust.Default()}, &stubSubs{}, nil, nil, newTestMeasures())
	require.NoError(err)

	assert.ErrorIs(l.Stop(context.Background()), ErrLoopNotRunning)

	require.NoError(l.Start(context.Background()))
	assert.ErrorIs(l.Start(context.Background()), ErrLoopNotStopped)

	require.NoError(l.Stop(context.Background()))
	assert.NoError(l.Start(context.Background()))
	assert.NoError(l.Stop(context.Background()))
}

func TestNewRequiresSubscriptions(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, newTestMeasures())
	assert.ErrorIs(t, err, ErrNoSubscription)
}

func TestBeatPushesProfileAndRefreshesToken(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	pusher := &stubPusher{}
	tokens := &stubTokens{}
	measures := newTestMeasures()
	l, err := New(Config{
		Profile: map[string]interface{}{"name": "site"},
		Logger:  sallust.Default(),
	}, &stubSubs{active: true}, pusher, tokens, measures)
	require.NoError(err)

	l.beat(context.Background())

	assert.Equal(int32(1), atomic.LoadInt32(&pusher.calls))
	assert.Equal(int32(1), atomic.LoadInt32(&tokens.calls))
	success := testutil.ToFloat64(measures.Beats.With(prometheus.Labels{OutcomeLabel: SuccessOutcome}))
	assert.Equal(1.0, success)
}

func TestBeatInactiveSkipsProfilePush(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	pusher := &stubPusher{}
	tokens := &stubTokens{}
	l, err := New(Config{Logger: sallust.Default()}, &stubSubs{active: false}, pusher, tokens, newTestMeasures())
	require.NoError(err)

	l.beat(context.Background())

	assert.Equal(int32(0), atomic.LoadInt32(&pusher.calls))
	// the token refresh still runs; it is independent of the legacy path
	assert.Equal(int32(1), atomic.LoadInt32(&tokens.calls))
}

func TestBeatFailureCounted(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	pusher := &stubPusher{err: errors.New("remote down")}
	measures := newTestMeasures()
	l, err := New(Config{Logger: sallust.Default()}, &stubSubs{active: true}, pusher, nil, measures)
	require.NoError(err)

	l.beat(context.Background())

	failure := testutil.ToFloat64(measures.Beats.With(prometheus.Labels{OutcomeLabel: FailureOutcome}))
	assert.Equal(1.0, failure)
}

func TestLoopTicks(t *testing.T) {
	require := require.New(t)

	pusher := &stubPusher{done: make(chan struct{}, 1)}
	l, err := New(Config{
		Interval: 10 * time.Millisecond,
		Logger:   sallust.Default(),
	}, &stubSubs{active: true}, pusher, nil, newTestMeasures())
	require.NoError(err)

	require.NoError(l.Start(context.Background()))
	defer l.Stop(context.Background())

	select {
	case <-pusher.done:
	case <-time.After(time.Second):
		require.FailNow("loop never beat")
	}
}
