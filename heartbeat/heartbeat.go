// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat runs the periodic control-plane exchange: re-validate
// the subscription, push the site profile, and opportunistically keep the
// OAuth token warm. Each beat is independent; failures are logged, counted
// and never stop the loop.
package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/iris/model"
	"go.uber.org/zap"
)

var (
	ErrLoopNotStopped = errors.New("heartbeat loop is either running or starting")
	ErrLoopNotRunning = errors.New("heartbeat loop is either stopped or stopping")
	ErrNoSubscription = errors.New("no subscription service provided")
)

// loop states
const (
	stopped int32 = iota
	running
	transitioning
)

const defaultInterval = time.Hour

// subscriptions is the slice of the subscription service the loop uses.
type subscriptions interface {
	IsActive(ctx context.Context) bool
	Record() model.SubscriptionRecord
}

// profilePusher pushes the site profile upstream.
type profilePusher interface {
	SendProfile(ctx context.Context, identifier, secret string, profile map[string]interface{}) (map[string]interface{}, error)
}

// tokenRefresher keeps the OAuth token warm.
type tokenRefresher interface {
	CronRefresh(ctx context.Context)
}

// Config contains config data for the heartbeat loop.
type Config struct {
	// Interval is how often a beat runs.
	// (Optional). Defaults to one hour.
	Interval time.Duration

	// Profile is the site profile payload pushed on every beat while the
	// subscription is active.
	Profile map[string]interface{}

	// Logger to be used by the loop.
	// (Optional). By default a no op logger will be used.
	Logger *zap.Logger
}

// Loop periodically exchanges state with the control plane.
type Loop struct {
	subs     subscriptions
	pusher   profilePusher
	tokens   tokenRefresher
	profile  map[string]interface{}
	ticker   *time.Ticker
	interval time.Duration
	measures Measures
	logger   *zap.Logger
	shutdown chan struct{}
	state    int32
}

func New(config Config, subs subscriptions, pusher profilePusher, tokens tokenRefresher, measures Measures) (*Loop, error) {
	if subs == nil {
		return nil, ErrNoSubscription
	}
	if config.Interval == 0 {
		config.Interval = defaultInterval
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Loop{
		subs:     subs,
		pusher:   pusher,
		tokens:   tokens,
		profile:  config.Profile,
		ticker:   time.NewTicker(config.Interval),
		interval: config.Interval,
		measures: measures,
		logger:   config.Logger,
		shutdown: make(chan struct{}),
	}, nil
}

// Start begins beating on the configured interval. If the loop is already
// running, calling Start() is an error; call Stop() first to restart.
func (l *Loop) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.state, stopped, transitioning) {
		l.logger.Error("Start called when the loop was not in stopped state", zap.Error(ErrLoopNotStopped))
		return ErrLoopNotStopped
	}

	l.ticker.Reset(l.interval)
	go func() {
		for {
			select {
			case <-l.shutdown:
				return
			case <-l.ticker.C:
				l.beat(context.Background())
			}
		}
	}()

	atomic.SwapInt32(&l.state, running)
	return nil
}

// Stop requests the loop to stop and waits for its goroutine to exit.
// Calling Stop() when the loop is not running returns an error.
func (l *Loop) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.state, running, transitioning) {
		l.logger.Error("Stop called when the loop was not in running state", zap.Error(ErrLoopNotRunning))
		return ErrLoopNotRunning
	}

	l.ticker.Stop()
	l.shutdown <- struct{}{}
	atomic.SwapInt32(&l.state, stopped)
	return nil
}

// beat runs one exchange. Exported through tests only.
func (l *Loop) beat(ctx context.Context) {
	outcome := SuccessOutcome

	if l.subs.IsActive(ctx) && l.pusher != nil {
		record := l.subs.Record()
		_, err := l.pusher.SendProfile(ctx, record.Identifier, record.SecretKey, l.profile)
		if err != nil {
			outcome = FailureOutcome
			l.logger.Error("failed pushing site profile", zap.Error(err))
		}
	}

	if l.tokens != nil {
		l.tokens.CronRefresh(ctx)
	}

	if l.measures.Beats != nil {
		l.measures.Beats.With(prometheus.Labels{OutcomeLabel: outcome}).Add(1)
	}
}
