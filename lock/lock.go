// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package lock implements a non-blocking advisory lease lock on top of the
// storage layer's conditional Add. Holders that crash stop mattering once
// their lease TTL lapses, so no janitor process is needed.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/xmidt-org/iris/store"
)

// ErrNotAcquired means another holder owns the lease. Callers are expected
// to degrade rather than wait.
var ErrNotAcquired = errors.New("lock is held by another owner")

const defaultLease = 30 * time.Second

// Lock is a non-blocking advisory lock.
type Lock interface {
	// TryAcquire claims the lock or returns ErrNotAcquired immediately.
	TryAcquire(ctx context.Context) error

	// Release gives the lock up. Releasing a lock owned by someone else is a
	// no-op.
	Release(ctx context.Context) error
}

// storeLock leases a slot in the lock bucket. The random holder token keeps
// a slow process from releasing a lease it already lost.
type storeLock struct {
	store  store.S
	name   string
	lease  time.Duration
	holder string
}

// Option configures a lock.
type Option func(*storeLock)

// WithLease overrides the default 30s lease duration.
func WithLease(lease time.Duration) Option {
	return func(l *storeLock) {
		if lease > 0 {
			l.lease = lease
		}
	}
}

// New creates a lease lock named name, backed by s.
func New(s store.S, name string, opts ...Option) Lock {
	l := &storeLock{
		store:  s,
		name:   name,
		lease:  defaultLease,
		holder: newHolderToken(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *storeLock) TryAcquire(ctx context.Context) error {
	leaseSeconds := int64(l.lease.Seconds())
	err := l.store.Add(ctx, l.key(), store.Item{
		Data: map[string]interface{}{"holder": l.holder},
		TTL:  &leaseSeconds,
	})
	if errors.Is(err, store.ErrItemExists) {
		return ErrNotAcquired
	}
	return err
}

// Release deletes the lease only while it still records this holder's
// token. The conditional delete is atomic in the backend, so a lease that
// expired and was re-acquired by someone else stays theirs.
func (l *storeLock) Release(ctx context.Context) error {
	err := l.store.DeleteIf(ctx, l.key(), map[string]interface{}{"holder": l.holder})
	if errors.Is(err, store.ErrValueNotMatched) {
		return nil
	}
	return err
}

func (l *storeLock) key() store.Key {
	return store.Key{Bucket: store.LockBucket, ID: l.name}
}

func newHolderToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
