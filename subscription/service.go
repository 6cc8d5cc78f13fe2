// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package subscription serves subscription state with bounded staleness. It
// layers a process-local record over the shared TTL store; both layers are
// replaced wholesale on refresh and invalidated together on delete.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/xmidt-org/iris/model"
	"github.com/xmidt-org/iris/store"
	"github.com/xmidt-org/sallust"
	"go.uber.org/zap"
)

const (
	// staleAfterSeconds is the record age that forces a live heartbeat-less
	// refresh during an active check.
	staleAfterSeconds = 86400

	// activeCheckTTLSeconds is the store TTL applied when the active-check
	// path re-caches a forced refresh.
	activeCheckTTLSeconds = 3600

	// defaultTTLSeconds is the store TTL for explicit refreshes.
	defaultTTLSeconds = 86400
)

// Store item IDs.
const (
	subscriptionDataID = "data"
	credentialsID      = "credentials"
	siteProfileID      = "site"
)

// ErrNoCredentials is returned by Get when no identifier/secret has been
// configured. Absence of credentials is a normal state, not a failure; most
// callers only look at the record's Active flag.
var ErrNoCredentials = errors.New("no subscription credentials configured")

// transport is the slice of the connector client this service uses.
type transport interface {
	GetSubscription(ctx context.Context, identifier, secret string, flags map[string]interface{}) (map[string]interface{}, error)
}

// Service is the subscription cache.
type Service struct {
	client transport
	store  store.S
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	record     model.SubscriptionRecord
	identifier string
	secret     string
}

// New creates a Service. Previously persisted credentials, if any, are
// loaded from the store so a restart does not lose the configuration.
func New(ctx context.Context, client transport, s store.S, logger *zap.Logger) *Service {
	if logger == nil {
		logger = sallust.Default()
	}
	svc := &Service{
		client: client,
		store:  s,
		logger: logger,
		now:    time.Now,
	}
	item, err := s.Get(ctx, store.Key{Bucket: store.StateBucket, ID: credentialsID})
	if err == nil {
		svc.identifier = cast.ToString(item.Data["identifier"])
		svc.secret = cast.ToString(item.Data["secret"])
	}
	return svc
}

// SetCredentials persists the identifier/secret pair and arms the service.
func (s *Service) SetCredentials(ctx context.Context, identifier, secret string) error {
	s.mu.Lock()
	s.identifier = identifier
	s.secret = secret
	s.mu.Unlock()

	return s.store.Push(ctx, store.Key{Bucket: store.StateBucket, ID: credentialsID}, store.Item{
		Data: map[string]interface{}{
			"identifier": identifier,
			"secret":     secret,
		},
	})
}

// Credentials returns the configured identifier/secret pair.
func (s *Service) Credentials() (identifier, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identifier, s.secret
}

// Get returns the subscription record. Without refresh, an unexpired store
// entry is served verbatim with no network call. With refresh, or on a store
// miss, the control plane is consulted and both cache layers replaced. A
// remote failure leaves the cache untouched and is returned to the caller.
func (s *Service) Get(ctx context.Context, refresh bool) (model.SubscriptionRecord, error) {
	identifier, secret := s.Credentials()
	if identifier == "" || secret == "" {
		// a stale cache entry from a previous configuration must not outlive
		// the credentials that produced it
		s.invalidate(ctx)
		return model.SubscriptionRecord{}, ErrNoCredentials
	}

	if !refresh {
		if record, ok := s.cachedRecord(ctx); ok {
			s.setRecord(record)
			return record, nil
		}
	}

	return s.refresh(ctx, nil, defaultTTLSeconds)
}

// IsActive reports whether the subscription is active, refreshing stale data
// along the way. Remote failures during the forced refresh are swallowed and
// the last known answer is returned.
func (s *Service) IsActive(ctx context.Context) bool {
	identifier, secret := s.Credentials()
	if identifier == "" || secret == "" {
		return false
	}

	if record, ok := s.cachedRecord(ctx); ok {
		s.setRecord(record)
		return record.Active
	}

	record, err := s.Get(ctx, false)
	if err != nil {
		s.logger.Debug("subscription read failed during active check", zap.Error(err))
	}

	if record.Timestamp == 0 || s.now().Unix()-record.Timestamp > staleAfterSeconds {
		refreshed, err := s.refresh(ctx, map[string]interface{}{"no_heartbeat": 1}, activeCheckTTLSeconds)
		if err != nil {
			s.logger.Warn("forced subscription refresh failed, keeping last known state", zap.Error(err))
		} else {
			record = refreshed
		}
	}

	return record.Active
}

// Delete drops the subscription state: the store entry, the in-process
// record, the derived site profile, and the persisted credentials. The next
// Get short-circuits to ErrNoCredentials until credentials are supplied
// again.
func (s *Service) Delete(ctx context.Context) {
	s.mu.Lock()
	s.identifier = ""
	s.secret = ""
	s.record = model.SubscriptionRecord{}
	s.mu.Unlock()

	s.invalidate(ctx)
	s.store.Delete(ctx, store.Key{Bucket: store.StateBucket, ID: credentialsID})
	s.store.Delete(ctx, store.Key{Bucket: store.StateBucket, ID: siteProfileID})
}

// Record returns the in-process copy without touching store or network.
func (s *Service) Record() model.SubscriptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

func (s *Service) refresh(ctx context.Context, flags map[string]interface{}, ttlSeconds int64) (model.SubscriptionRecord, error) {
	identifier, secret := s.Credentials()
	payload, err := s.client.GetSubscription(ctx, identifier, secret, flags)
	if err != nil {
		return s.Record(), err
	}
	if payload == nil {
		// the reply could not be verified; degrade for this caller but keep
		// both cache layers as they are
		s.logger.Warn("discarding unverifiable subscription reply", zap.String("identifier", identifier))
		return model.SubscriptionRecord{}, nil
	}

	record := model.SubscriptionRecord{
		Identifier: identifier,
		SecretKey:  secret,
		Active:     cast.ToBool(payload["active"]),
		Raw:        payload,
		Timestamp:  s.now().Unix(),
	}
	s.setRecord(record)

	err = s.store.Push(ctx, s.dataKey(), store.Item{
		Data: map[string]interface{}{
			"identifier": record.Identifier,
			"active":     record.Active,
			"raw":        record.Raw,
			"timestamp":  record.Timestamp,
		},
		TTL: &ttlSeconds,
	})
	if err != nil {
		s.logger.Warn("failed caching subscription record", zap.Error(err))
	}
	return record, nil
}

// cachedRecord reads the store layer. ok is false on miss or expiry.
func (s *Service) cachedRecord(ctx context.Context) (model.SubscriptionRecord, bool) {
	item, err := s.store.Get(ctx, s.dataKey())
	if err != nil {
		if !errors.Is(err, store.ErrItemNotFound) {
			s.logger.Warn("subscription store read failed", zap.Error(err))
		}
		return model.SubscriptionRecord{}, false
	}
	_, secret := s.Credentials()
	return model.SubscriptionRecord{
		Identifier: cast.ToString(item.Data["identifier"]),
		SecretKey:  secret,
		Active:     cast.ToBool(item.Data["active"]),
		Raw:        cast.ToStringMap(item.Data["raw"]),
		Timestamp:  cast.ToInt64(item.Data["timestamp"]),
	}, true
}

func (s *Service) invalidate(ctx context.Context) {
	_, err := s.store.Delete(ctx, s.dataKey())
	if err != nil && !errors.Is(err, store.ErrItemNotFound) {
		s.logger.Warn("failed clearing cached subscription record", zap.Error(err))
	}
}

func (s *Service) setRecord(record model.SubscriptionRecord) {
	s.mu.Lock()
	s.record = record
	s.mu.Unlock()
}

func (s *Service) dataKey() store.Key {
	return store.Key{Bucket: store.SubscriptionBucket, ID: subscriptionDataID}
}
