// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package search discovers the search indexes provisioned for a subscription
// and resolves the one matching this deployment's identity. The index list
// is fetched under a cluster-wide advisory lock so concurrent workers never
// stampede the discovery API; a busy lock degrades to unavailable instead of
// waiting.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cast"
	"github.com/xmidt-org/iris/lock"
	"github.com/xmidt-org/iris/model"
	"github.com/xmidt-org/iris/signer"
	"github.com/xmidt-org/iris/store"
	"github.com/xmidt-org/sallust"
	"go.uber.org/zap"
)

const (
	// indexCacheTTLSeconds is how long a successful index list is served
	// from cache.
	indexCacheTTLSeconds = 86400

	// invalidCacheTTLSeconds is the short negative-cache window after an
	// empty or malformed discovery response.
	invalidCacheTTLSeconds = 60

	// requestTimeout bounds every discovery API call.
	requestTimeout = 10 * time.Second

	// LockName is the advisory lock guarding index list fetches.
	LockName = "searchIndexes"
)

var (
	// ErrUnavailable means no index data can be produced right now: the
	// fetch lock is busy, the negative cache is in effect, or the
	// subscription carries no search metadata. Expected and frequent; treat
	// as degrade, not failure.
	ErrUnavailable = errors.New("search indexes are unavailable")

	// ErrNoPreferredIndex means none of the candidate core IDs matched the
	// available set.
	ErrNoPreferredIndex = errors.New("no candidate core ID matched an available index")
)

// subscriptions is the slice of the subscription service the resolver uses.
type subscriptions interface {
	Record() model.SubscriptionRecord
	Get(ctx context.Context, refresh bool) (model.SubscriptionRecord, error)
	IsActive(ctx context.Context) bool
}

// Resolver fetches, caches and matches search indexes.
type Resolver struct {
	client *http.Client
	subs   subscriptions
	store  store.S
	lock   lock.Lock
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Resolver. Discovery calls are signed with the subscription's
// application ID and secret; the credential source re-reads the record per
// request so rotation needs no rebuild.
func New(subs subscriptions, s store.S, l lock.Lock, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = sallust.Default()
	}
	r := &Resolver{
		subs:   subs,
		store:  s,
		lock:   l,
		logger: logger,
		now:    time.Now,
	}
	r.client = &http.Client{
		Timeout: requestTimeout,
		Transport: signer.NewSearchRoundTripper(func() (signer.Credentials, error) {
			record := subs.Record()
			if record.ApplicationID() == "" || record.SecretKey == "" {
				return signer.Credentials{}, errors.New("subscription carries no search credentials")
			}
			return signer.Credentials{
				ApplicationID: record.ApplicationID(),
				Secret:        record.SecretKey,
			}, nil
		}, nil),
	}
	return r
}

// ListIndexes returns the index set available to the subscription. Cached
// data is served without lock or network. On a cache miss the fetch happens
// under the advisory lock; a busy lock means another worker is already
// populating the cache, so the call returns ErrUnavailable immediately.
func (r *Resolver) ListIndexes(ctx context.Context) (model.IndexSet, error) {
	record, err := r.searchableRecord(ctx)
	if err != nil {
		return nil, err
	}

	if set, state := r.cachedIndexes(ctx, record.Identifier); state == cacheValid {
		return set, nil
	} else if state == cacheInvalid {
		return nil, ErrUnavailable
	}

	if err := r.lock.TryAcquire(ctx); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	defer func() {
		if err := r.lock.Release(ctx); err != nil {
			r.logger.Warn("failed releasing index fetch lock", zap.Error(err))
		}
	}()

	set, err := r.fetchIndexes(ctx, record)
	if err != nil || len(set) == 0 {
		if err != nil {
			r.logger.Warn("index list fetch failed", zap.Error(err))
		}
		r.cacheInvalid(ctx, record.Identifier)
		return nil, ErrUnavailable
	}

	r.cacheIndexes(ctx, record.Identifier, set)
	return set, nil
}

// ResolvePreferred picks the index matching this deployment. Candidates are
// tried in caller-supplied order and the first one present in the available
// set wins, regardless of the set's own ordering.
func (r *Resolver) ResolvePreferred(ctx context.Context, possibleCoreIDs []string) (model.SearchIndex, error) {
	set, err := r.ListIndexes(ctx)
	if err != nil {
		return model.SearchIndex{}, err
	}

	for _, candidate := range possibleCoreIDs {
		for coreID, entry := range set {
			if coreID == candidate {
				return entry, nil
			}
		}
	}
	return model.SearchIndex{}, ErrNoPreferredIndex
}

// IndexKey fetches the derived key material for one index.
func (r *Resolver) IndexKey(ctx context.Context, indexName string) (map[string]interface{}, error) {
	record, err := r.searchableRecord(ctx)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v2/index/key?index_name=%s", record.SearchHost(), url.QueryEscape(indexName))
	payload, err := r.getJSON(ctx, u)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// searchableRecord returns an active subscription with search metadata,
// forcing exactly one refresh when the metadata is missing.
func (r *Resolver) searchableRecord(ctx context.Context) (model.SubscriptionRecord, error) {
	if !r.subs.IsActive(ctx) {
		return model.SubscriptionRecord{}, ErrUnavailable
	}

	record := r.subs.Record()
	if len(record.Search()) == 0 {
		refreshed, err := r.subs.Get(ctx, true)
		if err != nil {
			return model.SubscriptionRecord{}, ErrUnavailable
		}
		record = refreshed
	}
	if len(record.Search()) == 0 || record.SearchHost() == "" {
		return model.SubscriptionRecord{}, ErrUnavailable
	}
	return record, nil
}

func (r *Resolver) fetchIndexes(ctx context.Context, record model.SubscriptionRecord) (model.IndexSet, error) {
	u := fmt.Sprintf("%s/v2/indexes?filter[network_id]=%s", record.SearchHost(), url.QueryEscape(record.Identifier))
	payload, err := r.getJSON(ctx, u)
	if err != nil {
		return nil, err
	}

	set := model.IndexSet{}
	for _, raw := range cast.ToSlice(payload["data"]) {
		entry := cast.ToStringMap(raw)
		coreID := cast.ToString(entry["id"])
		if coreID == "" {
			continue
		}
		attributes := cast.ToStringMap(entry["attributes"])
		set[coreID] = model.SearchIndex{
			CoreID:       coreID,
			BalancerHost: cast.ToString(attributes["balancer"]),
			Raw:          attributes,
		}
	}
	return set, nil
}

func (r *Resolver) getJSON(ctx context.Context, u string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("discovery API responded with status %d", resp.StatusCode)
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type cacheState int

const (
	cacheMiss cacheState = iota
	cacheValid
	cacheInvalid
)

func (r *Resolver) cachedIndexes(ctx context.Context, identifier string) (model.IndexSet, cacheState) {
	item, err := r.store.Get(ctx, r.cacheKey(identifier))
	if err != nil {
		if !errors.Is(err, store.ErrItemNotFound) {
			r.logger.Warn("index cache read failed", zap.Error(err))
		}
		return nil, cacheMiss
	}
	if cast.ToBool(item.Data["invalid"]) {
		return nil, cacheInvalid
	}

	set := model.IndexSet{}
	for coreID, raw := range cast.ToStringMap(item.Data["indexes"]) {
		fields := cast.ToStringMap(raw)
		set[coreID] = model.SearchIndex{
			CoreID:       coreID,
			BalancerHost: cast.ToString(fields["balancer"]),
			Raw:          cast.ToStringMap(fields["raw"]),
		}
	}
	return set, cacheValid
}

func (r *Resolver) cacheIndexes(ctx context.Context, identifier string, set model.IndexSet) {
	indexes := map[string]interface{}{}
	for coreID, entry := range set {
		indexes[coreID] = map[string]interface{}{
			"balancer": entry.BalancerHost,
			"raw":      entry.Raw,
		}
	}
	ttl := int64(indexCacheTTLSeconds)
	err := r.store.Push(ctx, r.cacheKey(identifier), store.Item{
		Data: map[string]interface{}{"indexes": indexes},
		TTL:  &ttl,
	})
	if err != nil {
		r.logger.Warn("failed caching index list", zap.Error(err))
	}
}

func (r *Resolver) cacheInvalid(ctx context.Context, identifier string) {
	ttl := int64(invalidCacheTTLSeconds)
	err := r.store.Push(ctx, r.cacheKey(identifier), store.Item{
		Data: map[string]interface{}{"invalid": true},
		TTL:  &ttl,
	})
	if err != nil {
		r.logger.Warn("failed caching invalid index marker", zap.Error(err))
	}
}

func (r *Resolver) cacheKey(identifier string) store.Key {
	return store.Key{Bucket: store.SearchBucket, ID: "indexes." + identifier}
}
