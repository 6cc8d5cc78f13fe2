// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package inmem provides the process-local storage backend. It serves
// single-node deployments and tests; multi-process deployments should use
// the dynamodb or cassandra backends so state survives across workers.
package inmem

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/xmidt-org/iris/store"
)

type expireableItem struct {
	store.Item
	expiration *time.Time
}

type InMem struct {
	data map[string]map[string]expireableItem
	lock sync.Mutex
	now  func() time.Time
}

func NewInMem() *InMem {
	return NewInMemWithClock(time.Now)
}

// NewInMemWithClock lets tests control expiry.
func NewInMemWithClock(now func() time.Time) *InMem {
	return &InMem{
		data: map[string]map[string]expireableItem{},
		now:  now,
	}
}

func (i *InMem) Push(_ context.Context, key store.Key, item store.Item) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	i.put(key, item)
	return nil
}

func (i *InMem) Add(_ context.Context, key store.Key, item store.Item) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	if bucket, ok := i.data[key.Bucket]; ok {
		if existing, ok := bucket[key.ID]; ok && !i.hasExpired(&existing, bucket, key.Bucket, key.ID) {
			return store.KeyExistsError{Key: key}
		}
	}
	i.put(key, item)
	return nil
}

func (i *InMem) Get(_ context.Context, key store.Key) (store.Item, error) {
	i.lock.Lock()
	defer i.lock.Unlock()
	bucket, ok := i.data[key.Bucket]
	if !ok {
		return store.Item{}, store.KeyNotFoundError{Key: key}
	}
	item, ok := bucket[key.ID]
	if !ok {
		return store.Item{}, store.KeyNotFoundError{Key: key}
	}
	if i.hasExpired(&item, bucket, key.Bucket, key.ID) {
		return store.Item{}, store.KeyNotFoundError{Key: key}
	}
	return item.Item, nil
}

func (i *InMem) Delete(_ context.Context, key store.Key) (store.Item, error) {
	i.lock.Lock()
	defer i.lock.Unlock()
	bucket := i.data[key.Bucket]
	if bucket == nil {
		return store.Item{}, store.KeyNotFoundError{Key: key}
	}
	item, ok := bucket[key.ID]
	if !ok {
		return store.Item{}, store.KeyNotFoundError{Key: key}
	}
	if i.hasExpired(&item, bucket, key.Bucket, key.ID) {
		return store.Item{}, store.KeyNotFoundError{Key: key}
	}
	i.deleteItem(key.Bucket, key.ID, bucket)
	return item.Item, nil
}

func (i *InMem) DeleteIf(_ context.Context, key store.Key, expected map[string]interface{}) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	bucket := i.data[key.Bucket]
	if bucket == nil {
		return store.ValueNotMatchedError{Key: key}
	}
	item, ok := bucket[key.ID]
	if !ok || i.hasExpired(&item, bucket, key.Bucket, key.ID) {
		return store.ValueNotMatchedError{Key: key}
	}
	if !reflect.DeepEqual(item.Data, expected) {
		return store.ValueNotMatchedError{Key: key}
	}
	i.deleteItem(key.Bucket, key.ID, bucket)
	return nil
}

func (i *InMem) put(key store.Key, item store.Item) {
	if i.data[key.Bucket] == nil {
		i.data[key.Bucket] = map[string]expireableItem{}
	}
	storingItem := expireableItem{Item: item}
	if item.TTL != nil {
		expiration := i.now().Add(time.Second * time.Duration(*item.TTL))
		storingItem.expiration = &expiration
	}
	i.data[key.Bucket][key.ID] = storingItem
}

// hasExpired returns true if the given item has expired and false otherwise.
// For an unexpired item with an expiration date, the current TTL is updated.
// Note: expired items are automatically removed from the internal map.
func (i *InMem) hasExpired(item *expireableItem, bucket map[string]expireableItem, bucketName, id string) bool {
	if item.expiration == nil {
		return false
	}
	secondsBeforeExpiry := int64(item.expiration.Sub(i.now()).Seconds())
	if secondsBeforeExpiry <= 0 {
		i.deleteItem(bucketName, id, bucket)
		return true
	}
	item.TTL = &secondsBeforeExpiry
	return false
}

func (i *InMem) deleteItem(bucketName, itemID string, bucket map[string]expireableItem) {
	delete(bucket, itemID)
	if len(bucket) == 0 {
		delete(i.data, bucketName)
	}
}
