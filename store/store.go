// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package store defines the TTL-aware key-value storage shared by every
// connector component. All writes are whole-value replaces; readers never
// observe a partially updated entry.
package store

import "context"

const (
	// TypeLabel is for labeling metrics; if there is a single metric for
	// successful queries, the TypeLabel and corresponding type can be used
	// when incrementing the metric.
	TypeLabel  = "type"
	InsertType = "insert"
	DeleteType = "delete"
	ReadType   = "read"
	PingType   = "ping"
)

// Buckets used by the connector. Deployments share one table/keyspace; the
// bucket is the partitioning attribute.
const (
	SubscriptionBucket = "subscription"
	OAuthBucket        = "oauth"
	SearchBucket       = "search"
	StateBucket        = "state"
	LockBucket         = "locks"
)

// Key locates an item in storage.
type Key struct {
	// Bucket is a collection of items.
	Bucket string `json:"bucket"`

	// ID is the unique ID for an item in a bucket.
	ID string `json:"id"`
}

// Item is the stored value.
type Item struct {
	// Data is an abstract json object.
	Data map[string]interface{} `json:"data"`

	// TTL is the time to live in seconds. Nil means the item does not expire
	// until it is deleted or replaced.
	TTL *int64 `json:"ttl,omitempty"`
}

// S is the storage contract every backend satisfies. Expired items behave as
// if they were never written: reads return KeyNotFoundError and Add treats
// the slot as free.
type S interface {
	// Push stores the item, replacing any previous value.
	Push(ctx context.Context, key Key, item Item) error

	// Get returns the unexpired item at key, or KeyNotFoundError.
	Get(ctx context.Context, key Key) (Item, error)

	// Delete removes and returns the item at key, or KeyNotFoundError.
	Delete(ctx context.Context, key Key) (Item, error)

	// Add stores the item only if no unexpired value exists at key,
	// returning KeyExistsError otherwise. This is the primitive advisory
	// lease locks are built on.
	Add(ctx context.Context, key Key, item Item) error

	// DeleteIf removes the item only when an unexpired value exists at key
	// and its data equals expected, returning ValueNotMatchedError otherwise.
	// The comparison and removal are atomic within the backend, which is how
	// a lease holder releases without clobbering a successor's lock.
	DeleteIf(ctx context.Context, key Key, expected map[string]interface{}) error
}
