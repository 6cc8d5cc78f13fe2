// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/spf13/cast"
)

// Authenticator is the signed proof-of-possession of a shared secret that is
// attached to every legacy control-plane request and echoed back in responses.
// It is built per call and never persisted.
type Authenticator struct {
	// Identifier is the subscription identifier, when the endpoint wants it
	// alongside the signature. It is never part of the hashed material.
	Identifier string `json:"identifier,omitempty"`

	// Time is the unix-seconds timestamp the hash was computed over.
	Time int64 `json:"time"`

	// Nonce is a single-use random value, base64 encoded.
	Nonce string `json:"nonce"`

	// Hash is the HMAC over "{time}:{nonce}", hex encoded.
	Hash string `json:"hash"`
}

// SignedEnvelope wraps a request body for transmission to the control plane.
type SignedEnvelope struct {
	Authenticator Authenticator          `json:"authenticator"`
	IP            string                 `json:"ip"`
	Host          string                 `json:"host"`
	SSL           bool                   `json:"ssl"`
	Body          map[string]interface{} `json:"body"`
}

// SubscriptionRecord is the last-known subscription state. It is owned by the
// subscription service and replaced wholesale on every successful refresh;
// readers never observe a partially updated record.
type SubscriptionRecord struct {
	Identifier string                 `json:"identifier"`
	SecretKey  string                 `json:"-"`
	Active     bool                   `json:"active"`
	Raw        map[string]interface{} `json:"raw,omitempty"`

	// Timestamp is when the record was fetched, unix seconds.
	Timestamp int64 `json:"timestamp"`
}

// Search returns the search service metadata block of the subscription, or
// nil when the subscription carries none.
func (s SubscriptionRecord) Search() map[string]interface{} {
	raw, ok := s.Raw["acquia_search"]
	if !ok {
		return nil
	}
	return cast.ToStringMap(raw)
}

// SearchHost returns the search discovery API host granted to this
// subscription, or the empty string.
func (s SubscriptionRecord) SearchHost() string {
	return cast.ToString(s.Search()["api_host"])
}

// ApplicationID returns the application uuid used to key search API request
// signatures.
func (s SubscriptionRecord) ApplicationID() string {
	return cast.ToString(s.Raw["uuid"])
}

// OAuthToken is the decoded payload of a client-credentials grant.
type OAuthToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`

	// ExpiresIn is the token lifetime in seconds as reported by the identity
	// provider. Expiry is enforced by the store the token is saved in, not by
	// mutating this field.
	ExpiresIn int64 `json:"expires_in"`
}

// SearchIndex is one provisioned search backend available to a subscription.
type SearchIndex struct {
	CoreID       string                 `json:"core_id"`
	BalancerHost string                 `json:"balancer"`
	Raw          map[string]interface{} `json:"raw,omitempty"`
}

// IndexSet is the full collection of search indexes for a subscription,
// keyed by core ID. It is rebuilt wholesale on every successful fetch.
type IndexSet map[string]SearchIndex
