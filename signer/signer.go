// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package signer builds and verifies the authenticators carried by legacy
// control-plane requests. The remote service still speaks the original
// HMAC-SHA1 scheme on the agent-api family; newer endpoint families use
// HMAC-SHA256. The scheme is a per-client value, not a type hierarchy.
package signer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/spf13/cast"
	"github.com/xmidt-org/iris/model"
)

// Scheme selects the HMAC algorithm used for authenticator hashes.
type Scheme int

const (
	// SchemeSHA1 is the legacy agent-api scheme. It must match the remote
	// counterpart exactly; it is not a design choice of this package.
	SchemeSHA1 Scheme = iota

	// SchemeSHA256 is used by endpoint families that expect the newer scheme.
	SchemeSHA256
)

// nonceEntropyBytes is the number of random bytes read per nonce before
// base64 encoding.
const nonceEntropyBytes = 55

var (
	// ErrSignatureMismatch means a response authenticator failed
	// verification. Most callers degrade to an empty result instead of
	// surfacing it.
	ErrSignatureMismatch = errors.New("response authenticator failed verification")

	errEntropyExhausted = errors.New("failed reading from entropy source")
)

// Signer produces and checks request authenticators for one scheme.
type Signer struct {
	scheme Scheme

	// entropy is the nonce source. Overridable in tests only.
	entropy io.Reader
}

func New(scheme Scheme) *Signer {
	return &Signer{
		scheme:  scheme,
		entropy: rand.Reader,
	}
}

// Sign builds an authenticator for the given unix-seconds timestamp. If extra
// carries an "identifier" value it is lifted into the authenticator's
// Identifier field and excluded from the hashed material.
func (s *Signer) Sign(secret string, timestamp int64, extra map[string]interface{}) (model.Authenticator, error) {
	nonce, err := s.newNonce()
	if err != nil {
		return model.Authenticator{}, err
	}

	auth := model.Authenticator{
		Time:  timestamp,
		Nonce: nonce,
		Hash:  s.hash(secret, timestamp, nonce),
	}
	if id, ok := extra["identifier"]; ok {
		auth.Identifier = cast.ToString(id)
	}
	return auth, nil
}

// Verify reports whether response is a trustworthy reply to request. The
// response must echo the request's nonce, carry a strictly newer timestamp,
// and hash correctly under the same secret. It never returns an error; any
// mismatch is simply a false.
func (s *Signer) Verify(secret string, request, response model.Authenticator) bool {
	if request.Nonce == "" || request.Nonce != response.Nonce {
		return false
	}
	if request.Time >= response.Time {
		return false
	}
	expected := s.hash(secret, response.Time, response.Nonce)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response.Hash)) == 1
}

func (s *Signer) hash(secret string, timestamp int64, nonce string) string {
	var mac hash.Hash
	switch s.scheme {
	case SchemeSHA256:
		mac = hmac.New(sha256.New, []byte(secret))
	default:
		mac = hmac.New(sha1.New, []byte(secret))
	}
	fmt.Fprintf(mac, "%d:%s", timestamp, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) newNonce() (string, error) {
	raw := make([]byte, nonceEntropyBytes)
	if _, err := io.ReadFull(s.entropy, raw); err != nil {
		return "", fmt.Errorf("%w: %s", errEntropyExhausted, err.Error())
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
