// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// TimestampHeader carries the unix-seconds timestamp the request signature
// was computed over.
const TimestampHeader = "X-Authorization-Timestamp"

var ErrNoSigningCredentials = errors.New("no credentials available to sign the request")

// Credentials key a search discovery API request signature.
type Credentials struct {
	ApplicationID string
	Secret        string
}

// CredentialSource supplies signing credentials per request, so a client can
// follow credential rotation without being rebuilt.
type CredentialSource func() (Credentials, error)

// searchRoundTripper signs outgoing search discovery API requests with
// HMAC-SHA256 over (method, host, request URI, timestamp).
type searchRoundTripper struct {
	next  http.RoundTripper
	creds CredentialSource
	now   func() time.Time
}

// NewSearchRoundTripper decorates next so every request carries the
// X-Authorization-Timestamp header and an HMAC-SHA256 Authorization header
// keyed by the supplied credentials.
func NewSearchRoundTripper(creds CredentialSource, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &searchRoundTripper{
		next:  next,
		creds: creds,
		now:   time.Now,
	}
}

func (rt *searchRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	creds, err := rt.creds()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSigningCredentials, err.Error())
	}

	timestamp := strconv.FormatInt(rt.now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(creds.Secret))
	fmt.Fprintf(mac, "%s\n%s\n%s\n%s", req.Method, req.URL.Host, req.URL.RequestURI(), timestamp)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	signed := req.Clone(req.Context())
	signed.Header.Set(TimestampHeader, timestamp)
	signed.Header.Set("Authorization", fmt.Sprintf("HMAC %s:%s", creds.ApplicationID, signature))
	return rt.next.RoundTrip(signed)
}
