// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xmidt-org/iris/model"
)

// constReader hands out an endless stream of one byte value, making nonces
// deterministic in tests.
type constReader byte

func (r constReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}
	return len(p), nil
}

func TestSign(t *testing.T) {
	tcs := []struct {
		Description        string
		Scheme             Scheme
		Extra              map[string]interface{}
		ExpectedIdentifier string
	}{
		{
			Description: "Legacy scheme, no extras",
			Scheme:      SchemeSHA1,
		},
		{
			Description:        "Identifier lifted out of extras",
			Scheme:             SchemeSHA1,
			Extra:              map[string]interface{}{"identifier": "SUB-1"},
			ExpectedIdentifier: "SUB-1",
		},
		{
			Description: "SHA256 scheme",
			Scheme:      SchemeSHA256,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.Description, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			s := New(tc.Scheme)

			auth, err := s.Sign("secret", 1600000000, tc.Extra)
			require.NoError(err)

			assert.Equal(int64(1600000000), auth.Time)
			assert.Equal(tc.ExpectedIdentifier, auth.Identifier)

			raw, err := base64.StdEncoding.DecodeString(auth.Nonce)
			require.NoError(err)
			assert.GreaterOrEqual(len(raw), nonceEntropyBytes)

			assert.Equal(s.hash("secret", auth.Time, auth.Nonce), auth.Hash)
		})
	}
}

func TestIdentifierExcludedFromHash(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := New(SchemeSHA1)
	s.entropy = constReader('x')

	plain, err := s.Sign("secret", 42, nil)
	require.NoError(err)
	tagged, err := s.Sign("secret", 42, map[string]interface{}{"identifier": "SUB-1"})
	require.NoError(err)

	assert.Equal(plain.Nonce, tagged.Nonce)
	assert.Equal(plain.Hash, tagged.Hash)
}

func TestSchemesDiffer(t *testing.T) {
	assert := assert.New(t)

	legacy := New(SchemeSHA1)
	modern := New(SchemeSHA256)
	assert.NotEqual(legacy.hash("secret", 42, "nonce"), modern.hash("secret", 42, "nonce"))
}

func TestVerify(t *testing.T) {
	s := New(SchemeSHA1)

	request, err := s.Sign("secret", 1600000000, nil)
	require.NoError(t, err)

	// What a well-behaved remote produces: same nonce, newer time.
	reply := func(at int64, nonce string) model.Authenticator {
		return model.Authenticator{
			Time:  at,
			Nonce: nonce,
			Hash:  s.hash("secret", at, nonce),
		}
	}

	tcs := []struct {
		Description string
		Response    model.Authenticator
		Expected    bool
	}{
		{
			Description: "Valid response",
			Response:    reply(1600000005, request.Nonce),
			Expected:    true,
		},
		{
			Description: "Nonce mismatch",
			Response:    reply(1600000005, "other-nonce"),
			Expected:    false,
		},
		{
			Description: "Response not newer",
			Response:    reply(1600000000, request.Nonce),
			Expected:    false,
		},
		{
			Description: "Response older",
			Response:    reply(1599999999, request.Nonce),
			Expected:    false,
		},
		{
			Description: "Bad hash",
			Response: model.Authenticator{
				Time:  1600000005,
				Nonce: request.Nonce,
				Hash:  "deadbeef",
			},
			Expected: false,
		},
		{
			Description: "Hash under a different key",
			Response: model.Authenticator{
				Time:  1600000005,
				Nonce: request.Nonce,
				Hash:  New(SchemeSHA1).hash("other-secret", 1600000005, request.Nonce),
			},
			Expected: false,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.Description, func(t *testing.T) {
			assert.Equal(t, tc.Expected, s.Verify("secret", request, tc.Response))
		})
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := New(SchemeSHA1)

	captured, err := s.Sign("secret", 1600000000, nil)
	require.NoError(err)
	capturedResponse := model.Authenticator{
		Time:  1600000010,
		Nonce: captured.Nonce,
		Hash:  s.hash("secret", 1600000010, captured.Nonce),
	}
	require.True(s.Verify("secret", captured, capturedResponse))

	// A fresh request gets a fresh nonce; the captured response must not
	// satisfy it.
	fresh, err := s.Sign("secret", 1600000020, nil)
	require.NoError(err)
	assert.NotEqual(captured.Nonce, fresh.Nonce)
	assert.False(s.Verify("secret", fresh, capturedResponse))
}
