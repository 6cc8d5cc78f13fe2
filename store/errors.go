// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/xmidt-org/httpaux/erraux"
)

var (
	ErrItemNotFound    = errors.New("item at resource path not found")
	ErrItemExists      = errors.New("item already exists at resource path")
	ErrValueNotMatched = errors.New("item value did not match")
)

var errDefaultDatastoreFailure = erraux.Error{
	Err:  errors.New("datastore operation failed"),
	Code: http.StatusInternalServerError,
}

// KeyNotFoundError is returned when there is no unexpired item at the
// requested key.
type KeyNotFoundError struct {
	Key Key
}

func (e KeyNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s/%s", ErrItemNotFound.Error(), e.Key.Bucket, e.Key.ID)
}

func (e KeyNotFoundError) Unwrap() error {
	return ErrItemNotFound
}

// KeyExistsError is returned by Add when an unexpired item already occupies
// the key.
type KeyExistsError struct {
	Key Key
}

func (e KeyExistsError) Error() string {
	return fmt.Sprintf("%s: %s/%s", ErrItemExists.Error(), e.Key.Bucket, e.Key.ID)
}

func (e KeyExistsError) Unwrap() error {
	return ErrItemExists
}

// ValueNotMatchedError is returned by DeleteIf when the item is absent,
// expired, or holds data other than the expected value. Nothing was deleted.
type ValueNotMatchedError struct {
	Key Key
}

func (e ValueNotMatchedError) Error() string {
	return fmt.Sprintf("%s: %s/%s", ErrValueNotMatched.Error(), e.Key.Bucket, e.Key.ID)
}

func (e ValueNotMatchedError) Unwrap() error {
	return ErrValueNotMatched
}

// SanitizedError pairs the raw backend error with a stable, safe-to-surface
// one. Error() exposes only the sanitized message.
type SanitizedError struct {
	Err     error
	ErrHTTP erraux.Error
}

func (s SanitizedError) Error() string {
	return s.ErrHTTP.Error()
}

func (s SanitizedError) Unwrap() error {
	return s.Err
}

func (s SanitizedError) StatusCode() int {
	return s.ErrHTTP.StatusCode()
}

// Sanitize wraps backend failures so callers see one stable error shape.
// Typed not-found/exists errors pass through untouched.
func Sanitize(err error) error {
	if err == nil {
		return nil
	}
	var notFound KeyNotFoundError
	var exists KeyExistsError
	var notMatched ValueNotMatchedError
	if errors.As(err, &notFound) || errors.As(err, &exists) || errors.As(err, &notMatched) {
		return err
	}
	return SanitizedError{Err: err, ErrHTTP: errDefaultDatastoreFailure}
}
