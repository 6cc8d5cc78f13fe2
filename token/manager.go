// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package token manages the client-credentials OAuth token used by the newer
// API surface. The token lives in an expirable store slot whose TTL is the
// token's own lifetime, so absence of the slot is the expiry signal; nothing
// ever mutates a stored token in place.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	jwt "github.com/golang-jwt/jwt"
	"github.com/spf13/cast"
	"github.com/xmidt-org/iris/model"
	"github.com/xmidt-org/iris/store"
	"github.com/xmidt-org/sallust"
	"go.uber.org/zap"
)

const (
	tokenPath = "/api/auth/oauth/token"

	// cronMinIntervalSeconds is the minimum spacing between opportunistic
	// refresh attempts, successful or not.
	cronMinIntervalSeconds = 1800

	// defaultTokenTTLSeconds applies when the provider reports no expires_in
	// and the token carries no exp claim.
	defaultTokenTTLSeconds = 300
)

// Store item IDs.
const (
	tokenID       = "token"
	credentialsID = "credentials"
	refreshID     = "refresh"
)

var (
	// ErrAuthenticationFailed wraps the identity provider's rejection.
	ErrAuthenticationFailed = errors.New("authentication with the identity provider failed")

	errNoStoredCredentials = errors.New("no api key/secret on record")
)

// Config configures a Manager.
type Config struct {
	// IdpHost is the identity provider host, i.e. accounts.example.com.
	IdpHost string `validate:"required,hostname|hostname_port"`

	// HTTPClient refers to the client that will be used to send requests.
	// (Optional) Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger to be used by the manager.
	// (Optional). By default a no op logger will be used.
	Logger *zap.Logger
}

// Manager owns the OAuth token lifecycle.
type Manager struct {
	client  *http.Client
	idpHost string
	store   store.S
	logger  *zap.Logger
	now     func() time.Time

	// cronMu keeps concurrent CronRefresh calls from racing on the
	// last-run marker inside one process.
	cronMu sync.Mutex
}

var validate = validator.New()

func NewManager(config Config, s store.S) (*Manager, error) {
	if err := validate.Struct(&config); err != nil {
		return nil, err
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Logger == nil {
		config.Logger = sallust.Default()
	}
	return &Manager{
		client:  config.HTTPClient,
		idpHost: config.IdpHost,
		store:   s,
		logger:  config.Logger,
		now:     time.Now,
	}, nil
}

// Authenticate exchanges the api key/secret for a bearer token. On success
// the token is stored with TTL equal to its lifetime and the credentials are
// persisted for later re-authentication. On failure storage is untouched.
func (m *Manager) Authenticate(ctx context.Context, apiKey, apiSecret string) (model.OAuthToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", apiKey)
	form.Set("client_secret", apiSecret)

	r, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("https://%s%s", m.idpHost, tokenPath), strings.NewReader(form.Encode()))
	if err != nil {
		return model.OAuthToken{}, err
	}
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(r)
	if err != nil {
		return model.OAuthToken{}, fmt.Errorf("%w: %s", ErrAuthenticationFailed, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var remote struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&remote)
		message := remote.Message
		if message == "" {
			message = remote.Error
		}
		return model.OAuthToken{}, fmt.Errorf("%w: status %d: %s", ErrAuthenticationFailed, resp.StatusCode, message)
	}

	var token model.OAuthToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return model.OAuthToken{}, fmt.Errorf("%w: %s", ErrAuthenticationFailed, err.Error())
	}

	ttl := m.tokenTTL(token)
	err = m.store.Push(ctx, m.key(tokenID), store.Item{
		Data: map[string]interface{}{
			"access_token": token.AccessToken,
			"token_type":   token.TokenType,
			"expires_in":   token.ExpiresIn,
		},
		TTL: &ttl,
	})
	if err != nil {
		m.logger.Warn("failed storing oauth token", zap.Error(err))
	}

	err = m.store.Push(ctx, m.key(credentialsID), store.Item{
		Data: map[string]interface{}{
			"key":    apiKey,
			"secret": apiSecret,
		},
	})
	if err != nil {
		m.logger.Warn("failed persisting oauth credentials", zap.Error(err))
	}
	return token, nil
}

// GetToken returns the current token, re-authenticating once with the
// persisted credentials when the stored one has expired. It returns nil when
// no valid token can be produced; it never returns an error.
func (m *Manager) GetToken(ctx context.Context) *model.OAuthToken {
	if token := m.storedToken(ctx); token != nil {
		return token
	}

	if err := m.reauthenticate(ctx); err != nil {
		m.logger.Debug("oauth re-authentication failed", zap.Error(err))
		return nil
	}
	return m.storedToken(ctx)
}

// CronRefresh opportunistically keeps the token warm. At most one attempt
// per rate-limit window; the last-run marker is recorded whether or not the
// attempt succeeds so failures cannot turn into tight retry loops.
func (m *Manager) CronRefresh(ctx context.Context) {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	item, err := m.store.Get(ctx, m.key(refreshID))
	if err == nil {
		last := cast.ToInt64(item.Data["timestamp"])
		if m.now().Unix()-last < cronMinIntervalSeconds {
			return
		}
	}

	m.GetToken(ctx)

	err = m.store.Push(ctx, m.key(refreshID), store.Item{
		Data: map[string]interface{}{"timestamp": m.now().Unix()},
	})
	if err != nil {
		m.logger.Warn("failed recording oauth refresh timestamp", zap.Error(err))
	}
}

// ResetCredentials clears the token, the persisted key/secret, and the
// refresh marker. Subsequent GetToken calls return nil until Authenticate is
// called again.
func (m *Manager) ResetCredentials(ctx context.Context) {
	for _, id := range []string{tokenID, credentialsID, refreshID} {
		if _, err := m.store.Delete(ctx, m.key(id)); err != nil && !errors.Is(err, store.ErrItemNotFound) {
			m.logger.Warn("failed clearing oauth state", zap.String("id", id), zap.Error(err))
		}
	}
}

// Acquire satisfies bascule's acquire.Acquirer so outbound clients can
// attach the bearer header. An absent token yields an empty header, which
// AddAuth treats as no auth.
func (m *Manager) Acquire() (string, error) {
	token := m.GetToken(context.Background())
	if token == nil || token.AccessToken == "" {
		return "", nil
	}
	return "Bearer " + token.AccessToken, nil
}

func (m *Manager) storedToken(ctx context.Context) *model.OAuthToken {
	item, err := m.store.Get(ctx, m.key(tokenID))
	if err != nil {
		if !errors.Is(err, store.ErrItemNotFound) {
			m.logger.Warn("oauth store read failed", zap.Error(err))
		}
		return nil
	}
	return &model.OAuthToken{
		AccessToken: cast.ToString(item.Data["access_token"]),
		TokenType:   cast.ToString(item.Data["token_type"]),
		ExpiresIn:   cast.ToInt64(item.Data["expires_in"]),
	}
}

func (m *Manager) reauthenticate(ctx context.Context) error {
	item, err := m.store.Get(ctx, m.key(credentialsID))
	if err != nil {
		return errNoStoredCredentials
	}
	_, err = m.Authenticate(ctx, cast.ToString(item.Data["key"]), cast.ToString(item.Data["secret"]))
	return err
}

// tokenTTL picks the storage TTL: the provider's expires_in when present,
// otherwise the token's own unverified exp claim, otherwise a short default.
func (m *Manager) tokenTTL(token model.OAuthToken) int64 {
	if token.ExpiresIn > 0 {
		return token.ExpiresIn
	}

	claims := jwt.MapClaims{}
	parser := jwt.Parser{}
	if _, _, err := parser.ParseUnverified(token.AccessToken, claims); err == nil {
		if exp := cast.ToInt64(claims["exp"]); exp > 0 {
			if remaining := exp - m.now().Unix(); remaining > 0 {
				return remaining
			}
		}
	}
	return defaultTokenTTLSeconds
}

func (m *Manager) key(id string) store.Key {
	return store.Key{Bucket: store.OAuthBucket, ID: id}
}
