// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package connector implements the signed transport client for the legacy
// control-plane API. Every call wraps its body in a SignedEnvelope, and the
// endpoints that return sensitive data echo the request authenticator so the
// caller can verify the reply before trusting it.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cast"
	"github.com/xmidt-org/bascule/acquire"
	"github.com/xmidt-org/iris/model"
	"github.com/xmidt-org/iris/signer"
	"github.com/xmidt-org/sallust"
	"go.uber.org/zap"
)

// rpcVersion tags every request body so the remote side can dispatch on
// protocol revision. Fixed by the wire protocol.
const rpcVersion = "3.0"

// Control-plane endpoint paths.
const (
	subscriptionPath  = "/agent-api/subscription"
	communicationPath = "/agent-api/subscription/communication"
	credentialsPath   = "/agent-api/subscription/credentials"
	profilePath       = "/spi-api/site"
)

const (
	errWrappedFmt = "%w: %s"
)

var (
	ErrAuthAcquirerFailure = errors.New("failed acquiring auth token")

	errNewRequestFailure = errors.New("failed creating an HTTP request")
	errJSONMarshal       = errors.New("failed marshaling envelope as JSON payload")
)

// RemoteError is the one error kind the control plane produces. Both
// structured remote failures and transport-level failures are normalized
// into it so upstream code has a single thing to handle.
type RemoteError struct {
	// Message is the remote-supplied error message, or the transport
	// failure's message.
	Message string

	// Code is the HTTP status, or zero for transport failures.
	Code int

	// Payload is the full decoded response body, kept for diagnostics.
	Payload map[string]interface{}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote call failed with code %d: %s", e.Code, e.Message)
}

// Result is one decoded control-plane response.
type Result struct {
	// Code is the HTTP status code.
	Code int

	// Body is the decoded JSON payload. Populated regardless of status when
	// the body parses.
	Body map[string]interface{}
}

// Authenticator returns the response authenticator echoed inside the body,
// when present.
func (r Result) Authenticator() model.Authenticator {
	raw, ok := r.Body["authenticator"]
	if !ok {
		return model.Authenticator{}
	}
	fields := cast.ToStringMap(raw)
	return model.Authenticator{
		Identifier: cast.ToString(fields["identifier"]),
		Time:       cast.ToInt64(fields["time"]),
		Nonce:      cast.ToString(fields["nonce"]),
		Hash:       cast.ToString(fields["hash"]),
	}
}

// ClientConfig contains config data for the control-plane client.
type ClientConfig struct {
	// Address is the control-plane URL (i.e. https://example-cp.io).
	Address string `validate:"required,url"`

	// ClientIP, ClientHost and SSL describe this deployment and are embedded
	// in every envelope.
	ClientIP   string
	ClientHost string `validate:"required"`
	SSL        bool

	// HTTPClient refers to the client that will be used to send requests.
	// (Optional) Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Auth optionally attaches bearer headers to outgoing requests, for
	// deployments that have moved to the OAuth path.
	Auth acquire.Acquirer

	// StrictVerify surfaces response verification failures as errors instead
	// of degrading to an empty result. Admin-facing callers set this.
	StrictVerify bool

	// Logger to be used by the client.
	// (Optional). By default a no op logger will be used.
	Logger *zap.Logger
}

// Client is the signed control-plane client.
type Client struct {
	client       *http.Client
	auth         acquire.Acquirer
	baseURL      string
	clientIP     string
	clientHost   string
	ssl          bool
	strictVerify bool
	signer       *signer.Signer
	logger       *zap.Logger
	getLogger    func(context.Context) *zap.Logger
	measures     Measures
	now          func() time.Time
}

var validate = validator.New()

// NewClient creates a Client from config. Requests are signed with the
// legacy HMAC-SHA1 scheme the agent-api family expects.
func NewClient(config ClientConfig, measures Measures, getLogger func(context.Context) *zap.Logger) (*Client, error) {
	err := validateClientConfig(&config)
	if err != nil {
		return nil, err
	}
	if getLogger == nil {
		getLogger = sallust.Get
	}

	return &Client{
		client:       config.HTTPClient,
		auth:         config.Auth,
		baseURL:      config.Address,
		clientIP:     config.ClientIP,
		clientHost:   config.ClientHost,
		ssl:          config.SSL,
		strictVerify: config.StrictVerify,
		signer:       signer.New(signer.SchemeSHA1),
		logger:       config.Logger,
		getLogger:    getLogger,
		measures:     measures,
		now:          time.Now,
	}, nil
}

// Call performs one signed request and normalizes the outcome. The body is
// wrapped in a SignedEnvelope; when secret is empty the envelope carries an
// unkeyed authenticator, which pre-auth endpoints accept. The response JSON
// is parsed regardless of status; non-2xx responses and transport failures
// both come back as a RemoteError.
func (c *Client) Call(ctx context.Context, method, path string, body map[string]interface{}, secret string) (Result, error) {
	result, _, err := c.call(ctx, method, path, body, secret)
	return result, err
}

// CallSigned performs a signed POST and also returns the request's own
// authenticator so the caller can verify the echoed response authenticator
// before trusting the body.
func (c *Client) CallSigned(ctx context.Context, path string, body map[string]interface{}, secret string) (Result, model.Authenticator, error) {
	return c.call(ctx, http.MethodPost, path, body, secret)
}

// Verify reports whether response is a trustworthy reply to the request
// that produced requestAuth.
func (c *Client) Verify(secret string, requestAuth, responseAuth model.Authenticator) bool {
	return c.signer.Verify(secret, requestAuth, responseAuth)
}

func (c *Client) call(ctx context.Context, method, path string, body map[string]interface{}, secret string) (Result, model.Authenticator, error) {
	envelopeBody := map[string]interface{}{"rpc_version": rpcVersion}
	for k, v := range body {
		envelopeBody[k] = v
	}

	auth, err := c.signer.Sign(secret, c.now().Unix(), envelopeBody)
	if err != nil {
		return Result{}, model.Authenticator{}, err
	}

	envelope := model.SignedEnvelope{
		Authenticator: auth,
		IP:            c.clientIP,
		Host:          c.clientHost,
		SSL:           c.ssl,
		Body:          envelopeBody,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return Result{}, auth, fmt.Errorf(errWrappedFmt, errJSONMarshal, err.Error())
	}

	r, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return Result{}, auth, fmt.Errorf(errWrappedFmt, errNewRequestFailure, err.Error())
	}
	r.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		if err := acquire.AddAuth(r, c.auth); err != nil {
			return Result{}, auth, fmt.Errorf(errWrappedFmt, ErrAuthAcquirerFailure, err.Error())
		}
	}

	resp, err := c.client.Do(r)
	if err != nil {
		c.count(FailureOutcome)
		return Result{}, auth, &RemoteError{Message: err.Error()}
	}
	defer resp.Body.Close()

	result := Result{Code: resp.StatusCode}
	// the control plane returns structured JSON even on failure
	if decodeErr := json.NewDecoder(resp.Body).Decode(&result.Body); decodeErr != nil && resp.StatusCode < 300 {
		c.count(FailureOutcome)
		return result, auth, &RemoteError{
			Message: decodeErr.Error(),
			Code:    resp.StatusCode,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.count(FailureOutcome)
		return result, auth, &RemoteError{
			Message: cast.ToString(result.Body["message"]),
			Code:    resp.StatusCode,
			Payload: result.Body,
		}
	}
	c.count(SuccessOutcome)
	return result, auth, nil
}

// GetSubscription fetches the subscription state for identifier, verifying
// the echoed response authenticator before trusting it. A failed
// verification degrades to no data unless the client is in strict mode.
func (c *Client) GetSubscription(ctx context.Context, identifier, secret string, flags map[string]interface{}) (map[string]interface{}, error) {
	body := map[string]interface{}{"identifier": identifier}
	for k, v := range flags {
		body[k] = v
	}

	result, requestAuth, err := c.CallSigned(ctx, subscriptionPath, body, secret)
	if err != nil {
		return nil, err
	}

	if !c.Verify(secret, requestAuth, result.Authenticator()) {
		l := c.getLogger(ctx)
		if l == nil {
			l = c.logger
		}
		l.Warn("response authenticator failed verification", zap.String("identifier", identifier))
		if c.strictVerify {
			return nil, signer.ErrSignatureMismatch
		}
		return nil, nil
	}
	return cast.ToStringMap(result.Body["body"]), nil
}

// GetCommunicationSettings is a pre-auth probe used by the setup flow; it
// carries no secret.
func (c *Client) GetCommunicationSettings(ctx context.Context, identifier string) (map[string]interface{}, error) {
	result, err := c.Call(ctx, http.MethodPost, communicationPath, map[string]interface{}{"identifier": identifier}, "")
	if err != nil {
		return nil, err
	}
	return result.Body, nil
}

// GetCredentials trades an activation token for the subscription identifier
// and secret key.
func (c *Client) GetCredentials(ctx context.Context, activationToken, siteHost string) (map[string]interface{}, error) {
	body := map[string]interface{}{"hostname": siteHost}
	result, err := c.Call(ctx, http.MethodPost, credentialsPath, body, activationToken)
	if err != nil {
		return nil, err
	}
	return result.Body, nil
}

// SendProfile pushes the deployment's site profile to the control plane.
// The response is verified like a subscription fetch; an unverifiable reply
// is treated as no data.
func (c *Client) SendProfile(ctx context.Context, identifier, secret string, profile map[string]interface{}) (map[string]interface{}, error) {
	body := map[string]interface{}{"identifier": identifier}
	for k, v := range profile {
		body[k] = v
	}

	result, requestAuth, err := c.CallSigned(ctx, profilePath, body, secret)
	if err != nil {
		return nil, err
	}
	if !c.Verify(secret, requestAuth, result.Authenticator()) {
		if c.strictVerify {
			return nil, signer.ErrSignatureMismatch
		}
		return nil, nil
	}
	return cast.ToStringMap(result.Body["body"]), nil
}

func (c *Client) count(outcome string) {
	if c.measures.Calls == nil {
		return
	}
	c.measures.Calls.With(prometheus.Labels{OutcomeLabel: outcome}).Add(1.0)
}

func validateClientConfig(config *ClientConfig) error {
	if err := validate.Struct(config); err != nil {
		return err
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Logger == nil {
		config.Logger = sallust.Default()
	}
	return nil
}
