// Package client talks to the REST API of a Symantec ATP appliance: it
// exchanges client credentials for a bearer token and runs event queries.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/atp-events/pkg/cache"
	"github.com/Sternrassler/atp-events/pkg/metrics"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// API paths on the appliance.
const (
	TokenPath  = "/atpapi/oauth2/tokens"
	EventsPath = "/atpapi/v2/events"
)

// TokenCache stores bearer tokens between runs. *cache.Manager implements it.
type TokenCache interface {
	Get(ctx context.Context, key cache.TokenKey) (*cache.TokenEntry, error)
	Set(ctx context.Context, key cache.TokenKey, entry *cache.TokenEntry) error
	Delete(ctx context.Context, key cache.TokenKey) error
}

// Config holds the client configuration.
type Config struct {
	// UserAgent header sent with every request.
	UserAgent string

	// Timeout per HTTP request. Zero leaves the transport default (no timeout).
	Timeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification. Appliances ship
	// self-signed certificates, so this defaults to true.
	InsecureSkipVerify bool

	// Tokens is an optional token cache. Nil disables caching.
	Tokens TokenCache

	// Logger defaults to a component logger from the global zerolog logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the configuration used by the CLI.
func DefaultConfig() Config {
	return Config{
		UserAgent:          "atp-events/0.1.0",
		InsecureSkipVerify: true,
	}
}

// Client is bound to a single appliance and owns its HTTP session.
type Client struct {
	http     *resty.Client
	cred     ServerCredential
	tokenKey cache.TokenKey
	config   Config
	logger   zerolog.Logger
}

// New creates a client for one appliance.
func New(cred ServerCredential, cfg Config) (*Client, error) {
	server := strings.TrimSpace(cred.Server)
	if server == "" {
		return nil, fmt.Errorf("server is required")
	}
	if cred.EncodedAuth == "" {
		return nil, fmt.Errorf("encoded credentials are required for server %s", server)
	}
	cred.Server = server

	logger := log.With().Str("component", "atp-client").Str("server", server).Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("server", server).Logger()
	}

	r := resty.New().
		SetBaseURL("https://"+server).
		SetHeader("Accept", "application/json").
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}). // #nosec G402 -- appliances use self-signed certificates.
		SetLogger(restyLogger{logger})
	if cfg.UserAgent != "" {
		r.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	}

	return &Client{
		http:     r,
		cred:     cred,
		tokenKey: cache.NewTokenKey(server, cred.EncodedAuth),
		config:   cfg,
		logger:   logger,
	}, nil
}

// Server returns the appliance this client is bound to.
func (c *Client) Server() string {
	return c.cred.Server
}

// Authenticate requests a new bearer token from the token endpoint and stores
// it in the token cache when one is configured.
func (c *Client) Authenticate(ctx context.Context) (AuthToken, error) {
	start := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues("tokens").Observe(time.Since(start).Seconds())
	}()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Basic "+c.cred.EncodedAuth).
		SetFormData(map[string]string{
			"grant_type": "client_credentials",
			"scope":      "customer",
		}).
		Post(TokenPath)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("tokens", "network_error").Inc()
		c.logger.Error().Err(err).Msg("Failed to connect to server")
		return AuthToken{}, &AuthError{Server: c.cred.Server, Err: err}
	}
	metrics.RequestsTotal.WithLabelValues("tokens", strconv.Itoa(resp.StatusCode())).Inc()

	if !resp.IsSuccess() {
		c.logger.Error().Int("status_code", resp.StatusCode()).Msg("Authorization failed")
		return AuthToken{}, &AuthError{
			Server:     c.cred.Server,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("token endpoint returned %s", resp.Status()),
		}
	}

	var token AuthToken
	if err := decodeJSON(resp.Body(), &token); err != nil {
		return AuthToken{}, &AuthError{Server: c.cred.Server, StatusCode: resp.StatusCode(), Err: err}
	}
	if token.AccessToken == "" {
		return AuthToken{}, &AuthError{Server: c.cred.Server, StatusCode: resp.StatusCode(), Err: ErrNoAccessToken}
	}

	c.storeToken(ctx, token)
	c.logger.Debug().Int("expires_in", token.ExpiresIn).Msg("Obtained access token")
	return token, nil
}

// Token returns a cached token when available and requests a new one otherwise.
func (c *Client) Token(ctx context.Context) (AuthToken, error) {
	if c.config.Tokens != nil {
		entry, err := c.config.Tokens.Get(ctx, c.tokenKey)
		switch {
		case err == nil:
			c.logger.Debug().Dur("ttl", entry.TTL()).Msg("Using cached access token")
			return AuthToken{AccessToken: entry.AccessToken, Cached: true}, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Msg("Token cache lookup failed")
		}
	}
	return c.Authenticate(ctx)
}

// RefreshToken drops any cached token and requests a new one. Called after a
// query was rejected with a 4xx.
func (c *Client) RefreshToken(ctx context.Context) (AuthToken, error) {
	if c.config.Tokens != nil {
		if err := c.config.Tokens.Delete(ctx, c.tokenKey); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to drop rejected token from cache")
		}
	}
	return c.Authenticate(ctx)
}

// Query issues one events query with the given bearer token.
// Non-2xx answers are returned as *APIError; malformed bodies wrap ErrContractViolation.
func (c *Client) Query(ctx context.Context, token AuthToken, req QueryRequest) (*QueryResult, error) {
	start := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues("events").Observe(time.Since(start).Seconds())
	}()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(token.AccessToken).
		SetBody(req).
		Post(EventsPath)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("events", "network_error").Inc()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("events request: %w", err)
	}
	metrics.RequestsTotal.WithLabelValues("events", strconv.Itoa(resp.StatusCode())).Inc()

	if !resp.IsSuccess() {
		apiErr := newAPIError(resp.StatusCode(), resp.Body())
		c.logger.Debug().
			Int("status_code", apiErr.StatusCode).
			Str("error_class", string(apiErr.ErrorClass)).
			Msg("Events query rejected")
		return nil, apiErr
	}

	return decodeQueryResult(resp.Body())
}

func (c *Client) storeToken(ctx context.Context, token AuthToken) {
	if c.config.Tokens == nil || token.ExpiresIn <= 0 {
		return
	}
	if err := c.config.Tokens.Set(ctx, c.tokenKey, cache.NewTokenEntry(token.AccessToken, token.ExpiresIn)); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache access token")
	}
}
