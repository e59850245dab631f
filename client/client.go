package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/InsulaLabs/annosync/codec"
	"github.com/InsulaLabs/annosync/pkg/models"
)

const (
	defaultTimeout = 10 * time.Second
)

type Config struct {
	// Endpoint is the service base URL, e.g. "http://localhost:8100/anno/v1".
	Endpoint string
	// Auth enables bearer authentication. Nil means anonymous requests.
	Auth       *models.Authorization
	SkipVerify bool
	Timeout    time.Duration
	TokenTTL   time.Duration

	// RequestsPerSecond throttles outgoing requests when positive.
	RequestsPerSecond float64
	Burst             int

	// HTTPClient replaces the client built from the settings above.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is bound to one base endpoint. It carries the codec table and,
// when configured, the auth service whose token goes on every request.
// Resource operations are reached through typed proxies such as Annotations.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	auth       *AuthService
	codecs     *codec.Set
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NormalizeEndpoint parses endpoint and guarantees a trailing path
// separator so relative resource paths resolve beneath it.
func NormalizeEndpoint(endpoint string) (*url.URL, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, ErrEndpointMissing
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse endpoint '%s'", endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("endpoint '%s' must be http or https", endpoint)
	}
	return u, nil
}

// NewClient builds a client for cfg.Endpoint with the codec set registered.
func NewClient(cfg *Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientLogger := logger.WithGroup("annosync_client")

	baseURL, err := NormalizeEndpoint(cfg.Endpoint)
	if err != nil {
		clientLogger.Error("Failed to parse base URL", "endpoint", cfg.Endpoint, "error", err)
		return nil, err
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		if cfg.SkipVerify {
			clientLogger.Info("TLS verification is skipped.")
		}
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
			},
			Timeout: cfg.Timeout,
		}
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		codecs:     codec.NewSet(),
		logger:     clientLogger,
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if cfg.Auth != nil {
		c.auth, err = NewAuthService(&AuthConfig{
			AuthURL:    baseURL.ResolveReference(&url.URL{Path: authPath}),
			APIKey:     cfg.Auth.APIKey,
			Token:      cfg.Auth.Token,
			HTTPClient: httpClient,
			TokenTTL:   cfg.TokenTTL,
			Logger:     clientLogger,
		})
		if err != nil {
			return nil, err
		}
	}

	clientLogger.Info("Annotation client initialized",
		"base_url", baseURL.String(),
		"authenticated", c.auth != nil,
		"codecs", c.codecs.Names(),
		"tls_skip_verify", cfg.SkipVerify)

	return c, nil
}

func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

func (c *Client) Codecs() *codec.Set {
	return c.codecs
}

// Auth returns the auth service, or nil for an anonymous client.
func (c *Client) Auth() *AuthService {
	return c.auth
}

// call describes one request. Body and target are wire shapes; query is a
// struct understood by go-querystring.
type call struct {
	op     string
	id     string
	method string
	path   string
	query  any
	body   any
	target any
	// missingOK turns a 404 into a nil error.
	missingOK bool
}

func (c *Client) resolve(cl call) (*url.URL, error) {
	u := c.baseURL.ResolveReference(&url.URL{Path: cl.path})
	if cl.query != nil {
		values, err := query.Values(cl.query)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode query for %s", cl.op)
		}
		u.RawQuery = values.Encode()
	}
	return u, nil
}

// do issues cl. With an auth service the current bearer token is attached;
// a 401 triggers exactly one coalesced refresh and one resend. Returns
// found=false only for a 404 when cl.missingOK is set.
func (c *Client) do(ctx context.Context, cl call) (found bool, err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, classifyTransport(cl.op, cl.id, err)
		}
	}

	reqURL, err := c.resolve(cl)
	if err != nil {
		return false, &ValidationError{Op: cl.op, ID: cl.id, Reason: err.Error()}
	}

	var payload []byte
	if cl.body != nil {
		payload, err = json.Marshal(cl.body)
		if err != nil {
			c.logger.Error("Failed to marshal request body", "op", cl.op, "error", err)
			return false, &ValidationError{Op: cl.op, ID: cl.id, Reason: err.Error()}
		}
	}

	var tok *oauth2.Token
	if c.auth != nil {
		if tok, err = c.auth.Token(ctx); err != nil {
			return false, c.authFailure(cl, err)
		}
	}

	resp, err := c.send(ctx, cl, reqURL, payload, tok)
	if err != nil {
		return false, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.auth != nil {
		drain(resp)
		c.logger.Info("Token rejected, re-authenticating", "op", cl.op, "url", reqURL.String())

		if tok, err = c.auth.Refresh(ctx, tok); err != nil {
			return false, c.authFailure(cl, err)
		}
		if resp, err = c.send(ctx, cl, reqURL, payload, tok); err != nil {
			return false, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return false, &AuthError{Op: cl.op, ID: cl.id, Err: ErrTokenRejected}
		}
	}
	defer resp.Body.Close()

	return c.handle(cl, reqURL, resp)
}

func (c *Client) send(ctx context.Context, cl call, reqURL *url.URL, payload []byte, tok *oauth2.Token) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, reqURL.String(), body)
	if err != nil {
		c.logger.Error("Failed to create new HTTP request", "method", cl.method, "url", reqURL.String(), "error", err)
		return nil, &ValidationError{Op: cl.op, ID: cl.id, Reason: err.Error()}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok != nil {
		tok.SetAuthHeader(req)
	}

	c.logger.Debug("Sending request", "op", cl.op, "method", cl.method, "url", reqURL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "op", cl.op, "method", cl.method, "url", reqURL.String(), "error", err)
		return nil, classifyTransport(cl.op, cl.id, err)
	}
	return resp, nil
}

func (c *Client) handle(cl call, reqURL *url.URL, resp *http.Response) (bool, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, classifyTransport(cl.op, cl.id, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Received non-2xx status code", "op", cl.op, "method", cl.method, "url", reqURL.String(), "status_code", resp.StatusCode)
		return false, c.statusFailure(cl, resp.StatusCode, body)
	}

	if cl.target != nil {
		if len(bytes.TrimSpace(body)) == 0 {
			return false, &DecodeError{Op: cl.op, ID: cl.id, Err: io.ErrUnexpectedEOF}
		}
		if err := json.Unmarshal(body, cl.target); err != nil {
			c.logger.Error("Failed to decode response body", "op", cl.op, "url", reqURL.String(), "error", err)
			return false, &DecodeError{Op: cl.op, ID: cl.id, Err: err}
		}
	}

	c.logger.Debug("Request successful", "op", cl.op, "method", cl.method, "url", reqURL.String(), "status_code", resp.StatusCode)
	return true, nil
}

func (c *Client) statusFailure(cl call, status int, body []byte) error {
	var errorResp ErrorResponse
	_ = json.Unmarshal(body, &errorResp)

	switch status {
	case http.StatusNotFound:
		if cl.missingOK {
			return nil
		}
		return &NotFoundError{Op: cl.op, ID: cl.id}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		reason := errorResp.Message
		if reason == "" {
			reason = strings.TrimSpace(string(body))
		}
		return &ValidationError{Op: cl.op, ID: cl.id, Reason: reason}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Op: cl.op, ID: cl.id, Err: &StatusError{Op: cl.op, ID: cl.id, StatusCode: status, ErrorType: errorResp.ErrorType, Message: errorResp.Message}}
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return &TimeoutError{Op: cl.op, ID: cl.id, Err: &StatusError{Op: cl.op, ID: cl.id, StatusCode: status}}
	}
	return &StatusError{Op: cl.op, ID: cl.id, StatusCode: status, ErrorType: errorResp.ErrorType, Message: errorResp.Message}
}

func (c *Client) authFailure(cl call, err error) error {
	var ae *AuthError
	if errors.As(err, &ae) {
		return &AuthError{Op: cl.op, ID: cl.id, Err: ae}
	}
	return &AuthError{Op: cl.op, ID: cl.id, Err: err}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
