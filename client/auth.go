package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	authPath         = "auth"
	apiKeyScheme     = "APIKEY"
	defaultTokenTTL  = time.Hour
	opAuthenticate   = "authenticate"
	refreshFlightKey = "refresh"
)

type AuthConfig struct {
	// AuthURL is the absolute URL of the token exchange endpoint.
	AuthURL    *url.URL
	APIKey     string
	Token      *oauth2.Token // optional, previously issued
	HTTPClient *http.Client
	TokenTTL   time.Duration // used when the service does not say
	Logger     *slog.Logger
}

// AuthService exchanges an API key for a bearer token and keeps the token
// until its validity window closes or the service rejects it. At most one
// re-authentication is in flight per instance.
type AuthService struct {
	authURL    *url.URL
	httpClient *http.Client
	tokenTTL   time.Duration
	logger     *slog.Logger

	mu     sync.RWMutex
	apiKey string

	tokens *ttlcache.Cache[string, *oauth2.Token]
	flight singleflight.Group
}

func NewAuthService(cfg *AuthConfig) (*AuthService, error) {
	if cfg.AuthURL == nil {
		return nil, ErrEndpointMissing
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	s := &AuthService{
		authURL:    cfg.AuthURL,
		httpClient: httpClient,
		tokenTTL:   ttl,
		logger:     logger.WithGroup("auth"),
		apiKey:     cfg.APIKey,
		tokens: ttlcache.New[string, *oauth2.Token](
			ttlcache.WithTTL[string, *oauth2.Token](ttl),
			ttlcache.WithDisableTouchOnHit[string, *oauth2.Token](),
		),
	}

	if cfg.Token != nil && cfg.Token.Valid() {
		s.store(cfg.APIKey, cfg.Token)
	}
	return s, nil
}

// CurrentToken returns the cached token, or nil when the service has never
// authenticated or the token's validity window has closed.
func (s *AuthService) CurrentToken() *oauth2.Token {
	item := s.tokens.Get(s.key())
	if item == nil {
		return nil
	}
	return item.Value()
}

// Authenticate exchanges apiKey for a fresh token and makes it current.
func (s *AuthService) Authenticate(ctx context.Context, apiKey string) (*oauth2.Token, error) {
	if apiKey == "" {
		return nil, &AuthError{Op: opAuthenticate, Err: ErrAPIKeyMissing}
	}
	s.mu.Lock()
	s.apiKey = apiKey
	s.mu.Unlock()

	return s.exchange(ctx, apiKey)
}

// Token returns the current token, authenticating first when there is none.
// Concurrent callers share a single exchange.
func (s *AuthService) Token(ctx context.Context) (*oauth2.Token, error) {
	if tok := s.CurrentToken(); tok != nil {
		return tok, nil
	}
	return s.Refresh(ctx, nil)
}

// Refresh replaces stale with a new token. When another caller already
// replaced it the newer token is returned without contacting the service,
// so N requests that observe the same rejected token cause one exchange.
func (s *AuthService) Refresh(ctx context.Context, stale *oauth2.Token) (*oauth2.Token, error) {
	if tok := s.newerThan(stale); tok != nil {
		return tok, nil
	}

	v, err, shared := s.flight.Do(refreshFlightKey, func() (any, error) {
		if tok := s.newerThan(stale); tok != nil {
			return tok, nil
		}
		return s.exchange(ctx, s.key())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Token refreshed", "shared", shared)
	return v.(*oauth2.Token), nil
}

// Invalidate drops the cached token so the next request re-authenticates.
func (s *AuthService) Invalidate() {
	s.tokens.Delete(s.key())
}

func (s *AuthService) newerThan(stale *oauth2.Token) *oauth2.Token {
	tok := s.CurrentToken()
	if tok == nil {
		return nil
	}
	if stale == nil || tok.AccessToken != stale.AccessToken {
		return tok
	}
	return nil
}

func (s *AuthService) key() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiKey
}

func (s *AuthService) store(apiKey string, tok *oauth2.Token) {
	ttl := s.tokenTTL
	if !tok.Expiry.IsZero() {
		ttl = time.Until(tok.Expiry)
	}
	s.tokens.Set(apiKey, tok, ttl)
}

func (s *AuthService) exchange(ctx context.Context, apiKey string) (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authURL.String(), http.NoBody)
	if err != nil {
		return nil, &AuthError{Op: opAuthenticate, Err: err}
	}
	req.Header.Set("Authorization", apiKeyScheme+" "+apiKey)
	req.Header.Set("Accept", "application/json")

	s.logger.Debug("Exchanging api key for token", "url", s.authURL.String())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("Auth endpoint unreachable", "url", s.authURL.String(), "error", err)
		return nil, &AuthError{Op: opAuthenticate, Err: classifyTransport(opAuthenticate, "", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AuthError{Op: opAuthenticate, Err: classifyTransport(opAuthenticate, "", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("Api key rejected", "status_code", resp.StatusCode)
		return nil, &AuthError{
			Op:  opAuthenticate,
			Err: &StatusError{Op: opAuthenticate, StatusCode: resp.StatusCode, Message: string(body)},
		}
	}

	var w authWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &AuthError{Op: opAuthenticate, Err: &DecodeError{Op: opAuthenticate, Err: err}}
	}
	if w.AccessToken == "" {
		return nil, &AuthError{Op: opAuthenticate, Err: ErrEmptyToken}
	}

	ttl := s.tokenTTL
	if w.ExpiresIn > 0 {
		ttl = time.Duration(w.ExpiresIn) * time.Second
	}
	tok := &oauth2.Token{
		AccessToken: w.AccessToken,
		TokenType:   w.TokenType,
		Expiry:      time.Now().Add(ttl),
	}
	s.store(apiKey, tok)

	s.logger.Info("Authenticated", "token_type", tok.Type(), "expires_at", tok.Expiry)
	return tok, nil
}
