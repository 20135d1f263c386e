// Package github is the backlog collaborator. It authenticates either as
// a GitHub App installation or with a plain personal access token, and
// exposes the issue queries the scheduler polls with.
package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gogithub "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	ferrors "github.com/foremanhq/foreman/internal/errors"
	"github.com/foremanhq/foreman/lru"
	"github.com/foremanhq/foreman/pkg/tokenstore"
)

const (
	installationTokenKey = "github_installation_token"
	// Installation tokens last an hour, refresh at 55 minutes.
	installationTokenTTL = 55 * time.Minute

	titleCacheSize = 512
)

// Client wraps the GitHub API for backlog queries.
type Client struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	staticToken    string

	tokens     tokenstore.Store
	titles     *lru.Cache[string, string]
	httpClient *http.Client
	apiBase    *url.URL
	logger     zerolog.Logger
}

// NewAppClient creates a client authenticating as a GitHub App
// installation, reading the RS256 private key from a PEM file.
func NewAppClient(appID, installationID int64, privateKeyPath string, store tokenstore.Store, logger zerolog.Logger) (*Client, error) {
	keyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	return NewAppClientFromKey(appID, installationID, keyData, store, logger)
}

// NewAppClientFromKey creates an App client from PEM key bytes.
func NewAppClientFromKey(appID, installationID int64, keyData []byte, store tokenstore.Store, logger zerolog.Logger) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &Client{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		tokens:         store,
		titles:         lru.New[string, string](titleCacheSize),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger.With().Str("component", "github").Logger(),
	}, nil
}

// NewTokenClient creates a client authenticating with a personal access
// token. Used when no App credentials are configured.
func NewTokenClient(token string, logger zerolog.Logger) *Client {
	return &Client{
		staticToken: token,
		titles:      lru.New[string, string](titleCacheSize),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger.With().Str("component", "github").Logger(),
	}
}

// SetAPIBase points the client at an alternate API root. Test hook.
func (c *Client) SetAPIBase(raw string) error {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	c.apiBase = u
	return nil
}

func (c *Client) generateJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", c.appID),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signed, nil
}

func (c *Client) installationToken(ctx context.Context) (string, error) {
	return tokenstore.GetOrFill(ctx, c.tokens, installationTokenKey, installationTokenTTL, c.mintInstallationToken)
}

func (c *Client) mintInstallationToken(ctx context.Context) (string, error) {
	c.logger.Info().Msg("minting installation token")
	appJWT, err := c.generateJWT()
	if err != nil {
		return "", fmt.Errorf("generating JWT: %w", err)
	}

	base := "https://api.github.com"
	if c.apiBase != nil {
		base = strings.TrimSuffix(c.apiBase.String(), "/")
	}
	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", base, c.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", &ferrors.APIError{
			Service:    "github",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("installation token request failed: %s", body),
		}
	}

	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	return tokenResp.Token, nil
}

// api returns an authenticated go-github client.
func (c *Client) api(ctx context.Context) (*gogithub.Client, error) {
	token := c.staticToken
	if token == "" {
		t, err := c.installationToken(ctx)
		if err != nil {
			return nil, err
		}
		token = t
	}

	gh := gogithub.NewClient(&http.Client{
		Transport: &tokenTransport{token: token, base: http.DefaultTransport},
		Timeout:   30 * time.Second,
	})
	if c.apiBase != nil {
		gh.BaseURL = c.apiBase
	}
	return gh, nil
}

type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "token "+t.token)
	return t.base.RoundTrip(req2)
}
