package oidc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/upb/microapp-gateway/keystore"
)

// DefaultClockTolerance is the leeway applied to exp, nbf and iat
const DefaultClockTolerance = 300 * time.Second

// maxUserinfoBytes caps the userinfo response read into memory
const maxUserinfoBytes = 1 << 20

var (
	// ErrInvalidClientConfig is returned by NewClient for an unusable configuration
	ErrInvalidClientConfig = errors.New("invalid relying party configuration")

	// ErrUnexpectedContentType is returned when a JWT response is expected but not served
	ErrUnexpectedContentType = errors.New("unexpected userinfo content type")

	// ErrCrossOriginRedirect is returned when the userinfo endpoint redirects
	// to another host
	ErrCrossOriginRedirect = errors.New("userinfo redirect to another origin refused")

	// ErrEmptyToken is returned when ResolveIdentity is called without a token
	ErrEmptyToken = errors.New("empty bearer token")
)

// ProviderError is a non-2xx answer from the userinfo endpoint
type ProviderError struct {
	StatusCode      int
	WWWAuthenticate string
}

func (e *ProviderError) Error() string {
	if e.WWWAuthenticate != "" {
		return fmt.Sprintf("userinfo endpoint returned %d (%s)", e.StatusCode, e.WWWAuthenticate)
	}
	return fmt.Sprintf("userinfo endpoint returned %d", e.StatusCode)
}

// Config holds the relying party registration
type Config struct {
	ClientID       string
	ClientSecret   string
	Response       ResponseOptions
	ClockTolerance time.Duration
}

// Client resolves bearer tokens against one provider. It is built once at
// startup and shared by all requests.
type Client struct {
	metadata       ProviderMetadata
	clientID       string
	clientSecret   string
	response       ResponseOptions
	clockTolerance time.Duration
	keys           *keystore.KeyStore
	httpClient     *http.Client
	now            func() time.Time
}

// NewClient binds provider metadata, client credentials and the keystore
func NewClient(metadata *ProviderMetadata, cfg Config, keys *keystore.KeyStore, httpClient *http.Client) (*Client, error) {
	if metadata == nil || metadata.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("%w: provider metadata without userinfo endpoint", ErrInvalidClientConfig)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidClientConfig)
	}

	response := cfg.Response.withDefaults()
	if err := response.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidClientConfig, err)
	}
	if response.Signed() && cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: client secret is required to verify %s responses", ErrInvalidClientConfig, response.SigningAlg)
	}
	if response.Encrypted() {
		if keys == nil {
			return nil, fmt.Errorf("%w: keystore is required for encrypted responses", ErrInvalidClientConfig)
		}
		if len(keys.DecryptionKeys(response.EncryptionAlg, "")) == 0 {
			return nil, fmt.Errorf("%w: keystore has no key for %s", ErrInvalidClientConfig, response.EncryptionAlg)
		}
	}

	tolerance := cfg.ClockTolerance
	if tolerance < 0 {
		tolerance = 0
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultHTTPOptions(), nil)
	}

	return &Client{
		metadata:       *metadata,
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		response:       response,
		clockTolerance: tolerance,
		keys:           keys,
		httpClient:     httpClient,
		now:            time.Now,
	}, nil
}

// Metadata returns a copy of the provider metadata the client was built with
func (c *Client) Metadata() ProviderMetadata {
	return c.metadata
}

// ResolveIdentity asks the provider who token belongs to. A transport,
// protocol or envelope failure is returned as an error, never as an Identity.
func (c *Client) ResolveIdentity(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.metadata.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building userinfo request: %w", err)
	}
	if c.response.ExpectsJWT() {
		req.Header.Set("Accept", "application/jwt")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.bearerClient(token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxUserinfoBytes))
		return nil, &ProviderError{
			StatusCode:      resp.StatusCode,
			WWWAuthenticate: resp.Header.Get("WWW-Authenticate"),
		}
	}

	if c.response.ExpectsJWT() {
		mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/jwt" {
			return nil, fmt.Errorf("%w: %q", ErrUnexpectedContentType, resp.Header.Get("Content-Type"))
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserinfoBytes))
	if err != nil {
		return nil, fmt.Errorf("reading userinfo response: %w", err)
	}

	payload, err := c.openEnvelope(body)
	if err != nil {
		return nil, err
	}
	return classify(payload)
}

// bearerClient wraps the shared client so that every attempt, retries
// included, carries the token. The transport attaches the token to every
// hop, so redirects are only followed within the userinfo host.
func (c *Client) bearerClient(token string) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{
			Base:   c.httpClient.Transport,
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
		},
		CheckRedirect: c.checkRedirect,
		Jar:           c.httpClient.Jar,
		Timeout:       c.httpClient.Timeout,
	}
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > 0 && !sameOrigin(req.URL, via[0].URL) {
		return fmt.Errorf("%w: %s", ErrCrossOriginRedirect, req.URL.Redacted())
	}
	if c.httpClient.CheckRedirect != nil {
		return c.httpClient.CheckRedirect(req, via)
	}
	return nil
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && strings.EqualFold(a.Host, b.Host)
}
