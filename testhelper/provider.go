// Package testhelper provides a fake OpenID provider for tests.
package testhelper

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	// TestClientID is the client id the fake provider issues tokens for
	TestClientID = "microapp-test-client"

	// TestClientSecret is the HMAC secret userinfo responses are signed with
	TestClientSecret = "microapp-test-secret-0123456789abcdef"

	// TestKeyID is the kid of the relying party's encryption key
	TestKeyID = "rp-enc-1"

	wellKnownPath = "/.well-known/openid-configuration"
)

// UserinfoResponse is a canned reply of the fake userinfo endpoint
type UserinfoResponse struct {
	Status      int
	ContentType string
	Body        string
}

// Provider is an in-process OpenID provider serving discovery and userinfo
type Provider struct {
	ClientID     string
	ClientSecret string
	Key          *rsa.PrivateKey
	KeyID        string

	server *httptest.Server

	mu        sync.Mutex
	responses map[string]UserinfoResponse

	discoveryFailures atomic.Int32
	discoveryCalls    atomic.Int32
	userinfoCalls     atomic.Int32
}

// NewProvider starts a fake provider that is shut down when the test ends.
func NewProvider(t *testing.T) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &Provider{
		ClientID:     TestClientID,
		ClientSecret: TestClientSecret,
		Key:          key,
		KeyID:        TestKeyID,
		responses:    make(map[string]UserinfoResponse),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wellKnownPath, p.handleDiscovery)
	mux.HandleFunc("/userinfo", p.handleUserinfo)

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)

	return p
}

// Issuer returns the provider's issuer identifier
func (p *Provider) Issuer() string {
	return p.server.URL
}

// DiscoveryURL returns the provider's well-known configuration URL
func (p *Provider) DiscoveryURL() string {
	return p.server.URL + wellKnownPath
}

// UserinfoURL returns the provider's userinfo endpoint
func (p *Provider) UserinfoURL() string {
	return p.server.URL + "/userinfo"
}

// FailDiscovery makes the next n discovery requests answer 503
func (p *Provider) FailDiscovery(n int) {
	p.discoveryFailures.Store(int32(n))
}

// DiscoveryCalls returns how many discovery requests were served
func (p *Provider) DiscoveryCalls() int {
	return int(p.discoveryCalls.Load())
}

// UserinfoCalls returns how many userinfo requests were served
func (p *Provider) UserinfoCalls() int {
	return int(p.userinfoCalls.Load())
}

// KeyStoreJSON returns the relying party's private key set as JWKS text
func (p *Provider) KeyStoreJSON(t *testing.T) string {
	t.Helper()

	set := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       p.Key,
				KeyID:     p.KeyID,
				Algorithm: string(jose.RSA1_5),
				Use:       "enc",
			},
		},
	}

	raw, err := json.Marshal(set)
	require.NoError(t, err)
	return string(raw)
}

// SetResponse registers a canned userinfo reply for token
func (p *Provider) SetResponse(token string, resp UserinfoResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[token] = resp
}

// SetClaims makes the userinfo endpoint answer token with claims sealed as a
// signed then encrypted JWT.
func (p *Provider) SetClaims(t *testing.T, token string, claims jwt.MapClaims) {
	t.Helper()

	p.SetResponse(token, UserinfoResponse{
		Status:      http.StatusOK,
		ContentType: "application/jwt",
		Body:        p.Seal(t, claims),
	})
}

// Seal signs claims with the client secret and encrypts the result to the
// relying party's key.
func (p *Provider) Seal(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	return SealEnvelope(t, claims, p.ClientSecret, &p.Key.PublicKey, p.KeyID)
}

// SealEnvelope builds a nested JWT: an HS256 JWS signed with secret, wrapped
// in an RSA1_5 / A128CBC-HS256 JWE addressed to kid.
func SealEnvelope(t *testing.T, claims jwt.MapClaims, secret string, pub *rsa.PublicKey, kid string) string {
	t.Helper()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)

	encrypter, err := jose.NewEncrypter(
		jose.A128CBC_HS256,
		jose.Recipient{Algorithm: jose.RSA1_5, Key: pub, KeyID: kid},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	require.NoError(t, err)

	obj, err := encrypter.Encrypt([]byte(signed))
	require.NoError(t, err)

	compact, err := obj.CompactSerialize()
	require.NoError(t, err)
	return compact
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.discoveryCalls.Add(1)

	if p.discoveryFailures.Load() > 0 {
		p.discoveryFailures.Add(-1)
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	doc := map[string]any{
		"issuer":                                   p.Issuer(),
		"authorization_endpoint":                   p.server.URL + "/authorize",
		"token_endpoint":                           p.server.URL + "/token",
		"userinfo_endpoint":                        p.UserinfoURL(),
		"jwks_uri":                                 p.server.URL + "/jwks",
		"end_session_endpoint":                     p.server.URL + "/logout",
		"id_token_signing_alg_values_supported":    []string{"RS256", "HS256"},
		"userinfo_signing_alg_values_supported":    []string{"HS256", "RS256"},
		"userinfo_encryption_alg_values_supported": []string{"RSA1_5", "RSA-OAEP"},
		"userinfo_encryption_enc_values_supported": []string{"A128CBC-HS256"},
		"scopes_supported":                         []string{"openid", "profile"},
		"claims_supported":                         []string{"sub", "success"},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (p *Provider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	p.userinfoCalls.Add(1)

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_request"`)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	resp, found := p.responses[token]
	p.mu.Unlock()

	if !found {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp.Body))
}
