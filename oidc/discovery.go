// Package oidc implements the relying party side of OpenID Connect needed by
// the gateway: provider discovery and resolution of bearer tokens into an
// identity through the provider's userinfo endpoint.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// WellKnownPath is the path suffix of an OpenID provider configuration document
const WellKnownPath = "/.well-known/openid-configuration"

// ErrDiscoveryFailed is returned when provider metadata cannot be obtained
var ErrDiscoveryFailed = errors.New("provider discovery failed")

// ProviderMetadata is the subset of the provider configuration document the
// gateway relies on. It is immutable after discovery.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`

	IDTokenSigningAlgValuesSupported     []string `json:"id_token_signing_alg_values_supported,omitempty"`
	UserinfoSigningAlgValuesSupported    []string `json:"userinfo_signing_alg_values_supported,omitempty"`
	UserinfoEncryptionAlgValuesSupported []string `json:"userinfo_encryption_alg_values_supported,omitempty"`
	UserinfoEncryptionEncValuesSupported []string `json:"userinfo_encryption_enc_values_supported,omitempty"`
	ScopesSupported                      []string `json:"scopes_supported,omitempty"`
	ClaimsSupported                      []string `json:"claims_supported,omitempty"`
}

// IssuerFromDiscoveryURL derives the issuer identifier from a well-known
// configuration URL.
func IssuerFromDiscoveryURL(discoveryURL string) (string, error) {
	u, err := url.Parse(discoveryURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid discovery URL: %v", ErrDiscoveryFailed, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: discovery URL must be absolute http(s): %q", ErrDiscoveryFailed, discoveryURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: discovery URL must not carry a query or fragment", ErrDiscoveryFailed)
	}
	issuer, ok := strings.CutSuffix(discoveryURL, WellKnownPath)
	if !ok {
		return "", fmt.Errorf("%w: discovery URL must end with %s", ErrDiscoveryFailed, WellKnownPath)
	}
	return issuer, nil
}

// Discover fetches the provider configuration document at discoveryURL using
// client. The document's issuer must name the same location as the URL; a
// trailing slash on either side is ignored.
func Discover(ctx context.Context, discoveryURL string, client *http.Client) (*ProviderMetadata, error) {
	issuer, err := IssuerFromDiscoveryURL(discoveryURL)
	if err != nil {
		return nil, err
	}
	if client != nil {
		ctx = gooidc.ClientContext(ctx, client)
	}
	// go-oidc compares issuers byte for byte; the comparison is done below instead
	ctx = gooidc.InsecureIssuerURLContext(ctx, issuer)

	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}

	var md ProviderMetadata
	if err := provider.Claims(&md); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata: %v", ErrDiscoveryFailed, err)
	}
	if !sameIssuer(md.Issuer, issuer) {
		return nil, fmt.Errorf("%w: provider issuer %q does not match %q", ErrDiscoveryFailed, md.Issuer, issuer)
	}
	if md.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("%w: provider advertises no userinfo_endpoint", ErrDiscoveryFailed)
	}

	return &md, nil
}

func sameIssuer(a, b string) bool {
	return a != "" && strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

// SupportsUserinfoSigning reports whether the provider advertises alg for
// signed userinfo responses. An empty advertisement is treated as unknown.
func (m *ProviderMetadata) SupportsUserinfoSigning(alg string) bool {
	return advertised(m.UserinfoSigningAlgValuesSupported, alg)
}

// SupportsUserinfoEncryption reports whether the provider advertises alg and
// enc for encrypted userinfo responses.
func (m *ProviderMetadata) SupportsUserinfoEncryption(alg, enc string) bool {
	return advertised(m.UserinfoEncryptionAlgValuesSupported, alg) &&
		advertised(m.UserinfoEncryptionEncValuesSupported, enc)
}

func advertised(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
