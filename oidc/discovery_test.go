package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/microapp-gateway/testhelper"
)

func TestIssuerFromDiscoveryURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{
			name: "issuer with path",
			url:  "https://idp.smartansatt.telenor.no/idp/.well-known/openid-configuration",
			want: "https://idp.smartansatt.telenor.no/idp",
		},
		{
			name: "issuer at root",
			url:  "http://127.0.0.1:8080/.well-known/openid-configuration",
			want: "http://127.0.0.1:8080",
		},
		{name: "missing well-known suffix", url: "https://idp.example.com/idp", wantErr: true},
		{name: "relative", url: "/.well-known/openid-configuration", wantErr: true},
		{name: "unsupported scheme", url: "ftp://idp.example.com/.well-known/openid-configuration", wantErr: true},
		{name: "query", url: "https://idp.example.com/.well-known/openid-configuration?x=1", wantErr: true},
		{name: "unparsable", url: "https://idp.example.com/%zz/.well-known/openid-configuration", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IssuerFromDiscoveryURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrDiscoveryFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiscover(t *testing.T) {
	p := testhelper.NewProvider(t)

	md, err := Discover(context.Background(), p.DiscoveryURL(), fastHTTPClient())
	require.NoError(t, err)

	assert.Equal(t, p.Issuer(), md.Issuer)
	assert.Equal(t, p.UserinfoURL(), md.UserinfoEndpoint)
	assert.Equal(t, p.Issuer()+"/jwks", md.JWKSURI)
	assert.Equal(t, p.Issuer()+"/logout", md.EndSessionEndpoint)
	assert.Contains(t, md.UserinfoSigningAlgValuesSupported, "HS256")
	assert.True(t, md.SupportsUserinfoSigning("HS256"))
	assert.False(t, md.SupportsUserinfoSigning("ES512"))
	assert.True(t, md.SupportsUserinfoEncryption("RSA1_5", "A128CBC-HS256"))
	assert.False(t, md.SupportsUserinfoEncryption("RSA1_5", "A256GCM"))
	assert.Equal(t, 1, p.DiscoveryCalls())
}

func TestDiscover_RetriesTransientFailures(t *testing.T) {
	p := testhelper.NewProvider(t)
	p.FailDiscovery(2)

	md, err := Discover(context.Background(), p.DiscoveryURL(), fastHTTPClient())
	require.NoError(t, err)

	assert.Equal(t, p.Issuer(), md.Issuer)
	assert.Equal(t, 3, p.DiscoveryCalls())
}

func TestDiscover_FailsAfterRetriesExhausted(t *testing.T) {
	p := testhelper.NewProvider(t)
	p.FailDiscovery(3)

	md, err := Discover(context.Background(), p.DiscoveryURL(), fastHTTPClient())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.Nil(t, md)
	assert.Equal(t, 3, p.DiscoveryCalls())
}

func TestDiscover_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + WellKnownPath
	srv.Close()

	_, err := Discover(context.Background(), url, fastHTTPClient())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiscoveryFailed)
}

func TestDiscover_IssuerWithTrailingSlash(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/idp"+WellKnownPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":            srv.URL + "/idp/",
			"userinfo_endpoint": srv.URL + "/idp/userinfo",
			"jwks_uri":          srv.URL + "/idp/jwks",
		})
	}))
	defer srv.Close()

	md, err := Discover(context.Background(), srv.URL+"/idp"+WellKnownPath, fastHTTPClient())
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/idp/", md.Issuer)
	assert.Equal(t, srv.URL+"/idp/userinfo", md.UserinfoEndpoint)
}

func TestDiscover_InvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  func(issuer string) any
	}{
		{
			name: "issuer mismatch",
			doc: func(string) any {
				return map[string]any{
					"issuer":            "https://someone-else.example.com",
					"userinfo_endpoint": "https://someone-else.example.com/userinfo",
				}
			},
		},
		{
			name: "issuer missing",
			doc: func(issuer string) any {
				return map[string]any{"userinfo_endpoint": issuer + "/userinfo"}
			},
		},
		{
			name: "issuer on a different path",
			doc: func(issuer string) any {
				return map[string]any{
					"issuer":            issuer + "/other",
					"userinfo_endpoint": issuer + "/userinfo",
				}
			},
		},
		{
			name: "no userinfo endpoint",
			doc: func(issuer string) any {
				return map[string]any{"issuer": issuer, "jwks_uri": issuer + "/jwks"}
			},
		},
		{
			name: "not an object",
			doc:  func(string) any { return []string{"nope"} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var srv *httptest.Server
			srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(tt.doc(srv.URL))
			}))
			defer srv.Close()

			_, err := Discover(context.Background(), srv.URL+WellKnownPath, fastHTTPClient())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDiscoveryFailed)
		})
	}
}
