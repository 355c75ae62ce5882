package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func fastHTTPOptions() HTTPOptions {
	opts := DefaultHTTPOptions()
	opts.RetryWait = time.Millisecond
	opts.MaxRetryWait = 5 * time.Millisecond
	opts.Timeout = 5 * time.Second
	return opts
}

func fastHTTPClient() *http.Client {
	return NewHTTPClient(fastHTTPOptions(), zap.NewNop())
}

// statusSequence answers with the given statuses in order, repeating the last one
func statusSequence(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
		_, _ = w.Write([]byte(http.StatusText(statuses[n])))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDefaultHTTPOptions(t *testing.T) {
	opts := DefaultHTTPOptions()
	assert.Equal(t, 25*time.Second, opts.Timeout)
	assert.Equal(t, 2, opts.Retries)
	assert.Equal(t, 10, opts.MaxRedirects)
}

func TestHTTPClient_Retries(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		statuses   []int
		wantStatus int
		wantCalls  int32
	}{
		{name: "success first try", method: http.MethodGet, statuses: []int{200}, wantStatus: 200, wantCalls: 1},
		{name: "503 then success", method: http.MethodGet, statuses: []int{503, 503, 200}, wantStatus: 200, wantCalls: 3},
		{name: "429 then success", method: http.MethodGet, statuses: []int{429, 200}, wantStatus: 200, wantCalls: 2},
		{name: "final 5xx returned", method: http.MethodGet, statuses: []int{502}, wantStatus: 502, wantCalls: 3},
		{name: "4xx not retried", method: http.MethodGet, statuses: []int{404, 200}, wantStatus: 404, wantCalls: 1},
		{name: "401 not retried", method: http.MethodGet, statuses: []int{401, 200}, wantStatus: 401, wantCalls: 1},
		{name: "HEAD retried", method: http.MethodHead, statuses: []int{500, 200}, wantStatus: 200, wantCalls: 2},
		{name: "POST not retried", method: http.MethodPost, statuses: []int{503, 200}, wantStatus: 503, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := statusSequence(t, tt.statuses...)

			req, err := http.NewRequest(tt.method, srv.URL, nil)
			require.NoError(t, err)

			resp, err := fastHTTPClient().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestHTTPClient_NoRetriesConfigured(t *testing.T) {
	srv, calls := statusSequence(t, 503, 200)

	opts := fastHTTPOptions()
	opts.Retries = 0

	resp, err := NewHTTPClient(opts, nil).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_RetriesNetworkErrors(t *testing.T) {
	var attempts atomic.Int32
	failing := roundTripperFunc(func(*http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("connection reset by peer")
	})

	opts := fastHTTPOptions()
	opts.Transport = failing

	_, err := NewHTTPClient(opts, zap.NewNop()).Get("http://provider.invalid/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestHTTPClient_RecoversFromNetworkError(t *testing.T) {
	srv, _ := statusSequence(t, 200)

	var attempts atomic.Int32
	flaky := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return http.DefaultTransport.RoundTrip(r)
	})

	opts := fastHTTPOptions()
	opts.Transport = flaky

	resp, err := NewHTTPClient(opts, zap.NewNop()).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestHTTPClient_CancelledContextIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var attempts atomic.Int32
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		attempts.Add(1)
		cancel()
		return nil, r.Context().Err()
	})

	opts := fastHTTPOptions()
	opts.Transport = rt

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://provider.invalid/", nil)
	require.NoError(t, err)

	_, err = NewHTTPClient(opts, zap.NewNop()).Do(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestHTTPClient_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("moved here"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Run("followed by default", func(t *testing.T) {
		resp, err := fastHTTPClient().Get(srv.URL + "/old")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, strings.HasSuffix(resp.Request.URL.Path, "/new"))
	})

	t.Run("disabled", func(t *testing.T) {
		opts := fastHTTPOptions()
		opts.MaxRedirects = 0

		resp, err := NewHTTPClient(opts, zap.NewNop()).Get(srv.URL + "/old")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusFound, resp.StatusCode)
	})
}

func TestHTTPClient_RedirectLoopStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path, http.StatusFound)
	}))
	defer srv.Close()

	_, err := fastHTTPClient().Get(srv.URL + "/loop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 10 redirects")
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	opts := fastHTTPOptions()
	opts.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := NewHTTPClient(opts, zap.NewNop()).Get(srv.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
