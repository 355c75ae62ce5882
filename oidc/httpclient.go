package oidc

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Defaults for the provider HTTP client
const (
	DefaultHTTPTimeout  = 25 * time.Second
	DefaultHTTPRetries  = 2
	DefaultRetryWait    = 250 * time.Millisecond
	DefaultMaxRetryWait = 2 * time.Second
	DefaultMaxRedirects = 10
)

var errRetryableStatus = errors.New("retryable status")

// HTTPOptions controls the network policy used to talk to the identity provider
type HTTPOptions struct {
	// Timeout bounds a whole exchange, retries included
	Timeout time.Duration
	// Retries is the number of additional attempts after a transient failure
	Retries int
	// RetryWait is the initial backoff interval
	RetryWait time.Duration
	// MaxRetryWait caps a single backoff interval
	MaxRetryWait time.Duration
	// MaxRedirects is the number of redirects followed. Zero disables redirects.
	MaxRedirects int
	// Transport is the underlying round tripper. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// DefaultHTTPOptions returns the provider HTTP policy: 25s timeout, 2 retries,
// redirects followed.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Timeout:      DefaultHTTPTimeout,
		Retries:      DefaultHTTPRetries,
		RetryWait:    DefaultRetryWait,
		MaxRetryWait: DefaultMaxRetryWait,
		MaxRedirects: DefaultMaxRedirects,
	}
}

// NewHTTPClient builds the client shared by discovery and identity resolution
func NewHTTPClient(opts HTTPOptions, logger *zap.Logger) *http.Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	retryWait := opts.RetryWait
	if retryWait <= 0 {
		retryWait = DefaultRetryWait
	}
	maxRetryWait := opts.MaxRetryWait
	if maxRetryWait < retryWait {
		maxRetryWait = retryWait
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}

	return &http.Client{
		Transport: &retryTransport{
			base:         base,
			retries:      retries,
			retryWait:    retryWait,
			maxRetryWait: maxRetryWait,
			logger:       logger,
		},
		CheckRedirect: redirectPolicy(opts.MaxRedirects),
		Timeout:       opts.Timeout,
	}
}

func redirectPolicy(maxRedirects int) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if maxRedirects <= 0 {
			return http.ErrUseLastResponse
		}
		if len(via) > maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
}

// retryTransport retries idempotent requests on network errors, 5xx and 429.
// The last attempt's response is returned as is.
type retryTransport struct {
	base         http.RoundTripper
	retries      int
	retryWait    time.Duration
	maxRetryWait time.Duration
	logger       *zap.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.retries == 0 || !replayable(req) {
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(t.retryWait),
				backoff.WithMaxInterval(t.maxRetryWait),
				backoff.WithMaxElapsedTime(0),
			),
			uint64(t.retries),
		),
		ctx,
	)

	attempt := 0
	operation := func() (*http.Response, error) {
		attempt++
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if attempt <= t.retries && retryableStatus(resp.StatusCode) {
			drain(resp)
			return nil, fmt.Errorf("%w: %d", errRetryableStatus, resp.StatusCode)
		}
		return resp, nil
	}

	notify := func(err error, wait time.Duration) {
		t.logger.Debug("Retrying provider request",
			zap.String("method", req.Method),
			zap.String("host", req.URL.Host),
			zap.String("path", req.URL.Path),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	return backoff.RetryNotifyWithData(operation, policy, notify)
}

// replayable reports whether req can be sent again unchanged
func replayable(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	return req.Body == nil || req.Body == http.NoBody
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
