package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/upb/microapp-gateway/models"
	"github.com/upb/microapp-gateway/oidc"
	"github.com/upb/microapp-gateway/utils"
)

// ErrUnknownIdentity is passed to the error handler when a resolver returns
// an identity variant the middleware does not know
var ErrUnknownIdentity = errors.New("unknown identity variant")

// IdentityResolver resolves a bearer token into an identity
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (oidc.Identity, error)
}

// ErrorHandler writes the response for errors the middleware does not
// handle itself. It decides how much detail the caller sees.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// AuthorizationMetrics receives one observation per authorization decision
type AuthorizationMetrics interface {
	ObserveAuthorization(outcome string, resolution time.Duration)
}

// DecisionRecorder queues authorization decisions for the audit trail
type DecisionRecorder interface {
	Record(decision *models.AuthorizationDecision) error
}

// Option configures an AuthMiddleware
type Option func(*AuthMiddleware)

// WithMetrics counts authorization outcomes
func WithMetrics(metrics AuthorizationMetrics) Option {
	return func(m *AuthMiddleware) {
		m.metrics = metrics
	}
}

// WithDecisionRecorder records every authorization decision
func WithDecisionRecorder(recorder DecisionRecorder) Option {
	return func(m *AuthMiddleware) {
		m.recorder = recorder
	}
}

// AuthMiddleware gates requests on a bearer token resolved by the identity provider
type AuthMiddleware struct {
	resolver     IdentityResolver
	errorHandler ErrorHandler
	logger       *zap.Logger
	metrics      AuthorizationMetrics
	recorder     DecisionRecorder
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(resolver IdentityResolver, errorHandler ErrorHandler, logger *zap.Logger, opts ...Option) *AuthMiddleware {
	if errorHandler == nil {
		errorHandler = statusOnlyErrorHandler
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &AuthMiddleware{
		resolver:     resolver,
		errorHandler: errorHandler,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequireAuth resolves the request's bearer token and either passes the
// request on with the identity in its context or answers it:
//   - no usable token: 401 with a JSON error body, the provider is not called
//   - rejected by the provider: 200 with the provider's payload
//   - ambiguous provider answer: 401 with an empty body
//   - resolution error: forwarded to the error handler
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		outcome, resolution := m.authorize(ww, r, next)

		m.observe(r, ww.Status(), outcome, resolution)
	})
}

func (m *AuthMiddleware) authorize(w http.ResponseWriter, r *http.Request, next http.Handler) (models.AuthorizationOutcome, time.Duration) {
	ctx := r.Context()
	requestID := GetRequestIDFromContext(ctx)

	token, ok := extractBearerToken(r)
	if !ok {
		m.logger.Debug("missing bearer token",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path))
		_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
		return models.OutcomeMissingToken, 0
	}

	start := time.Now()
	identity, err := m.resolver.ResolveIdentity(ctx, token)
	resolution := time.Since(start)
	if err != nil {
		m.logResolutionError(ctx, requestID, err)
		m.errorHandler(w, r, err)
		return models.OutcomeError, resolution
	}

	switch id := identity.(type) {
	case *oidc.Authenticated:
		m.logger.Debug("request authenticated",
			zap.String("request_id", requestID),
			zap.Duration("resolution", resolution))
		next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, id)))
		return models.OutcomeAuthenticated, resolution

	case *oidc.Rejected:
		m.logger.Info("token rejected by identity provider",
			zap.String("request_id", requestID))
		_ = utils.WriteRawJSON(w, http.StatusOK, id.Payload)
		return models.OutcomeRejected, resolution

	case *oidc.Ambiguous:
		m.logger.Info("identity provider response carried no success marker",
			zap.String("request_id", requestID))
		w.WriteHeader(http.StatusUnauthorized)
		return models.OutcomeAmbiguous, resolution

	default:
		err := fmt.Errorf("%w: %T", ErrUnknownIdentity, identity)
		m.logger.Error("identity resolution failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		m.errorHandler(w, r, err)
		return models.OutcomeError, resolution
	}
}

func (m *AuthMiddleware) logResolutionError(ctx context.Context, requestID string, err error) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.Error(err),
	}

	var perr *oidc.ProviderError
	if errors.As(err, &perr) {
		fields = append(fields, zap.Int("provider_status", perr.StatusCode))
	}

	if ctx.Err() != nil {
		m.logger.Debug("identity resolution abandoned, client went away", fields...)
		return
	}
	m.logger.Error("identity resolution failed", fields...)
}

func (m *AuthMiddleware) observe(r *http.Request, status int, outcome models.AuthorizationOutcome, resolution time.Duration) {
	if m.metrics != nil {
		m.metrics.ObserveAuthorization(string(outcome), resolution)
	}
	if m.recorder == nil {
		return
	}

	decision := models.NewAuthorizationDecision(outcome, status).
		WithRequest(r.Method, r.URL.Path, GetRequestIDFromContext(r.Context()), clientIP(r), r.UserAgent()).
		WithLatency(resolution)
	if err := m.recorder.Record(decision); err != nil {
		m.logger.Debug("authorization decision not recorded",
			zap.String("request_id", decision.RequestID),
			zap.Error(err))
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// The scheme is matched case-insensitively.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func statusOnlyErrorHandler(w http.ResponseWriter, _ *http.Request, _ error) {
	w.WriteHeader(http.StatusInternalServerError)
}
