package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/microapp-gateway/oidc"
	"github.com/upb/microapp-gateway/utils"
)

// Readiness check results
const (
	checkHealthy       = "healthy"
	checkUnhealthy     = "unhealthy"
	checkNotConfigured = "not_configured"
)

var errNoUserinfoEndpoint = errors.New("provider metadata has no userinfo endpoint")

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// MetadataSource exposes the discovered provider metadata
type MetadataSource interface {
	Metadata() oidc.ProviderMetadata
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	provider MetadataSource
	db       *sql.DB
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db is nil when the audit
// trail is disabled.
func NewHealthHandler(provider MetadataSource, db *sql.DB, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		provider: provider,
		db:       db,
		logger:   logger,
	}
}

// HandleHealth handles GET /health
// Liveness check - always returns 200 if the process is serving
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    checkHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if err := utils.WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("failed to write health response", zap.Error(err))
	}
}

// HandleReadiness handles GET /health/ready
// Readiness check - the provider metadata is loaded and the audit database,
// when configured, answers
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.checkProvider(); err != nil {
		h.logger.Warn("identity provider readiness check failed", zap.Error(err))
		checks["identity_provider"] = checkUnhealthy
		allHealthy = false
	} else {
		checks["identity_provider"] = checkHealthy
	}

	switch err := h.checkDatabase(ctx); {
	case h.db == nil:
		checks["database"] = checkNotConfigured
	case err != nil:
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = checkUnhealthy
		allHealthy = false
	default:
		checks["database"] = checkHealthy
	}

	status := checkHealthy
	httpStatus := http.StatusOK
	if !allHealthy {
		status = checkUnhealthy
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, response); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

func (h *HealthHandler) checkProvider() error {
	if h.provider == nil {
		return errNoUserinfoEndpoint
	}
	if h.provider.Metadata().UserinfoEndpoint == "" {
		return errNoUserinfoEndpoint
	}
	return nil
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil
	}

	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
