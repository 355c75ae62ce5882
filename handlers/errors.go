package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/microapp-gateway/middleware"
	"github.com/upb/microapp-gateway/oidc"
	"github.com/upb/microapp-gateway/utils"
)

// ErrorDetail describes an error in development responses
type ErrorDetail struct {
	Type           string   `json:"type"`
	Causes         []string `json:"causes,omitempty"`
	ProviderStatus int      `json:"provider_status,omitempty"`
}

// DevelopmentErrorResponse is the body written in development mode
type DevelopmentErrorResponse struct {
	Message string      `json:"message"`
	Error   ErrorDetail `json:"error"`
}

// NewErrorHandler returns the handler for errors propagated by the
// middleware. Every error answers 500. In development the body carries the
// error message and its chain; otherwise the body is empty.
func NewErrorHandler(development bool, logger *zap.Logger) middleware.ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		if err == nil {
			err = errors.New("unknown error")
		}

		if !development {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		body := DevelopmentErrorResponse{
			Message: err.Error(),
			Error:   describeError(err),
		}
		if werr := utils.WriteJSON(w, http.StatusInternalServerError, body); werr != nil {
			logger.Error("failed to write error response",
				zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
				zap.Error(werr))
		}
	}
}

func describeError(err error) ErrorDetail {
	detail := ErrorDetail{Type: fmt.Sprintf("%T", err)}

	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		detail.Causes = append(detail.Causes, cause.Error())
	}

	var perr *oidc.ProviderError
	if errors.As(err, &perr) {
		detail.ProviderStatus = perr.StatusCode
	}
	return detail
}
