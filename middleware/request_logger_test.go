package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantLevel  zapcore.Level
	}{
		{
			name:       "implicit ok",
			handler:    func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("hi")) },
			wantStatus: http.StatusOK,
			wantLevel:  zapcore.InfoLevel,
		},
		{
			name:       "client error",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			wantStatus: http.StatusUnauthorized,
			wantLevel:  zapcore.InfoLevel,
		},
		{
			name:       "server error",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantStatus: http.StatusBadGateway,
			wantLevel:  zapcore.WarnLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			handler := chimw.RequestID(RequestLogger(zap.New(core))(tt.handler))

			req := httptest.NewRequest(http.MethodGet, "/tile?x=1", nil)
			req.Header.Set("Authorization", "Bearer very-secret-token")
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			entries := logs.All()
			require.Len(t, entries, 1)
			entry := entries[0]
			assert.Equal(t, tt.wantLevel, entry.Level)
			assert.Equal(t, "request completed", entry.Message)

			fields := entry.ContextMap()
			assert.Equal(t, "GET", fields["method"])
			assert.Equal(t, "/tile", fields["path"])
			assert.EqualValues(t, tt.wantStatus, fields["status"])
			assert.NotEmpty(t, fields["request_id"])
			for key, v := range fields {
				if s, ok := v.(string); ok {
					assert.NotContains(t, s, "very-secret-token", key)
				}
			}
		})
	}
}
