// ABOUTME: Tests for the bearer token HTTP middleware
// ABOUTME: Covers header and query token sources and rejection paths

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header    string
		wantToken string
		wantErr   string
	}{
		{header: "", wantErr: "missing authorization header"},
		{header: "Basic abc", wantErr: "invalid authorization header format"},
		{header: "Bearer ", wantErr: "empty token"},
		{header: "Bearer abc", wantToken: "abc"},
	}
	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		assert.Equal(t, tt.wantToken, token, tt.header)
		assert.Equal(t, tt.wantErr, errMsg, tt.header)
	}
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	token, err := verifier.Generate("dashboard", "main", time.Hour)
	require.NoError(t, err)

	var seen *Claims
	handler := HTTPAuthMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		target     string
		header     string
		wantStatus int
	}{
		{name: "header token", target: "/api/runs", header: "Bearer " + token, wantStatus: http.StatusNoContent},
		{name: "query token", target: "/api/events?token=" + token, wantStatus: http.StatusNoContent},
		{name: "missing", target: "/api/runs", wantStatus: http.StatusUnauthorized},
		{name: "bad token", target: "/api/runs", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "dashboard", seen.Subject)
				assert.Equal(t, "main", seen.AgentID)
			} else {
				assert.Nil(t, seen)
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestFromContext_Unauthenticated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, FromContext(req.Context()))
}
