package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenLightCore/internal/config"
)

func newTestService(enabled bool) *AuthService {
	return NewAuthService(config.AuthConfig{Enabled: enabled, TokenTTL: time.Hour})
}

func TestIssueAndValidateToken(t *testing.T) {
	svc := newTestService(true)

	token, err := svc.IssueToken("panel", "operator")
	require.NoError(t, err)

	perms, claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "panel", claims.Subject)
	assert.Equal(t, tokenIssuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.ElementsMatch(t, []Permission{PermViewer, PermOperator}, perms)
}

func TestIssueTokenRejectsUnknownRole(t *testing.T) {
	_, err := newTestService(true).IssueToken("panel", "root")
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	h := NewJWTHandler("secret", -time.Minute)
	token, err := h.GenerateAccessToken("panel", "admin")
	require.NoError(t, err)

	_, err = h.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestForeignSecretRejected(t *testing.T) {
	token, err := NewJWTHandler("one", time.Hour).GenerateAccessToken("panel", "admin")
	require.NoError(t, err)

	_, err = NewJWTHandler("two", time.Hour).ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	enabled := newTestService(true)
	viewerToken, err := enabled.IssueToken("v", "viewer")
	require.NoError(t, err)
	adminToken, err := enabled.IssueToken("a", "admin")
	require.NoError(t, err)

	tests := []struct {
		name   string
		svc    *AuthService
		header string
		want   int
	}{
		{"disabled grants admin", newTestService(false), "", http.StatusOK},
		{"missing header", enabled, "", http.StatusUnauthorized},
		{"malformed header", enabled, "Token " + adminToken, http.StatusUnauthorized},
		{"garbage token", enabled, "Bearer nope", http.StatusUnauthorized},
		{"viewer lacks admin", enabled, "Bearer " + viewerToken, http.StatusForbidden},
		{"admin allowed", enabled, "Bearer " + adminToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/x", tt.svc.AuthMiddleware(), RequirePermission(PermAdmin), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
