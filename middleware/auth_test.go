package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func performRequest(t *testing.T, provider AuthProvider, authHeader string) (*httptest.ResponseRecorder, *AuthInfo, bool) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var gotInfo *AuthInfo
	handlerCalled := false

	router := gin.New()
	router.GET("/protected", AuthMiddleware(provider), func(c *gin.Context) {
		handlerCalled = true
		gotInfo = GetAuthInfo(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w, gotInfo, handlerCalled
}

// TestAuthMiddleware_NopProvider verifies that the default provider admits
// requests with no credentials at all.
func TestAuthMiddleware_NopProvider(t *testing.T) {
	w, info, called := performRequest(t, NopAuthProvider{}, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
	require.NotNil(t, info)
	assert.Equal(t, "local-user", info.UserID)
}

// TestAuthMiddleware_StaticToken_Valid verifies acceptance of the configured
// token, including a case-insensitive scheme prefix.
func TestAuthMiddleware_StaticToken_Valid(t *testing.T) {
	provider := StaticTokenProvider{Token: "secret-token"}

	for _, header := range []string{"Bearer secret-token", "bearer secret-token"} {
		w, info, called := performRequest(t, provider, header)
		assert.Equal(t, http.StatusOK, w.Code, "header %q", header)
		assert.True(t, called)
		require.NotNil(t, info)
	}
}

// TestAuthMiddleware_StaticToken_Rejected verifies that missing, malformed
// and wrong tokens all yield 401 with an empty body and never reach the
// handler.
func TestAuthMiddleware_StaticToken_Rejected(t *testing.T) {
	provider := StaticTokenProvider{Token: "secret-token"}

	cases := map[string]string{
		"missing header":   "",
		"wrong token":      "Bearer wrong",
		"malformed header": "secret-token",
		"wrong scheme":     "Basic secret-token",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			w, _, called := performRequest(t, provider, header)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Empty(t, w.Body.String(), "401 must carry no body")
			assert.False(t, called, "handler must not run for rejected requests")
		})
	}
}

// TestStaticTokenProvider_EmptyToken verifies that an empty presented token
// is rejected even if the configured token is empty.
func TestStaticTokenProvider_EmptyToken(t *testing.T) {
	provider := StaticTokenProvider{Token: ""}
	_, err := provider.Validate(t.Context(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

// TestGetAuthInfo_Missing verifies the nil fallback when no middleware ran.
func TestGetAuthInfo_Missing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetAuthInfo(c))
}
